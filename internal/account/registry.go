// Package account 负责从数据文件加载账户、收款地址和代理列表。
package account

import (
	"bufio"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ChainPilot/internal/errors"
)

// Account 是一个参与运行的链上账户，创建后不可变。
type Account struct {
	Index   int
	Address common.Address
	Key     *ecdsa.PrivateKey
	Task    int
}

// Registry 保存本次运行的全部账户及共享的只读列表。
type Registry struct {
	accounts   []Account
	recipients []common.Address
	proxies    []string
	useProxy   bool
}

// Files 指向三个按行分隔的数据文件。
type Files struct {
	PrivateKeys string
	Wallets     string
	Proxies     string
}

// Load 读取数据文件并构建注册表。收款地址和代理文件允许缺失。
func Load(files Files, useProxy bool, task int) (*Registry, error) {
	keys, err := ReadLines(files.PrivateKeys)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取私钥文件失败")
	}
	wallets, err := readOptional(files.Wallets)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取收款地址文件失败")
	}
	proxies, err := readOptional(files.Proxies)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取代理文件失败")
	}
	return Build(keys, wallets, proxies, useProxy, task)
}

// Build 校验并组装注册表。账户为空，或启用代理时代理数量少于账户数量，
// 都属于致命的配置错误。
func Build(keys, wallets, proxies []string, useProxy bool, task int) (*Registry, error) {
	if len(keys) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "没有可用的私钥")
	}
	if useProxy && len(proxies) < len(keys) {
		return nil, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("代理数量 %d 少于账户数量 %d", len(proxies), len(keys)))
	}

	accounts := make([]Account, 0, len(keys))
	for i, raw := range keys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("第 %d 个私钥无效", i+1))
		}
		accounts = append(accounts, Account{
			Index:   i,
			Address: crypto.PubkeyToAddress(key.PublicKey),
			Key:     key,
			Task:    task,
		})
	}

	recipients := make([]common.Address, 0, len(wallets))
	for _, w := range wallets {
		if !common.IsHexAddress(w) {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("收款地址无效: %s", w))
		}
		recipients = append(recipients, common.HexToAddress(w))
	}

	return &Registry{
		accounts:   accounts,
		recipients: recipients,
		proxies:    append([]string(nil), proxies...),
		useProxy:   useProxy,
	}, nil
}

// Accounts 返回按序号排列的账户副本。
func (r *Registry) Accounts() []Account {
	return append([]Account(nil), r.accounts...)
}

// Len 返回账户数量。
func (r *Registry) Len() int { return len(r.accounts) }

// Recipients 返回收款地址列表副本。
func (r *Registry) Recipients() []common.Address {
	return append([]common.Address(nil), r.recipients...)
}

// ProxyFor 按 ordinal mod len(proxies) 分配代理；未启用代理时返回空串。
func (r *Registry) ProxyFor(ordinal int) string {
	if !r.useProxy || len(r.proxies) == 0 {
		return ""
	}
	return r.proxies[ordinal%len(r.proxies)]
}

// ReadLines 读取非空且不以 # 开头的行。
func ReadLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func readOptional(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	lines, err := ReadLines(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return lines, err
}

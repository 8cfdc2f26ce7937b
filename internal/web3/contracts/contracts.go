// Package contracts packs and unpacks calldata for the handful of contracts
// the pipeline talks to: ERC-20 tokens, WETH, the lending gateway and the
// DODO route proxy.
package contracts

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const wethABI = `[
 {"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]},
 {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"wad","type":"uint256"}],"outputs":[]}
]`

const gatewayABI = `[
 {"type":"function","name":"depositETH","stateMutability":"payable","inputs":[{"name":"","type":"address"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
 {"type":"function","name":"withdrawETH","stateMutability":"nonpayable","inputs":[{"name":"","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"outputs":[]}
]`

const routeProxyABI = `[
 {"type":"function","name":"mixSwap","stateMutability":"payable","inputs":[
  {"name":"fromToken","type":"address"},
  {"name":"toToken","type":"address"},
  {"name":"fromTokenAmount","type":"uint256"},
  {"name":"expReturnAmount","type":"uint256"},
  {"name":"minReturnAmount","type":"uint256"},
  {"name":"mixAdapters","type":"address[]"},
  {"name":"mixPairs","type":"address[]"},
  {"name":"assetTo","type":"address[]"},
  {"name":"directions","type":"uint256"},
  {"name":"moreInfos","type":"bytes[]"},
  {"name":"feeData","type":"bytes"},
  {"name":"deadLine","type":"uint256"}],
  "outputs":[{"name":"receiveAmount","type":"uint256"}]}
]`

var (
	ERC20      = mustParse("erc20", erc20ABI)
	WETH       = mustParse("weth", wethABI)
	Gateway    = mustParse("gateway", gatewayABI)
	RouteProxy = mustParse("route proxy", routeProxyABI)
)

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("解析 %s ABI 失败: %v", name, err))
	}
	return parsed
}

// PackBalanceOf encodes balanceOf(owner).
func PackBalanceOf(owner common.Address) ([]byte, error) {
	return ERC20.Pack("balanceOf", owner)
}

// PackAllowance encodes allowance(owner, spender).
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return ERC20.Pack("allowance", owner, spender)
}

// PackApprove encodes approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return ERC20.Pack("approve", spender, amount)
}

// PackDecimals encodes decimals().
func PackDecimals() ([]byte, error) {
	return ERC20.Pack("decimals")
}

// UnpackUint256 decodes a single uint256 return value of an ERC-20 view.
func UnpackUint256(method string, data []byte) (*big.Int, error) {
	out, err := ERC20.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("解码 %s 返回值失败: 输出数量 %d 不符", method, len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("解码 %s 返回值失败: 类型 %T 不符", method, out[0])
	}
	return value, nil
}

// UnpackDecimals decodes the return value of decimals().
func UnpackDecimals(data []byte) (uint8, error) {
	out, err := ERC20.Unpack("decimals", data)
	if err != nil {
		return 0, fmt.Errorf("解码 decimals 失败: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("解码 decimals 失败: 输出数量 %d 不符", len(out))
	}
	value, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("解码 decimals 失败: 类型 %T 不符", out[0])
	}
	return value, nil
}

// PackWrap encodes WETH deposit().
func PackWrap() ([]byte, error) {
	return WETH.Pack("deposit")
}

// PackUnwrap encodes WETH withdraw(amount).
func PackUnwrap(amount *big.Int) ([]byte, error) {
	return WETH.Pack("withdraw", amount)
}

// PackGatewayDeposit encodes depositETH(pool, onBehalfOf, 0).
func PackGatewayDeposit(pool, onBehalfOf common.Address) ([]byte, error) {
	return Gateway.Pack("depositETH", pool, onBehalfOf, uint16(0))
}

// PackGatewayWithdraw encodes withdrawETH(pool, amount, to).
func PackGatewayWithdraw(pool common.Address, amount *big.Int, to common.Address) ([]byte, error) {
	return Gateway.Pack("withdrawETH", pool, amount, to)
}

// MixSwap holds the arguments of a route proxy mixSwap call.
type MixSwap struct {
	FromToken       common.Address
	ToToken         common.Address
	FromTokenAmount *big.Int
	ExpReturnAmount *big.Int
	MinReturnAmount *big.Int
	MixAdapters     []common.Address
	MixPairs        []common.Address
	AssetTo         []common.Address
	Directions      uint64
	MoreInfos       [][]byte
	FeeData         []byte
	Deadline        *big.Int
}

// PackMixSwap encodes a mixSwap call.
func PackMixSwap(p MixSwap) ([]byte, error) {
	return RouteProxy.Pack("mixSwap",
		p.FromToken,
		p.ToToken,
		p.FromTokenAmount,
		p.ExpReturnAmount,
		p.MinReturnAmount,
		p.MixAdapters,
		p.MixPairs,
		p.AssetTo,
		new(big.Int).SetUint64(p.Directions),
		p.MoreInfos,
		p.FeeData,
		p.Deadline,
	)
}

// UnpackMixSwap decodes packed mixSwap calldata, selector included.
func UnpackMixSwap(data []byte) (MixSwap, error) {
	if len(data) < 4 {
		return MixSwap{}, errors.New("调用数据过短")
	}
	method, err := RouteProxy.MethodById(data[:4])
	if err != nil {
		return MixSwap{}, err
	}
	if method.Name != "mixSwap" {
		return MixSwap{}, fmt.Errorf("非预期的方法 %s", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return MixSwap{}, fmt.Errorf("解码 mixSwap 参数失败: %w", err)
	}
	if len(args) != 12 {
		return MixSwap{}, fmt.Errorf("解码 mixSwap 参数失败: 参数数量 %d 不符", len(args))
	}
	return MixSwap{
		FromToken:       args[0].(common.Address),
		ToToken:         args[1].(common.Address),
		FromTokenAmount: args[2].(*big.Int),
		ExpReturnAmount: args[3].(*big.Int),
		MinReturnAmount: args[4].(*big.Int),
		MixAdapters:     args[5].([]common.Address),
		MixPairs:        args[6].([]common.Address),
		AssetTo:         args[7].([]common.Address),
		Directions:      args[8].(*big.Int).Uint64(),
		MoreInfos:       args[9].([][]byte),
		FeeData:         args[10].([]byte),
		Deadline:        args[11].(*big.Int),
	}, nil
}

// Addresses converts hex strings to addresses, skipping blanks.
func Addresses(values []string) []common.Address {
	out := make([]common.Address, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		out = append(out, common.HexToAddress(v))
	}
	return out
}

// Bytes decodes hex strings into byte slices.
func Bytes(values []string) [][]byte {
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		out = append(out, common.FromHex(v))
	}
	return out
}

package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"ChainPilot/internal/proxy"
	"ChainPilot/internal/web3"
	"ChainPilot/internal/web3/contracts"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	RPCURL         string
	ProxyURL       string
	RequestTimeout time.Duration
	RatePerSecond  float64
	Burst          int
	Notes          string
}

// backend is the subset of ethclient.Client that the client needs. The
// simulated backend's client satisfies it as well.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   backend
	limiter   *rate.Limiter
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint through the optional proxy and
// returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	httpClient, err := proxy.HTTPClient(cfg.ProxyURL, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}

	var opts []gethrpc.ClientOption
	if strings.HasPrefix(rpcURL, "http://") || strings.HasPrefix(rpcURL, "https://") {
		opts = append(opts, gethrpc.WithHTTPClient(httpClient))
	}
	rpcClient, err := gethrpc.DialOptions(ctx, rpcURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)
	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
		limiter:   newLimiter(cfg.RatePerSecond, cfg.Burst),
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, sim simulated.Client) *Client {
	return &Client{
		name:    name,
		backend: sim,
		notes:   "simulated backend",
	}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Name returns the configured network name.
func (c *Client) Name() string { return c.name }

// Notes returns the description attached to the client.
func (c *Client) Notes() string { return c.notes }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.backend = nil
}

func (c *Client) acquire(ctx context.Context) (backend, error) {
	c.mu.Lock()
	b := c.backend
	c.mu.Unlock()
	if b == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// ChainID implements web3.Client.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	b, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	id, err := b.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	return id, nil
}

// BlockNumber implements web3.Client.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	b, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	n, err := b.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return n, nil
}

// Balance implements web3.Client.
func (c *Client) Balance(ctx context.Context, owner common.Address) (*big.Int, error) {
	b, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := b.BalanceAt(ctx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// TokenBalance implements web3.Client.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := contracts.PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	out, err := c.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	return contracts.UnpackUint256("balanceOf", out)
}

// TokenAllowance implements web3.Client.
func (c *Client) TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := contracts.PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.CallContract(ctx, gethcore.CallMsg{From: owner, To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("查询授权额度失败: %w", err)
	}
	return contracts.UnpackUint256("allowance", out)
}

// TokenDecimals implements web3.Client.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	data, err := contracts.PackDecimals()
	if err != nil {
		return 0, err
	}
	out, err := c.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("查询代币精度失败: %w", err)
	}
	return contracts.UnpackDecimals(out)
}

// FeeSnapshot implements web3.Client. The fee cap follows the common
// 2 * baseFee + tip rule; chains without a base fee fall back to gas price.
func (c *Client) FeeSnapshot(ctx context.Context) (web3.FeeSnapshot, error) {
	b, err := c.acquire(ctx)
	if err != nil {
		return web3.FeeSnapshot{}, err
	}
	gasPrice, err := b.SuggestGasPrice(ctx)
	if err != nil {
		return web3.FeeSnapshot{}, fmt.Errorf("获取 gas 价格失败: %w", err)
	}
	head, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.FeeSnapshot{}, fmt.Errorf("获取区块头失败: %w", err)
	}
	if head.BaseFee == nil {
		return web3.FeeSnapshot{
			GasPrice: gasPrice,
			TipCap:   new(big.Int).Set(gasPrice),
			FeeCap:   new(big.Int).Set(gasPrice),
		}, nil
	}
	tip, err := b.SuggestGasTipCap(ctx)
	if err != nil {
		return web3.FeeSnapshot{}, fmt.Errorf("获取小费上限失败: %w", err)
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return web3.FeeSnapshot{GasPrice: gasPrice, TipCap: tip, FeeCap: feeCap}, nil
}

// EstimateGas implements web3.Client.
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	b, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	gas, err := b.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("估算 gas 失败: %w", err)
	}
	return gas, nil
}

// NonceCounts implements web3.Client. Against a live node both counts are
// fetched in a single JSON-RPC batch.
func (c *Client) NonceCounts(ctx context.Context, owner common.Address) (web3.NonceCounts, error) {
	b, err := c.acquire(ctx)
	if err != nil {
		return web3.NonceCounts{}, err
	}

	c.mu.Lock()
	rpcClient := c.rpcClient
	c.mu.Unlock()
	if rpcClient != nil {
		var pending, latest hexutil.Uint64
		elems := []gethrpc.BatchElem{
			{Method: "eth_getTransactionCount", Args: []any{owner, "pending"}, Result: &pending},
			{Method: "eth_getTransactionCount", Args: []any{owner, "latest"}, Result: &latest},
		}
		if err := rpcClient.BatchCallContext(ctx, elems); err == nil && elems[0].Error == nil && elems[1].Error == nil {
			return web3.NonceCounts{Pending: uint64(pending), Latest: uint64(latest)}, nil
		}
	}

	pending, err := b.PendingNonceAt(ctx, owner)
	if err != nil {
		return web3.NonceCounts{}, fmt.Errorf("查询待处理交易计数失败: %w", err)
	}
	latest, err := b.NonceAt(ctx, owner, nil)
	if err != nil {
		return web3.NonceCounts{}, fmt.Errorf("查询已确认交易计数失败: %w", err)
	}
	return web3.NonceCounts{Pending: pending, Latest: latest}, nil
}

// CallContract implements web3.Client.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error) {
	b, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return b.CallContract(ctx, msg, block)
}

// CodeAt implements web3.Client.
func (c *Client) CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error) {
	b, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return b.CodeAt(ctx, account, block)
}

// SendTransaction implements web3.Client.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	b, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	if err := b.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("发送交易失败: %w", err)
	}
	return nil
}

// TransactionReceipt implements web3.Client. A receipt that is not yet
// available surfaces as gethcore.NotFound.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	b, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return b.TransactionReceipt(ctx, hash)
}

var _ web3.Client = (*Client)(nil)

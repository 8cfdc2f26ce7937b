package web3

import (
	"context"
	"fmt"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot is the network metadata read when a unit connects.
type ChainSnapshot struct {
	ChainID     *big.Int
	BlockNumber uint64
	Notes       string
}

// FeeSnapshot carries the fee parameters used to price one transaction.
// GasPrice is what the fee check multiplies by the gas limit; TipCap and
// FeeCap go into the EIP-1559 envelope.
type FeeSnapshot struct {
	GasPrice *big.Int
	TipCap   *big.Int
	FeeCap   *big.Int
}

// Fee returns GasPrice * gas.
func (f FeeSnapshot) Fee(gas uint64) *big.Int {
	if f.GasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(f.GasPrice, new(big.Int).SetUint64(gas))
}

// NonceCounts holds the pending and latest transaction counts of an address.
type NonceCounts struct {
	Pending uint64
	Latest  uint64
}

// Next returns the larger of the two counts.
func (n NonceCounts) Next() uint64 {
	if n.Pending > n.Latest {
		return n.Pending
	}
	return n.Latest
}

// Client defines the chain operations the transaction pipeline relies on.
// Every call is bounded by the supplied context.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	FeeSnapshot(ctx context.Context) (FeeSnapshot, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	NonceCounts(ctx context.Context, owner common.Address) (NonceCounts, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Close()
}

// FetchChainSnapshot gathers lightweight metadata from the chain. It doubles
// as the connectivity probe run before an account starts its task.
func FetchChainSnapshot(ctx context.Context, client Client, notes string) (ChainSnapshot, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return ChainSnapshot{
		ChainID:     chainID,
		BlockNumber: blockNumber,
		Notes:       notes,
	}, nil
}

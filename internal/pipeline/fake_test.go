package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"ChainPilot/internal/account"
	"ChainPilot/internal/config"
	"ChainPilot/internal/web3"
)

var (
	testWETH   = common.HexToAddress("0x4200000000000000000000000000000000000006")
	testUSDC   = common.HexToAddress("0x8a93d247134d91e0de6f96547cb0c4a1b2c3d4e5")
	testRouter = common.HexToAddress("0x5b1c2a3b4c5d6e7f8091a2b3c4d5e6f708192a3b")
	testGate   = common.HexToAddress("0x6c2d3e4f5061728394a5b6c7d8e9f00112233445")
	testPool   = common.HexToAddress("0x81edb206Fd1FB9dC517B61793AaA0325c8d11A23")
)

// fakeChain is an in-memory web3.Client. Each sent transaction gets a receipt
// whose status is taken from statuses in order; success once exhausted.
type fakeChain struct {
	mu sync.Mutex

	gasPrice  *big.Int
	balance   *big.Int
	tokens    map[common.Address]*big.Int
	allowance *big.Int
	decimals  uint8
	decErr    error

	nonces    *web3.NonceCounts
	statuses  []uint64
	blocks    []uint64
	sendErr   error
	revertMsg string
	withhold  bool
	// pending is the number of receipt lookups answered with NotFound
	// before the receipt is returned.
	pending int
	lookups int

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		gasPrice:  big.NewInt(1_000_000_000),
		balance:   new(big.Int),
		tokens:    map[common.Address]*big.Int{},
		allowance: new(big.Int),
		decimals:  6,
		receipts:  map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 1, nil }

func (f *fakeChain) Balance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) TokenBalance(_ context.Context, token, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.tokens[token]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) TokenAllowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeChain) TokenDecimals(context.Context, common.Address) (uint8, error) {
	return f.decimals, f.decErr
}

func (f *fakeChain) FeeSnapshot(context.Context) (web3.FeeSnapshot, error) {
	return web3.FeeSnapshot{
		GasPrice: new(big.Int).Set(f.gasPrice),
		TipCap:   big.NewInt(1),
		FeeCap:   new(big.Int).Set(f.gasPrice),
	}, nil
}

func (f *fakeChain) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 0, errors.New("estimation disabled")
}

func (f *fakeChain) NonceCounts(context.Context, common.Address) (web3.NonceCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonces != nil {
		return *f.nonces, nil
	}
	n := uint64(len(f.sent))
	return web3.NonceCounts{Pending: n, Latest: n}, nil
}

func (f *fakeChain) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	if f.revertMsg != "" {
		return nil, errors.New(f.revertMsg)
	}
	return nil, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	i := len(f.sent)
	f.sent = append(f.sent, tx)
	status := types.ReceiptStatusSuccessful
	if i < len(f.statuses) {
		status = f.statuses[i]
	}
	block := uint64(10 + i)
	if i < len(f.blocks) {
		block = f.blocks[i]
	}
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(block),
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if r, ok := f.receipts[hash]; ok && !f.withhold && f.lookups > f.pending {
		return r, nil
	}
	return nil, gethcore.NotFound
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeChain) Close() {}

func (f *fakeChain) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func testConfig() Config {
	defaults := config.Default()
	return Config{
		Gas:     defaults.Gas,
		Amounts: defaults.Amounts,
		Policy:  defaults.Policy,
		Contracts: Contracts{
			WETH:        testWETH,
			USDC:        testUSDC,
			Gateway:     testGate,
			GatewayPool: testPool,
			RouteProxy:  testRouter,
		},
		Route: Route{
			Adapters:  []common.Address{common.HexToAddress("0x0f9053E174c123098C17e60A2B1FAb3b303f9e29")},
			Pairs:     []common.Address{common.HexToAddress("0xc7E2B7C2519bB911bA4a1eeE246Cb05ACb0b1df1")},
			AssetTo:   []common.Address{common.HexToAddress("0xc7E2B7C2519bB911bA4a1eeE246Cb05ACb0b1df1"), testRouter},
			MoreInfos: [][]byte{{0x00}},
			FeeData:   make([]byte, 64),
		},
	}
}

func newTestPipeline(t *testing.T, chain *fakeChain, cfg Config) *Pipeline {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	acct := account.Account{Index: 0, Address: crypto.PubkeyToAddress(key.PublicKey), Key: key}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(chain, acct, big.NewInt(1337), cfg,
		WithLogger(discard),
		WithAuditLogger(discard),
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	)
}

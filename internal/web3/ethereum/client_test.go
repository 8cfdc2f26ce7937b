package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"ChainPilot/internal/web3"
)

func TestSimulatedClientTransferLifecycle(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	funds := new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000_000_000_000))
	backend := simulated.NewBackend(coretypes.GenesisAlloc{from: {Balance: funds}})
	t.Cleanup(func() { _ = backend.Close() })
	client := NewSimulatedClient("simulated", backend.Client())
	t.Cleanup(client.Close)

	snapshot, err := web3.FetchChainSnapshot(ctx, client, client.Notes())
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID.Cmp(big.NewInt(1337)) != 0 || snapshot.Notes != client.Notes() {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	balance, err := client.Balance(ctx, from)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(funds) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}

	counts, err := client.NonceCounts(ctx, from)
	if err != nil {
		t.Fatalf("nonce counts: %v", err)
	}
	if counts.Next() != 0 {
		t.Fatalf("expected fresh account nonce 0, got %+v", counts)
	}

	fees, err := client.FeeSnapshot(ctx)
	if err != nil {
		t.Fatalf("fee snapshot: %v", err)
	}
	if fees.FeeCap == nil || fees.TipCap == nil || fees.FeeCap.Cmp(fees.TipCap) < 0 {
		t.Fatalf("unexpected fee snapshot %+v", fees)
	}

	gas, err := client.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: big.NewInt(1)})
	if err != nil {
		t.Fatalf("estimate gas: %v", err)
	}
	if gas != 21000 {
		t.Fatalf("expected plain transfer gas, got %d", gas)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	value := big.NewInt(1_000_000_000_000_000)
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     counts.Next(),
		GasTipCap: fees.TipCap,
		GasFeeCap: fees.FeeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		t.Fatalf("send: %v", err)
	}

	counts, err = client.NonceCounts(ctx, from)
	if err != nil {
		t.Fatalf("nonce counts after send: %v", err)
	}
	if counts.Pending != 1 || counts.Latest != 0 {
		t.Fatalf("expected pending 1 latest 0, got %+v", counts)
	}

	backend.Commit()
	receipt, err := bind.WaitMinedHash(ctx, client, signed.Hash())
	if err != nil {
		t.Fatalf("wait mined: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("unexpected receipt status %d", receipt.Status)
	}

	code, err := client.CodeAt(ctx, from, nil)
	if err != nil {
		t.Fatalf("code at: %v", err)
	}
	if len(code) != 0 {
		t.Fatalf("externally owned account should carry no code, got %x", code)
	}

	got, err := client.Balance(ctx, to)
	if err != nil {
		t.Fatalf("recipient balance: %v", err)
	}
	if got.Cmp(value) != 0 {
		t.Fatalf("recipient expected %s, got %s", value, got)
	}
}

func TestClosedClientRejectsCalls(t *testing.T) {
	t.Parallel()

	backend := simulated.NewBackend(coretypes.GenesisAlloc{})
	t.Cleanup(func() { _ = backend.Close() })
	client := NewSimulatedClient("simulated", backend.Client())
	client.Close()

	if _, err := client.BlockNumber(context.Background()); err == nil {
		t.Fatal("expected error from closed client")
	}
}

func TestNewClientRequiresRPCURL(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for missing rpc url")
	}
	if _, err := NewClient(context.Background(), Config{RPCURL: "http://127.0.0.1:8545", ProxyURL: "::bad"}); err == nil {
		t.Fatal("expected error for malformed proxy url")
	}
}

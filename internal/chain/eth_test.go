package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/haasonsaas/walletbroker/internal/backoff"
	"github.com/haasonsaas/walletbroker/internal/protocol"
)

const (
	recipient = "0x00000000000000000000000000000000000000aa"
	tokenA    = "0x00000000000000000000000000000000000000a1"
)

type callArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
	Input *hexutil.Bytes  `json:"input"`
	Data  *hexutil.Bytes  `json:"data"`
}

func (a callArgs) payload() []byte {
	if a.Input != nil {
		return *a.Input
	}
	if a.Data != nil {
		return *a.Data
	}
	return nil
}

// fakeEth serves the eth_ namespace subset the client uses.
type fakeEth struct {
	mu       sync.Mutex
	chainID  *big.Int
	balances map[common.Address]*big.Int
	tokens   map[common.Address]map[common.Address]*big.Int
	sent     []*types.Transaction
	// unmined is how many receipt polls return null before a receipt.
	unmined int
	revert  bool
}

func newFakeEth() *fakeEth {
	return &fakeEth{
		chainID:  big.NewInt(1337),
		balances: make(map[common.Address]*big.Int),
		tokens:   make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (f *fakeEth) ChainId(context.Context) (*hexutil.Big, error) {
	return (*hexutil.Big)(f.chainID), nil
}

func (f *fakeEth) GetBalance(_ context.Context, addr common.Address, _ *string) (*hexutil.Big, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return (*hexutil.Big)(b), nil
	}
	return (*hexutil.Big)(new(big.Int)), nil
}

func (f *fakeEth) Call(_ context.Context, args callArgs, _ *string) (hexutil.Bytes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := args.payload()
	if len(data) != 36 || !strings.EqualFold(hexutil.Encode(data[:4]), hexutil.Encode(balanceOfSelector)) {
		return nil, errors.New("execution reverted")
	}
	holder := common.BytesToAddress(data[4:])
	balance := new(big.Int)
	if holders, ok := f.tokens[*args.To]; ok {
		if b, ok := holders[holder]; ok {
			balance = b
		}
	}
	return common.LeftPadBytes(balance.Bytes(), 32), nil
}

func (f *fakeEth) GetTransactionCount(_ context.Context, _ common.Address, _ *string) (hexutil.Uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return hexutil.Uint64(len(f.sent)), nil
}

func (f *fakeEth) GasPrice(context.Context) (*hexutil.Big, error) {
	return (*hexutil.Big)(big.NewInt(1_000_000_000)), nil
}

func (f *fakeEth) EstimateGas(_ context.Context, _ callArgs, _ *string) (hexutil.Uint64, error) {
	return 21000, nil
}

func (f *fakeEth) SendRawTransaction(_ context.Context, raw hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return tx.Hash(), nil
}

func (f *fakeEth) GetTransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unmined > 0 {
		f.unmined--
		return nil, nil
	}
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		Status:            status,
		CumulativeGasUsed: 21000,
		GasUsed:           21000,
		Logs:              []*types.Log{},
		TxHash:            hash,
		BlockNumber:       big.NewInt(1),
	}, nil
}

func (f *fakeEth) transactions() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func newTestClient(t *testing.T, fake *fakeEth) (*EthClient, *KeySigner) {
	t.Helper()
	server := rpc.NewServer()
	if err := server.RegisterName("eth", fake); err != nil {
		t.Fatalf("RegisterName() error = %v", err)
	}
	t.Cleanup(server.Stop)

	signer, err := GenerateKeySigner()
	if err != nil {
		t.Fatal(err)
	}
	poll := backoff.Policy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1, MaxAttempts: 5}
	client, err := NewEthClient(context.Background(), ethclient.NewClient(rpc.DialInProc(server)), signer, Config{ReceiptPoll: &poll})
	if err != nil {
		t.Fatalf("NewEthClient() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client, signer
}

func TestNewEthClientQueriesChainID(t *testing.T) {
	client, _ := newTestClient(t, newFakeEth())
	if client.chainID.Int64() != 1337 {
		t.Fatalf("chainID = %v, want 1337", client.chainID)
	}
}

func TestBalances(t *testing.T) {
	fake := newFakeEth()
	client, signer := newTestClient(t, fake)
	fake.balances[signer.Address()] = big.NewInt(5e18)
	fake.tokens[common.HexToAddress(tokenA)] = map[common.Address]*big.Int{signer.Address(): big.NewInt(42)}

	ctx := context.Background()
	balance, err := client.BalanceAt(ctx, client.Account())
	if err != nil || balance.Cmp(big.NewInt(5e18)) != 0 {
		t.Fatalf("BalanceAt() = %v, %v", balance, err)
	}
	held, err := client.TokenBalance(ctx, client.Account(), tokenA)
	if err != nil || held.Int64() != 42 {
		t.Fatalf("TokenBalance() = %v, %v", held, err)
	}
	none, err := client.TokenBalance(ctx, recipient, tokenA)
	if err != nil || none.Sign() != 0 {
		t.Fatalf("TokenBalance(stranger) = %v, %v", none, err)
	}
	if _, err := client.BalanceAt(ctx, "0x12"); err == nil {
		t.Fatal("BalanceAt() should reject a malformed address")
	}
}

func TestSubmitNativeTransfer(t *testing.T) {
	fake := newFakeEth()
	fake.unmined = 2
	client, signer := newTestClient(t, fake)

	hash, err := client.Submit(context.Background(), protocol.PendingTransaction{To: recipient, Value: "0.5", Tokens: []protocol.Token{}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	sent := fake.transactions()
	if len(sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(sent))
	}
	tx := sent[0]
	if hash != tx.Hash().Hex() {
		t.Errorf("hash = %s, want %s", hash, tx.Hash().Hex())
	}
	if *tx.To() != common.HexToAddress(recipient) {
		t.Errorf("to = %s", tx.To().Hex())
	}
	if tx.Value().Cmp(big.NewInt(5e17)) != 0 {
		t.Errorf("value = %v, want 5e17", tx.Value())
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil || from != signer.Address() {
		t.Errorf("sender = %s, %v, want %s", from.Hex(), err, signer.Address().Hex())
	}
}

func TestSubmitTokensSendsSequentialTransfers(t *testing.T) {
	fake := newFakeEth()
	client, _ := newTestClient(t, fake)

	tokenB := "0x00000000000000000000000000000000000000b2"
	hash, err := client.Submit(context.Background(), protocol.PendingTransaction{
		To:     recipient,
		Value:  "0",
		Tokens: []protocol.Token{{ID: tokenA, Amount: "7"}, {ID: tokenB, Amount: "9"}},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	sent := fake.transactions()
	if len(sent) != 2 {
		t.Fatalf("sent %d transactions, want 2", len(sent))
	}
	for i, want := range []struct {
		contract string
		amount   int64
	}{{tokenA, 7}, {tokenB, 9}} {
		tx := sent[i]
		if *tx.To() != common.HexToAddress(want.contract) {
			t.Errorf("tx %d to = %s, want %s", i, tx.To().Hex(), want.contract)
		}
		if tx.Nonce() != uint64(i) {
			t.Errorf("tx %d nonce = %d", i, tx.Nonce())
		}
		data := tx.Data()
		if len(data) != 68 || hexutil.Encode(data[:4]) != "0xa9059cbb" {
			t.Fatalf("tx %d data = %x", i, data)
		}
		if common.BytesToAddress(data[4:36]) != common.HexToAddress(recipient) {
			t.Errorf("tx %d recipient = %x", i, data[4:36])
		}
		if new(big.Int).SetBytes(data[36:]).Int64() != want.amount {
			t.Errorf("tx %d amount = %x", i, data[36:])
		}
	}
	if hash != sent[1].Hash().Hex() {
		t.Errorf("hash = %s, want the last transfer", hash)
	}
}

func TestSubmitReverted(t *testing.T) {
	fake := newFakeEth()
	fake.revert = true
	client, _ := newTestClient(t, fake)

	_, err := client.Submit(context.Background(), protocol.PendingTransaction{To: recipient, Value: "1", Tokens: []protocol.Token{}})
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("Submit() error = %v, want ErrReverted", err)
	}
}

func TestSubmitGivesUpWithoutReceipt(t *testing.T) {
	fake := newFakeEth()
	fake.unmined = 100
	client, _ := newTestClient(t, fake)

	_, err := client.Submit(context.Background(), protocol.PendingTransaction{To: recipient, Value: "1", Tokens: []protocol.Token{}})
	if err == nil || !strings.Contains(err.Error(), "after 5 polls") {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestBalanceOfSelector(t *testing.T) {
	if got := hexutil.Encode(balanceOfSelector); got != "0x70a08231" {
		t.Fatalf("balanceOf selector = %s", got)
	}
}

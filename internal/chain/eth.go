package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/haasonsaas/walletbroker/internal/backoff"
	"github.com/haasonsaas/walletbroker/internal/protocol"
)

var (
	balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	transferSelector  = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
)

// DefaultReceiptPoll waits up to roughly two minutes for a receipt.
var DefaultReceiptPoll = backoff.Policy{
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Factor:       1.5,
	MaxAttempts:  40,
}

// Config tunes an EthClient.
type Config struct {
	// ChainID is used for signing. Nil asks the node.
	ChainID     *big.Int
	ReceiptPoll *backoff.Policy
	Clock       clock.Clock
	Logger      *slog.Logger
}

// EthClient is a Client over an Ethereum JSON-RPC endpoint.
type EthClient struct {
	rpc     *ethclient.Client
	signer  Signer
	chainID *big.Int
	poll    backoff.Policy
	clock   clock.Clock
	logger  *slog.Logger

	// submits are serialized so pending nonces do not collide.
	submitMu sync.Mutex
}

var _ Client = (*EthClient)(nil)

// Dial connects to rawURL and wraps the connection.
func Dial(ctx context.Context, rawURL string, signer Signer, cfg Config) (*EthClient, error) {
	rpc, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to RPC node: %w", err)
	}
	client, err := NewEthClient(ctx, rpc, signer, cfg)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	return client, nil
}

// NewEthClient wraps an existing connection.
func NewEthClient(ctx context.Context, rpc *ethclient.Client, signer Signer, cfg Config) (*EthClient, error) {
	if signer == nil {
		return nil, errors.New("chain: signer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	poll := DefaultReceiptPoll
	if cfg.ReceiptPoll != nil {
		poll = *cfg.ReceiptPoll
	}
	chainID := cfg.ChainID
	if chainID == nil || chainID.Sign() == 0 {
		id, err := rpc.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("query chain id: %w", err)
		}
		chainID = id
	}
	return &EthClient{
		rpc:     rpc,
		signer:  signer,
		chainID: chainID,
		poll:    poll,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("component", "chain"),
	}, nil
}

// Close releases the RPC connection.
func (c *EthClient) Close() {
	c.rpc.Close()
}

func (c *EthClient) Account() string {
	return c.signer.Address().Hex()
}

func (c *EthClient) BalanceAt(ctx context.Context, account string) (*big.Int, error) {
	addr, err := parseAddress(account)
	if err != nil {
		return nil, err
	}
	balance, err := c.rpc.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", account, err)
	}
	return balance, nil
}

func (c *EthClient) TokenBalance(ctx context.Context, account, token string) (*big.Int, error) {
	holder, err := parseAddress(account)
	if err != nil {
		return nil, err
	}
	contract, err := parseAddress(token)
	if err != nil {
		return nil, err
	}
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(holder.Bytes(), 32)...),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("token %s balance of %s: %w", token, account, err)
	}
	return new(big.Int).SetBytes(out), nil
}

// call is one transaction Submit sends.
type call struct {
	to    common.Address
	value *big.Int
	data  []byte
}

// Submit sends the native transfer (if any) followed by one transfer per
// token, waiting for each to be mined before sending the next.
func (c *EthClient) Submit(ctx context.Context, tx protocol.PendingTransaction) (string, error) {
	calls, err := planCalls(tx)
	if err != nil {
		return "", err
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	var last common.Hash
	for i, cl := range calls {
		hash, err := c.send(ctx, cl)
		if err != nil {
			return "", fmt.Errorf("send transaction %d of %d: %w", i+1, len(calls), err)
		}
		if err := c.waitMined(ctx, hash); err != nil {
			return "", err
		}
		last = hash
	}
	return last.Hex(), nil
}

func planCalls(tx protocol.PendingTransaction) ([]call, error) {
	to, err := parseAddress(tx.To)
	if err != nil {
		return nil, err
	}
	value, err := tx.ValueWei()
	if err != nil {
		return nil, err
	}
	data, err := tx.CallData()
	if err != nil {
		return nil, err
	}

	var calls []call
	if value.Sign() > 0 || len(data) > 0 || len(tx.Tokens) == 0 {
		calls = append(calls, call{to: to, value: value, data: data})
	}
	for _, token := range tx.Tokens {
		contract, err := parseAddress(token.ID)
		if err != nil {
			return nil, err
		}
		amount, ok := protocol.PositiveInteger(string(token.Amount))
		if !ok {
			return nil, fmt.Errorf("invalid token amount %q", token.Amount)
		}
		calls = append(calls, call{to: contract, value: new(big.Int), data: transferData(to, amount)})
	}
	return calls, nil
}

func transferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	return append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
}

func (c *EthClient) send(ctx context.Context, cl call) (common.Hash, error) {
	from := c.signer.Address()
	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &cl.to, Value: cl.value, Data: cl.data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	signed, err := c.signer.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &cl.to,
		Value:    cl.value,
		Data:     cl.data,
	}), c.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast: %w", err)
	}
	c.logger.Info("transaction sent", "tx_hash", signed.Hash().Hex(), "to", cl.to.Hex(), "nonce", nonce)
	return signed.Hash(), nil
}

func (c *EthClient) waitMined(ctx context.Context, hash common.Hash) error {
	result, err := backoff.Retry(ctx, c.clock, c.poll, func(int) (*types.Receipt, error) {
		return c.rpc.TransactionReceipt(ctx, hash)
	})
	if errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
		return fmt.Errorf("receipt for %s after %d polls: %w", hash.Hex(), result.Attempts, result.LastError)
	}
	if err != nil {
		return fmt.Errorf("receipt for %s: %w", hash.Hex(), err)
	}
	if result.Value.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s: %w", hash.Hex(), ErrReverted)
	}
	return nil
}

func parseAddress(s string) (common.Address, error) {
	if !protocol.IsAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// Package chain talks to the ledger on behalf of approval surfaces: it reads
// balances for re-validation and signs and submits approved transactions.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/haasonsaas/walletbroker/internal/protocol"
)

// ErrReverted is returned when a submitted transaction was mined but failed.
var ErrReverted = errors.New("transaction reverted")

// Client is the ledger collaborator used by approval surfaces.
type Client interface {
	// Account is the address transactions are sent from.
	Account() string
	// BalanceAt returns the native balance of account in wei.
	BalanceAt(ctx context.Context, account string) (*big.Int, error)
	// TokenBalance returns how many units of token account holds.
	TokenBalance(ctx context.Context, account, token string) (*big.Int, error)
	// Submit signs and sends tx and waits for it to be mined. It returns the
	// hash of the last transaction sent.
	Submit(ctx context.Context, tx protocol.PendingTransaction) (string, error)
}

package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/walletbroker/internal/chain"
	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/protocol"
	"github.com/haasonsaas/walletbroker/internal/storage"
)

var (
	// ErrLocked is returned when the user already acted on a surface.
	ErrLocked = errors.New("approval already submitted")
	// ErrClosed is returned when acting on a closed surface.
	ErrClosed = errors.New("approval surface closed")
	// ErrNoAccount is returned when approving a connect without an account.
	ErrNoAccount = errors.New("no account available to approve with")
)

// ValidationError lists the problems found when re-checking a transaction
// against current balances. The surface stays open so the user can reject.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

type surfaceState int

const (
	stateOpen surfaceState = iota
	stateSubmitting
	stateDecided
	stateClosed
)

func (s surfaceState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateSubmitting:
		return "submitting"
	case stateDecided:
		return "decided"
	default:
		return "closed"
	}
}

// Surface turns one pending request into one decision.
type Surface struct {
	params   protocol.LaunchParams
	tx       *protocol.PendingTransaction
	account  string
	dialer   port.Dialer
	chain    chain.Client
	activity *storage.ActivityLog
	logger   *slog.Logger

	mu    sync.Mutex
	state surfaceState
	// receipt survives a failed post so a retry does not resubmit.
	receipt string
	done    chan struct{}
}

// Params returns the launch parameters the surface was opened with.
func (s *Surface) Params() protocol.LaunchParams { return s.params }

// Transaction returns the payload under approval, or nil for connect.
func (s *Surface) Transaction() *protocol.PendingTransaction { return s.tx }

// Done is closed once the surface decided or closed.
func (s *Surface) Done() <-chan struct{} { return s.done }

// State reports open, submitting, decided or closed.
func (s *Surface) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Validate re-checks monetary fields against freshly fetched balances.
// Connect surfaces have nothing to check.
func (s *Surface) Validate(ctx context.Context) ([]string, error) {
	if s.tx == nil {
		return nil, nil
	}
	if s.chain == nil {
		return nil, errors.New("approval: no chain client configured")
	}
	account := s.chain.Account()
	var problems []string

	value, err := s.tx.ValueWei()
	if err != nil {
		return nil, err
	}
	if value.Sign() > 0 {
		balance, err := s.chain.BalanceAt(ctx, account)
		if err != nil {
			return nil, err
		}
		if value.Cmp(balance) > 0 {
			problems = append(problems, "insufficient balance")
		}
	}

	for _, token := range s.tx.Tokens {
		amount, ok := protocol.PositiveInteger(string(token.Amount))
		if !ok {
			problems = append(problems, fmt.Sprintf("invalid amount for %s", token.ID))
			continue
		}
		held, err := s.chain.TokenBalance(ctx, account, token.ID)
		if err != nil {
			return nil, err
		}
		switch {
		case held.Sign() == 0:
			problems = append(problems, "token not found")
		case amount.Cmp(held) > 0:
			problems = append(problems, "insufficient balance for "+token.ID)
		}
	}
	return problems, nil
}

// lock moves an open surface to submitting.
func (s *Surface) lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateOpen:
		s.state = stateSubmitting
		return nil
	case stateClosed:
		return ErrClosed
	default:
		return ErrLocked
	}
}

// settle records a transition. Closed is terminal: a surface abandoned while
// submitting stays closed.
func (s *Surface) settle(state surfaceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return
	}
	s.state = state
	if state == stateDecided || state == stateClosed {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}

// Approve grants the request. For connect it posts the configured account;
// for a transaction it re-validates, submits to the chain and posts the
// receipt. A chain failure unlocks the surface so the user may retry or
// reject.
func (s *Surface) Approve(ctx context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}

	var decision any
	switch s.params.Action {
	case protocol.ActionConnect:
		if s.account == "" {
			s.settle(stateOpen)
			return ErrNoAccount
		}
		decision = protocol.ConnectDecision{
			RequestID:       s.params.RequestID,
			Origin:          s.params.Origin,
			ApprovedAccount: s.account,
		}
	case protocol.ActionProcess:
		receipt, err := s.submit(ctx)
		if err != nil {
			s.settle(stateOpen)
			return err
		}
		decision = protocol.TransactionDecision{
			RequestID:     s.params.RequestID,
			Origin:        s.params.Origin,
			ReceiptHandle: receipt,
		}
	}

	if err := s.post(ctx, decision); err != nil {
		s.settle(stateOpen)
		return err
	}
	s.settle(stateDecided)
	s.logger.Info("approval granted", "origin", s.params.Origin)
	return nil
}

func (s *Surface) submit(ctx context.Context) (string, error) {
	s.mu.Lock()
	receipt := s.receipt
	s.mu.Unlock()
	if receipt != "" {
		return receipt, nil
	}

	problems, err := s.Validate(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch balances: %w", err)
	}
	if len(problems) > 0 {
		return "", &ValidationError{Problems: problems}
	}

	receipt, err = s.chain.Submit(ctx, *s.tx)
	s.record(ctx, receipt, err == nil)
	if err != nil {
		s.logger.Warn("transaction submission failed", "error", err)
		return "", fmt.Errorf("submit transaction: %w", err)
	}

	s.mu.Lock()
	s.receipt = receipt
	s.mu.Unlock()
	return receipt, nil
}

// record appends the activity entry shown in the wallet history.
func (s *Surface) record(ctx context.Context, receipt string, success bool) {
	if s.activity == nil {
		return
	}
	entry := storage.Activity{
		ActivityType: storage.ActivitySend,
		TxHash:       receipt,
		Success:      success,
		Amount:       string(s.tx.Value),
	}
	if len(s.tx.Tokens) > 0 {
		entry.Token = s.tx.Tokens[len(s.tx.Tokens)-1].ID
		entry.Amount = string(s.tx.Tokens[len(s.tx.Tokens)-1].Amount)
	}
	if err := s.activity.Append(ctx, s.chain.Account(), entry); err != nil {
		s.logger.Warn("record activity", "error", err)
	}
}

// Reject declines the request.
func (s *Surface) Reject(ctx context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}

	var decision any = protocol.ConnectDecision{RequestID: s.params.RequestID, Origin: s.params.Origin}
	if s.params.Action == protocol.ActionProcess {
		decision = protocol.TransactionDecision{RequestID: s.params.RequestID, Origin: s.params.Origin}
	}
	if err := s.post(ctx, decision); err != nil {
		s.settle(stateOpen)
		return err
	}
	s.settle(stateDecided)
	s.logger.Info("approval rejected", "origin", s.params.Origin)
	return nil
}

// Close dismisses the surface without deciding. Nothing is sent.
func (s *Surface) Close() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == stateClosed {
		return
	}
	s.settle(stateClosed)
	if state != stateDecided {
		s.logger.Info("approval window closed without a decision")
	}
}

// post opens a fresh decision channel, sends one decision and closes it.
func (s *Surface) post(ctx context.Context, decision any) error {
	frame, err := protocol.Encode(decision)
	if err != nil {
		return err
	}
	p, err := s.dialer.Dial(ctx, s.params.Action.DecisionChannel())
	if err != nil {
		return fmt.Errorf("open decision channel: %w", err)
	}
	defer func() { _ = p.Close() }()
	if err := p.Send(frame); err != nil {
		return fmt.Errorf("post decision: %w", err)
	}
	return nil
}

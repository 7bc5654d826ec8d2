package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/haasonsaas/walletbroker/internal/protocol"
)

// Stores groups the typed views over one KV.
type Stores struct {
	Authorizations *AuthorizationStore
	Pending        *PendingStore
	Activity       *ActivityLog
	kv             KV
}

// NewStores builds every typed store over kv. A nil clock uses wall time.
func NewStores(kv KV, clk clock.Clock) *Stores {
	if clk == nil {
		clk = clock.New()
	}
	return &Stores{
		Authorizations: &AuthorizationStore{kv: kv, clock: clk},
		Pending:        &PendingStore{kv: kv, clock: clk},
		Activity:       &ActivityLog{kv: kv, clock: clk},
		kv:             kv,
	}
}

// Close closes the underlying KV.
func (s *Stores) Close() error {
	return s.kv.Close()
}

// Authorization records that an origin was granted an account.
type Authorization struct {
	Origin    string    `json:"origin"`
	Account   string    `json:"account"`
	GrantedAt time.Time `json:"granted_at"`
}

// AuthorizationStore maps origins to approved accounts.
type AuthorizationStore struct {
	kv    KV
	clock clock.Clock
}

// Lookup returns the account approved for origin.
func (s *AuthorizationStore) Lookup(ctx context.Context, origin string) (string, bool, error) {
	raw, err := s.kv.Get(ctx, NamespaceAuthorization, origin)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var auth Authorization
	if err := json.Unmarshal(raw, &auth); err != nil {
		return "", false, fmt.Errorf("decode authorization for %s: %w", origin, err)
	}
	return auth.Account, auth.Account != "", nil
}

// Grant records an approved connection.
func (s *AuthorizationStore) Grant(ctx context.Context, origin, account string) error {
	if origin == "" || account == "" {
		return fmt.Errorf("origin and account are required")
	}
	raw, err := json.Marshal(Authorization{Origin: origin, Account: account, GrantedAt: s.clock.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode authorization: %w", err)
	}
	return s.kv.Set(ctx, NamespaceAuthorization, origin, raw)
}

// List returns every authorization ordered by origin.
func (s *AuthorizationStore) List(ctx context.Context) ([]Authorization, error) {
	entries, err := s.kv.List(ctx, NamespaceAuthorization, "")
	if err != nil {
		return nil, err
	}
	out := make([]Authorization, 0, len(entries))
	for _, entry := range entries {
		var auth Authorization
		if err := json.Unmarshal(entry.Value, &auth); err != nil {
			return nil, fmt.Errorf("decode authorization for %s: %w", entry.Key, err)
		}
		out = append(out, auth)
	}
	return out, nil
}

// Revoke removes the authorization for origin.
func (s *AuthorizationStore) Revoke(ctx context.Context, origin string) error {
	if _, err := s.kv.Take(ctx, NamespaceAuthorization, origin); err != nil {
		return err
	}
	return nil
}

// RevokeAll removes every authorization and returns how many were removed.
func (s *AuthorizationStore) RevokeAll(ctx context.Context) (int, error) {
	entries, err := s.kv.List(ctx, NamespaceAuthorization, "")
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if err := s.kv.Delete(ctx, NamespaceAuthorization, entry.Key); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// PendingStore is the mailbox between the router and approval surfaces.
type PendingStore struct {
	kv    KV
	clock clock.Clock
}

// Put stores the payload for requestID.
func (s *PendingStore) Put(ctx context.Context, requestID string, tx protocol.PendingTransaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode pending transaction: %w", err)
	}
	return s.kv.Set(ctx, NamespacePending, requestID, raw)
}

// Take returns and deletes the payload for requestID. Only one caller ever
// receives it.
func (s *PendingStore) Take(ctx context.Context, requestID string) (protocol.PendingTransaction, error) {
	raw, err := s.kv.Take(ctx, NamespacePending, requestID)
	if err != nil {
		return protocol.PendingTransaction{}, err
	}
	var tx protocol.PendingTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return protocol.PendingTransaction{}, fmt.Errorf("decode pending transaction %s: %w", requestID, err)
	}
	return tx, nil
}

// Discard removes the payload for requestID if it is still present.
func (s *PendingStore) Discard(ctx context.Context, requestID string) error {
	return s.kv.Delete(ctx, NamespacePending, requestID)
}

// Expire deletes payloads older than ttl and returns their request ids.
func (s *PendingStore) Expire(ctx context.Context, ttl time.Duration) ([]string, error) {
	entries, err := s.kv.List(ctx, NamespacePending, "")
	if err != nil {
		return nil, err
	}
	cutoff := s.clock.Now().Add(-ttl)
	var expired []string
	for _, entry := range entries {
		if entry.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := s.kv.Take(ctx, NamespacePending, entry.Key); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return expired, err
		}
		expired = append(expired, entry.Key)
	}
	return expired, nil
}

// ActivityType classifies an activity record.
type ActivityType string

const (
	ActivitySend  ActivityType = "SEND"
	ActivityTopUp ActivityType = "TOPUP"
)

// Activity is one display-only history entry.
type Activity struct {
	ActivityType ActivityType `json:"activity_type"`
	TxHash       string       `json:"tx_hash"`
	Success      bool         `json:"success"`
	Amount       string       `json:"amount"`
	Token        string       `json:"token"`
	RecordedAt   time.Time    `json:"recorded_at"`
}

// ActivityLog is an append-only per-account history.
type ActivityLog struct {
	kv    KV
	clock clock.Clock
}

// Append adds a record for account. Keys sort by time so List returns
// records oldest first.
func (l *ActivityLog) Append(ctx context.Context, account string, activity Activity) error {
	if account == "" {
		return fmt.Errorf("account is required")
	}
	now := l.clock.Now().UTC()
	if activity.RecordedAt.IsZero() {
		activity.RecordedAt = now
	}
	raw, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	key := fmt.Sprintf("%s/%020d-%s", account, now.UnixNano(), uuid.NewString())
	return l.kv.Set(ctx, NamespaceActivity, key, raw)
}

// List returns the history for account, oldest first.
func (l *ActivityLog) List(ctx context.Context, account string) ([]Activity, error) {
	entries, err := l.kv.List(ctx, NamespaceActivity, account+"/")
	if err != nil {
		return nil, err
	}
	out := make([]Activity, 0, len(entries))
	for _, entry := range entries {
		var activity Activity
		if err := json.Unmarshal(entry.Value, &activity); err != nil {
			return nil, fmt.Errorf("decode activity %s: %w", entry.Key, err)
		}
		out = append(out, activity)
	}
	return out, nil
}

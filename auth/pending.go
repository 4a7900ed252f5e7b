package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mnehpets/onelogin/securestore"
)

// DefaultPendingTTL is how long a login attempt may take between handoff and
// callback.
const DefaultPendingTTL = 5 * time.Minute

// pendingEntry is the fixed storage name. There is at most one pending
// attempt per device, so a new attempt overwrites the previous one.
const pendingEntry = "pending_auth"

// SecureStore persists values with encryption at rest. Load returns
// securestore.ErrNotFound for a missing entry.
type SecureStore interface {
	Load(ctx context.Context, name string, v any) error
	Save(ctx context.Context, name string, v any) error
	Delete(ctx context.Context, name string) error
}

// PendingAuthState is the in-flight login attempt.
type PendingAuthState struct {
	State       string     `cbor:"1,keyasint"`
	PKCE        PKCEParams `cbor:"2,keyasint"`
	RedirectURI string     `cbor:"3,keyasint"`
	CreatedAt   time.Time  `cbor:"4,keyasint"`
	// AttemptID correlates log lines for one attempt.
	AttemptID string `cbor:"5,keyasint,omitempty"`
	Nonce     string `cbor:"6,keyasint,omitempty"`
}

// Expired reports whether the attempt is older than ttl at now.
func (p *PendingAuthState) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.CreatedAt) > ttl
}

// PendingStore persists the pending login attempt.
type PendingStore struct {
	store SecureStore
	ttl   time.Duration
}

// NewPendingStore returns a PendingStore. A zero ttl selects
// DefaultPendingTTL.
func NewPendingStore(store SecureStore, ttl time.Duration) (*PendingStore, error) {
	if store == nil {
		return nil, errors.New("auth: pending store requires a secure store")
	}
	if ttl == 0 {
		ttl = DefaultPendingTTL
	}
	if ttl < 0 {
		return nil, errors.New("auth: pending TTL must be positive")
	}
	return &PendingStore{store: store, ttl: ttl}, nil
}

// TTL returns the attempt lifetime.
func (s *PendingStore) TTL() time.Duration { return s.ttl }

// Save replaces any existing attempt with p.
func (s *PendingStore) Save(ctx context.Context, p *PendingAuthState) error {
	if err := s.store.Save(ctx, pendingEntry, p); err != nil {
		return fmt.Errorf("auth: save pending state: %w", err)
	}
	return nil
}

// Load returns the pending attempt, or nil if there is none.
func (s *PendingStore) Load(ctx context.Context) (*PendingAuthState, error) {
	var p PendingAuthState
	if err := s.store.Load(ctx, pendingEntry, &p); err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("auth: load pending state: %w", err)
	}
	return &p, nil
}

// Clear removes the pending attempt. Clearing when none exists succeeds.
func (s *PendingStore) Clear(ctx context.Context) error {
	if err := s.store.Delete(ctx, pendingEntry); err != nil {
		return fmt.Errorf("auth: clear pending state: %w", err)
	}
	return nil
}

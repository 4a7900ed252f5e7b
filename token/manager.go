package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/mnehpets/onelogin/securestore"
)

// DefaultRefreshBuffer is how long before expiry a token stops being handed
// out without a refresh.
const DefaultRefreshBuffer = 60 * time.Second

// storeEntry is the single secure-store entry holding the token set.
const storeEntry = "tokens"

// SecureStore persists values with encryption at rest. Load returns
// securestore.ErrNotFound for a missing entry.
type SecureStore interface {
	Load(ctx context.Context, name string, v any) error
	Save(ctx context.Context, name string, v any) error
	Delete(ctx context.Context, name string) error
}

// Refresher redeems a refresh token. *Client implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Set, error)
}

// Manager owns the persisted token set and hands out valid access tokens,
// refreshing them at most once at a time.
type Manager struct {
	store     SecureStore
	refresher Refresher
	buffer    time.Duration
	onFailure func(error)
	log       logrus.FieldLogger
	now       func() time.Time

	// mu orders store reads against writes.
	mu     sync.RWMutex
	flight singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRefreshBuffer sets how close to expiry a token is refreshed.
func WithRefreshBuffer(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.buffer = d
	}
}

// WithRefreshFailureHandler registers fn, called once per failed refresh.
// Applications use it to force a logout.
func WithRefreshFailureHandler(fn func(error)) ManagerOption {
	return func(m *Manager) {
		m.onFailure = fn
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l logrus.FieldLogger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// WithManagerClock sets the clock used for expiry checks.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a Manager persisting to store and refreshing through
// refresher.
func NewManager(store SecureStore, refresher Refresher, opts ...ManagerOption) (*Manager, error) {
	if store == nil || refresher == nil {
		return nil, errors.New("token: store and refresher are required")
	}
	m := &Manager{
		store:     store,
		refresher: refresher,
		buffer:    DefaultRefreshBuffer,
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.buffer < 0 {
		return nil, errors.New("token: refresh buffer must not be negative")
	}
	return m, nil
}

// Buffer returns the configured refresh buffer.
func (m *Manager) Buffer() time.Duration { return m.buffer }

// TokenState classifies s at the current time.
func (m *Manager) TokenState(s *Set) State {
	return StateAt(s.ExpiresAt, m.now(), m.buffer)
}

// Tokens returns the persisted token set, or ErrUnauthenticated.
func (m *Manager) Tokens(ctx context.Context) (*Set, error) {
	s, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrUnauthenticated
	}
	return s, nil
}

// SetTokens replaces the persisted token set.
func (m *Manager) SetTokens(ctx context.Context, s *Set) error {
	if s == nil || s.AccessToken == "" {
		return errors.New("token: refusing to store a token set without an access token")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Save(ctx, storeEntry, s); err != nil {
		return fmt.Errorf("token: save: %w", err)
	}
	return nil
}

// ClearTokens deletes the persisted token set.
func (m *Manager) ClearTokens(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(ctx, storeEntry); err != nil {
		return fmt.Errorf("token: delete: %w", err)
	}
	return nil
}

// GetValidAccessToken returns an access token that is not within the refresh
// buffer of expiry, refreshing first if needed. Concurrent callers share one
// refresh. It returns ErrUnauthenticated when no tokens are stored and a
// *TokenRefreshError (which matches ErrUnauthenticated) when refresh fails.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, error) {
	s, err := m.validSet(ctx)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

func (m *Manager) validSet(ctx context.Context) (*Set, error) {
	s, err := m.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	if m.TokenState(s) == Valid {
		return s, nil
	}

	ch := m.flight.DoChan(storeEntry, func() (any, error) {
		// Once sent, a refresh runs to completion even if the first caller
		// goes away.
		return m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Set), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// refresh runs inside the single flight.
func (m *Manager) refresh(ctx context.Context) (*Set, error) {
	// Re-read: a flight that finished just before this one started may have
	// already rotated the refresh token.
	cur, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrUnauthenticated
	}
	if m.TokenState(cur) == Valid {
		return cur, nil
	}
	if cur.RefreshToken == "" {
		return nil, m.fail(errors.New("no refresh token"))
	}

	m.log.WithField("expires_at", cur.ExpiresAt).Debug("refreshing access token")
	next, err := m.refresher.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		return nil, m.fail(err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.IDToken == "" {
		next.IDToken = cur.IDToken
	}

	latest, err := m.commit(ctx, cur.RefreshToken, next)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return nil, err
	case err != nil:
		// Outside the lock: the failure handler may clear tokens.
		return nil, m.fail(err)
	}
	return latest, nil
}

// commit stores next unless the user signed out or in again while the
// refresh was in flight, in which case the stored set wins.
func (m *Manager) commit(ctx context.Context, usedRefreshToken string, next *Set) (*Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest Set
	if err := m.store.Load(ctx, storeEntry, &latest); err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("load: %w", err)
	}
	if latest.RefreshToken != usedRefreshToken {
		return &latest, nil
	}
	if err := m.store.Save(ctx, storeEntry, next); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}
	return next, nil
}

func (m *Manager) fail(cause error) error {
	err := &TokenRefreshError{Err: cause}
	m.log.WithError(cause).Warn("token refresh failed")
	if m.onFailure != nil {
		m.onFailure(err)
	}
	return err
}

func (m *Manager) load(ctx context.Context) (*Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Set
	if err := m.store.Load(ctx, storeEntry, &s); err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("token: load: %w", err)
	}
	return &s, nil
}

// TokenSource adapts m to oauth2.TokenSource. The returned tokens expire at
// the start of the refresh buffer so oauth2 transports come back to m in
// time.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, m: m}
}

type managerTokenSource struct {
	ctx context.Context
	m   *Manager
}

func (ts *managerTokenSource) Token() (*oauth2.Token, error) {
	s, err := ts.m.validSet(ts.ctx)
	if err != nil {
		return nil, err
	}
	t := s.OAuth2Token()
	t.Expiry = s.ExpiresAt.Add(-ts.m.buffer)
	return t, nil
}

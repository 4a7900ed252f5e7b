// Package session keeps the application's own session: the user identity and
// application-issued tokens obtained from the backend in exchange for
// provider tokens.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mnehpets/onelogin/securestore"
	"github.com/mnehpets/onelogin/token"
)

// IDBytes is the number of random bytes used to generate a session ID.
//
// 16 bytes -> 22 chars raw URL base64.
const IDBytes = 16

// DefaultPeriod is the session lifetime when the backend does not report one.
const DefaultPeriod = time.Hour * 24

const storeEntry = "session"

// ErrNotLoggedIn is returned when an operation needs an authenticated session.
var ErrNotLoggedIn = errors.New("session: not logged in")

// Session is a snapshot of the local session.
type Session struct {
	ID              string
	User            User
	IsAuthenticated bool
	Expires         time.Time
}

// data is the persisted session state.
type data struct {
	ID           string    `cbor:"1,keyasint"`
	User         User      `cbor:"2,keyasint"`
	AccessToken  string    `cbor:"3,keyasint"`
	RefreshToken string    `cbor:"4,keyasint,omitempty"`
	Expires      time.Time `cbor:"5,keyasint"`
}

func (d *data) valid(now time.Time) bool {
	return d != nil && d.ID != "" && !d.Expires.IsZero() && now.Before(d.Expires)
}

// Backend exchanges provider tokens for an application session.
// *BackendClient implements it.
type Backend interface {
	Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResponse, error)
	SignOut(ctx context.Context, accessToken string) error
}

// SecureStore persists values with encryption at rest.
type SecureStore interface {
	Load(ctx context.Context, name string, v any) error
	Save(ctx context.Context, name string, v any) error
	Delete(ctx context.Context, name string) error
}

// Store holds the local session and implements auth.Session.
type Store struct {
	backend  Backend
	store    SecureStore
	provider string
	log      logrus.FieldLogger
	now      func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithClock sets the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns a Store that exchanges tokens for provider through
// backend and persists the result to store.
func NewStore(backend Backend, store SecureStore, provider string, opts ...Option) (*Store, error) {
	if backend == nil || store == nil {
		return nil, errors.New("session: backend and store are required")
	}
	if provider == "" {
		return nil, errors.New("session: provider name is required")
	}
	s := &Store{
		backend:  backend,
		store:    store,
		provider: provider,
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Establish exchanges the provider tokens for an application session. The
// session is regenerated with a fresh ID on every login.
func (s *Store) Establish(ctx context.Context, tokens *token.Set) error {
	if tokens == nil || tokens.AccessToken == "" {
		return errors.New("session: provider access token is required")
	}
	resp, err := s.backend.Exchange(ctx, ExchangeRequest{
		Provider:    s.provider,
		AccessToken: tokens.AccessToken,
		IDToken:     tokens.IDToken,
	})
	if err != nil {
		return fmt.Errorf("session: exchange: %w", err)
	}

	id, err := newID()
	if err != nil {
		return err
	}
	period := DefaultPeriod
	if resp.ExpiresIn > 0 {
		period = time.Duration(resp.ExpiresIn) * time.Second
	}
	d := &data{
		ID:           id,
		User:         resp.User,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Expires:      s.now().Add(period),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Save(ctx, storeEntry, d); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	s.log.WithField("user_id", d.User.ID).Info("session established")
	return nil
}

// Current returns the local session. An absent or expired session is
// returned with IsAuthenticated false.
func (s *Store) Current(ctx context.Context) (Session, error) {
	d, err := s.load(ctx)
	if err != nil {
		return Session{}, err
	}
	if !d.valid(s.now()) {
		return Session{}, nil
	}
	return Session{ID: d.ID, User: d.User, IsAuthenticated: true, Expires: d.Expires}, nil
}

// AccessToken returns the application-issued access token.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	d, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if !d.valid(s.now()) {
		return "", ErrNotLoggedIn
	}
	return d.AccessToken, nil
}

// Revoke signs the session out at the backend. With no local session it
// does nothing.
func (s *Store) Revoke(ctx context.Context) error {
	d, err := s.load(ctx)
	if err != nil {
		return err
	}
	if d == nil || d.AccessToken == "" {
		return nil
	}
	return s.backend.SignOut(ctx, d.AccessToken)
}

// Reset deletes the local session.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(context.Background(), storeEntry); err != nil {
		s.log.WithError(err).Warn("failed to delete local session")
	}
}

func (s *Store) load(ctx context.Context) (*data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d data
	if err := s.store.Load(ctx, storeEntry, &d); err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: load: %w", err)
	}
	return &d, nil
}

// newID creates a random session ID.
func newID() (string, error) {
	b := make([]byte, IDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

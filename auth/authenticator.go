// Package auth runs the OAuth2 authorization code flow with PKCE for a public
// client: it hands the user off to an external user agent, validates the
// redirect, and exchanges the code for tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mnehpets/onelogin/token"
)

// UserAgentResultKind is how a user agent handoff ended.
type UserAgentResultKind int

const (
	ResultCancelled UserAgentResultKind = iota + 1
	ResultDismissed
	ResultRedirected
)

// UserAgentResult is the result of UserAgent.Open. URL is set for
// ResultRedirected.
type UserAgentResult struct {
	Kind UserAgentResultKind
	URL  string
}

// UserAgent presents the authorization page (usually in the system browser)
// and reports how the user left it. Open may block indefinitely; it must
// return ResultCancelled once ctx is done.
type UserAgent interface {
	Open(ctx context.Context, authURL, redirectURI string) (UserAgentResult, error)
}

// Exchanger redeems authorization codes. *token.Client implements it.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*token.Set, error)
}

// TokenSink stores and clears provider tokens. *token.Manager implements it.
type TokenSink interface {
	SetTokens(ctx context.Context, s *token.Set) error
	ClearTokens(ctx context.Context) error
}

// Session is the application's own session, derived from provider tokens.
type Session interface {
	// Establish obtains an application session for the provider tokens.
	Establish(ctx context.Context, tokens *token.Set) error
	// Revoke signs the session out at the application backend.
	Revoke(ctx context.Context) error
	// Reset drops local session state.
	Reset()
}

// Settings configure the Authenticator.
type Settings struct {
	ClientID     string
	RedirectURI  string
	Scopes       []string
	AuthEndpoint string
	// Prompt is passed through to the provider when set (e.g. "login").
	Prompt string
}

var placeholderClientIDs = []string{
	"your_client_id",
	"your-client-id",
	"client_id",
	"changeme",
	"replace_me",
	"todo",
	"xxx",
}

// IsPlaceholderClientID reports whether id is empty or a template value left
// in configuration.
func IsPlaceholderClientID(id string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return true
	}
	if strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") {
		return true
	}
	if strings.HasPrefix(id, "${") {
		return true
	}
	return slices.Contains(placeholderClientIDs, id)
}

// Authenticator orchestrates login and logout. It allows one login attempt
// at a time; HandleRedirect may be called from any goroutine.
type Authenticator struct {
	settings Settings
	client   Exchanger
	tokens   TokenSink
	pending  *PendingStore
	agent    UserAgent
	session  Session

	log       logrus.FieldLogger
	now       func() time.Time
	newID     func() string
	newPKCE   func() (PKCEParams, error)
	newRandom func() (string, error)

	mu       sync.Mutex
	state    FlowState
	lastErr  error
	active   bool // a Login owns the user agent handoff
	cancel   context.CancelFunc
	consumed string
	// gen counts logouts. An exchange started under an older generation is
	// discarded.
	gen uint64

	// commitMu orders storing an exchange result against Logout.
	commitMu  sync.Mutex
	callbacks singleflight.Group
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithSession sets the application session informed of logins and logouts.
func WithSession(s Session) Option {
	return func(a *Authenticator) {
		a.session = s
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(a *Authenticator) {
		a.log = l
	}
}

// WithClock sets the clock used for pending-state timestamps and TTL checks.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// WithGenerators replaces the PKCE and state generators.
func WithGenerators(pkce func() (PKCEParams, error), state func() (string, error)) Option {
	return func(a *Authenticator) {
		if pkce != nil {
			a.newPKCE = pkce
		}
		if state != nil {
			a.newRandom = state
		}
	}
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(settings Settings, client Exchanger, tokens TokenSink, pending *PendingStore, agent UserAgent, opts ...Option) (*Authenticator, error) {
	if client == nil || tokens == nil || pending == nil || agent == nil {
		return nil, errors.New("auth: exchanger, token sink, pending store and user agent are required")
	}
	a := &Authenticator{
		settings:  settings,
		client:    client,
		tokens:    tokens,
		pending:   pending,
		agent:     agent,
		log:       logrus.StandardLogger(),
		now:       time.Now,
		newID:     uuid.NewString,
		newPKCE:   GeneratePKCE,
		newRandom: GenerateState,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// State returns the current flow state.
func (a *Authenticator) State() FlowState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the most recent login failure, if any. While a Login
// waits on the user agent this may be a failed stray redirect that left the
// flow in Authenticating.
func (a *Authenticator) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *Authenticator) checkSettings() error {
	if IsPlaceholderClientID(a.settings.ClientID) {
		return &ConfigurationError{Reason: "client id is missing or a placeholder"}
	}
	if a.settings.RedirectURI == "" {
		return &ConfigurationError{Reason: "redirect uri is missing"}
	}
	if a.settings.AuthEndpoint == "" {
		return &ConfigurationError{Reason: "authorization endpoint is missing"}
	}
	return nil
}

// Login runs one login attempt: it stores a pending attempt, hands the user
// to the user agent and, on redirect, completes the exchange. Cancelling or
// dismissing the user agent is not an error. A call made while another
// attempt is active returns OutcomeInProgress and does nothing.
func (a *Authenticator) Login(ctx context.Context) (Outcome, error) {
	if err := a.checkSettings(); err != nil {
		a.log.WithError(err).Error("login refused")
		return 0, err
	}

	handoffCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.active || a.state == Exchanging {
		a.mu.Unlock()
		return OutcomeInProgress, nil
	}
	a.active = true
	a.state = Authenticating
	a.lastErr = nil
	a.cancel = cancel
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.active = false
		a.cancel = nil
		a.mu.Unlock()
	}()

	// Storage and the exchange are not interrupted by the caller going away.
	bg := context.WithoutCancel(ctx)

	attempt, err := a.newAttempt()
	if err != nil {
		return 0, a.failAttempt(err)
	}
	log := a.log.WithField("attempt_id", attempt.AttemptID)

	authURL, err := AuthorizationRequest{
		ClientID:      a.settings.ClientID,
		RedirectURI:   attempt.RedirectURI,
		Scopes:        a.settings.Scopes,
		CodeChallenge: attempt.PKCE.CodeChallenge,
		State:         attempt.State,
		Nonce:         attempt.Nonce,
		Prompt:        a.settings.Prompt,
	}.URL(a.settings.AuthEndpoint)
	if err != nil {
		return 0, a.failAttempt(err)
	}
	if err := a.pending.Save(bg, attempt); err != nil {
		return 0, a.failAttempt(err)
	}

	log.Info("handing off to user agent")
	res, err := a.agent.Open(handoffCtx, authURL, attempt.RedirectURI)
	if err != nil {
		if handoffCtx.Err() != nil {
			res = UserAgentResult{Kind: ResultCancelled}
		} else {
			a.clearPending(bg, log)
			return 0, a.failAttempt(fmt.Errorf("user agent: %w", err))
		}
	}

	switch res.Kind {
	case ResultCancelled:
		log.Info("login cancelled")
		return a.abandon(bg, log, OutcomeCancelled), nil
	case ResultDismissed:
		log.Info("login dismissed")
		return a.abandon(bg, log, OutcomeDismissed), nil
	case ResultRedirected:
		outcome, err := a.HandleRedirect(bg, res.URL)
		if err != nil {
			return 0, a.settle(err)
		}
		if outcome != OutcomeDuplicate {
			return outcome, nil
		}
		// Another delivery of the same redirect got there first.
		a.mu.Lock()
		defer a.mu.Unlock()
		switch a.state {
		case Authenticated:
			return OutcomeAuthenticated, nil
		case Error:
			return 0, a.lastErr
		case Authenticating:
			if a.lastErr != nil {
				a.state = Error
				return 0, a.lastErr
			}
		}
		return outcome, nil
	}
	a.clearPending(bg, log)
	return 0, a.failAttempt(fmt.Errorf("user agent returned unknown result %d", res.Kind))
}

func (a *Authenticator) newAttempt() (*PendingAuthState, error) {
	pkce, err := a.newPKCE()
	if err != nil {
		return nil, err
	}
	state, err := a.newRandom()
	if err != nil {
		return nil, err
	}
	p := &PendingAuthState{
		State:       state,
		PKCE:        pkce,
		RedirectURI: a.settings.RedirectURI,
		CreatedAt:   a.now(),
		AttemptID:   a.newID(),
	}
	if slices.Contains(a.settings.Scopes, oidc.ScopeOpenID) {
		if p.Nonce, err = a.newRandom(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// CancelLogin ends an in-flight handoff. Login then returns
// OutcomeCancelled.
func (a *Authenticator) CancelLogin() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// HandleRedirect validates a redirect to the redirect URI and, if it matches
// the pending attempt, exchanges the code and stores the tokens. Concurrent
// deliveries of the same redirect share one exchange; a redirect whose state
// was already handled returns OutcomeDuplicate. A failed redirect that
// arrives while a Login waits on the user agent is returned and recorded in
// LastError but leaves that Login's attempt running.
func (a *Authenticator) HandleRedirect(ctx context.Context, rawURL string) (Outcome, error) {
	params, err := ParseCallback(rawURL)
	if err != nil {
		return 0, a.fail(err)
	}

	ctx = context.WithoutCancel(ctx)
	v, err, _ := a.callbacks.Do(params.State, func() (any, error) {
		return a.consume(ctx, params)
	})
	if err != nil {
		return 0, err
	}
	return v.(Outcome), nil
}

func (a *Authenticator) consume(ctx context.Context, p CallbackParams) (Outcome, error) {
	a.mu.Lock()
	if p.State != "" && p.State == a.consumed {
		a.mu.Unlock()
		a.log.Debug("ignoring duplicate redirect")
		return OutcomeDuplicate, nil
	}
	if p.State != "" {
		a.consumed = p.State
	}
	gen := a.gen
	a.mu.Unlock()

	log := a.log

	if p.Error != "" {
		a.clearPending(ctx, log)
		return 0, a.fail(&ProviderError{Code: p.Error, Description: p.ErrorDescription})
	}
	if p.Code == "" {
		a.clearPending(ctx, log)
		return 0, a.fail(&MalformedCallbackError{Reason: "missing code"})
	}

	pending, err := a.pending.Load(ctx)
	if err != nil {
		a.clearPending(ctx, log)
		return 0, a.fail(err)
	}
	if pending == nil {
		return 0, a.fail(&ExpiredAuthAttemptError{})
	}
	log = log.WithField("attempt_id", pending.AttemptID)

	if subtle.ConstantTimeCompare([]byte(p.State), []byte(pending.State)) != 1 {
		a.clearPending(ctx, log)
		return 0, a.fail(&StateMismatchError{})
	}
	now := a.now()
	if pending.Expired(now, a.pending.TTL()) {
		a.clearPending(ctx, log)
		return 0, a.fail(&ExpiredAuthAttemptError{Age: now.Sub(pending.CreatedAt)})
	}

	// The attempt is single use.
	if err := a.pending.Clear(ctx); err != nil {
		return 0, a.fail(err)
	}
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		log.Info("logged out before the exchange; dropping redirect")
		return OutcomeCancelled, nil
	}
	a.state = Exchanging
	a.mu.Unlock()

	log.Info("exchanging authorization code")
	set, err := a.client.ExchangeCode(ctx, p.Code, pending.PKCE.CodeVerifier, pending.RedirectURI)

	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if a.discarded(gen) {
		log.Info("logged out during the exchange; discarding result")
		return OutcomeCancelled, nil
	}
	if err != nil {
		return 0, a.failAttempt(err)
	}
	if err := a.tokens.SetTokens(ctx, set); err != nil {
		return 0, a.failAttempt(err)
	}
	if a.session != nil {
		if err := a.session.Establish(ctx, set); err != nil {
			if cerr := a.tokens.ClearTokens(ctx); cerr != nil {
				log.WithError(cerr).Warn("failed to clear tokens after session error")
			}
			return 0, a.failAttempt(fmt.Errorf("establish session: %w", err))
		}
	}
	a.setState(Authenticated)
	log.Info("login complete")
	return OutcomeAuthenticated, nil
}

// Logout signs out at the application backend (best effort), then clears
// tokens, the pending attempt and the local session. Only local cleanup
// failures are returned. An exchange still in flight is discarded when it
// completes.
func (a *Authenticator) Logout(ctx context.Context) error {
	a.CancelLogin()

	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	a.mu.Lock()
	a.gen++
	a.mu.Unlock()

	if a.session != nil {
		if err := a.session.Revoke(ctx); err != nil {
			a.log.WithError(err).Warn("backend sign-out failed; continuing with local logout")
		}
	}

	var errs []error
	if err := a.tokens.ClearTokens(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.pending.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.session != nil {
		a.session.Reset()
	}

	a.mu.Lock()
	a.state = Idle
	a.lastErr = nil
	a.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		a.log.WithError(err).Error("local logout incomplete")
		return err
	}
	a.log.Info("logged out")
	return nil
}

func (a *Authenticator) setState(s FlowState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// discarded reports whether a logout happened since generation gen. The
// flow is returned to Idle if the exchange had moved it on.
func (a *Authenticator) discarded(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen == gen {
		return false
	}
	if a.state == Exchanging {
		a.state = Idle
	}
	return true
}

// fail records a failed redirect and moves the flow to Error. A stale
// redirect does not disturb an authenticated session, and one that fails
// while an attempt is waiting on the user agent or exchanging only updates
// LastError.
func (a *Authenticator) fail(err error) error {
	return a.record(err, false)
}

// failAttempt ends the current attempt with err.
func (a *Authenticator) failAttempt(err error) error {
	return a.record(err, true)
}

func (a *Authenticator) record(err error, own bool) error {
	a.mu.Lock()
	switch {
	case a.state == Authenticated:
	case !own && (a.state == Exchanging || a.active && a.state == Authenticating):
		a.lastErr = err
	default:
		a.state = Error
		a.lastErr = err
	}
	a.mu.Unlock()
	a.log.WithError(err).Warn("login failed")
	return err
}

// settle moves the flow to Error after the calling Login's own redirect
// failed. The failure was already recorded and logged.
func (a *Authenticator) settle(err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Authenticating {
		a.state = Error
		a.lastErr = err
	}
	return err
}

// abandon ends an attempt the user walked away from. The redirect may still
// have been delivered through another path, in which case that result wins.
func (a *Authenticator) abandon(ctx context.Context, log logrus.FieldLogger, outcome Outcome) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case Authenticated:
		return OutcomeAuthenticated
	case Authenticating:
		a.clearPending(ctx, log)
		a.state = Idle
		a.lastErr = nil
	}
	return outcome
}

func (a *Authenticator) clearPending(ctx context.Context, log logrus.FieldLogger) {
	if err := a.pending.Clear(ctx); err != nil {
		log.WithError(err).Warn("failed to clear pending login")
	}
}

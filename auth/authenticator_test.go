package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnehpets/onelogin/token"
)

const testRedirectURI = "com.example.app:/oauth/callback"

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testSettings() Settings {
	return Settings{
		ClientID:     "client-123",
		RedirectURI:  testRedirectURI,
		Scopes:       []string{"openid", "email"},
		AuthEndpoint: "https://idp.example.com/authorize",
	}
}

type fakeExchanger struct {
	calls       atomic.Int32
	gate        chan struct{}
	set         *token.Set
	err         error
	gotCode     atomic.Value
	gotVerifier atomic.Value
}

func (f *fakeExchanger) ExchangeCode(_ context.Context, code, verifier, _ string) (*token.Set, error) {
	f.calls.Add(1)
	f.gotCode.Store(code)
	f.gotVerifier.Store(verifier)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	s := *f.set
	return &s, nil
}

type agentFunc func(ctx context.Context, authURL, redirectURI string) (UserAgentResult, error)

func (f agentFunc) Open(ctx context.Context, authURL, redirectURI string) (UserAgentResult, error) {
	return f(ctx, authURL, redirectURI)
}

// redirectingAgent completes the provider login immediately with code.
func redirectingAgent(code string) agentFunc {
	return func(_ context.Context, authURL, redirectURI string) (UserAgentResult, error) {
		return UserAgentResult{Kind: ResultRedirected, URL: callbackFor(authURL, redirectURI, code)}, nil
	}
}

func callbackFor(authURL, redirectURI, code string) string {
	u, _ := url.Parse(authURL)
	q := url.Values{"code": {code}, "state": {u.Query().Get("state")}}
	return redirectURI + "?" + q.Encode()
}

type fakeSession struct {
	mu           sync.Mutex
	established  int
	revoked      int
	resets       int
	establishErr error
	revokeErr    error
}

func (s *fakeSession) Establish(context.Context, *token.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.established++
	return s.establishErr
}

func (s *fakeSession) Revoke(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked++
	return s.revokeErr
}

func (s *fakeSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

type unusedRefresher struct{ t *testing.T }

func (r unusedRefresher) Refresh(context.Context, string) (*token.Set, error) {
	r.t.Error("unexpected refresh")
	return nil, errors.New("unexpected refresh")
}

type testEnv struct {
	auth      *Authenticator
	pending   *PendingStore
	tokens    *token.Manager
	exchanger *fakeExchanger
	session   *fakeSession
	now       time.Time
}

func newTestEnv(t *testing.T, agent UserAgent, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		exchanger: &fakeExchanger{set: &token.Set{AccessToken: "AT", RefreshToken: "RT", TokenType: "Bearer", ExpiresIn: 3600, ExpiresAt: testNow.Add(time.Hour)}},
		session:   &fakeSession{},
		now:       testNow,
	}
	var err error
	env.pending, err = NewPendingStore(newTestSecureStore(t), DefaultPendingTTL)
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	env.tokens, err = token.NewManager(newTestSecureStore(t), unusedRefresher{t},
		token.WithManagerClock(func() time.Time { return testNow }), token.WithManagerLogger(logger))
	require.NoError(t, err)

	opts = append([]Option{
		WithSession(env.session),
		WithLogger(logger),
		WithClock(func() time.Time { return testNow }),
	}, opts...)
	env.auth, err = NewAuthenticator(testSettings(), env.exchanger, env.tokens, env.pending, agent, opts...)
	require.NoError(t, err)
	return env
}

func (e *testEnv) savePending(t *testing.T, state string, created time.Time) PKCEParams {
	t.Helper()
	pkce, err := GeneratePKCE()
	require.NoError(t, err)
	require.NoError(t, e.pending.Save(context.Background(), &PendingAuthState{
		State: state, PKCE: pkce, RedirectURI: testRedirectURI, CreatedAt: created, AttemptID: "attempt-1",
	}))
	return pkce
}

func (e *testEnv) assertNoPending(t *testing.T) {
	t.Helper()
	p, err := e.pending.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, p, "pending state must be cleared")
}

func TestLogin_EndToEnd(t *testing.T) {
	var tokenCalls atomic.Int32
	var gotVerifier atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		_ = r.ParseForm()
		if r.PostForm.Get("code") != "abc" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		gotVerifier.Store(r.PostForm.Get("code_verifier"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"AT","refresh_token":"RT","expires_in":3600}`)
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	client, err := token.NewClient(srv.URL, "client-123", token.WithHTTPClient(srv.Client()), token.WithClientLogger(logger))
	require.NoError(t, err)
	tokens, err := token.NewManager(newTestSecureStore(t), client, token.WithManagerLogger(logger))
	require.NoError(t, err)
	pending, err := NewPendingStore(newTestSecureStore(t), DefaultPendingTTL)
	require.NoError(t, err)

	var authURL string
	agent := agentFunc(func(_ context.Context, u, redirectURI string) (UserAgentResult, error) {
		authURL = u
		return UserAgentResult{Kind: ResultRedirected, URL: callbackFor(u, redirectURI, "abc")}, nil
	})
	session := &fakeSession{}
	a, err := NewAuthenticator(testSettings(), client, tokens, pending, agent, WithSession(session), WithLogger(logger))
	require.NoError(t, err)

	outcome, err := a.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthenticated, outcome)
	assert.Equal(t, Authenticated, a.State())
	assert.Equal(t, 1, session.established)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	verifier, _ := gotVerifier.Load().(string)
	assert.True(t, VerifyChallenge(verifier, u.Query().Get("code_challenge")), "token request carries the verifier for the sent challenge")
	assert.NotEmpty(t, u.Query().Get("nonce"))

	p, err := pending.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, p)

	access, err := tokens.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AT", access)
	assert.Equal(t, int32(1), tokenCalls.Load(), "no network call after login")
}

func TestHandleRedirect_StateMismatch(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	env.savePending(t, "S-abcdef", testNow)

	_, err := env.auth.HandleRedirect(context.Background(), testRedirectURI+"?code=abc&state=S-abcdeg")
	var sm *StateMismatchError
	require.ErrorAs(t, err, &sm)
	assert.Zero(t, env.exchanger.calls.Load())
	env.assertNoPending(t)
	assert.Equal(t, Error, env.auth.State())
}

func TestHandleRedirect_StatePrefixIsMismatch(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	env.savePending(t, "S-abcdef", testNow)

	_, err := env.auth.HandleRedirect(context.Background(), testRedirectURI+"?code=abc&state=S-abc")
	var sm *StateMismatchError
	require.ErrorAs(t, err, &sm)
}

func TestHandleRedirect_ExpiredAttempt(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	env.savePending(t, "S", testNow.Add(-6*time.Minute))

	_, err := env.auth.HandleRedirect(context.Background(), testRedirectURI+"?code=abc&state=S")
	var ee *ExpiredAuthAttemptError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 6*time.Minute, ee.Age)
	assert.Contains(t, err.Error(), "try logging in again")
	assert.Zero(t, env.exchanger.calls.Load())
	env.assertNoPending(t)
}

func TestHandleRedirect_NoPendingAttempt(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))

	_, err := env.auth.HandleRedirect(context.Background(), testRedirectURI+"?code=abc&state=S")
	var ee *ExpiredAuthAttemptError
	require.ErrorAs(t, err, &ee)
	assert.Zero(t, env.exchanger.calls.Load())
}

func TestHandleRedirect_ProviderError(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	env.savePending(t, "S", testNow)

	_, err := env.auth.HandleRedirect(context.Background(), testRedirectURI+"?error=access_denied&error_description=User+declined&state=S")
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "access_denied", pe.Code)
	assert.Equal(t, "User declined", pe.Description)
	env.assertNoPending(t)
}

func TestHandleRedirect_MissingCode(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	env.savePending(t, "S", testNow)

	_, err := env.auth.HandleRedirect(context.Background(), testRedirectURI+"?state=S")
	var me *MalformedCallbackError
	require.ErrorAs(t, err, &me)
	env.assertNoPending(t)
}

func TestHandleRedirect_FragmentParams(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	pkce := env.savePending(t, "S", testNow)

	outcome, err := env.auth.HandleRedirect(context.Background(), testRedirectURI+"#code=abc&state=S")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthenticated, outcome)
	assert.Equal(t, "abc", env.exchanger.gotCode.Load())
	assert.Equal(t, pkce.CodeVerifier, env.exchanger.gotVerifier.Load())
}

func TestHandleRedirect_DuplicateIsNoOp(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	env.savePending(t, "S", testNow)
	cb := testRedirectURI + "?code=abc&state=S"

	outcome, err := env.auth.HandleRedirect(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthenticated, outcome)

	outcome, err = env.auth.HandleRedirect(context.Background(), cb)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, int32(1), env.exchanger.calls.Load())
	assert.Equal(t, Authenticated, env.auth.State())
}

func TestHandleRedirect_ConcurrentDuplicatesShareOneExchange(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	env.exchanger.gate = make(chan struct{})
	env.savePending(t, "S", testNow)
	cb := testRedirectURI + "?code=abc&state=S"

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := env.auth.HandleRedirect(context.Background(), cb)
			if err != nil {
				errs <- err
				return
			}
			if outcome != OutcomeAuthenticated && outcome != OutcomeDuplicate {
				errs <- errors.New("unexpected outcome " + outcome.String())
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(env.exchanger.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	assert.Equal(t, int32(1), env.exchanger.calls.Load())
}

func TestLogin_Cancelled(t *testing.T) {
	env := newTestEnv(t, agentFunc(func(context.Context, string, string) (UserAgentResult, error) {
		return UserAgentResult{Kind: ResultCancelled}, nil
	}))

	outcome, err := env.auth.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Equal(t, Idle, env.auth.State())
	env.assertNoPending(t)
}

func TestLogin_Dismissed(t *testing.T) {
	env := newTestEnv(t, agentFunc(func(context.Context, string, string) (UserAgentResult, error) {
		return UserAgentResult{Kind: ResultDismissed}, nil
	}))

	outcome, err := env.auth.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDismissed, outcome)
	assert.Equal(t, Idle, env.auth.State())
	env.assertNoPending(t)
}

// blockingAgent waits for its context and reports cancellation.
func blockingAgent(started chan<- struct{}) agentFunc {
	return func(ctx context.Context, _, _ string) (UserAgentResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return UserAgentResult{Kind: ResultCancelled}, nil
	}
}

func TestCancelLogin(t *testing.T) {
	started := make(chan struct{}, 1)
	env := newTestEnv(t, blockingAgent(started))

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := env.auth.Login(context.Background())
		done <- result{o, err}
	}()
	<-started
	assert.Equal(t, Authenticating, env.auth.State())

	env.auth.CancelLogin()
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeCancelled, r.outcome)
	assert.Equal(t, Idle, env.auth.State())
	env.assertNoPending(t)
}

func TestLogin_ReentrantCallIsNoOp(t *testing.T) {
	started := make(chan struct{}, 2)
	env := newTestEnv(t, blockingAgent(started))

	done := make(chan error, 1)
	go func() {
		_, err := env.auth.Login(context.Background())
		done <- err
	}()
	<-started

	outcome, err := env.auth.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, outcome)
	assert.Len(t, started, 0, "second call did not open the user agent")

	env.auth.CancelLogin()
	require.NoError(t, <-done)
}

func TestLogin_StrayRedirectKeepsAttemptActive(t *testing.T) {
	started := make(chan struct{}, 2)
	env := newTestEnv(t, blockingAgent(started))

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := env.auth.Login(context.Background())
		done <- result{o, err}
	}()
	<-started

	// A reload of an old landing page reaches the dispatcher.
	_, err := env.auth.HandleRedirect(context.Background(), testRedirectURI+"?state=bogus")
	var me *MalformedCallbackError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, Authenticating, env.auth.State())
	assert.ErrorAs(t, env.auth.LastError(), &me)

	outcome, err := env.auth.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, outcome)
	assert.Len(t, started, 0, "second call did not open the user agent")

	env.auth.CancelLogin()
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeCancelled, r.outcome)
	assert.Equal(t, Idle, env.auth.State())
	assert.Nil(t, env.auth.LastError())
}

func TestLogin_ProviderErrorRedirect(t *testing.T) {
	env := newTestEnv(t, agentFunc(func(_ context.Context, authURL, redirectURI string) (UserAgentResult, error) {
		u, _ := url.Parse(authURL)
		q := url.Values{"error": {"access_denied"}, "state": {u.Query().Get("state")}}
		return UserAgentResult{Kind: ResultRedirected, URL: redirectURI + "?" + q.Encode()}, nil
	}))

	_, err := env.auth.Login(context.Background())
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, Error, env.auth.State())
	env.assertNoPending(t)
}

func TestLogin_PlaceholderClientID(t *testing.T) {
	opened := false
	agent := agentFunc(func(context.Context, string, string) (UserAgentResult, error) {
		opened = true
		return UserAgentResult{Kind: ResultDismissed}, nil
	})
	for _, id := range []string{"", "YOUR_CLIENT_ID", "<client-id>", "${CLIENT_ID}"} {
		t.Run(id, func(t *testing.T) {
			env := newTestEnv(t, agent)
			env.auth.settings.ClientID = id
			_, err := env.auth.Login(context.Background())
			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
		})
	}
	assert.False(t, opened)
}

func TestLogin_RandomSourceFailure(t *testing.T) {
	opened := false
	agent := agentFunc(func(context.Context, string, string) (UserAgentResult, error) {
		opened = true
		return UserAgentResult{Kind: ResultDismissed}, nil
	})
	boom := errors.New("entropy unavailable")
	env := newTestEnv(t, agent, WithGenerators(func() (PKCEParams, error) { return PKCEParams{}, boom }, nil))

	_, err := env.auth.Login(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, opened)
	assert.Equal(t, Error, env.auth.State())
	assert.ErrorIs(t, env.auth.LastError(), boom)
}

func TestLogin_UserAgentError(t *testing.T) {
	boom := errors.New("no browser")
	env := newTestEnv(t, agentFunc(func(context.Context, string, string) (UserAgentResult, error) {
		return UserAgentResult{}, boom
	}))

	_, err := env.auth.Login(context.Background())
	assert.ErrorIs(t, err, boom)
	env.assertNoPending(t)
}

func TestLogin_RedirectAlreadyHandledElsewhere(t *testing.T) {
	var env *testEnv
	agent := agentFunc(func(ctx context.Context, authURL, redirectURI string) (UserAgentResult, error) {
		cb := callbackFor(authURL, redirectURI, "abc")
		// The same redirect also arrives through the dispatcher.
		outcome, err := env.auth.HandleRedirect(ctx, cb)
		require.NoError(t, err)
		require.Equal(t, OutcomeAuthenticated, outcome)
		return UserAgentResult{Kind: ResultRedirected, URL: cb}, nil
	})
	env = newTestEnv(t, agent)

	outcome, err := env.auth.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthenticated, outcome)
	assert.Equal(t, int32(1), env.exchanger.calls.Load())
}

func TestLogin_ExchangeFailure(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	env.exchanger.err = &ProviderError{Code: "invalid_grant", Description: "code reused"}

	_, err := env.auth.Login(context.Background())
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, Error, env.auth.State())
	_, err = env.tokens.Tokens(context.Background())
	assert.ErrorIs(t, err, token.ErrUnauthenticated)
	env.assertNoPending(t)
}

func TestLogin_SessionFailureClearsTokens(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	env.session.establishErr = errors.New("backend down")

	_, err := env.auth.Login(context.Background())
	assert.ErrorIs(t, err, env.session.establishErr)
	assert.Equal(t, Error, env.auth.State())
	_, err = env.tokens.Tokens(context.Background())
	assert.ErrorIs(t, err, token.ErrUnauthenticated)
}

func TestLogin_AfterErrorStartsFresh(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	env.exchanger.err = errors.New("network")
	_, err := env.auth.Login(context.Background())
	require.Error(t, err)

	env.exchanger.err = nil
	outcome, err := env.auth.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAuthenticated, outcome)
	assert.Nil(t, env.auth.LastError())
}

func TestLogout_BackendFailureStillClearsLocalState(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	_, err := env.auth.Login(context.Background())
	require.NoError(t, err)
	env.savePending(t, "leftover", testNow)
	env.session.revokeErr = errors.New("backend unreachable")

	require.NoError(t, env.auth.Logout(context.Background()))

	_, err = env.tokens.Tokens(context.Background())
	assert.ErrorIs(t, err, token.ErrUnauthenticated)
	env.assertNoPending(t)
	assert.Equal(t, 1, env.session.revoked)
	assert.Equal(t, 1, env.session.resets)
	assert.Equal(t, Idle, env.auth.State())
}

func TestLogout_DiscardsExchangeInFlight(t *testing.T) {
	env := newTestEnv(t, redirectingAgent("abc"))
	env.exchanger.gate = make(chan struct{})
	env.savePending(t, "S", testNow)

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := env.auth.HandleRedirect(context.Background(), testRedirectURI+"?code=abc&state=S")
		done <- result{o, err}
	}()
	require.Eventually(t, func() bool { return env.exchanger.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, env.auth.Logout(context.Background()))
	close(env.exchanger.gate)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeCancelled, r.outcome)
	assert.Equal(t, Idle, env.auth.State())
	_, err := env.tokens.Tokens(context.Background())
	assert.ErrorIs(t, err, token.ErrUnauthenticated)
	env.session.mu.Lock()
	defer env.session.mu.Unlock()
	assert.Zero(t, env.session.established)
}

func TestNewAuthenticator_Validation(t *testing.T) {
	ps, err := NewPendingStore(newTestSecureStore(t), 0)
	require.NoError(t, err)
	_, err = NewAuthenticator(testSettings(), nil, nil, ps, redirectingAgent("x"))
	assert.Error(t, err)
}

func TestIsPlaceholderClientID(t *testing.T) {
	for _, id := range []string{"", "  ", "YOUR_CLIENT_ID", "your-client-id", "<client id>", "${OAUTH_CLIENT_ID}", "changeme"} {
		assert.True(t, IsPlaceholderClientID(id), id)
	}
	for _, id := range []string{"0oa1b2c3d4", "my-app.apps.googleusercontent.com"} {
		assert.False(t, IsPlaceholderClientID(id), id)
	}
}

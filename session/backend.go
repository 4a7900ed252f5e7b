package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultExchangePath = "/auth/oauth/exchange"
	DefaultSignOutPath  = "/auth/logout"
)

const maxBackendResponseBytes = 1 << 20

// ExchangeRequest asks the application backend for a session in exchange for
// provider tokens.
type ExchangeRequest struct {
	Provider    string `json:"provider"`
	AccessToken string `json:"accessToken"`
	IDToken     string `json:"idToken,omitempty"`
}

// User is the application's view of the signed-in user.
type User struct {
	ID          string `json:"id" cbor:"1,keyasint"`
	Email       string `json:"email" cbor:"2,keyasint,omitempty"`
	Username    string `json:"username" cbor:"3,keyasint,omitempty"`
	DisplayName string `json:"displayName,omitempty" cbor:"4,keyasint,omitempty"`
}

// ExchangeResponse carries the application-issued tokens.
type ExchangeResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	User         User   `json:"user"`
}

// BackendError is a non-2xx answer from the application backend.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend returned HTTP %d", e.StatusCode)
}

// BackendClient calls the application backend's session endpoints.
type BackendClient struct {
	baseURL      string
	exchangePath string
	signOutPath  string
	httpClient   *http.Client
	log          logrus.FieldLogger
}

// BackendOption configures a BackendClient.
type BackendOption func(*BackendClient)

// WithBackendHTTPClient sets the HTTP client.
func WithBackendHTTPClient(hc *http.Client) BackendOption {
	return func(c *BackendClient) {
		c.httpClient = hc
	}
}

// WithPaths overrides the exchange and sign-out paths.
func WithPaths(exchange, signOut string) BackendOption {
	return func(c *BackendClient) {
		c.exchangePath = exchange
		c.signOutPath = signOut
	}
}

// WithBackendLogger sets the logger.
func WithBackendLogger(l logrus.FieldLogger) BackendOption {
	return func(c *BackendClient) {
		c.log = l
	}
}

// NewBackendClient returns a client for the backend at baseURL.
func NewBackendClient(baseURL string, opts ...BackendOption) (*BackendClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("session: invalid backend url %q", baseURL)
	}
	c := &BackendClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		exchangePath: DefaultExchangePath,
		signOutPath:  DefaultSignOutPath,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		log:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Exchange trades provider tokens for an application session.
func (c *BackendClient) Exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResponse, error) {
	if req.Provider == "" || req.AccessToken == "" {
		return nil, errors.New("session: provider and access token are required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var resp ExchangeResponse
	if err := c.do(ctx, c.exchangePath, "", body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" || resp.User.ID == "" {
		return nil, errors.New("session: backend exchange response is missing the access token or user")
	}
	return &resp, nil
}

// SignOut revokes the application session identified by accessToken.
func (c *BackendClient) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, c.signOutPath, accessToken, nil, nil)
}

func (c *BackendClient) do(ctx context.Context, path, bearer string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("session: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("session: backend request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendResponseBytes))
	if err != nil {
		return fmt.Errorf("session: read backend response: %w", err)
	}
	c.log.WithFields(logrus.Fields{"path": path, "status": resp.StatusCode}).Debug("backend call")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		msg := e.Message
		if msg == "" {
			msg = e.Error
		}
		return &BackendError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("session: decode backend response: %w", err)
	}
	return nil
}

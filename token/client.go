package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultExpiresIn is used when the provider omits expires_in or sends a
// value that is not a positive number.
const DefaultExpiresIn = 3600 * time.Second

// maxResponseBytes bounds token endpoint bodies.
const maxResponseBytes = 1 << 20

// Client talks to the provider's token endpoint as a public client.
type Client struct {
	tokenURL         string
	clientID         string
	httpClient       *http.Client
	log              logrus.FieldLogger
	now              func() time.Time
	defaultExpiresIn time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for token requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l logrus.FieldLogger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// WithClientClock sets the clock used to compute ExpiresAt.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// WithDefaultExpiresIn overrides DefaultExpiresIn.
func WithDefaultExpiresIn(d time.Duration) ClientOption {
	return func(c *Client) {
		c.defaultExpiresIn = d
	}
}

// NewClient returns a client for the token endpoint at tokenURL.
func NewClient(tokenURL, clientID string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(tokenURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("token: invalid token endpoint %q", tokenURL)
	}
	if clientID == "" {
		return nil, errors.New("token: client id is required")
	}
	c := &Client{
		tokenURL:         tokenURL,
		clientID:         clientID,
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		log:              logrus.StandardLogger(),
		now:              time.Now,
		defaultExpiresIn: DefaultExpiresIn,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultExpiresIn <= 0 {
		return nil, errors.New("token: default expires_in must be positive")
	}
	return c, nil
}

// ExchangeCode redeems an authorization code together with its PKCE verifier.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*Set, error) {
	if code == "" {
		return nil, errors.New("token: authorization code is required")
	}
	if codeVerifier == "" {
		return nil, errors.New("token: code verifier is required")
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.clientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {codeVerifier},
	}
	set, err := c.post(ctx, form)
	if err != nil {
		return nil, err
	}
	c.log.WithField("expires_at", set.ExpiresAt).Debug("authorization code exchanged")
	return set, nil
}

// Refresh redeems refreshToken for a new token set. When the provider does
// not rotate the refresh token, refreshToken is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Set, error) {
	if refreshToken == "" {
		return nil, errors.New("token: refresh token is required")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"refresh_token": {refreshToken},
	}
	set, err := c.post(ctx, form)
	if err != nil {
		return nil, err
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	c.log.WithField("expires_at", set.ExpiresAt).Debug("token refreshed")
	return set, nil
}

func (c *Client) post(ctx context.Context, form url.Values) (*Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	issuedAt := c.now()
	if len(body) > maxResponseBytes {
		return nil, &InvalidResponseError{Reason: "response body too large", StatusCode: resp.StatusCode}
	}

	parsed, err := decodeResponse(resp.StatusCode, body)
	if err != nil {
		return nil, err
	}
	switch r := parsed.(type) {
	case *errorResponse:
		return nil, r.providerError()
	case *successResponse:
		return c.toSet(r, issuedAt), nil
	}
	return nil, &InvalidResponseError{Reason: "unrecognized response", StatusCode: resp.StatusCode}
}

func (c *Client) toSet(r *successResponse, issuedAt time.Time) *Set {
	expiresIn, ok := parseExpiresIn(r.ExpiresIn)
	if !ok {
		expiresIn = int64(c.defaultExpiresIn / time.Second)
		c.log.WithField("expires_in", string(r.ExpiresIn)).
			Warnf("token response has no usable expires_in, assuming %s", c.defaultExpiresIn)
	}
	tokenType := r.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &Set{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		ExpiresAt:    issuedAt.Add(time.Duration(expiresIn) * time.Second),
		IDToken:      r.IDToken,
		Scope:        r.Scope,
	}
}

// tokenResponse is either *successResponse or *errorResponse.
type tokenResponse interface {
	isTokenResponse()
}

type successResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    json.RawMessage
	RefreshToken string
	IDToken      string
	Scope        string
}

type errorResponse struct {
	Code        string
	Description string
	StatusCode  int
}

func (*successResponse) isTokenResponse() {}
func (*errorResponse) isTokenResponse()   {}

func (e *errorResponse) providerError() *ProviderError {
	return &ProviderError{Code: e.Code, Description: e.Description, StatusCode: e.StatusCode}
}

type wireResponse struct {
	AccessToken      string          `json:"access_token"`
	TokenType        string          `json:"token_type"`
	ExpiresIn        json.RawMessage `json:"expires_in"`
	RefreshToken     string          `json:"refresh_token"`
	IDToken          string          `json:"id_token"`
	Scope            string          `json:"scope"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// decodeResponse validates a token endpoint response and narrows it to one
// of the tokenResponse variants.
func decodeResponse(status int, body []byte) (tokenResponse, error) {
	var w wireResponse
	jsonErr := json.Unmarshal(body, &w)

	if status < 200 || status > 299 {
		if jsonErr != nil || w.Error == "" {
			return genericError(status), nil
		}
		return &errorResponse{Code: w.Error, Description: w.ErrorDescription, StatusCode: status}, nil
	}
	if jsonErr != nil {
		return nil, &InvalidResponseError{Reason: "malformed JSON: " + jsonErr.Error(), StatusCode: status}
	}
	if w.Error != "" {
		return &errorResponse{Code: w.Error, Description: w.ErrorDescription, StatusCode: status}, nil
	}
	if w.AccessToken == "" {
		return nil, &InvalidResponseError{Reason: "missing access_token", StatusCode: status}
	}
	return &successResponse{
		AccessToken:  w.AccessToken,
		TokenType:    w.TokenType,
		ExpiresIn:    w.ExpiresIn,
		RefreshToken: w.RefreshToken,
		IDToken:      w.IDToken,
		Scope:        w.Scope,
	}, nil
}

// genericError stands in for error bodies that are absent or unparseable.
func genericError(status int) *errorResponse {
	code := "server_error"
	switch {
	case status == http.StatusBadRequest:
		code = "invalid_request"
	case status == http.StatusUnauthorized:
		code = "invalid_client"
	case status == http.StatusForbidden:
		code = "access_denied"
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		code = "temporarily_unavailable"
	case status < 500:
		code = "invalid_request"
	}
	desc := fmt.Sprintf("token endpoint returned HTTP %d", status)
	if text := http.StatusText(status); text != "" {
		desc += " " + text
	}
	return &errorResponse{Code: code, Description: desc, StatusCode: status}
}

// parseExpiresIn accepts a JSON number or a numeric string and reports
// whether the value is a positive number of seconds.
func parseExpiresIn(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 1 || f > math.MaxInt32 {
		return 0, false
	}
	return int64(f), true
}

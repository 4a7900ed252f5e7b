package token

import (
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// ErrNoIDToken is returned by Set.Claims when the provider issued no ID token.
var ErrNoIDToken = errors.New("token: no id token")

// IDClaims are the ID token claims shown to the user.
type IDClaims struct {
	jwt.Claims
	Nonce             string `json:"nonce,omitempty"`
	Email             string `json:"email,omitempty"`
	EmailVerified     bool   `json:"email_verified,omitempty"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Picture           string `json:"picture,omitempty"`
}

var idTokenAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// DecodeIDToken parses raw and returns its claims WITHOUT verifying the
// signature. The result is for display only and must not be used for
// authorization decisions.
func DecodeIDToken(raw string) (*IDClaims, error) {
	tok, err := jwt.ParseSigned(raw, idTokenAlgs)
	if err != nil {
		return nil, fmt.Errorf("token: parse id token: %w", err)
	}
	var c IDClaims
	if err := tok.UnsafeClaimsWithoutVerification(&c); err != nil {
		return nil, fmt.Errorf("token: decode id token claims: %w", err)
	}
	return &c, nil
}

// Claims decodes s.IDToken for display. See DecodeIDToken.
func (s *Set) Claims() (*IDClaims, error) {
	if s.IDToken == "" {
		return nil, ErrNoIDToken
	}
	return DecodeIDToken(s.IDToken)
}

// VerifiedEmail returns the email claim if email_verified is true.
func (c *IDClaims) VerifiedEmail() (string, bool) {
	if c == nil || !c.EmailVerified || c.Email == "" {
		return "", false
	}
	return c.Email, true
}

// StableID returns "provider:subject", an identifier that survives email
// and name changes. Without a provider name it is the subject alone.
func (c *IDClaims) StableID(provider string) string {
	if c == nil || c.Subject == "" {
		return ""
	}
	if provider == "" {
		return c.Subject
	}
	return fmt.Sprintf("%s:%s", provider, c.Subject)
}

// Package token holds provider token sets, the token endpoint client, and the
// lifecycle manager that hands out valid access tokens.
package token

import (
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Set is the token set issued by the provider for one signed-in user.
type Set struct {
	AccessToken  string `cbor:"1,keyasint"`
	RefreshToken string `cbor:"2,keyasint,omitempty"`
	TokenType    string `cbor:"3,keyasint,omitempty"`
	// ExpiresIn is the lifetime in seconds reported (or defaulted) at issue.
	ExpiresIn int64 `cbor:"4,keyasint"`
	// ExpiresAt is receipt time plus ExpiresIn.
	ExpiresAt time.Time `cbor:"5,keyasint"`
	IDToken   string    `cbor:"6,keyasint,omitempty"`
	Scope     string    `cbor:"7,keyasint,omitempty"`
}

// String redacts credentials.
func (s *Set) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("token.Set{type=%s expires_at=%s refresh=%t id_token=%t scope=%q}",
		s.TokenType, s.ExpiresAt.Format(time.RFC3339), s.RefreshToken != "", s.IDToken != "", s.Scope)
}

// OAuth2Token converts s for use with golang.org/x/oauth2 transports.
func (s *Set) OAuth2Token() *oauth2.Token {
	t := &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    s.TokenType,
		RefreshToken: s.RefreshToken,
		Expiry:       s.ExpiresAt,
		ExpiresIn:    s.ExpiresIn,
	}
	if s.IDToken != "" {
		t = t.WithExtra(map[string]any{"id_token": s.IDToken})
	}
	return t
}

// State classifies an access token relative to the refresh buffer.
type State int

const (
	Valid State = iota
	NearExpiry
	Expired
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case NearExpiry:
		return "near_expiry"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateAt reports the state of a token expiring at expiresAt, as seen at now.
func StateAt(expiresAt, now time.Time, buffer time.Duration) State {
	switch {
	case !now.Before(expiresAt):
		return Expired
	case !now.Before(expiresAt.Add(-buffer)):
		return NearExpiry
	}
	return Valid
}

// IsTokenExpired reports whether now >= expiresAt - buffer, i.e. whether the
// token should no longer be handed out without a refresh.
func IsTokenExpired(expiresAt time.Time, buffer time.Duration) bool {
	return isExpiredAt(expiresAt, time.Now(), buffer)
}

func isExpiredAt(expiresAt, now time.Time, buffer time.Duration) bool {
	return StateAt(expiresAt, now, buffer) != Valid
}

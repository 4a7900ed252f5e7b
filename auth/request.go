package auth

import (
	"errors"
	"net/url"

	"golang.org/x/oauth2"
)

// AuthorizationRequest describes one authorization redirect.
type AuthorizationRequest struct {
	ClientID      string
	RedirectURI   string
	Scopes        []string
	CodeChallenge string
	State         string
	// Nonce and Prompt are optional.
	Nonce  string
	Prompt string
}

// URL builds the authorization URL against authEndpoint. It is pure: the same
// request always yields the same URL. Query parameters already present on
// authEndpoint are kept.
func (r AuthorizationRequest) URL(authEndpoint string) (string, error) {
	if authEndpoint == "" {
		return "", errors.New("auth: authorization endpoint is required")
	}
	u, err := url.Parse(authEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.New("auth: invalid authorization endpoint")
	}
	switch {
	case r.ClientID == "":
		return "", errors.New("auth: client id is required")
	case r.RedirectURI == "":
		return "", errors.New("auth: redirect uri is required")
	case r.State == "":
		return "", errors.New("auth: state is required")
	case r.CodeChallenge == "":
		return "", errors.New("auth: code challenge is required")
	}

	conf := oauth2.Config{
		ClientID:    r.ClientID,
		RedirectURL: r.RedirectURI,
		Scopes:      r.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: authEndpoint},
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", r.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethodS256),
	}
	if r.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", r.Nonce))
	}
	if r.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", r.Prompt))
	}
	return conf.AuthCodeURL(r.State, opts...), nil
}

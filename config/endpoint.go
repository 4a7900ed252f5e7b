package config

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ResolveEndpoint returns the endpoints of environment env. An environment
// with an issuer is resolved by OIDC discovery; explicit auth and token URLs
// override the discovered ones.
func (c *Config) ResolveEndpoint(ctx context.Context, env string) (oauth2.Endpoint, error) {
	ep, ok := c.Environments[env]
	if !ok {
		return oauth2.Endpoint{}, fmt.Errorf("config: unknown environment %q", env)
	}

	var out oauth2.Endpoint
	if ep.Issuer != "" {
		provider, err := oidc.NewProvider(ctx, ep.Issuer)
		if err != nil {
			return oauth2.Endpoint{}, fmt.Errorf("failed to query provider %q: %w", ep.Issuer, err)
		}
		out = provider.Endpoint()
	}
	if ep.AuthURL != "" {
		out.AuthURL = ep.AuthURL
	}
	if ep.TokenURL != "" {
		out.TokenURL = ep.TokenURL
	}
	if out.AuthURL == "" || out.TokenURL == "" {
		return oauth2.Endpoint{}, fmt.Errorf("config: environment %q has no authorization or token endpoint", env)
	}
	// Public client: credentials go in the form body.
	out.AuthStyle = oauth2.AuthStyleInParams
	return out, nil
}

// Endpoint resolves the selected environment.
func (c *Config) Endpoint(ctx context.Context) (oauth2.Endpoint, error) {
	return c.ResolveEndpoint(ctx, c.Environment)
}

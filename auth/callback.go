package auth

import (
	"net/url"
	"strings"
)

// CallbackParams are the parameters the provider appends to the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseCallback extracts the callback parameters from rawURL. Parameters are
// read from the query; any that are absent there are taken from the
// fragment, which some providers and user agents use instead.
func ParseCallback(rawURL string) (CallbackParams, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return CallbackParams{}, &MalformedCallbackError{Reason: "unparseable URL"}
	}
	q := u.Query()
	p := CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	if u.Fragment != "" {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			fill(&p.Code, frag.Get("code"))
			fill(&p.State, frag.Get("state"))
			fill(&p.Error, frag.Get("error"))
			fill(&p.ErrorDescription, frag.Get("error_description"))
		}
	}
	return p, nil
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// matchesRedirect reports whether u addresses redirectURI: same scheme
// (case-insensitive), host and path. Query and fragment are ignored.
func matchesRedirect(u, redirect *url.URL) bool {
	if !strings.EqualFold(u.Scheme, redirect.Scheme) {
		return false
	}
	if !strings.EqualFold(u.Host, redirect.Host) {
		return false
	}
	return normalizePath(u) == normalizePath(redirect)
}

// normalizePath handles custom-scheme URIs like "com.example.app:/callback"
// where the path may land in Opaque.
func normalizePath(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	return strings.TrimSuffix(p, "/")
}

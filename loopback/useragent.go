package loopback

import (
	"context"
	"net/url"

	"github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	"github.com/mnehpets/onelogin/auth"
)

// UserAgent opens the authorization page in the system browser and waits
// for the redirect to reach a Receiver. It implements auth.UserAgent.
type UserAgent struct {
	recv *Receiver
	open func(string) error
	log  logrus.FieldLogger
}

// UserAgentOption configures a UserAgent.
type UserAgentOption func(*UserAgent)

// WithOpener replaces the browser launcher.
func WithOpener(fn func(string) error) UserAgentOption {
	return func(u *UserAgent) {
		u.open = fn
	}
}

// WithUserAgentLogger sets the logger.
func WithUserAgentLogger(l logrus.FieldLogger) UserAgentOption {
	return func(u *UserAgent) {
		u.log = l
	}
}

// NewUserAgent returns a UserAgent fed by recv.
func NewUserAgent(recv *Receiver, opts ...UserAgentOption) *UserAgent {
	u := &UserAgent{
		recv: recv,
		open: open.Run,
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Open launches the browser at authURL and blocks until the first
// authorization response arrives, ctx is done, or the receiver stops.
// A browser that fails to launch is logged with the URL so the user can
// open it by hand; the wait continues.
func (u *UserAgent) Open(ctx context.Context, authURL, redirectURI string) (auth.UserAgentResult, error) {
	ch, unsubscribe := u.recv.Subscribe()
	defer unsubscribe()

	if err := u.open(authURL); err != nil {
		u.log.WithError(err).WithField("url", authURL).Warn("could not open a browser; visit the URL to continue")
	}
	u.log.WithField("redirect_uri", redirectURI).Debug("waiting for authorization response")

	for {
		select {
		case <-ctx.Done():
			return auth.UserAgentResult{Kind: auth.ResultCancelled}, nil
		case raw, ok := <-ch:
			if !ok {
				return auth.UserAgentResult{Kind: auth.ResultDismissed}, nil
			}
			if !isAuthorizationResponse(raw) {
				continue
			}
			return auth.UserAgentResult{Kind: auth.ResultRedirected, URL: raw}, nil
		}
	}
}

// isAuthorizationResponse reports whether raw carries a code or an error.
func isAuthorizationResponse(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	q := u.Query()
	return q.Get("code") != "" || q.Get("error") != ""
}

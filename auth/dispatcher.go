package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"
)

// EventSource delivers URLs opened by the operating system or a local
// listener, independently of any Login call. The returned func unsubscribes.
type EventSource interface {
	Subscribe() (<-chan string, func())
}

// Dispatcher feeds redirects from an EventSource into an Authenticator.
type Dispatcher struct {
	auth     *Authenticator
	src      EventSource
	redirect *url.URL
	onResult func(Outcome, error)
	log      logrus.FieldLogger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithResultHandler sets fn to receive the outcome of every dispatched URL.
func WithResultHandler(fn func(Outcome, error)) DispatcherOption {
	return func(d *Dispatcher) {
		d.onResult = fn
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l logrus.FieldLogger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// NewDispatcher creates a Dispatcher for a's redirect URI.
func NewDispatcher(a *Authenticator, src EventSource, opts ...DispatcherOption) (*Dispatcher, error) {
	if a == nil {
		return nil, errors.New("auth: dispatcher requires an authenticator")
	}
	redirect, err := url.Parse(a.settings.RedirectURI)
	if err != nil || redirect.Scheme == "" {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid redirect uri %q", a.settings.RedirectURI)}
	}
	d := &Dispatcher{
		auth:     a,
		src:      src,
		redirect: redirect,
		log:      a.log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run dispatches events until ctx is done or the source closes its channel.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.src == nil {
		return errors.New("auth: dispatcher has no event source")
	}
	events, unsubscribe := d.src.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-events:
			if !ok {
				return nil
			}
			_, _ = d.Dispatch(ctx, raw)
		}
	}
}

// Dispatch handles one URL. URLs not addressed to the redirect URI are
// OutcomeIgnored.
func (d *Dispatcher) Dispatch(ctx context.Context, rawURL string) (Outcome, error) {
	u, err := url.Parse(rawURL)
	if err != nil || !matchesRedirect(u, d.redirect) {
		d.log.Debug("ignoring URL not addressed to the redirect uri")
		d.report(OutcomeIgnored, nil)
		return OutcomeIgnored, nil
	}
	outcome, err := d.auth.HandleRedirect(ctx, rawURL)
	d.report(outcome, err)
	return outcome, err
}

func (d *Dispatcher) report(o Outcome, err error) {
	if d.onResult != nil {
		d.onResult(o, err)
	}
}

// Package loopback receives authorization redirects on a local HTTP listener
// and drives the system browser, for desktop and command-line clients.
package loopback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// subscriberBuffer is the channel capacity given to each subscriber.
const subscriberBuffer = 4

var landingPage = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>body{font-family:sans-serif;margin:4em auto;max-width:32em;text-align:center}</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

type landingData struct {
	Title   string
	Message string
}

// ErrNotLoopback is returned for redirect URIs that do not name a loopback
// host over plain HTTP.
var ErrNotLoopback = errors.New("loopback: redirect uri must be http on a loopback host")

// Receiver listens on the redirect URI's host and port and publishes every
// request to the callback path to its subscribers.
type Receiver struct {
	redirect *url.URL
	headers  *SecurityHeaders
	log      logrus.FieldLogger

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
	subs   map[int]chan string
	nextID int
	closed bool
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithHeaders replaces the landing page security headers.
func WithHeaders(h *SecurityHeaders) ReceiverOption {
	return func(r *Receiver) {
		r.headers = h
	}
}

// WithReceiverLogger sets the logger.
func WithReceiverLogger(l logrus.FieldLogger) ReceiverOption {
	return func(r *Receiver) {
		r.log = l
	}
}

// NewReceiver returns a Receiver for redirectURI. Port 0 picks a free port
// on Start; RedirectURI reports the bound address afterwards.
func NewReceiver(redirectURI string, opts ...ReceiverOption) (*Receiver, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("loopback: parse redirect uri: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "http") || !isLoopbackHost(u.Hostname()) {
		return nil, ErrNotLoopback
	}
	if u.Path == "" {
		u.Path = "/"
	}
	r := &Receiver{
		redirect: u,
		headers:  NewSecurityHeaders(),
		log:      logrus.StandardLogger(),
		subs:     make(map[int]chan string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Start binds the listener and serves in the background.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("loopback: receiver already stopped")
	}
	if r.server != nil {
		return errors.New("loopback: receiver already running")
	}

	addr := r.redirect.Host
	if r.redirect.Port() == "" {
		addr = net.JoinHostPort(r.redirect.Hostname(), "0")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("loopback: listen on %s: %w", addr, err)
	}
	if r.redirect.Port() == "0" || r.redirect.Port() == "" {
		port := ln.Addr().(*net.TCPAddr).Port
		r.redirect.Host = net.JoinHostPort(r.redirect.Hostname(), strconv.Itoa(port))
	}

	r.ln = ln
	r.server = &http.Server{
		Handler:           r.headers.Wrap(http.HandlerFunc(r.handle)),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	srv := r.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.WithError(err).Error("loopback receiver stopped")
		}
	}()
	r.log.WithField("redirect_uri", r.redirect.String()).Debug("loopback receiver listening")
	return nil
}

// Stop shuts the listener down and closes every subscriber channel.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	srv := r.server
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// RedirectURI returns the redirect URI with the bound port.
func (r *Receiver) RedirectURI() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redirect.String()
}

// Subscribe returns a channel of callback URLs and a func that unsubscribes.
// The channel is closed on unsubscribe or when the receiver stops. A slow
// subscriber misses URLs rather than blocking the listener.
func (r *Receiver) Subscribe() (<-chan string, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan string, subscriberBuffer)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subs[id]; ok {
				close(c)
				delete(r.subs, id)
			}
		})
	}
}

func (r *Receiver) publish(raw string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- raw:
		default:
			r.log.Warn("dropping callback for a slow subscriber")
		}
	}
}

func (r *Receiver) handle(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	base := *r.redirect
	r.mu.Unlock()

	if strings.TrimSuffix(req.URL.Path, "/") != strings.TrimSuffix(base.Path, "/") {
		http.NotFound(w, req)
		return
	}
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cb := base
	cb.RawQuery = req.URL.RawQuery
	r.publish(cb.String())

	q := req.URL.Query()
	data := landingData{
		Title:   "Authorization received",
		Message: "You can close this window and return to the application to finish signing in.",
	}
	status := http.StatusOK
	if e := q.Get("error"); e != "" {
		data.Title = "Sign-in failed"
		data.Message = e
		if d := q.Get("error_description"); d != "" {
			data.Message = d
		}
		status = http.StatusBadRequest
	} else if q.Get("code") == "" {
		data.Title = "Sign-in failed"
		data.Message = "The authorization response is missing a code."
		status = http.StatusBadRequest
	}
	r.render(w, status, data)
}

func (r *Receiver) render(w http.ResponseWriter, status int, data landingData) {
	var buf bytes.Buffer
	if err := landingPage.Execute(&buf, data); err != nil {
		r.log.WithError(err).Error("render landing page")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

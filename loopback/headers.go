package loopback

import (
	"net/http"
)

// SecurityHeaders sets response headers for the callback landing page.
//
// Default configuration for NewSecurityHeaders:
//   - Referrer-Policy: no-referrer (the callback URL carries the code)
//   - X-Frame-Options: DENY
//   - X-Content-Type-Options: nosniff
//   - Content-Security-Policy: default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'
//   - Cache-Control: no-store
//   - Cross-Origin-Opener-Policy: same-origin
//
// HSTS is never sent; the listener is plain HTTP on a loopback address.
type SecurityHeaders struct {
	// ReferrerPolicy sets the Referrer-Policy header.
	// Set to empty string to disable.
	ReferrerPolicy string

	// FrameOptions sets the X-Frame-Options header.
	// Set to empty string to disable.
	FrameOptions string

	// ContentTypeOptions enables X-Content-Type-Options: nosniff.
	ContentTypeOptions bool

	// ContentSecurityPolicy sets the Content-Security-Policy header.
	// Set to empty string to disable.
	ContentSecurityPolicy string

	// CacheControl sets the Cache-Control header.
	// Set to empty string to disable.
	CacheControl string

	// CrossOriginOpenerPolicy sets the Cross-Origin-Opener-Policy header.
	// Set to empty string to disable.
	CrossOriginOpenerPolicy string
}

// SecurityHeadersOption configures SecurityHeaders.
type SecurityHeadersOption func(*SecurityHeaders)

// NewSecurityHeaders returns SecurityHeaders with defaults for the landing page.
func NewSecurityHeaders(opts ...SecurityHeadersOption) *SecurityHeaders {
	h := &SecurityHeaders{
		ReferrerPolicy:          "no-referrer",
		FrameOptions:            "DENY",
		ContentTypeOptions:      true,
		ContentSecurityPolicy:   "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'",
		CacheControl:            "no-store",
		CrossOriginOpenerPolicy: "same-origin",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithReferrerPolicy sets the Referrer-Policy header.
func WithReferrerPolicy(policy string) SecurityHeadersOption {
	return func(h *SecurityHeaders) {
		h.ReferrerPolicy = policy
	}
}

// WithFrameOptions sets the X-Frame-Options header.
// Common values: DENY, SAMEORIGIN
func WithFrameOptions(options string) SecurityHeadersOption {
	return func(h *SecurityHeaders) {
		h.FrameOptions = options
	}
}

// WithContentTypeOptions enables or disables X-Content-Type-Options: nosniff.
func WithContentTypeOptions(enabled bool) SecurityHeadersOption {
	return func(h *SecurityHeaders) {
		h.ContentTypeOptions = enabled
	}
}

// WithCSP sets the Content-Security-Policy header.
func WithCSP(policy string) SecurityHeadersOption {
	return func(h *SecurityHeaders) {
		h.ContentSecurityPolicy = policy
	}
}

// WithCacheControl sets the Cache-Control header.
func WithCacheControl(value string) SecurityHeadersOption {
	return func(h *SecurityHeaders) {
		h.CacheControl = value
	}
}

// Apply writes the configured headers to w.
func (h *SecurityHeaders) Apply(w http.ResponseWriter) {
	hdr := w.Header()
	if h.ReferrerPolicy != "" {
		hdr.Set("Referrer-Policy", h.ReferrerPolicy)
	}
	if h.FrameOptions != "" {
		hdr.Set("X-Frame-Options", h.FrameOptions)
	}
	if h.ContentTypeOptions {
		hdr.Set("X-Content-Type-Options", "nosniff")
	}
	if h.ContentSecurityPolicy != "" {
		hdr.Set("Content-Security-Policy", h.ContentSecurityPolicy)
	}
	if h.CacheControl != "" {
		hdr.Set("Cache-Control", h.CacheControl)
	}
	if h.CrossOriginOpenerPolicy != "" {
		hdr.Set("Cross-Origin-Opener-Policy", h.CrossOriginOpenerPolicy)
	}
}

// Wrap returns a handler that applies the headers before calling next.
func (h *SecurityHeaders) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Apply(w)
		next.ServeHTTP(w, r)
	})
}

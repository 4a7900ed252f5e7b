package loopback

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startReceiver(t *testing.T) *Receiver {
	t.Helper()
	logger, _ := test.NewNullLogger()
	r, err := NewReceiver("http://127.0.0.1:0/callback", WithReceiverLogger(logger))
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case raw, ok := <-ch:
		require.True(t, ok, "channel closed")
		return raw
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		return ""
	}
}

func TestNewReceiver_RejectsNonLoopback(t *testing.T) {
	for _, raw := range []string{
		"https://127.0.0.1:8080/callback",
		"http://example.com/callback",
		"http://10.0.0.1:8080/callback",
		"com.example.app:/oauth/callback",
	} {
		_, err := NewReceiver(raw)
		assert.ErrorIs(t, err, ErrNotLoopback, raw)
	}
	for _, raw := range []string{
		"http://127.0.0.1:0/callback",
		"http://localhost:8085/",
		"http://[::1]:0/cb",
	} {
		_, err := NewReceiver(raw)
		assert.NoError(t, err, raw)
	}
}

func TestReceiver_BindsFreePort(t *testing.T) {
	r := startReceiver(t)
	uri := r.RedirectURI()
	assert.True(t, strings.HasPrefix(uri, "http://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(uri, "/callback"))
	assert.NotContains(t, uri, ":0/")
}

func TestReceiver_PublishesToAllSubscribers(t *testing.T) {
	r := startReceiver(t)
	a, unsubA := r.Subscribe()
	defer unsubA()
	b, unsubB := r.Subscribe()
	defer unsubB()

	resp, err := http.Get(r.RedirectURI() + "?code=abc&state=S")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Authorization received")
	assert.NotContains(t, string(body), "Signed in", "the code is not validated yet")
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	want := r.RedirectURI() + "?code=abc&state=S"
	assert.Equal(t, want, receive(t, a))
	assert.Equal(t, want, receive(t, b))
}

func TestReceiver_ErrorLandingPageEscapesInput(t *testing.T) {
	r := startReceiver(t)
	ch, unsub := r.Subscribe()
	defer unsub()

	resp, err := http.Get(r.RedirectURI() + "?error=access_denied&error_description=%3Cscript%3Ex%3C%2Fscript%3E&state=S")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Sign-in failed")
	assert.NotContains(t, string(body), "<script>")
	assert.Contains(t, receive(t, ch), "error=access_denied")
}

func TestReceiver_OtherPathsAndMethods(t *testing.T) {
	r := startReceiver(t)
	ch, unsub := r.Subscribe()
	defer unsub()

	base := strings.TrimSuffix(r.RedirectURI(), "/callback")
	resp, err := http.Get(base + "/favicon.ico")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(r.RedirectURI(), "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	select {
	case raw := <-ch:
		t.Fatalf("unexpected publish %q", raw)
	default:
	}
}

func TestReceiver_StopClosesSubscribers(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r, err := NewReceiver("http://127.0.0.1:0/callback", WithReceiverLogger(logger))
	require.NoError(t, err)
	require.NoError(t, r.Start())
	ch, unsub := r.Subscribe()

	require.NoError(t, r.Stop(context.Background()))
	_, ok := <-ch
	assert.False(t, ok)
	unsub()

	late, _ := r.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after stop yields a closed channel")
	assert.Error(t, r.Start())
	assert.NoError(t, r.Stop(context.Background()))
}

func TestReceiver_UnsubscribeClosesChannel(t *testing.T) {
	r := startReceiver(t)
	ch, unsub := r.Subscribe()
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
}

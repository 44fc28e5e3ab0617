// Package httpclient holds the process-wide HTTP clients used for talking
// to the video origins, tuned once and shared.
package httpclient

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var (
	defaultClient    *http.Client
	noRedirectClient *http.Client
)

func init() {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
	}
	defaultClient = &http.Client{
		Timeout:   DefaultTimeout,
		Transport: transport,
	}
	noRedirectClient = &http.Client{
		// No overall timeout: proxied video bodies legitimately stream for
		// minutes. Stall detection is the fetcher's per-read deadline.
		Transport: transport.Clone(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Default returns the shared client for short requests with a total timeout.
func Default() *http.Client {
	return defaultClient
}

// NoRedirect returns the shared client the fetcher proxies through: redirects
// are surfaced to the caller as-is (the downstream client must see the 3xx,
// not our hop following it) and there is no whole-request timeout.
func NoRedirect() *http.Client {
	return noRedirectClient
}

// WithTimeout returns a client with the given timeout and the same transport
// tuning as Default.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}

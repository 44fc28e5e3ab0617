package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoRedirectSurfacesRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hop" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := NoRedirect().Get(srv.URL + "/hop")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/final", resp.Header.Get("Location"))

	resp2, err := Default().Get(srv.URL + "/hop")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode, "default client follows")
}

func TestWithTimeout(t *testing.T) {
	c := WithTimeout(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.Timeout)
	assert.NotSame(t, Default(), c)
	assert.NotNil(t, c.Transport)
}

func TestHostLimiterPaces(t *testing.T) {
	// 2 requests of headroom, then 50/s: the third Wait must block ~20ms.
	l := NewHostLimiter(50, 2)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx, "http://origin.example/files/x"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestHostLimiterPerHost(t *testing.T) {
	l := NewHostLimiter(1, 1)
	ctx := context.Background()

	// Different hosts do not share a bucket.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "http://a.example"))
	require.NoError(t, l.Wait(ctx, "http://b.example"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestHostLimiterDisabled(t *testing.T) {
	l := NewHostLimiter(0, 0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "http://a.example"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	var nilLimiter *HostLimiter
	assert.NoError(t, nilLimiter.Wait(context.Background(), "http://a.example"))
}

func TestHostLimiterCancelled(t *testing.T) {
	l := NewHostLimiter(0.001, 1)
	require.NoError(t, l.Wait(context.Background(), "http://a.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "http://a.example"))
}

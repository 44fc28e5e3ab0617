package fetch

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayadance/wanna-cdn/internal/cache"
	"github.com/ayadance/wanna-cdn/internal/config"
)

func testFetcher(keepMax int64) *Fetcher {
	return New(&config.Config{
		UASuffix:            " wanna-cdn",
		KeepOnDisconnectMax: keepMax,
	})
}

func testSession(t *testing.T, content []byte) (*Session, string) {
	t.Helper()
	base := t.TempDir()
	sum := md5.Sum(content)
	etag := hex.EncodeToString(sum[:])
	s := NewSession(7, cache.Status{
		DownloadTmp:  filepath.Join(base, "cache", "9999_7-"+etag+".mp4"),
		VideoPath:    filepath.Join(base, "song", "7", "video.mp4"),
		MetadataPath: filepath.Join(base, "song", "7", "metadata.json"),
	}, etag, int64(len(content)))
	return s, etag
}

func TestProxyTeeMirrorsUpstream(t *testing.T) {
	var gotUA, gotHost, gotINM string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotHost = r.Host
		gotINM = r.Header.Get("If-None-Match")
		assert.Equal(t, "/files/2403/7-abc.mp4?e=x&s=1", r.URL.RequestURI())
		w.Header().Set("X-Origin", "jd")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not here"))
	}))
	defer upstream.Close()

	f := testFetcher(2 << 30)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/2403/7-abc.mp4?e=x&s=1", nil)
	req.Header.Set("User-Agent", "VRChat/1.0")
	req.Header.Set("If-None-Match", `"abc"`)

	up := config.Upstream{Name: "domestic", BaseURL: upstream.URL, HostOverride: "jd-origin.kiva.moe"}
	require.NoError(t, f.ProxyTee(rec, req, up, nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "jd", rec.Header().Get("X-Origin"))
	assert.Equal(t, "not here", rec.Body.String())
	assert.Equal(t, "VRChat/1.0 wanna-cdn", gotUA)
	assert.Equal(t, "jd-origin.kiva.moe", gotHost)
	assert.Empty(t, gotINM, "conditional headers are stripped by default")
}

func TestProxyTeeDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.example/file.mp4", http.StatusFound)
	}))
	defer upstream.Close()

	f := testFetcher(2 << 30)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/2403/7-abc.mp4", nil)
	require.NoError(t, f.ProxyTee(rec, req, config.Upstream{BaseURL: upstream.URL}, nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://elsewhere.example/file.mp4", rec.Header().Get("Location"))
}

func TestProxyTeePublishes(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer upstream.Close()

	f := testFetcher(2 << 30)
	s, etag := testSession(t, content)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/2403/7-"+etag+".mp4", nil)
	require.NoError(t, f.ProxyTee(rec, req, config.Upstream{BaseURL: upstream.URL}, s))

	assert.Equal(t, content, rec.Body.Bytes(), "client receives the full body")

	published, err := os.ReadFile(s.VideoPath)
	require.NoError(t, err)
	assert.Equal(t, content, published)

	song, err := cache.ReadSong(s.MetadataPath)
	require.NoError(t, err)
	assert.Equal(t, cache.SongID(7), song.ID)
	assert.Equal(t, etag, song.Checksum)
	assert.Equal(t, "7", song.Title)

	_, err = os.Stat(s.DownloadTmp)
	assert.True(t, os.IsNotExist(err), "staging file is removed after publish")
	assert.Equal(t, StateCleanedUp, s.State())
}

func TestProxyTeeChecksumMismatch(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer upstream.Close()

	f := testFetcher(2 << 30)
	s, _ := testSession(t, content)
	s.ExpectedETag = "0123456789abcdef0123456789abcdef"

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/2403/7-x.mp4", nil)
	require.NoError(t, f.ProxyTee(rec, req, config.Upstream{BaseURL: upstream.URL}, s))

	assert.Equal(t, content, rec.Body.Bytes(), "mismatch never breaks the proxied response")
	_, err := os.Stat(s.VideoPath)
	assert.True(t, os.IsNotExist(err), "nothing published")
	_, err = os.Stat(s.DownloadTmp)
	assert.NoError(t, err, "staging file is left for inspection")
	assert.Equal(t, StateChecksumMismatch, s.State())
}

func TestProxyTeeShortBody(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content[:10])
	}))
	defer upstream.Close()

	f := testFetcher(2 << 30)
	s, _ := testSession(t, content)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/2403/7-x.mp4", nil)
	require.NoError(t, f.ProxyTee(rec, req, config.Upstream{BaseURL: upstream.URL}, s))

	_, err := os.Stat(s.VideoPath)
	assert.True(t, os.IsNotExist(err), "short bodies never publish")
	assert.Equal(t, StateUpstreamError, s.State())
}

func TestProxyTeeNon200SkipsCapture(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "origin says no", http.StatusForbidden)
	}))
	defer upstream.Close()

	f := testFetcher(2 << 30)
	s, _ := testSession(t, []byte("whatever"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/2403/7-x.mp4", nil)
	require.NoError(t, f.ProxyTee(rec, req, config.Upstream{BaseURL: upstream.URL}, s))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	_, err := os.Stat(s.DownloadTmp)
	assert.True(t, os.IsNotExist(err), "error bodies are not staged")
}

// brokenWriter fails every write after the first n bytes, standing in for
// a client that disconnected mid-download.
type brokenWriter struct {
	http.ResponseWriter
	budget int
}

func (b *brokenWriter) Write(p []byte) (int, error) {
	if b.budget <= 0 {
		return 0, syscall.EPIPE
	}
	if len(p) <= b.budget {
		n, err := b.ResponseWriter.Write(p)
		b.budget -= n
		return n, err
	}
	n, _ := b.ResponseWriter.Write(p[:b.budget])
	b.budget = 0
	return n, syscall.EPIPE
}

func TestProxyTeeClientDisconnectKeepsCaching(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content[:8])
		w.(http.Flusher).Flush()
		w.Write(content[8:])
	}))
	defer upstream.Close()

	f := testFetcher(2 << 30)
	s, etag := testSession(t, content)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/2403/7-x.mp4", nil)
	w := &brokenWriter{ResponseWriter: rec, budget: 8}
	require.NoError(t, f.ProxyTee(w, req, config.Upstream{BaseURL: upstream.URL}, s))

	published, err := os.ReadFile(s.VideoPath)
	require.NoError(t, err, "capture must finish although the client is gone")
	assert.Equal(t, content, published)

	song, err := cache.ReadSong(s.MetadataPath)
	require.NoError(t, err)
	assert.Equal(t, etag, song.Checksum)
}

func TestProxyTeeClientDisconnectAbortsLargeFetch(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content[:8])
		w.(http.Flusher).Flush()
		w.Write(content[8:])
	}))
	defer upstream.Close()

	f := testFetcher(1) // everything is over the keep-on-disconnect bound
	s, _ := testSession(t, content)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/files/2403/7-x.mp4", nil)
	w := &brokenWriter{ResponseWriter: rec, budget: 8}
	require.NoError(t, f.ProxyTee(w, req, config.Upstream{BaseURL: upstream.URL}, s))

	_, err := os.Stat(s.VideoPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.DownloadTmp)
	assert.True(t, os.IsNotExist(err), "abandoned staging file is discarded")
	assert.Equal(t, StateAborted, s.State())
}

func TestHumanUnits(t *testing.T) {
	assert.Equal(t, "0.00 B", humanSize(0))
	assert.Equal(t, "999.00 B", humanSize(999))
	assert.Equal(t, "1.00 KB", humanSize(1000))
	assert.Equal(t, "2.15 MB", humanSize(2150000))
	assert.Equal(t, "1.00 TB", humanSize(1e12))
	assert.Equal(t, "34.09 MB/s", humanRate(34090000))
	assert.Equal(t, "12.00 B/s", humanRate(12))
}

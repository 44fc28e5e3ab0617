package httprange

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	const size = 1000
	tests := []struct {
		header     string
		start, end int64
	}{
		{"bytes=0-499", 0, 499},
		{"bytes=500-", 500, 999},
		{"bytes=0-", 0, 999},
		{"bytes=-500", 500, 999},
		{"bytes=-2000", 0, 999},   // suffix longer than the file
		{"bytes=0-1999", 0, 999},  // end clamped
		{"bytes=0-0", 0, 0},
		{"bytes=999-999", 999, 999},
		{"bytes= 10 - 19 ", 10, 19},
	}
	for _, tt := range tests {
		r, err := ParseRange(tt.header, size)
		require.NoError(t, err, "header %q", tt.header)
		assert.Equal(t, Range{tt.start, tt.end}, r, "header %q", tt.header)
	}
}

func TestParseRangeInvalid(t *testing.T) {
	const size = 1000
	for _, header := range []string{
		"",
		"bytes",
		"bytes=",
		"chunks=0-499",
		"bytes=0-499,500-999",
		"bytes=500-499",
		"bytes=1000-",
		"bytes=1000-1005",
		"bytes=-0",
		"bytes=-",
		"bytes=abc-",
		"bytes=0-def",
		"bytes=--5",
	} {
		_, err := ParseRange(header, size)
		assert.ErrorIs(t, err, ErrInvalid, "header %q", header)
	}
}

func TestRangeHelpers(t *testing.T) {
	r := Range{Start: 4, End: 9}
	assert.Equal(t, int64(6), r.Length())
	assert.Equal(t, "bytes 4-9/26", r.ContentRange(26))
}

func writeTestFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestServeFileFull(t *testing.T) {
	content := []byte("abcdefghijklmnopqrstuvwxyz")
	path := writeTestFile(t, content)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v/1-x.mp4", nil)
	require.NoError(t, ServeFile(rec, req, path, "video/mp4"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "26", rec.Header().Get("Content-Length"))
	assert.Equal(t, content, rec.Body.Bytes())
}

func TestServeFilePartial(t *testing.T) {
	path := writeTestFile(t, []byte("abcdefghijklmnopqrstuvwxyz"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v/1-x.mp4", nil)
	req.Header.Set("Range", "bytes=4-9")
	require.NoError(t, ServeFile(rec, req, path, "video/mp4"))

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 4-9/26", rec.Header().Get("Content-Range"))
	assert.Equal(t, "6", rec.Header().Get("Content-Length"))
	assert.Equal(t, "efghij", rec.Body.String())
}

func TestServeFileSuffixRange(t *testing.T) {
	path := writeTestFile(t, []byte("abcdefghijklmnopqrstuvwxyz"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v/1-x.mp4", nil)
	req.Header.Set("Range", "bytes=-5")
	require.NoError(t, ServeFile(rec, req, path, "video/mp4"))

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 21-25/26", rec.Header().Get("Content-Range"))
	assert.Equal(t, "vwxyz", rec.Body.String())
}

func TestServeFileOpenEndedRange(t *testing.T) {
	path := writeTestFile(t, []byte("abcdefghijklmnopqrstuvwxyz"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v/1-x.mp4", nil)
	req.Header.Set("Range", "bytes=20-")
	require.NoError(t, ServeFile(rec, req, path, "video/mp4"))

	assert.Equal(t, "uvwxyz", rec.Body.String())
}

func TestServeFileBadRange(t *testing.T) {
	path := writeTestFile(t, []byte("abcdefghijklmnopqrstuvwxyz"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v/1-x.mp4", nil)
	req.Header.Set("Range", "bytes=zzz")
	err := ServeFile(rec, req, path, "video/mp4")
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Zero(t, rec.Body.Len(), "nothing may be written before the caller's 400")
	assert.Empty(t, rec.Header().Get("Content-Type"))
}

func TestServeFileMissing(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v/1-x.mp4", nil)
	err := ServeFile(rec, req, filepath.Join(t.TempDir(), "gone.mp4"), "video/mp4")
	assert.True(t, os.IsNotExist(err))
}

func TestServeFileHead(t *testing.T) {
	path := writeTestFile(t, []byte("abcdefghijklmnopqrstuvwxyz"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodHead, "/v/1-x.mp4", nil)
	require.NoError(t, ServeFile(rec, req, path, "video/mp4"))
	assert.Equal(t, "26", rec.Header().Get("Content-Length"))
	assert.Zero(t, rec.Body.Len())
}

func TestServeFileSpansChunks(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 8192) // 128 KiB
	path := writeTestFile(t, content)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v/1-x.mp4", nil)
	req.Header.Set("Range", "bytes=10000-100000")
	require.NoError(t, ServeFile(rec, req, path, "video/mp4"))

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, content[10000:100001], rec.Body.Bytes())
}

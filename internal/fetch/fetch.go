// Package fetch streams cache misses from an upstream origin to the client
// while capturing the bytes into the local cache. The capture is a tee: the
// client never waits on cache writes, and a failed capture never breaks the
// proxied response.
package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ayadance/wanna-cdn/internal/cache"
	"github.com/ayadance/wanna-cdn/internal/config"
	"github.com/ayadance/wanna-cdn/internal/httpclient"
	"github.com/ayadance/wanna-cdn/internal/log"
	"github.com/ayadance/wanna-cdn/internal/metrics"
)

// stallTimeout aborts an upstream read that makes no progress. There is no
// whole-request timeout: large videos stream for as long as they stream.
const stallTimeout = 60 * time.Second

// State tracks a capture session through its life. Transitions are logged
// at debug level.
type State int

const (
	StateInit State = iota
	StateDispatched
	StateStreaming
	StateWroteChunk
	StateUpstreamError
	StateCompleteBytes
	StateFsynced
	StateVerified
	StatePublished
	StateCleanedUp
	StateChecksumMismatch
	StateAborted
)

var stateNames = map[State]string{
	StateInit:             "init",
	StateDispatched:       "dispatched",
	StateStreaming:        "streaming",
	StateWroteChunk:       "wrote_chunk",
	StateUpstreamError:    "upstream_error",
	StateCompleteBytes:    "complete_bytes",
	StateFsynced:          "fsynced",
	StateVerified:         "verified",
	StatePublished:        "published",
	StateCleanedUp:        "cleaned_up",
	StateChecksumMismatch: "checksum_mismatch",
	StateAborted:          "aborted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Session is one capture attempt: where the bytes stage, what they must
// add up to, and where they go once verified. Concurrent fetches of the
// same song stay isolated because DownloadTmp embeds the client port.
type Session struct {
	ID           cache.SongID
	DownloadTmp  string
	ExpectedSize int64
	ExpectedETag string
	VideoPath    string
	MetadataPath string

	state State
}

// NewSession builds a Session from a cache status probe and the request's
// expectations.
func NewSession(id cache.SongID, st cache.Status, etag string, size int64) *Session {
	return &Session{
		ID:           id,
		DownloadTmp:  st.DownloadTmp,
		ExpectedSize: size,
		ExpectedETag: etag,
		VideoPath:    st.VideoPath,
		MetadataPath: st.MetadataPath,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Fetcher proxies requests to the configured origins.
type Fetcher struct {
	client  *http.Client
	limiter *httpclient.HostLimiter
	logger  zerolog.Logger

	uaSuffix         string
	keepConditional  bool
	keepOnDisconnect int64
}

// New builds a Fetcher from config. The HTTP client never follows
// redirects; the downstream client must see the origin's 3xx itself.
func New(cfg *config.Config) *Fetcher {
	return &Fetcher{
		client:           httpclient.NoRedirect(),
		limiter:          httpclient.NewHostLimiter(cfg.FetchRate, cfg.FetchBurst),
		logger:           log.WithComponent("fetch"),
		uaSuffix:         cfg.UASuffix,
		keepConditional:  cfg.FetchConditional,
		keepOnDisconnect: cfg.KeepOnDisconnectMax,
	}
}

// ProxyTee forwards r to the upstream and mirrors status, headers and body
// downstream. With a session and a 200 upstream answer, every chunk is also
// staged to session.DownloadTmp; when the byte count completes, the staged
// file is verified against ExpectedETag and published into the cache.
//
// A non-nil error means nothing has been written downstream yet and the
// caller still owns the response. After the first byte, failures are
// handled here: the body just ends short and the connection drops.
func (f *Fetcher) ProxyTee(w http.ResponseWriter, r *http.Request, upstream config.Upstream, session *Session) error {
	keepCaching := session != nil && r.Method == http.MethodGet &&
		session.ExpectedSize > 0 && session.ExpectedSize <= f.keepOnDisconnect

	// While capturing we deliberately outlive the client: a disconnect
	// mid-download should still fill the cache for the next request.
	base := r.Context()
	if keepCaching {
		base = context.WithoutCancel(base)
	}
	ctx, cancel := context.WithCancel(base)
	defer cancel()

	if err := f.limiter.Wait(ctx, upstream.BaseURL); err != nil {
		return err
	}

	req, err := f.buildRequest(ctx, r, upstream)
	if err != nil {
		return err
	}
	f.transition(session, StateDispatched)

	resp, err := f.client.Do(req)
	if err != nil {
		f.transition(session, StateUpstreamError)
		metrics.FetchOutcomeTotal.WithLabelValues("upstream_error").Inc()
		return err
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return nil
	}

	metrics.FetchInFlight.Inc()
	defer metrics.FetchInFlight.Dec()

	// Only a plain 200 carries the full object the session describes.
	// Error pages and ranged answers pass through without staging.
	if session == nil || resp.StatusCode != http.StatusOK {
		f.passthrough(w, resp.Body)
		return nil
	}
	f.tee(ctx, cancel, w, resp.Body, session, keepCaching)
	return nil
}

func (f *Fetcher) buildRequest(ctx context.Context, r *http.Request, upstream config.Upstream) (*http.Request, error) {
	url := strings.TrimRight(upstream.BaseURL, "/") + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(ctx, r.Method, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Del("Connection")
	req.Header.Set("User-Agent", r.UserAgent()+f.uaSuffix)
	if !f.keepConditional {
		// A 304 has no body to capture; force the origin to send bytes.
		req.Header.Del("If-None-Match")
		req.Header.Del("If-Modified-Since")
	}
	if upstream.HostOverride != "" {
		req.Host = upstream.HostOverride
	}
	return req, nil
}

// passthrough mirrors the body with no capture.
func (f *Fetcher) passthrough(w http.ResponseWriter, body io.Reader) {
	if _, err := io.Copy(w, body); err != nil && !clientGone(err) {
		f.logger.Warn().Err(err).Msg("passthrough copy ended early")
	}
	metrics.FetchOutcomeTotal.WithLabelValues("passthrough").Inc()
}

// tee is the capture loop: every upstream chunk goes downstream and into
// the staging file. cancel aborts the upstream read; the stall guard arms
// it whenever 60s pass without progress.
func (f *Fetcher) tee(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, body io.Reader, s *Session, keepCaching bool) {
	tmp, err := openStaging(s.DownloadTmp)
	if err != nil {
		// Capture is best-effort: stream on without it.
		f.logger.Warn().Err(err).Str("tmp", s.DownloadTmp).Msg("cannot open staging file, passing through")
		f.passthrough(w, body)
		return
	}
	defer tmp.Close()

	f.transition(s, StateStreaming)

	stall := time.AfterFunc(stallTimeout, cancel)
	defer stall.Stop()

	var (
		total      int64
		downstream io.Writer = w
		start                = time.Now()
		buf                  = make([]byte, 32*1024)
	)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			stall.Reset(stallTimeout)
			total += int64(n)
			metrics.FetchBytesTotal.Add(float64(n))

			if _, werr := tmp.Write(buf[:n]); werr != nil {
				f.logger.Warn().Err(werr).Str("tmp", s.DownloadTmp).Msg("staging write failed")
			}
			f.transition(s, StateWroteChunk)
			f.logger.Debug().
				Int64("written", total).
				Int64("expected", s.ExpectedSize).
				Str("tmp", s.DownloadTmp).
				Msg("wrote chunk")

			if downstream != nil {
				if _, werr := downstream.Write(buf[:n]); werr != nil {
					if !keepCaching {
						f.logger.Debug().Err(werr).Uint32("id", uint32(s.ID)).Msg("client gone, discarding capture")
						f.abort(s, tmp)
						return
					}
					f.logger.Info().Err(werr).Uint32("id", uint32(s.ID)).Msg("client gone, capture continues")
					downstream = nil
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.logger.Warn().Err(rerr).Uint32("id", uint32(s.ID)).Int64("written", total).Msg("upstream stream failed")
			f.transition(s, StateUpstreamError)
			metrics.FetchOutcomeTotal.WithLabelValues("upstream_error").Inc()
			return
		}
	}

	if total < s.ExpectedSize {
		f.logger.Warn().
			Int64("written", total).
			Int64("expected", s.ExpectedSize).
			Uint32("id", uint32(s.ID)).
			Msg("upstream ended short of the expected size")
		f.transition(s, StateUpstreamError)
		metrics.FetchOutcomeTotal.WithLabelValues("upstream_error").Inc()
		return
	}

	f.transition(s, StateCompleteBytes)
	elapsed := time.Since(start).Seconds()
	rate := float64(total)
	if elapsed > 0 {
		rate = float64(total) / elapsed
	}
	f.logger.Info().
		Str("size", humanSize(float64(total))).
		Str("speed", humanRate(rate)).
		Str("tmp", s.DownloadTmp).
		Uint32("id", uint32(s.ID)).
		Msg("finished fetching to cache file")

	f.publish(s, tmp)
}

// abort discards a capture whose client went away before completion.
func (f *Fetcher) abort(s *Session, tmp *os.File) {
	tmp.Close()
	if err := os.Remove(s.DownloadTmp); err != nil && !os.IsNotExist(err) {
		f.logger.Warn().Err(err).Str("tmp", s.DownloadTmp).Msg("could not remove abandoned staging file")
	}
	f.transition(s, StateAborted)
	metrics.FetchOutcomeTotal.WithLabelValues("aborted").Inc()
}

// publish verifies the staged bytes and installs them into the cache:
// fsync, md5 against the expected ETag, then an explicit copy (the cache
// may live on another filesystem, so no rename) plus synthetic metadata.
// The staging file is only removed after a successful install; a mismatch
// leaves it behind for inspection.
func (f *Fetcher) publish(s *Session, tmp *os.File) {
	if err := tmp.Sync(); err != nil {
		f.logger.Warn().Err(err).Str("tmp", s.DownloadTmp).Msg("fsync failed")
	}
	f.transition(s, StateFsynced)

	sum, err := fileMD5(s.DownloadTmp)
	if err != nil {
		f.logger.Warn().Err(err).Str("tmp", s.DownloadTmp).Msg("cannot hash staged file")
		return
	}
	if !strings.EqualFold(sum, s.ExpectedETag) {
		f.logger.Warn().
			Str("got", sum).
			Str("want", s.ExpectedETag).
			Str("tmp", s.DownloadTmp).
			Uint32("id", uint32(s.ID)).
			Msg("checksum mismatch, not publishing")
		f.transition(s, StateChecksumMismatch)
		metrics.FetchOutcomeTotal.WithLabelValues("checksum_mismatch").Inc()
		return
	}
	f.transition(s, StateVerified)

	if err := copyFile(s.DownloadTmp, s.VideoPath); err != nil {
		f.logger.Warn().Err(err).Str("video", s.VideoPath).Msg("cannot install video into cache")
		return
	}
	if err := cache.WriteSong(s.MetadataPath, cache.SyntheticSong(s.ID, s.ExpectedETag)); err != nil {
		f.logger.Warn().Err(err).Str("metadata", s.MetadataPath).Msg("cannot write metadata")
		return
	}
	f.transition(s, StatePublished)
	metrics.FetchOutcomeTotal.WithLabelValues("published").Inc()

	if err := os.Remove(s.DownloadTmp); err != nil {
		f.logger.Warn().Err(err).Str("tmp", s.DownloadTmp).Msg("could not remove staging file")
		return
	}
	f.transition(s, StateCleanedUp)
}

func (f *Fetcher) transition(s *Session, to State) {
	if s == nil || s.state == to {
		return
	}
	s.state = to
	f.logger.Debug().Uint32("id", uint32(s.ID)).Stringer("state", to).Msg("session state")
}

func openStaging(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if k == "Connection" || k == "Transfer-Encoding" {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// clientGone reports whether a downstream write error is just the client
// hanging up, which is routine for video players seeking around.
func clientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset")
}

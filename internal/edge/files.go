package edge

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ayadance/wanna-cdn/internal/cache"
	"github.com/ayadance/wanna-cdn/internal/fetch"
	"github.com/ayadance/wanna-cdn/internal/metrics"
)

// handleFiles is the mirror surface the client's downloader hits:
// /files/{date}/{basename}?e={etag}&s={size}. A satisfied local copy is
// served directly; anything else streams from the origin while the bytes
// are captured into the cache.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	basename := chi.URLParam(r, "basename")
	id, err := cache.IDFromBasename(basename)
	if err != nil {
		s.oops(w, r, "bad file basename", err)
		return
	}

	etag := r.URL.Query().Get("e")
	size, _ := strconv.ParseInt(r.URL.Query().Get("s"), 10, 64)

	st := s.Index.LocalStatus(id, basename, etag, size, clientPort(r))
	if st.Satisfied {
		metrics.CacheResolveTotal.WithLabelValues("local_hit").Inc()
		// Resolve again rather than trusting st.VideoPath: an override
		// satisfies the status probe but lives at its own path.
		if res := s.Index.Resolve(id); res.Available {
			s.serveVideo(w, r, res.Video.VideoPath)
			return
		}
		// Vanished between probe and serve; fall through to the origin.
	}

	// The expectations are what publish verifies against; without both
	// there is nothing to verify, so mirror without capturing.
	var session *fetch.Session
	if etag != "" && size > 0 {
		session = fetch.NewSession(id, st, etag, size)
	}

	upstream := s.Config.UpstreamFor(r.Host)
	if upstream.BaseURL == "" {
		s.logger.Error().Str("host", r.Host).Msg("no upstream configured for mirror request")
		http.Error(w, "no upstream", http.StatusBadGateway)
		return
	}
	if err := s.Fetcher.ProxyTee(w, r, upstream, session); err != nil {
		s.logger.Warn().Err(err).Uint32("id", uint32(id)).Str("upstream", upstream.Name).
			Msg("upstream dispatch failed")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
}

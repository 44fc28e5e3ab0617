package edge

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ayadance/wanna-cdn/internal/cache"
	"github.com/ayadance/wanna-cdn/internal/metrics"
)

// handleHello is the greeting probe the client uses to detect the edge.
func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	fmt.Fprintf(w, "Hello %s, this is WannaDance server %s!", clientIP(r), version)
}

// handleVideoGateway answers /api/{version}/videos/{id}.mp4: a 302 either
// into our tokened delivery path or out to the origin.
func (s *Server) handleVideoGateway(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	id, err := cache.ParseSongID(strings.TrimSuffix(file, ".mp4"))
	if err != nil {
		s.oops(w, r, "bad video id", err)
		return
	}
	s.gateway(w, r, id, s.Config.FallbackAya+"?id="+id.String())
}

// handlePlayGateway answers /Api/Songs/play?id={id} with the same
// semantics under the other client's URL shape.
func (s *Server) handlePlayGateway(w http.ResponseWriter, r *http.Request) {
	id, err := cache.ParseSongID(r.URL.Query().Get("id"))
	if err != nil {
		s.oops(w, r, "bad video id", err)
		return
	}
	s.gateway(w, r, id, fmt.Sprintf("%s/api/v1/videos/%s.mp4", s.Config.FallbackPypy, id))
}

// gateway is the shared fast path: a local hit issues a token and points
// the client at /v/, a miss hands it the origin URL.
func (s *Server) gateway(w http.ResponseWriter, r *http.Request, id cache.SongID, missLocation string) {
	ip := clientIP(r)
	if ip == "" {
		s.oops(w, r, "no client ip", nil)
		return
	}

	res := s.Index.Resolve(id)
	if !res.Available {
		metrics.CacheResolveTotal.WithLabelValues("miss").Inc()
		redirect(w, missLocation)
		return
	}
	checksum, err := s.Index.Checksum(res.Video)
	if err != nil {
		// The entry is there but unreadable; the origin still has it.
		s.logger.Warn().Err(err).Uint32("id", uint32(id)).Msg("cannot derive checksum, redirecting to origin")
		metrics.CacheResolveTotal.WithLabelValues("miss").Inc()
		redirect(w, missLocation)
		return
	}
	metrics.CacheResolveTotal.WithLabelValues(res.Video.Kind.String()).Inc()

	tok := s.Tokens.Issue(uint32(id), checksum, r.UserAgent(), ip)
	location := fmt.Sprintf("/v/%s-%s.mp4?auth=%s&t=aya&auth_key=%s",
		id, checksum, url.QueryEscape(tok), url.QueryEscape(tok))
	redirect(w, location)
}

// handleCatchAll forwards unknown /api paths to the origin verbatim.
func (s *Server) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	redirect(w, s.Config.FallbackPypy+r.URL.Path)
}

package edge

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ayadance/wanna-cdn/internal/cache"
	"github.com/ayadance/wanna-cdn/internal/compensator"
	"github.com/ayadance/wanna-cdn/internal/httprange"
	"github.com/ayadance/wanna-cdn/internal/metrics"
	"github.com/ayadance/wanna-cdn/internal/token"
)

// handleDelivery serves /v/{id}-{checksum}.mp4?auth={token}: the only path
// that hands out cached bytes, and only to a valid token.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	id, checksum, err := parseDeliveryName(chi.URLParam(r, "file"))
	if err != nil {
		s.oops(w, r, "bad delivery name", err)
		return
	}

	if !s.Config.NoAuth {
		tok := r.URL.Query().Get("auth")
		if tok == "" {
			tok = r.URL.Query().Get("auth_key")
		}
		if err := s.Tokens.Verify(tok, uint32(id), checksum); err != nil {
			metrics.TokenVerifyTotal.WithLabelValues(verifyLabel(err)).Inc()
			s.oops(w, r, "token rejected", err)
			return
		}
		metrics.TokenVerifyTotal.WithLabelValues("ok").Inc()
	}

	res := s.Index.Resolve(id)
	if !res.Available {
		// A genuine token for a file we no longer have: either the cache
		// was pruned mid-flight or someone is replaying old URLs.
		s.logger.Warn().
			Uint32("id", uint32(id)).
			Str("remote", r.RemoteAddr).
			Str("checksum", checksum).
			Msg("ATTENTION: valid token for absent file, suspected abuse")
		s.oops(w, r, "file absent", nil)
		return
	}

	path := res.Video.VideoPath
	if s.Compensator != nil && s.Compensator.Enabled() {
		if compensated, err := s.Compensator.Get(r.Context(), id, res.Video, checksum); err == nil {
			path = compensated
		} else if !errors.Is(err, compensator.ErrInFlight) {
			s.logger.Debug().Err(err).Uint32("id", uint32(id)).Msg("serving uncompensated original")
		}
	}

	s.serveVideo(w, r, path)
}

// serveVideo runs the range server and maps its pre-body failures.
func (s *Server) serveVideo(w http.ResponseWriter, r *http.Request, path string) {
	err := httprange.ServeFile(w, r, path, "video/mp4")
	switch {
	case err == nil:
	case errors.Is(err, httprange.ErrInvalid):
		s.oops(w, r, "bad range", err)
	case os.IsNotExist(err):
		s.logger.Warn().Str("path", path).Str("remote", r.RemoteAddr).
			Msg("ATTENTION: file vanished between resolve and serve")
		s.oops(w, r, "file absent", err)
	default:
		s.oops(w, r, "serve failed", err)
	}
}

// parseDeliveryName splits "{id}-{checksum}.mp4". The checksum may contain
// dashes only in theory; the split is at the first dash because ids never
// contain one.
func parseDeliveryName(file string) (cache.SongID, string, error) {
	name, ok := strings.CutSuffix(file, ".mp4")
	if !ok {
		return 0, "", errors.New("delivery name must end in .mp4")
	}
	idPart, checksum, ok := strings.Cut(name, "-")
	if !ok || checksum == "" {
		return 0, "", errors.New("delivery name must be {id}-{checksum}.mp4")
	}
	id, err := cache.ParseSongID(idPart)
	if err != nil {
		return 0, "", err
	}
	return id, checksum, nil
}

func verifyLabel(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrSignatureMismatch):
		return "sig_mismatch"
	default:
		return "malformed"
	}
}

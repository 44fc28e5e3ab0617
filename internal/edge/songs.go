package edge

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// handleSongs serves the song index. The catalog is a few megabytes of
// repetitive JSON, so it compresses well; brotli is applied when the
// client advertises it.
func (s *Server) handleSongs(w http.ResponseWriter, r *http.Request) {
	idx := s.Songs.Index()

	w.Header().Set("Content-Type", "application/json")
	if strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		defer bw.Close()
		if err := json.NewEncoder(bw).Encode(idx); err != nil {
			s.logger.Warn().Err(err).Msg("song index encode failed")
		}
		return
	}
	if err := json.NewEncoder(w).Encode(idx); err != nil {
		s.logger.Warn().Err(err).Msg("song index encode failed")
	}
}

package edge

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ayadance/wanna-cdn/internal/cache"
	"github.com/ayadance/wanna-cdn/internal/receipt"
)

// receiptRequest is the POST body for creating a receipt. Exactly one of
// SongID and SongURL must be set.
type receiptRequest struct {
	Target  string       `json:"target"`
	SongID  cache.SongID `json:"song_id,omitempty"`
	SongURL string       `json:"song_url,omitempty"`
	Sender  string       `json:"sender,omitempty"`
	Message string       `json:"message,omitempty"`
}

func (s *Server) handleReceiptCreate(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")

	var req receiptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
		s.oops(w, r, "bad receipt body", err)
		return
	}
	if req.Target == "" {
		s.oops(w, r, "receipt without target", nil)
		return
	}

	created, err := s.Receipts.Create(room, req.Target,
		receipt.SongRef{ID: req.SongID, URL: req.SongURL}, req.Sender, req.Message)
	switch {
	case err == nil:
	case errors.Is(err, receipt.ErrTooMany):
		http.Error(w, "too many receipts", http.StatusTooManyRequests)
		return
	case errors.Is(err, receipt.ErrDuplicate):
		http.Error(w, "already requested", http.StatusConflict)
		return
	default:
		s.oops(w, r, "receipt rejected", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(created)
}

func (s *Server) handleReceiptList(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Receipts.List(room))
}

func (s *Server) handleReceiptDelete(w http.ResponseWriter, r *http.Request) {
	s.Receipts.Remove(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

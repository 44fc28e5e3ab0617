// Package receipt implements the ephemeral song-request receipts rooms
// exchange through the edge. Receipts live in an expiring map; nothing is
// persisted and a restart forgets them all.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ayadance/wanna-cdn/internal/cache"
	"github.com/ayadance/wanna-cdn/internal/log"
	"github.com/ayadance/wanna-cdn/internal/metrics"
	"github.com/ayadance/wanna-cdn/internal/timedmap"
)

var (
	// ErrTooMany means the sender already has the maximum number of live
	// receipts for this target.
	ErrTooMany = errors.New("receipt cap reached for target")
	// ErrDuplicate means the sender already has a live receipt for this
	// exact song to this target.
	ErrDuplicate = errors.New("duplicate receipt")
	// ErrInvalid covers a bad song reference.
	ErrInvalid = errors.New("invalid receipt")
)

// SongRef names the requested song: exactly one of ID or URL.
type SongRef struct {
	ID  cache.SongID
	URL string
}

func (s SongRef) validate() error {
	if (s.ID == 0) == (s.URL == "") {
		return fmt.Errorf("%w: want exactly one of song_id and song_url", ErrInvalid)
	}
	return nil
}

// Receipt is one live song request. AddedAt and ExpireAt are Unix seconds.
type Receipt struct {
	ID       string       `json:"receipt_id"`
	RoomID   string       `json:"room_id"`
	Target   string       `json:"target"`
	AddedAt  int64        `json:"added_at"`
	ExpireAt int64        `json:"expire_at"`
	SongID   cache.SongID `json:"song_id,omitempty"`
	SongURL  string       `json:"song_url,omitempty"`
	Sender   string       `json:"sender,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// Service manages receipts on top of a timedmap. Safe for concurrent use.
type Service struct {
	receipts     *timedmap.Map[string, Receipt]
	ttl          time.Duration
	maxPerTarget int
	logger       zerolog.Logger
	now          func() time.Time
}

// NewService returns a Service whose receipts expire after ttl and that
// caps live receipts per (target, sender) pair at maxPerTarget.
func NewService(ttl time.Duration, maxPerTarget int) *Service {
	if maxPerTarget < 1 {
		maxPerTarget = 1
	}
	return &Service{
		receipts:     timedmap.New[string, Receipt](),
		ttl:          ttl,
		maxPerTarget: maxPerTarget,
		logger:       log.WithComponent("receipt"),
		now:          time.Now,
	}
}

// StartSweeper launches the background expiry sweep.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	s.receipts.StartSweeper(ctx, interval)
}

// Create registers a new receipt. The same sender may hold at most
// maxPerTarget live receipts toward one target, and never two for the
// same song.
func (s *Service) Create(room, target string, song SongRef, sender, message string) (Receipt, error) {
	if err := song.validate(); err != nil {
		metrics.ReceiptCreateTotal.WithLabelValues("invalid").Inc()
		return Receipt{}, err
	}

	live := s.receipts.Snapshot()
	fromSender := 0
	for _, r := range live {
		if r.RoomID != room || r.Target != target || r.Sender != sender {
			continue
		}
		fromSender++
		if r.SongID == song.ID && r.SongURL == song.URL {
			metrics.ReceiptCreateTotal.WithLabelValues("duplicate").Inc()
			return Receipt{}, fmt.Errorf("%w: sender %q already requested this song for %q",
				ErrDuplicate, sender, target)
		}
	}
	if fromSender >= s.maxPerTarget {
		metrics.ReceiptCreateTotal.WithLabelValues("too_many").Inc()
		return Receipt{}, fmt.Errorf("%w: sender %q has %d live receipts for %q",
			ErrTooMany, sender, fromSender, target)
	}

	id := uuid.NewString()
	for s.receipts.Contains(id) {
		id = uuid.NewString()
	}

	now := s.now()
	r := Receipt{
		ID:       id,
		RoomID:   room,
		Target:   target,
		AddedAt:  now.Unix(),
		ExpireAt: now.Add(s.ttl).Unix(),
		SongID:   song.ID,
		SongURL:  song.URL,
		Sender:   sender,
		Message:  message,
	}
	s.receipts.Set(id, r, s.ttl)
	metrics.ReceiptCreateTotal.WithLabelValues("ok").Inc()
	s.logger.Info().
		Str("receipt", id).
		Str("room", room).
		Str("target", target).
		Uint32("song", uint32(song.ID)).
		Msg("receipt created")
	return r, nil
}

// List returns the live receipts for a room: sender-less ones first, each
// group ordered by creation time.
func (s *Service) List(room string) []Receipt {
	out := make([]Receipt, 0, 8)
	for _, r := range s.receipts.Snapshot() {
		if r.RoomID == room {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Sender == "") != (b.Sender == "") {
			return a.Sender == ""
		}
		if a.AddedAt != b.AddedAt {
			return a.AddedAt < b.AddedAt
		}
		return a.ID < b.ID
	})
	return out
}

// Remove deletes a receipt by id. Returns whether a live receipt existed.
func (s *Service) Remove(id string) bool {
	existed := s.receipts.Contains(id)
	s.receipts.Remove(id)
	return existed
}

package cache

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
)

// Song is the metadata.json schema. The edge consumes id and checksum;
// every other field is carried verbatim for the song index and the client.
type Song struct {
	ID           SongID   `json:"id"`
	Category     uint32   `json:"category"`
	Title        string   `json:"title"`
	CategoryName string   `json:"categoryName"`
	TitleSpell   string   `json:"titleSpell"`
	PlayerIndex  uint32   `json:"playerIndex"`
	Volume       float32  `json:"volume"`
	Start        uint32   `json:"start"`
	End          uint32   `json:"end"`
	Flip         bool     `json:"flip"`
	SkipRandom   bool     `json:"skipRandom"`
	OriginalURL  []string `json:"originalUrl,omitempty"`
	Checksum     string   `json:"checksum,omitempty"`
}

// ReadSong decodes one metadata.json.
func ReadSong(path string) (Song, error) {
	var s Song
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// WriteSong writes metadata.json atomically so a concurrent reader never
// sees a torn file.
func WriteSong(path string, s Song) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// SyntheticSong builds the metadata written when the fetcher captures a
// video the index has never described: checksum from the upstream ETag,
// title from the id, everything else left at schema placeholders.
func SyntheticSong(id SongID, checksum string) Song {
	return Song{
		ID:       id,
		Title:    fmt.Sprintf("%d", id),
		Checksum: checksum,
	}
}

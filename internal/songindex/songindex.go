// Package songindex builds the song catalog the client browses: every
// metadata.json under the video root, grouped into categories. The index is
// rebuilt on demand and when the video root changes on disk.
package songindex

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ayadance/wanna-cdn/internal/cache"
	"github.com/ayadance/wanna-cdn/internal/log"
	"github.com/ayadance/wanna-cdn/internal/metrics"
)

// Category is one browsable group of songs.
type Category struct {
	Title   string       `json:"title"`
	Entries []cache.Song `json:"entries"`
}

// Index is the full catalog as served to clients.
type Index struct {
	UpdatedAt  int64      `json:"updated_at"`
	Categories []Category `json:"categories"`
}

// Build scans {videoRoot}/*/metadata.json into an Index. Unreadable or
// unparsable entries are skipped with a warning; a missing root yields an
// empty index rather than an error.
func Build(videoRoot string) Index {
	logger := log.WithComponent("songindex")
	var songs []cache.Song

	entries, err := os.ReadDir(videoRoot)
	if err != nil {
		logger.Warn().Err(err).Str("root", videoRoot).Msg("cannot scan video root")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(videoRoot, e.Name(), "metadata.json")
		song, err := cache.ReadSong(path)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable metadata")
			}
			continue
		}
		songs = append(songs, song)
	}
	sort.Slice(songs, func(i, j int) bool { return songs[i].ID < songs[j].ID })

	return Index{
		UpdatedAt:  time.Now().Unix(),
		Categories: categorize(songs),
	}
}

// categorize builds the fixed category list: All Songs, Song's Family
// (titles carrying the "[Song]" tag), then one group per categoryName
// sorted by title, entries by id.
func categorize(songs []cache.Song) []Category {
	family := make([]cache.Song, 0)
	byName := make(map[string][]cache.Song)
	for _, s := range songs {
		if strings.Contains(s.Title, "[Song]") {
			family = append(family, s)
		}
		byName[s.CategoryName] = append(byName[s.CategoryName], s)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	categories := make([]Category, 0, len(names)+2)
	categories = append(categories,
		Category{Title: "All Songs", Entries: songs},
		Category{Title: "Song's Family", Entries: family},
	)
	for _, name := range names {
		categories = append(categories, Category{Title: name, Entries: byName[name]})
	}
	return categories
}

// Service caches the built index and coalesces concurrent rebuilds.
type Service struct {
	videoRoot string
	logger    zerolog.Logger

	mu      sync.RWMutex
	current *Index

	rebuilds singleflight.Group
}

// NewService returns a Service over videoRoot. The first Index call builds.
func NewService(videoRoot string) *Service {
	return &Service{
		videoRoot: videoRoot,
		logger:    log.WithComponent("songindex"),
	}
}

// Index returns the current catalog, building it on first use.
func (s *Service) Index() Index {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur != nil {
		return *cur
	}
	return s.Rebuild()
}

// Rebuild scans the video root and swaps in a fresh index. Concurrent
// callers share one scan.
func (s *Service) Rebuild() Index {
	v, _, _ := s.rebuilds.Do("rebuild", func() (any, error) {
		start := time.Now()
		idx := Build(s.videoRoot)
		s.mu.Lock()
		s.current = &idx
		s.mu.Unlock()

		songs := 0
		if len(idx.Categories) > 0 {
			songs = len(idx.Categories[0].Entries)
		}
		metrics.IndexRebuildsTotal.Inc()
		metrics.IndexSongs.Set(float64(songs))
		s.logger.Info().
			Int("songs", songs).
			Dur("took", time.Since(start)).
			Msg("song index rebuilt")
		return idx, nil
	})
	return v.(Index)
}

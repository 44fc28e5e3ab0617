package songindex

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce batches bursts of filesystem events (a capture publishes both a
// video and its metadata) into one rebuild.
const debounce = 2 * time.Second

// Watch rebuilds the index whenever the video root changes: new song
// directories, rewritten metadata.json files, removals. It blocks until
// ctx is done; watcher failures are logged and the watch restarts.
// Failures never propagate, the catalog just goes stale until the next
// explicit rebuild.
func (s *Service) Watch(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.watchOnce(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("index watcher failed, restarting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (s *Service) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(s.videoRoot); err != nil {
		return err
	}
	// Song directories hold the metadata.json files; watch the ones that
	// already exist, new ones are added as their create events arrive.
	entries, _ := os.ReadDir(s.videoRoot)
	for _, e := range entries {
		if e.IsDir() {
			_ = w.Add(filepath.Join(s.videoRoot, e.Name()))
		}
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if relevant(ev) {
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return err
		case <-timer.C:
			s.Rebuild()
		}
	}
}

// relevant filters out noise like in-flight download chunks: only changes
// to metadata.json or to song directories themselves matter.
func relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(ev.Name)
	if base == "metadata.json" {
		return true
	}
	// A created or removed id directory changes the catalog too.
	return filepath.Ext(base) == ""
}

// Package compensator produces audio-offset-compensated derivatives of
// cached videos. Derivatives are keyed by (id, md5, offset) on disk, so a
// re-captured video gets a fresh derivative and stale ones just age out of
// the cache directory. The expensive transform runs at most once per key;
// a request that finds the transform already running falls back to the
// unmodified original instead of waiting.
package compensator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ayadance/wanna-cdn/internal/cache"
	"github.com/ayadance/wanna-cdn/internal/log"
	"github.com/ayadance/wanna-cdn/internal/metrics"
)

// ErrInFlight means another request is already building this derivative.
// Callers serve the original and let that request finish the work.
var ErrInFlight = errors.New("compensation already running for this video")

// Runner is the external transform. Compensate must leave a playable file
// at out on success and may leave nothing on failure.
type Runner interface {
	Compensate(ctx context.Context, in, out string, offset float64) error
}

// task identifies one in-flight transform. Equality on the whole tuple: a
// re-captured video (new md5 or path) is a different task.
type task struct {
	id     cache.SongID
	md5    string
	input  string
	offset float64
}

// Cache deduplicates derivative builds over a cache.Index.
type Cache struct {
	index  *cache.Index
	runner Runner
	offset float64
	logger zerolog.Logger

	mu      sync.Mutex
	running map[task]struct{}
}

// New builds a Cache applying the configured offset. A zero offset
// disables compensation: Enabled reports false and Get refuses work.
func New(index *cache.Index, runner Runner, offset float64) *Cache {
	return &Cache{
		index:   index,
		runner:  runner,
		offset:  offset,
		logger:  log.WithComponent("compensator"),
		running: make(map[task]struct{}),
	}
}

// Enabled reports whether an audio offset is configured.
func (c *Cache) Enabled() bool {
	return c.offset != 0
}

// Get returns the path of the compensated derivative for v, building it if
// needed. md5 may be empty, in which case it is derived from the cache
// entry. ErrInFlight means another request is already building it; any
// other error means the build failed. Either way the caller serves the
// original.
func (c *Cache) Get(ctx context.Context, id cache.SongID, v cache.Video, md5 string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("audio compensation is disabled")
	}
	if md5 == "" {
		sum, err := c.index.Checksum(v)
		if err != nil {
			return "", fmt.Errorf("checksum for song %d: %w", id, err)
		}
		md5 = sum
	}

	out := c.index.DerivativePath(id, md5, c.offset)
	if fileExists(out) {
		metrics.CompensateTotal.WithLabelValues("hit").Inc()
		return out, nil
	}

	t := task{id: id, md5: md5, input: v.VideoPath, offset: c.offset}
	c.mu.Lock()
	// Double-check under the lock: a racing request may have finished the
	// build between the probe above and here.
	if fileExists(out) {
		c.mu.Unlock()
		metrics.CompensateTotal.WithLabelValues("hit").Inc()
		return out, nil
	}
	if _, busy := c.running[t]; busy {
		c.mu.Unlock()
		metrics.CompensateTotal.WithLabelValues("in_flight").Inc()
		return "", fmt.Errorf("%w: song %d offset %g", ErrInFlight, id, c.offset)
	}
	c.running[t] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.running, t)
		c.mu.Unlock()
	}()

	if err := os.MkdirAll(c.index.CacheRoot, 0o755); err != nil {
		metrics.CompensateTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("create cache root: %w", err)
	}

	start := time.Now()
	if err := c.runner.Compensate(ctx, v.VideoPath, out, c.offset); err != nil {
		metrics.CompensateTotal.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).
			Uint32("id", uint32(id)).
			Float64("offset", c.offset).
			Msg("compensation failed, serving original")
		return "", fmt.Errorf("compensate song %d: %w", id, err)
	}
	metrics.CompensateTotal.WithLabelValues("built").Inc()
	c.logger.Info().
		Uint32("id", uint32(id)).
		Float64("offset", c.offset).
		Dur("took", time.Since(start)).
		Str("out", out).
		Msg("built compensated derivative")
	return out, nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// FFmpegRunner shells out to ffmpeg in two phases: first shift the audio
// against a copied video track, then remux the result into a clean file.
// The intermediate "-nocopy" file is removed afterwards; failing to remove
// it is only worth a warning.
type FFmpegRunner struct {
	Binary string
	logger zerolog.Logger
}

// NewFFmpegRunner uses the given ffmpeg binary ("ffmpeg" to take it from
// PATH).
func NewFFmpegRunner(binary string) *FFmpegRunner {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegRunner{Binary: binary, logger: log.WithComponent("ffmpeg")}
}

// Compensate implements Runner.
func (r *FFmpegRunner) Compensate(ctx context.Context, in, out string, offset float64) error {
	stage1 := strings.TrimSuffix(out, ".mp4") + "-nocopy.mp4"

	// Phase one: re-encode audio shifted by the offset, video untouched.
	if err := r.run(ctx,
		"-y", "-i", in,
		"-itsoffset", fmt.Sprintf("%g", offset),
		"-i", in,
		"-map", "0:v", "-map", "1:a",
		"-c:v", "copy", "-c:a", "aac",
		stage1,
	); err != nil {
		return fmt.Errorf("audio shift: %w", err)
	}

	// Phase two: remux so the file is faststart-clean for range serving.
	if err := r.run(ctx,
		"-y", "-i", stage1,
		"-c", "copy", "-movflags", "+faststart",
		out,
	); err != nil {
		return fmt.Errorf("remux: %w", err)
	}

	if err := os.Remove(stage1); err != nil && !os.IsNotExist(err) {
		r.logger.Warn().Err(err).Str("path", stage1).Msg("could not remove intermediate file")
	}
	return nil
}

func (r *FFmpegRunner) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, r.Binary, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", r.Binary, err, strings.TrimSpace(string(out)))
	}
	return nil
}

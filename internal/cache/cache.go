// Package cache resolves song ids against the on-disk video layout and
// gates whether a locally cached copy satisfies a request. It is a pure
// view over the filesystem; nothing here touches the network or keeps
// in-memory state.
//
// Layout:
//
//	{video_root}/{id}/video.mp4
//	{video_root}/{id}/metadata.json
//	{override_root}/{id}.mp4                          optional shadow
//	{cache_root}/{port}_{basename}                    in-flight downloads
//	{cache_root}/{id}-{md5}-audio-offset-{offset}.mp4 derivatives
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ayadance/wanna-cdn/internal/log"
)

// SongID is the numeric song identifier. The wire sentinels 0 and -1 mean
// "no song" and never resolve.
type SongID uint32

func (id SongID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseSongID parses a decimal song id, rejecting sentinels, signed forms
// and anything that does not fit 32 bits.
func ParseSongID(s string) (SongID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("song id %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("song id 0 is a sentinel, not a song")
	}
	return SongID(n), nil
}

// IDFromBasename extracts the song id from a cache file basename of the
// form "{id}-....mp4" by taking its leading digit run.
func IDFromBasename(basename string) (SongID, error) {
	i := 0
	for i < len(basename) && basename[i] >= '0' && basename[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("basename %q has no leading song id", basename)
	}
	return ParseSongID(basename[:i])
}

// Kind says which cache layer a resolved video came from.
type Kind int

const (
	// Canonical is the managed pair {video_root}/{id}/{video.mp4,metadata.json}.
	Canonical Kind = iota
	// Override is a bare {override_root}/{id}.mp4 dropped in by an operator.
	// It shadows the canonical copy unconditionally.
	Override
)

func (k Kind) String() string {
	if k == Override {
		return "override"
	}
	return "canonical"
}

// Video is one resolved cache entry. MetadataPath is empty for overrides.
type Video struct {
	Kind         Kind
	VideoPath    string
	MetadataPath string
}

// Resolution is the outcome of a lookup. When Available is false, Video
// still carries the would-be canonical paths so the fetcher knows where a
// capture must publish.
type Resolution struct {
	Available bool
	Video     Video
}

// Status gates the /files fast path: Satisfied means the local canonical
// or override copy may be served instead of proxying upstream.
type Status struct {
	DownloadTmp  string
	VideoPath    string
	MetadataPath string
	Satisfied    bool
}

// Index resolves ids against the three roots.
type Index struct {
	VideoRoot    string
	OverrideRoot string
	CacheRoot    string

	logger zerolog.Logger
}

// NewIndex returns an Index over the given roots.
func NewIndex(videoRoot, overrideRoot, cacheRoot string) *Index {
	return &Index{
		VideoRoot:    videoRoot,
		OverrideRoot: overrideRoot,
		CacheRoot:    cacheRoot,
		logger:       log.WithComponent("cache"),
	}
}

func (x *Index) canonicalPaths(id SongID) (video, metadata string) {
	dir := filepath.Join(x.VideoRoot, id.String())
	return filepath.Join(dir, "video.mp4"), filepath.Join(dir, "metadata.json")
}

func (x *Index) overridePath(id SongID) string {
	return filepath.Join(x.OverrideRoot, id.String()+".mp4")
}

// Resolve probes the override layer first, then the canonical pair. The
// canonical copy only counts when both video.mp4 and metadata.json exist.
func (x *Index) Resolve(id SongID) Resolution {
	if p := x.overridePath(id); isRegular(p) {
		return Resolution{Available: true, Video: Video{Kind: Override, VideoPath: p}}
	}
	video, metadata := x.canonicalPaths(id)
	v := Video{Kind: Canonical, VideoPath: video, MetadataPath: metadata}
	if isRegular(video) && isRegular(metadata) {
		return Resolution{Available: true, Video: v}
	}
	return Resolution{Available: false, Video: v}
}

// Checksum returns the cache-version identifier that gets baked into
// delivery URLs and tokens. Canonical copies use the checksum recorded in
// metadata.json; overrides derive one from the file mtime so that swapping
// the file invalidates outstanding tokens.
func (x *Index) Checksum(v Video) (string, error) {
	if v.Kind == Override {
		fi, err := os.Stat(v.VideoPath)
		if err != nil {
			return "", err
		}
		return "override" + strconv.FormatInt(fi.ModTime().Unix(), 10), nil
	}
	song, err := ReadSong(v.MetadataPath)
	if err != nil {
		return "", err
	}
	if song.Checksum == "" {
		return "", fmt.Errorf("%s: no checksum recorded", v.MetadataPath)
	}
	return song.Checksum, nil
}

// LocalStatus decides whether the local copy of id satisfies a mirror
// request that expects expectedSize bytes with MD5 expectedMD5. An
// override satisfies unconditionally. A canonical copy satisfies only
// when both the size and the recorded checksum match. Unreadable or
// unparsable metadata demotes to unsatisfied; it never errors.
//
// DownloadTmp is where a capture for this request would stage its bytes:
// {cache_root}/{clientPort}_{basename}, the port isolating concurrent
// fetches of the same song from different clients.
func (x *Index) LocalStatus(id SongID, basename, expectedMD5 string, expectedSize int64, clientPort string) Status {
	video, metadata := x.canonicalPaths(id)
	st := Status{
		DownloadTmp:  filepath.Join(x.CacheRoot, clientPort+"_"+basename),
		VideoPath:    video,
		MetadataPath: metadata,
	}

	if isRegular(x.overridePath(id)) {
		st.Satisfied = true
		return st
	}

	fi, err := os.Stat(video)
	if err != nil || fi.Size() != expectedSize {
		return st
	}
	song, err := ReadSong(metadata)
	if err != nil {
		x.logger.Warn().Err(err).Str("path", metadata).Msg("unreadable metadata, treating as cache miss")
		return st
	}
	st.Satisfied = song.Checksum != "" && song.Checksum == expectedMD5
	return st
}

// DerivativePath names the audio-offset-compensated variant of a cached
// video. The offset keeps its shortest decimal form so 0.3 and -1 read
// back exactly as configured.
func (x *Index) DerivativePath(id SongID, md5 string, offset float64) string {
	name := fmt.Sprintf("%s-%s-audio-offset-%s.mp4",
		id.String(), md5, strconv.FormatFloat(offset, 'f', -1, 64))
	return filepath.Join(x.CacheRoot, name)
}

func isRegular(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

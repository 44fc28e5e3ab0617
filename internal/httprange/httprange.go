// Package httprange implements single-range HTTP byte serving for cached
// video files: strict Range parsing and a chunked file streamer.
package httprange

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// ErrInvalid covers every rejected Range header: unknown units, multiple
// ranges, inverted bounds, or a start at/past end of file. Callers map it
// to a plain 400.
var ErrInvalid = errors.New("invalid byte range")

// chunkSize is how much is read and written per cycle while streaming.
const chunkSize = 16 * 1024

// Range is an inclusive byte range [Start, End].
type Range struct {
	Start int64
	End   int64
}

// Length is the number of bytes the range covers.
func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange renders the Content-Range header value for a resource of
// the given total size.
func (r Range) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange parses a Range header against a resource of size bytes.
// Exactly one bytes-unit range is accepted: "bytes=s-e", "bytes=s-" or the
// suffix form "bytes=-n" (last n bytes, clamped to the file). An end past
// the file is clamped to size-1; everything else out of bounds is ErrInvalid.
func ParseRange(header string, size int64) (Range, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return Range{}, ErrInvalid
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return Range{}, fmt.Errorf("%w: multiple ranges", ErrInvalid)
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return Range{}, ErrInvalid
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	var r Range
	if startStr == "" {
		// Suffix form: the last n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return Range{}, ErrInvalid
		}
		if n > size {
			n = size
		}
		r.Start = size - n
		r.End = size - 1
		return r, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return Range{}, ErrInvalid
	}
	if start >= size {
		return Range{}, fmt.Errorf("%w: start %d beyond size %d", ErrInvalid, start, size)
	}
	r.Start = start

	if endStr == "" {
		r.End = size - 1
		return r, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return Range{}, ErrInvalid
	}
	if end >= size {
		end = size - 1
	}
	r.End = end
	return r, nil
}

// ServeFile streams path to the client, honoring a single Range header.
// Without one it answers 200 with the full length; with a valid one, 206
// and the matching Content-Range. Content-Type is set verbatim.
//
// Errors returned happen strictly before anything is written, so callers
// may still send their own status: ErrInvalid for a bad Range header,
// or the *PathError from opening the file. Once streaming has begun a
// read failure (the file shrank or vanished under us) just stops the
// body short; the server then drops the connection instead of inventing
// a trailer for a response already underway.
func ServeFile(w http.ResponseWriter, r *http.Request, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		copyChunks(w, f, size)
		return nil
	}

	rng, err := ParseRange(rangeHeader, size)
	if err != nil {
		h.Del("Content-Type")
		h.Del("Accept-Ranges")
		return err
	}

	h.Set("Content-Range", rng.ContentRange(size))
	h.Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	copyChunks(w, io.NewSectionReader(f, rng.Start, rng.Length()), rng.Length())
	return nil
}

// copyChunks moves exactly n bytes in chunkSize pieces. Any read or write
// error ends the copy; with fewer bytes written than the declared
// Content-Length the server closes the connection, which is the wanted
// outcome for both a vanished file and a gone client.
func copyChunks(dst io.Writer, src io.Reader, n int64) {
	buf := make([]byte, chunkSize)
	var written int64
	for written < n {
		want := int64(len(buf))
		if rem := n - written; rem < want {
			want = rem
		}
		rn, rerr := io.ReadFull(src, buf[:want])
		if rn > 0 {
			wn, werr := dst.Write(buf[:rn])
			written += int64(wn)
			if werr != nil {
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

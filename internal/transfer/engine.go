// Package transfer implements the chunked, resumable, integrity-checked
// bulk-copy loop described in spec §4.3: it pumps a sender stream into a
// receiver stream in fixed-size chunks, optionally skipping chunks the
// destination already has (verified by checksum) instead of
// retransmitting them.
package transfer

import (
	"context"
	"crypto/md5" //nolint:gosec // used only as a content-equality digest, not for security
	"encoding/hex"
	"errors"
	"io"

	"github.com/amescornish/buttersync/internal/metrics"
	"github.com/amescornish/buttersync/internal/progress"
	"github.com/amescornish/buttersync/internal/util/envconst"
)

// DefaultChunkSize is the chunk size Copy falls back to when Options
// doesn't set one. Overridable without a config change via
// BUTTERSYNC_CHUNK_SIZE, for probing transfer behavior at odd sizes.
var DefaultChunkSize = envconst.Int("BUTTERSYNC_CHUNK_SIZE", 20*1024*1024)

// Reader is the source half of a transfer: the bytes of one diff.
type Reader interface {
	io.Reader
	io.Closer
}

// Writer is the destination half of a transfer.
type Writer interface {
	io.Writer
	io.Closer
}

// ChunkChecksummer is implemented by readers that can cheaply digest the
// next n bytes server-side without yielding them through Read (e.g. an
// S3 ranged GET that can report a part's ETag). size is the number of
// bytes the checksum actually covers (less than n only at end of
// stream); err is io.EOF once nothing remains.
type ChunkChecksummer interface {
	ChecksumChunk(ctx context.Context, n int) (size int, checksum string, err error)
	// SkipChunk advances the reader's cursor by size bytes, previously
	// reported by ChecksumChunk, without those bytes ever passing
	// through Read.
	SkipChunk(ctx context.Context, size int) error
}

// ChunkSkipper is implemented by writers that can tell whether they
// already hold a chunk with the given size and checksum.
type ChunkSkipper interface {
	SkipChunk(ctx context.Context, size int, checksum string) (present bool, err error)
}

// PreferredChunkSizer lets a writer override the caller's chunk size,
// e.g. to match its own part-size constraints.
type PreferredChunkSizer interface {
	PreferredChunkSize() int
}

type Options struct {
	ChunkSize int
	// Reporter, if set, has Update called with the cumulative byte
	// count after every chunk.
	Reporter *progress.Reporter
	// Metrics, if set, has AddBytes called once with the total written
	// at the end of a successful Copy.
	Metrics *metrics.Metrics
	// Source and Destination label the Metrics counter; both default to
	// "" when Metrics is nil or the caller doesn't care to label.
	Source, Destination string
}

// Copy pumps bytes from r to w in fixed-size chunks, honoring the
// skip-by-checksum path when both sides support it. It returns the
// number of bytes transferred, counting chunks that were skipped
// because w already held them as well as those actually written to w;
// the Reporter updates use the same running total.
//
// Per §5, chunks are written in the exact order they were read; there
// is no concurrency within a single transfer.
func Copy(ctx context.Context, w Writer, r Reader, opts Options) (written uint64, err error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if pcs, ok := w.(PreferredChunkSizer); ok {
		if n := pcs.PreferredChunkSize(); n > 0 {
			chunkSize = n
		}
	}

	checksummer, canChecksum := r.(ChunkChecksummer)
	skipper, canSkip := w.(ChunkSkipper)

	buf := make([]byte, chunkSize)
	var total uint64

	for {
		if canChecksum && canSkip {
			size, checksum, cerr := checksummer.ChecksumChunk(ctx, chunkSize)
			if errors.Is(cerr, io.EOF) {
				break
			}
			if cerr != nil {
				return total, cerr
			}
			present, serr := skipper.SkipChunk(ctx, size, checksum)
			if serr != nil {
				return total, serr
			}
			if present {
				if err := checksummer.SkipChunk(ctx, size); err != nil {
					return total, err
				}
				total += uint64(size)
				reportProgress(opts.Reporter, total)
				continue
			}
		}

		n, rerr := io.ReadFull(r, buf)
		if n == 0 && errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil && !errors.Is(rerr, io.ErrUnexpectedEOF) && !errors.Is(rerr, io.EOF) {
			return total, rerr
		}

		chunk := buf[:n]
		wrote := true
		if canSkip && !canChecksum {
			sum := md5.Sum(chunk) //nolint:gosec
			present, serr := skipper.SkipChunk(ctx, n, hex.EncodeToString(sum[:]))
			if serr != nil {
				return total, serr
			}
			wrote = !present
		}

		if wrote {
			if _, werr := w.Write(chunk); werr != nil {
				return total, werr
			}
		}
		total += uint64(n)
		reportProgress(opts.Reporter, total)

		if n < len(buf) {
			break // final, partial chunk read via ReadFull
		}
	}
	opts.Metrics.AddBytes(opts.Source, opts.Destination, total)
	return total, nil
}

func reportProgress(r *progress.Reporter, total uint64) {
	if r != nil {
		r.Update(total)
	}
}

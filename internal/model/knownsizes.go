package model

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"

	"github.com/amescornish/buttersync/internal/util/chainlock"
)

// Key identifies a diff by its endpoints. From is the nil UUID for a
// full-send root edge.
type Key struct {
	To   uuid.UUID
	From uuid.UUID
}

// KnownSizes is the process-wide table of exact, measured diff sizes,
// §3 "Known-sizes table". It is explicit, constructed state threaded
// through Store constructors rather than a package-level global, per
// the redesign note in §9.
type KnownSizes struct {
	mu    chainlock.L
	sizes map[Key]uint64
}

func NewKnownSizes() *KnownSizes {
	return &KnownSizes{sizes: make(map[Key]uint64)}
}

func (t *KnownSizes) Get(to, from uuid.UUID) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	size, ok := t.sizes[Key{To: to, From: from}]
	return size, ok
}

// Set records an exact size, overwriting any previous value silently.
// Use SetMeasured when the value comes from a fresh measurement and a
// disagreement with a cached value should be logged as a possible
// SizeCorruption symptom.
func (t *KnownSizes) Set(to, from uuid.UUID, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sizes[Key{To: to, From: from}] = size
}

// SetMeasured records a freshly measured exact size. If a prior value
// for the same (to, from) pair disagrees, the two candidate records are
// diffed with gojsondiff and the discrepancy is logged at Warn level
// before the new value overwrites the old one — see the SizeCorruption
// error kind in §7.
func (t *KnownSizes) SetMeasured(ctx context.Context, to, from uuid.UUID, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := Key{To: to, From: from}
	if old, ok := t.sizes[key]; ok && old != size {
		logSizeConflict(ctx, key, old, size)
	}
	t.sizes[key] = size
}

func logSizeConflict(ctx context.Context, key Key, oldSize, newSize uint64) {
	left := map[string]any{"to": key.To.String(), "from": key.From.String(), "size": oldSize}
	right := map[string]any{"to": key.To.String(), "from": key.From.String(), "size": newSize}

	leftJSON, err := json.Marshal(left)
	if err != nil {
		return
	}
	rightJSON, err := json.Marshal(right)
	if err != nil {
		return
	}

	diff, err := gojsondiff.New().Compare(leftJSON, rightJSON)
	if err != nil || !diff.Modified() {
		return
	}

	f := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterDefaultConfig)
	diffStr, err := f.Format(diff)
	if err != nil {
		diffStr = fmt.Sprintf("%d -> %d", oldSize, newSize)
	}
	slog.WarnContext(ctx, "known size disagrees with cached value, possible size corruption",
		slog.String("to", key.To.String()), slog.String("from", key.From.String()),
		slog.String("diff", diffStr))
}

// LoadSidecar reads a sidecar file in the format documented in §6:
// "<to_uuid>\t<from_uuid>\t<size_bytes>\n" per line, ignoring malformed
// lines.
func (t *KnownSizes) LoadSidecar(r io.Reader) error {
	sc := bufio.NewScanner(r)
	t.mu.Lock()
	defer t.mu.Unlock()
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			continue
		}
		to, err := uuid.Parse(fields[0])
		if err != nil {
			continue
		}
		from, err := uuid.Parse(fields[1])
		if err != nil {
			continue
		}
		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			continue
		}
		t.sizes[Key{To: to, From: from}] = size
	}
	return sc.Err()
}

// SaveSidecar writes every known size whose To field equals forVolume to
// w, one record per line, in the §6 sidecar format.
func (t *KnownSizes) SaveSidecar(w io.Writer, forVolume uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bw := bufio.NewWriter(w)
	for k, size := range t.sizes {
		if k.To != forVolume {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%s\t%s\t%d\n", k.To, k.From, size); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Package store defines the backend-agnostic Store contract (spec
// §4.4) implemented by btrfsstore, s3store, and sshstore, plus the
// helpers shared by every backend: path selection, dry-run listing,
// and the default content listing built from ListVolumes/GetEdges.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/transfer"
)

// Mode is the access level a Store session was opened with. Modes are
// ordered read < append < write; a backend checks a command's required
// mode against the session's with Mode.Allows.
type Mode int

const (
	ModeRead Mode = iota
	ModeAppend
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "r"
	case ModeAppend:
		return "a"
	case ModeWrite:
		return "w"
	default:
		return "?"
	}
}

// Allows reports whether a session opened in mode m may execute a
// command that requires mode required.
func (m Mode) Allows(required Mode) bool { return m >= required }

// ParseMode parses the single-letter mode flags used on the wire and
// on the command line.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "r":
		return ModeRead, nil
	case "a":
		return ModeAppend, nil
	case "w":
		return ModeWrite, nil
	default:
		return 0, fmt.Errorf("store: unknown mode %q", s)
	}
}

// ShowProgress is a tri-state: a Store either always renders progress,
// never does, or decides based on whether its output is a terminal.
type ShowProgress int

const (
	ShowProgressAuto ShowProgress = iota
	ShowProgressAlways
	ShowProgressNever
)

var (
	// ErrPathExists is returned by Receive when the destination path
	// already holds a volume and the Store was not opened in a mode
	// that permits overwriting it.
	ErrPathExists = errors.New("store: destination path already exists")

	// ErrDiffUnavailable is returned by Send when the requested diff is
	// not actually held by this Store (e.g. it was pruned between
	// planning and transfer).
	ErrDiffUnavailable = errors.New("store: diff unavailable")
)

// Store is a concrete backend: local btrfs, S3, or a remote peer
// reached over SSH. A Store is a scoped resource: Open populates its
// enumeration, Close releases whatever Open acquired, and every
// exported method other than Open/Close assumes the Store is open.
type Store interface {
	// Name identifies this Store for logging and satisfies
	// model.Sink, so Diffs can reference their owning Store without
	// this package depending back on model's callers.
	Name() string

	// Open populates this Store's volume/edge enumeration and merges
	// known, the process-wide known-sizes table, with whatever sidecar
	// state this backend finds (spec §3 "Known-sizes table", SPEC_FULL
	// supplemented feature: known-sizes merge on Open).
	Open(ctx context.Context, known *model.KnownSizes) error
	Close(ctx context.Context) error

	// ListVolumes returns every Volume in the user-selected scope.
	ListVolumes(ctx context.Context) ([]*model.Volume, error)

	// ListContents returns one human-readable line per volume/diff in
	// scope, for a list/inspect CLI subcommand. Most backends satisfy
	// this with DefaultListContents; a backend overrides it only when
	// it has cheaper or richer metadata to render (e.g. S3 sidecar
	// sizes without a HEAD per key).
	ListContents(ctx context.Context) ([]string, error)

	// GetPaths returns every textual locator this Store knows for vol,
	// ordered with the preferred send path first.
	GetPaths(vol *model.Volume) []string

	// GetEdges returns every Diff originating at from, or every root
	// Diff (FromVol == nil) if from is nil.
	GetEdges(ctx context.Context, from *model.Volume) ([]*model.Diff, error)

	// HasEdge reports whether this Store already possesses diff,
	// independent of whether diff.Sink is this Store (used by the
	// planner to avoid re-deriving edges the destination already has).
	HasEdge(ctx context.Context, diff *model.Diff) bool

	// MeasureSize mutates diff in place with an exact size, clearing
	// SizeIsEstimated.
	MeasureSize(ctx context.Context, diff *model.Diff, chunkSize int) error

	// Send opens diff's bytes for reading. In dry-run mode it returns
	// (nil, nil): a sentinel the Transfer Engine treats as "nothing to
	// do", per spec §4.4 dry-run semantics.
	Send(ctx context.Context, diff *model.Diff) (transfer.Reader, error)

	// Receive opens a writer that accepts diff's bytes and stores the
	// result at the path selected from candidatePaths via
	// SelectReceivePath. Dry-run: returns (nil, nil).
	Receive(ctx context.Context, diff *model.Diff, candidatePaths []string) (transfer.Writer, error)

	// ReceiveVolumeInfo opens a writer for the sidecar text describing
	// the volume that would be (or was) received at candidatePaths.
	ReceiveVolumeInfo(ctx context.Context, candidatePaths []string) (transfer.Writer, error)

	// Keep marks diff's ToVol (and FromVol, if set) as must-retain, so
	// a later DeleteUnused leaves them alone.
	Keep(diff *model.Diff)

	// DeleteUnused removes every volume in scope not marked via Keep.
	// In dry-run mode nothing is removed; the return value lists what
	// would have been (SPEC_FULL supplemented feature: --delete
	// dry-run listing).
	DeleteUnused(ctx context.Context, dryRun bool) ([]*model.Volume, error)

	// DeletePartials removes stale partial uploads/files left behind
	// by a prior failed Receive. In dry-run mode nothing is removed;
	// the return value names what would have been.
	DeletePartials(ctx context.Context, dryRun bool) ([]string, error)
}

// SelectReceivePath applies the path-selection rule used identically
// by every Store (spec §4.4): prefer the first candidate that is not
// absolute (relative, and therefore inside this Store's own scope);
// otherwise take the basename of the first absolute candidate. An
// empty candidate list synthesizes an "Anon" path.
func SelectReceivePath(candidates []string) string {
	for _, c := range candidates {
		if c != "" && !strings.HasPrefix(c, "/") {
			return c
		}
	}
	for _, c := range candidates {
		if c != "" {
			if i := strings.LastIndexByte(c, '/'); i >= 0 {
				return c[i+1:]
			}
			return c
		}
	}
	return "Anon"
}

package btrfsstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/store"
	"github.com/amescornish/buttersync/internal/streamrewrite"
	"github.com/amescornish/buttersync/internal/transfer"
	"github.com/amescornish/buttersync/internal/util/chainlock"
)

const sidecarFileName = ".buttersync-sizes"

// Store is the local btrfs backend.
type Store struct {
	name       string
	root       string // user_path, normalized absolute path
	userVolume string // optional single-volume filter (fuzzy)
	mode       store.Mode
	dryRun     bool
	binary     string // path to the btrfs(8) binary
	enumerator Enumerator

	mu          chainlock.L
	volumes     map[uuid.UUID]*model.Volume
	paths       map[uuid.UUID][]string // insertion order preserved, per design note
	parentOf    map[uuid.UUID]uuid.UUID
	groupOf     map[uuid.UUID][]uuid.UUID // raw parent uuid -> member effective uuids
	keep        map[uuid.UUID]bool
	known       *model.KnownSizes
	cachedGroup map[uuid.UUID]float64 // raw parent uuid -> change rate
}

type Option func(*Store)

func WithBinary(path string) Option          { return func(s *Store) { s.binary = path } }
func WithUserVolume(filter string) Option    { return func(s *Store) { s.userVolume = filter } }
func WithMode(m store.Mode) Option           { return func(s *Store) { s.mode = m } }
func WithDryRun(dry bool) Option             { return func(s *Store) { s.dryRun = dry } }
func WithEnumerator(e Enumerator) Option     { return func(s *Store) { s.enumerator = e } }

// New constructs a btrfs Store rooted at root (an absolute path to a
// subvolume directory). name identifies the store for logging and
// Diff.Sink equality, e.g. "btrfs:/srv/pool".
func New(name, root string, opts ...Option) *Store {
	s := &Store{
		name:   name,
		root:   root,
		binary: "btrfs",
		mode:   store.ModeRead,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Name() string { return s.name }

func (s *Store) Open(ctx context.Context, known *model.KnownSizes) error {
	subvols, err := s.enumerator.Enumerate(ctx, s.root)
	if err != nil {
		return fmt.Errorf("btrfsstore %s: enumerate: %w", s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.volumes = make(map[uuid.UUID]*model.Volume)
	s.paths = make(map[uuid.UUID][]string)
	s.parentOf = make(map[uuid.UUID]uuid.UUID)
	s.groupOf = make(map[uuid.UUID][]uuid.UUID)
	s.keep = make(map[uuid.UUID]bool)
	s.cachedGroup = make(map[uuid.UUID]float64)
	s.known = known

	for _, sv := range subvols {
		id := sv.EffectiveUUID()
		if v, ok := s.volumes[id]; ok {
			v.Gen = sv.Gen
			if sv.TotalSize != nil {
				v.TotalSize = sv.TotalSize
			}
			if sv.ExclusiveSize != nil {
				v.ExclusiveSize = sv.ExclusiveSize
			}
		} else {
			s.volumes[id] = &model.Volume{
				UUID: id, Gen: sv.Gen, TotalSize: sv.TotalSize, ExclusiveSize: sv.ExclusiveSize,
			}
			s.parentOf[id] = sv.ParentUUID
			s.groupOf[sv.ParentUUID] = append(s.groupOf[sv.ParentUUID], id)
		}
		s.paths[id] = append(s.paths[id], sv.Path)
	}

	if f, err := os.Open(filepath.Join(s.root, sidecarFileName)); err == nil {
		defer f.Close()
		if err := known.LoadSidecar(f); err != nil {
			return fmt.Errorf("btrfsstore %s: load sidecar: %w", s.name, err)
		}
	}
	// Per-volume sidecars written by ReceiveVolumeInfo.
	infos, _ := filepath.Glob(filepath.Join(s.root, "*.info"))
	for _, p := range infos {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		err = known.LoadSidecar(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("btrfsstore %s: load sidecar %s: %w", s.name, p, err)
		}
	}
	return nil
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) ListVolumes(context.Context) ([]*model.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Volume, 0, len(s.volumes))
	for _, v := range s.volumes {
		if s.userVolume != "" {
			name := store.FilterVolumeName(s.paths[v.UUID], s.userVolume)
			if name == "" {
				continue
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Gen < out[j].Gen })
	return out, nil
}

func (s *Store) ListContents(ctx context.Context) ([]string, error) {
	return store.DefaultListContents(ctx, s)
}

func (s *Store) GetPaths(vol *model.Volume) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths[vol.UUID]...)
}

func (s *Store) GetEdges(ctx context.Context, from *model.Volume) ([]*model.Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from == nil {
		return s.rootEdgesLocked(), nil
	}

	parent, ok := s.parentOf[from.UUID]
	if !ok {
		return nil, nil
	}
	members := s.groupOf[parent]
	rate := s.changeRateLocked(parent, members)

	edges := make([]*model.Diff, 0, len(members))
	for _, id := range members {
		if id == from.UUID {
			continue
		}
		to := s.volumes[id]
		known, hasKnown := s.known.Get(to.UUID, from.UUID)

		d := &model.Diff{FromVol: from, ToVol: to, Sink: s}
		if hasKnown {
			d.Size = known
		} else {
			d.Size = estimateEdgeSize(rate, model.TotalSize(from), model.TotalSize(to),
				model.ExclusiveSize(to), from.Gen, to.Gen)
			d.SizeIsEstimated = true
		}
		edges = append(edges, d)
	}
	return edges, nil
}

func (s *Store) rootEdgesLocked() []*model.Diff {
	var edges []*model.Diff
	for id, v := range s.volumes {
		if s.parentOf[id] != uuid.Nil {
			continue
		}
		edges = append(edges, &model.Diff{ToVol: v, Sink: s, Size: model.TotalSize(v), SizeIsEstimated: true})
	}
	return edges
}

func (s *Store) changeRateLocked(parent uuid.UUID, members []uuid.UUID) float64 {
	if rate, ok := s.cachedGroup[parent]; ok {
		return rate
	}
	var stats siblingStats
	var maxTotal, minTotal uint64
	var maxGen, minGen uint64
	first := true
	for _, id := range members {
		v := s.volumes[id]
		stats.totalSize += model.TotalSize(v)
		stats.deltaSize += model.ExclusiveSize(v)
		stats.count++
		t := model.TotalSize(v)
		if first || t > maxTotal {
			maxTotal = t
		}
		if first || t < minTotal {
			minTotal = t
		}
		if first || v.Gen > maxGen {
			maxGen = v.Gen
		}
		if first || v.Gen < minGen {
			minGen = v.Gen
		}
		first = false
	}
	if maxTotal-minTotal > stats.deltaSize {
		stats.deltaSize = maxTotal - minTotal
	}
	stats.genSpan = maxGen - minGen

	rate := changeRate(stats)
	s.cachedGroup[parent] = rate
	return rate
}

func (s *Store) HasEdge(_ context.Context, diff *model.Diff) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	to, ok := s.volumes[diff.ToVol.UUID]
	if !ok {
		return false
	}
	if diff.FromVol == nil {
		return s.parentOf[to.UUID] == uuid.Nil
	}
	return s.parentOf[to.UUID] == diff.FromVol.UUID
}

func (s *Store) MeasureSize(ctx context.Context, diff *model.Diff, chunkSize int) error {
	if s.dryRun {
		store.LogWouldDo("measure size", "diff", diff.String())
		return nil
	}

	var parentPath string
	if diff.FromVol != nil {
		paths := s.GetPaths(diff.FromVol)
		if len(paths) > 0 {
			parentPath = paths[0]
		}
	}
	toPaths := s.GetPaths(diff.ToVol)
	if len(toPaths) == 0 {
		return fmt.Errorf("btrfsstore %s: no known path for %s", s.name, diff.ToVol.UUID)
	}

	sp, err := startSend(ctx, s.binary, parentPath, toPaths[0], nil)
	if err != nil {
		return err
	}

	counter := &countingWriter{}
	if _, err := transfer.Copy(ctx, counter, sp, transfer.Options{ChunkSize: chunkSize}); err != nil {
		return fmt.Errorf("btrfsstore %s: measure %s: %w", s.name, diff, err)
	}

	diff.Size = counter.n
	diff.SizeIsEstimated = false
	if diff.FromVol != nil {
		s.known.SetMeasured(ctx, diff.ToVol.UUID, diff.FromVol.UUID, diff.Size)
	}
	return nil
}

type countingWriter struct{ n uint64 }

func (c *countingWriter) Write(p []byte) (int, error) { c.n += uint64(len(p)); return len(p), nil }
func (c *countingWriter) Close() error                 { return nil }

func (s *Store) Send(ctx context.Context, diff *model.Diff) (transfer.Reader, error) {
	if s.dryRun {
		store.LogWouldDo("send", "diff", diff.String())
		return nil, nil
	}

	var parentPath string
	if diff.FromVol != nil {
		paths := s.GetPaths(diff.FromVol)
		if len(paths) == 0 {
			return nil, store.ErrDiffUnavailable
		}
		parentPath = paths[0]
	}
	toPaths := s.GetPaths(diff.ToVol)
	if len(toPaths) == 0 {
		return nil, store.ErrDiffUnavailable
	}

	return startSend(ctx, s.binary, parentPath, toPaths[0], nil)
}

func (s *Store) Receive(ctx context.Context, diff *model.Diff, candidatePaths []string) (transfer.Writer, error) {
	if s.dryRun {
		store.LogWouldDo("receive", "diff", diff.String())
		return nil, nil
	}

	name := store.SelectReceivePath(candidatePaths)
	target := filepath.Join(s.root, name)
	if _, err := os.Stat(target); err == nil {
		return nil, store.ErrPathExists
	}

	opts := &streamrewrite.Options{ReceivedUUID: diff.ToVol.UUID, ReceivedGen: diff.ToVol.Gen}
	if diff.FromVol != nil {
		fromUUID := diff.FromVol.UUID
		fromGen := diff.FromVol.Gen
		opts.CloneUUID = &fromUUID
		opts.CloneGen = &fromGen
	}
	return startReceive(ctx, s.binary, s.root, target, opts)
}

func (s *Store) ReceiveVolumeInfo(ctx context.Context, candidatePaths []string) (transfer.Writer, error) {
	if s.dryRun {
		store.LogWouldDo("receive volume info")
		return nil, nil
	}
	name := store.SelectReceivePath(candidatePaths)
	f, err := os.Create(filepath.Join(s.root, name+".info"))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) Keep(diff *model.Diff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keep[diff.ToVol.UUID] = true
	if diff.FromVol != nil {
		s.keep[diff.FromVol.UUID] = true
	}
}

func (s *Store) DeleteUnused(ctx context.Context, dryRun bool) ([]*model.Volume, error) {
	s.mu.Lock()
	var candidates []*model.Volume
	for id, v := range s.volumes {
		if !s.keep[id] {
			candidates = append(candidates, v)
		}
	}
	s.mu.Unlock()

	if dryRun {
		for _, v := range candidates {
			store.LogWouldDo("delete unused volume", "volume", v.UUID.String())
		}
		return candidates, nil
	}

	for _, v := range candidates {
		for _, p := range s.GetPaths(v) {
			if filepath.IsAbs(p) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(s.root, p)); err != nil {
				return candidates, fmt.Errorf("btrfsstore %s: delete %s: %w", s.name, p, err)
			}
		}
	}
	return candidates, nil
}

func (s *Store) DeletePartials(ctx context.Context, dryRun bool) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("btrfsstore %s: read dir: %w", s.name, err)
	}

	var partials []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".part" {
			partials = append(partials, e.Name())
		}
	}

	if dryRun {
		for _, p := range partials {
			store.LogWouldDo("delete partial", "name", p)
		}
		return partials, nil
	}

	for _, p := range partials {
		if err := os.RemoveAll(filepath.Join(s.root, p)); err != nil {
			return partials, fmt.Errorf("btrfsstore %s: delete partial %s: %w", s.name, p, err)
		}
	}
	return partials, nil
}

var _ store.Store = (*Store)(nil)

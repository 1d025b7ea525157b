package planner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/amescornish/buttersync/internal/metrics"
	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/store"
)

// RemoteAware is implemented by Stores that know whether they are
// reached over a network, so the planner can decide whether a
// measurement phase is worth running (spec §4.8 "Measurement loop").
type RemoteAware interface {
	IsRemote() bool
}

const defaultChunkSize = 20 * 1024 * 1024

// Options configures a Planner beyond the required stores.
type Options struct {
	// DeleteMode prices storage for edges already at the destination,
	// the same way costOf does for a plan whose purpose is freeing
	// space rather than replicating it.
	DeleteMode bool
	// ChunkSize is passed through to MeasureSize during the
	// measurement loop.
	ChunkSize int
	// Metrics receives per-state timing observations, if set.
	Metrics *metrics.Metrics
}

type Option func(*Options)

func WithDeleteMode() Option     { return func(o *Options) { o.DeleteMode = true } }
func WithChunkSize(n int) Option { return func(o *Options) { o.ChunkSize = n } }
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// Planner computes a minimum-cost diff plan across an ordered set of
// stores, with the destination listed last.
type Planner struct {
	stores  []store.Store
	dest    store.Store
	byName  map[string]store.Store
	opts    Options
}

// New constructs a Planner. stores must list the destination last;
// sources may appear in any order.
func New(stores []store.Store, opts ...Option) *Planner {
	o := Options{ChunkSize: defaultChunkSize}
	for _, fn := range opts {
		fn(&o)
	}
	byName := make(map[string]store.Store, len(stores))
	for _, s := range stores {
		byName[s.Name()] = s
	}
	return &Planner{
		stores: stores,
		dest:   stores[len(stores)-1],
		byName: byName,
		opts:   o,
	}
}

// Plan is the result of Analyze: every retained Node, in ascending
// height order, so parents are emitted before children.
type Plan struct {
	Nodes []*Node
}

// Analyze runs the BFS-like relaxation, prunes unused intermediate
// nodes, and runs a single measurement-and-rerun pass if any Store is
// remote. It returns a CannotReachError if a required volume has no
// incoming diff after pruning.
func (p *Planner) Analyze(ctx context.Context, required []*model.Volume) (*Plan, error) {
	reqSet := make(map[uuid.UUID]*model.Volume, len(required))
	for _, v := range required {
		reqSet[v.UUID] = v
	}

	measurementWillRun := p.anyRemote()

	rootEdges, err := p.prefetchRootEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("planner: prefetch root edges: %w", err)
	}

	nodes, err := p.timedRelax(ctx, reqSet, measurementWillRun, rootEdges)
	if err != nil {
		return nil, err
	}
	prune(nodes)

	if measurementWillRun {
		rerun, err := p.timedMeasure(ctx, nodes)
		if err != nil {
			return nil, err
		}
		if rerun {
			nodes, err = p.timedRelax(ctx, reqSet, measurementWillRun, rootEdges)
			if err != nil {
				return nil, err
			}
			prune(nodes)
		}
	}

	start := time.Now()
	plan, err := p.finish(nodes, reqSet)
	p.opts.Metrics.ObserveState("finish", time.Since(start).Seconds())
	return plan, err
}

func (p *Planner) timedRelax(
	ctx context.Context,
	required map[uuid.UUID]*model.Volume,
	measurementWillRun bool,
	rootEdges map[string][]*model.Diff,
) (map[uuid.UUID]*Node, error) {
	start := time.Now()
	nodes, err := p.relax(ctx, required, measurementWillRun, rootEdges)
	p.opts.Metrics.ObserveState("relax", time.Since(start).Seconds())
	return nodes, err
}

func (p *Planner) timedMeasure(ctx context.Context, nodes map[uuid.UUID]*Node) (bool, error) {
	start := time.Now()
	rerun, err := p.measure(ctx, nodes)
	p.opts.Metrics.ObserveState("measure", time.Since(start).Seconds())
	return rerun, err
}

func (p *Planner) anyRemote() bool {
	for _, s := range p.stores {
		if ra, ok := s.(RemoteAware); ok && ra.IsRemote() {
			return true
		}
	}
	return false
}

// prefetchRootEdges concurrently asks every store for its root edges
// (GetEdges(ctx, nil)) before relaxation begins, since that call is
// made against every store in the very first round and is pure I/O.
func (p *Planner) prefetchRootEdges(ctx context.Context) (map[string][]*model.Diff, error) {
	results := make(map[string][]*model.Diff, len(p.stores))
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.stores {
		s := s
		g.Go(func() error {
			edges, err := s.GetEdges(gctx, nil)
			if err != nil {
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			results[s.Name()] = edges
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// reversedStores returns the stores with the destination first, per
// spec §4.8: "the planner reverses the list so the destination is
// checked first during relaxation, giving a prefer-edges-already-at-
// the-destination bias".
func (p *Planner) reversedStores() []store.Store {
	out := make([]store.Store, len(p.stores))
	for i, s := range p.stores {
		out[len(p.stores)-1-i] = s
	}
	return out
}

func (p *Planner) relax(
	ctx context.Context,
	required map[uuid.UUID]*model.Volume,
	measurementWillRun bool,
	rootEdges map[string][]*model.Diff,
) (map[uuid.UUID]*Node, error) {
	reversed := p.reversedStores()
	destName := p.dest.Name()

	nodes := map[uuid.UUID]*Node{uuid.Nil: {}}
	pending := []*Node{nodes[uuid.Nil]}
	height := 1

	for len(pending) > 0 {
		sort.SliceStable(pending, func(i, j int) bool {
			if pending[i].Intermediate != pending[j].Intermediate {
				return !pending[i].Intermediate // non-intermediate first
			}
			return pending[i].Accumulated < pending[j].Accumulated
		})

		var next []*Node
		seen := map[uuid.UUID]bool{}

		for _, from := range pending {
			for _, s := range reversed {
				var edges []*model.Diff
				var err error
				if from.isRoot() {
					edges = rootEdges[s.Name()]
				} else {
					edges, err = s.GetEdges(ctx, from.Volume)
				}
				if err != nil {
					return nil, fmt.Errorf("%s: get edges from %s: %w", s.Name(), from.Volume.UUID, err)
				}

				for _, e := range edges {
					if s.Name() != destName && p.dest.HasEdge(ctx, e) {
						continue
					}

					toKey := e.ToVol.UUID
					to, exists := nodes[toKey]
					if !exists {
						_, isRequired := required[toKey]
						to = &Node{Volume: e.ToVol, Intermediate: !isRequired}
						nodes[toKey] = to
					}

					sizeAdj := adjustedSize(e, measurementWillRun)
					newCost := costOf(s.Name(), destName, sizeAdj, from, height, p.opts.DeleteMode)

					if to.Diff != nil {
						oldSizeAdj := adjustedSize(to.Diff, measurementWillRun)
						oldSink := ""
						if to.Diff.Sink != nil {
							oldSink = to.Diff.Sink.Name()
						}
						oldCost := costOf(oldSink, destName, oldSizeAdj, to.Previous, to.Height, p.opts.DeleteMode)
						if oldCost <= newCost {
							continue
						}
					}

					if wouldLoop(from, toKey) {
						continue
					}

					to.Diff = e
					to.Previous = from
					to.Height = height
					to.Accumulated = from.Accumulated + e.Size

					if !seen[toKey] {
						seen[toKey] = true
						next = append(next, to)
					}
				}
			}
		}

		pending = next
		height++
	}

	return nodes, nil
}

// prune repeatedly removes any intermediate node no other node's diff
// points back at, until the graph is stable.
func prune(nodes map[uuid.UUID]*Node) {
	for {
		referenced := map[uuid.UUID]bool{}
		for _, n := range nodes {
			if n.Diff != nil && n.Diff.FromVol != nil {
				referenced[n.Diff.FromVol.UUID] = true
			}
		}

		removedAny := false
		for key, n := range nodes {
			if key == uuid.Nil || !n.Intermediate {
				continue
			}
			if !referenced[key] {
				delete(nodes, key)
				removedAny = true
			}
		}
		if !removedAny {
			return
		}
	}
}

// measure asks each surviving node's chosen edge, if still estimated,
// to report its exact size. It reports whether the relaxation should
// be rerun (actual total exceeded 1.2x the estimated total).
func (p *Planner) measure(ctx context.Context, nodes map[uuid.UUID]*Node) (bool, error) {
	var estimatedTotal, actualTotal float64
	any := false

	for _, n := range nodes {
		if n.Diff == nil || !n.Diff.SizeIsEstimated {
			continue
		}
		sinkName := ""
		if n.Diff.Sink != nil {
			sinkName = n.Diff.Sink.Name()
		}
		s, ok := p.byName[sinkName]
		if !ok {
			continue
		}
		estimatedTotal += float64(n.Diff.Size)
		if err := s.MeasureSize(ctx, n.Diff, p.opts.ChunkSize); err != nil {
			return false, fmt.Errorf("measure %s: %w", n.Diff, err)
		}
		actualTotal += float64(n.Diff.Size)
		any = true
	}

	return any && actualTotal > 1.2*estimatedTotal, nil
}

func (p *Planner) finish(nodes map[uuid.UUID]*Node, required map[uuid.UUID]*model.Volume) (*Plan, error) {
	var unreachable []*model.Volume
	for id, vol := range required {
		if n, ok := nodes[id]; !ok || n.Diff == nil {
			unreachable = append(unreachable, vol)
		}
	}
	if len(unreachable) > 0 {
		return nil, &CannotReachError{Volumes: unreachable}
	}

	out := make([]*Node, 0, len(nodes))
	for key, n := range nodes {
		if key == uuid.Nil {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Height < out[j].Height })

	return &Plan{Nodes: out}, nil
}

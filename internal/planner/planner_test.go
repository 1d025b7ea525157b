package planner

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/store"
	"github.com/amescornish/buttersync/internal/transfer"
)

// fakeStore is a minimal, in-memory store.Store used only to drive the
// relaxation with a fixed edge set.
type fakeStore struct {
	name  string
	edges map[uuid.UUID][]*model.Diff // keyed by from-volume UUID; zero UUID means root
	have  map[string]bool             // diff.String() -> already present
}

func newFakeStore(name string) *fakeStore {
	return &fakeStore{name: name, edges: map[uuid.UUID][]*model.Diff{}, have: map[string]bool{}}
}

func (f *fakeStore) addEdge(d *model.Diff) *model.Diff {
	d.Sink = f
	key := uuid.Nil
	if d.FromVol != nil {
		key = d.FromVol.UUID
	}
	f.edges[key] = append(f.edges[key], d)
	return d
}

func (f *fakeStore) Name() string { return f.name }
func (f *fakeStore) Open(context.Context, *model.KnownSizes) error { return nil }
func (f *fakeStore) Close(context.Context) error                  { return nil }
func (f *fakeStore) ListVolumes(context.Context) ([]*model.Volume, error) { return nil, nil }
func (f *fakeStore) ListContents(context.Context) ([]string, error)      { return nil, nil }
func (f *fakeStore) GetPaths(*model.Volume) []string                     { return nil }
func (f *fakeStore) GetEdges(_ context.Context, from *model.Volume) ([]*model.Diff, error) {
	key := uuid.Nil
	if from != nil {
		key = from.UUID
	}
	return f.edges[key], nil
}
func (f *fakeStore) HasEdge(_ context.Context, d *model.Diff) bool { return f.have[d.String()] }
func (f *fakeStore) MeasureSize(context.Context, *model.Diff, int) error { return nil }
func (f *fakeStore) Send(context.Context, *model.Diff) (transfer.Reader, error) { return nil, nil }
func (f *fakeStore) Receive(context.Context, *model.Diff, []string) (transfer.Writer, error) {
	return nil, nil
}
func (f *fakeStore) ReceiveVolumeInfo(context.Context, []string) (transfer.Writer, error) {
	return nil, nil
}
func (f *fakeStore) Keep(*model.Diff) {}
func (f *fakeStore) DeleteUnused(context.Context, bool) ([]*model.Volume, error) { return nil, nil }
func (f *fakeStore) DeletePartials(context.Context, bool) ([]string, error)      { return nil, nil }

var _ store.Store = (*fakeStore)(nil)

func vol(gen uint64, size uint64) *model.Volume {
	return &model.Volume{UUID: uuid.New(), Gen: gen, TotalSize: &size}
}

func TestAnalyzeTrivialPlan(t *testing.T) {
	src := newFakeStore("src")
	dest := newFakeStore("dest")

	a := vol(1, 100)
	b := vol(2, 10)
	src.addEdge(&model.Diff{ToVol: a, Size: 100})
	src.addEdge(&model.Diff{FromVol: a, ToVol: b, Size: 10})

	p := New([]store.Store{src, dest})
	plan, err := p.Analyze(t.Context(), []*model.Volume{a, b})
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 2)

	var total uint64
	for _, n := range plan.Nodes {
		total += n.Diff.Size
	}
	assert.EqualValues(t, 110, total)
}

func TestAnalyzeSkipsEdgeDestinationAlreadyHas(t *testing.T) {
	src := newFakeStore("src")
	dest := newFakeStore("dest")

	a := vol(1, 100)
	b := vol(2, 10)
	rootToA := src.addEdge(&model.Diff{ToVol: a, Size: 100})
	src.addEdge(&model.Diff{FromVol: a, ToVol: b, Size: 10})
	// Destination already possesses root->A: it reports the edge itself
	// (so A remains reachable as a predecessor) and the src copy is
	// skipped.
	destRootToA := dest.addEdge(&model.Diff{ToVol: a, Size: 100})
	dest.have[rootToA.String()] = true

	p := New([]store.Store{src, dest})
	plan, err := p.Analyze(t.Context(), []*model.Volume{a, b})
	require.NoError(t, err)

	byVol := map[uuid.UUID]*Node{}
	for _, n := range plan.Nodes {
		byVol[n.Volume.UUID] = n
	}
	require.Contains(t, byVol, a.UUID)
	require.Contains(t, byVol, b.UUID)
	assert.Equal(t, destRootToA, byVol[a.UUID].Diff, "A's incoming diff must be the destination's own, not re-fetched from src")
	assert.Equal(t, "dest", byVol[a.UUID].Diff.Sink.Name())
}

func TestAnalyzePrefersCheaperIntermediate(t *testing.T) {
	src := newFakeStore("src")
	dest := newFakeStore("dest")

	b := vol(1, 200)
	c := vol(2, 1000)
	src.addEdge(&model.Diff{ToVol: c, Size: 1000})
	src.addEdge(&model.Diff{ToVol: b, Size: 200})
	src.addEdge(&model.Diff{FromVol: b, ToVol: c, Size: 50})

	p := New([]store.Store{src, dest})
	plan, err := p.Analyze(t.Context(), []*model.Volume{c})
	require.NoError(t, err)

	byVol := map[uuid.UUID]*Node{}
	for _, n := range plan.Nodes {
		byVol[n.Volume.UUID] = n
	}
	require.Contains(t, byVol, b.UUID, "B must be retained as an intermediate")
	require.Contains(t, byVol, c.UUID)
	assert.True(t, byVol[b.UUID].Intermediate)
	assert.Equal(t, b.UUID, byVol[c.UUID].Diff.FromVol.UUID)
}

func TestAnalyzeAvoidsLoop(t *testing.T) {
	src := newFakeStore("src")
	dest := newFakeStore("dest")

	a := vol(1, 50)
	b := vol(2, 50)
	src.addEdge(&model.Diff{ToVol: a, Size: 10})
	src.addEdge(&model.Diff{ToVol: b, Size: 10})
	src.addEdge(&model.Diff{FromVol: a, ToVol: b, Size: 5})
	src.addEdge(&model.Diff{FromVol: b, ToVol: a, Size: 5})

	p := New([]store.Store{src, dest})
	plan, err := p.Analyze(t.Context(), []*model.Volume{a, b})
	require.NoError(t, err)

	for _, n := range plan.Nodes {
		assert.False(t, wouldLoop(n.Previous, n.Volume.UUID))
	}
}

func TestAnalyzeCannotReach(t *testing.T) {
	src := newFakeStore("src")
	dest := newFakeStore("dest")
	unreachable := vol(1, 10)

	p := New([]store.Store{src, dest})
	_, err := p.Analyze(t.Context(), []*model.Volume{unreachable})
	require.Error(t, err)
	var cannotReach *CannotReachError
	require.ErrorAs(t, err, &cannotReach)
	assert.Len(t, cannotReach.Volumes, 1)
}

func TestCostCorruptionExponentPenalizesDeepChains(t *testing.T) {
	direct := costOf("src", "dest", 100, nil, 1, false)
	deep := costOf("src", "dest", 100, &Node{Height: 7, Intermediate: true}, 8, false)
	assert.Greater(t, deep, direct)
}

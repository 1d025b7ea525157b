package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/dsh2dsh/go-monitoringplugin/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amescornish/buttersync/internal/config"
	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/store"
	"github.com/amescornish/buttersync/internal/transfer"
)

type fakeDestStore struct {
	volumes []*model.Volume
}

func (f *fakeDestStore) Name() string { return "fake" }
func (f *fakeDestStore) Open(context.Context, *model.KnownSizes) error { return nil }
func (f *fakeDestStore) Close(context.Context) error                  { return nil }
func (f *fakeDestStore) ListVolumes(context.Context) ([]*model.Volume, error) {
	return f.volumes, nil
}
func (f *fakeDestStore) ListContents(ctx context.Context) ([]string, error) {
	return store.DefaultListContents(ctx, f)
}
func (f *fakeDestStore) GetPaths(*model.Volume) []string { return nil }
func (f *fakeDestStore) GetEdges(context.Context, *model.Volume) ([]*model.Diff, error) {
	return nil, nil
}
func (f *fakeDestStore) HasEdge(context.Context, *model.Diff) bool { return false }
func (f *fakeDestStore) MeasureSize(context.Context, *model.Diff, int) error { return nil }
func (f *fakeDestStore) Send(context.Context, *model.Diff) (transfer.Reader, error) {
	return nil, nil
}
func (f *fakeDestStore) Receive(context.Context, *model.Diff, []string) (transfer.Writer, error) {
	return nil, nil
}
func (f *fakeDestStore) ReceiveVolumeInfo(context.Context, []string) (transfer.Writer, error) {
	return nil, nil
}
func (f *fakeDestStore) Keep(*model.Diff)                                       {}
func (f *fakeDestStore) DeleteUnused(context.Context, bool) ([]*model.Volume, error) { return nil, nil }
func (f *fakeDestStore) DeletePartials(context.Context, bool) ([]string, error) { return nil, nil }

var _ store.Store = (*fakeDestStore)(nil)

func newJob(name string) *config.SyncJob {
	return &config.SyncJob{Name: name}
}

func TestFreshnessCheckOKWhenWithinThresholds(t *testing.T) {
	dest := &fakeDestStore{volumes: []*model.Volume{{UUID: uuid.New(), Gen: 5}}}
	resp := monitoringplugin.NewResponse("freshness")
	check := NewFreshnessCheck(resp).
		WithThresholds(time.Hour, 2*time.Hour).
		WithClock(func() time.Time { return time.Unix(1000, 0) })

	require.NoError(t, check.UpdateStatus(t.Context(), newJob("nightly"), dest))
	assert.False(t, check.failed)
	assert.Zero(t, check.age)
}

func TestFreshnessCheckCriticalWhenNoVolumes(t *testing.T) {
	dest := &fakeDestStore{}
	resp := monitoringplugin.NewResponse("freshness")
	check := NewFreshnessCheck(resp).WithThresholds(time.Hour, 2*time.Hour)

	require.NoError(t, check.UpdateStatus(t.Context(), newJob("nightly"), dest))
	assert.True(t, check.failed)
}

func TestFreshnessCheckAgesSameVolumeAcrossRuns(t *testing.T) {
	id := uuid.New()
	dest := &fakeDestStore{volumes: []*model.Volume{{UUID: id, Gen: 5}}}
	resp := monitoringplugin.NewResponse("freshness")
	state := NewMemoryStateStore()
	clockTime := time.Unix(1000, 0)
	check := NewFreshnessCheck(resp).
		WithState(state).
		WithThresholds(time.Hour, 2*time.Hour).
		WithClock(func() time.Time { return clockTime })

	require.NoError(t, check.Run(t.Context(), newJob("nightly"), dest))
	assert.Zero(t, check.age)

	clockTime = clockTime.Add(90 * time.Minute)
	require.NoError(t, check.Reset().Run(t.Context(), newJob("nightly"), dest))
	assert.Equal(t, 90*time.Minute, check.age)
	assert.True(t, check.failed) // crossed the warning threshold, still same volume
}

func TestFreshnessCheckResetsAgeWhenVolumeAdvances(t *testing.T) {
	idA, idB := uuid.New(), uuid.New()
	dest := &fakeDestStore{volumes: []*model.Volume{{UUID: idA, Gen: 5}}}
	resp := monitoringplugin.NewResponse("freshness")
	state := NewMemoryStateStore()
	clockTime := time.Unix(1000, 0)
	check := NewFreshnessCheck(resp).
		WithState(state).
		WithThresholds(time.Hour, 2*time.Hour).
		WithClock(func() time.Time { return clockTime })

	require.NoError(t, check.Run(t.Context(), newJob("nightly"), dest))

	clockTime = clockTime.Add(3 * time.Hour)
	dest.volumes = []*model.Volume{{UUID: idB, Gen: 6}}
	require.NoError(t, check.Reset().Run(t.Context(), newJob("nightly"), dest))
	assert.Zero(t, check.age)
	assert.False(t, check.failed)
}

func TestFileStateStoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := FileStateStore{Dir: dir}

	loaded, err := s.Load("nightly")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	seen := map[string]seenRecord{"abc": {Gen: 3, FirstSeen: time.Unix(500, 0)}}
	require.NoError(t, s.Save("nightly", seen))

	loaded, err = s.Load("nightly")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), loaded["abc"].Gen)
}

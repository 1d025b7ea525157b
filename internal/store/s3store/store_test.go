package s3store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/amescornish/buttersync/internal/model"
)

// newTestStore builds a Store with its post-Open state populated
// directly, so these tests exercise the in-memory bookkeeping without
// an S3 client.
func newTestStore() *Store {
	s := New("s3://bucket/pfx", nil, "bucket", "pfx")
	s.volumes = make(map[uuid.UUID]*model.Volume)
	s.paths = make(map[uuid.UUID][]string)
	s.keyOf = make(map[model.Key]string)
	s.sizeOf = make(map[model.Key]int64)
	s.keep = make(map[uuid.UUID]bool)
	return s
}

func TestGetEdgesFiltersByFromVolume(t *testing.T) {
	s := newTestStore()
	root, a, b := uuid.Nil, uuid.New(), uuid.New()

	s.volumes[a] = &model.Volume{UUID: a}
	s.volumes[b] = &model.Volume{UUID: b}
	s.keyOf[model.Key{To: a, From: root}] = "pfx/daily/" + a.String() + "_" + zeroUUIDString
	s.keyOf[model.Key{To: b, From: a}] = "pfx/daily/" + b.String() + "_" + a.String()
	s.sizeOf[model.Key{To: b, From: a}] = 42

	edges, err := s.GetEdges(t.Context(), &model.Volume{UUID: a})
	assert.NoError(t, err)
	assert.Len(t, edges, 1)
	assert.Equal(t, b, edges[0].ToVol.UUID)
	assert.EqualValues(t, 42, edges[0].Size)
}

func TestGetEdgesNilFromReturnsRootEdges(t *testing.T) {
	s := newTestStore()
	a := uuid.New()
	s.volumes[a] = &model.Volume{UUID: a}
	s.keyOf[model.Key{To: a}] = "pfx/daily/" + a.String() + "_" + zeroUUIDString

	edges, err := s.GetEdges(t.Context(), nil)
	assert.NoError(t, err)
	assert.Len(t, edges, 1)
	assert.Nil(t, edges[0].FromVol)
}

func TestHasEdgeReportsPresence(t *testing.T) {
	s := newTestStore()
	a := uuid.New()
	s.keyOf[model.Key{To: a}] = "whatever"

	assert.True(t, s.HasEdge(t.Context(), &model.Diff{ToVol: &model.Volume{UUID: a}}))
	assert.False(t, s.HasEdge(t.Context(), &model.Diff{ToVol: &model.Volume{UUID: uuid.New()}}))
}

func TestDeleteUnusedDryRunSkipsKeptVolumes(t *testing.T) {
	s := newTestStore()
	kept, unused := uuid.New(), uuid.New()
	s.volumes[kept] = &model.Volume{UUID: kept}
	s.volumes[unused] = &model.Volume{UUID: unused}
	s.keyOf[model.Key{To: kept}] = "k1"
	s.keyOf[model.Key{To: unused}] = "k2"
	s.keep[kept] = true

	candidates, err := s.DeleteUnused(t.Context(), true)
	assert.NoError(t, err)
	assert.Len(t, candidates, 1)
	assert.Equal(t, unused, candidates[0].UUID)
}

func TestListVolumesAppliesUserVolumeFilter(t *testing.T) {
	s := newTestStore()
	daily, weekly := uuid.New(), uuid.New()
	s.volumes[daily] = &model.Volume{UUID: daily}
	s.volumes[weekly] = &model.Volume{UUID: weekly}
	s.paths[daily] = []string{"2024-daily"}
	s.paths[weekly] = []string{"2024-weekly"}
	s.userVolume = "weekly"

	vols, err := s.ListVolumes(t.Context())
	assert.NoError(t, err)
	assert.Len(t, vols, 1)
	assert.Equal(t, weekly, vols[0].UUID)
}

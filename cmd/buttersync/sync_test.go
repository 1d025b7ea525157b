package main

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amescornish/buttersync/internal/config"
	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/store"
	"github.com/amescornish/buttersync/internal/transfer"
)

// fakeListStore is a store.Store stub covering only what requiredVolumes
// calls (Name, ListVolumes); every other method is a no-op returning
// zero values.
type fakeListStore struct {
	volumes []*model.Volume
}

var _ store.Store = (*fakeListStore)(nil)

func (f *fakeListStore) Name() string { return "fake" }

func (f *fakeListStore) Open(ctx context.Context, known *model.KnownSizes) error { return nil }
func (f *fakeListStore) Close(ctx context.Context) error                        { return nil }

func (f *fakeListStore) ListVolumes(ctx context.Context) ([]*model.Volume, error) {
	return f.volumes, nil
}

func (f *fakeListStore) ListContents(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeListStore) GetPaths(vol *model.Volume) []string                { return nil }

func (f *fakeListStore) GetEdges(ctx context.Context, from *model.Volume) ([]*model.Diff, error) {
	return nil, nil
}

func (f *fakeListStore) HasEdge(ctx context.Context, diff *model.Diff) bool { return false }

func (f *fakeListStore) MeasureSize(ctx context.Context, diff *model.Diff, chunkSize int) error {
	return nil
}

func (f *fakeListStore) Send(ctx context.Context, diff *model.Diff) (transfer.Reader, error) {
	return nil, nil
}

func (f *fakeListStore) Receive(ctx context.Context, diff *model.Diff, candidatePaths []string) (transfer.Writer, error) {
	return nil, nil
}

func (f *fakeListStore) ReceiveVolumeInfo(ctx context.Context, candidatePaths []string) (transfer.Writer, error) {
	return nil, nil
}

func (f *fakeListStore) Keep(diff *model.Diff) {}

func (f *fakeListStore) DeleteUnused(ctx context.Context, dryRun bool) ([]*model.Volume, error) {
	return nil, nil
}

func (f *fakeListStore) DeletePartials(ctx context.Context, dryRun bool) ([]string, error) {
	return nil, nil
}

func TestStoreNameDerivesFromConcreteConfig(t *testing.T) {
	assert.Equal(t, "btrfs:///srv/pool1", storeName(config.StoreConfig{
		Type: "btrfs", Btrfs: &config.BtrfsStoreConfig{Root: "/srv/pool1"},
	}, "fallback"))

	assert.Equal(t, "s3://bucket/prefix", storeName(config.StoreConfig{
		Type: "s3", S3: &config.S3StoreConfig{Bucket: "bucket", Prefix: "prefix"},
	}, "fallback"))

	assert.Equal(t, "ssh://host/dir", storeName(config.StoreConfig{
		Type: "ssh", SSH: &config.SSHStoreConfig{Host: "host", Dir: "/dir"},
	}, "fallback"))
}

func TestStoreNameFallsBackWhenSubConfigMissing(t *testing.T) {
	assert.Equal(t, "fallback", storeName(config.StoreConfig{Type: "btrfs"}, "fallback"))
}

func TestRequiredVolumesDefaultsToEverythingDestLacks(t *testing.T) {
	haveID := uuid.New()
	needID := uuid.New()
	src := &fakeListStore{volumes: []*model.Volume{{UUID: haveID}, {UUID: needID}}}
	dest := &fakeListStore{volumes: []*model.Volume{{UUID: haveID}}}

	required, err := requiredVolumes(context.Background(), []store.Store{src}, dest, nil)
	require.NoError(t, err)
	require.Len(t, required, 1)
	assert.Equal(t, needID, required[0].UUID)
}

func TestRequiredVolumesFiltersByUUIDString(t *testing.T) {
	id := uuid.New()
	src := &fakeListStore{volumes: []*model.Volume{{UUID: id}, {UUID: uuid.New()}}}
	dest := &fakeListStore{}

	required, err := requiredVolumes(context.Background(), []store.Store{src}, dest, []string{id.String()})
	require.NoError(t, err)
	require.Len(t, required, 1)
	assert.Equal(t, id, required[0].UUID)
}

func TestRequiredVolumesSkipsUnknownNames(t *testing.T) {
	src := &fakeListStore{volumes: []*model.Volume{{UUID: uuid.New()}}}
	dest := &fakeListStore{}

	required, err := requiredVolumes(context.Background(), []store.Store{src}, dest, []string{uuid.New().String()})
	require.NoError(t, err)
	assert.Empty(t, required)
}

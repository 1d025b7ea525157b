package sshstore

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/store"
)

func TestOpenPopulatesVolumesAndPaths(t *testing.T) {
	client, fs, stop := connectedPair(store.ModeRead)
	defer stop()

	id := uuid.New()
	total := uint64(1234)
	fs.volumes = []*model.Volume{{UUID: id, Gen: 3, TotalSize: &total}}
	fs.paths[id] = []string{"daily-1"}

	require.NoError(t, client.Open(t.Context(), model.NewKnownSizes()))

	vols, err := client.ListVolumes(t.Context())
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, id, vols[0].UUID)
	assert.EqualValues(t, 3, vols[0].Gen)
	assert.Equal(t, []string{"daily-1"}, client.GetPaths(vols[0]))
}

func TestGetEdgesRoundTrip(t *testing.T) {
	client, fs, stop := connectedPair(store.ModeRead)
	defer stop()
	require.NoError(t, client.Open(t.Context(), model.NewKnownSizes()))

	to := uuid.New()
	fs.edges[uuid.Nil] = []*model.Diff{{ToVol: &model.Volume{UUID: to}, Size: 99}}

	edges, err := client.GetEdges(t.Context(), nil)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, to, edges[0].ToVol.UUID)
	assert.EqualValues(t, 99, edges[0].Size)
	assert.Equal(t, "fake", edges[0].Sink.Name())
}

func TestSendReadRoundTrip(t *testing.T) {
	client, fs, stop := connectedPair(store.ModeRead)
	defer stop()
	require.NoError(t, client.Open(t.Context(), model.NewKnownSizes()))

	to := uuid.New()
	body := bytes.Repeat([]byte("buttersync"), 1000)
	fs.bodies[to] = body

	r, err := client.Send(t.Context(), &model.Diff{ToVol: &model.Volume{UUID: to}})
	require.NoError(t, err)

	got, err := io.ReadAll(&chunkedReader{r: r})
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, body, got)
}

// chunkedReader forces io.ReadAll to call Read with small buffers, to
// exercise multiple "read <n>" round trips rather than one.
type chunkedReader struct{ r io.Reader }

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > 64 {
		p = p[:64]
	}
	return c.r.Read(p)
}

func TestReceiveWriteRoundTrip(t *testing.T) {
	client, fs, stop := connectedPair(store.ModeAppend)
	defer stop()
	require.NoError(t, client.Open(t.Context(), model.NewKnownSizes()))

	to := uuid.New()
	w, err := client.Receive(t.Context(), &model.Diff{ToVol: &model.Volume{UUID: to}}, []string{"target-dir"})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("x"), 5000)
	n, err := w.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, w.Close())

	assert.Equal(t, payload, fs.received["target-dir"])
}

func TestKeepMarksRemoteVolume(t *testing.T) {
	client, fs, stop := connectedPair(store.ModeRead)
	defer stop()
	require.NoError(t, client.Open(t.Context(), model.NewKnownSizes()))

	to := uuid.New()
	client.Keep(&model.Diff{ToVol: &model.Volume{UUID: to}})
	assert.True(t, fs.kept[to])
}

func TestDeleteUnusedDryRunDoesNotMutateRemote(t *testing.T) {
	client, fs, stop := connectedPair(store.ModeRead)
	defer stop()
	require.NoError(t, client.Open(t.Context(), model.NewKnownSizes()))

	id := uuid.New()
	fs.volumes = []*model.Volume{{UUID: id}}

	vols, err := client.DeleteUnused(t.Context(), true)
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, id, vols[0].UUID)
	assert.Empty(t, fs.deleted)
}

func TestReceiveRejectedUnderReadOnlyMode(t *testing.T) {
	client, _, stop := connectedPair(store.ModeRead)
	defer stop()
	require.NoError(t, client.Open(t.Context(), model.NewKnownSizes()))

	_, err := client.Receive(t.Context(), &model.Diff{ToVol: &model.Volume{UUID: uuid.New()}}, []string{"x"})
	require.Error(t, err)
	var peerErr *RemotePeerError
	assert.ErrorAs(t, err, &peerErr)
}

package sshstore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/store"
	"github.com/amescornish/buttersync/internal/transfer"
)

// fakeStore is a minimal in-memory store.Store used to exercise Server
// without a real btrfs/S3 backend.
type fakeStore struct {
	mu      sync.Mutex
	volumes []*model.Volume
	paths   map[uuid.UUID][]string
	edges   map[uuid.UUID][]*model.Diff // keyed by FromVol.UUID, uuid.Nil for roots
	bodies  map[uuid.UUID][]byte        // diff body keyed by ToVol.UUID

	received map[string][]byte // path -> written bytes
	kept     map[uuid.UUID]bool
	deleted  []*model.Volume
	cleaned  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		paths:    map[uuid.UUID][]string{},
		edges:    map[uuid.UUID][]*model.Diff{},
		bodies:   map[uuid.UUID][]byte{},
		received: map[string][]byte{},
		kept:     map[uuid.UUID]bool{},
	}
}

func (f *fakeStore) Name() string { return "fake" }

func (f *fakeStore) Open(context.Context, *model.KnownSizes) error { return nil }
func (f *fakeStore) Close(context.Context) error                   { return nil }

func (f *fakeStore) ListVolumes(context.Context) ([]*model.Volume, error) { return f.volumes, nil }
func (f *fakeStore) ListContents(ctx context.Context) ([]string, error) {
	return store.DefaultListContents(ctx, f)
}
func (f *fakeStore) GetPaths(vol *model.Volume) []string { return f.paths[vol.UUID] }

func (f *fakeStore) GetEdges(_ context.Context, from *model.Volume) ([]*model.Diff, error) {
	key := uuid.Nil
	if from != nil {
		key = from.UUID
	}
	return f.edges[key], nil
}

func (f *fakeStore) HasEdge(_ context.Context, diff *model.Diff) bool {
	key := uuid.Nil
	if diff.FromVol != nil {
		key = diff.FromVol.UUID
	}
	for _, e := range f.edges[key] {
		if e.ToVol.UUID == diff.ToVol.UUID {
			return true
		}
	}
	return false
}

func (f *fakeStore) MeasureSize(_ context.Context, diff *model.Diff, _ int) error {
	diff.Size = uint64(len(f.bodies[diff.ToVol.UUID]))
	diff.SizeIsEstimated = false
	return nil
}

type closingReader struct{ *bytes.Reader }

func (closingReader) Close() error { return nil }

func (f *fakeStore) Send(_ context.Context, diff *model.Diff) (transfer.Reader, error) {
	body := f.bodies[diff.ToVol.UUID]
	return closingReader{bytes.NewReader(body)}, nil
}

type recordingWriter struct {
	f    *fakeStore
	path string
	buf  bytes.Buffer
}

func (w *recordingWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *recordingWriter) Close() error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.f.received[w.path] = w.buf.Bytes()
	return nil
}

func (f *fakeStore) Receive(_ context.Context, _ *model.Diff, candidatePaths []string) (transfer.Writer, error) {
	return &recordingWriter{f: f, path: store.SelectReceivePath(candidatePaths)}, nil
}

func (f *fakeStore) ReceiveVolumeInfo(_ context.Context, candidatePaths []string) (transfer.Writer, error) {
	return &recordingWriter{f: f, path: store.SelectReceivePath(candidatePaths) + ".info"}, nil
}

func (f *fakeStore) Keep(diff *model.Diff) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kept[diff.ToVol.UUID] = true
}

func (f *fakeStore) DeleteUnused(_ context.Context, dryRun bool) ([]*model.Volume, error) {
	if !dryRun {
		f.deleted = append(f.deleted, f.volumes...)
	}
	return f.volumes, nil
}

func (f *fakeStore) DeletePartials(_ context.Context, dryRun bool) ([]string, error) {
	partials := []string{"stray.part"}
	if !dryRun {
		f.cleaned = append(f.cleaned, partials...)
	}
	return partials, nil
}

var _ store.Store = (*fakeStore)(nil)

// connectedPair starts a Server over an fakeStore and returns a Store
// client wired to it via in-memory pipes, plus the fakeStore for
// assertions.
func connectedPair(mode store.Mode) (*Store, *fakeStore, func()) {
	fs := newFakeStore()
	srv := &Server{Store: fs, Mode: mode, Known: model.NewKnownSizes()}

	clientToServer := newPipe()
	serverToClient := newPipe()

	go func() { _ = srv.Serve(context.Background(), clientToServer.readSide, serverToClient.writeSide) }()

	client := NewOverStream("fake", mode, clientToServer.writeSide, serverToClient.readSide)
	stop := func() {
		clientToServer.writeSide.Close()
		serverToClient.writeSide.Close()
	}
	return client, fs, stop
}

// pipe is a thin io.Pipe wrapper giving named ends.
type pipe struct {
	readSide  io.ReadCloser
	writeSide io.WriteCloser
}

func newPipe() *pipe {
	r, w := io.Pipe()
	return &pipe{readSide: r, writeSide: w}
}

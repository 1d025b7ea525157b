package sshstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/store"
	"github.com/amescornish/buttersync/internal/transfer"
)

// Store is the client half of the peer protocol (spec §4.7): it talks
// to a Server, usually running at the far end of an ssh child process,
// over a line-oriented command/response stream.
type Store struct {
	name string
	mode store.Mode

	mu  sync.Mutex
	w   io.Writer
	br  *bufio.Reader
	cmd *exec.Cmd // nil when driven over an already-open stream (e.g. tests)

	enc *zstd.Encoder // non-nil when the transport is zstd-compressed
	dec *zstd.Decoder

	volumes []*model.Volume
	paths   map[string][]string
}

// Option configures transport-level behavior of a Store, independent
// of how its stdin/stdout pair was obtained.
type Option func(*options)

type options struct {
	compress bool
}

// WithCompress wraps the transport in a zstd encoder/decoder pair, so
// both command lines and payload bytes are compressed end to end. Each
// write is flushed immediately: the protocol is request/response, so
// bytes must reach the peer before its reply can arrive.
func WithCompress(compress bool) Option {
	return func(o *options) { o.compress = compress }
}

// Dial spawns `ssh <sshArgs...> <host> <remoteBinary> --server --mode
// <mode> <dir>` and wraps its stdin/stdout as a Store. remoteBinary
// defaults to "buttersync" when empty. sshArgs are inserted ahead of
// host, e.g. ["-i", "/path/to/key"] for a non-default identity file.
func Dial(ctx context.Context, sshBinary, host, remoteBinary, dir string, mode store.Mode, sshArgs ...string) (*Store, error) {
	return DialWithOptions(ctx, sshBinary, host, remoteBinary, dir, mode, false, nil, sshArgs...)
}

// DialWithOptions is Dial plus transport Options (currently just
// WithCompress) and remoteCompress, which tells the spawned peer to
// pass --compress so its side of the transport agrees with opts.
// Kept separate from Dial so the common uncompressed case doesn't need
// to pass a nil options slice at every call site.
func DialWithOptions(ctx context.Context, sshBinary, host, remoteBinary, dir string, mode store.Mode, remoteCompress bool, opts []Option, sshArgs ...string) (*Store, error) {
	if remoteBinary == "" {
		remoteBinary = "buttersync"
	}
	serverArgs := []string{"--server", "--mode", mode.String()}
	if remoteCompress {
		serverArgs = append(serverArgs, "--compress")
	}
	args := append(append([]string{}, sshArgs...), host, remoteBinary)
	args = append(args, serverArgs...)
	args = append(args, dir)
	cmd := exec.CommandContext(ctx, sshBinary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sshstore: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sshstore: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sshstore: starting %s: %w", sshBinary, err)
	}

	s := &Store{name: "ssh://" + host + dir, mode: mode, cmd: cmd}
	if err := s.attachTransport(stdin, stdout, opts...); err != nil {
		return nil, err
	}
	return s, nil
}

// NewOverStream wraps an already-open duplex connection (e.g. an
// io.Pipe in tests, or a multiplexed channel) as a Store, without
// spawning a subprocess.
func NewOverStream(name string, mode store.Mode, w io.Writer, r io.Reader, opts ...Option) *Store {
	s := &Store{name: name, mode: mode}
	if err := s.attachTransport(w, r, opts...); err != nil {
		// Only WithCompress can fail here, and zstd.NewWriter/NewReader
		// only error on bad option values, none of which this package
		// produces; a Store left half-built is still safer than a panic.
		s.w, s.br = w, bufio.NewReaderSize(r, 64*1024)
	}
	return s
}

func (s *Store) attachTransport(w io.Writer, r io.Reader, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if !o.compress {
		s.w = w
		s.br = bufio.NewReaderSize(r, 64*1024)
		return nil
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("sshstore: building zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		enc.Close()
		return fmt.Errorf("sshstore: building zstd decoder: %w", err)
	}
	s.enc = enc
	s.dec = dec
	s.w = &flushWriter{enc: enc}
	s.br = bufio.NewReaderSize(dec, 64*1024)
	return nil
}

// flushWriter flushes after every Write, so a zstd encoder's internal
// buffering doesn't delay a command line reaching the peer.
type flushWriter struct{ enc *zstd.Encoder }

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.enc.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.enc.Flush()
}

func (s *Store) Name() string   { return s.name }
func (s *Store) IsRemote() bool { return true }

// roundTrip sends one command line and reads back its Response. Callers
// that need to consume raw payload bytes after the Response (read/write)
// must hold s.mu themselves across the whole exchange; roundTrip does
// not release it.
func (s *Store) roundTrip(cmd string, args ...string) (Response, error) {
	if _, err := io.WriteString(s.w, encodeCommand(cmd, args...)); err != nil {
		return Response{}, fmt.Errorf("sshstore: writing command %q: %w", cmd, err)
	}
	line, err := s.br.ReadString('\n')
	if err != nil {
		return Response{}, fmt.Errorf("sshstore: reading response to %q: %w", cmd, err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return Response{}, fmt.Errorf("sshstore: decoding response to %q: %w", cmd, err)
	}
	if resp.Error != "" {
		return resp, &RemotePeerError{Message: resp.Error, Type: resp.ErrorType, Command: resp.Command, Traceback: resp.Traceback}
	}
	return resp, nil
}

// RemotePeerError wraps a server-reported failure, preserving its
// reported type and traceback (spec §7).
type RemotePeerError struct {
	Message   string
	Type      string
	Command   string
	Traceback string
}

func (e *RemotePeerError) Error() string {
	return fmt.Sprintf("remote peer error in %q: %s (%s)", e.Command, e.Message, e.Type)
}

func (s *Store) Open(_ context.Context, known *model.KnownSizes) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.roundTrip("version"); err != nil {
		return err
	}

	resp, err := s.roundTrip("volumes")
	if err != nil {
		return err
	}
	s.volumes = make([]*model.Volume, 0, len(resp.Volumes))
	s.paths = make(map[string][]string, len(resp.Volumes))
	for _, wv := range resp.Volumes {
		v, err := volumeFromWire(wv)
		if err != nil {
			return err
		}
		s.volumes = append(s.volumes, v)
		s.paths[v.UUID.String()] = wv.Paths
	}
	_ = known // a remote store's sidecar state lives server-side; nothing to merge locally
	return nil
}

func volumeFromWire(wv WireVolume) (*model.Volume, error) {
	id, err := decodeUUID(wv.UUID)
	if err != nil {
		return nil, err
	}
	return &model.Volume{UUID: id, Gen: wv.Gen, TotalSize: wv.TotalSize, ExclusiveSize: wv.ExclusiveSize}, nil
}

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	_, _ = s.roundTrip("quit")
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	s.mu.Unlock()
	if s.cmd != nil {
		return s.cmd.Wait()
	}
	return nil
}

func (s *Store) ListVolumes(_ context.Context) ([]*model.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Volume(nil), s.volumes...), nil
}

func (s *Store) ListContents(ctx context.Context) ([]string, error) {
	return store.DefaultListContents(ctx, s)
}

func (s *Store) GetPaths(vol *model.Volume) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths[vol.UUID.String()]...)
}

func (s *Store) GetEdges(_ context.Context, from *model.Volume) ([]*model.Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fromArg := noneUUID
	if from != nil {
		fromArg = from.UUID.String()
	}
	resp, err := s.roundTrip("edges", fromArg)
	if err != nil {
		return nil, err
	}

	out := make([]*model.Diff, 0, len(resp.Edges))
	for _, we := range resp.Edges {
		d, err := diffFromWire(we, s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func diffFromWire(we WireDiff, sink model.Sink) (*model.Diff, error) {
	to, err := decodeUUID(we.To)
	if err != nil {
		return nil, err
	}
	from, err := decodeUUID(we.From)
	if err != nil {
		return nil, err
	}
	d := &model.Diff{ToVol: &model.Volume{UUID: to}, Sink: sink, Size: we.Size, SizeIsEstimated: we.SizeIsEstimated}
	if from != uuid.Nil {
		d.FromVol = &model.Volume{UUID: from}
	}
	return d, nil
}

func (s *Store) HasEdge(ctx context.Context, diff *model.Diff) bool {
	edges, err := s.GetEdges(ctx, diff.FromVol)
	if err != nil {
		return false
	}
	for _, e := range edges {
		if e.ToVol.UUID == diff.ToVol.UUID {
			return true
		}
	}
	return false
}

func (s *Store) MeasureSize(_ context.Context, diff *model.Diff, chunk int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.roundTrip("measure", encodeUUID(diff.ToVol.UUID), fromUUIDArg(diff), strconv.FormatUint(diff.Size, 10), strconv.Itoa(chunk), "false")
	if err != nil {
		return err
	}
	diff.Size = resp.Size
	diff.SizeIsEstimated = resp.SizeIsEstimated
	return nil
}

func fromUUIDArg(d *model.Diff) string {
	if d.FromVol == nil {
		return noneUUID
	}
	return d.FromVol.UUID.String()
}

// remoteReader pulls payload bytes through repeated "read <n>" round
// trips, holding the client's connection lock for the session's
// duration: the peer protocol is not safe for concurrent commands from
// one Store.
type remoteReader struct {
	s      *Store
	closed bool
}

func (s *Store) Send(_ context.Context, diff *model.Diff) (transfer.Reader, error) {
	s.mu.Lock()
	resp, err := s.roundTrip("send", encodeUUID(diff.ToVol.UUID), fromUUIDArg(diff))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !resp.OK {
		s.mu.Unlock()
		return nil, store.ErrDiffUnavailable
	}
	return &remoteReader{s: s}, nil // mu released on Close
}

func (r *remoteReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.EOF
	}
	if _, err := io.WriteString(r.s.w, encodeCommand("read", strconv.Itoa(len(p)))); err != nil {
		return 0, err
	}
	line, err := r.s.br.ReadString('\n')
	if err != nil {
		return 0, err
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, &RemotePeerError{Message: resp.Error, Type: resp.ErrorType, Command: resp.Command}
	}
	if resp.N == 0 {
		r.closed = true
		return 0, io.EOF
	}
	if _, err := io.ReadFull(r.s.br, p[:resp.N]); err != nil {
		return 0, err
	}
	return resp.N, nil
}

func (r *remoteReader) Close() error {
	r.s.mu.Unlock()
	return nil
}

type remoteWriter struct {
	s      *Store
	closed bool
}

func (s *Store) Receive(_ context.Context, diff *model.Diff, candidatePaths []string) (transfer.Writer, error) {
	s.mu.Lock()
	path := store.SelectReceivePath(candidatePaths)
	resp, err := s.roundTrip("receive", path, encodeUUID(diff.ToVol.UUID), fromUUIDArg(diff))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !resp.OK {
		s.mu.Unlock()
		return nil, store.ErrDiffUnavailable
	}
	return &remoteWriter{s: s}, nil // mu released on Close
}

func (s *Store) ReceiveVolumeInfo(_ context.Context, candidatePaths []string) (transfer.Writer, error) {
	s.mu.Lock()
	path := store.SelectReceivePath(candidatePaths)
	if _, err := s.roundTrip("info", path); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &remoteWriter{s: s}, nil
}

func (w *remoteWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("sshstore: write to closed remote writer")
	}
	if _, err := io.WriteString(w.s.w, encodeCommand("write", strconv.Itoa(len(p)))); err != nil {
		return 0, err
	}
	if _, err := w.s.w.Write(p); err != nil {
		return 0, err
	}
	line, err := w.s.br.ReadString('\n')
	if err != nil {
		return 0, err
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, &RemotePeerError{Message: resp.Error, Type: resp.ErrorType, Command: resp.Command}
	}
	return resp.N, nil
}

func (w *remoteWriter) Close() error {
	defer w.s.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if _, err := io.WriteString(w.s.w, encodeCommand("write", "0")); err != nil {
		return err
	}
	_, err := w.s.br.ReadString('\n')
	return err
}

func (s *Store) Keep(diff *model.Diff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.roundTrip("keep", encodeUUID(diff.ToVol.UUID), fromUUIDArg(diff))
}

func (s *Store) DeleteUnused(_ context.Context, dryRun bool) ([]*model.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := "delete"
	if dryRun {
		cmd = "listDelete"
	}
	resp, err := s.roundTrip(cmd)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Volume, 0, len(resp.Deleted))
	for _, idStr := range resp.Deleted {
		id, err := decodeUUID(idStr)
		if err != nil {
			continue
		}
		out = append(out, &model.Volume{UUID: id})
	}
	return out, nil
}

func (s *Store) DeletePartials(_ context.Context, dryRun bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := "clean"
	if dryRun {
		cmd = "listClean"
	}
	resp, err := s.roundTrip(cmd)
	if err != nil {
		return nil, err
	}
	return resp.Deleted, nil
}

var _ store.Store = (*Store)(nil)

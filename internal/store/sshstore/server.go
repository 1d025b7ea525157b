package sshstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/store"
)

// serverVersion is reported by the "version" command so a client can
// log a mismatch rather than fail opaquely mid-transfer.
const serverVersion = "buttersync/1"

// Server answers the peer protocol against a local store.Store,
// running in the process spawned by the client's ssh child (spec
// §4.7 "--server mode").
type Server struct {
	Store store.Store
	Mode  store.Mode
	Known *model.KnownSizes

	// Compress mirrors the client's WithCompress: both ends of one
	// session must agree, since there's no in-band negotiation.
	Compress bool

	active    *sendSession
	receiving io.WriteCloser
}

type sendSession struct {
	r interface {
		Read([]byte) (int, error)
		Close() error
	}
}

// Serve runs one peer session to completion: reads command lines from
// r, dispatches them against Store, and writes one JSON Response line
// to w per command (plus any raw payload bytes a read/write exchange
// requires). Returns nil after an orderly "quit".
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	if s.Compress {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("sshstore: building zstd decoder: %w", err)
		}
		defer zr.Close()
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("sshstore: building zstd encoder: %w", err)
		}
		defer zw.Close()
		r, w = zr, &flushWriter{enc: zw}
	}

	br := bufio.NewReaderSize(r, 64*1024)
	enc := json.NewEncoder(w)

	if err := s.Store.Open(ctx, s.Known); err != nil {
		return fmt.Errorf("sshstore: opening local store: %w", err)
	}
	defer s.Store.Close(ctx)

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
				return nil
			}
			if !errors.Is(err, io.EOF) {
				return fmt.Errorf("sshstore: reading command: %w", err)
			}
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if errors.Is(err, io.EOF) {
				return nil
			}
			continue
		}

		cmd, args, perr := parseCommand(line)
		if perr != nil {
			if encErr := enc.Encode(errorResponse("", perr)); encErr != nil {
				return encErr
			}
			continue
		}

		if cmd == "quit" {
			_ = enc.Encode(Response{OK: true})
			return nil
		}

		resp, payloadErr := s.dispatch(ctx, cmd, args, br, w)
		if errors.Is(payloadErr, errAlreadyWritten) {
			// handleRead already wrote its own Response line followed
			// by the raw payload bytes; encoding resp again here would
			// desynchronize the client.
			continue
		}
		if payloadErr != nil {
			resp = errorResponse(cmd, payloadErr)
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
}

// requiredMode returns the minimum session mode each command needs,
// per the spec §4.7 command table.
func requiredMode(cmd string) store.Mode {
	switch cmd {
	case "receive", "info":
		return store.ModeAppend
	case "delete", "clean":
		return store.ModeWrite
	default:
		return store.ModeRead
	}
}

func (s *Server) dispatch(ctx context.Context, cmd string, args []string, br *bufio.Reader, w io.Writer) (Response, error) {
	if !s.Mode.Allows(requiredMode(cmd)) {
		return Response{}, fmt.Errorf("sshstore: command %q requires mode %q, session opened as %q", cmd, requiredMode(cmd), s.Mode)
	}

	switch cmd {
	case "version":
		return Response{OK: true, Version: fmt.Sprintf("%s %s/%s", serverVersion, runtime.GOOS, runtime.GOARCH)}, nil

	case "volumes":
		return s.handleVolumes(ctx)

	case "edges":
		return s.handleEdges(ctx, args)

	case "measure":
		return s.handleMeasure(ctx, args)

	case "send":
		return s.handleSend(ctx, args)

	case "read":
		return s.handleRead(ctx, args, w)

	case "receive":
		return s.handleReceive(ctx, args)

	case "info":
		return s.handleInfo(ctx, args)

	case "write":
		return s.handleWrite(ctx, args, br)

	case "keep":
		return s.handleKeep(args)

	case "delete":
		return s.handleDelete(ctx, false)

	case "listDelete":
		return s.handleDelete(ctx, true)

	case "clean":
		return s.handleClean(ctx, false)

	case "listClean":
		return s.handleClean(ctx, true)

	default:
		return Response{}, fmt.Errorf("sshstore: unknown command %q", cmd)
	}
}

func (s *Server) handleVolumes(ctx context.Context) (Response, error) {
	vols, err := s.Store.ListVolumes(ctx)
	if err != nil {
		return Response{}, err
	}
	out := make([]WireVolume, 0, len(vols))
	for _, v := range vols {
		out = append(out, WireVolume{
			UUID: v.UUID.String(), Gen: v.Gen,
			TotalSize: v.TotalSize, ExclusiveSize: v.ExclusiveSize,
			Paths: s.Store.GetPaths(v),
		})
	}
	return Response{OK: true, Volumes: out}, nil
}

func (s *Server) handleEdges(ctx context.Context, args []string) (Response, error) {
	if len(args) != 1 {
		return Response{}, fmt.Errorf("sshstore: edges requires 1 argument, got %d", len(args))
	}
	from, err := decodeUUID(args[0])
	if err != nil {
		return Response{}, err
	}

	var fromVol *model.Volume
	if from != uuid.Nil {
		fromVol = &model.Volume{UUID: from}
	}
	edges, err := s.Store.GetEdges(ctx, fromVol)
	if err != nil {
		return Response{}, err
	}

	out := make([]WireDiff, 0, len(edges))
	for _, e := range edges {
		out = append(out, wireDiff(e))
	}
	return Response{OK: true, Edges: out}, nil
}

func wireDiff(d *model.Diff) WireDiff {
	from := uuid.Nil
	if d.FromVol != nil {
		from = d.FromVol.UUID
	}
	return WireDiff{To: d.ToVol.UUID.String(), From: encodeUUID(from), Size: d.Size, SizeIsEstimated: d.SizeIsEstimated}
}

func diffFromArgs(toStr, fromStr string) (*model.Diff, error) {
	to, err := decodeUUID(toStr)
	if err != nil {
		return nil, err
	}
	from, err := decodeUUID(fromStr)
	if err != nil {
		return nil, err
	}
	d := &model.Diff{ToVol: &model.Volume{UUID: to}}
	if from != uuid.Nil {
		d.FromVol = &model.Volume{UUID: from}
	}
	return d, nil
}

func (s *Server) handleMeasure(ctx context.Context, args []string) (Response, error) {
	if len(args) != 5 {
		return Response{}, fmt.Errorf("sshstore: measure requires 5 arguments, got %d", len(args))
	}
	d, err := diffFromArgs(args[0], args[1])
	if err != nil {
		return Response{}, err
	}
	estSize, err := decodeUint(args[2])
	if err != nil {
		return Response{}, err
	}
	chunk, err := decodeInt(args[3])
	if err != nil {
		return Response{}, err
	}
	d.Size = estSize
	d.SizeIsEstimated = true

	if err := s.Store.MeasureSize(ctx, d, chunk); err != nil {
		return Response{}, err
	}
	return Response{OK: true, Size: d.Size, SizeIsEstimated: d.SizeIsEstimated}, nil
}

func (s *Server) handleSend(ctx context.Context, args []string) (Response, error) {
	if len(args) != 2 {
		return Response{}, fmt.Errorf("sshstore: send requires 2 arguments, got %d", len(args))
	}
	d, err := diffFromArgs(args[0], args[1])
	if err != nil {
		return Response{}, err
	}
	r, err := s.Store.Send(ctx, d)
	if err != nil {
		return Response{}, err
	}
	if r == nil { // dry run
		return Response{OK: true}, nil
	}
	s.active = &sendSession{r: r}
	return Response{OK: true}, nil
}

func (s *Server) handleRead(_ context.Context, args []string, w io.Writer) (Response, error) {
	if s.active == nil {
		return Response{}, fmt.Errorf("sshstore: read with no active send session")
	}
	if len(args) != 1 {
		return Response{}, fmt.Errorf("sshstore: read requires 1 argument, got %d", len(args))
	}
	n, err := decodeInt(args[0])
	if err != nil {
		return Response{}, err
	}

	buf := make([]byte, n)
	read, rerr := io.ReadFull(s.active.r, buf)
	if rerr != nil && !errors.Is(rerr, io.ErrUnexpectedEOF) && !errors.Is(rerr, io.EOF) {
		return Response{}, rerr
	}
	if read == 0 {
		_ = s.active.r.Close()
		s.active = nil
		return Response{OK: true, N: 0}, nil
	}

	resp := Response{OK: true, N: read}
	encodedResp, err := json.Marshal(resp)
	if err != nil {
		return Response{}, err
	}
	if _, err := w.Write(append(encodedResp, '\n')); err != nil {
		return Response{}, err
	}
	if _, err := w.Write(buf[:read]); err != nil {
		return Response{}, err
	}
	// The caller (dispatch/Serve) will encode resp a second time
	// unless told not to: return a sentinel that suppresses it.
	return Response{}, errAlreadyWritten
}

func (s *Server) handleReceive(ctx context.Context, args []string) (Response, error) {
	if len(args) != 3 {
		return Response{}, fmt.Errorf("sshstore: receive requires 3 arguments, got %d", len(args))
	}
	d, err := diffFromArgs(args[1], args[2])
	if err != nil {
		return Response{}, err
	}
	writer, err := s.Store.Receive(ctx, d, []string{args[0]})
	if err != nil {
		return Response{}, err
	}
	s.receiving = writer // nil in dry-run mode: Write then becomes a no-op sink
	return Response{OK: true}, nil
}

func (s *Server) handleInfo(ctx context.Context, args []string) (Response, error) {
	if len(args) != 1 {
		return Response{}, fmt.Errorf("sshstore: info requires 1 argument, got %d", len(args))
	}
	writer, err := s.Store.ReceiveVolumeInfo(ctx, []string{args[0]})
	if err != nil {
		return Response{}, err
	}
	s.receiving = writer
	return Response{OK: true}, nil
}

func (s *Server) handleWrite(_ context.Context, args []string, br *bufio.Reader) (Response, error) {
	if len(args) != 1 {
		return Response{}, fmt.Errorf("sshstore: write requires 1 argument, got %d", len(args))
	}
	n, err := decodeInt(args[0])
	if err != nil {
		return Response{}, err
	}
	if n == 0 {
		if s.receiving != nil {
			closeErr := s.receiving.Close()
			s.receiving = nil
			if closeErr != nil {
				return Response{}, closeErr
			}
		}
		return Response{OK: true, N: 0}, nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return Response{}, err
	}
	if s.receiving != nil {
		if _, err := s.receiving.Write(buf); err != nil {
			return Response{}, err
		}
	}
	return Response{OK: true, N: n}, nil
}

func (s *Server) handleKeep(args []string) (Response, error) {
	if len(args) != 2 {
		return Response{}, fmt.Errorf("sshstore: keep requires 2 arguments, got %d", len(args))
	}
	d, err := diffFromArgs(args[0], args[1])
	if err != nil {
		return Response{}, err
	}
	s.Store.Keep(d)
	return Response{OK: true}, nil
}

func (s *Server) handleDelete(ctx context.Context, dryRun bool) (Response, error) {
	vols, err := s.Store.DeleteUnused(ctx, dryRun)
	if err != nil {
		return Response{}, err
	}
	out := make([]string, 0, len(vols))
	for _, v := range vols {
		out = append(out, v.UUID.String())
	}
	return Response{OK: true, Deleted: out}, nil
}

func (s *Server) handleClean(ctx context.Context, dryRun bool) (Response, error) {
	paths, err := s.Store.DeletePartials(ctx, dryRun)
	if err != nil {
		return Response{}, err
	}
	return Response{OK: true, Deleted: paths}, nil
}

var errAlreadyWritten = errors.New("sshstore: response already written to the wire")

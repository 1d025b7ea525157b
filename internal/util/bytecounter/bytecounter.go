// Package bytecounter wraps an io.ReadCloser / io.WriteCloser to count
// bytes passed through it, for progress reporting and Prometheus metrics.
package bytecounter

import (
	"io"
	"sync/atomic"
)

type ReadCloser struct {
	io.ReadCloser
	n atomic.Uint64
}

func NewReadCloser(r io.ReadCloser) *ReadCloser {
	return &ReadCloser{ReadCloser: r}
}

func (r *ReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n.Add(uint64(n))
	return n, err
}

func (r *ReadCloser) Count() uint64 { return r.n.Load() }

type WriteCloser struct {
	io.WriteCloser
	n atomic.Uint64
}

func NewWriteCloser(w io.WriteCloser) *WriteCloser {
	return &WriteCloser{WriteCloser: w}
}

func (w *WriteCloser) Write(p []byte) (int, error) {
	n, err := w.WriteCloser.Write(p)
	w.n.Add(uint64(n))
	return n, err
}

func (w *WriteCloser) Count() uint64 { return w.n.Load() }

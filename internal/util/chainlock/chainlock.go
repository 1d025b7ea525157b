// Package chainlock provides a mutex wrapper whose methods return the
// receiver, so call sites can chain Lock().Unlock() via defer, and a
// HoldWhile helper for the common lock-run-unlock pattern.
package chainlock

import "sync"

type L struct {
	mu sync.Mutex
}

func (l *L) Lock() *L {
	l.mu.Lock()
	return l
}

func (l *L) Unlock() *L {
	l.mu.Unlock()
	return l
}

// HoldWhile runs fn with the lock held.
func (l *L) HoldWhile(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// Package model holds the data model shared by every store and the
// planner: Volume, Diff, and the process-wide known-sizes table.
package model

import (
	"github.com/google/uuid"
)

// Volume is an immutable, read-only snapshot. Two Volumes are equal iff
// their UUIDs are equal; UUID is the hash key wherever Volumes are
// indexed.
type Volume struct {
	UUID uuid.UUID
	Gen  uint64

	// TotalSize is the number of bytes referenced by the snapshot, if
	// known.
	TotalSize *uint64
	// ExclusiveSize is the number of bytes not shared with any other
	// snapshot, if known.
	ExclusiveSize *uint64
}

func (v *Volume) Equal(o *Volume) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.UUID == o.UUID
}

func (v *Volume) totalOr(def uint64) uint64 {
	if v == nil || v.TotalSize == nil {
		return def
	}
	return *v.TotalSize
}

func (v *Volume) exclusiveOr(def uint64) uint64 {
	if v == nil || v.ExclusiveSize == nil {
		return def
	}
	return *v.ExclusiveSize
}

// TotalSize returns v.TotalSize, or 0 if v is nil or unknown.
func TotalSize(v *Volume) uint64 { return v.totalOr(0) }

// ExclusiveSize returns v.ExclusiveSize, or 0 if v is nil or unknown.
func ExclusiveSize(v *Volume) uint64 { return v.exclusiveOr(0) }

// Sink is the subset of a Store's identity that a Diff needs: enough to
// log and compare which backend holds a given edge, without internal/
// model importing internal/store (which itself depends on model).
type Sink interface {
	// Name identifies the store for logging and for Diff equality by
	// origin, e.g. "btrfs:/srv/pool" or "s3://bucket/prefix".
	Name() string
}

// Diff is a directed edge from FromVol (nil meaning "full snapshot") to
// ToVol, backed by a specific Sink.
type Diff struct {
	FromVol *Volume // nil means full send
	ToVol   *Volume

	Sink Sink

	Size            uint64
	SizeIsEstimated bool
}

func (d *Diff) String() string {
	from := "(full)"
	if d.FromVol != nil {
		from = d.FromVol.UUID.String()
	}
	return from + "->" + d.ToVol.UUID.String()
}

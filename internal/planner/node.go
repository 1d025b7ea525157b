// Package planner implements the minimum-cost diff plan: given a set of
// required volumes and an ordered list of stores (destination last),
// choose for each reachable volume a single incoming diff minimizing
// total cost (spec §4.8, "the algorithmic heart").
package planner

import (
	"github.com/google/uuid"

	"github.com/amescornish/buttersync/internal/model"
)

// Node is a planner-internal waypoint for one volume. The root sentinel
// is the Node with Volume == nil, representing "no predecessor volume"
// (a full send's origin).
type Node struct {
	Volume *model.Volume

	// Intermediate is true if Volume is not in the required set but is
	// retained as a way-point toward one that is.
	Intermediate bool

	// Diff is the best incoming edge found so far for Volume; nil until
	// the relaxation assigns one.
	Diff *model.Diff

	// Previous is the predecessor Node that Diff.FromVol resolves to
	// (nil for the root sentinel, and for any node still unreached).
	Previous *Node

	// Height is the length of the chosen chain from the root.
	Height int

	// Accumulated is the sum of Diff.Size along the chosen chain from
	// the root to this Node. It orders candidates within a relaxation
	// round and is the total_size(prev) term costOf prices the next
	// edge with.
	Accumulated uint64
}

func (n *Node) isRoot() bool { return n.Volume == nil }

func (n *Node) key() uuid.UUID {
	if n.Volume == nil {
		return uuid.Nil
	}
	return n.Volume.UUID
}

// wouldLoop reports whether accepting an edge into toUUID from the
// chain ending at from would revisit a volume already on that chain,
// walking from.Volume back through Previous pointers.
func wouldLoop(from *Node, toUUID uuid.UUID) bool {
	for n := from; n != nil; n = n.Previous {
		if n.Volume != nil && n.Volume.UUID == toUUID {
			return true
		}
	}
	return false
}

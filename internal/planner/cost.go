package planner

import (
	"math"
)

// costOf implements the cost function from spec §4.8. sinkName is the
// store offering the candidate edge; destName is the destination
// store's name; size is the already size-adjusted edge byte count;
// prev is the edge's predecessor node; h is the height the edge would
// land at; deleteMode mirrors the same flag a delete-scope plan uses
// to price storage even for edges already at the destination.
func costOf(sinkName, destName string, size uint64, prev *Node, h int, deleteMode bool) float64 {
	atDest := sinkName == destName

	var transfer float64
	if !atDest {
		transfer = float64(size)
		if prev != nil && prev.Intermediate && prev.Diff != nil &&
			prev.Diff.Sink != nil && prev.Diff.Sink.Name() != destName {
			transfer += float64(totalSize(prev))
		}
	}

	var storage float64
	if !atDest || deleteMode {
		storage = float64(size) / 16
	}

	corruption := (float64(totalSize(prev)) + float64(size)) * math.Pow(2, float64(h-6))

	return transfer + storage + corruption
}

// totalSize is the cumulative transferred-diff size of the chain ending
// at n (spec §4.8's total_size(prev_node)), not any attribute of the
// volume itself.
func totalSize(n *Node) uint64 {
	if n == nil {
		return 0
	}
	return n.Accumulated
}

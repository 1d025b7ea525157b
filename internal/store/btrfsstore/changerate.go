package btrfsstore

import "math"

// minChangeRate is the floor applied whenever the change-rate formula
// hits a division-by-zero or domain error (spec §4.5: "on any
// division-by-zero or domain error, fall back to a floor of 10⁻⁵").
const minChangeRate = 1e-5

// siblingStats summarizes one group of sibling subvolumes for the
// change-rate formula. Groups are formed by btrfs parent UUID only
// (Store.Open); subvolumes that sit in the same directory but have
// different parents are not grouped together.
type siblingStats struct {
	totalSize     uint64 // Σ total_size
	deltaSize     uint64 // max(Σ exclusive_size, max_total − min_total)
	genSpan       uint64 // max_gen − min_gen
	count         int
}

// changeRate computes the per-generation change rate for one sibling
// group: rate = -ln(1 - D/T) * (N-1) / G / 10, floored at
// minChangeRate on any division-by-zero or domain error (T==0, G==0,
// or D/T >= 1, which would make log undefined).
func changeRate(s siblingStats) float64 {
	if s.totalSize == 0 || s.genSpan == 0 || s.count < 2 {
		return minChangeRate
	}
	d := float64(s.deltaSize) / float64(s.totalSize)
	if d >= 1 {
		return minChangeRate
	}
	rate := -math.Log(1-d) * float64(s.count-1) / float64(s.genSpan) / 10
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < minChangeRate {
		return minChangeRate
	}
	return rate
}

// estimateEdgeSize implements spec §4.5's edge-size estimate:
//
//	max(exclusive_size_of_to, total_size_of_to - total_size_of_from)
//	  + total_size_of_to * (1 - exp(-rate * |gen_to - gen_from|))
func estimateEdgeSize(rate float64, totalFrom, totalTo, exclusiveTo uint64, genFrom, genTo uint64) uint64 {
	base := exclusiveTo
	if totalTo > totalFrom && totalTo-totalFrom > base {
		base = totalTo - totalFrom
	}

	genDelta := genTo - genFrom
	if genTo < genFrom {
		genDelta = genFrom - genTo
	}

	decay := 1 - math.Exp(-rate*float64(genDelta))
	return base + uint64(float64(totalTo)*decay)
}

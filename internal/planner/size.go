package planner

import "github.com/amescornish/buttersync/internal/model"

// adjustedSize biases the relaxation toward edges whose size is
// already exact: an estimated size is inflated before it competes
// against measured sizes, by 1.2x if a later measurement phase will
// run (it mostly self-corrects), or 2x if not (estimates never get a
// second chance, so the bias must be larger).
func adjustedSize(d *model.Diff, measurementWillRun bool) uint64 {
	if d == nil || !d.SizeIsEstimated {
		if d == nil {
			return 0
		}
		return d.Size
	}
	factor := 2.0
	if measurementWillRun {
		factor = 1.2
	}
	return uint64(float64(d.Size) * factor)
}

package planner

import (
	"fmt"
	"strings"

	"github.com/amescornish/buttersync/internal/model"
)

// CannotReachError is returned by Analyze when, after relaxation and
// pruning, one or more required volumes still have no incoming diff.
type CannotReachError struct {
	Volumes []*model.Volume
}

func (e *CannotReachError) Error() string {
	ids := make([]string, len(e.Volumes))
	for i, v := range e.Volumes {
		ids[i] = v.UUID.String()
	}
	return fmt.Sprintf("planner: cannot reach %d required volume(s): %s",
		len(ids), strings.Join(ids, ", "))
}

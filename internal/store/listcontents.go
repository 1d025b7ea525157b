package store

import (
	"context"
	"fmt"

	"github.com/amescornish/buttersync/internal/model"
)

// DefaultListContents renders one line per volume, plus one line per
// edge ending at that volume, from s's own ListVolumes/GetEdges —
// recovering the human-oriented listing buttersink's Store.listContents
// produced, which the distilled spec dropped in favor of the
// machine-facing ListVolumes/GetEdges pair (SPEC_FULL supplemented
// feature). A backend calls this from its own ListContents unless it
// has cheaper metadata to render directly.
func DefaultListContents(ctx context.Context, s Store) ([]string, error) {
	vols, err := s.ListVolumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}

	byTo := make(map[string][]*model.Diff, len(vols))
	roots, err := s.GetEdges(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list root edges: %w", err)
	}
	for _, e := range roots {
		byTo[e.ToVol.UUID.String()] = append(byTo[e.ToVol.UUID.String()], e)
	}
	for _, v := range vols {
		edges, err := s.GetEdges(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("list edges from %s: %w", v.UUID, err)
		}
		for _, e := range edges {
			byTo[e.ToVol.UUID.String()] = append(byTo[e.ToVol.UUID.String()], e)
		}
	}

	lines := make([]string, 0, len(vols)*2)
	for _, v := range vols {
		paths := s.GetPaths(v)
		name := SelectReceivePath(paths)
		lines = append(lines, fmt.Sprintf("%s  %s  gen=%d  size=%d",
			v.UUID, name, v.Gen, model.TotalSize(v)))
		for _, e := range byTo[v.UUID.String()] {
			lines = append(lines, "  "+e.String()+fmt.Sprintf("  size=%d", e.Size))
		}
	}
	return lines, nil
}

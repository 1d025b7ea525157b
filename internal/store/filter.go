package store

import (
	"log/slog"

	"github.com/sahilm/fuzzy"
)

// FilterVolumeName narrows candidates (the textual locators a Store
// knows for its volumes, as returned by GetPaths) to the single-volume
// filter a user gave on the command line. The match is fuzzy and
// partial, the way an interactive selector would behave, rather than
// requiring an exact name: a candidate path "2024-01-02-daily" matches a
// user_volume filter of "0102" or "daily". Returns "" if nothing
// scored.
func FilterVolumeName(candidates []string, query string) string {
	if query == "" || len(candidates) == 0 {
		return ""
	}
	matches := fuzzy.Find(query, candidates)
	if len(matches) == 0 {
		return ""
	}
	return matches[0].Str
}

// LogWouldDo implements the dry-run logging contract shared by every
// mutating Store operation (spec §4.4): "every mutating call returns a
// sentinel ... and logs WOULD: <action>".
func LogWouldDo(action string, args ...any) {
	slog.Info("WOULD: "+action, args...)
}

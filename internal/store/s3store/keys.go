// Package s3store implements the S3 backend (spec §4.6): object keys
// encode a diff's endpoints directly, sidecar objects seed the
// known-sizes table, deletions land in a recoverable trash/ prefix,
// and receives use a resumable multipart upload whose parts double as
// the skip-by-checksum cache.
package s3store

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

const (
	trashPrefix    = "trash/"
	sidecarSuffix  = ".bs"
	zeroUUIDString = "00000000-0000-0000-0000-000000000000"
)

// objectKey builds the `<prefix>/<path>/<to_uuid>_<from_uuid>` key for
// a diff, per spec §4.6. A full send (from == uuid.Nil) still encodes
// both halves, with the zero UUID standing in for "no predecessor", so
// parsing is unambiguous.
func objectKey(prefix, dir string, to, from uuid.UUID) string {
	fromStr := zeroUUIDString
	if from != uuid.Nil {
		fromStr = from.String()
	}
	name := to.String() + "_" + fromStr
	return path.Join(prefix, dir, name)
}

// parseObjectKey recovers (dir, to, from) from a key built by
// objectKey, or ok=false if key doesn't match the naming convention
// (e.g. it's a sidecar or an unrelated object).
func parseObjectKey(prefix, key string) (dir string, to, from uuid.UUID, ok bool) {
	rel := strings.TrimPrefix(key, prefix)
	rel = strings.TrimPrefix(rel, "/")
	if strings.HasPrefix(rel, trashPrefix) || strings.HasSuffix(rel, sidecarSuffix) {
		return "", uuid.Nil, uuid.Nil, false
	}

	dir, name := path.Split(rel)
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 {
		return "", uuid.Nil, uuid.Nil, false
	}

	to, err := uuid.Parse(parts[0])
	if err != nil {
		return "", uuid.Nil, uuid.Nil, false
	}
	from, err = uuid.Parse(parts[1]) // parses the zero-UUID sentinel to uuid.Nil
	if err != nil {
		return "", uuid.Nil, uuid.Nil, false
	}
	return strings.TrimSuffix(dir, "/"), to, from, true
}

func sidecarKey(prefix, dir string, to uuid.UUID) string {
	return path.Join(prefix, dir, to.String()+sidecarSuffix)
}

func trashKey(prefix, key string) string {
	rel := strings.TrimPrefix(key, prefix)
	rel = strings.TrimPrefix(rel, "/")
	return path.Join(prefix, trashPrefix, rel)
}

func infoKey(prefix, dir, name string) string {
	return path.Join(prefix, dir, name+".info")
}

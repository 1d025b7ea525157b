// Package btrfsstore implements the local btrfs backend (spec §4.5):
// enumeration of read-only subvolumes by walking the filesystem's root
// tree, edge-size estimation from a per-sibling-group change-rate
// model, and send/receive driven through spawned btrfs-progs
// subprocesses.
package btrfsstore

import (
	"context"

	"github.com/google/uuid"
)

// Subvolume is one read-only snapshot as reported by the filesystem:
// the raw material Enumerate turns into model.Volumes plus their
// candidate paths.
type Subvolume struct {
	UUID         uuid.UUID
	ParentUUID   uuid.UUID // zero if none
	ReceivedUUID uuid.UUID // zero if this subvolume was not itself received
	Gen          uint64

	// Path is the filesystem path this particular listing entry was
	// found at. A single subvolume UUID may have more than one
	// Subvolume entry if bind-mounted or reflinked into multiple
	// locations; Enumerate folds these into one Volume with multiple
	// paths.
	Path string

	TotalSize     *uint64
	ExclusiveSize *uint64
}

// EffectiveUUID is the identifier this subvolume is known by for
// linkage purposes: for a received subvolume (one with a non-zero
// ReceivedUUID) it is the received-UUID, since that is the identity
// the sender asserted; otherwise it is the subvolume's own UUID.
func (s Subvolume) EffectiveUUID() uuid.UUID {
	if s.ReceivedUUID != uuid.Nil {
		return s.ReceivedUUID
	}
	return s.UUID
}

// Enumerator discovers read-only subvolumes under root. The ioctl- or
// CLI-level mechanics of talking to btrfs are deliberately behind this
// interface: a production Enumerator shells out to `btrfs subvolume
// list`/`btrfs qgroup show` (or issues the equivalent ioctls) and
// parses the result into Subvolumes; tests substitute a fixed list.
type Enumerator interface {
	Enumerate(ctx context.Context, root string) ([]Subvolume, error)
}

// Package streamrewrite parses a btrfs incremental send stream far
// enough to locate its first SUBVOL/SNAPSHOT command, patch the
// received-UUID, received-generation, and (for SNAPSHOT) clone UUID and
// generation TLV attributes, and repair the command's CRC32C so the
// receiving kernel accepts the patched linkage. See spec §4.1.
package streamrewrite

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"

	"github.com/google/uuid"
)

const (
	magic    = "btrfs-stream\x00"
	magicLen = len(magic)
	// magic + 4-byte version
	headerLen = magicLen + 4

	// length(4) + command(2) + crc32c(4)
	cmdHeaderLen = 4 + 2 + 4

	knownVersion = 1
)

// Command codes, matching btrfs-progs' send_stream.h btrfs_send_cmd.
const (
	cmdSubvol   = 1
	cmdSnapshot = 2
)

// TLV attribute types, matching btrfs-progs' send_stream.h
// btrfs_send_attr_type.
const (
	attrUUID          = 1
	attrCTransID      = 2
	attrPath          = 15
	attrCloneUUID     = 20
	attrCloneCTransID = 21
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// MalformedStreamError is returned when buf does not begin with the
// expected magic, or its first command's TLV region runs past the end
// of buf.
type MalformedStreamError struct {
	Reason string
}

func (e *MalformedStreamError) Error() string {
	return fmt.Sprintf("malformed btrfs send stream: %s", e.Reason)
}

// Options carries the identifiers to assert onto the stream's first
// command.
type Options struct {
	ReceivedUUID uuid.UUID
	ReceivedGen  uint64

	// CloneUUID and CloneGen are only applied to SNAPSHOT commands, and
	// only if the stream already carries a CLONE_UUID/CLONE_CTRANSID
	// attribute.
	CloneUUID *uuid.UUID
	CloneGen  *uint64
}

type tlv struct {
	start, end int // payload span within buf
}

// Rewrite mutates buf in place, patching the first command's identity
// attributes and repairing its CRC32C. buf must contain at least the
// complete first command (header + all its TLV attributes); it may
// contain more (subsequent commands), which are left untouched.
//
// If the first command is not SUBVOL or SNAPSHOT, buf is returned
// unchanged. Rewrite is a pure function of buf and opts: it has no
// side effects beyond mutating buf.
func Rewrite(ctx context.Context, buf []byte, opts Options) ([]byte, error) {
	if len(buf) < headerLen || string(buf[:magicLen]) != magic {
		return nil, &MalformedStreamError{Reason: "magic mismatch"}
	}

	version := binary.LittleEndian.Uint32(buf[magicLen:headerLen])
	if version > knownVersion {
		slog.WarnContext(ctx, "btrfs send stream version newer than known version, proceeding anyway",
			slog.Uint64("version", uint64(version)), slog.Uint64("known_version", knownVersion))
	}

	if len(buf) < headerLen+cmdHeaderLen {
		return nil, &MalformedStreamError{Reason: "truncated command header"}
	}

	cmdLen := binary.LittleEndian.Uint32(buf[headerLen : headerLen+4])
	cmd := binary.LittleEndian.Uint16(buf[headerLen+4 : headerLen+6])
	crcOffset := headerLen + 6

	tlvStart := headerLen + cmdHeaderLen
	tlvEnd := tlvStart + int(cmdLen)
	if tlvEnd > len(buf) {
		return nil, &MalformedStreamError{Reason: "command length runs past end of buffer"}
	}

	if cmd != cmdSubvol && cmd != cmdSnapshot {
		return buf, nil
	}

	attrs, err := indexTLVs(buf[tlvStart:tlvEnd], tlvStart)
	if err != nil {
		return nil, err
	}

	if t, ok := attrs[attrUUID]; ok {
		if err := putUUID(buf, t, opts.ReceivedUUID); err != nil {
			return nil, err
		}
	}
	if t, ok := attrs[attrCTransID]; ok {
		if err := putUint64(buf, t, opts.ReceivedGen); err != nil {
			return nil, err
		}
	}

	if cmd == cmdSnapshot {
		if opts.CloneUUID != nil {
			if t, ok := attrs[attrCloneUUID]; ok {
				if err := putUUID(buf, t, *opts.CloneUUID); err != nil {
					return nil, err
				}
			}
		}
		if opts.CloneGen != nil {
			if t, ok := attrs[attrCloneCTransID]; ok {
				if err := putUint64(buf, t, *opts.CloneGen); err != nil {
					return nil, err
				}
			}
		}
	}

	// Zero the CRC field, then recompute over the command header
	// (with CRC zeroed) concatenated with the TLV attribute bytes.
	buf[crcOffset] = 0
	buf[crcOffset+1] = 0
	buf[crcOffset+2] = 0
	buf[crcOffset+3] = 0
	sum := crc32.Checksum(buf[headerLen:tlvEnd], castagnoliTable)
	binary.LittleEndian.PutUint32(buf[crcOffset:crcOffset+4], sum)

	return buf, nil
}

// indexTLVs scans the TLV attribute region and returns a map from
// attribute type to its payload span. base is region's absolute offset
// within the original buffer, so returned spans index into the full
// buffer.
func indexTLVs(region []byte, base int) (map[uint16]tlv, error) {
	attrs := make(map[uint16]tlv)
	off := 0
	for off < len(region) {
		if off+4 > len(region) {
			return nil, &MalformedStreamError{Reason: "truncated TLV header"}
		}
		typ := binary.LittleEndian.Uint16(region[off : off+2])
		length := binary.LittleEndian.Uint16(region[off+2 : off+4])
		off += 4
		if off+int(length) > len(region) {
			return nil, &MalformedStreamError{Reason: "truncated TLV payload"}
		}
		attrs[typ] = tlv{start: base + off, end: base + off + int(length)}
		off += int(length)
	}
	return attrs, nil
}

func putUUID(buf []byte, t tlv, v uuid.UUID) error {
	if t.end-t.start != 16 {
		return &MalformedStreamError{Reason: "UUID attribute is not 16 bytes"}
	}
	copy(buf[t.start:t.end], v[:])
	return nil
}

func putUint64(buf []byte, t tlv, v uint64) error {
	if t.end-t.start != 8 {
		return &MalformedStreamError{Reason: "generation attribute is not 8 bytes"}
	}
	binary.LittleEndian.PutUint64(buf[t.start:t.end], v)
	return nil
}

package streamrewrite

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildCommand assembles a single SUBVOL/SNAPSHOT command with the given
// TLV attributes (type -> payload), returning a full stream buffer:
// magic + version + command.
func buildCommand(t *testing.T, cmd uint16, attrs [][2]any) []byte {
	t.Helper()

	var tlvBytes []byte
	for _, a := range attrs {
		typ := a[0].(uint16)
		payload := a[1].([]byte)
		hdr := make([]byte, 4)
		binary.LittleEndian.PutUint16(hdr[0:2], typ)
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(payload)))
		tlvBytes = append(tlvBytes, hdr...)
		tlvBytes = append(tlvBytes, payload...)
	}

	buf := make([]byte, 0, headerLen+cmdHeaderLen+len(tlvBytes))
	buf = append(buf, []byte(magic)...)
	ver := make([]byte, 4)
	binary.LittleEndian.PutUint32(ver, 1)
	buf = append(buf, ver...)

	cmdHdr := make([]byte, cmdHeaderLen)
	binary.LittleEndian.PutUint32(cmdHdr[0:4], uint32(len(tlvBytes)))
	binary.LittleEndian.PutUint16(cmdHdr[4:6], cmd)
	// crc left zero for now
	buf = append(buf, cmdHdr...)
	buf = append(buf, tlvBytes...)
	return buf
}

func TestRewriteSubvolPatchesUUIDAndCTransID(t *testing.T) {
	zeroUUID := make([]byte, 16)
	zeroGen := make([]byte, 8)
	buf := buildCommand(t, cmdSubvol, [][2]any{
		{uint16(attrUUID), zeroUUID},
		{uint16(attrCTransID), zeroGen},
		{uint16(attrPath), []byte("x")},
	})

	newUUID := uuid.MustParse("01020304-0506-0708-090a-0b0c0d0e0f10")
	out, err := Rewrite(t.Context(), buf, Options{ReceivedUUID: newUUID, ReceivedGen: 42})
	require.NoError(t, err)

	gotUUIDStart := headerLen + cmdHeaderLen + 4 // past the UUID TLV header
	assert.Equal(t, newUUID[:], out[gotUUIDStart:gotUUIDStart+16])

	gotGenStart := gotUUIDStart + 16 + 4 // past UUID payload + CTRANSID TLV header
	assert.EqualValues(t, 42, binary.LittleEndian.Uint64(out[gotGenStart:gotGenStart+8]))

	// CRC recomputes correctly over the patched command.
	crcOffset := headerLen + 4 + 2
	tlvEnd := len(out)
	stored := binary.LittleEndian.Uint32(out[crcOffset : crcOffset+4])

	check := make([]byte, len(out))
	copy(check, out)
	check[crcOffset], check[crcOffset+1], check[crcOffset+2], check[crcOffset+3] = 0, 0, 0, 0
	want := crc32.Checksum(check[headerLen:tlvEnd], castagnoliTable)
	assert.Equal(t, want, stored)
}

func TestRewriteSnapshotPatchesCloneFields(t *testing.T) {
	zero16 := make([]byte, 16)
	zero8 := make([]byte, 8)
	buf := buildCommand(t, cmdSnapshot, [][2]any{
		{uint16(attrUUID), zero16},
		{uint16(attrCTransID), zero8},
		{uint16(attrCloneUUID), zero16},
		{uint16(attrCloneCTransID), zero8},
	})

	cloneUUID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	cloneGen := uint64(7)
	out, err := Rewrite(t.Context(), buf, Options{
		ReceivedUUID: uuid.New(),
		ReceivedGen:  1,
		CloneUUID:    &cloneUUID,
		CloneGen:     &cloneGen,
	})
	require.NoError(t, err)

	// clone uuid attribute follows: header, uuid-tlv(4+16), ctransid-tlv(4+8)
	off := headerLen + cmdHeaderLen + (4 + 16) + (4 + 8) + 4
	assert.Equal(t, cloneUUID[:], out[off:off+16])
}

func TestRewritePassesThroughUnknownCommand(t *testing.T) {
	buf := buildCommand(t, 99, nil)
	orig := make([]byte, len(buf))
	copy(orig, buf)

	out, err := Rewrite(t.Context(), buf, Options{ReceivedUUID: uuid.New(), ReceivedGen: 1})
	require.NoError(t, err)
	assert.Equal(t, orig, out)
}

func TestRewriteMagicMismatch(t *testing.T) {
	_, err := Rewrite(t.Context(), []byte("not a stream at all........"), Options{})
	require.Error(t, err)
	var malformed *MalformedStreamError
	require.ErrorAs(t, err, &malformed)
}

func TestRewriteIsIdempotent(t *testing.T) {
	zero16 := make([]byte, 16)
	zero8 := make([]byte, 8)
	buf := buildCommand(t, cmdSnapshot, [][2]any{
		{uint16(attrUUID), zero16},
		{uint16(attrCTransID), zero8},
		{uint16(attrCloneUUID), zero16},
		{uint16(attrCloneCTransID), zero8},
	})

	ruuid := uuid.New()
	cuuid := uuid.New()
	cgen := uint64(5)
	opts := Options{ReceivedUUID: ruuid, ReceivedGen: 9, CloneUUID: &cuuid, CloneGen: &cgen}

	once, err := Rewrite(t.Context(), buf, opts)
	require.NoError(t, err)
	onceCopy := make([]byte, len(once))
	copy(onceCopy, once)

	twice, err := Rewrite(t.Context(), once, opts)
	require.NoError(t, err)

	assert.Equal(t, onceCopy, twice)
}

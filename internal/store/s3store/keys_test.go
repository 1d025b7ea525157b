package s3store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKeyRoundTripsFullSend(t *testing.T) {
	to := uuid.New()
	key := objectKey("pfx", "daily", to, uuid.Nil)
	assert.Equal(t, "pfx/daily/"+to.String()+"_"+zeroUUIDString, key)

	dir, gotTo, gotFrom, ok := parseObjectKey("pfx", key)
	require.True(t, ok)
	assert.Equal(t, "daily", dir)
	assert.Equal(t, to, gotTo)
	assert.Equal(t, uuid.Nil, gotFrom)
}

func TestObjectKeyRoundTripsIncremental(t *testing.T) {
	to, from := uuid.New(), uuid.New()
	key := objectKey("pfx", "daily", to, from)

	dir, gotTo, gotFrom, ok := parseObjectKey("pfx", key)
	require.True(t, ok)
	assert.Equal(t, "daily", dir)
	assert.Equal(t, to, gotTo)
	assert.Equal(t, from, gotFrom)
}

func TestParseObjectKeyRejectsSidecar(t *testing.T) {
	to := uuid.New()
	key := sidecarKey("pfx", "daily", to)
	_, _, _, ok := parseObjectKey("pfx", key)
	assert.False(t, ok)
}

func TestParseObjectKeyRejectsTrash(t *testing.T) {
	to := uuid.New()
	key := objectKey("pfx", "daily", to, uuid.Nil)
	_, _, _, ok := parseObjectKey("pfx", trashKey("pfx", key))
	assert.False(t, ok)
}

func TestParseObjectKeyRejectsMalformedName(t *testing.T) {
	_, _, _, ok := parseObjectKey("pfx", "pfx/daily/not-a-valid-name")
	assert.False(t, ok)
}

func TestTrashKeyNestsUnderTrashPrefix(t *testing.T) {
	to := uuid.New()
	key := objectKey("pfx", "daily", to, uuid.Nil)
	trashed := trashKey("pfx", key)
	assert.Equal(t, "pfx/trash/daily/"+to.String()+"_"+zeroUUIDString, trashed)
}

func TestInfoKeySuffixesDotInfo(t *testing.T) {
	assert.Equal(t, "pfx/daily/snap.info", infoKey("pfx", "daily", "snap"))
}

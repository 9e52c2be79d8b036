package ftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingMayWriteRespectsCapacity(t *testing.T) {
	r := NewRing(4, 512)

	pos, ok := r.MayWrite(3)
	require.True(t, ok)
	assert.Equal(t, uint64(0), pos)

	_, ok = r.MayWrite(2) // 3 admitted + 2 more > capacity 4, nothing retired yet
	assert.False(t, ok)
}

func TestRingWriteEntryAndPayloadRoundTrip(t *testing.T) {
	r := NewRing(4, 8)
	pos, ok := r.MayWrite(1)
	require.True(t, ok)

	payload := []byte("12345678")
	r.WriteEntry(pos, payload, WCtx{LBA: 42})

	assert.Equal(t, payload, r.PayloadAt(pos))
	assert.Equal(t, uint64(42), r.WCtxAt(pos).LBA)
}

func TestRingRetireInOrder(t *testing.T) {
	r := NewRing(8, 512)
	pos, ok := r.MayWrite(4)
	require.True(t, ok)

	advanced, bios := r.Retire(pos, 4)
	assert.Equal(t, 4, advanced)
	assert.Empty(t, bios)
	assert.Equal(t, uint64(4), r.SyncEnd())
}

func TestRingRetireOutOfOrderQueuesUntilInOrder(t *testing.T) {
	r := NewRing(8, 512)
	pos, ok := r.MayWrite(6)
	require.True(t, ok)

	// Retire the second half first: it is not at the sync cursor yet, so it
	// queues rather than advancing.
	advanced, bios := r.Retire(pos+3, 3)
	assert.Equal(t, 0, advanced)
	assert.Nil(t, bios)
	assert.Equal(t, uint64(0), r.SyncEnd())

	// Retiring the first half now lets both runs collapse together.
	advanced, _ = r.Retire(pos, 3)
	assert.Equal(t, 6, advanced)
	assert.Equal(t, uint64(6), r.SyncEnd())
}

func TestRingSyncPointCompletesOnceCrossed(t *testing.T) {
	r := NewRing(8, 512)
	pos, ok := r.MayWrite(2)
	require.True(t, ok)

	bio := NewFlushBio()
	r.SyncPointSet(bio)

	_, bios := r.Retire(pos, 2)
	require.Len(t, bios, 1)
	assert.Same(t, bio, bios[0])
}

func TestRingSyncScanEntryFindsAssignedPPA(t *testing.T) {
	r := NewRing(4, 512)
	pos, ok := r.MayWrite(1)
	require.True(t, ok)

	ppa := DevicePPA(Geo{Blk: 1, Pg: 0, Sec: 0})
	r.WriteEntry(pos, make([]byte, 512), WCtx{LBA: 1, PPA: ppa})

	found, ok := r.SyncScanEntry(ppa)
	require.True(t, ok)
	assert.Equal(t, pos, found)

	_, ok = r.SyncScanEntry(DevicePPA(Geo{Blk: 9}))
	assert.False(t, ok)
}

//go:build linux

package shmbus

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The metadata table works over any byte slice, so these tests run it on
// heap memory; the shared-memory path is covered by the directory tests.

func newHeapTable(capacity uint32) *metadataTable {
	return initMetadataTable(make([]byte, metadataTableSize(capacity)), capacity)
}

func TestMetadataTableAllocUntilExhausted(t *testing.T) {
	const capacity = 8
	table := newHeapTable(capacity)
	assert.EqualValues(t, capacity, table.capacity())
	assert.Equal(t, int(capacity), table.freeSlots())

	seen := make(map[uint64]bool)
	slots := make([]int32, 0, capacity)
	for i := 0; i < capacity; i++ {
		slot, err := table.allocSlot()
		require.NoError(t, err)
		d := &table.desc[slot]
		assert.False(t, seen[d.id], "ids must be unique")
		assert.NotZero(t, d.id, "id zero is reserved for invalid")
		assert.EqualValues(t, 0, table.refCount(slot))
		seen[d.id] = true
		slots = append(slots, slot)
	}
	assert.Equal(t, 0, table.freeSlots())

	_, err := table.allocSlot()
	assert.ErrorIs(t, err, ErrExhausted)

	for _, slot := range slots {
		table.freeSlot(slot)
	}
	assert.Equal(t, int(capacity), table.freeSlots())
}

func TestMetadataTableFreeListNoDuplicates(t *testing.T) {
	const capacity = 16
	table := newHeapTable(capacity)

	slots := make([]int32, 0, capacity)
	for i := 0; i < capacity; i++ {
		slot, err := table.allocSlot()
		require.NoError(t, err)
		slots = append(slots, slot)
	}
	// Free in a scrambled order, then reallocate everything: every index
	// must come back exactly once.
	for _, i := range []int{3, 0, 15, 7, 1, 14, 2, 13, 4, 12, 5, 11, 6, 10, 8, 9} {
		table.freeSlot(slots[i])
	}
	seen := make(map[int32]bool)
	for i := 0; i < capacity; i++ {
		slot, err := table.allocSlot()
		require.NoError(t, err)
		assert.False(t, seen[slot], "free list handed out slot %d twice", slot)
		seen[slot] = true
	}
}

func TestMetadataTableFindSlotByID(t *testing.T) {
	table := newHeapTable(8)

	slot, err := table.allocSlot()
	require.NoError(t, err)
	d := &table.desc[slot]

	// Not yet published: invisible.
	_, ok := table.findSlotByID(BufferID(d.id))
	assert.False(t, ok)

	atomic.StoreUint32(&d.valid, 1)
	got, ok := table.findSlotByID(BufferID(d.id))
	require.True(t, ok)
	assert.Equal(t, slot, got)

	_, ok = table.findSlotByID(InvalidBufferID)
	assert.False(t, ok)
	_, ok = table.findSlotByID(BufferID(999999))
	assert.False(t, ok)
}

func TestMetadataTableConcurrentRefCounts(t *testing.T) {
	table := newHeapTable(4)
	slot, err := table.allocSlot()
	require.NoError(t, err)

	const workers = 16
	const rounds = 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				table.addRef(slot)
				table.removeRef(slot)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, table.refCount(slot))
}

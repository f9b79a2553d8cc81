//go:build linux

package shmbus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	dir, err := CreateDirectory(testBusName(), 64)
	require.NoError(t, err)
	t.Cleanup(func() {
		dir.Unlink()
		dir.Close()
	})
	return dir
}

func TestDirectoryCreateOpen(t *testing.T) {
	dir := newTestDirectory(t)

	_, err := dir.registerPool("small", 256, 16)
	require.NoError(t, err)

	peer, err := OpenDirectory(dir.Name())
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	pools := peer.ListPools()
	require.Len(t, pools, 1)
	assert.Equal(t, "small", pools[0].Name)
	assert.EqualValues(t, 256, pools[0].BlockSize)
	assert.EqualValues(t, 16, pools[0].BlockCount)

	// The embedded metadata table is one table, not one per mapping.
	slot, err := dir.table.allocSlot()
	require.NoError(t, err)
	assert.Equal(t, peer.table.freeSlots(), dir.table.freeSlots())
	dir.table.freeSlot(slot)
}

func TestDirectoryRegisterDuplicateName(t *testing.T) {
	dir := newTestDirectory(t)

	_, err := dir.registerPool("frames", 1024, 8)
	require.NoError(t, err)
	_, err = dir.registerPool("frames", 2048, 8)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDirectoryRegisterExhaustion(t *testing.T) {
	dir := newTestDirectory(t)

	for i := 0; i < MaxPools; i++ {
		_, err := dir.registerPool(fmt.Sprintf("pool-%d", i), 64, 1)
		require.NoError(t, err)
	}
	_, err := dir.registerPool("one-too-many", 64, 1)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestDirectoryDeactivateFreesSlot(t *testing.T) {
	dir := newTestDirectory(t)

	id, err := dir.registerPool("ephemeral", 64, 1)
	require.NoError(t, err)
	require.Len(t, dir.ListPools(), 1)

	dir.deactivatePool(id)
	assert.Empty(t, dir.ListPools())

	// The slot is reusable, and ids keep moving forward.
	id2, err := dir.registerPool("replacement", 64, 1)
	require.NoError(t, err)
	assert.Greater(t, id2, id)
}

func TestDirectoryRegisterRejectsBadNames(t *testing.T) {
	dir := newTestDirectory(t)

	_, err := dir.registerPool("", 64, 1)
	assert.Error(t, err)

	long := make([]byte, maxPoolNameLen)
	for i := range long {
		long[i] = 'x'
	}
	_, err = dir.registerPool(string(long), 64, 1)
	assert.Error(t, err)
}

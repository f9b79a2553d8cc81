//go:build linux

package shmbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferCloneAddsReference(t *testing.T) {
	sess := newTestSession(t)
	mustCreatePool(t, sess, "p", 256, 4)

	buf, err := sess.Allocate(64)
	require.NoError(t, err)
	assert.EqualValues(t, 1, buf.RefCount())

	clone, err := buf.Clone()
	require.NoError(t, err)
	assert.Equal(t, buf.ID(), clone.ID())
	assert.EqualValues(t, 2, buf.RefCount())

	// Both handles see the same bytes.
	copy(buf.Data(), "shared")
	assert.Equal(t, "shared", string(clone.Data()[:6]))

	require.NoError(t, clone.Close())
	assert.EqualValues(t, 1, buf.RefCount())
	assert.True(t, buf.Valid())

	require.NoError(t, buf.Close())
	assert.False(t, sess.Allocator().Valid(buf.ID()))
}

func TestBufferMoveTransfersOwnership(t *testing.T) {
	sess := newTestSession(t)
	pool := mustCreatePool(t, sess, "p", 256, 4)

	buf, err := sess.Allocate(64)
	require.NoError(t, err)
	id := buf.ID()

	moved := buf.Move()
	assert.Equal(t, id, moved.ID())
	assert.EqualValues(t, 1, moved.RefCount())

	// The moved-from handle is empty; closing it changes nothing.
	assert.Equal(t, InvalidBufferID, buf.ID())
	assert.False(t, buf.Valid())
	assert.EqualValues(t, 0, buf.Size())
	require.NoError(t, buf.Close())
	assert.True(t, moved.Valid())

	require.NoError(t, moved.Close())
	assert.Equal(t, 4, pool.FreeBlocks())
}

func TestBufferCloseIdempotent(t *testing.T) {
	sess := newTestSession(t)
	pool := mustCreatePool(t, sess, "p", 256, 4)

	buf, err := sess.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close())
	assert.Equal(t, 4, pool.FreeBlocks())
}

func TestBufferEmptyHandle(t *testing.T) {
	var buf Buffer
	assert.Equal(t, InvalidBufferID, buf.ID())
	assert.EqualValues(t, 0, buf.Size())
	assert.EqualValues(t, 0, buf.RefCount())
	assert.False(t, buf.Valid())
	assert.Nil(t, buf.Data())
	assert.NoError(t, buf.Close())

	clone, err := buf.Clone()
	require.NoError(t, err)
	assert.Equal(t, InvalidBufferID, clone.ID())
}

func TestTakeBufferDoesNotAddReference(t *testing.T) {
	sess := newTestSession(t)
	mustCreatePool(t, sess, "p", 256, 4)
	alloc := sess.Allocator()

	id := mustAllocate(t, sess, 16)
	buf, err := TakeBuffer(alloc, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, buf.RefCount())

	require.NoError(t, buf.Close())
	assert.False(t, alloc.Valid(id))
}

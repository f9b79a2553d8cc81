//go:build linux

package shmbus

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testSeq uint64

// testBusName returns a segment name unique across tests and test runs.
func testBusName() string {
	return fmt.Sprintf("t%d_%x_%d", os.Getpid(), time.Now().UnixNano(), atomic.AddUint64(&testSeq, 1))
}

// newTestSession creates a fresh bus directory and tears it down with the
// test. The metadata table is kept small so exhaustion tests stay cheap.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	sess, err := CreateSession(SessionConfig{Name: testBusName(), TableCapacity: 64})
	require.NoError(t, err)
	t.Cleanup(func() {
		sess.dir.Unlink()
		sess.Close()
	})
	return sess
}

// openPeerSession maps the same bus from a second, independent mapping,
// standing in for another process.
func openPeerSession(t *testing.T, sess *Session) *Session {
	t.Helper()
	peer, err := OpenSession(SessionConfig{Name: sess.dir.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	return peer
}

func mustCreatePool(t *testing.T, sess *Session, name string, blockSize uint64, blockCount uint32) *BlockPool {
	t.Helper()
	pool, err := sess.CreatePool(name, blockSize, blockCount)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Unlink() })
	return pool
}

func mustCreateQueue(t *testing.T, sess *Session, capacity uint32) *PortQueue {
	t.Helper()
	q, err := sess.CreateQueue(testBusName(), capacity)
	require.NoError(t, err)
	t.Cleanup(func() {
		q.Unlink()
		q.Detach()
	})
	return q
}

// mustAllocate returns a raw id carrying its initial reference.
func mustAllocate(t *testing.T, sess *Session, size uint64) BufferID {
	t.Helper()
	id, err := sess.Allocator().Allocate(size)
	require.NoError(t, err)
	return id
}

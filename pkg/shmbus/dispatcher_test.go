//go:build linux

package shmbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherDeliversEverything(t *testing.T) {
	sess := newTestSession(t)
	mustCreatePool(t, sess, "p", 64, 48)
	q := mustCreateQueue(t, sess, 16)

	const total = 100
	var mu sync.Mutex
	got := make(map[string]bool)
	var wg sync.WaitGroup
	wg.Add(total)

	d, err := NewDispatcher(q, 4, func(buf *Buffer) {
		mu.Lock()
		got[string(buf.Data())] = true
		mu.Unlock()
		wg.Done()
	})
	require.NoError(t, err)
	defer d.Stop()

	for i := 0; i < total; i++ {
		require.NoError(t, sess.Publish(context.Background(), q, []byte(fmt.Sprintf("msg-%03d", i))))
	}

	donech := make(chan struct{})
	go func() { wg.Wait(); close(donech) }()
	select {
	case <-donech:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not deliver all messages")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, total)
	for i := 0; i < total; i++ {
		assert.True(t, got[fmt.Sprintf("msg-%03d", i)])
	}
}

func TestDispatcherStopUnregistersAndReclaims(t *testing.T) {
	sess := newTestSession(t)
	pool := mustCreatePool(t, sess, "p", 64, 8)
	q := mustCreateQueue(t, sess, 8)

	delivered := make(chan struct{}, 1)
	d, err := NewDispatcher(q, 1, func(buf *Buffer) {
		delivered <- struct{}{}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, q.ActiveConsumers())

	require.NoError(t, sess.Publish(context.Background(), q, []byte("once")))
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}

	d.Stop()
	d.Stop() // idempotent
	assert.Equal(t, 0, q.ActiveConsumers())
	assert.Equal(t, 8, pool.FreeBlocks())
}

func TestDispatcherClonePreservesBuffer(t *testing.T) {
	sess := newTestSession(t)
	mustCreatePool(t, sess, "p", 64, 8)
	q := mustCreateQueue(t, sess, 8)

	kept := make(chan *Buffer, 1)
	d, err := NewDispatcher(q, 1, func(buf *Buffer) {
		clone, err := buf.Clone()
		if err == nil {
			kept <- clone
		}
	})
	require.NoError(t, err)
	defer d.Stop()

	require.NoError(t, sess.Publish(context.Background(), q, []byte("retained")))

	select {
	case clone := <-kept:
		// The dispatcher closed its handle; the clone keeps the buffer live.
		assert.True(t, clone.Valid())
		assert.Equal(t, "retained", string(clone.Data()[:8]))
		require.NoError(t, clone.Close())
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestDispatcherRejectsWhenConsumerTableFull(t *testing.T) {
	sess := newTestSession(t)
	q := mustCreateQueue(t, sess, 4)

	for i := 0; i < MaxConsumers; i++ {
		_, err := q.RegisterConsumer()
		require.NoError(t, err)
	}
	_, err := NewDispatcher(q, 1, func(*Buffer) {})
	assert.ErrorIs(t, err, ErrExhausted)
}

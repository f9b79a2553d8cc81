//go:build linux

package shm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexMutualExclusion(t *testing.T) {
	var word uint32
	mu := MutexAt(&word)

	const goroutines = 8
	const iterations = 2000
	var counter int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				mu.Lock()
				counter++ // not atomic on purpose
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, goroutines*iterations, counter)
	assert.EqualValues(t, mutexFree, atomic.LoadUint32(&word))
}

func TestCondSignalWakesWaiter(t *testing.T) {
	var muWord, seqWord uint32
	mu := MutexAt(&muWord)
	cond := CondAt(&seqWord, mu)

	ready := false
	woke := make(chan struct{})
	go func() {
		mu.Lock()
		for !ready {
			cond.Wait()
		}
		mu.Unlock()
		close(woke)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	ready = true
	cond.Signal()
	mu.Unlock()

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestCondBroadcastWakesAll(t *testing.T) {
	var muWord, seqWord uint32
	mu := MutexAt(&muWord)
	cond := CondAt(&seqWord, mu)

	const waiters = 4
	released := false
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			mu.Lock()
			for !released {
				cond.Wait()
			}
			mu.Unlock()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	released = true
	cond.Broadcast()
	mu.Unlock()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast left waiters asleep")
	}
}

func TestCondWaitTimeoutExpires(t *testing.T) {
	var muWord, seqWord uint32
	mu := MutexAt(&muWord)
	cond := CondAt(&seqWord, mu)

	mu.Lock()
	start := time.Now()
	signaled := cond.WaitTimeout(30 * time.Millisecond)
	mu.Unlock()

	assert.False(t, signaled)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestFutexWaitValueMismatchReturnsImmediately(t *testing.T) {
	word := uint32(7)
	start := time.Now()
	err := FutexWait(&word, 3) // current value differs, no sleep
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

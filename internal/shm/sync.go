package shm

import (
	"sync/atomic"
	"time"
)

// Mutex state encoding.
const (
	mutexFree      = 0
	mutexLocked    = 1
	mutexContended = 2
)

// Mutex is a cross-process mutex over a uint32 word living in a shared
// mapping. Every process constructs its own Mutex value around the same
// word; only the word itself is shared.
type Mutex struct {
	word *uint32
}

// MutexAt wraps the shared word at addr. The word must be zero-initialized
// by the segment creator.
func MutexAt(word *uint32) Mutex {
	return Mutex{word: word}
}

// Lock acquires the mutex, sleeping in the kernel under contention.
func (m Mutex) Lock() {
	if atomic.CompareAndSwapUint32(m.word, mutexFree, mutexLocked) {
		return
	}
	for {
		if atomic.LoadUint32(m.word) == mutexContended ||
			atomic.CompareAndSwapUint32(m.word, mutexLocked, mutexContended) {
			_ = FutexWait(m.word, mutexContended)
		}
		if atomic.CompareAndSwapUint32(m.word, mutexFree, mutexContended) {
			return
		}
	}
}

// Unlock releases the mutex and wakes one waiter if any were blocked.
func (m Mutex) Unlock() {
	if atomic.SwapUint32(m.word, mutexFree) == mutexContended {
		_, _ = FutexWake(m.word, 1)
	}
}

// Cond is a cross-process condition variable: a sequence word in shared
// memory paired with the Mutex guarding the predicate. Signal and Broadcast
// bump the sequence; waiters sleep until the sequence they snapshotted moves.
type Cond struct {
	seq *uint32
	mu  Mutex
}

// CondAt wraps the shared sequence word at seq, associated with mu.
func CondAt(seq *uint32, mu Mutex) Cond {
	return Cond{seq: seq, mu: mu}
}

// Wait atomically releases the mutex and blocks until a signal arrives,
// then reacquires the mutex. As with sync.Cond, the caller must re-check
// its predicate in a loop.
func (c Cond) Wait() {
	snap := atomic.LoadUint32(c.seq)
	c.mu.Unlock()
	_ = FutexWait(c.seq, snap)
	c.mu.Lock()
}

// WaitTimeout is Wait bounded by d. It reports false when the deadline
// elapsed without a signal. The mutex is held again on return either way.
func (c Cond) WaitTimeout(d time.Duration) bool {
	snap := atomic.LoadUint32(c.seq)
	c.mu.Unlock()
	err := FutexWaitTimeout(c.seq, snap, d)
	c.mu.Lock()
	return err == nil
}

// Signal wakes one waiter.
func (c Cond) Signal() {
	atomic.AddUint32(c.seq, 1)
	_, _ = FutexWake(c.seq, 1)
}

// Broadcast wakes all waiters.
func (c Cond) Broadcast() {
	atomic.AddUint32(c.seq, 1)
	_, _ = FutexWake(c.seq, 1<<30)
}

//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

// Non-Linux builds fall back to sleep polling so that Mutex and Cond keep
// their contracts for in-process use. Cross-process segments cannot be
// mapped on these platforms anyway (see region_stub.go).

func FutexWait(addr *uint32, val uint32) error {
	for atomic.LoadUint32(addr) == val {
		time.Sleep(time.Millisecond)
	}
	return nil
}

func FutexWaitTimeout(addr *uint32, val uint32, d time.Duration) error {
	deadline := time.Now().Add(d)
	for atomic.LoadUint32(addr) == val {
		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func FutexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}

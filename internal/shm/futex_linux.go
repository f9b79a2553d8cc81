//go:build linux

package shm

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"
)

// Cross-process futex operations. The PRIVATE variants are deliberately not
// used: waiters and wakers live in different processes sharing the word
// through a MAP_SHARED mapping.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// FutexWait blocks until the value at addr is observed to differ from val or
// a wake arrives. Spurious wakeups are possible; callers must re-check their
// condition in a loop.
func FutexWait(addr *uint32, val uint32) error {
	// Re-check atomically right before the syscall to close the window in
	// which a waker could increment and wake between our snapshot and entry.
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	_, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		0, 0, 0,
	)
	if errno != 0 && errno != syscall.EAGAIN && errno != syscall.EINTR {
		return fmt.Errorf("shm: futex wait: %w", errno)
	}
	return nil
}

// FutexWaitTimeout is FutexWait bounded by d. ErrWaitTimeout is returned when
// the deadline elapses with no wake.
func FutexWaitTimeout(addr *uint32, val uint32, d time.Duration) error {
	if d <= 0 {
		return ErrWaitTimeout
	}
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	ts := syscall.NsecToTimespec(d.Nanoseconds())
	_, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0, 0,
	)
	switch errno {
	case 0, syscall.EAGAIN, syscall.EINTR:
		return nil
	case syscall.ETIMEDOUT:
		return ErrWaitTimeout
	default:
		return fmt.Errorf("shm: futex wait: %w", errno)
	}
}

// FutexWake wakes up to n waiters blocked on addr and returns how many were
// actually woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("shm: futex wake: %w", errno)
	}
	return int(r1), nil
}

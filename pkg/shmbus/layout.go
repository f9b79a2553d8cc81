package shmbus

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
)

// BufferID is a process-independent 64-bit buffer handle. Ids are globally
// unique within one directory (monotonic counter) and never encode an
// address. Zero is never a valid id.
type BufferID uint64

// InvalidBufferID is the zero, never-allocated id.
const InvalidBufferID BufferID = 0

// Shared segment identification. Every segment starts with a 64-bit magic
// and a 32-bit layout version; openers reject any mismatch.
const (
	directoryMagic uint64 = 0x53484D425F444952 // "SHMB_DIR"
	poolMagic      uint64 = 0x53484D425F504F4C // "SHMB_POL"
	queueMagic     uint64 = 0x53484D425F505451 // "SHMB_PTQ"

	layoutVersion uint32 = 1
)

// Fixed table dimensions. Pools and consumers are small fixed-capacity
// directories; the metadata table default matches the expected number of
// concurrently live buffers.
const (
	// MaxPools bounds the number of concurrently registered block pools.
	MaxPools = 16

	// MaxConsumers bounds the registered consumers of one port queue.
	MaxConsumers = 32

	// DefaultTableCapacity is the default metadata table size.
	DefaultTableCapacity = 4096

	maxPoolNameLen = 64
)

// poolSegmentPrefix namespaces pool segments relative to other segment
// kinds sharing the same directory name.
const poolSegmentPrefix = "pool."

// readyTimeout bounds how long an opener waits for a creator to finish
// initializing a segment before giving up.
const readyTimeout = 2 * time.Second

// align64 rounds size up to a 64-byte boundary so headers and arrays start
// cache-line aligned.
func align64(size uintptr) uintptr {
	return (size + 63) &^ 63
}

// waitReady polls an initialized flag with bounded exponential backoff. The
// creator publishes the flag only after every other field is populated, so
// observing it set establishes the happens-before edge openers rely on.
func waitReady(flag *uint32) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 2 * time.Millisecond
	b.MaxElapsedTime = readyTimeout
	err := backoff.Retry(func() error {
		if atomic.LoadUint32(flag) != 0 {
			return nil
		}
		return errNotReady
	}, b)
	if err != nil {
		return ErrTimeout
	}
	return nil
}

// poolNameBytes copies name into the fixed-width directory field.
func poolNameBytes(name string) [maxPoolNameLen]byte {
	var out [maxPoolNameLen]byte
	copy(out[:], name)
	return out
}

// poolNameString trims the fixed-width field back to a string.
func poolNameString(raw *[maxPoolNameLen]byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw[:])
}

// Shared boolean flags are uint32 words accessed atomically.

func storeReady(flag *uint32) {
	atomic.StoreUint32(flag, 1)
}

func loadActive(flag *uint32) bool {
	return atomic.LoadUint32(flag) != 0
}

func storeActive(flag *uint32, v bool) {
	var word uint32
	if v {
		word = 1
	}
	atomic.StoreUint32(flag, word)
}

// sliceAt reinterprets count T values starting at mem[off]. The caller
// guarantees alignment and bounds; this is the only way shared arrays are
// accessed, since shared structures never hold Go pointers.
func sliceAt[T any](mem []byte, off uintptr, count int) []T {
	return unsafe.Slice((*T)(unsafe.Pointer(&mem[off])), count)
}

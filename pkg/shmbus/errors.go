package shmbus

import "errors"

// Every fallible operation reports failure through one of these sentinels
// (possibly wrapped with context). Exhaustion and timeouts are recoverable;
// corruption means the segment must not be used.
var (
	// ErrExhausted signals a full pool, a full metadata table, no pool large
	// enough for a requested size, or a consumer table at capacity.
	ErrExhausted = errors.New("shmbus: resource exhausted")

	// ErrTimeout signals that a blocking operation's deadline elapsed with
	// no side effects.
	ErrTimeout = errors.New("shmbus: operation timed out")

	// ErrClosed signals a push to, or a drained pop from, a closed queue.
	ErrClosed = errors.New("shmbus: queue closed")

	// ErrQueueEmpty signals that a consumer's cursor has caught up with the
	// producer.
	ErrQueueEmpty = errors.New("shmbus: queue empty")

	// ErrInvalidBuffer signals an id that does not name a live buffer.
	ErrInvalidBuffer = errors.New("shmbus: invalid buffer id")

	// ErrCorruptSegment signals a magic or version mismatch on open.
	ErrCorruptSegment = errors.New("shmbus: corrupt or incompatible segment")

	// ErrPoolNotFound signals a pool id or name absent from the directory.
	ErrPoolNotFound = errors.New("shmbus: pool not found")

	// ErrInvalidConsumer signals a consumer id that is not registered.
	ErrInvalidConsumer = errors.New("shmbus: invalid consumer id")
)

// errNotReady drives the bounded ready-flag retry loop on segment open.
var errNotReady = errors.New("shmbus: segment not ready")

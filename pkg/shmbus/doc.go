// Package shmbus implements zero-copy payload exchange between independent
// processes over shared memory.
//
// A payload is written once into a block borrowed from a fixed-size shared
// pool; only its 64-bit BufferID travels between processes, through
// broadcast PortQueues in which every registered consumer independently
// observes every id pushed after it joined. Buffer lifetime is governed by a
// cross-process reference count kept in a shared metadata table: the block
// is recycled exactly when the last holder (handle or pending consumer)
// releases its reference.
//
// Every process constructs a Session around a well-known directory segment:
//
//	sess, err := shmbus.CreateSession(shmbus.SessionConfig{Name: "mybus"})
//	// ...
//	buf, err := sess.Allocate(4096)
//	copy(buf.Data(), payload)
//	err = q.Push(buf.Move().ID()) // transfers the reference into the queue
//
// Shared structures never contain pointers; all cross-process references are
// indices or segment-relative offsets resolved per process. Linux is the
// supported platform (segments live in /dev/shm, blocking uses futexes);
// other platforms compile against stubs.
package shmbus

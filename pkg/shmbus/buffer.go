package shmbus

// Buffer is a process-local handle representing exactly one reference to a
// shared buffer. Handles never live in shared memory. Clone creates a new
// reference token, Move transfers this one without touching the count, and
// Close consumes it, reclaiming the block when the count reaches zero.
//
// The zero Buffer is the empty handle: it answers Size()==0 and
// Valid()==false without touching shared memory, and Close on it is a
// no-op.
type Buffer struct {
	id    BufferID
	alloc *Allocator
	data  []byte
}

// NewBuffer wraps id in a fresh handle, taking an additional reference and
// caching the process-local data pointer.
func NewBuffer(alloc *Allocator, id BufferID) (*Buffer, error) {
	if err := alloc.AddRef(id); err != nil {
		return nil, err
	}
	data, err := alloc.BufferData(id)
	if err != nil {
		alloc.release(id)
		return nil, err
	}
	return &Buffer{id: id, alloc: alloc, data: data}, nil
}

// TakeBuffer wraps id without adding a reference: the caller already owns
// one token, typically the credit transferred by PortQueue.Pop or the
// initial reference from Allocator.Allocate.
func TakeBuffer(alloc *Allocator, id BufferID) (*Buffer, error) {
	data, err := alloc.BufferData(id)
	if err != nil {
		return nil, err
	}
	return &Buffer{id: id, alloc: alloc, data: data}, nil
}

// Clone creates an independent handle to the same buffer (new token,
// count incremented).
func (b *Buffer) Clone() (*Buffer, error) {
	if b.id == InvalidBufferID {
		return &Buffer{}, nil
	}
	return NewBuffer(b.alloc, b.id)
}

// Move transfers this handle's token into a new handle and leaves the
// receiver empty. The count is unchanged; Close on the moved-from handle is
// a no-op.
func (b *Buffer) Move() *Buffer {
	moved := &Buffer{id: b.id, alloc: b.alloc, data: b.data}
	b.id = InvalidBufferID
	b.alloc = nil
	b.data = nil
	return moved
}

// Close consumes the handle's token. If it was the last reference the
// buffer is deallocated. Closing an empty handle is a no-op, so Close is
// idempotent after Move.
func (b *Buffer) Close() error {
	if b.id == InvalidBufferID {
		return nil
	}
	b.alloc.release(b.id)
	b.id = InvalidBufferID
	b.alloc = nil
	b.data = nil
	return nil
}

// ID returns the buffer's process-independent id.
func (b *Buffer) ID() BufferID {
	return b.id
}

// Data returns the payload bytes in this process's address space. The slice
// must not be retained past Close.
func (b *Buffer) Data() []byte {
	return b.data
}

// Size returns the requested allocation size. Empty handles answer zero.
func (b *Buffer) Size() uint64 {
	if b.id == InvalidBufferID {
		return 0
	}
	size, err := b.alloc.BufferSize(b.id)
	if err != nil {
		return 0
	}
	return size
}

// RefCount returns the buffer's current shared reference count. Empty
// handles answer zero.
func (b *Buffer) RefCount() int64 {
	if b.id == InvalidBufferID {
		return 0
	}
	n, err := b.alloc.RefCount(b.id)
	if err != nil {
		return 0
	}
	return n
}

// Valid reports whether the handle still names a live buffer.
func (b *Buffer) Valid() bool {
	return b.id != InvalidBufferID && b.alloc.Valid(b.id)
}

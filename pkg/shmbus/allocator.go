package shmbus

import (
	"fmt"
	"os"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Allocator is the per-process façade binding the directory's metadata
// table to the block pools. Pools are opened lazily on first reference and
// cached; the cache is safe for concurrent use.
//
// Pool selection policy is best fit: the active pool with the smallest
// blockSize >= requested size wins, ties broken by lower pool id. The same
// policy applies everywhere in the system.
type Allocator struct {
	dir     *Directory
	table   *metadataTable
	pools   cmap.ConcurrentMap[string, *BlockPool]
	metrics *Metrics
}

// NewAllocator builds an allocator over an open directory.
func NewAllocator(dir *Directory) *Allocator {
	return &Allocator{
		dir:   dir,
		table: dir.table,
		pools: cmap.New[*BlockPool](),
	}
}

// setMetrics attaches optional instrumentation. All metric calls are
// nil-safe, so an uninstrumented allocator pays nothing.
func (a *Allocator) setMetrics(m *Metrics) {
	a.metrics = m
}

// poolByName opens (or fetches the cached mapping of) a pool.
func (a *Allocator) poolByName(name string) (*BlockPool, error) {
	if p, ok := a.pools.Get(name); ok {
		return p, nil
	}
	p, err := OpenPool(name)
	if err != nil {
		return nil, err
	}
	if !a.pools.SetIfAbsent(name, p) {
		// Another goroutine raced us; keep its mapping.
		p.Close()
		p, _ = a.pools.Get(name)
	}
	return p, nil
}

// poolByID resolves a pool id through the directory, then opens by name.
func (a *Allocator) poolByID(id uint32) (*BlockPool, error) {
	info, ok := a.dir.lookupPool(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrPoolNotFound, id)
	}
	return a.poolByName(info.Name)
}

// adoptPool caches a pool this process created itself, so the creator does
// not remap its own segment on first allocation.
func (a *Allocator) adoptPool(p *BlockPool) {
	if !a.pools.SetIfAbsent(p.Name(), p) {
		p.Close()
	}
}

// selectPool applies the best-fit policy over the directory snapshot.
func (a *Allocator) selectPool(size uint64) (PoolInfo, bool) {
	var best PoolInfo
	found := false
	for _, info := range a.dir.ListPools() {
		if info.BlockSize < size {
			continue
		}
		if !found || info.BlockSize < best.BlockSize ||
			(info.BlockSize == best.BlockSize && info.ID < best.ID) {
			best = info
			found = true
		}
	}
	return best, found
}

// Allocate reserves a block fitting size bytes and returns its new id with
// reference count 1. Any partial failure is rolled back before returning,
// so the error path never leaks blocks or slots. All failures are
// recoverable signals, never fatal.
func (a *Allocator) Allocate(size uint64) (BufferID, error) {
	info, ok := a.selectPool(size)
	if !ok {
		a.metrics.allocFailure()
		return InvalidBufferID, fmt.Errorf("%w: no pool fits %d bytes", ErrExhausted, size)
	}
	pool, err := a.poolByName(info.Name)
	if err != nil {
		a.metrics.allocFailure()
		return InvalidBufferID, err
	}
	block, err := pool.allocBlock()
	if err != nil {
		a.metrics.allocFailure()
		return InvalidBufferID, fmt.Errorf("%w: pool %q is full", ErrExhausted, info.Name)
	}
	slot, err := a.table.allocSlot()
	if err != nil {
		pool.freeBlock(block)
		a.metrics.allocFailure()
		return InvalidBufferID, fmt.Errorf("%w: metadata table is full", ErrExhausted)
	}

	d := &a.table.desc[slot]
	d.poolID = pool.ID()
	d.blockIndex = uint32(block)
	d.dataOffset = pool.blockOffset(block)
	d.size = size
	d.creatorPID = uint32(os.Getpid())
	atomic.StoreInt64(&d.refCount, 1)
	atomic.StoreUint32(&d.valid, 1)

	a.metrics.allocSuccess(size)
	return BufferID(d.id), nil
}

// Deallocate physically reclaims a buffer's block and slot. It is a
// defensive no-op while the reference count is nonzero: it only ever
// performs the reclaim step, never a forced free, which tolerates benign
// races between the final RemoveRef and a concurrent Deallocate.
func (a *Allocator) Deallocate(id BufferID) {
	slot, ok := a.table.findSlotByID(id)
	if !ok {
		return
	}
	d := &a.table.desc[slot]
	if a.table.refCount(slot) != 0 {
		return
	}
	pool, err := a.poolByID(d.poolID)
	if err != nil {
		internalLogger.errorf("deallocate %d: cannot open pool %d: %v", id, d.poolID, err)
		return
	}
	atomic.StoreUint32(&d.valid, 0)
	pool.freeBlock(int32(d.blockIndex))
	a.table.freeSlot(slot)
	a.metrics.release()
}

// AddRef takes one additional reference on a live buffer.
func (a *Allocator) AddRef(id BufferID) error {
	slot, ok := a.table.findSlotByID(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidBuffer, id)
	}
	a.table.addRef(slot)
	return nil
}

// addRefN credits n references in one step (queue broadcast fan-out).
func (a *Allocator) addRefN(id BufferID, n int64) error {
	if n == 0 {
		return nil
	}
	slot, ok := a.table.findSlotByID(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidBuffer, id)
	}
	a.table.addRefN(slot, n)
	return nil
}

// RemoveRef drops one reference. A true result means the count reached zero
// and the caller must invoke Deallocate; there is no background reclaimer.
func (a *Allocator) RemoveRef(id BufferID) (becameZero bool, err error) {
	slot, ok := a.table.findSlotByID(id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrInvalidBuffer, id)
	}
	return a.table.removeRef(slot) == 0, nil
}

// release is RemoveRef followed by Deallocate when the count hit zero. The
// queue and the handle both funnel through here.
func (a *Allocator) release(id BufferID) {
	zero, err := a.RemoveRef(id)
	if err != nil {
		internalLogger.warnf("release: %v", err)
		return
	}
	if zero {
		a.Deallocate(id)
	}
}

// BufferData resolves a buffer's payload bytes in this process's address
// space, opening the owning pool on first touch.
func (a *Allocator) BufferData(id BufferID) ([]byte, error) {
	slot, ok := a.table.findSlotByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBuffer, id)
	}
	d := &a.table.desc[slot]
	pool, err := a.poolByID(d.poolID)
	if err != nil {
		return nil, err
	}
	return pool.blockData(int32(d.blockIndex))[:d.size], nil
}

// BufferSize returns the requested (not block) size of a buffer.
func (a *Allocator) BufferSize(id BufferID) (uint64, error) {
	slot, ok := a.table.findSlotByID(id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBuffer, id)
	}
	return a.table.desc[slot].size, nil
}

// RefCount returns a buffer's current reference count.
func (a *Allocator) RefCount(id BufferID) (int64, error) {
	slot, ok := a.table.findSlotByID(id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBuffer, id)
	}
	return a.table.refCount(slot), nil
}

// Valid reports whether id names a live buffer.
func (a *Allocator) Valid(id BufferID) bool {
	_, ok := a.table.findSlotByID(id)
	return ok
}

// FreeSlots reports the remaining metadata table capacity.
func (a *Allocator) FreeSlots() int {
	return a.table.freeSlots()
}

// Directory returns the directory this allocator is bound to.
func (a *Allocator) Directory() *Directory {
	return a.dir
}

// closePools unmaps every pool this process has opened.
func (a *Allocator) closePools() {
	for entry := range a.pools.IterBuffered() {
		entry.Val.Close()
	}
	a.pools.Clear()
}

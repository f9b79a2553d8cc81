package shmbus

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ipckit/shmbus/internal/shm"
)

// bufferDescriptor is one slot of the shared metadata table. All fields are
// fixed width; refCount and valid are the only fields mutated outside the
// table mutex, via atomics. A reader must observe valid != 0 before trusting
// any other field.
type bufferDescriptor struct {
	id          uint64
	refCount    int64 // atomic
	dataOffset  uint64
	size        uint64 // requested size, not block size
	allocTimeNs int64
	poolID      uint32
	blockIndex  uint32
	valid       uint32 // atomic, published last
	creatorPID  uint32
	freeNext    int32 // free-list link, freeListEnd terminates
	_           uint32
}

const freeListEnd int32 = -1

// tableHeader is the shared bookkeeping block of the metadata table. The
// mutex guards only the free list and nothing else; id allocation and
// reference counts are atomic.
type tableHeader struct {
	mutex     uint32
	capacity  uint32
	nextID    uint64 // atomic monotonic id source
	freeHead  int32
	freeCount int32
	_         [8]byte
}

const (
	tableHeaderSize = unsafe.Sizeof(tableHeader{})
	descriptorSize  = unsafe.Sizeof(bufferDescriptor{})
)

// metadataTable is a process-local view over the shared descriptor array.
// Slot existence (free list membership) is owned here; slot content is owned
// by the Allocator.
type metadataTable struct {
	hdr  *tableHeader
	desc []bufferDescriptor
	mu   shm.Mutex
}

// metadataTableSize returns the byte footprint of a table with the given
// capacity, including its header.
func metadataTableSize(capacity uint32) uintptr {
	return align64(tableHeaderSize) + uintptr(capacity)*descriptorSize
}

// initMetadataTable lays out a fresh table over zeroed shared memory,
// chaining every slot onto the free list.
func initMetadataTable(mem []byte, capacity uint32) *metadataTable {
	t := viewMetadataTable(mem, capacity)
	t.hdr.capacity = capacity
	atomic.StoreUint64(&t.hdr.nextID, 1)
	for i := uint32(0); i < capacity; i++ {
		if i+1 < capacity {
			t.desc[i].freeNext = int32(i + 1)
		} else {
			t.desc[i].freeNext = freeListEnd
		}
	}
	t.hdr.freeHead = 0
	t.hdr.freeCount = int32(capacity)
	return t
}

// openMetadataTable maps an already-initialized table.
func openMetadataTable(mem []byte) *metadataTable {
	hdr := (*tableHeader)(unsafe.Pointer(&mem[0]))
	return viewMetadataTable(mem, hdr.capacity)
}

func viewMetadataTable(mem []byte, capacity uint32) *metadataTable {
	hdr := (*tableHeader)(unsafe.Pointer(&mem[0]))
	return &metadataTable{
		hdr:  hdr,
		desc: sliceAt[bufferDescriptor](mem, align64(tableHeaderSize), int(capacity)),
		mu:   shm.MutexAt(&hdr.mutex),
	}
}

// allocSlot pops a free slot and stamps it with the next monotonic id. The
// slot comes back with refCount 0 and valid unset; the caller must populate
// and publish it.
func (t *metadataTable) allocSlot() (int32, error) {
	t.mu.Lock()
	idx := t.hdr.freeHead
	if idx == freeListEnd {
		t.mu.Unlock()
		return 0, ErrExhausted
	}
	d := &t.desc[idx]
	t.hdr.freeHead = d.freeNext
	t.hdr.freeCount--
	t.mu.Unlock()

	d.id = atomic.AddUint64(&t.hdr.nextID, 1) - 1
	atomic.StoreInt64(&d.refCount, 0)
	atomic.StoreUint32(&d.valid, 0)
	d.freeNext = freeListEnd
	d.allocTimeNs = time.Now().UnixNano()
	return idx, nil
}

// freeSlot returns a slot to the free list. Callers must have proven the
// descriptor's refCount is zero and cleared valid first.
func (t *metadataTable) freeSlot(idx int32) {
	d := &t.desc[idx]
	atomic.StoreUint32(&d.valid, 0)
	d.id = 0

	t.mu.Lock()
	d.freeNext = t.hdr.freeHead
	t.hdr.freeHead = idx
	t.hdr.freeCount++
	t.mu.Unlock()
}

// findSlotByID scans valid slots for id. O(capacity) by design; acceptable
// at the target table sizes, and a hash index remains a possible extension.
func (t *metadataTable) findSlotByID(id BufferID) (int32, bool) {
	if id == InvalidBufferID {
		return 0, false
	}
	for i := range t.desc {
		d := &t.desc[i]
		if atomic.LoadUint32(&d.valid) != 0 && d.id == uint64(id) {
			return int32(i), true
		}
	}
	return 0, false
}

// addRef atomically takes an additional reference on a slot and returns the
// new count. Callable from any process concurrently; the table mutex is not
// involved.
func (t *metadataTable) addRef(idx int32) int64 {
	return atomic.AddInt64(&t.desc[idx].refCount, 1)
}

// addRefN takes n references at once (broadcast fan-out credits all
// consumers in one step).
func (t *metadataTable) addRefN(idx int32, n int64) int64 {
	return atomic.AddInt64(&t.desc[idx].refCount, n)
}

// removeRef atomically drops one reference and returns the new count. A
// return of zero obliges the caller to reclaim the buffer; there is no
// background reclaimer.
func (t *metadataTable) removeRef(idx int32) int64 {
	return atomic.AddInt64(&t.desc[idx].refCount, -1)
}

// refCount reads the current count.
func (t *metadataTable) refCount(idx int32) int64 {
	return atomic.LoadInt64(&t.desc[idx].refCount)
}

// freeSlots reports how many slots remain on the free list.
func (t *metadataTable) freeSlots() int {
	t.mu.Lock()
	n := int(t.hdr.freeCount)
	t.mu.Unlock()
	return n
}

// capacity reports the fixed slot count.
func (t *metadataTable) capacity() uint32 {
	return t.hdr.capacity
}

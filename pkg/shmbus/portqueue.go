package shmbus

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ipckit/shmbus/internal/shm"
)

// queueSegmentPrefix namespaces queue segments.
const queueSegmentPrefix = "queue."

// queueHeader is the shared header of a port queue segment. tail is the
// monotonic write cursor; the mutex guards consumer (de)registration and
// the push path; notFull is the condition sequence producers sleep on.
type queueHeader struct {
	magic    uint64
	version  uint32
	capacity uint32
	tail     uint64 // atomic monotonic
	mutex    uint32
	notFull  uint32 // condition sequence
	closed   uint32 // atomic, one-way
	ready    uint32 // atomic, published last
	_        [24]byte
}

// consumerSlot is one entry of the shared consumer table. head is that
// consumer's monotonic read cursor.
type consumerSlot struct {
	head   uint64 // atomic monotonic
	active uint32 // atomic
	_      uint32
}

const (
	queueHeaderSize  = unsafe.Sizeof(queueHeader{})
	consumerSlotSize = unsafe.Sizeof(consumerSlot{})
)

// PortQueue is a shared-memory broadcast channel of BufferIDs. Every active
// consumer independently observes every id pushed after it registered, in
// push order; consumers never compete for items. Producers experience
// backpressure from the slowest active consumer: a push blocks once
// tail - min(active heads) reaches capacity.
//
// Reference contract: Push consumes the caller's reference token and
// credits every active consumer with exactly one reference (the pushed
// token covers the first; refs added = active consumers - 1, in both the
// blocking and the timeout variant). Pop performs no count change: the
// credit transfers to the caller, who must release it exactly once,
// typically via TakeBuffer + Close.
type PortQueue struct {
	region    *shm.Region
	hdr       *queueHeader
	consumers []consumerSlot
	slots     []uint64
	alloc     *Allocator
	mu        shm.Mutex
	notFull   shm.Cond
	metrics   *Metrics
	name      string
}

func queueSegmentSize(capacity uint32) uintptr {
	consumersOff := align64(queueHeaderSize)
	slotsOff := align64(consumersOff + MaxConsumers*consumerSlotSize)
	return slotsOff + uintptr(capacity)*unsafe.Sizeof(uint64(0))
}

func viewQueue(region *shm.Region, alloc *Allocator, name string) *PortQueue {
	hdr := (*queueHeader)(unsafe.Pointer(&region.Mem[0]))
	consumersOff := align64(queueHeaderSize)
	slotsOff := align64(consumersOff + MaxConsumers*consumerSlotSize)
	mu := shm.MutexAt(&hdr.mutex)
	return &PortQueue{
		region:    region,
		hdr:       hdr,
		consumers: sliceAt[consumerSlot](region.Mem, consumersOff, MaxConsumers),
		slots:     sliceAt[uint64](region.Mem, slotsOff, int(hdr.capacity)),
		alloc:     alloc,
		mu:        mu,
		notFull:   shm.CondAt(&hdr.notFull, mu),
		name:      name,
	}
}

// CreateQueue creates and maps a new port queue with the given fixed
// capacity, publishing the ready flag last.
func CreateQueue(alloc *Allocator, name string, capacity uint32) (*PortQueue, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("shmbus: queue %q: capacity must be positive", name)
	}
	size := queueSegmentSize(capacity)
	segName := queueSegmentPrefix + name
	if !shm.CanCreateOnDevShm(uint64(size), shm.RegionPath(segName)) {
		return nil, fmt.Errorf("%w: not enough shared memory for queue %q (%d bytes)", ErrExhausted, name, size)
	}
	region, err := shm.CreateRegion(segName, int(size))
	if err != nil {
		return nil, err
	}
	hdr := (*queueHeader)(unsafe.Pointer(&region.Mem[0]))
	hdr.magic = queueMagic
	hdr.version = layoutVersion
	hdr.capacity = capacity
	q := viewQueue(region, alloc, name)
	storeReady(&hdr.ready)
	internalLogger.infof("queue %q created: capacity=%d segment=%s", name, capacity, region.Path)
	return q, nil
}

// OpenQueue maps an existing port queue, validating magic and version and
// waiting (bounded) for the creator to finish initialization.
func OpenQueue(alloc *Allocator, name string) (*PortQueue, error) {
	region, err := shm.OpenRegion(queueSegmentPrefix + name)
	if err != nil {
		return nil, err
	}
	if uintptr(len(region.Mem)) < queueHeaderSize {
		region.Close()
		return nil, fmt.Errorf("%w: queue %q segment too small", ErrCorruptSegment, name)
	}
	hdr := (*queueHeader)(unsafe.Pointer(&region.Mem[0]))
	if hdr.magic != queueMagic || hdr.version != layoutVersion {
		region.Close()
		return nil, fmt.Errorf("%w: queue %q magic/version mismatch", ErrCorruptSegment, name)
	}
	if err := waitReady(&hdr.ready); err != nil {
		region.Close()
		return nil, fmt.Errorf("%w: queue %q never became ready", err, name)
	}
	return viewQueue(region, alloc, name), nil
}

// setMetrics attaches optional instrumentation.
func (q *PortQueue) setMetrics(m *Metrics) {
	q.metrics = m
}

// minHeadLocked computes the slowest active cursor and the active consumer
// count. With no active consumers the minimum is the tail itself, so the
// queue never reports full. Caller holds the queue mutex.
func (q *PortQueue) minHeadLocked(tail uint64) (minHead uint64, active int) {
	minHead = tail
	for i := range q.consumers {
		c := &q.consumers[i]
		if !loadActive(&c.active) {
			continue
		}
		active++
		if h := atomic.LoadUint64(&c.head); h < minHead {
			minHead = h
		}
	}
	return minHead, active
}

// RegisterConsumer claims a consumer slot and returns its id. The cursor
// starts at the current tail: a new consumer observes nothing pushed before
// it joined (join-from-now, no replay). Fails with ErrExhausted once
// MaxConsumers slots are active.
func (q *PortQueue) RegisterConsumer() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.consumers {
		c := &q.consumers[i]
		if loadActive(&c.active) {
			continue
		}
		atomic.StoreUint64(&c.head, atomic.LoadUint64(&q.hdr.tail))
		storeActive(&c.active, true)
		return i, nil
	}
	return 0, fmt.Errorf("%w: queue %q consumer table full (%d)", ErrExhausted, q.name, MaxConsumers)
}

// UnregisterConsumer retires a consumer. Every slot the consumer was
// credited for but never popped is released, so a disconnecting laggard
// leaks nothing; producers blocked on it are woken.
func (q *PortQueue) UnregisterConsumer(id int) error {
	if id < 0 || id >= MaxConsumers {
		return fmt.Errorf("%w: %d", ErrInvalidConsumer, id)
	}
	q.mu.Lock()
	c := &q.consumers[id]
	if !loadActive(&c.active) {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d not registered", ErrInvalidConsumer, id)
	}
	tail := atomic.LoadUint64(&q.hdr.tail)
	head := atomic.LoadUint64(&c.head)
	var unread []BufferID
	for pos := head; pos < tail; pos++ {
		unread = append(unread, BufferID(atomic.LoadUint64(&q.slots[pos%uint64(q.hdr.capacity)])))
	}
	storeActive(&c.active, false)
	// A departed laggard may have been the backpressure minimum.
	q.notFull.Broadcast()
	q.mu.Unlock()

	for _, bid := range unread {
		q.alloc.release(bid)
	}
	return nil
}

// Push transfers the caller's reference on id into the queue, blocking
// while the slowest active consumer is capacity items behind. With zero
// active consumers the item is dropped and the reference released
// immediately, consistent with join-from-now semantics.
func (q *PortQueue) Push(id BufferID) error {
	return q.push(id, 0, false)
}

// PushTimeout is Push bounded by d. On timeout it returns ErrTimeout with
// no side effects: no slot written, no cursor advanced, no count changed.
func (q *PortQueue) PushTimeout(id BufferID, d time.Duration) error {
	return q.push(id, d, true)
}

func (q *PortQueue) push(id BufferID, d time.Duration, timed bool) error {
	if id == InvalidBufferID {
		return ErrInvalidBuffer
	}
	var deadline time.Time
	if timed {
		deadline = time.Now().Add(d)
	}

	q.mu.Lock()
	var tail uint64
	for {
		if atomic.LoadUint32(&q.hdr.closed) != 0 {
			q.mu.Unlock()
			return ErrClosed
		}
		tail = atomic.LoadUint64(&q.hdr.tail)
		minHead, _ := q.minHeadLocked(tail)
		if tail-minHead < uint64(q.hdr.capacity) {
			break
		}
		if timed {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				q.mu.Unlock()
				q.metrics.pushTimeout()
				return ErrTimeout
			}
			q.notFull.WaitTimeout(remaining)
		} else {
			q.notFull.Wait()
		}
	}

	_, active := q.minHeadLocked(tail)
	atomic.StoreUint64(&q.slots[tail%uint64(q.hdr.capacity)], uint64(id))
	if active > 1 {
		// The pushed token covers the first consumer's share; credit the
		// rest. Same contract in both push variants.
		if err := q.alloc.addRefN(id, int64(active-1)); err != nil {
			q.mu.Unlock()
			return err
		}
	}
	atomic.StoreUint64(&q.hdr.tail, tail+1)
	q.mu.Unlock()

	if active == 0 {
		// Nobody is listening; the transferred reference is released and
		// the slot will simply be overwritten.
		q.alloc.release(id)
	}
	q.metrics.push()
	return nil
}

// Pop advances this consumer's cursor and returns the next id, or
// ErrQueueEmpty when the cursor has caught up (ErrClosed once the queue is
// closed and drained). No reference count changes happen here: the credit
// taken at push time transfers to the caller. A consumer id must only be
// popped from one goroutine at a time.
func (q *PortQueue) Pop(id int) (BufferID, error) {
	if id < 0 || id >= MaxConsumers {
		return InvalidBufferID, fmt.Errorf("%w: %d", ErrInvalidConsumer, id)
	}
	c := &q.consumers[id]
	if !loadActive(&c.active) {
		return InvalidBufferID, fmt.Errorf("%w: %d not registered", ErrInvalidConsumer, id)
	}
	head := atomic.LoadUint64(&c.head)
	tail := atomic.LoadUint64(&q.hdr.tail)
	if head >= tail {
		if atomic.LoadUint32(&q.hdr.closed) != 0 {
			return InvalidBufferID, ErrClosed
		}
		return InvalidBufferID, ErrQueueEmpty
	}
	bid := BufferID(atomic.LoadUint64(&q.slots[head%uint64(q.hdr.capacity)]))
	atomic.StoreUint64(&c.head, head+1)
	if tail-head >= uint64(q.hdr.capacity) {
		// We may have been the laggard producers were sleeping on. The
		// lock ensures the wake cannot slip between a producer's full
		// check and its sleep.
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	}
	q.metrics.pop()
	return bid, nil
}

// PopBuffer pops the next id and wraps it in a handle that owns the
// transferred credit (no extra reference is taken).
func (q *PortQueue) PopBuffer(id int) (*Buffer, error) {
	bid, err := q.Pop(id)
	if err != nil {
		return nil, err
	}
	return TakeBuffer(q.alloc, bid)
}

// Close marks the queue closed. Closing is one-way: subsequent pushes fail
// with ErrClosed, pops continue draining already-written positions, and all
// blocked producers are woken.
func (q *PortQueue) Close() error {
	atomic.StoreUint32(&q.hdr.closed, 1)
	q.mu.Lock()
	q.notFull.Broadcast()
	q.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called by any process.
func (q *PortQueue) Closed() bool {
	return atomic.LoadUint32(&q.hdr.closed) != 0
}

// Capacity returns the fixed ring capacity.
func (q *PortQueue) Capacity() uint32 {
	return q.hdr.capacity
}

// Depth reports how many items the slowest active consumer still has
// pending, which is the quantity backpressure acts on.
func (q *PortQueue) Depth() int {
	q.mu.Lock()
	tail := atomic.LoadUint64(&q.hdr.tail)
	minHead, _ := q.minHeadLocked(tail)
	q.mu.Unlock()
	return int(tail - minHead)
}

// ActiveConsumers counts the currently registered consumers.
func (q *PortQueue) ActiveConsumers() int {
	q.mu.Lock()
	_, n := q.minHeadLocked(atomic.LoadUint64(&q.hdr.tail))
	q.mu.Unlock()
	return n
}

// Name returns the queue's name.
func (q *PortQueue) Name() string { return q.name }

// Detach unmaps this process's view of the queue segment.
func (q *PortQueue) Detach() error {
	return q.region.Close()
}

// Unlink removes the queue's backing segment file.
func (q *PortQueue) Unlink() error {
	return q.region.Unlink()
}

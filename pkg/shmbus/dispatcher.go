package shmbus

import (
	"errors"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
)

// DispatchFunc handles one received buffer. The dispatcher closes the
// buffer after the function returns; implementations must Clone if they
// need to keep it.
type DispatchFunc func(*Buffer)

// defaultPollInterval paces the poll loop when its consumer cursor is
// caught up with the producer.
const defaultPollInterval = 500 * time.Microsecond

// Dispatcher registers itself as one consumer of a port queue and delivers
// every received buffer to a callback on a bounded worker pool. The poll
// loop hands popped buffers to workers through a process-local ring, so a
// slow callback exerts backpressure on the shared queue through this
// consumer's cursor instead of unbounded memory growth.
type Dispatcher struct {
	q        *PortQueue
	consumer int
	fn       DispatchFunc
	workers  *ants.Pool
	pending  *queue.RingBuffer

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
	poll     time.Duration
}

// NewDispatcher registers a consumer on q and starts delivering to fn with
// the given worker parallelism.
func NewDispatcher(q *PortQueue, workers int, fn DispatchFunc) (*Dispatcher, error) {
	if workers <= 0 {
		workers = 1
	}
	consumer, err := q.RegisterConsumer()
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		q.UnregisterConsumer(consumer)
		return nil, err
	}
	d := &Dispatcher{
		q:        q,
		consumer: consumer,
		fn:       fn,
		workers:  pool,
		pending:  queue.NewRingBuffer(uint64(q.Capacity())),
		stop:     make(chan struct{}),
		poll:     defaultPollInterval,
	}
	d.wg.Add(2)
	go d.pollLoop()
	go d.pumpLoop()
	return d, nil
}

// ConsumerID returns the queue consumer slot this dispatcher occupies.
func (d *Dispatcher) ConsumerID() int {
	return d.consumer
}

// pollLoop drains the shared queue into the process-local ring.
func (d *Dispatcher) pollLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		buf, err := d.q.PopBuffer(d.consumer)
		switch {
		case err == nil:
			if d.pending.Put(buf) != nil {
				buf.Close()
				return
			}
		case errors.Is(err, ErrQueueEmpty):
			time.Sleep(d.poll)
		case errors.Is(err, ErrClosed):
			return
		default:
			internalLogger.warnf("dispatcher pop: %v", err)
			time.Sleep(d.poll)
		}
	}
}

// pumpLoop moves buffers from the ring onto the worker pool.
func (d *Dispatcher) pumpLoop() {
	defer d.wg.Done()
	for {
		item, err := d.pending.Poll(10 * time.Millisecond)
		if err == queue.ErrDisposed {
			return
		}
		if err == queue.ErrTimeout {
			select {
			case <-d.stop:
				// Poll loop has stopped and the ring stayed empty for a
				// full interval; nothing more is coming.
				return
			default:
				continue
			}
		}
		buf := item.(*Buffer)
		if d.workers.Submit(func() {
			defer buf.Close()
			d.fn(buf)
		}) != nil {
			buf.Close()
		}
	}
}

// Stop halts delivery, waits for in-flight work, unregisters the consumer
// (releasing credits for anything never delivered), and releases the worker
// pool. Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.wg.Wait()
		// Anything the pump never picked up still owns a credit.
		for {
			item, err := d.pending.Poll(time.Millisecond)
			if err != nil {
				break
			}
			item.(*Buffer).Close()
		}
		d.pending.Dispose()
		if err := d.q.UnregisterConsumer(d.consumer); err != nil {
			internalLogger.warnf("dispatcher unregister: %v", err)
		}
		d.workers.Release()
	})
}

package shmbus

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SessionConfig configures a per-process session. Name is the well-known
// directory name every participating process must agree on out-of-band;
// everything else is optional.
type SessionConfig struct {
	// Name identifies the root directory segment.
	Name string

	// TableCapacity sizes the shared metadata table. Only the creating
	// process's value matters; zero means DefaultTableCapacity.
	TableCapacity uint32

	// Registerer, when set, receives the session's Prometheus metrics and
	// an occupancy collector.
	Registerer prometheus.Registerer

	// Meter and Tracer, when set, enable OpenTelemetry instrumentation of
	// the allocation and publish paths.
	Meter  metric.Meter
	Tracer trace.Tracer
}

func (c *SessionConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("shmbus: session config: Name is required")
	}
	return nil
}

// Session binds one process's view of the bus: the mapped directory, the
// allocator, and optional instrumentation. There are deliberately no
// process-wide singletons; construct one Session per process and thread it
// through explicitly.
//
// A Session does not track queues; queues are independent segments detached
// by their own Detach calls.
type Session struct {
	dir     *Directory
	alloc   *Allocator
	metrics *Metrics
	inst    *instrumentation
	cfg     SessionConfig
}

// CreateSession creates the directory segment and becomes the bus creator.
// Exactly one process may create a given name; everyone else opens it.
func CreateSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dir, err := CreateDirectory(cfg.Name, cfg.TableCapacity)
	if err != nil {
		return nil, err
	}
	return newSession(dir, cfg)
}

// OpenSession maps an existing directory created by another process.
func OpenSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dir, err := OpenDirectory(cfg.Name)
	if err != nil {
		return nil, err
	}
	return newSession(dir, cfg)
}

func newSession(dir *Directory, cfg SessionConfig) (*Session, error) {
	s := &Session{
		dir:   dir,
		alloc: NewAllocator(dir),
		cfg:   cfg,
	}
	if cfg.Registerer != nil {
		s.metrics = newMetrics(cfg.Registerer)
		s.alloc.setMetrics(s.metrics)
		if err := cfg.Registerer.Register(newOccupancyCollector(s)); err != nil {
			dir.Close()
			return nil, fmt.Errorf("shmbus: register occupancy collector: %w", err)
		}
	}
	if cfg.Meter != nil || cfg.Tracer != nil {
		inst, err := newInstrumentation(cfg.Meter, cfg.Tracer)
		if err != nil {
			dir.Close()
			return nil, err
		}
		s.inst = inst
	}
	return s, nil
}

// Allocator exposes the session's allocator for callers that work with raw
// ids rather than handles.
func (s *Session) Allocator() *Allocator {
	return s.alloc
}

// Directory exposes the mapped directory.
func (s *Session) Directory() *Directory {
	return s.dir
}

// CreatePool registers a new size class in the directory and creates its
// arena segment. On segment creation failure the directory entry is rolled
// back.
func (s *Session) CreatePool(name string, blockSize uint64, blockCount uint32) (*BlockPool, error) {
	id, err := s.dir.registerPool(name, blockSize, blockCount)
	if err != nil {
		return nil, err
	}
	pool, err := CreatePool(name, id, blockSize, blockCount)
	if err != nil {
		s.dir.deactivatePool(id)
		return nil, err
	}
	s.alloc.adoptPool(pool)
	return pool, nil
}

// CreateQueue creates a broadcast port queue bound to this session's
// allocator.
func (s *Session) CreateQueue(name string, capacity uint32) (*PortQueue, error) {
	q, err := CreateQueue(s.alloc, name, capacity)
	if err != nil {
		return nil, err
	}
	q.setMetrics(s.metrics)
	return q, nil
}

// OpenQueue opens a queue created elsewhere.
func (s *Session) OpenQueue(name string) (*PortQueue, error) {
	q, err := OpenQueue(s.alloc, name)
	if err != nil {
		return nil, err
	}
	q.setMetrics(s.metrics)
	return q, nil
}

// Allocate reserves a buffer of at least size bytes and returns the handle
// owning its initial reference.
func (s *Session) Allocate(size uint64) (*Buffer, error) {
	id, err := s.alloc.Allocate(size)
	if err != nil {
		return nil, err
	}
	s.inst.recordAlloc(context.Background(), int64(size))
	return TakeBuffer(s.alloc, id)
}

// Publish copies data into a freshly allocated buffer and pushes its id
// into q, transferring the reference. This is the one convenience path that
// copies; zero-copy producers allocate a handle and fill Data() in place.
func (s *Session) Publish(ctx context.Context, q *PortQueue, data []byte) error {
	ctx, span := s.inst.startSpan(ctx, "shmbus.Publish")
	defer span.End()

	buf, err := s.Allocate(uint64(len(data)))
	if err != nil {
		return err
	}
	copy(buf.Data(), data)
	id := buf.Move().ID()
	if err := q.Push(id); err != nil {
		s.alloc.release(id)
		return err
	}
	s.inst.recordPublish(ctx, int64(len(data)))
	return nil
}

// Close unmaps the session's pools and directory. It does not unlink
// segments; the bus keeps existing for other processes.
func (s *Session) Close() error {
	s.alloc.closePools()
	return s.dir.Close()
}

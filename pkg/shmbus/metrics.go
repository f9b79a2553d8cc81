package shmbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments shared by a session's allocator
// and queues. A nil *Metrics is valid and records nothing, so every call
// site can stay unconditional.
type Metrics struct {
	allocations   prometheus.Counter
	allocFailures prometheus.Counter
	allocBytes    prometheus.Counter
	releases      prometheus.Counter
	pushes        prometheus.Counter
	pops          prometheus.Counter
	pushTimeouts  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmbus_allocations_total",
			Help: "Successful buffer allocations.",
		}),
		allocFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmbus_allocation_failures_total",
			Help: "Allocations that failed with exhaustion.",
		}),
		allocBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmbus_allocated_bytes_total",
			Help: "Requested bytes across successful allocations.",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmbus_buffer_releases_total",
			Help: "Buffers physically reclaimed after their last reference.",
		}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmbus_queue_pushes_total",
			Help: "Ids pushed into port queues.",
		}),
		pops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmbus_queue_pops_total",
			Help: "Ids popped from port queues.",
		}),
		pushTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmbus_queue_push_timeouts_total",
			Help: "Pushes that gave up on backpressure.",
		}),
	}
	reg.MustRegister(m.allocations, m.allocFailures, m.allocBytes,
		m.releases, m.pushes, m.pops, m.pushTimeouts)
	return m
}

func (m *Metrics) allocSuccess(size uint64) {
	if m == nil {
		return
	}
	m.allocations.Inc()
	m.allocBytes.Add(float64(size))
}

func (m *Metrics) allocFailure() {
	if m == nil {
		return
	}
	m.allocFailures.Inc()
}

func (m *Metrics) release() {
	if m == nil {
		return
	}
	m.releases.Inc()
}

func (m *Metrics) push() {
	if m == nil {
		return
	}
	m.pushes.Inc()
}

func (m *Metrics) pop() {
	if m == nil {
		return
	}
	m.pops.Inc()
}

func (m *Metrics) pushTimeout() {
	if m == nil {
		return
	}
	m.pushTimeouts.Inc()
}

// occupancyCollector exports point-in-time occupancy of the shared
// structures: metadata slots and per-pool free blocks. It reads through the
// session's own mappings, so scraping does not open new segments.
type occupancyCollector struct {
	sess *Session

	freeSlotsDesc  *prometheus.Desc
	freeBlocksDesc *prometheus.Desc
}

func newOccupancyCollector(sess *Session) *occupancyCollector {
	return &occupancyCollector{
		sess: sess,
		freeSlotsDesc: prometheus.NewDesc(
			"shmbus_metadata_free_slots",
			"Free descriptor slots in the shared metadata table.",
			nil, nil,
		),
		freeBlocksDesc: prometheus.NewDesc(
			"shmbus_pool_free_blocks",
			"Free blocks per pool.",
			[]string{"pool"}, nil,
		),
	}
}

func (c *occupancyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.freeSlotsDesc
	ch <- c.freeBlocksDesc
}

func (c *occupancyCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.freeSlotsDesc, prometheus.GaugeValue,
		float64(c.sess.alloc.FreeSlots()),
	)
	for _, info := range c.sess.dir.ListPools() {
		pool, err := c.sess.alloc.poolByName(info.Name)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			c.freeBlocksDesc, prometheus.GaugeValue,
			float64(pool.FreeBlocks()), info.Name,
		)
	}
}

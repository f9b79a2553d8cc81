package shmbus

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/bytebufferpool"

	"github.com/ipckit/shmbus/internal/shm"
)

// DebugReport renders a human-readable snapshot of the session: directory
// contents, per-pool occupancy, metadata table usage, host memory, and —
// when a Gatherer is supplied — the current metric families. Intended for
// operator diagnostics, not for machine parsing.
func (s *Session) DebugReport(g prometheus.Gatherer) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "shmbus directory %q (segment %s)\n", s.dir.Name(), s.dir.region.Path)
	fmt.Fprintf(buf, "  metadata: %d/%d slots free\n",
		s.alloc.FreeSlots(), s.dir.table.capacity())

	for _, info := range s.dir.ListPools() {
		line := fmt.Sprintf("  pool %q: id=%d blockSize=%d blocks=%d",
			info.Name, info.ID, info.BlockSize, info.BlockCount)
		if pool, err := s.alloc.poolByName(info.Name); err == nil {
			line += fmt.Sprintf(" free=%d", pool.FreeBlocks())
		}
		buf.WriteString(line + "\n")
	}

	if total, avail := shm.HostMemory(); total > 0 {
		fmt.Fprintf(buf, "  host memory: %d/%d bytes available\n", avail, total)
	}

	if g != nil {
		if families, err := g.Gather(); err == nil {
			for _, mf := range families {
				writeMetricFamily(buf, mf)
			}
		}
	}
	return buf.String()
}

func writeMetricFamily(buf *bytebufferpool.ByteBuffer, mf *dto.MetricFamily) {
	for _, m := range mf.GetMetric() {
		var value float64
		switch {
		case m.GetCounter() != nil:
			value = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			value = m.GetGauge().GetValue()
		default:
			continue
		}
		labels := ""
		for _, lp := range m.GetLabel() {
			labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
		}
		fmt.Fprintf(buf, "  metric %s%s = %v\n", mf.GetName(), labels, value)
	}
}

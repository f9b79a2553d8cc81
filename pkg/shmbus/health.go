package shmbus

import (
	"fmt"

	"github.com/heptiolabs/healthcheck"
)

// RegisterHealthChecks wires the session into a healthcheck handler.
// Liveness fails only on a corrupt directory mapping; readiness degrades
// when the shared structures are too exhausted to accept new work.
func (s *Session) RegisterHealthChecks(h healthcheck.Handler) {
	h.AddLivenessCheck("directory-mapped", func() error {
		if s.dir.hdr.magic != directoryMagic || s.dir.hdr.version != layoutVersion {
			return fmt.Errorf("directory segment corrupt")
		}
		return nil
	})
	h.AddReadinessCheck("metadata-slots-available", func() error {
		if free := s.alloc.FreeSlots(); free == 0 {
			return fmt.Errorf("metadata table exhausted")
		}
		return nil
	})
	h.AddReadinessCheck("pool-capacity", func() error {
		pools := s.dir.ListPools()
		if len(pools) == 0 {
			return fmt.Errorf("no pools registered")
		}
		for _, info := range pools {
			pool, err := s.alloc.poolByName(info.Name)
			if err != nil {
				return fmt.Errorf("pool %q unreachable: %w", info.Name, err)
			}
			if pool.FreeBlocks() > 0 {
				return nil
			}
		}
		return fmt.Errorf("all pools exhausted")
	})
}

//go:build linux

package shm

import (
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// CanCreateOnDevShm reports whether size bytes fit on the filesystem that
// would back the segment at path. When usage cannot be determined the check
// errs on the side of allowing the create; mmap will fail later if space
// really is missing.
func CanCreateOnDevShm(size uint64, path string) bool {
	usage, err := disk.Usage(filepath.Dir(path))
	if err != nil {
		return true
	}
	return usage.Free >= size
}

// HostMemory returns total and available bytes of physical memory, for
// diagnostics output.
func HostMemory() (total, available uint64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0
	}
	return vm.Total, vm.Available
}

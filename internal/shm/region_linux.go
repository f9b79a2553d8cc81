//go:build linux

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateRegion creates a new shared segment of the given size and maps it.
// Creation is exclusive: if the segment already exists an error is returned,
// so exactly one process wins the creator role. The mapping is zero-filled.
func CreateRegion(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid region size %d", size)
	}
	path := RegionPath(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: create segment %s: %w", path, err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: truncate segment %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: mmap segment %s: %w", path, err)
	}
	return &Region{Mem: mem, Path: path, file: file, created: true}, nil
}

// OpenRegion maps an existing shared segment. The caller is responsible for
// validating the segment contents (magic, version, ready flag).
func OpenRegion(name string) (*Region, error) {
	path := RegionPath(name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat segment %s: %w", path, err)
	}
	size := int(info.Size())
	if size == 0 {
		file.Close()
		return nil, fmt.Errorf("shm: segment %s is empty", path)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap segment %s: %w", path, err)
	}
	return &Region{Mem: mem, Path: path, file: file}, nil
}

// Close unmaps the region and closes the backing file. It does not unlink
// the segment; other processes keep their mappings.
func (r *Region) Close() error {
	var firstErr error
	if r.Mem != nil {
		if err := unix.Munmap(r.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.Mem = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.file = nil
	}
	return firstErr
}

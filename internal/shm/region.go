// Package shm contains the platform layer for shared-memory segments:
// mapping /dev/shm backed regions, futex wait/wake, and cross-process
// mutexes and condition variables built on top of them.
package shm

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrNotSupported is returned on platforms without shared-memory support.
var ErrNotSupported = errors.New("shm: not supported on this platform")

// ErrWaitTimeout is returned by timed futex waits when the deadline elapses.
var ErrWaitTimeout = errors.New("shm: wait timed out")

// segmentPrefix namespaces every segment file this module creates.
const segmentPrefix = "shmbus_"

// Region is a memory-mapped shared segment. The same segment may be mapped
// by any number of processes; Mem is the process-local view.
type Region struct {
	Mem  []byte
	Path string

	file    *os.File
	created bool
}

// RegionPath returns the backing file path for a segment name.
// /dev/shm is preferred on Linux; the OS temp dir is the fallback.
func RegionPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", segmentPrefix+name)
	}
	return filepath.Join(os.TempDir(), segmentPrefix+name)
}

// RegionExists reports whether a segment with the given name exists.
func RegionExists(name string) bool {
	_, err := os.Stat(RegionPath(name))
	return err == nil
}

// Unlink removes the backing file so no further process can open the
// segment. Existing mappings stay valid until unmapped.
func (r *Region) Unlink() error {
	return os.Remove(r.Path)
}

// Created reports whether this mapping created the segment.
func (r *Region) Created() bool {
	return r.created
}

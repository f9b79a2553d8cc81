//go:build !linux

package shm

// CreateRegion is unavailable on this platform.
func CreateRegion(name string, size int) (*Region, error) {
	return nil, ErrNotSupported
}

// OpenRegion is unavailable on this platform.
func OpenRegion(name string) (*Region, error) {
	return nil, ErrNotSupported
}

// Close is a no-op on this platform.
func (r *Region) Close() error {
	return nil
}

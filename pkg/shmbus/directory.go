package shmbus

import (
	"fmt"
	"unsafe"

	"github.com/ipckit/shmbus/internal/shm"
)

// directoryHeader is the shared header of the root directory segment. The
// mutex guards the pool entry table and nextPoolID; ready is published last
// by the creator.
type directoryHeader struct {
	magic      uint64
	version    uint32
	mutex      uint32
	nextPoolID uint32
	ready      uint32 // atomic
	_          [40]byte
}

// poolEntry is one slot of the pool directory. active is atomic so
// ListPools can read without the directory mutex.
type poolEntry struct {
	name       [maxPoolNameLen]byte
	id         uint32
	active     uint32 // atomic
	blockSize  uint64
	blockCount uint32
	_          uint32
}

const (
	directoryHeaderSize = unsafe.Sizeof(directoryHeader{})
	poolEntrySize       = unsafe.Sizeof(poolEntry{})
)

// PoolInfo describes one registered pool, as reported by ListPools.
type PoolInfo struct {
	Name       string
	ID         uint32
	BlockSize  uint64
	BlockCount uint32
	Active     bool
}

// Directory is a process-local view of the root segment every process maps
// by a well-known name. It binds the pool name/size directory and the
// metadata table; discovery of everything else starts here.
type Directory struct {
	region  *shm.Region
	hdr     *directoryHeader
	entries []poolEntry
	table   *metadataTable
	mu      shm.Mutex
	name    string
}

func directorySegmentSize(tableCapacity uint32) uintptr {
	entriesOff := align64(directoryHeaderSize)
	tableOff := align64(entriesOff + MaxPools*poolEntrySize)
	return tableOff + metadataTableSize(tableCapacity)
}

func viewDirectory(region *shm.Region, name string, tableCapacity uint32, create bool) *Directory {
	hdr := (*directoryHeader)(unsafe.Pointer(&region.Mem[0]))
	entriesOff := align64(directoryHeaderSize)
	tableOff := align64(entriesOff + MaxPools*poolEntrySize)
	tableMem := region.Mem[tableOff:]
	var table *metadataTable
	if create {
		table = initMetadataTable(tableMem, tableCapacity)
	} else {
		table = openMetadataTable(tableMem)
	}
	return &Directory{
		region:  region,
		hdr:     hdr,
		entries: sliceAt[poolEntry](region.Mem, entriesOff, MaxPools),
		table:   table,
		mu:      shm.MutexAt(&hdr.mutex),
		name:    name,
	}
}

// CreateDirectory creates the root segment under the well-known name,
// initializes the embedded metadata table, and publishes the ready flag
// last.
func CreateDirectory(name string, tableCapacity uint32) (*Directory, error) {
	if tableCapacity == 0 {
		tableCapacity = DefaultTableCapacity
	}
	size := directorySegmentSize(tableCapacity)
	if !shm.CanCreateOnDevShm(uint64(size), shm.RegionPath(name)) {
		return nil, fmt.Errorf("%w: not enough shared memory for directory %q (%d bytes)", ErrExhausted, name, size)
	}
	region, err := shm.CreateRegion(name, int(size))
	if err != nil {
		return nil, err
	}
	hdr := (*directoryHeader)(unsafe.Pointer(&region.Mem[0]))
	hdr.magic = directoryMagic
	hdr.version = layoutVersion
	hdr.nextPoolID = 1

	d := viewDirectory(region, name, tableCapacity, true)
	storeReady(&hdr.ready)
	internalLogger.infof("directory %q created: tableCapacity=%d segment=%s", name, tableCapacity, region.Path)
	return d, nil
}

// OpenDirectory maps an existing root segment, validating magic and version
// and waiting (bounded) for the creator to finish initialization.
func OpenDirectory(name string) (*Directory, error) {
	region, err := shm.OpenRegion(name)
	if err != nil {
		return nil, err
	}
	if uintptr(len(region.Mem)) < directoryHeaderSize {
		region.Close()
		return nil, fmt.Errorf("%w: directory %q segment too small", ErrCorruptSegment, name)
	}
	hdr := (*directoryHeader)(unsafe.Pointer(&region.Mem[0]))
	if hdr.magic != directoryMagic || hdr.version != layoutVersion {
		region.Close()
		return nil, fmt.Errorf("%w: directory %q magic/version mismatch", ErrCorruptSegment, name)
	}
	if err := waitReady(&hdr.ready); err != nil {
		region.Close()
		return nil, fmt.Errorf("%w: directory %q never became ready", err, name)
	}
	return viewDirectory(region, name, 0, false), nil
}

// registerPool claims a directory slot for a new pool and hands out its id.
// Fails with ErrExhausted once MaxPools entries are active, or if the name
// is already taken.
func (d *Directory) registerPool(name string, blockSize uint64, blockCount uint32) (uint32, error) {
	if len(name) == 0 || len(name) >= maxPoolNameLen {
		return 0, fmt.Errorf("shmbus: pool name %q must be 1..%d bytes", name, maxPoolNameLen-1)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	free := -1
	for i := range d.entries {
		e := &d.entries[i]
		if loadActive(&e.active) {
			if poolNameString(&e.name) == name {
				return 0, fmt.Errorf("shmbus: pool %q already registered", name)
			}
		} else if free < 0 {
			free = i
		}
	}
	if free < 0 {
		return 0, fmt.Errorf("%w: pool directory full (%d pools)", ErrExhausted, MaxPools)
	}
	e := &d.entries[free]
	e.name = poolNameBytes(name)
	e.id = d.hdr.nextPoolID
	d.hdr.nextPoolID++
	e.blockSize = blockSize
	e.blockCount = blockCount
	storeActive(&e.active, true)
	return e.id, nil
}

// deactivatePool retires a directory entry, e.g. when pool segment creation
// fails after registration.
func (d *Directory) deactivatePool(id uint32) {
	d.mu.Lock()
	for i := range d.entries {
		e := &d.entries[i]
		if e.id == id {
			storeActive(&e.active, false)
			break
		}
	}
	d.mu.Unlock()
}

// ListPools snapshots the active pool directory. The allocator uses this to
// lazily discover pools it has not yet mapped.
func (d *Directory) ListPools() []PoolInfo {
	out := make([]PoolInfo, 0, MaxPools)
	for i := range d.entries {
		e := &d.entries[i]
		if !loadActive(&e.active) {
			continue
		}
		out = append(out, PoolInfo{
			Name:       poolNameString(&e.name),
			ID:         e.id,
			BlockSize:  e.blockSize,
			BlockCount: e.blockCount,
			Active:     true,
		})
	}
	return out
}

// lookupPool finds the directory entry for a pool id.
func (d *Directory) lookupPool(id uint32) (PoolInfo, bool) {
	for _, info := range d.ListPools() {
		if info.ID == id {
			return info, true
		}
	}
	return PoolInfo{}, false
}

// Name returns the well-known directory name.
func (d *Directory) Name() string { return d.name }

// Close unmaps this process's view of the directory.
func (d *Directory) Close() error {
	return d.region.Close()
}

// Unlink removes the directory's backing segment file.
func (d *Directory) Unlink() error {
	return d.region.Unlink()
}

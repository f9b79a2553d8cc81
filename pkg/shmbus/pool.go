package shmbus

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ipckit/shmbus/internal/shm"
)

// poolHeader is the shared header of one block pool segment. freeHead and
// the free-list array are guarded by the pool mutex; freeCount and ready are
// atomic so observers need no lock.
type poolHeader struct {
	magic      uint64
	version    uint32
	poolID     uint32
	blockSize  uint64
	blockCount uint32
	freeHead   int32
	freeCount  int32  // atomic
	mutex      uint32
	ready      uint32 // atomic, published last
	_          uint32
	_          [16]byte
}

const poolHeaderSize = unsafe.Sizeof(poolHeader{})

// BlockPool is a process-local view of a shared arena of same-sized blocks,
// one pool per size class. Block addresses are never shared: every process
// recomputes them from the block index against its own mapping.
type BlockPool struct {
	region   *shm.Region
	hdr      *poolHeader
	freeList []int32
	data     []byte
	mu       shm.Mutex
	name     string
}

// poolSegmentSize returns the full segment footprint: header, free-list
// index array, data region.
func poolSegmentSize(blockSize uint64, blockCount uint32) uintptr {
	listOff := align64(poolHeaderSize)
	dataOff := align64(listOff + uintptr(blockCount)*unsafe.Sizeof(int32(0)))
	return dataOff + uintptr(blockSize)*uintptr(blockCount)
}

func viewPool(region *shm.Region, name string) *BlockPool {
	hdr := (*poolHeader)(unsafe.Pointer(&region.Mem[0]))
	listOff := align64(poolHeaderSize)
	dataOff := align64(listOff + uintptr(hdr.blockCount)*unsafe.Sizeof(int32(0)))
	return &BlockPool{
		region:   region,
		hdr:      hdr,
		freeList: sliceAt[int32](region.Mem, listOff, int(hdr.blockCount)),
		data:     region.Mem[dataOff : dataOff+uintptr(hdr.blockSize)*uintptr(hdr.blockCount)],
		mu:       shm.MutexAt(&hdr.mutex),
		name:     name,
	}
}

// CreatePool creates and maps a new pool segment. The free list is built
// before the ready flag is published, so openers can never observe a
// partially initialized pool.
func CreatePool(name string, poolID uint32, blockSize uint64, blockCount uint32) (*BlockPool, error) {
	if blockSize == 0 || blockCount == 0 {
		return nil, fmt.Errorf("shmbus: pool %q: block size and count must be positive", name)
	}
	size := poolSegmentSize(blockSize, blockCount)
	segName := poolSegmentPrefix + name
	if !shm.CanCreateOnDevShm(uint64(size), shm.RegionPath(segName)) {
		return nil, fmt.Errorf("%w: not enough shared memory for pool %q (%d bytes)", ErrExhausted, name, size)
	}
	region, err := shm.CreateRegion(segName, int(size))
	if err != nil {
		return nil, err
	}

	hdr := (*poolHeader)(unsafe.Pointer(&region.Mem[0]))
	hdr.magic = poolMagic
	hdr.version = layoutVersion
	hdr.poolID = poolID
	hdr.blockSize = blockSize
	hdr.blockCount = blockCount

	p := viewPool(region, name)
	for i := uint32(0); i < blockCount; i++ {
		if i+1 < blockCount {
			p.freeList[i] = int32(i + 1)
		} else {
			p.freeList[i] = freeListEnd
		}
	}
	hdr.freeHead = 0
	atomic.StoreInt32(&hdr.freeCount, int32(blockCount))
	atomic.StoreUint32(&hdr.ready, 1)

	internalLogger.infof("pool %q created: id=%d blockSize=%d blockCount=%d segment=%s",
		name, poolID, blockSize, blockCount, region.Path)
	return p, nil
}

// OpenPool maps an existing pool segment, validating its magic and version
// and waiting (bounded) for the creator to publish the ready flag.
func OpenPool(name string) (*BlockPool, error) {
	region, err := shm.OpenRegion(poolSegmentPrefix + name)
	if err != nil {
		return nil, err
	}
	if uintptr(len(region.Mem)) < poolHeaderSize {
		region.Close()
		return nil, fmt.Errorf("%w: pool %q segment too small", ErrCorruptSegment, name)
	}
	hdr := (*poolHeader)(unsafe.Pointer(&region.Mem[0]))
	if hdr.magic != poolMagic || hdr.version != layoutVersion {
		region.Close()
		return nil, fmt.Errorf("%w: pool %q magic/version mismatch", ErrCorruptSegment, name)
	}
	if err := waitReady(&hdr.ready); err != nil {
		region.Close()
		return nil, fmt.Errorf("%w: pool %q never became ready", err, name)
	}
	return viewPool(region, name), nil
}

// allocBlock pops a free block index. O(1) under the pool mutex.
func (p *BlockPool) allocBlock() (int32, error) {
	p.mu.Lock()
	idx := p.hdr.freeHead
	if idx == freeListEnd {
		p.mu.Unlock()
		return 0, ErrExhausted
	}
	p.hdr.freeHead = p.freeList[idx]
	atomic.AddInt32(&p.hdr.freeCount, -1)
	p.mu.Unlock()
	p.freeList[idx] = freeListEnd
	return idx, nil
}

// freeBlock pushes a block index back onto the free list. O(1) under the
// pool mutex.
func (p *BlockPool) freeBlock(idx int32) {
	p.mu.Lock()
	p.freeList[idx] = p.hdr.freeHead
	p.hdr.freeHead = idx
	atomic.AddInt32(&p.hdr.freeCount, 1)
	p.mu.Unlock()
}

// blockData returns this process's view of a block. The slice is only valid
// within the current process and must never be stored in shared memory.
func (p *BlockPool) blockData(idx int32) []byte {
	off := uintptr(idx) * uintptr(p.hdr.blockSize)
	return p.data[off : off+uintptr(p.hdr.blockSize)]
}

// blockOffset returns the pool-relative byte offset of a block. Unlike a
// data pointer, the offset is stable across processes and is what gets
// recorded in buffer descriptors.
func (p *BlockPool) blockOffset(idx int32) uint64 {
	return uint64(idx) * p.hdr.blockSize
}

// Name returns the pool's directory name.
func (p *BlockPool) Name() string { return p.name }

// ID returns the pool id assigned by the directory.
func (p *BlockPool) ID() uint32 { return p.hdr.poolID }

// BlockSize returns the fixed block size of this size class.
func (p *BlockPool) BlockSize() uint64 { return p.hdr.blockSize }

// BlockCount returns the fixed number of blocks in the arena.
func (p *BlockPool) BlockCount() uint32 { return p.hdr.blockCount }

// FreeBlocks reports how many blocks are currently unallocated.
func (p *BlockPool) FreeBlocks() int {
	return int(atomic.LoadInt32(&p.hdr.freeCount))
}

// Close unmaps this process's view of the pool.
func (p *BlockPool) Close() error {
	return p.region.Close()
}

// Unlink removes the pool's backing segment file.
func (p *BlockPool) Unlink() error {
	return p.region.Unlink()
}

// Package vector implements a paged vector over a block pool: a
// fixed-element-size array that grows sparsely, pages in on first write, and
// reads back a type's zero value for any index never written.
package vector

import (
	"sync"
	"unsafe"

	"github.com/grnxx-go/grnxxgo/grerr"
	"github.com/grnxx-go/grnxxgo/pool"
)

// pageByteSize targets roughly one block-unit-aligned page per leaf; how
// many elements that holds depends on sizeof(T).
const pageByteSize = 1 << 16

// defaultTableElems is the fan-out of each index table level. With the
// default page size this gives a capacity of tableElems^2 pages per vector,
// comfortably above anything a single pool is expected to hold.
const defaultTableElems = 256

// rawVectorHeader is the fixed on-disk layout of a vector's header block,
// accessed in place via unsafe.Pointer the same way pool's BlockInfo
// records are.
type rawVectorHeader struct {
	elemSize      uint64
	pageElems     uint64
	tableElems    uint64
	size          uint64
	table1BlockID uint32
	_             uint32
}

const vectorHeaderSize = unsafe.Sizeof(rawVectorHeader{})

// Vector is a generic paged array backed by a pool.Pool. Element i is
// resolved through a two-level index table of block ids (table1 -> table2
// -> page), each level allocated lazily on first write. Reading an index
// whose page was never allocated returns T's zero value without touching
// the pool beyond the header.
type Vector[T any] struct {
	mu sync.Mutex // intra-process: held before any multi-step resolve

	p             *pool.Pool
	headerBlockID uint32
	pageElems     uint64
	tableElems    uint64
}

// Options overrides the page size (PS) and per-level table fan-out (TS) a
// vector uses. Both must be powers of two; zero means "use the default".
type Options struct {
	PageElems  uint64
	TableElems uint64
}

func isPowerOfTwo(n uint64) bool { return n != 0 && n&(n-1) == 0 }

// New creates a fresh, empty vector in p.
func New[T any](p *pool.Pool, opts ...Options) (*Vector[T], error) {
	const op = "vector.New"
	var zero T
	elemSize := unsafe.Sizeof(zero)
	pageElems := pageByteSize / uint64(elemSize)
	if pageElems == 0 {
		pageElems = 1
	}
	tableElems := uint64(defaultTableElems)
	if len(opts) > 0 {
		if opts[0].PageElems != 0 {
			if !isPowerOfTwo(opts[0].PageElems) {
				return nil, grerr.New(grerr.Logic, op, "PageElems %d is not a power of two", opts[0].PageElems)
			}
			pageElems = opts[0].PageElems
		}
		if opts[0].TableElems != 0 {
			if !isPowerOfTwo(opts[0].TableElems) {
				return nil, grerr.New(grerr.Logic, op, "TableElems %d is not a power of two", opts[0].TableElems)
			}
			tableElems = opts[0].TableElems
		}
	}

	hdrBlock, err := p.CreateBlock(uint64(vectorHeaderSize))
	if err != nil {
		return nil, err
	}
	hdrBytes, err := p.GetBlockAddress(hdrBlock.ID)
	if err != nil {
		return nil, err
	}
	hdr := headerAt(hdrBytes)
	hdr.elemSize = uint64(elemSize)
	hdr.pageElems = pageElems
	hdr.tableElems = tableElems
	hdr.size = 0
	hdr.table1BlockID = pool.BlockInvalidID

	return &Vector[T]{p: p, headerBlockID: hdrBlock.ID, pageElems: pageElems, tableElems: tableElems}, nil
}

// Open reattaches to a vector previously created with New, given the block
// id of its header.
func Open[T any](p *pool.Pool, headerBlockID uint32) (*Vector[T], error) {
	const op = "vector.Open"
	hdrBytes, err := p.GetBlockAddress(headerBlockID)
	if err != nil {
		return nil, err
	}
	hdr := headerAt(hdrBytes)
	var zero T
	if hdr.elemSize != uint64(unsafe.Sizeof(zero)) {
		return nil, grerr.New(grerr.Format, op, "vector element size mismatch: stored %d, want %d", hdr.elemSize, unsafe.Sizeof(zero))
	}
	return &Vector[T]{p: p, headerBlockID: headerBlockID, pageElems: hdr.pageElems, tableElems: hdr.tableElems}, nil
}

// HeaderBlockID identifies this vector for a later Open call.
func (v *Vector[T]) HeaderBlockID() uint32 { return v.headerBlockID }

// Len reports one past the highest index ever written.
func (v *Vector[T]) Len() (uint64, error) {
	hdrBytes, err := v.p.GetBlockAddress(v.headerBlockID)
	if err != nil {
		return 0, err
	}
	return headerAt(hdrBytes).size, nil
}

func headerAt(b []byte) *rawVectorHeader {
	return (*rawVectorHeader)(unsafe.Pointer(&b[0]))
}

func blockIDTable(b []byte, n uint64) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), n)
}

func elemSlice[T any](b []byte, n uint64) []T {
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

func initBlockIDTable(table []uint32) {
	for i := range table {
		table[i] = pool.BlockInvalidID
	}
}

// resolve locates the page byte slice and in-page offset for index i. When
// create is false and an intervening table or page was never allocated, it
// returns a nil slice rather than allocating, signalling "default value".
func (v *Vector[T]) resolve(i uint64, create bool) ([]byte, int, error) {
	const op = "vector.Vector.resolve"

	hdrBytes, err := v.p.GetBlockAddress(v.headerBlockID)
	if err != nil {
		return nil, 0, err
	}
	hdr := headerAt(hdrBytes)

	pageIdx := i / v.pageElems
	slot2 := pageIdx % v.tableElems
	t1Idx := pageIdx / v.tableElems
	slot1 := t1Idx % v.tableElems
	if t1Idx >= v.tableElems {
		return nil, 0, grerr.New(grerr.Logic, op, "index %d exceeds vector capacity", i)
	}

	t1ID := hdr.table1BlockID
	if t1ID == pool.BlockInvalidID {
		if !create {
			return nil, 0, nil
		}
		nb, err := v.p.CreateBlock(v.tableElems * 4)
		if err != nil {
			return nil, 0, err
		}
		t1Bytes, err := v.p.GetBlockAddress(nb.ID)
		if err != nil {
			return nil, 0, err
		}
		initBlockIDTable(blockIDTable(t1Bytes, v.tableElems))
		hdr.table1BlockID = nb.ID
		t1ID = nb.ID
	}

	t1Bytes, err := v.p.GetBlockAddress(t1ID)
	if err != nil {
		return nil, 0, err
	}
	t1 := blockIDTable(t1Bytes, v.tableElems)

	t2ID := t1[slot1]
	if t2ID == pool.BlockInvalidID {
		if !create {
			return nil, 0, nil
		}
		nb, err := v.p.CreateBlock(v.tableElems * 4)
		if err != nil {
			return nil, 0, err
		}
		t2Bytes, err := v.p.GetBlockAddress(nb.ID)
		if err != nil {
			return nil, 0, err
		}
		initBlockIDTable(blockIDTable(t2Bytes, v.tableElems))
		t1[slot1] = nb.ID
		t2ID = nb.ID
	}

	t2Bytes, err := v.p.GetBlockAddress(t2ID)
	if err != nil {
		return nil, 0, err
	}
	t2 := blockIDTable(t2Bytes, v.tableElems)

	pageID := t2[slot2]
	if pageID == pool.BlockInvalidID {
		if !create {
			return nil, 0, nil
		}
		var zero T
		nb, err := v.p.CreateBlock(v.pageElems * uint64(unsafe.Sizeof(zero)))
		if err != nil {
			return nil, 0, err
		}
		t2[slot2] = nb.ID
		pageID = nb.ID
	}

	pageBytes, err := v.p.GetBlockAddress(pageID)
	if err != nil {
		return nil, 0, err
	}
	return pageBytes, int(i % v.pageElems), nil
}

// Get returns the element at i, or T's zero value if it was never written.
func (v *Vector[T]) Get(i uint64) (T, error) {
	var zero T
	v.mu.Lock()
	defer v.mu.Unlock()

	pageBytes, offset, err := v.resolve(i, false)
	if err != nil {
		return zero, err
	}
	if pageBytes == nil {
		return zero, nil
	}
	return elemSlice[T](pageBytes, v.pageElems)[offset], nil
}

// Set writes val at index i, allocating index tables and pages on demand.
func (v *Vector[T]) Set(i uint64, val T) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	pageBytes, offset, err := v.resolve(i, true)
	if err != nil {
		return err
	}
	elemSlice[T](pageBytes, v.pageElems)[offset] = val

	hdrBytes, err := v.p.GetBlockAddress(v.headerBlockID)
	if err != nil {
		return err
	}
	hdr := headerAt(hdrBytes)
	if i+1 > hdr.size {
		hdr.size = i + 1
	}
	return nil
}

// Ptr returns a pointer to element i's storage, allocating its page if
// necessary, for callers that must operate on the slot atomically (a CAS
// replacement loop). The pointer is stable until Unlink.
func (v *Vector[T]) Ptr(i uint64) (*T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pageBytes, offset, err := v.resolve(i, true)
	if err != nil {
		return nil, err
	}

	hdrBytes, err := v.p.GetBlockAddress(v.headerBlockID)
	if err != nil {
		return nil, err
	}
	hdr := headerAt(hdrBytes)
	if i+1 > hdr.size {
		hdr.size = i + 1
	}
	return &elemSlice[T](pageBytes, v.pageElems)[offset], nil
}

// Unlink frees every block this vector owns, including its header. The
// Vector must not be used afterward.
func (v *Vector[T]) Unlink() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	hdrBytes, err := v.p.GetBlockAddress(v.headerBlockID)
	if err != nil {
		return err
	}
	hdr := headerAt(hdrBytes)

	if hdr.table1BlockID != pool.BlockInvalidID {
		t1Bytes, err := v.p.GetBlockAddress(hdr.table1BlockID)
		if err != nil {
			return err
		}
		for _, t2ID := range blockIDTable(t1Bytes, v.tableElems) {
			if t2ID == pool.BlockInvalidID {
				continue
			}
			t2Bytes, err := v.p.GetBlockAddress(t2ID)
			if err != nil {
				return err
			}
			for _, pageID := range blockIDTable(t2Bytes, v.tableElems) {
				if pageID == pool.BlockInvalidID {
					continue
				}
				if err := v.p.FreeBlock(pageID); err != nil {
					return err
				}
			}
			if err := v.p.FreeBlock(t2ID); err != nil {
				return err
			}
		}
		if err := v.p.FreeBlock(hdr.table1BlockID); err != nil {
			return err
		}
	}
	return v.p.FreeBlock(v.headerBlockID)
}

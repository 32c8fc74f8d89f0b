package blob

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/grnxx-go/grnxxgo/grerr"
	"github.com/grnxx-go/grnxxgo/pool"
	"github.com/grnxx-go/grnxxgo/vector"
)

const largeNumFreeLists = 24

// largeFreeListEnd terminates both the per-size-class idle chains and the
// frozen chain of the large sub-store.
const largeFreeListEnd = ^uint64(0)

const (
	largeStateActive = uint32(0)
	largeStateFrozen = uint32(1)
	largeStateIdle   = uint32(2)
)

// largeHeaderSize is the encoded size of rawLargeHeader; kept as a manual
// encoding (rather than an unsafe.Pointer cast, as the pool and vector
// headers use) because a large value's header and payload live inside a
// paged byte vector and may straddle a page boundary, where a live struct
// pointer would not be valid.
const largeHeaderSize = 28

// rawLargeHeader is the in-band value header preceding every payload in the
// large sub-store: a capacity/length/state triple plus a state-dependent
// two-word union — {next frozen offset, frozen stamp} while FROZEN, or
// {next idle offset, unused} while IDLE.
type rawLargeHeader struct {
	capacity uint32
	length   uint32
	state    uint32
	link     uint64
	link2    uint64
}

func encodeLargeHeader(h rawLargeHeader) [largeHeaderSize]byte {
	var buf [largeHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.capacity)
	binary.LittleEndian.PutUint32(buf[4:8], h.length)
	binary.LittleEndian.PutUint32(buf[8:12], h.state)
	binary.LittleEndian.PutUint64(buf[12:20], h.link)
	binary.LittleEndian.PutUint64(buf[20:28], h.link2)
	return buf
}

func decodeLargeHeader(buf [largeHeaderSize]byte) rawLargeHeader {
	return rawLargeHeader{
		capacity: binary.LittleEndian.Uint32(buf[0:4]),
		length:   binary.LittleEndian.Uint32(buf[4:8]),
		state:    binary.LittleEndian.Uint32(buf[8:12]),
		link:     binary.LittleEndian.Uint64(buf[12:20]),
		link2:    binary.LittleEndian.Uint64(buf[20:28]),
	}
}

// rawStoreHeader is the fixed layout of a Store's header block: the roots
// of its six backing vectors (cells, four medium sub-stores, one large
// sub-store) and the bump cursors / free-list heads needed to resume
// allocation after a reopen.
type rawStoreHeader struct {
	nextID          uint64
	largeNext       uint64
	largeFrozenHead uint64
	mediumNext      [4]uint64
	largeIdleHeads  [largeNumFreeLists]uint64
	cellsHdr        uint32
	mediumHdr       [4]uint32
	largeHdr        uint32
}

// Options configures a Store's reclamation policy. Zero values take the
// same defaults as the pool package.
type Options struct {
	FrozenDuration            time.Duration
	UnfreezeCountPerOperation uint32
}

func (o *Options) setDefaults() {
	if o.FrozenDuration < 0 {
		o.FrozenDuration = pool.DefaultFrozenDuration
	}
	if o.FrozenDuration > pool.MaxFrozenDuration {
		o.FrozenDuration = pool.MaxFrozenDuration
	}
	if o.UnfreezeCountPerOperation == 0 {
		o.UnfreezeCountPerOperation = pool.DefaultUnfreezeCountPerOperation
	}
}

// Store is the blob store built atop a pool: a vector of lock-free 64-bit
// cells, each pointing at inline bytes or one of three external sub-stores.
type Store struct {
	mu sync.Mutex // serializes header-level bookkeeping (bump cursors, free/frozen chains); cell replacement itself is lock-free

	p             *pool.Pool
	headerBlockID uint32
	opts          Options

	cells  *vector.Vector[uint64]
	medium [4]*vector.Vector[byte]
	large  *vector.Vector[byte]
}

// New creates an empty blob store in p.
func New(p *pool.Pool, opts Options) (*Store, error) {
	opts.setDefaults()

	cells, err := vector.New[uint64](p)
	if err != nil {
		return nil, err
	}
	var medium [4]*vector.Vector[byte]
	for i := range medium {
		medium[i], err = vector.New[byte](p)
		if err != nil {
			return nil, err
		}
	}
	large, err := vector.New[byte](p)
	if err != nil {
		return nil, err
	}

	hdrBlock, err := p.CreateBlock(uint64(unsafe.Sizeof(rawStoreHeader{})))
	if err != nil {
		return nil, err
	}
	hdrBytes, err := p.GetBlockAddress(hdrBlock.ID)
	if err != nil {
		return nil, err
	}
	h := storeHeaderAt(hdrBytes)
	h.cellsHdr = cells.HeaderBlockID()
	for i := range medium {
		h.mediumHdr[i] = medium[i].HeaderBlockID()
	}
	h.largeHdr = large.HeaderBlockID()
	h.largeFrozenHead = largeFreeListEnd
	for i := range h.largeIdleHeads {
		h.largeIdleHeads[i] = largeFreeListEnd
	}

	return &Store{p: p, headerBlockID: hdrBlock.ID, opts: opts, cells: cells, medium: medium, large: large}, nil
}

// Open reattaches to a store previously created with New.
func Open(p *pool.Pool, headerBlockID uint32, opts Options) (*Store, error) {
	opts.setDefaults()

	hdrBytes, err := p.GetBlockAddress(headerBlockID)
	if err != nil {
		return nil, err
	}
	h := storeHeaderAt(hdrBytes)

	cells, err := vector.Open[uint64](p, h.cellsHdr)
	if err != nil {
		return nil, err
	}
	var medium [4]*vector.Vector[byte]
	for i := range medium {
		medium[i], err = vector.Open[byte](p, h.mediumHdr[i])
		if err != nil {
			return nil, err
		}
	}
	large, err := vector.Open[byte](p, h.largeHdr)
	if err != nil {
		return nil, err
	}

	return &Store{p: p, headerBlockID: headerBlockID, opts: opts, cells: cells, medium: medium, large: large}, nil
}

// HeaderBlockID identifies this store for a later Open call.
func (s *Store) HeaderBlockID() uint32 { return s.headerBlockID }

func storeHeaderAt(b []byte) *rawStoreHeader {
	return (*rawStoreHeader)(unsafe.Pointer(&b[0]))
}

func (s *Store) hdr() *rawStoreHeader {
	b, err := s.p.GetBlockAddress(s.headerBlockID)
	if err != nil {
		grerr.Fatal("blob.Store.hdr", "reading store header: %v", err)
	}
	return storeHeaderAt(b)
}

// Add stores data, choosing the smallest cell class that fits it, and
// returns its newly assigned value id.
func (s *Store) Add(data []byte) (uint64, error) {
	cell, err := s.encode(data)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	h := s.hdr()
	id := h.nextID
	h.nextID++
	s.mu.Unlock()

	ptr, err := s.cells.Ptr(id)
	if err != nil {
		return 0, err
	}
	atomic.StoreUint64(ptr, cell)
	return id, nil
}

// Unset replaces the cell at id with an unset (SMALL, length 0) cell via
// CAS, then frees whatever external storage the previous cell referenced.
func (s *Store) Unset(id uint64) error {
	old, err := s.replaceCell(id, unsetCell())
	if err != nil {
		return err
	}
	return s.freeExternal(old)
}

// Get returns the bytes stored under id. The returned slice is a copy; it
// remains valid regardless of subsequent operations on id.
func (s *Store) Get(id uint64) ([]byte, error) {
	ptr, err := s.cells.Ptr(id)
	if err != nil {
		return nil, err
	}
	cell := atomic.LoadUint64(ptr)

	switch classOf(cell) {
	case ClassSmall:
		return unpackSmall(cell), nil
	case ClassMedium:
		storeID, length, offset := unpackMedium(cell)
		data := make([]byte, length)
		for i := range data {
			b, err := s.medium[storeID].Get(offset + uint64(i))
			if err != nil {
				return nil, err
			}
			data[i] = b
		}
		return data, nil
	case ClassLarge:
		length, offset := unpackLarge(cell)
		data := make([]byte, length)
		for i := range data {
			b, err := s.large.Get(offset + largeHeaderSize + uint64(i))
			if err != nil {
				return nil, err
			}
			data[i] = b
		}
		return data, nil
	default:
		blockID := unpackHuge(cell)
		b, err := s.p.GetBlockAddress(blockID)
		if err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint64(b[:8])
		data := make([]byte, n)
		copy(data, b[8:8+n])
		return data, nil
	}
}

// replaceCell CAS-loops the cell at id to newCell and returns the cell it
// replaced.
func (s *Store) replaceCell(id uint64, newCell uint64) (uint64, error) {
	ptr, err := s.cells.Ptr(id)
	if err != nil {
		return 0, err
	}
	for {
		old := atomic.LoadUint64(ptr)
		if atomic.CompareAndSwapUint64(ptr, old, newCell) {
			return old, nil
		}
	}
}

func (s *Store) encode(data []byte) (uint64, error) {
	const op = "blob.Store.encode"
	switch {
	case len(data) <= smallMaxLen:
		return packSmall(data), nil
	case len(data) <= int(mediumSlotSizes[len(mediumSlotSizes)-1]):
		return s.encodeMedium(data)
	case len(data) <= maxLargeLen:
		return s.encodeLarge(data)
	default:
		blk, err := s.p.CreateBlock(8 + uint64(len(data)))
		if err != nil {
			return 0, grerr.Wrap(grerr.ResourceExhausted, op, err)
		}
		b, err := s.p.GetBlockAddress(blk.ID)
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint64(b[:8], uint64(len(data)))
		copy(b[8:], data)
		return packHuge(blk.ID), nil
	}
}

func (s *Store) encodeMedium(data []byte) (uint64, error) {
	storeID := mediumClassFor(len(data))
	slotSize := mediumSlotSizes[storeID]

	s.mu.Lock()
	h := s.hdr()
	off := h.mediumNext[storeID]
	h.mediumNext[storeID] = off + slotSize
	s.mu.Unlock()

	for i, b := range data {
		if err := s.medium[storeID].Set(off+uint64(i), b); err != nil {
			return 0, err
		}
	}
	return packMedium(storeID, uint8(len(data)), off), nil
}

func (s *Store) readLargeHeader(off uint64) (rawLargeHeader, error) {
	var buf [largeHeaderSize]byte
	for i := range buf {
		b, err := s.large.Get(off + uint64(i))
		if err != nil {
			return rawLargeHeader{}, err
		}
		buf[i] = b
	}
	return decodeLargeHeader(buf), nil
}

func (s *Store) writeLargeHeader(off uint64, h rawLargeHeader) error {
	buf := encodeLargeHeader(h)
	for i, b := range buf {
		if err := s.large.Set(off+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

func largeFreeListIndex(capacity uint64) int {
	if capacity == 0 {
		return 0
	}
	idx := 0
	for c := capacity - 1; c != 0; c >>= 1 {
		idx++
	}
	if idx >= largeNumFreeLists {
		idx = largeNumFreeLists - 1
	}
	return idx
}

// encodeLarge allocates room for data in the large sub-store, reusing an
// idle slot from the smallest size class that fits it (splitting off a
// remainder when worthwhile) before falling back to bump-allocating fresh
// space, mirroring the pool's own free-space algorithm at a finer grain.
func (s *Store) encodeLarge(data []byte) (uint64, error) {
	need := uint64(len(data))

	s.mu.Lock()
	s.unfreezeExpiredLargeLocked()

	var off uint64
	found := false
	for k := largeFreeListIndex(need); k < largeNumFreeLists && !found; k++ {
		h := s.hdr()
		candidate := h.largeIdleHeads[k]
		if candidate == largeFreeListEnd {
			continue
		}
		hdr, err := s.readLargeHeader(candidate)
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		if uint64(hdr.capacity) < need {
			continue
		}
		h.largeIdleHeads[k] = hdr.link
		off = candidate

		const minRemainder = largeHeaderSize + 8
		if uint64(hdr.capacity)-need >= minRemainder {
			remainderOff := off + largeHeaderSize + need
			remainderCap := uint64(hdr.capacity) - need - largeHeaderSize
			rk := largeFreeListIndex(remainderCap)
			if err := s.writeLargeHeader(remainderOff, rawLargeHeader{
				capacity: uint32(remainderCap),
				state:    largeStateIdle,
				link:     h.largeIdleHeads[rk],
			}); err != nil {
				s.mu.Unlock()
				return 0, err
			}
			h.largeIdleHeads[rk] = remainderOff
			hdr.capacity = uint32(need)
		}
		if err := s.writeLargeHeader(off, rawLargeHeader{
			capacity: hdr.capacity,
			length:   uint32(need),
			state:    largeStateActive,
		}); err != nil {
			s.mu.Unlock()
			return 0, err
		}
		found = true
	}

	if !found {
		h := s.hdr()
		off = h.largeNext
		h.largeNext = off + largeHeaderSize + need
		if err := s.writeLargeHeader(off, rawLargeHeader{
			capacity: uint32(need),
			length:   uint32(need),
			state:    largeStateActive,
		}); err != nil {
			s.mu.Unlock()
			return 0, err
		}
	}
	s.mu.Unlock()

	for i, b := range data {
		if err := s.large.Set(off+largeHeaderSize+uint64(i), b); err != nil {
			return 0, err
		}
	}
	return packLarge(uint16(len(data)), off), nil
}

func (s *Store) freeExternal(cell uint64) error {
	switch classOf(cell) {
	case ClassLarge:
		_, offset := unpackLarge(cell)
		return s.freeLarge(offset)
	case ClassHuge:
		return s.p.FreeBlock(unpackHuge(cell))
	default:
		return nil
	}
}

func (s *Store) freeLarge(offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hdr, err := s.readLargeHeader(offset)
	if err != nil {
		return err
	}
	h := s.hdr()
	hdr.state = largeStateFrozen
	hdr.length = 0
	hdr.link = h.largeFrozenHead
	hdr.link2 = uint64(s.p.Recycler().Now())
	if err := s.writeLargeHeader(offset, hdr); err != nil {
		return err
	}
	h.largeFrozenHead = offset
	return nil
}

// unfreezeExpiredLargeLocked moves up to UnfreezeCountPerOperation expired
// frozen large slots into their idle lists. Callers must already hold mu.
func (s *Store) unfreezeExpiredLargeLocked() {
	limit := int(s.opts.UnfreezeCountPerOperation)
	if limit <= 0 {
		return
	}
	now := uint64(s.p.Recycler().Now())
	ttl := uint64(s.opts.FrozenDuration / time.Second)

	h := s.hdr()
	prevOff := largeFreeListEnd
	off := h.largeFrozenHead
	moved := 0
	for off != largeFreeListEnd && moved < limit {
		hdr, err := s.readLargeHeader(off)
		if err != nil {
			grerr.Fatal("blob.Store.unfreezeExpiredLargeLocked", "reading frozen slot %d: %v", off, err)
		}
		next := hdr.link
		if now-hdr.link2 >= ttl {
			if prevOff == largeFreeListEnd {
				h.largeFrozenHead = next
			} else {
				prev, err := s.readLargeHeader(prevOff)
				if err != nil {
					grerr.Fatal("blob.Store.unfreezeExpiredLargeLocked", "reading frozen slot %d: %v", prevOff, err)
				}
				prev.link = next
				if err := s.writeLargeHeader(prevOff, prev); err != nil {
					grerr.Fatal("blob.Store.unfreezeExpiredLargeLocked", "writing frozen slot %d: %v", prevOff, err)
				}
			}

			k := largeFreeListIndex(uint64(hdr.capacity))
			hdr.state = largeStateIdle
			hdr.link = h.largeIdleHeads[k]
			hdr.link2 = 0
			if err := s.writeLargeHeader(off, hdr); err != nil {
				grerr.Fatal("blob.Store.unfreezeExpiredLargeLocked", "writing slot %d: %v", off, err)
			}
			h.largeIdleHeads[k] = off
			moved++
		} else {
			prevOff = off
		}
		off = next
	}
}

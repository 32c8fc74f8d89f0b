// Package pool implements the persistent block pool: the bottom layer that
// carves fixed-alignment, variable-size blocks out of chunks of mapped
// memory, tracks their PHANTOM/ACTIVE/FROZEN/IDLE lifecycle, and hands back
// stable 32-bit block ids that survive a process restart.
package pool

import (
	"math/bits"
	"os"
	"sync"
	"time"

	"github.com/grnxx-go/grnxxgo/grerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// blockInfoChunkSize is the size of one block-info chunk: enough room for
// blockInfoCapacityPerChunk records.
const blockInfoChunkSize = 1 << 20
const blockInfoCapacityPerChunk = blockInfoChunkSize / rawBlockInfoSize

// blockInfoChunkIDBase separates block-info chunk file ids from block data
// chunk file ids, which must stay small since BlockInfo.ChunkID is the id
// callers see and header.nextBlockChunkID counts them directly.
const blockInfoChunkIDBase = 0x4000

// Pool is a handle on an open block pool. The zero value is not usable; use
// Create, Open, OpenTemporary or OpenAnonymous.
type Pool struct {
	// mu is the intra-process mutex: acquired before either inter-process
	// mutex, serializing this pool's own goroutines ahead of contending
	// with other processes.
	mu sync.Mutex

	prov  provider
	hdr   *header
	flags Flags
	log   *zap.Logger

	chunks     []Mapping // block data chunks, indexed by BlockInfo.ChunkID
	infoChunks []Mapping // block-info chunks, indexed by (id / blockInfoCapacityPerChunk)

	tempDir string // non-empty for Temporary pools; removed on Close
}

// Create makes a brand-new pool rooted at path.
func Create(path string, opts Options) (*Pool, error) {
	return open(newFileProvider(path, opts.HugeTLB, false), Create, opts)
}

// Open opens an existing pool rooted at path.
func Open(path string, readOnly bool) (*Pool, error) {
	f := ReadOnly
	if !readOnly {
		f = 0
	}
	return open(newFileProvider(path, false, readOnly), f, Options{})
}

// OpenTemporary creates a pool under a fresh temporary directory and
// removes that directory when the pool is closed.
func OpenTemporary(dir string, opts Options) (*Pool, error) {
	const op = "pool.OpenTemporary"
	tmp, err := os.MkdirTemp(dir, "grnxxgo-pool-")
	if err != nil {
		return nil, grerr.Wrap(grerr.IO, op, err)
	}
	p, err := open(newFileProvider(tmp+"/pool", opts.HugeTLB, false), Temporary, opts)
	if err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}
	p.tempDir = tmp
	return p, nil
}

// OpenAnonymous creates a pool backed only by process memory: nothing is
// ever written to disk, and no other process can open it.
func OpenAnonymous(name string, opts Options) (*Pool, error) {
	return open(newAnonProvider(name), Anonymous, opts)
}

func open(prov provider, flags Flags, opts Options) (*Pool, error) {
	const op = "pool.open"
	nf, err := normalize(flags)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		prov:  prov,
		flags: nf,
		log:   zap.L().Named("pool").With(zap.String("path", prov.path())),
	}

	switch {
	case nf&Open != 0 && nf&Create == 0:
		if err := p.loadHeader(); err != nil {
			return nil, err
		}
	default:
		p.hdr = newHeader(opts)
		if err := p.growChunk(); err != nil {
			return nil, err
		}
	}
	p.log.Info("pool opened", zap.Stringer("flags", p.flags), zap.Uint32("num_blocks", p.hdr.numBlocks))
	return p, nil
}

func (p *Pool) loadHeader() error {
	const op = "pool.Pool.loadHeader"
	m, err := p.prov.openChunk(0, int64(p.estimateChunk0Size()))
	if err != nil {
		return err
	}
	h, err := decodeHeader(m.Bytes())
	if err != nil {
		return err
	}
	p.hdr = h
	p.chunks = make([]Mapping, h.nextBlockChunkID)
	p.chunks[0] = m
	for id := uint16(1); id < h.nextBlockChunkID; id++ {
		ci := h.blockChunkInfos[id]
		cm, err := p.prov.openChunk(id, int64(ci.Size))
		if err != nil {
			return err
		}
		p.chunks[id] = cm
	}
	numInfoChunks := int(h.numBlocks+blockInfoCapacityPerChunk-1) / blockInfoCapacityPerChunk
	p.infoChunks = make([]Mapping, numInfoChunks)
	for i := 0; i < numInfoChunks; i++ {
		cm, err := p.prov.openChunk(blockInfoChunkIDBase+uint16(i), blockInfoChunkSize)
		if err != nil {
			return err
		}
		p.infoChunks[i] = cm
	}
	return nil
}

// estimateChunk0Size is only used to size the initial reopen of chunk 0
// before the header (which records the real size) has been decoded.
func (p *Pool) estimateChunk0Size() uint64 {
	return DefaultMinBlockChunkSize
}

func headerReservedUnits() uint64 {
	return (uint64(headerByteSize) + BlockUnitSize - 1) / BlockUnitSize
}

// growChunk allocates the next block data chunk from the provider, carves
// it into a single PHANTOM block, and links it at the head of the phantom
// chain so future allocations prefer the freshest (largest) space first.
func (p *Pool) growChunk() error {
	const op = "pool.Pool.growChunk"
	unlock, err := p.prov.lockFileCreation()
	if err != nil {
		return err
	}
	defer unlock()

	chunkID := p.hdr.nextBlockChunkID
	if chunkID == 0xFFFF {
		return grerr.New(grerr.ResourceExhausted, op, "pool has exhausted its chunk id space")
	}
	size := p.nextChunkSize()
	if chunkID == 0 {
		// Chunk 0 must hold the header plus at least one block unit.
		if floor := (headerReservedUnits() + 1) * BlockUnitSize; size < floor {
			size = floor
		}
	}
	if p.hdr.totalSize+size > p.hdr.options.MaxFileSize {
		return grerr.New(grerr.ResourceExhausted, op, "growing by %d bytes would exceed MaxFileSize %d", size, p.hdr.options.MaxFileSize)
	}

	m, err := p.prov.createChunk(chunkID, int64(size))
	if err != nil {
		return err
	}
	p.chunks = append(p.chunks, m)
	p.hdr.blockChunkInfos[chunkID] = chunkInfo{ID: chunkID, Size: size, InUse: true}
	p.hdr.nextBlockChunkID = chunkID + 1
	p.hdr.totalSize += size

	reservedUnits := uint64(0)
	if chunkID == 0 {
		reservedUnits = headerReservedUnits()
		copy(m.Bytes(), p.hdr.encode())
	}
	phantomUnits := (size >> BlockUnitSizeBits) - reservedUnits
	id := p.allocBlockID()
	ph := newPhantomBlock(id, chunkID, reservedUnits*BlockUnitSize, phantomUnits*BlockUnitSize)
	ph.Link = p.hdr.latestPhantomBlockID
	p.writeBlockInfo(ph)
	p.hdr.latestPhantomBlockID = id

	p.log.Debug("grew block chunk", zap.Uint16("chunk_id", chunkID), zap.Uint64("size", size))
	return nil
}

func (p *Pool) nextChunkSize() uint64 {
	want := uint64(float64(p.hdr.totalSize) * p.hdr.options.NextBlockChunkSizeRatio)
	if want < p.hdr.options.MinBlockChunkSize {
		want = p.hdr.options.MinBlockChunkSize
	}
	if want > p.hdr.options.MaxBlockChunkSize {
		want = p.hdr.options.MaxBlockChunkSize
	}
	return want
}

func (p *Pool) ensureBlockInfoCapacity(id uint32) {
	idx := int(id / blockInfoCapacityPerChunk)
	for len(p.infoChunks) <= idx {
		chunkIdx := len(p.infoChunks)
		m, err := p.prov.createChunk(blockInfoChunkIDBase+uint16(chunkIdx), blockInfoChunkSize)
		if err != nil {
			// Block-info chunks are pure bookkeeping; a creation failure
			// here means the provider itself is broken, which is fatal.
			grerr.Fatal("pool.Pool.ensureBlockInfoCapacity", "allocating block-info chunk %d: %v", chunkIdx, err)
		}
		p.infoChunks = append(p.infoChunks, m)
	}
}

func (p *Pool) allocBlockID() uint32 {
	id := p.hdr.numBlocks
	p.hdr.numBlocks++
	p.ensureBlockInfoCapacity(id)
	return id
}

func (p *Pool) readBlockInfo(id uint32) BlockInfo {
	idx := id / blockInfoCapacityPerChunk
	slot := int(id % blockInfoCapacityPerChunk)
	return rawAt(p.infoChunks[idx].Bytes(), slot).load()
}

func (p *Pool) writeBlockInfo(bi BlockInfo) {
	idx := bi.ID / blockInfoCapacityPerChunk
	slot := int(bi.ID % blockInfoCapacityPerChunk)
	rawAt(p.infoChunks[idx].Bytes(), slot).store(bi)
}

func unitsRoundUp(size uint64) uint64 {
	return (size + BlockUnitSize - 1) >> BlockUnitSizeBits
}

// freeListIndex buckets a block by size class: list k holds blocks whose
// unit count is in (2^(k-1), 2^k].
func freeListIndex(units uint64) int {
	if units <= 1 {
		return 0
	}
	idx := bits.Len64(units - 1)
	if idx >= numFreeLists {
		idx = numFreeLists - 1
	}
	return idx
}

// popIdleAtLeast unlinks and returns the first block in bucket k whose size
// is at least neededUnits, or BlockInvalidID if none qualifies. A bucket
// spans a size range (see freeListIndex), so its head is not guaranteed to
// be large enough for any particular request; the whole chain is scanned
// rather than trusting the head.
func (p *Pool) popIdleAtLeast(k int, neededUnits uint64) uint32 {
	prevID := BlockInvalidID
	id := p.hdr.oldestIdleBlockIDs[k]
	for id != BlockInvalidID {
		bi := p.readBlockInfo(id)
		if bi.Size>>BlockUnitSizeBits >= neededUnits {
			if prevID == BlockInvalidID {
				p.hdr.oldestIdleBlockIDs[k] = bi.Link
			} else {
				prev := p.readBlockInfo(prevID)
				prev.Link = bi.Link
				p.writeBlockInfo(prev)
			}
			return id
		}
		prevID = id
		id = bi.Link
	}
	return BlockInvalidID
}

// pushIdle appends bi at the tail of bucket k, so each bucket's head
// (oldestIdleBlockIDs[k]) is its oldest idle block and popIdleAtLeast reuses
// the oldest block that fits.
func (p *Pool) pushIdle(k int, bi BlockInfo) {
	bi.Status = Idle
	bi.Link = BlockInvalidID
	p.writeBlockInfo(bi)
	tailID := p.hdr.oldestIdleBlockIDs[k]
	if tailID == BlockInvalidID {
		p.hdr.oldestIdleBlockIDs[k] = bi.ID
		return
	}
	tail := p.readBlockInfo(tailID)
	for tail.Link != BlockInvalidID {
		tail = p.readBlockInfo(tail.Link)
	}
	tail.Link = bi.ID
	p.writeBlockInfo(tail)
}

// CreateBlock reserves a new ACTIVE block of at least size bytes, reusing
// IDLE space where possible before growing the pool.
func (p *Pool) CreateBlock(size uint64) (*BlockInfo, error) {
	const op = "pool.Pool.CreateBlock"
	if size == 0 || size > p.hdr.options.MaxBlockSize {
		return nil, grerr.New(grerr.Logic, op, "block size %d out of range (1, %d]", size, p.hdr.options.MaxBlockSize)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataMutex().Lock()
	defer p.dataMutex().Unlock()

	p.unfreezeExpired()

	units := unitsRoundUp(size)
	for k := freeListIndex(units); k < numFreeLists; k++ {
		if id := p.popIdleAtLeast(k, units); id != BlockInvalidID {
			return p.activateFromIdle(p.readBlockInfo(id), units), nil
		}
	}

	for {
		id := p.hdr.latestPhantomBlockID
		prevID := BlockInvalidID
		for id != BlockInvalidID {
			ph := p.readBlockInfo(id)
			if (ph.Size >> BlockUnitSizeBits) >= units {
				return p.splitPhantom(ph, units, prevID), nil
			}
			prevID = id
			id = ph.Link
		}
		if err := p.growChunk(); err != nil {
			return nil, err
		}
	}
}

func (p *Pool) activateFromIdle(bi BlockInfo, neededUnits uint64) *BlockInfo {
	haveUnits := bi.Size >> BlockUnitSizeBits
	if haveUnits > neededUnits {
		remUnits := haveUnits - neededUnits
		rem := bi
		rem.ID = p.allocBlockID()
		rem.Offset = bi.Offset + neededUnits*BlockUnitSize
		rem.Size = remUnits * BlockUnitSize
		rem.PrevBlockID = bi.ID
		rem.NextBlockID = bi.NextBlockID
		p.pushIdle(freeListIndex(remUnits), rem)

		bi.Size = neededUnits * BlockUnitSize
		bi.NextBlockID = rem.ID
	}
	bi.Status = Active
	bi.Link = BlockInvalidID
	p.writeBlockInfo(bi)
	out := bi
	return &out
}

func (p *Pool) splitPhantom(ph BlockInfo, units uint64, prevID uint32) *BlockInfo {
	nb := BlockInfo{
		ID:          p.allocBlockID(),
		Status:      Active,
		ChunkID:     ph.ChunkID,
		Offset:      ph.Offset,
		Size:        units * BlockUnitSize,
		NextBlockID: ph.ID,
		PrevBlockID: ph.PrevBlockID,
		Link:        BlockInvalidID,
	}
	remaining := ph.Size - units*BlockUnitSize
	if remaining == 0 {
		if prevID == BlockInvalidID {
			p.hdr.latestPhantomBlockID = ph.Link
		} else {
			prev := p.readBlockInfo(prevID)
			prev.Link = ph.Link
			p.writeBlockInfo(prev)
		}
	} else {
		ph.Offset += units * BlockUnitSize
		ph.Size = remaining
		ph.PrevBlockID = nb.ID
		p.writeBlockInfo(ph)
	}
	p.writeBlockInfo(nb)
	out := nb
	return &out
}

// FreeBlock releases an ACTIVE block, marking it FROZEN so it cannot be
// reused until FrozenDuration has elapsed.
func (p *Pool) FreeBlock(id uint32) error {
	const op = "pool.Pool.FreeBlock"
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataMutex().Lock()
	defer p.dataMutex().Unlock()

	if id >= p.hdr.numBlocks {
		return grerr.New(grerr.Logic, op, "block id %d out of range", id)
	}
	bi := p.readBlockInfo(id)
	if bi.Status != Active {
		return grerr.New(grerr.Logic, op, "block %d is not active (status=%s)", id, bi.Status)
	}
	bi.Status = Frozen
	bi.FrozenStamp = Recycler{}.Now()
	bi.Link = p.hdr.latestFrozenBlockID
	p.writeBlockInfo(bi)
	p.hdr.latestFrozenBlockID = id
	return nil
}

// unfreezeExpired moves up to UnfreezeCountPerOperation FROZEN blocks whose
// FrozenStamp is older than FrozenDuration into the IDLE lists. Callers must
// already hold both mu and the data mutex.
func (p *Pool) unfreezeExpired() {
	limit := int(p.hdr.options.UnfreezeCountPerOperation)
	if limit <= 0 {
		return
	}
	now := Recycler{}.Now()
	ttl := uint32(p.hdr.options.FrozenDuration / time.Second)

	prevID := BlockInvalidID
	id := p.hdr.latestFrozenBlockID
	moved := 0
	for id != BlockInvalidID && moved < limit {
		bi := p.readBlockInfo(id)
		next := bi.Link
		if now-bi.FrozenStamp >= ttl {
			if prevID == BlockInvalidID {
				p.hdr.latestFrozenBlockID = next
			} else {
				prev := p.readBlockInfo(prevID)
				prev.Link = next
				p.writeBlockInfo(prev)
			}
			p.pushIdle(freeListIndex(bi.Size>>BlockUnitSizeBits), bi)
			moved++
		} else {
			prevID = id
		}
		id = next
	}
	if moved > 0 {
		p.log.Debug("unfroze expired blocks", zap.Int("count", moved))
	}
}

// GetBlockInfo returns the bookkeeping record for id.
func (p *Pool) GetBlockInfo(id uint32) (BlockInfo, error) {
	const op = "pool.Pool.GetBlockInfo"
	p.mu.Lock()
	defer p.mu.Unlock()
	if id >= p.hdr.numBlocks {
		return BlockInfo{}, grerr.New(grerr.Logic, op, "block id %d out of range", id)
	}
	return p.readBlockInfo(id), nil
}

// GetBlockAddress returns the live byte slice backing an ACTIVE block.
func (p *Pool) GetBlockAddress(id uint32) ([]byte, error) {
	const op = "pool.Pool.GetBlockAddress"
	bi, err := p.GetBlockInfo(id)
	if err != nil {
		return nil, err
	}
	if bi.Status != Active {
		return nil, grerr.New(grerr.Logic, op, "block %d is not active (status=%s)", id, bi.Status)
	}
	chunk := p.chunks[bi.ChunkID].Bytes()
	return chunk[bi.Offset : bi.Offset+bi.Size], nil
}

// Recycler returns the clock handle used for freeze/unfreeze bookkeeping.
func (p *Pool) Recycler() Recycler { return Recycler{pool: p} }

// Sync flushes the header and every backing chunk to disk, bounding how
// many chunk syncs run concurrently so a pool with thousands of chunks does
// not open thousands of file descriptors' worth of flush calls at once.
func (p *Pool) Sync() error {
	const op = "pool.Pool.Sync"
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.chunks) > 0 {
		copy(p.chunks[0].Bytes(), p.hdr.encode())
	}

	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, m := range p.chunks {
		m := m
		g.Go(func() error {
			return m.Sync(0, len(m.Bytes()))
		})
	}
	for _, m := range p.infoChunks {
		m := m
		g.Go(func() error {
			return m.Sync(0, len(m.Bytes()))
		})
	}
	if err := g.Wait(); err != nil {
		return grerr.Wrap(grerr.IO, op, err)
	}
	return nil
}

// Close syncs and releases all mappings. Temporary pools additionally
// remove their backing directory.
func (p *Pool) Close() error {
	const op = "pool.Pool.Close"
	if err := p.Sync(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.chunks {
		if err := m.Close(); err != nil {
			return grerr.Wrap(grerr.IO, op, err)
		}
	}
	for _, m := range p.infoChunks {
		if err := m.Close(); err != nil {
			return grerr.Wrap(grerr.IO, op, err)
		}
	}
	if p.tempDir != "" {
		os.RemoveAll(p.tempDir)
	}
	return nil
}

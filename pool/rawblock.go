package pool

import "unsafe"

// rawBlockInfo is the exact 32-byte on-disk layout of one BlockInfo record,
// accessed in place inside a mapped block-info chunk via unsafe.Pointer
// casting: cast a byte slice into a POD struct instead of encoding/decoding
// field by field.
type rawBlockInfo struct {
	id          uint32
	status      uint8
	reserved    uint8
	chunkID     uint16
	offsetUnits uint32
	sizeUnits   uint32
	nextBlockID uint32
	prevBlockID uint32
	link        uint32
	extra       uint32 // frozenStamp (Frozen) or prevIdleBlockID (Idle)
}

const rawBlockInfoSize = 32

func init() {
	if unsafe.Sizeof(rawBlockInfo{}) != rawBlockInfoSize {
		panic("pool: rawBlockInfo layout drifted from BlockInfoSize")
	}
}

func rawAt(mapping []byte, slot int) *rawBlockInfo {
	off := slot * rawBlockInfoSize
	return (*rawBlockInfo)(unsafe.Pointer(&mapping[off]))
}

func (r *rawBlockInfo) load() BlockInfo {
	bi := BlockInfo{
		ID:          r.id,
		Status:      Status(r.status),
		ChunkID:     r.chunkID,
		Offset:      uint64(r.offsetUnits) << BlockUnitSizeBits,
		Size:        uint64(r.sizeUnits) << BlockUnitSizeBits,
		NextBlockID: r.nextBlockID,
		PrevBlockID: r.prevBlockID,
		Link:        r.link,
	}
	switch bi.Status {
	case Frozen:
		bi.FrozenStamp = r.extra
	case Idle:
		bi.PrevIdleBlockID = r.extra
	}
	return bi
}

func (r *rawBlockInfo) store(bi BlockInfo) {
	r.id = bi.ID
	r.status = uint8(bi.Status)
	r.chunkID = bi.ChunkID
	r.offsetUnits = uint32(bi.Offset >> BlockUnitSizeBits)
	r.sizeUnits = uint32(bi.Size >> BlockUnitSizeBits)
	r.nextBlockID = bi.NextBlockID
	r.prevBlockID = bi.PrevBlockID
	r.link = bi.Link
	switch bi.Status {
	case Frozen:
		r.extra = bi.FrozenStamp
	case Idle:
		r.extra = bi.PrevIdleBlockID
	default:
		r.extra = 0
	}
}

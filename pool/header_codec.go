package pool

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/grnxx-go/grnxxgo/grerr"
)

// headerByteSize is the fixed on-disk size of the pool header, written into
// the first block of chunk 0. All integers are stored explicitly
// little-endian, documented here rather than left to host byte order.
const headerByteSize = 64 + 64 + optionsByteSize + 8 + 4 + 4 + 2 + 4 + 4 +
	numFreeLists*4 + (maxBlockChunks+maxBlockInfoChunks)*chunkInfoByteSize + 8 + 4 + 4

// mutexWordsOffset is where the two inter-process mutex words live inside
// chunk 0's mapped bytes: the last 8 bytes of the header's fixed footprint.
// They are addressed directly via unsafe.Pointer (see interprocess.go)
// rather than round-tripped through the decoded header struct, so a lock
// held by one process is visible to another process mapping the same file
// immediately, not only after the next Sync/reopen.
const mutexWordsOffset = headerByteSize - 8

const optionsByteSize = 8 + 8 + 8 + 8 + 8 /* float64 */ + 8 /* duration as int64 */ + 4
const chunkInfoByteSize = 2 + 8 + 1 + 5 /* padding to 16 bytes */

// encode serializes the header into a fixed-size byte buffer suitable for
// writing into chunk 0's header block.
func (h *header) encode() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(headerByteSize)

	writeFixedString(buf, h.formatString, 64)
	writeFixedString(buf, h.versionString, 64)

	_ = binary.Write(buf, binary.LittleEndian, h.options.MaxBlockSize)
	_ = binary.Write(buf, binary.LittleEndian, h.options.MinBlockChunkSize)
	_ = binary.Write(buf, binary.LittleEndian, h.options.MaxBlockChunkSize)
	_ = binary.Write(buf, binary.LittleEndian, h.options.MaxFileSize)
	_ = binary.Write(buf, binary.LittleEndian, h.options.NextBlockChunkSizeRatio)
	_ = binary.Write(buf, binary.LittleEndian, int64(h.options.FrozenDuration))
	_ = binary.Write(buf, binary.LittleEndian, h.options.UnfreezeCountPerOperation)

	_ = binary.Write(buf, binary.LittleEndian, h.totalSize)
	_ = binary.Write(buf, binary.LittleEndian, h.numBlocks)
	_ = binary.Write(buf, binary.LittleEndian, h.maxNumBlocks)
	_ = binary.Write(buf, binary.LittleEndian, h.nextBlockChunkID)
	_ = binary.Write(buf, binary.LittleEndian, h.latestPhantomBlockID)
	_ = binary.Write(buf, binary.LittleEndian, h.latestFrozenBlockID)
	_ = binary.Write(buf, binary.LittleEndian, h.oldestIdleBlockIDs)

	for _, ci := range h.blockChunkInfos {
		writeChunkInfo(buf, ci)
	}
	for _, ci := range h.blockInfoChunkInfos {
		writeChunkInfo(buf, ci)
	}

	_ = binary.Write(buf, binary.LittleEndian, h.recyclerTick)

	// The trailing 8 bytes (mutexWordsOffset..headerByteSize) are the two
	// inter-process mutex words and are deliberately NOT part of this
	// buffer: they live directly in chunk 0's mapped bytes (see
	// interprocess.go), and encode runs on every Sync while another
	// process may be holding one of those locks. copy() only writes
	// len(buf.Bytes()) bytes into the chunk, so leaving them out of buf
	// here means Sync never touches them.
	return buf.Bytes()
}

func writeFixedString(buf *bytes.Buffer, s string, size int) {
	b := make([]byte, size)
	copy(b, s)
	buf.Write(b)
}

func writeChunkInfo(buf *bytes.Buffer, ci chunkInfo) {
	_ = binary.Write(buf, binary.LittleEndian, ci.ID)
	_ = binary.Write(buf, binary.LittleEndian, ci.Size)
	inUse := byte(0)
	if ci.InUse {
		inUse = 1
	}
	buf.WriteByte(inUse)
	buf.Write(make([]byte, 5))
}

// decodeHeader reconstructs a header from bytes previously produced by
// encode, failing with a FormatError if the format/version strings do not
// match this implementation's.
func decodeHeader(data []byte) (*header, error) {
	const op = "pool.decodeHeader"
	if len(data) < headerByteSize {
		return nil, grerr.New(grerr.Format, op, "header truncated: have %d bytes, need %d", len(data), headerByteSize)
	}
	r := bytes.NewReader(data)

	format := readFixedString(r, 64)
	version := readFixedString(r, 64)
	if format != HeaderFormatString {
		return nil, grerr.New(grerr.Format, op, "bad format string %q", format)
	}
	if version != HeaderVersionString {
		return nil, grerr.New(grerr.Format, op, "unsupported version string %q", version)
	}

	h := &header{formatString: format, versionString: version}

	_ = binary.Read(r, binary.LittleEndian, &h.options.MaxBlockSize)
	_ = binary.Read(r, binary.LittleEndian, &h.options.MinBlockChunkSize)
	_ = binary.Read(r, binary.LittleEndian, &h.options.MaxBlockChunkSize)
	_ = binary.Read(r, binary.LittleEndian, &h.options.MaxFileSize)
	_ = binary.Read(r, binary.LittleEndian, &h.options.NextBlockChunkSizeRatio)
	var frozenNanos int64
	_ = binary.Read(r, binary.LittleEndian, &frozenNanos)
	h.options.FrozenDuration = time.Duration(frozenNanos)
	_ = binary.Read(r, binary.LittleEndian, &h.options.UnfreezeCountPerOperation)

	_ = binary.Read(r, binary.LittleEndian, &h.totalSize)
	_ = binary.Read(r, binary.LittleEndian, &h.numBlocks)
	_ = binary.Read(r, binary.LittleEndian, &h.maxNumBlocks)
	_ = binary.Read(r, binary.LittleEndian, &h.nextBlockChunkID)
	_ = binary.Read(r, binary.LittleEndian, &h.latestPhantomBlockID)
	_ = binary.Read(r, binary.LittleEndian, &h.latestFrozenBlockID)
	_ = binary.Read(r, binary.LittleEndian, &h.oldestIdleBlockIDs)

	for i := range h.blockChunkInfos {
		h.blockChunkInfos[i] = readChunkInfo(r)
	}
	for i := range h.blockInfoChunkInfos {
		h.blockInfoChunkInfos[i] = readChunkInfo(r)
	}

	_ = binary.Read(r, binary.LittleEndian, &h.recyclerTick)

	// The mutex words after this point are read directly from mapped bytes
	// (see interprocess.go), not through this decoded struct.

	return h, nil
}

func readFixedString(r *bytes.Reader, size int) string {
	b := make([]byte, size)
	_, _ = r.Read(b)
	end := bytes.IndexByte(b, 0)
	if end < 0 {
		end = len(b)
	}
	return string(b[:end])
}

func readChunkInfo(r *bytes.Reader) chunkInfo {
	var ci chunkInfo
	_ = binary.Read(r, binary.LittleEndian, &ci.ID)
	_ = binary.Read(r, binary.LittleEndian, &ci.Size)
	inUse, _ := r.ReadByte()
	ci.InUse = inUse != 0
	_, _ = r.Seek(5, 1)
	return ci
}

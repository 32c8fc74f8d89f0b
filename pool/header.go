package pool

import "time"

// Header layout constants.
const (
	HeaderFormatString  = "grnxx::io::Pool"
	HeaderVersionString = "0.0.0"

	// maxBlockChunks/maxBlockInfoChunks bound the ChunkInfo tables kept in
	// the header: 2048 entries of each, matching the original ceiling.
	maxBlockChunks     = 2048
	maxBlockInfoChunks = 2048

	numFreeLists = 32
)

// Options mirrors the C++ PoolOptions type: sizes and durations with a
// fixed layout, persisted at pool creation time.
type Options struct {
	// MaxBlockSize bounds a single block's size (bytes).
	MaxBlockSize uint64
	// MinBlockChunkSize is the size of the first chunk carved from the
	// mapping provider, and the lower bound for every later chunk. The first
	// chunk is raised above it when needed to fit the pool header plus one
	// block unit.
	MinBlockChunkSize uint64
	// MaxBlockChunkSize bounds how large a single chunk may grow.
	MaxBlockChunkSize uint64
	// MaxFileSize bounds the logical address space of the pool.
	MaxFileSize uint64
	// NextBlockChunkSizeRatio is the fraction of total size used to size
	// the next chunk when the pool grows.
	NextBlockChunkSizeRatio float64
	// FrozenDuration is how long a freed block stays FROZEN before
	// becoming IDLE and eligible for reuse.
	FrozenDuration time.Duration
	// UnfreezeCountPerOperation bounds how many expired frozen blocks a
	// single allocation attempts to unfreeze.
	UnfreezeCountPerOperation uint32
	// HugeTLB asks the mapping provider to back file chunks with
	// transparent huge pages via madvise. It is a per-process mapping
	// hint, not part of the on-disk format, so it is not persisted by
	// encode/decode.
	HugeTLB bool
}

// Default bounds, mirrored from the C++ source.
const (
	DefaultMaxFileSize               = uint64(1) << 40
	DefaultMinBlockChunkSize         = uint64(1) << 22
	MaxNextBlockChunkSizeRatio       = 1.0
	DefaultNextBlockChunkSizeRatio   = 1.0 / 64
	MaxFrozenDuration                = 24 * time.Hour
	DefaultFrozenDuration            = 10 * time.Minute
	DefaultUnfreezeCountPerOperation = 32
)

// DefaultOptions returns the options the C++ source uses when none are
// given explicitly.
func DefaultOptions() Options {
	return Options{
		MaxBlockSize:              DefaultMaxFileSize,
		MinBlockChunkSize:         DefaultMinBlockChunkSize,
		MaxBlockChunkSize:         DefaultMaxFileSize,
		MaxFileSize:               DefaultMaxFileSize,
		NextBlockChunkSizeRatio:   DefaultNextBlockChunkSizeRatio,
		FrozenDuration:            DefaultFrozenDuration,
		UnfreezeCountPerOperation: DefaultUnfreezeCountPerOperation,
	}
}

func (o *Options) adjust() {
	if o.MaxBlockSize == 0 {
		o.MaxBlockSize = DefaultMaxFileSize
	}
	if o.MinBlockChunkSize == 0 {
		o.MinBlockChunkSize = DefaultMinBlockChunkSize
	}
	if o.MaxBlockChunkSize == 0 {
		o.MaxBlockChunkSize = o.MaxFileSize
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.NextBlockChunkSizeRatio <= 0 || o.NextBlockChunkSizeRatio > MaxNextBlockChunkSizeRatio {
		o.NextBlockChunkSizeRatio = DefaultNextBlockChunkSizeRatio
	}
	if o.FrozenDuration < 0 {
		o.FrozenDuration = DefaultFrozenDuration
	}
	if o.FrozenDuration > MaxFrozenDuration {
		o.FrozenDuration = MaxFrozenDuration
	}
	if o.UnfreezeCountPerOperation == 0 {
		o.UnfreezeCountPerOperation = DefaultUnfreezeCountPerOperation
	}
}

// chunkInfo records one backing chunk: which provider-level file it came
// from and how large it is.
type chunkInfo struct {
	ID       uint16
	Size     uint64
	InUse    bool
}

// header is the decoded, per-process view of the pool header kept in chunk
// 0's first block. The two inter-process mutex words are deliberately not
// part of this struct (see interprocess.go): they are addressed directly in
// chunk 0's mapped bytes so a lock held by one process is visible to every
// other process with the same file mapped, and manipulated with
// sync/atomic spin-locking rather than an OS futex, which Go cannot portably
// take over arbitrary mmap'd memory without cgo. recyclerTick is persisted
// with the header but never advanced: TTL freeze/unfreeze decisions use the
// wall-clock seconds returned by Recycler.Now.
type header struct {
	formatString  string // fixed 64 bytes on disk, see encodeHeader
	versionString string // fixed 64 bytes on disk

	options Options

	totalSize             uint64
	numBlocks             uint32
	maxNumBlocks          uint32
	nextBlockChunkID      uint16
	latestPhantomBlockID  uint32
	latestFrozenBlockID   uint32
	oldestIdleBlockIDs    [numFreeLists]uint32

	blockChunkInfos     [maxBlockChunks]chunkInfo
	blockInfoChunkInfos [maxBlockInfoChunks]chunkInfo

	recyclerTick uint64 // persisted recycler state; nothing advances it

	// The two inter-process spinlock words are NOT fields here: each
	// process decodes its own private header struct, so a word stored in
	// it would only ever serialize that process's own goroutines. The
	// live words are addressed directly in chunk 0's mapped bytes instead
	// (see mutexWordsOffset and interprocess.go).
}

func newHeader(opts Options) *header {
	opts.adjust()
	h := &header{
		formatString:        HeaderFormatString,
		versionString:       HeaderVersionString,
		options:              opts,
		latestPhantomBlockID: BlockInvalidID,
		latestFrozenBlockID:  BlockInvalidID,
	}
	for i := range h.oldestIdleBlockIDs {
		h.oldestIdleBlockIDs[i] = BlockInvalidID
	}
	return h
}

package pool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/grnxx-go/grnxxgo/grerr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Mapping is the seam between the block pool and raw memory: an
// addressable, optionally file-backed region with a per-region sync. The
// pool treats the "mapping provider" as pluggable; this file supplies one
// concrete, real implementation so the rest of the module has something to
// run against.
type Mapping interface {
	// Bytes returns the mapped region as a byte slice.
	Bytes() []byte
	// Sync requests a write-back of [offset, offset+size) to the backing
	// file, if any. Purely advisory.
	Sync(offset, size int) error
	// Close unmaps the region. It does not delete the backing file.
	Close() error
}

// provider creates and reopens the chunks a Pool is built from.
type provider interface {
	// createChunk allocates a brand-new chunk of the given size.
	createChunk(chunkID uint16, size int64) (Mapping, error)
	// openChunk reopens a chunk that was previously created by this or a
	// prior process.
	openChunk(chunkID uint16, size int64) (Mapping, error)
	// lockFileCreation returns a provider-wide lock serializing chunk
	// file creation across processes.
	lockFileCreation() (unlock func(), err error)
	// path is a human-readable identifier for diagnostics.
	path() string
}

// fileMapping is a real mmap-go-backed file mapping.
type fileMapping struct {
	file *os.File
	mm   mmap.MMap
}

func (m *fileMapping) Bytes() []byte { return m.mm }

func (m *fileMapping) Sync(offset, size int) error {
	const op = "pool.fileMapping.Sync"
	if offset < 0 || size < 0 || offset+size > len(m.mm) {
		return grerr.New(grerr.Logic, op, "out of range sync [%d,%d) over %d bytes", offset, offset+size, len(m.mm))
	}
	if err := m.mm.Flush(); err != nil {
		return grerr.Wrap(grerr.IO, op, err)
	}
	return nil
}

func (m *fileMapping) Close() error {
	const op = "pool.fileMapping.Close"
	if err := m.mm.Unmap(); err != nil {
		return grerr.Wrap(grerr.IO, op, err)
	}
	if err := m.file.Close(); err != nil {
		return grerr.Wrap(grerr.IO, op, err)
	}
	return nil
}

// anonMapping is a non-file-backed mapping: a plain heap allocation. It
// satisfies the Mapping interface for POOL_ANONYMOUS pools, where Sync is a
// no-op since there is no backing file.
type anonMapping struct {
	buf []byte
}

func (m *anonMapping) Bytes() []byte         { return m.buf }
func (m *anonMapping) Sync(int, int) error   { return nil }
func (m *anonMapping) Close() error          { return nil }

// fileProvider lays out chunks as "<base>.<i>" files.
type fileProvider struct {
	base     string
	hugeTLB  bool
	readOnly bool
}

func newFileProvider(base string, hugeTLB, readOnly bool) *fileProvider {
	return &fileProvider{base: base, hugeTLB: hugeTLB, readOnly: readOnly}
}

func (p *fileProvider) chunkPath(chunkID uint16) string {
	return fmt.Sprintf("%s.%d", p.base, chunkID)
}

func (p *fileProvider) path() string { return p.base }

func (p *fileProvider) createChunk(chunkID uint16, size int64) (Mapping, error) {
	const op = "pool.fileProvider.createChunk"
	if err := os.MkdirAll(filepath.Dir(p.chunkPath(chunkID)), 0o755); err != nil {
		return nil, grerr.Wrap(grerr.IO, op, err)
	}
	f, err := os.OpenFile(p.chunkPath(chunkID), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, grerr.Wrap(grerr.IO, op, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, grerr.Wrap(grerr.IO, op, err)
	}
	return mapFile(op, f, size, true, p.hugeTLB)
}

// openChunk reopens a chunk file, sizing the mapping from the file's actual
// length rather than the caller's hint so a stale or approximate size
// passed in before the header has been decoded can never cause a
// truncated mapping.
func (p *fileProvider) openChunk(chunkID uint16, _ int64) (Mapping, error) {
	const op = "pool.fileProvider.openChunk"
	flag := os.O_RDWR
	if p.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(p.chunkPath(chunkID), flag, 0o644)
	if err != nil {
		return nil, grerr.Wrap(grerr.IO, op, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, grerr.Wrap(grerr.IO, op, err)
	}
	return mapFile(op, f, fi.Size(), !p.readOnly, p.hugeTLB)
}

func mapFile(op string, f *os.File, size int64, writable, hugeTLB bool) (Mapping, error) {
	prot := mmap.RDWR
	if !writable {
		prot = mmap.RDONLY
	}
	flags := 0
	if size == 0 {
		return &fileMapping{file: f, mm: nil}, nil
	}
	mm, err := mmap.MapRegion(f, int(size), prot, flags, 0)
	if err != nil {
		f.Close()
		return nil, grerr.Wrap(grerr.IO, op, err)
	}
	if hugeTLB {
		// Best-effort hint: ask the kernel to back this mapping with
		// transparent huge pages. Like Mapping.Sync, this is advisory —
		// a failure here does not affect correctness, so it is logged
		// rather than returned.
		if err := unix.Madvise(mm, unix.MADV_HUGEPAGE); err != nil {
			zap.L().Named("pool").Warn("madvise MADV_HUGEPAGE failed", zap.Error(err))
		}
	}
	return &fileMapping{file: f, mm: mm}, nil
}

func (p *fileProvider) lockFileCreation() (func(), error) {
	const op = "pool.fileProvider.lockFileCreation"
	fl := flock.New(p.base + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, grerr.Wrap(grerr.IO, op, err)
	}
	return func() { _ = fl.Unlock() }, nil
}

// anonProvider backs a pool with anonymous (non-file) memory only; chunk
// file creation needs no cross-process lock since there is no file.
type anonProvider struct {
	name string
}

func newAnonProvider(name string) *anonProvider { return &anonProvider{name: name} }

func (p *anonProvider) path() string { return p.name }

func (p *anonProvider) createChunk(_ uint16, size int64) (Mapping, error) {
	return &anonMapping{buf: make([]byte, size)}, nil
}

func (p *anonProvider) openChunk(_ uint16, size int64) (Mapping, error) {
	const op = "pool.anonProvider.openChunk"
	return nil, grerr.New(grerr.Logic, op, "anonymous pools have no chunks to reopen")
}

func (p *anonProvider) lockFileCreation() (func(), error) {
	return func() {}, nil
}

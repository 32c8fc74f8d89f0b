package pool

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// spinMutex is a test-and-set spinlock over a single word, used for the
// header's two inter-process mutexes: each pool header carries two mutex
// words that live in shared (mapped) memory. Go cannot express OS futexes
// over arbitrary mmap'd memory portably without cgo, so this implements the
// cross-process mutex as a spin loop with CAS over an atomically-addressed
// word embedded in the header. For an anonymous, single-process pool this
// degenerates to an ordinary in-process spinlock.
type spinMutex struct {
	word *uint32
}

const (
	spinUnlocked = uint32(0)
	spinLocked   = uint32(1)
)

func (m spinMutex) Lock() {
	for !atomic.CompareAndSwapUint32(m.word, spinUnlocked, spinLocked) {
		runtime.Gosched()
	}
}

func (m spinMutex) Unlock() {
	atomic.StoreUint32(m.word, spinUnlocked)
}

// mutexWordAt returns a pointer directly into chunk 0's mapped bytes at
// byte offset off, so the spinlock built over it is visible to every
// process with that chunk mapped, not just this one.
func (p *Pool) mutexWordAt(off int) *uint32 {
	b := p.chunks[0].Bytes()
	return (*uint32)(unsafe.Pointer(&b[off]))
}

// dataMutex protects the block pool's free-list and chunk bookkeeping.
func (p *Pool) dataMutex() spinMutex {
	return spinMutex{word: p.mutexWordAt(mutexWordsOffset)}
}

// fileMutex is the header's second inter-process mutex word. No code path
// in the pool takes it: chunk-file creation is serialized by the provider's
// lockFileCreation (a file lock) instead.
func (p *Pool) fileMutex() spinMutex {
	return spinMutex{word: p.mutexWordAt(mutexWordsOffset + 4)}
}

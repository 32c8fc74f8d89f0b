package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateBlockAndFree(t *testing.T) {
	p, err := OpenAnonymous(t.Name(), DefaultOptions())
	require.NoError(t, err)
	defer p.Close()

	bi, err := p.CreateBlock(100)
	require.NoError(t, err)
	require.Equal(t, Active, bi.Status)
	require.GreaterOrEqual(t, bi.Size, uint64(100))

	addr, err := p.GetBlockAddress(bi.ID)
	require.NoError(t, err)
	require.Len(t, addr, int(bi.Size))
	addr[0] = 0x42

	got, err := p.GetBlockInfo(bi.ID)
	require.NoError(t, err)
	require.Equal(t, Active, got.Status)

	require.NoError(t, p.FreeBlock(bi.ID))
	frozen, err := p.GetBlockInfo(bi.ID)
	require.NoError(t, err)
	require.Equal(t, Frozen, frozen.Status)

	require.Error(t, p.FreeBlock(bi.ID))
}

func TestCreateBlockReusesIdleAfterExpiry(t *testing.T) {
	opts := DefaultOptions()
	opts.FrozenDuration = 0 // unfreeze immediately so the test doesn't sleep
	p, err := OpenAnonymous(t.Name(), opts)
	require.NoError(t, err)
	defer p.Close()

	first, err := p.CreateBlock(64)
	require.NoError(t, err)
	require.NoError(t, p.FreeBlock(first.ID))

	second, err := p.CreateBlock(64)
	require.NoError(t, err)
	require.Equal(t, Active, second.Status)
	require.Equal(t, first.ID, second.ID)
}

func TestCreateBlockRejectsOversize(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxBlockSize = 4096
	p, err := OpenAnonymous(t.Name(), opts)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.CreateBlock(1 << 20)
	require.Error(t, err)
}

func TestCreateFileBackedPoolRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.MinBlockChunkSize = 1 << 16
	p, err := Create(dir+"/data", opts)
	require.NoError(t, err)

	bi, err := p.CreateBlock(128)
	require.NoError(t, err)
	addr, err := p.GetBlockAddress(bi.ID)
	require.NoError(t, err)
	copy(addr, []byte("hello"))

	require.NoError(t, p.Close())

	reopened, err := Open(dir+"/data", false)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetBlockInfo(bi.ID)
	require.NoError(t, err)
	require.Equal(t, Active, got.Status)

	addr2, err := reopened.GetBlockAddress(bi.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), addr2[:5])
}

func TestCreateBlockSkipsUndersizedIdleInSameBucket(t *testing.T) {
	opts := DefaultOptions()
	opts.FrozenDuration = 0
	p, err := OpenAnonymous(t.Name(), opts)
	require.NoError(t, err)
	defer p.Close()

	// 5 and 6 units both land in free-list bucket freeListIndex(5)==freeListIndex(6).
	small, err := p.CreateBlock(5 * BlockUnitSize)
	require.NoError(t, err)
	require.NoError(t, p.FreeBlock(small.ID))

	big, err := p.CreateBlock(6 * BlockUnitSize)
	require.NoError(t, err)
	require.GreaterOrEqual(t, big.Size, 6*BlockUnitSize)

	addr, err := p.GetBlockAddress(big.ID)
	require.NoError(t, err)
	require.Len(t, addr, int(big.Size))
}

func TestFreeListIndex(t *testing.T) {
	require.Equal(t, 0, freeListIndex(0))
	require.Equal(t, 0, freeListIndex(1))
	require.Equal(t, 1, freeListIndex(2))
	require.Equal(t, 2, freeListIndex(3))
	require.Equal(t, 2, freeListIndex(4))
}

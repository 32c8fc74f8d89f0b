package vector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grnxx-go/grnxxgo/pool"
)

func TestDefaultValueBeforeWrite(t *testing.T) {
	p, err := pool.OpenAnonymous(t.Name(), pool.DefaultOptions())
	require.NoError(t, err)
	defer p.Close()

	v, err := New[uint64](p)
	require.NoError(t, err)

	got, err := v.Get(12345)
	require.NoError(t, err)
	require.Equal(t, uint64(0), got)

	require.NoError(t, v.Set(12345, 42))
	got, err = v.Get(12345)
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)

	n, err := v.Len()
	require.NoError(t, err)
	require.Equal(t, uint64(12346), n)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	opts := pool.DefaultOptions()
	opts.MinBlockChunkSize = 1 << 16

	p, err := pool.Create(dir+"/data", opts)
	require.NoError(t, err)

	v, err := New[uint64](p)
	require.NoError(t, err)
	require.NoError(t, v.Set(12345, 42))
	hdrID := v.HeaderBlockID()
	require.NoError(t, p.Close())

	reopened, err := pool.Open(dir+"/data", false)
	require.NoError(t, err)
	defer reopened.Close()

	v2, err := Open[uint64](reopened, hdrID)
	require.NoError(t, err)
	got, err := v2.Get(12345)
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)
}

func TestUnlinkFreesBlocks(t *testing.T) {
	p, err := pool.OpenAnonymous(t.Name(), pool.DefaultOptions())
	require.NoError(t, err)
	defer p.Close()

	v, err := New[uint64](p)
	require.NoError(t, err)
	require.NoError(t, v.Set(1, 1))
	require.NoError(t, v.Set(1<<20, 2))

	require.NoError(t, v.Unlink())

	info, err := p.GetBlockInfo(v.HeaderBlockID())
	require.NoError(t, err)
	require.Equal(t, pool.Frozen, info.Status)
}

func TestSparseWritesIsolated(t *testing.T) {
	p, err := pool.OpenAnonymous(t.Name(), pool.DefaultOptions())
	require.NoError(t, err)
	defer p.Close()

	v, err := New[byte](p)
	require.NoError(t, err)
	require.NoError(t, v.Set(0, 7))
	require.NoError(t, v.Set(1<<30, 9))

	got, err := v.Get(5000)
	require.NoError(t, err)
	require.Equal(t, byte(0), got)
}

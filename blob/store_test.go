package blob

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grnxx-go/grnxxgo/pool"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	p, err := pool.OpenAnonymous(t.Name(), pool.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	s, err := New(p, opts)
	require.NoError(t, err)
	return s
}

func TestAddGetEachClass(t *testing.T) {
	s := newTestStore(t, Options{})

	small, err := s.Add([]byte("abc"))
	require.NoError(t, err)
	medium, err := s.Add(make([]byte, 40))
	require.NoError(t, err)
	large, err := s.Add(make([]byte, 5000))
	require.NoError(t, err)
	huge, err := s.Add(make([]byte, 1<<20))
	require.NoError(t, err)

	got, err := s.Get(small)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)

	got, err = s.Get(medium)
	require.NoError(t, err)
	require.Len(t, got, 40)

	got, err = s.Get(large)
	require.NoError(t, err)
	require.Len(t, got, 5000)

	got, err = s.Get(huge)
	require.NoError(t, err)
	require.Len(t, got, 1<<20)
}

func TestUnsetReadsBackEmpty(t *testing.T) {
	s := newTestStore(t, Options{})

	id, err := s.Add([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, s.Unset(id))

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLargeBlobsReuseAfterFreezeExpiry(t *testing.T) {
	s := newTestStore(t, Options{FrozenDuration: 0, UnfreezeCountPerOperation: 4096})

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	ids := make([]uint64, 1000)
	for i := range ids {
		id, err := s.Add(payload)
		require.NoError(t, err)
		ids[i] = id
	}
	for _, id := range ids {
		require.NoError(t, s.Unset(id))
	}

	id, err := s.Add(payload)
	require.NoError(t, err)
	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	h := s.hdr()
	idleTotal := uint64(0)
	for k := 0; k < largeNumFreeLists; k++ {
		off := h.largeIdleHeads[k]
		for off != largeFreeListEnd {
			hdr, err := s.readLargeHeader(off)
			require.NoError(t, err)
			idleTotal++
			off = hdr.link
		}
	}
	require.Greater(t, idleTotal, uint64(0))
}

func TestLargeAllocationReusesSplitRemainder(t *testing.T) {
	s := newTestStore(t, Options{FrozenDuration: 0, UnfreezeCountPerOperation: 16})

	big, err := s.Add(make([]byte, 2000))
	require.NoError(t, err)
	require.NoError(t, s.Unset(big))

	small, err := s.Add(make([]byte, 100))
	require.NoError(t, err)
	got, err := s.Get(small)
	require.NoError(t, err)
	require.Len(t, got, 100)
}

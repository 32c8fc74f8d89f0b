package trie

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grnxx-go/grnxxgo/pool"
)

func newTestTrie(t *testing.T) *Trie {
	t.Helper()
	p, err := pool.OpenAnonymous(t.Name(), pool.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	tr, err := New(p)
	require.NoError(t, err)
	return tr
}

func TestInsertSearchRemoveReinsert(t *testing.T) {
	tr := newTestTrie(t)

	appleID, err := tr.Insert([]byte("apple"))
	require.NoError(t, err)
	require.Equal(t, uint32(0), appleID)

	bananaID, err := tr.Insert([]byte("banana"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), bananaID)

	strawberryID, err := tr.Insert([]byte("strawberry"))
	require.NoError(t, err)
	require.Equal(t, uint32(2), strawberryID)

	_, err = tr.Insert([]byte("apple"))
	require.Error(t, err)

	id, found, err := tr.Search([]byte("apple"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(0), id)

	_, err = tr.Remove([]byte("banana"))
	require.NoError(t, err)

	id, found, err = tr.Search([]byte("apple"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(0), id)

	_, found, err = tr.Search([]byte("banana"))
	require.NoError(t, err)
	require.False(t, found)

	id, found, err = tr.Search([]byte("strawberry"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(2), id)

	newBananaID, err := tr.Insert([]byte("banana"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), newBananaID)
}

func TestLCPSearch(t *testing.T) {
	tr := newTestTrie(t)

	abID, err := tr.Insert([]byte("AB"))
	require.NoError(t, err)
	abcdID, err := tr.Insert([]byte("ABCD"))
	require.NoError(t, err)
	abeID, err := tr.Insert([]byte("ABE"))
	require.NoError(t, err)

	cases := []struct {
		query     string
		wantFound bool
		wantID    uint32
		wantLen   int
	}{
		{"", false, 0, 0},
		{"A", false, 0, 0},
		{"AB", true, abID, 2},
		{"ABC", true, abID, 2},
		{"ABCD", true, abcdID, 4},
		{"ABCDE", true, abcdID, 4},
		{"ABE", true, abeID, 3},
		{"BCD", false, 0, 0},
	}
	for _, c := range cases {
		matches, err := tr.LCPSearch([]byte(c.query))
		require.NoError(t, err)
		if !c.wantFound {
			require.Empty(t, matches, "query %q", c.query)
			continue
		}
		require.NotEmpty(t, matches, "query %q", c.query)
		longest := matches[len(matches)-1]
		require.Equal(t, c.wantID, longest.KeyID, "query %q", c.query)
		require.Equal(t, c.wantLen, longest.Length, "query %q", c.query)
	}
}

func randomDigitStrings(n int, seed int64) []string {
	r := rand.New(rand.NewSource(seed))
	seen := make(map[string]bool)
	var out []string
	for len(out) < n {
		l := 1 + r.Intn(10)
		b := make([]byte, l)
		for i := range b {
			b[i] = byte('0' + r.Intn(10))
		}
		s := string(b)
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func TestFuzzDisjointSets(t *testing.T) {
	tr := newTestTrie(t)

	all := randomDigitStrings(4096, 1)
	trueSet := all[:2048]
	falseSet := all[2048:]

	ids := make(map[string]uint32)
	for _, s := range trueSet {
		id, err := tr.Insert([]byte(s))
		require.NoError(t, err)
		ids[s] = id
	}

	for _, s := range trueSet {
		id, found, err := tr.Search([]byte(s))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, ids[s], id)
	}
	for _, s := range falseSet {
		_, found, err := tr.Search([]byte(s))
		require.NoError(t, err)
		require.False(t, found)
	}
}

func TestFuzzRemoveByIDThenReinsert(t *testing.T) {
	tr := newTestTrie(t)

	all := randomDigitStrings(4096, 2)
	trueSet := all[:2048]
	falseSet := all[2048:]

	for _, s := range trueSet {
		_, err := tr.Insert([]byte(s))
		require.NoError(t, err)
	}
	falseIDs := make([]uint32, len(falseSet))
	for i, s := range falseSet {
		id, err := tr.Insert([]byte(s))
		require.NoError(t, err)
		falseIDs[i] = id
	}

	for _, id := range falseIDs {
		key, err := tr.SearchByID(id)
		require.NoError(t, err)
		_, err = tr.Remove(key)
		require.NoError(t, err)
	}

	for _, s := range trueSet {
		_, found, err := tr.Search([]byte(s))
		require.NoError(t, err)
		require.True(t, found)
	}
	for _, s := range falseSet {
		_, found, err := tr.Search([]byte(s))
		require.NoError(t, err)
		require.False(t, found)
	}

	for _, s := range falseSet {
		_, err := tr.Insert([]byte(s))
		require.NoError(t, err)
	}
	for _, s := range all {
		_, found, err := tr.Search([]byte(s))
		require.NoError(t, err)
		require.True(t, found)
	}
}

func TestUpdateKeepsKeyIDStable(t *testing.T) {
	tr := newTestTrie(t)

	id, err := tr.Insert([]byte("one"))
	require.NoError(t, err)

	require.NoError(t, tr.Update(id, []byte("uno")))

	_, found, err := tr.Search([]byte("one"))
	require.NoError(t, err)
	require.False(t, found)

	gotID, found, err := tr.Search([]byte("uno"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, gotID)

	key, err := tr.SearchByID(id)
	require.NoError(t, err)
	require.Equal(t, "uno", string(key))
}

func fillKey(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + byte(i%26)
	}
	return b
}

func TestInsertRejectsOversizeKey(t *testing.T) {
	tr := newTestTrie(t)

	_, err := tr.Insert(fillKey(maxKeySize + 1))
	require.Error(t, err)

	_, err = tr.Insert(fillKey(maxKeySize))
	require.NoError(t, err)
}

func TestUpdateRejectsEmptyOrOversizeKey(t *testing.T) {
	tr := newTestTrie(t)

	id, err := tr.Insert([]byte("one"))
	require.NoError(t, err)

	require.Error(t, tr.Update(id, nil))
	require.Error(t, tr.Update(id, fillKey(maxKeySize+1)))

	key, err := tr.SearchByID(id)
	require.NoError(t, err)
	require.Equal(t, "one", string(key))
}

func TestDefragTrimsTrailingTombstones(t *testing.T) {
	tr := newTestTrie(t)

	_, err := tr.Insert([]byte("zzz"))
	require.NoError(t, err)
	before := tr.Stats().NumNodes

	_, err = tr.Remove([]byte("zzz"))
	require.NoError(t, err)
	require.NoError(t, tr.Defrag())

	after := tr.Stats().NumNodes
	require.Less(t, after, before)
}

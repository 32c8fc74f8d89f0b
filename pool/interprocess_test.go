package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDataMutexLivesInMappedBytes confirms the spinlock word is addressed
// directly inside chunk 0's mapped bytes, not a copy in the decoded header
// struct — a second view of the same chunk bytes must observe a held lock.
func TestDataMutexLivesInMappedBytes(t *testing.T) {
	p, err := OpenAnonymous(t.Name(), DefaultOptions())
	require.NoError(t, err)
	defer p.Close()

	p.dataMutex().Lock()
	raw := p.chunks[0].Bytes()[mutexWordsOffset : mutexWordsOffset+4]
	require.Equal(t, byte(spinLocked), raw[0])

	p.dataMutex().Unlock()
	require.Equal(t, byte(spinUnlocked), p.chunks[0].Bytes()[mutexWordsOffset])
}

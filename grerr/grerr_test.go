package grerr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndIs(t *testing.T) {
	err := New(ResourceExhausted, "pool.CreateBlock", "no free chunk for %d bytes", 4096)
	require.Error(t, err)
	assert.True(t, Is(err, ResourceExhausted))
	assert.False(t, Is(err, Logic))
	assert.Contains(t, err.Error(), "pool.CreateBlock")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(IO, "pool.Sync", nil))
}

func TestFatalPanics(t *testing.T) {
	assert.Panics(t, func() {
		Fatal("trie.walk", "label mismatch on supposedly-existing path")
	})
}

package trie

import "github.com/grnxx-go/grnxxgo/grerr"

// Double-array base search tuning, named the way a find_offset routine
// over a base/check array traditionally is: how many chunks to examine, how
// many consecutive misses before giving up on a region, and the depth past
// which a node simply claims a dedicated chunk instead of searching for a
// shared one (deep nodes in a key trie rarely branch, so sharing offers
// little and searching costs more).
const (
	MaxFailureCount = 4
	MaxChunkCount   = 16
	MaxChunkLevel   = 5
)

// isFree reports whether slot id holds no live node: either it lies at or
// beyond the high-water mark, or it was tombstoned (check == freeCheck).
// A never-written slot below the high-water mark is not reported free.
func (t *Trie) isFree(id uint32) bool {
	if id >= t.hdr().nextNodeID {
		return true
	}
	return t.readNode(id).check == freeCheck
}

// findOffset locates a base such that base+label is free for every label in
// labels, preferring to reuse the shared chunk search below MaxChunkLevel
// and falling back to a dedicated fresh chunk beyond it (or once the shared
// search gives up).
func (t *Trie) findOffset(labels []byte, depth int) uint32 {
	if depth <= MaxChunkLevel {
		if base, ok := t.findOffsetShared(labels); ok {
			return base
		}
	}
	nextNodeID := t.hdr().nextNodeID
	chunk := (nextNodeID + chunkWidth - 1) / chunkWidth
	return chunk * chunkWidth
}

func (t *Trie) findOffsetShared(labels []byte) (uint32, bool) {
	h := t.hdr()
	chunk := h.chunkHint
	failures := 0
	for tries := 0; tries < MaxChunkCount; tries++ {
		base := chunk * chunkWidth
		ok := true
		for _, c := range labels {
			if !t.isFree(base + uint32(c)) {
				ok = false
				break
			}
		}
		if ok {
			h.chunkHint = chunk
			return base, true
		}
		failures++
		if failures >= MaxFailureCount {
			chunk += uint32(failures)
			failures = 0
		} else {
			chunk++
		}
	}
	return 0, false
}

// scanLabels enumerates the labels of parent's existing children, given
// parent's current base.
func (t *Trie) scanLabels(base, parentID uint32) []byte {
	var labels []byte
	for c := 0; c < chunkWidth; c++ {
		id := base + uint32(c)
		if t.isFree(id) {
			continue
		}
		if t.readNode(id).check == parentID {
			labels = append(labels, byte(c))
		}
	}
	return labels
}

// moveNode relocates the node at oldID to newID, fixing up whatever
// referenced it by node id: a leaf's key-id entry, or an internal node's
// children's check fields.
func (t *Trie) moveNode(oldID, newID uint32) {
	n := t.readNode(oldID)
	label := t.readLabel(oldID)
	t.writeNode(newID, n)
	t.writeLabel(newID, label)

	if n.isLeaf {
		if err := t.entries.Set(uint64(n.offset), newID); err != nil {
			grerr.Fatal("trie.Trie.moveNode", "updating entry for key %d: %v", n.offset, err)
		}
	} else if n.offset != noBase {
		for c := 0; c < chunkWidth; c++ {
			childID := n.offset + uint32(c)
			if t.isFree(childID) {
				continue
			}
			child := t.readNode(childID)
			if child.check == oldID {
				child.check = newID
				t.writeNode(childID, child)
			}
		}
	}

	t.writeNode(oldID, freeTrieNode())
}

package trie

import (
	"sync"
	"unsafe"

	"github.com/grnxx-go/grnxxgo/grerr"
	"github.com/grnxx-go/grnxxgo/pool"
	"github.com/grnxx-go/grnxxgo/vector"
)

// The entries vector maps a key id to either a live leaf node id or, once
// Remove has tombstoned that key, a link in a free key-id list threaded
// through the same slots (so a later Insert can reuse the id, as scenario 1
// requires). Bit 31 distinguishes the two: real leaf node ids never reach
// it, since they are built from a chunk index times the 256-wide alphabet.
const (
	keyFreeFlag     = uint32(1) << 31
	keyFreeListEnd  = uint32(0x7FFFFFFF)
)

func isRemovedEntry(v uint32) bool     { return v&keyFreeFlag != 0 }
func freeListNext(v uint32) uint32     { return v &^ keyFreeFlag }
func removedEntry(next uint32) uint32  { return keyFreeFlag | next }

// maxKeySize bounds a single key's length in bytes.
const maxKeySize = 4095

// keyMetaRaw records where one key's raw bytes live in the append-only
// keyBytes log.
type keyMetaRaw struct {
	offset uint64
	length uint32
	_      uint32
}

// rawTrieHeader is the fixed layout of a trie's header block: the roots of
// its five backing vectors plus the scalar bookkeeping needed to resume
// insertion and base search after a reopen.
type rawTrieHeader struct {
	keyBytesLen uint64
	rootID      uint32
	nextNodeID  uint32
	chunkHint   uint32
	numKeys     uint32
	freeKeyHead uint32
	nodesHdr    uint32
	labelsHdr   uint32
	entriesHdr  uint32
	keyMetaHdr  uint32
	keyBytesHdr uint32
}

// Trie is a double-array trie mapping byte-string keys to key ids; a new key
// reuses an id freed by Remove before a fresh one is assigned. It is backed entirely by pool blocks through five
// vectors: packed nodes, incoming-edge labels, a key-id to leaf-node-id
// table, per-key (offset,length) records, and an append-only key-bytes log.
type Trie struct {
	mu sync.Mutex

	p             *pool.Pool
	headerBlockID uint32

	nodes    *vector.Vector[uint64]
	labels   *vector.Vector[byte]
	entries  *vector.Vector[uint32]
	keyMeta  *vector.Vector[keyMetaRaw]
	keyBytes *vector.Vector[byte]
}

// Match is one result of LCPSearch: a key that is a prefix of the searched
// string, along with how many bytes of it matched.
type Match struct {
	KeyID  uint32
	Length int
}

// Stats summarizes a trie's size, useful for diagnostics.
type Stats struct {
	NumKeys     uint32
	NumNodes    uint32
	NumKeyBytes uint64
}

// New creates an empty trie in p.
func New(p *pool.Pool) (*Trie, error) {
	nodes, err := vector.New[uint64](p)
	if err != nil {
		return nil, err
	}
	labels, err := vector.New[byte](p)
	if err != nil {
		return nil, err
	}
	entries, err := vector.New[uint32](p)
	if err != nil {
		return nil, err
	}
	keyMeta, err := vector.New[keyMetaRaw](p)
	if err != nil {
		return nil, err
	}
	keyBytes, err := vector.New[byte](p)
	if err != nil {
		return nil, err
	}

	hdrBlock, err := p.CreateBlock(uint64(unsafe.Sizeof(rawTrieHeader{})))
	if err != nil {
		return nil, err
	}
	hdrBytes, err := p.GetBlockAddress(hdrBlock.ID)
	if err != nil {
		return nil, err
	}
	h := (*rawTrieHeader)(unsafe.Pointer(&hdrBytes[0]))
	h.rootID = 0
	h.nextNodeID = 1
	h.freeKeyHead = keyFreeListEnd
	h.nodesHdr = nodes.HeaderBlockID()
	h.labelsHdr = labels.HeaderBlockID()
	h.entriesHdr = entries.HeaderBlockID()
	h.keyMetaHdr = keyMeta.HeaderBlockID()
	h.keyBytesHdr = keyBytes.HeaderBlockID()

	t := &Trie{p: p, headerBlockID: hdrBlock.ID, nodes: nodes, labels: labels, entries: entries, keyMeta: keyMeta, keyBytes: keyBytes}
	// The root has no parent. Its check is noBase, which is never a node
	// id, so the root never matches as a child of itself or of any node.
	t.writeNode(0, rawTrieNode{offset: noBase, check: noBase})
	return t, nil
}

// Open reattaches to a trie previously created with New.
func Open(p *pool.Pool, headerBlockID uint32) (*Trie, error) {
	hdrBytes, err := p.GetBlockAddress(headerBlockID)
	if err != nil {
		return nil, err
	}
	h := (*rawTrieHeader)(unsafe.Pointer(&hdrBytes[0]))

	nodes, err := vector.Open[uint64](p, h.nodesHdr)
	if err != nil {
		return nil, err
	}
	labels, err := vector.Open[byte](p, h.labelsHdr)
	if err != nil {
		return nil, err
	}
	entries, err := vector.Open[uint32](p, h.entriesHdr)
	if err != nil {
		return nil, err
	}
	keyMeta, err := vector.Open[keyMetaRaw](p, h.keyMetaHdr)
	if err != nil {
		return nil, err
	}
	keyBytes, err := vector.Open[byte](p, h.keyBytesHdr)
	if err != nil {
		return nil, err
	}
	return &Trie{p: p, headerBlockID: headerBlockID, nodes: nodes, labels: labels, entries: entries, keyMeta: keyMeta, keyBytes: keyBytes}, nil
}

// HeaderBlockID identifies this trie for a later Open call.
func (t *Trie) HeaderBlockID() uint32 { return t.headerBlockID }

func (t *Trie) hdr() *rawTrieHeader {
	b, err := t.p.GetBlockAddress(t.headerBlockID)
	if err != nil {
		grerr.Fatal("trie.Trie.hdr", "reading trie header: %v", err)
	}
	return (*rawTrieHeader)(unsafe.Pointer(&b[0]))
}

func (t *Trie) readNode(id uint32) rawTrieNode {
	v, err := t.nodes.Get(uint64(id))
	if err != nil {
		grerr.Fatal("trie.Trie.readNode", "reading node %d: %v", id, err)
	}
	return unpackTrieNode(v)
}

func (t *Trie) writeNode(id uint32, n rawTrieNode) {
	if err := t.nodes.Set(uint64(id), packTrieNode(n)); err != nil {
		grerr.Fatal("trie.Trie.writeNode", "writing node %d: %v", id, err)
	}
	h := t.hdr()
	if id >= h.nextNodeID {
		h.nextNodeID = id + 1
	}
}

func (t *Trie) readLabel(id uint32) byte {
	v, err := t.labels.Get(uint64(id))
	if err != nil {
		grerr.Fatal("trie.Trie.readLabel", "reading label %d: %v", id, err)
	}
	return v
}

func (t *Trie) writeLabel(id uint32, b byte) {
	if err := t.labels.Set(uint64(id), b); err != nil {
		grerr.Fatal("trie.Trie.writeLabel", "writing label %d: %v", id, err)
	}
}

// findChild returns parent's existing child for label, if any.
func (t *Trie) findChild(parent uint32, label byte) (uint32, bool) {
	n := t.readNode(parent)
	if n.isLeaf || n.offset == noBase {
		return 0, false
	}
	id := n.offset + uint32(label)
	if t.isFree(id) {
		return 0, false
	}
	c := t.readNode(id)
	if c.check != parent {
		return 0, false
	}
	return id, true
}

// attachChild creates a new child of parent for label, searching for (or
// relocating to) a base that accommodates it alongside any existing
// children.
func (t *Trie) attachChild(parent uint32, label byte, isLeafChild bool, depth int) uint32 {
	p := t.readNode(parent)
	switch {
	case p.offset == noBase:
		base := t.findOffset([]byte{label}, depth)
		p.offset = base
		t.writeNode(parent, p)
	case t.isFree(p.offset + uint32(label)):
		// fits in the existing base, nothing to relocate.
	default:
		existing := t.scanLabels(p.offset, parent)
		labels := append(append([]byte{}, existing...), label)
		newBase := t.findOffset(labels, depth)
		for _, c := range existing {
			t.moveNode(p.offset+uint32(c), newBase+uint32(c))
		}
		p.offset = newBase
		t.writeNode(parent, p)
	}

	childID := p.offset + uint32(label)
	child := rawTrieNode{isLeaf: isLeafChild, check: parent, offset: noBase}
	if isLeafChild {
		child.offset = 0
	}
	t.writeNode(childID, child)
	t.writeLabel(childID, label)
	return childID
}

func (t *Trie) convertLeafToInternal(id uint32, depth int) {
	n := t.readNode(id)
	keyID := n.offset
	n.isLeaf = false
	n.offset = noBase
	t.writeNode(id, n)

	leafID := t.attachChild(id, terminatorLabel, true, depth+1)
	leaf := t.readNode(leafID)
	leaf.offset = keyID
	t.writeNode(leafID, leaf)
	if err := t.entries.Set(uint64(keyID), leafID); err != nil {
		grerr.Fatal("trie.Trie.convertLeafToInternal", "updating entry for key %d: %v", keyID, err)
	}
}

// insertPath walks (and extends) the trie for key, converting any leaf it
// passes through into an internal node, and returns the new terminal leaf's
// node id. It does not assign or record a key id.
func (t *Trie) insertPath(key []byte) (uint32, error) {
	const op = "trie.Trie.insertPath"
	curr := t.hdr().rootID
	depth := 0
	for _, label := range key {
		if label == terminatorLabel {
			return 0, grerr.New(grerr.Logic, op, "key must not contain the 0x00 byte")
		}
		if t.readNode(curr).isLeaf {
			t.convertLeafToInternal(curr, depth)
		}
		next, ok := t.findChild(curr, label)
		if !ok {
			next = t.attachChild(curr, label, false, depth+1)
		}
		curr = next
		depth++
	}
	if t.readNode(curr).isLeaf {
		return 0, grerr.New(grerr.Logic, op, "key already present")
	}
	if _, ok := t.findChild(curr, terminatorLabel); ok {
		return 0, grerr.New(grerr.Logic, op, "key already present")
	}
	return t.attachChild(curr, terminatorLabel, true, depth+1), nil
}

func (t *Trie) storeKeyBytes(keyID uint32, key []byte) error {
	h := t.hdr()
	off := h.keyBytesLen
	for i, b := range key {
		if err := t.keyBytes.Set(off+uint64(i), b); err != nil {
			return err
		}
	}
	h.keyBytesLen = off + uint64(len(key))
	return t.keyMeta.Set(uint64(keyID), keyMetaRaw{offset: off, length: uint32(len(key))})
}

func (t *Trie) keyBytesFor(keyID uint32) ([]byte, error) {
	meta, err := t.keyMeta.Get(uint64(keyID))
	if err != nil {
		return nil, err
	}
	key := make([]byte, meta.length)
	for i := range key {
		b, err := t.keyBytes.Get(meta.offset + uint64(i))
		if err != nil {
			return nil, err
		}
		key[i] = b
	}
	return key, nil
}

// allocKeyID returns an id for a newly inserted key, preferring the head of
// the free-key list left behind by Remove over minting a fresh one.
func (t *Trie) allocKeyID() (uint32, error) {
	h := t.hdr()
	if h.freeKeyHead != keyFreeListEnd {
		keyID := h.freeKeyHead
		v, err := t.entries.Get(uint64(keyID))
		if err != nil {
			return 0, err
		}
		h.freeKeyHead = freeListNext(v)
		return keyID, nil
	}
	keyID := h.numKeys
	h.numKeys++
	return keyID, nil
}

// Insert adds key to the trie and returns its newly assigned key id, reusing
// an id freed by a prior Remove when one is available.
func (t *Trie) Insert(key []byte) (uint32, error) {
	const op = "trie.Trie.Insert"
	if len(key) == 0 {
		return 0, grerr.New(grerr.Logic, op, "empty key")
	}
	if len(key) > maxKeySize {
		return 0, grerr.New(grerr.Logic, op, "key too long: %d bytes (max %d)", len(key), maxKeySize)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	leafID, err := t.insertPath(key)
	if err != nil {
		return 0, err
	}
	keyID, err := t.allocKeyID()
	if err != nil {
		return 0, err
	}

	leaf := t.readNode(leafID)
	leaf.offset = keyID
	t.writeNode(leafID, leaf)

	if err := t.entries.Set(uint64(keyID), leafID); err != nil {
		return 0, err
	}
	if err := t.storeKeyBytes(keyID, key); err != nil {
		return 0, err
	}
	return keyID, nil
}

func (t *Trie) searchLocked(key []byte) (uint32, bool, error) {
	curr := t.hdr().rootID
	for _, label := range key {
		next, ok := t.findChild(curr, label)
		if !ok {
			return 0, false, nil
		}
		curr = next
	}
	leafID, ok := t.findChild(curr, terminatorLabel)
	if !ok {
		return 0, false, nil
	}
	return t.readNode(leafID).offset, true, nil
}

// Search reports the key id for key, if present.
func (t *Trie) Search(key []byte) (uint32, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.searchLocked(key)
}

// SearchByID returns the key bytes stored under keyID.
func (t *Trie) SearchByID(keyID uint32) ([]byte, error) {
	const op = "trie.Trie.SearchByID"
	t.mu.Lock()
	defer t.mu.Unlock()

	if keyID >= t.hdr().numKeys {
		return nil, grerr.New(grerr.Logic, op, "key id %d out of range", keyID)
	}
	leafID, err := t.entries.Get(uint64(keyID))
	if err != nil {
		return nil, err
	}
	if isRemovedEntry(leafID) {
		return nil, grerr.New(grerr.Logic, op, "key id %d was removed", keyID)
	}
	return t.keyBytesFor(keyID)
}

// LCPSearch returns every stored key that is a prefix of key, shortest
// match first.
func (t *Trie) LCPSearch(key []byte) ([]Match, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var matches []Match
	curr := t.hdr().rootID
	for i, label := range key {
		if leafID, ok := t.findChild(curr, terminatorLabel); ok {
			matches = append(matches, Match{KeyID: t.readNode(leafID).offset, Length: i})
		}
		next, ok := t.findChild(curr, label)
		if !ok {
			return matches, nil
		}
		curr = next
	}
	if leafID, ok := t.findChild(curr, terminatorLabel); ok {
		matches = append(matches, Match{KeyID: t.readNode(leafID).offset, Length: len(key)})
	}
	return matches, nil
}

// Remove deletes key from the trie and returns its former key id. The id is
// pushed onto a free list and may be handed back out by a later Insert.
func (t *Trie) Remove(key []byte) (uint32, error) {
	const op = "trie.Trie.Remove"
	t.mu.Lock()
	defer t.mu.Unlock()

	curr := t.hdr().rootID
	for _, label := range key {
		next, ok := t.findChild(curr, label)
		if !ok {
			return 0, grerr.New(grerr.Logic, op, "key not found")
		}
		curr = next
	}
	leafID, ok := t.findChild(curr, terminatorLabel)
	if !ok {
		return 0, grerr.New(grerr.Logic, op, "key not found")
	}
	keyID := t.readNode(leafID).offset
	t.writeNode(leafID, freeTrieNode())

	h := t.hdr()
	if err := t.entries.Set(uint64(keyID), removedEntry(h.freeKeyHead)); err != nil {
		return 0, err
	}
	h.freeKeyHead = keyID
	return keyID, nil
}

// Update replaces the key stored under keyID with newKey, keeping keyID
// stable for external references.
func (t *Trie) Update(keyID uint32, newKey []byte) error {
	const op = "trie.Trie.Update"
	if len(newKey) == 0 {
		return grerr.New(grerr.Logic, op, "empty key")
	}
	if len(newKey) > maxKeySize {
		return grerr.New(grerr.Logic, op, "key too long: %d bytes (max %d)", len(newKey), maxKeySize)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if keyID >= t.hdr().numKeys {
		return grerr.New(grerr.Logic, op, "key id %d out of range", keyID)
	}
	leafID, err := t.entries.Get(uint64(keyID))
	if err != nil {
		return err
	}
	if isRemovedEntry(leafID) {
		return grerr.New(grerr.Logic, op, "key id %d was removed", keyID)
	}
	if _, found, err := t.searchLocked(newKey); err != nil {
		return err
	} else if found {
		return grerr.New(grerr.Logic, op, "new key already present")
	}

	t.writeNode(leafID, freeTrieNode())

	newLeafID, err := t.insertPath(newKey)
	if err != nil {
		return err
	}
	leaf := t.readNode(newLeafID)
	leaf.offset = keyID
	t.writeNode(newLeafID, leaf)
	if err := t.entries.Set(uint64(keyID), newLeafID); err != nil {
		return err
	}
	return t.storeKeyBytes(keyID, newKey)
}

// Defrag reclaims trailing tombstoned node slots, shrinking the node
// vector's effective high-water mark. It does not relocate live nodes, so
// it cannot repack interior fragmentation left by Remove.
func (t *Trie) Defrag() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.hdr()
	for h.nextNodeID > 0 && t.readNode(h.nextNodeID-1).check == freeCheck {
		h.nextNodeID--
	}
	return nil
}

// Stats reports the trie's current size.
func (t *Trie) Stats() Stats {
	h := t.hdr()
	return Stats{NumKeys: h.numKeys, NumNodes: h.nextNodeID, NumKeyBytes: h.keyBytesLen}
}

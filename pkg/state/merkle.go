package state

import (
	"bytes"
	"sort"
)

// KVPair is a single key/value leaf input.
type KVPair struct {
	Key   []byte
	Value []byte
}

// nodeRef indexes into a Tree's arena; negative means absent.
type nodeRef int32

const nilRef nodeRef = -1

type merkleNode struct {
	hash  [32]byte
	left  nodeRef
	right nodeRef
}

// Tree is a Merkle tree over key-sorted KV pairs. Nodes live in a single
// arena slice so ownership and lifetime are explicit and rebuilds are cheap.
type Tree struct {
	nodes []merkleNode
	root  nodeRef
}

// BuildTree constructs a tree from pairs. Input order is irrelevant: leaves
// are sorted by key before hashing, so the root is deterministic.
func BuildTree(pairs []KVPair) *Tree {
	t := &Tree{root: nilRef}
	if len(pairs) == 0 {
		t.root = t.alloc(merkleNode{hash: HashBytes(nil), left: nilRef, right: nilRef})
		return t
	}

	cp := make([]KVPair, len(pairs))
	copy(cp, pairs)
	sort.Slice(cp, func(i, j int) bool { return bytes.Compare(cp[i].Key, cp[j].Key) < 0 })

	level := make([]nodeRef, len(cp))
	for i := range cp {
		level[i] = t.alloc(merkleNode{hash: LeafHash(cp[i].Key, cp[i].Value), left: nilRef, right: nilRef})
	}

	for len(level) > 1 {
		next := make([]nodeRef, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				h := NodeHash(t.nodes[level[i]].hash, t.nodes[level[i+1]].hash)
				next = append(next, t.alloc(merkleNode{hash: h, left: level[i], right: level[i+1]}))
			} else {
				// odd leaf carries up, paired with zero
				h := NodeHash(t.nodes[level[i]].hash, [32]byte{})
				next = append(next, t.alloc(merkleNode{hash: h, left: level[i], right: nilRef}))
			}
		}
		level = next
	}
	t.root = level[0]
	return t
}

func (t *Tree) alloc(n merkleNode) nodeRef {
	t.nodes = append(t.nodes, n)
	return nodeRef(len(t.nodes) - 1)
}

// Root returns the root hash.
func (t *Tree) Root() [32]byte {
	if t.root == nilRef {
		return HashBytes(nil)
	}
	return t.nodes[t.root].hash
}

// Size returns the number of arena nodes.
func (t *Tree) Size() int { return len(t.nodes) }

// BuildRoot computes a deterministic Merkle root over key-sorted KV pairs.
func BuildRoot(pairs []KVPair) [32]byte {
	return BuildTree(pairs).Root()
}

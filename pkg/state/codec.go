package state

import (
	"crypto/sha256"
	"encoding/binary"
)

// Domains for state hashing
const (
	DomainStateLeaf = "STATE_LEAF_V1"
	DomainStateNode = "STATE_NODE_V1"
)

// HashBytes returns the SHA-256 hash of input.
func HashBytes(b []byte) [32]byte { return sha256.Sum256(b) }

// LeafHash hashes a state key/value leaf deterministically.
// Layout: DomainStateLeaf||0x00||key_len(4B BE)||key||value_hash(32B)
func LeafHash(key, value []byte) [32]byte {
	vh := sha256.Sum256(value)
	var kl [4]byte
	binary.BigEndian.PutUint32(kl[:], uint32(len(key)))
	buf := make([]byte, 0, len(DomainStateLeaf)+1+4+len(key)+len(vh))
	buf = append(buf, DomainStateLeaf...)
	buf = append(buf, 0x00)
	buf = append(buf, kl[:]...)
	buf = append(buf, key...)
	buf = append(buf, vh[:]...)
	return sha256.Sum256(buf)
}

// NodeHash hashes an internal node from left/right child hashes.
// Layout: DomainStateNode||0x00||left(32B)||right(32B)
func NodeHash(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, len(DomainStateNode)+1+32+32)
	buf = append(buf, DomainStateNode...)
	buf = append(buf, 0x00)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

// EncodeUint64 produces the canonical big-endian value encoding for leaves.
func EncodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

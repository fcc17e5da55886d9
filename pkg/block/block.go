package block

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/proof"
	"github.com/diotec-barros/diotec360-sub001/pkg/state"
)

const domainBlockHeader = "BLOCK_HEADER_V1"

// Hard block limits enforced on the validation path. Proposers are expected
// to stay well under these.
const (
	MaxBlockProofs = 5000
	MaxBlockBytes  = 16 << 20
)

var ErrBlockTooLarge = errors.New("block exceeds limits")

// ProofBlock is a batch of proofs proposed for finalization. Its content
// hash is deterministic over all fields except the signature; the block is
// immutable once broadcast.
type ProofBlock struct {
	ID        string          `cbor:"1,keyasint"`
	Timestamp time.Time       `cbor:"2,keyasint"`
	Proofs    []*proof.Proof  `cbor:"3,keyasint"`
	PrevHash  types.BlockHash `cbor:"4,keyasint"`
	Proposer  types.NodeID    `cbor:"5,keyasint"`
	Signature []byte          `cbor:"6,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: MaxBlockProofs,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// New constructs a block over the given proofs.
func New(id string, prev types.BlockHash, proposer types.NodeID, ts time.Time, proofs []*proof.Proof) *ProofBlock {
	return &ProofBlock{
		ID:        id,
		Timestamp: ts,
		Proofs:    proofs,
		PrevHash:  prev,
		Proposer:  proposer,
	}
}

// ProofRoot computes a Merkle root over the contained proofs' content hashes.
func (b *ProofBlock) ProofRoot() types.BlockHash {
	if len(b.Proofs) == 0 {
		return types.BlockHash(state.HashBytes(nil))
	}
	pairs := make([]state.KVPair, 0, len(b.Proofs))
	for _, p := range b.Proofs {
		h := p.ContentHash()
		pairs = append(pairs, state.KVPair{Key: h[:], Value: nil})
	}
	return types.BlockHash(state.BuildRoot(pairs))
}

// Hash builds canonical header bytes and hashes with SHA-256. The signature
// is excluded so a signed and unsigned block share one digest.
// Layout: domain||0x00||id||0x00||ts(8B)||prev(32B)||proposer(32B)||proof_root(32B)
func (b *ProofBlock) Hash() types.BlockHash {
	root := b.ProofRoot()
	buf := make([]byte, 0, len(domainBlockHeader)+2+len(b.ID)+8+32+32+32)
	buf = append(buf, domainBlockHeader...)
	buf = append(buf, 0x00)
	buf = append(buf, b.ID...)
	buf = append(buf, 0x00)
	var tt [8]byte
	binary.BigEndian.PutUint64(tt[:], uint64(b.Timestamp.Unix()))
	buf = append(buf, tt[:]...)
	buf = append(buf, b.PrevHash[:]...)
	buf = append(buf, b.Proposer[:]...)
	buf = append(buf, root[:]...)
	return types.BlockHash(sha256.Sum256(buf))
}

// Sign attaches the proposer's Ed25519 signature over the header hash.
func (b *ProofBlock) Sign(priv ed25519.PrivateKey) {
	h := b.Hash()
	b.Signature = ed25519.Sign(priv, h[:])
}

// VerifyProposerSignature checks the proposer signature against pub.
func (b *ProofBlock) VerifyProposerSignature(pub ed25519.PublicKey) bool {
	if len(b.Signature) == 0 || len(pub) != ed25519.PublicKeySize {
		return false
	}
	h := b.Hash()
	return ed25519.Verify(pub, h[:], b.Signature)
}

// ProofHashes returns the content hashes of all contained proofs.
func (b *ProofBlock) ProofHashes() [][32]byte {
	out := make([][32]byte, 0, len(b.Proofs))
	for _, p := range b.Proofs {
		out = append(out, p.ContentHash())
	}
	return out
}

// Spends collects the output references consumed across the block's proofs.
func (b *ProofBlock) Spends() []state.Spend {
	var out []state.Spend
	for _, p := range b.Proofs {
		h := p.ContentHash()
		for _, ref := range p.OutputRefs {
			out = append(out, state.Spend{TxID: types.BlockHash(h), OutputRef: ref})
		}
	}
	return out
}

// ValidateLimits enforces block-level bounds.
func (b *ProofBlock) ValidateLimits() error {
	if len(b.Proofs) > MaxBlockProofs {
		return ErrBlockTooLarge
	}
	var agg int
	for _, p := range b.Proofs {
		payload, err := p.CanonicalPayload()
		if err != nil {
			return err
		}
		agg += len(payload)
	}
	if agg > MaxBlockBytes {
		return ErrBlockTooLarge
	}
	return nil
}

// Marshal serializes the block for the wire.
func (b *ProofBlock) Marshal() ([]byte, error) {
	return encMode.Marshal(b)
}

// Unmarshal decodes a wire block with strict CBOR options.
func Unmarshal(data []byte) (*ProofBlock, error) {
	if len(data) > MaxBlockBytes+(1<<20) {
		return nil, ErrBlockTooLarge
	}
	var b ProofBlock
	if err := decMode.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

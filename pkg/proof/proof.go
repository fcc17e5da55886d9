package proof

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// Domain separator for proof signing
const DomainProof = "PROOF_V1"

// Size limits (bytes)
const (
	MaxProofPayloadSize = 1 << 20 // 1 MiB
	MaxProducerIDSize   = 64
	NonceSize           = 16
	PubKeyEd25519Size   = 32
	SigEd25519Size      = 64
)

// Difficulty cost weights. Difficulty is a deterministic score over the
// proof's verification cost: constraint solving dominates, post-conditions
// are cheaper to discharge, and serialized size approximates parse cost.
const (
	constraintCost    = 1000
	postConditionCost = 500
	byteCost          = 10
)

var (
	ErrOversize = errors.New("proof payload too large")
)

// Proof is a constraint/post-condition proof emitted by the external prover.
// The oracle's verdict arrives precomputed in Valid; the consensus core
// checks structure and signature but does not re-derive the formal proof.
type Proof struct {
	Intent         string   `cbor:"1,keyasint"`
	Constraints    []string `cbor:"2,keyasint"`
	PostConditions []string `cbor:"3,keyasint"`
	Valid          bool     `cbor:"4,keyasint"`
	Timestamp      int64    `cbor:"5,keyasint"`
	ProducerID     []byte   `cbor:"6,keyasint"`
	Nonce          []byte   `cbor:"7,keyasint"`
	PublicKey      []byte   `cbor:"8,keyasint"`
	// OutputRefs are the transaction outputs this proof consumes; the state
	// layer uses them for double-spend detection.
	OutputRefs []string `cbor:"9,keyasint,omitempty"`
	// Signature is excluded from the content hash.
	Signature []byte `cbor:"10,keyasint,omitempty"`
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
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// CanonicalPayload serializes the proof without its signature, producing the
// bytes that both the content hash and the signature cover.
func (p *Proof) CanonicalPayload() ([]byte, error) {
	shadow := *p
	shadow.Signature = nil
	data, err := encMode.Marshal(&shadow)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxProofPayloadSize {
		return nil, ErrOversize
	}
	return data, nil
}

// ContentHash returns the SHA-256 hash of the canonical payload. A proof
// whose payload exceeds limits hashes to zero and fails verification.
func (p *Proof) ContentHash() [32]byte {
	payload, err := p.CanonicalPayload()
	if err != nil {
		return [32]byte{}
	}
	return sha256.Sum256(payload)
}

// SignBytes builds the byte string covered by the producer signature.
// Layout: domain||0x00||ts(8B BE)||content_hash(32B)
func (p *Proof) SignBytes() []byte {
	h := p.ContentHash()
	b := make([]byte, 0, len(DomainProof)+1+8+32)
	b = append(b, DomainProof...)
	b = append(b, 0x00)
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], uint64(p.Timestamp))
	b = append(b, t[:]...)
	b = append(b, h[:]...)
	return b
}

// Difficulty computes the deterministic difficulty score used for mempool
// prioritization and reward sizing.
func (p *Proof) Difficulty() uint64 {
	payload, err := p.CanonicalPayload()
	if err != nil {
		return 0
	}
	return uint64(len(p.Constraints))*constraintCost +
		uint64(len(p.PostConditions))*postConditionCost +
		uint64(len(payload))*byteCost
}

// Marshal serializes the full proof (signature included) for the wire.
func (p *Proof) Marshal() ([]byte, error) {
	return encMode.Marshal(p)
}

// Unmarshal decodes a wire proof with strict CBOR options.
func Unmarshal(data []byte) (*Proof, error) {
	if len(data) > MaxProofPayloadSize+SigEd25519Size+64 {
		return nil, ErrOversize
	}
	var p Proof
	if err := decMode.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

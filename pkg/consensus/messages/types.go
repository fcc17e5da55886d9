package messages

import (
	"crypto/sha256"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/diotec-barros/diotec360-sub001/pkg/block"
	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
)

// Message is the common surface of all consensus wire messages. The signer is
// identified by Signature().KeyID; Hash covers every field except the
// signature itself.
type Message interface {
	Type() types.MessageType
	Hash() types.BlockHash
	SignBytes() []byte
	Sender() types.NodeID
	SignatureRef() *types.Signature
}

// hashEncMode is the canonical encoder used for message hashing only; the
// wire encoder lives on Encoder.
var hashEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	hashEncMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

func domainHash(domain string, payload []byte) []byte {
	b := make([]byte, 0, len(domain)+1+len(payload))
	b = append(b, domain...)
	b = append(b, 0x00)
	b = append(b, payload...)
	return b
}

// VerificationClaim is a voter's proof verification verdict attached to its
// prepare vote, so disagreement between voters is observable and slashable.
type VerificationClaim struct {
	Valid           bool   `cbor:"1,keyasint"`
	TotalDifficulty uint64 `cbor:"2,keyasint"`
}

// PrePrepare is the leader's block proposal for (view, sequence).
type PrePrepare struct {
	View      uint64            `cbor:"1,keyasint"`
	Sequence  uint64            `cbor:"2,keyasint"`
	Timestamp time.Time         `cbor:"3,keyasint"`
	Block     *block.ProofBlock `cbor:"4,keyasint"`
	Signature types.Signature   `cbor:"5,keyasint"`
}

func (m *PrePrepare) Type() types.MessageType { return types.MessageTypePrePrepare }

func (m *PrePrepare) Hash() types.BlockHash {
	shadow := *m
	shadow.Signature = types.Signature{}
	data, err := hashEncMode.Marshal(&shadow)
	if err != nil {
		return types.BlockHash{}
	}
	return types.BlockHash(sha256.Sum256(data))
}

func (m *PrePrepare) SignBytes() []byte {
	h := m.Hash()
	return domainHash(types.DomainPrePrepare, h[:])
}

func (m *PrePrepare) Sender() types.NodeID           { return m.Signature.KeyID }
func (m *PrePrepare) SignatureRef() *types.Signature { return &m.Signature }

// Prepare is a voter's endorsement of the proposed block digest, carrying the
// voter's own verification verdict.
type Prepare struct {
	View         uint64             `cbor:"1,keyasint"`
	Sequence     uint64             `cbor:"2,keyasint"`
	Timestamp    time.Time          `cbor:"3,keyasint"`
	Digest       types.BlockHash    `cbor:"4,keyasint"`
	Verification *VerificationClaim `cbor:"5,keyasint,omitempty"`
	Signature    types.Signature    `cbor:"6,keyasint"`
}

func (m *Prepare) Type() types.MessageType { return types.MessageTypePrepare }

func (m *Prepare) Hash() types.BlockHash {
	shadow := *m
	shadow.Signature = types.Signature{}
	data, err := hashEncMode.Marshal(&shadow)
	if err != nil {
		return types.BlockHash{}
	}
	return types.BlockHash(sha256.Sum256(data))
}

func (m *Prepare) SignBytes() []byte {
	h := m.Hash()
	return domainHash(types.DomainPrepare, h[:])
}

func (m *Prepare) Sender() types.NodeID           { return m.Signature.KeyID }
func (m *Prepare) SignatureRef() *types.Signature { return &m.Signature }

// Commit finalizes a prepared digest once 2f+1 voters agree.
type Commit struct {
	View      uint64          `cbor:"1,keyasint"`
	Sequence  uint64          `cbor:"2,keyasint"`
	Timestamp time.Time       `cbor:"3,keyasint"`
	Digest    types.BlockHash `cbor:"4,keyasint"`
	Signature types.Signature `cbor:"5,keyasint"`
}

func (m *Commit) Type() types.MessageType { return types.MessageTypeCommit }

func (m *Commit) Hash() types.BlockHash {
	shadow := *m
	shadow.Signature = types.Signature{}
	data, err := hashEncMode.Marshal(&shadow)
	if err != nil {
		return types.BlockHash{}
	}
	return types.BlockHash(sha256.Sum256(data))
}

func (m *Commit) SignBytes() []byte {
	h := m.Hash()
	return domainHash(types.DomainCommit, h[:])
}

func (m *Commit) Sender() types.NodeID           { return m.Signature.KeyID }
func (m *Commit) SignatureRef() *types.Signature { return &m.Signature }

// ViewChange requests a move to NewView after a leader timeout, anchored at
// the sender's last stable checkpoint.
type ViewChange struct {
	NewView    uint64           `cbor:"1,keyasint"`
	Sequence   uint64           `cbor:"2,keyasint"`
	Timestamp  time.Time        `cbor:"3,keyasint"`
	Checkpoint types.Checkpoint `cbor:"4,keyasint"`
	Signature  types.Signature  `cbor:"5,keyasint"`
}

func (m *ViewChange) Type() types.MessageType { return types.MessageTypeViewChange }

func (m *ViewChange) Hash() types.BlockHash {
	shadow := *m
	shadow.Signature = types.Signature{}
	data, err := hashEncMode.Marshal(&shadow)
	if err != nil {
		return types.BlockHash{}
	}
	return types.BlockHash(sha256.Sum256(data))
}

func (m *ViewChange) SignBytes() []byte {
	h := m.Hash()
	return domainHash(types.DomainViewChange, h[:])
}

func (m *ViewChange) Sender() types.NodeID           { return m.Signature.KeyID }
func (m *ViewChange) SignatureRef() *types.Signature { return &m.Signature }

// NewView is the incoming leader's announcement that quorum agreed to move to
// View, carrying the view-change votes as justification.
type NewView struct {
	View        uint64           `cbor:"1,keyasint"`
	Timestamp   time.Time        `cbor:"2,keyasint"`
	ViewChanges []*ViewChange    `cbor:"3,keyasint"`
	Checkpoint  types.Checkpoint `cbor:"4,keyasint"`
	Signature   types.Signature  `cbor:"5,keyasint"`
}

func (m *NewView) Type() types.MessageType { return types.MessageTypeNewView }

func (m *NewView) Hash() types.BlockHash {
	shadow := *m
	shadow.Signature = types.Signature{}
	data, err := hashEncMode.Marshal(&shadow)
	if err != nil {
		return types.BlockHash{}
	}
	return types.BlockHash(sha256.Sum256(data))
}

func (m *NewView) SignBytes() []byte {
	h := m.Hash()
	return domainHash(types.DomainNewView, h[:])
}

func (m *NewView) Sender() types.NodeID           { return m.Signature.KeyID }
func (m *NewView) SignatureRef() *types.Signature { return &m.Signature }

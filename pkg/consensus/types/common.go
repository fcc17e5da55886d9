package types

import (
	"bytes"
	"encoding/hex"
	"time"
)

// NodeID uniquely identifies a consensus node (32-byte identifier derived
// from its Ed25519 public key). This is the single source of truth for
// validator identification.
type NodeID [32]byte

// Hex returns the full hex encoding of the identifier.
func (id NodeID) Hex() string { return hex.EncodeToString(id[:]) }

// Short returns an abbreviated identifier for log output.
func (id NodeID) Short() string { return hex.EncodeToString(id[:8]) }

// Less orders identifiers lexicographically; leader election sorts on this.
func (id NodeID) Less(other NodeID) bool { return bytes.Compare(id[:], other[:]) < 0 }

// BlockHash represents a cryptographic hash of a block or message.
type BlockHash [32]byte

// Hex returns the full hex encoding of the hash.
func (h BlockHash) Hex() string { return hex.EncodeToString(h[:]) }

// Short returns an abbreviated hash for log output.
func (h BlockHash) Short() string { return hex.EncodeToString(h[:8]) }

// Signature carries a detached Ed25519 signature with signer metadata.
type Signature struct {
	Bytes     []byte    `cbor:"1,keyasint"`
	KeyID     NodeID    `cbor:"2,keyasint"`
	Timestamp time.Time `cbor:"3,keyasint"`
}

// MessageType identifies the type of consensus message.
type MessageType uint8

const (
	MessageTypePrePrepare MessageType = iota + 1
	MessageTypePrepare
	MessageTypeCommit
	MessageTypeViewChange
	MessageTypeNewView
)

// String implements fmt.Stringer for log and metric labels.
func (t MessageType) String() string {
	switch t {
	case MessageTypePrePrepare:
		return "PRE_PREPARE"
	case MessageTypePrepare:
		return "PREPARE"
	case MessageTypeCommit:
		return "COMMIT"
	case MessageTypeViewChange:
		return "VIEW_CHANGE"
	case MessageTypeNewView:
		return "NEW_VIEW"
	default:
		return "UNKNOWN"
	}
}

// ViolationType classifies provable Byzantine misbehavior subject to slashing.
type ViolationType uint8

const (
	ViolationInvalidVerification ViolationType = iota + 1
	ViolationDoubleSign
)

// String implements fmt.Stringer for audit records.
func (v ViolationType) String() string {
	switch v {
	case ViolationInvalidVerification:
		return "INVALID_VERIFICATION"
	case ViolationDoubleSign:
		return "DOUBLE_SIGN"
	default:
		return "UNKNOWN"
	}
}

// RoundPhase tracks the per-round consensus state machine.
type RoundPhase uint8

const (
	PhaseInit RoundPhase = iota
	PhasePrePrepared
	PhasePrepared
	PhaseCommitted
)

// String implements fmt.Stringer.
func (p RoundPhase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhasePrePrepared:
		return "PRE_PREPARED"
	case PhasePrepared:
		return "PREPARED"
	case PhaseCommitted:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// ViewState tracks the view sub-state, parallel to the round phase.
type ViewState uint8

const (
	ViewNormal ViewState = iota
	ViewChanging
)

// String implements fmt.Stringer.
func (s ViewState) String() string {
	if s == ViewChanging {
		return "VIEW_CHANGING"
	}
	return "NORMAL"
}

// Domain separators for signature security
const (
	DomainPrePrepare = "CONSENSUS_PRE_PREPARE_V1"
	DomainPrepare    = "CONSENSUS_PREPARE_V1"
	DomainCommit     = "CONSENSUS_COMMIT_V1"
	DomainViewChange = "CONSENSUS_VIEWCHANGE_V1"
	DomainNewView    = "CONSENSUS_NEWVIEW_V1"
)

// ValidatorInfo contains validator metadata tracked by the state layer.
type ValidatorInfo struct {
	ID        NodeID
	PublicKey []byte
	Stake     uint64
	// Verification accuracy counters
	VerifiedTotal   uint64
	VerifiedCorrect uint64
}

// Checkpoint pairs a Merkle root with its conservation checksum. Periodically
// recorded so any alternative history contradicting a recorded root is
// rejected outright.
type Checkpoint struct {
	Root      BlockHash `cbor:"1,keyasint"`
	Checksum  uint64    `cbor:"2,keyasint"`
	Sequence  uint64    `cbor:"3,keyasint"`
	Timestamp time.Time `cbor:"4,keyasint"`
}

package types

import "errors"

// Error taxonomy for the consensus core. Per-message validation failures are
// recovered locally: the message is dropped and the node continues. Only
// timeouts and Byzantine violations produce externally observable state
// changes (view change, slashing).
var (
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidProof         = errors.New("invalid proof")
	ErrConservationViolation = errors.New("conservation checksum violation")
	ErrDoubleSpend          = errors.New("double spend detected")
	ErrInsufficientStake    = errors.New("stake below minimum")
	ErrStaleMessage         = errors.New("stale view or sequence")
	ErrConsensusTimeout     = errors.New("consensus round timed out")
	ErrByzantineViolation   = errors.New("byzantine violation")
	ErrNotLeader            = errors.New("node is not the leader for this view")
	ErrUnknownSender        = errors.New("sender is not a known validator")
)

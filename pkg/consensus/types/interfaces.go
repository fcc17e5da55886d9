package types

import (
	"context"
	"time"
)

// Logger is the narrow logging interface consumed by the consensus layer.
// Arguments are alternating key/value pairs; pkg/utils provides the
// zap-backed implementation.
type Logger interface {
	DebugContext(ctx context.Context, msg string, args ...interface{})
	InfoContext(ctx context.Context, msg string, args ...interface{})
	WarnContext(ctx context.Context, msg string, args ...interface{})
	ErrorContext(ctx context.Context, msg string, args ...interface{})
}

// AuditLogger records consensus-relevant events for later forensics.
// Implementations must never block the consensus path.
type AuditLogger interface {
	Info(event string, fields map[string]interface{})
	Warn(event string, fields map[string]interface{})
	Security(event string, fields map[string]interface{})
}

// PeerInfo describes a discovered peer.
type PeerInfo struct {
	PeerID   NodeID
	Address  string
	Stake    uint64
	LastSeen time.Time
}

// MessageHandler is the callback signature for delivered transport messages.
type MessageHandler func(ctx context.Context, from NodeID, data []byte) error

// Transport is the peer-to-peer delivery abstraction. Broadcast must apply
// gossip deduplication; delivery into a node is serialized by the owning
// node's inbound queue (single-writer consensus state).
type Transport interface {
	Broadcast(ctx context.Context, topic string, data []byte) error
	SendToPeer(ctx context.Context, id NodeID, topic string, data []byte) error
	Subscribe(topic string, handler MessageHandler) error
	DiscoverPeers(ctx context.Context) ([]PeerInfo, error)
	Close() error
}

// ValidatorSet exposes the validator registry backing leader election and
// quorum arithmetic.
type ValidatorSet interface {
	IsValidator(id NodeID) bool
	GetValidator(id NodeID) (*ValidatorInfo, error)
	GetValidators() []ValidatorInfo
	GetValidatorCount() int
}

// StakeChecker gates participation on minimum stake.
type StakeChecker interface {
	ValidateMinimumStake(id NodeID) bool
}

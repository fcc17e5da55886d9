package messages

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
)

// KeyRing resolves a node identifier to its Ed25519 public key.
type KeyRing interface {
	PublicKey(id types.NodeID) (ed25519.PublicKey, error)
}

// EncoderConfig contains wire encoding security parameters.
type EncoderConfig struct {
	MaxPrePrepareSize    int
	MaxPrepareSize       int
	MaxCommitSize        int
	MaxViewChangeSize    int
	MaxNewViewSize       int
	ClockSkewTolerance   time.Duration
	VerifyCacheSize      int
	VerifyCacheTTL       time.Duration
	RejectFutureMessages bool
}

// DefaultEncoderConfig returns secure defaults. Pre-prepare carries the full
// block payload; the vote messages are small and bounded tightly.
func DefaultEncoderConfig() *EncoderConfig {
	return &EncoderConfig{
		MaxPrePrepareSize:    17 << 20,
		MaxPrepareSize:       10 << 10,
		MaxCommitSize:        10 << 10,
		MaxViewChangeSize:    50 << 10,
		MaxNewViewSize:       500 << 10,
		ClockSkewTolerance:   5 * time.Second,
		VerifyCacheSize:      10000,
		VerifyCacheTTL:       5 * time.Minute,
		RejectFutureMessages: true,
	}
}

// Encoder serializes, signs and verifies consensus messages. Decoding is
// strict: duplicate map keys and indefinite lengths are rejected, and every
// message type carries its own size limit.
type Encoder struct {
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	keys        KeyRing
	config      *EncoderConfig
	verifyCache *expirable.LRU[string, bool]
}

// NewEncoder creates a wire encoder backed by the given key ring.
func NewEncoder(keys KeyRing, config *EncoderConfig) (*Encoder, error) {
	if config == nil {
		config = DefaultEncoderConfig()
	}

	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 10000,
		MaxMapPairs:      1000,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}

	return &Encoder{
		encMode: encMode,
		decMode: decMode,
		keys:    keys,
		config:  config,
		verifyCache: expirable.NewLRU[string, bool](
			config.VerifyCacheSize, nil, config.VerifyCacheTTL),
	}, nil
}

// Sign attaches sender's signature to the message.
func (e *Encoder) Sign(msg Message, sender types.NodeID, priv ed25519.PrivateKey) {
	sig := msg.SignatureRef()
	sig.KeyID = sender
	sig.Timestamp = time.Now()
	sig.Bytes = ed25519.Sign(priv, msg.SignBytes())
}

// Encode serializes a signed message, enforcing the per-type size limit.
func (e *Encoder) Encode(msg Message) ([]byte, error) {
	data, err := e.encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("cbor encode failed: %w", err)
	}
	if max := e.maxSize(msg.Type()); len(data) > max {
		return nil, fmt.Errorf("message size %d exceeds limit %d for %s",
			len(data), max, msg.Type())
	}
	return data, nil
}

// VerifyAndDecode decodes, signature-checks and timestamp-checks a wire
// message in one step. Verified signatures are cached by (hash, signer).
func (e *Encoder) VerifyAndDecode(data []byte, msgType types.MessageType) (Message, error) {
	if max := e.maxSize(msgType); len(data) > max {
		return nil, fmt.Errorf("message size %d exceeds limit %d", len(data), max)
	}

	msg, err := e.decode(data, msgType)
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	if err := e.verifySignature(msg); err != nil {
		return nil, err
	}
	if err := e.checkTimestamp(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (e *Encoder) decode(data []byte, msgType types.MessageType) (Message, error) {
	switch msgType {
	case types.MessageTypePrePrepare:
		var m PrePrepare
		if err := e.decMode.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case types.MessageTypePrepare:
		var m Prepare
		if err := e.decMode.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case types.MessageTypeCommit:
		var m Commit
		if err := e.decMode.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case types.MessageTypeViewChange:
		var m ViewChange
		if err := e.decMode.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case types.MessageTypeNewView:
		var m NewView
		if err := e.decMode.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown message type: %v", msgType)
	}
}

func (e *Encoder) verifySignature(msg Message) error {
	sig := msg.SignatureRef()
	if len(sig.Bytes) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", types.ErrInvalidSignature)
	}

	key := cacheKey(msg.Hash(), sig.KeyID)
	if ok, hit := e.verifyCache.Get(key); hit && ok {
		return nil
	}

	pub, err := e.keys.PublicKey(sig.KeyID)
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrUnknownSender, sig.KeyID.Short())
	}
	if !ed25519.Verify(pub, msg.SignBytes(), sig.Bytes) {
		return fmt.Errorf("%w: %s message from %s",
			types.ErrInvalidSignature, msg.Type(), sig.KeyID.Short())
	}

	e.verifyCache.Add(key, true)
	return nil
}

func (e *Encoder) checkTimestamp(msg Message) error {
	ts := msg.SignatureRef().Timestamp
	now := time.Now()
	if now.Sub(ts) > e.config.ClockSkewTolerance {
		return fmt.Errorf("%w: timestamp %v too old", types.ErrStaleMessage, ts)
	}
	if e.config.RejectFutureMessages && ts.Sub(now) > e.config.ClockSkewTolerance {
		return fmt.Errorf("%w: timestamp %v in future", types.ErrStaleMessage, ts)
	}
	return nil
}

// VerifyNewView checks every bundled view-change vote in a NEW_VIEW message.
func (e *Encoder) VerifyNewView(nv *NewView) error {
	if nv == nil {
		return fmt.Errorf("new view is nil")
	}
	for _, vc := range nv.ViewChanges {
		if err := e.verifySignature(vc); err != nil {
			return fmt.Errorf("bundled view change: %w", err)
		}
		if vc.NewView != nv.View {
			return fmt.Errorf("bundled view change targets view %d, want %d",
				vc.NewView, nv.View)
		}
	}
	return nil
}

func (e *Encoder) maxSize(msgType types.MessageType) int {
	switch msgType {
	case types.MessageTypePrePrepare:
		return e.config.MaxPrePrepareSize
	case types.MessageTypePrepare:
		return e.config.MaxPrepareSize
	case types.MessageTypeCommit:
		return e.config.MaxCommitSize
	case types.MessageTypeViewChange:
		return e.config.MaxViewChangeSize
	case types.MessageTypeNewView:
		return e.config.MaxNewViewSize
	default:
		return 1 << 20
	}
}

func cacheKey(hash types.BlockHash, keyID types.NodeID) string {
	combined := make([]byte, 64)
	copy(combined[:32], hash[:])
	copy(combined[32:], keyID[:])
	return string(combined)
}

// ClearCache drops all cached verification results.
func (e *Encoder) ClearCache() {
	e.verifyCache.Purge()
}

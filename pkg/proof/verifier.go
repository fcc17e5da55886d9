package proof

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
	"github.com/diotec-barros/diotec360-sub001/pkg/utils"
)

// VerificationResult carries the outcome for a single proof.
type VerificationResult struct {
	Valid      bool
	Difficulty uint64
	Err        error
}

// BlockVerificationResult aggregates per-proof results. A block is valid
// only if every contained proof is valid.
type BlockVerificationResult struct {
	Valid           bool
	TotalDifficulty uint64
	Results         []VerificationResult
}

// VerifierConfig contains proof verification parameters.
type VerifierConfig struct {
	RequireSignatures bool
	MaxSkew           time.Duration
	CacheSize         int
	CacheTTL          time.Duration
}

// DefaultVerifierConfig returns secure defaults.
func DefaultVerifierConfig() *VerifierConfig {
	return &VerifierConfig{
		RequireSignatures: true,
		MaxSkew:           5 * time.Minute,
		CacheSize:         10000,
		CacheTTL:          5 * time.Minute,
	}
}

// Verifier validates proof structure and signatures and scores difficulty.
// Domain validity is delegated to the external oracle's precomputed verdict.
type Verifier struct {
	config *VerifierConfig
	log    *utils.Logger

	// signature verify cache, keyed by content hash
	sigCache *expirable.LRU[string, bool]
}

// NewVerifier creates a proof verifier.
func NewVerifier(config *VerifierConfig, log *utils.Logger) *Verifier {
	if config == nil {
		config = DefaultVerifierConfig()
	}
	if log == nil {
		log = utils.GetLogger()
	}
	var cache *expirable.LRU[string, bool]
	if config.CacheSize > 0 {
		cache = expirable.NewLRU[string, bool](config.CacheSize, nil, config.CacheTTL)
	}
	return &Verifier{config: config, log: log, sigCache: cache}
}

// VerifySignature checks the Ed25519 signature over the proof's canonical
// payload using the claimed public key. Missing or malformed signatures are
// rejected when signature enforcement is enabled.
func (v *Verifier) VerifySignature(p *Proof) bool {
	if p == nil {
		return false
	}
	if len(p.Signature) == 0 || len(p.PublicKey) == 0 {
		return !v.config.RequireSignatures
	}
	if len(p.PublicKey) != PubKeyEd25519Size || len(p.Signature) != SigEd25519Size {
		return false
	}

	h := p.ContentHash()
	key := hex.EncodeToString(h[:])
	if v.sigCache != nil {
		if ok, hit := v.sigCache.Get(key); hit {
			return ok
		}
	}

	ok := ed25519.Verify(ed25519.PublicKey(p.PublicKey), p.SignBytes(), p.Signature)
	if v.sigCache != nil {
		v.sigCache.Add(key, ok)
	}
	return ok
}

// VerifyProof runs structural checks and the signature check, then defers to
// the oracle verdict. Difficulty is reported even for rejected proofs so the
// caller can record accuracy metrics against it.
func (v *Verifier) VerifyProof(p *Proof) VerificationResult {
	if p == nil {
		return VerificationResult{Err: types.ErrInvalidProof}
	}
	res := VerificationResult{Difficulty: p.Difficulty()}

	if p.Intent == "" || len(p.Constraints) == 0 {
		res.Err = fmt.Errorf("%w: empty intent or constraints", types.ErrInvalidProof)
		return res
	}
	if !plausibleTimestamp(p.Timestamp, time.Now(), v.config.MaxSkew) {
		res.Err = fmt.Errorf("%w: implausible timestamp", types.ErrInvalidProof)
		return res
	}
	if !v.VerifySignature(p) {
		res.Err = types.ErrInvalidSignature
		return res
	}
	if !p.Valid {
		res.Err = fmt.Errorf("%w: oracle verdict negative", types.ErrInvalidProof)
		return res
	}

	res.Valid = true
	return res
}

// VerifyBlock verifies every proof in a candidate block's payload and sums
// difficulty. Any single invalid proof invalidates the block.
func (v *Verifier) VerifyBlock(proofs []*Proof) BlockVerificationResult {
	out := BlockVerificationResult{
		Valid:   true,
		Results: make([]VerificationResult, 0, len(proofs)),
	}
	for _, p := range proofs {
		r := v.VerifyProof(p)
		out.Results = append(out.Results, r)
		if r.Valid {
			out.TotalDifficulty += r.Difficulty
		} else {
			out.Valid = false
		}
	}
	return out
}

func plausibleTimestamp(unixSeconds int64, now time.Time, skew time.Duration) bool {
	if unixSeconds <= 0 {
		return false
	}
	ts := time.Unix(unixSeconds, 0)
	if now.Sub(ts) > skew || ts.Sub(now) > skew {
		return false
	}
	return true
}

// Sign attaches an Ed25519 signature to a proof using the producer's private
// key. Test and ingest helpers use it; consensus nodes only verify.
func Sign(p *Proof, priv ed25519.PrivateKey) {
	p.PublicKey = priv.Public().(ed25519.PublicKey)
	p.Signature = ed25519.Sign(priv, p.SignBytes())
}

package pbft

import (
	"fmt"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
)

// CalculateF computes the maximum number of Byzantine faults tolerated.
// f = (N - 1) / 3
func CalculateF(totalValidators int) int {
	if totalValidators <= 0 {
		return 0
	}
	return (totalValidators - 1) / 3
}

// CalculateQuorum computes the required quorum size.
// quorum = 2f + 1
func CalculateQuorum(f int) int {
	return 2*f + 1
}

// Quorum wraps the quorum arithmetic over a live validator set.
type Quorum struct {
	validators types.ValidatorSet
}

// NewQuorum creates a quorum calculator.
func NewQuorum(validators types.ValidatorSet) *Quorum {
	return &Quorum{validators: validators}
}

// Threshold returns the current quorum size, 2f+1 for the present set.
func (q *Quorum) Threshold() int {
	return CalculateQuorum(CalculateF(q.validators.GetValidatorCount()))
}

// Tolerance returns f, the number of Byzantine validators survivable.
func (q *Quorum) Tolerance() int {
	return CalculateF(q.validators.GetValidatorCount())
}

// Reached reports whether count distinct votes form a quorum.
func (q *Quorum) Reached(count int) bool {
	return count >= q.Threshold()
}

// ValidateQuorumMath checks the validator set can form a meaningful quorum.
func (q *Quorum) ValidateQuorumMath() error {
	n := q.validators.GetValidatorCount()
	if n < 4 {
		return fmt.Errorf("insufficient validators for BFT: need at least 4, have %d", n)
	}
	f := CalculateF(n)
	quorum := CalculateQuorum(f)
	if quorum > n {
		return fmt.Errorf("quorum %d exceeds validator count %d", quorum, n)
	}
	if n-f < quorum {
		return fmt.Errorf("cannot tolerate f=%d failures with N=%d validators", f, n)
	}
	return nil
}

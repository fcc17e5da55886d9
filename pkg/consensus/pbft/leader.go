package pbft

import (
	"sort"

	"github.com/diotec-barros/diotec360-sub001/pkg/consensus/types"
)

// Rotation implements deterministic round-robin leader election: validators
// are ordered by node identifier and the leader of view v is index v mod N.
// Every honest node derives the same leader for the same view.
type Rotation struct {
	validators types.ValidatorSet
}

// NewRotation creates a leader rotation over the validator set.
func NewRotation(validators types.ValidatorSet) *Rotation {
	return &Rotation{validators: validators}
}

// LeaderFor returns the leader of the given view. The zero NodeID is returned
// for an empty validator set.
func (r *Rotation) LeaderFor(view uint64) types.NodeID {
	ids := r.sortedIDs()
	if len(ids) == 0 {
		return types.NodeID{}
	}
	return ids[view%uint64(len(ids))]
}

// IsLeader reports whether id leads the given view.
func (r *Rotation) IsLeader(id types.NodeID, view uint64) bool {
	return r.LeaderFor(view) == id
}

func (r *Rotation) sortedIDs() []types.NodeID {
	vals := r.validators.GetValidators()
	ids := make([]types.NodeID, 0, len(vals))
	for _, v := range vals {
		ids = append(ids, v.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

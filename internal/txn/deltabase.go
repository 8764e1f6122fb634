// internal/txn/deltabase.go
package txn

import (
	"strata/internal/fs"
	"strata/internal/fserrors"
	"strata/internal/noderev"
	"strata/internal/rep"
)

// ChooseDeltaBase picks which ancestor representation to delta against
// for nr's data (props=false) or property (props=true) content.
//
// Delta chains use skip-delta jumps for the high-order bits of the
// predecessor count and are linear in the low-order bits: close to
// HEAD the chain is linear to minimize delta size, further back the
// jump halves the reconstruction distance. Returns nil to start a
// fresh chain.
func ChooseDeltaBase(f *fs.FS, nr *noderev.NodeRev, props bool) (*rep.Rep, error) {
	if nr.PredecessorCount == 0 {
		return nil, nil
	}

	maxLinear := f.Config.Delta.MaxLinearDeltification
	maxWalk := f.Config.Delta.MaxDeltificationWalk

	// Clearing the lowest set bit of the predecessor count picks the
	// skip-delta ancestor, counting file revs from zero.
	count := nr.PredecessorCount & (nr.PredecessorCount - 1)
	walk := nr.PredecessorCount - count
	if walk < maxLinear {
		count = nr.PredecessorCount - 1
	}

	// Walking very deep histories for a base is rare and gains
	// little; start deltification anew instead.
	if walk > maxWalk {
		return nil, nil
	}

	base := nr
	maybeShared := false
	for hop := count; hop < nr.PredecessorCount; hop++ {
		if base.PredecessorID == nil {
			return nil, fserrors.Corrupt("node-rev %s predecessor chain ends after %d of %d hops",
				nr.ID, nr.PredecessorCount-hop, nr.PredecessorCount-count)
		}
		var err error
		base, err = f.GetNodeRev(*base.PredecessorID)
		if err != nil {
			return nil, err
		}

		// A rep committed in a revision older than its carrier
		// node-rev may be shared; shared reps live on delta chains
		// unrelated to this node's history. Copied nodes look the
		// same (false positive) and reps shared within one revision
		// are not caught (false negative).
		carrierRev := base.ID.NodeRevID.ChangeSet.Rev()
		target := base.DataRep
		if props {
			target = base.PropRep
		}
		if target != nil && carrierRev.Valid() && carrierRev > target.ChangeSet.Rev() {
			maybeShared = true
		}
	}

	chosen := base.DataRep
	if props {
		chosen = base.PropRep
	}

	if chosen != nil && maybeShared {
		chainLength, err := f.RepChainLength(chosen)
		if err != nil {
			return nil, err
		}
		if int64(chainLength) >= 2*maxLinear+2 {
			return nil, nil
		}
	}
	return chosen, nil
}

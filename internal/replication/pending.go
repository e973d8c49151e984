package replication

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/replicad/internal/cluster"
)

// pendingRepair records copies that have been handed to the scheduler but
// not yet confirmed by a received report. expected counts outstanding
// copies; targets names the nodes chosen for some of them. Copies handed
// out without a target (NextUnderReplicatedBlock) are confirmed by any
// new holder.
type pendingRepair struct {
	expected    int
	targets     []cluster.NodeID
	scheduledAt time.Time
}

type pendingRepairs struct {
	m map[cluster.BlockID]*pendingRepair
}

func newPendingRepairs() *pendingRepairs {
	return &pendingRepairs{m: make(map[cluster.BlockID]*pendingRepair)}
}

func (p *pendingRepairs) add(id cluster.BlockID, targets []cluster.NodeID, expected int, now time.Time) {
	if expected < len(targets) {
		expected = len(targets)
	}
	if expected <= 0 {
		return
	}
	r, ok := p.m[id]
	if !ok {
		r = &pendingRepair{}
		p.m[id] = r
	}
	r.expected += expected
	r.targets = append(r.targets, targets...)
	r.scheduledAt = now
}

// confirm accounts for node having received the block. It reports whether
// the replica satisfied an outstanding copy.
func (p *pendingRepairs) confirm(id cluster.BlockID, node cluster.NodeID) bool {
	r, ok := p.m[id]
	if !ok {
		return false
	}
	if i := slices.Index(r.targets, node); i >= 0 {
		r.targets = slices.Delete(r.targets, i, i+1)
	} else if len(r.targets) >= r.expected {
		// every outstanding copy is bound to some other node
		return false
	}
	r.expected--
	if r.expected <= 0 {
		delete(p.m, id)
	}
	return true
}

func (p *pendingRepairs) count(id cluster.BlockID) int {
	if r, ok := p.m[id]; ok {
		return r.expected
	}
	return 0
}

func (p *pendingRepairs) isTarget(id cluster.BlockID, node cluster.NodeID) bool {
	r, ok := p.m[id]
	return ok && slices.Contains(r.targets, node)
}

func (p *pendingRepairs) remove(id cluster.BlockID) {
	delete(p.m, id)
}

// dropTarget forgets a target that can no longer complete its copy.
func (p *pendingRepairs) dropTarget(node cluster.NodeID) []cluster.BlockID {
	var affected []cluster.BlockID
	for id, r := range p.m {
		if i := slices.Index(r.targets, node); i >= 0 {
			r.targets = slices.Delete(r.targets, i, i+1)
			r.expected--
			if r.expected <= 0 {
				delete(p.m, id)
			}
			affected = append(affected, id)
		}
	}
	slices.Sort(affected)
	return affected
}

// expired returns the blocks whose repairs were scheduled more than timeout
// ago, ascending.
func (p *pendingRepairs) expired(now time.Time, timeout time.Duration) []cluster.BlockID {
	var out []cluster.BlockID
	for id, r := range p.m {
		if now.Sub(r.scheduledAt) > timeout {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (p *pendingRepairs) len() int {
	return len(p.m)
}

func (p *pendingRepairs) get(id cluster.BlockID) (pendingRepair, bool) {
	r, ok := p.m[id]
	if !ok {
		return pendingRepair{}, false
	}
	cp := *r
	cp.targets = slices.Clone(r.targets)
	return cp, true
}

package replication

import "fmt"

// ReplicaCount is the classification of a block's replicas at one instant.
// It is never stored; every call recomputes it from the index, node states,
// the excess tracker and the corrupt set.
type ReplicaCount struct {
	Live           int `json:"live"`
	Decommissioned int `json:"decommissioned"`
	Corrupt        int `json:"corrupt"`
	Excess         int `json:"excess"`

	// Decommissioning is the subset of Decommissioned held by nodes that
	// are still draining. Those replicas are readable and count toward
	// urgency, but not toward the live total.
	Decommissioning int `json:"decommissioning"`
}

// NeedsMoreReplicas reports whether the live count is below target.
func (c ReplicaCount) NeedsMoreReplicas(target int) bool {
	return c.Live < target
}

// HasTooMany reports whether live plus decommissioned replicas exceed
// target. Replicas already marked excess are not part of either term.
func (c ReplicaCount) HasTooMany(target int) bool {
	return c.Live+c.Decommissioned > target
}

// Total counts every holder except dead ones.
func (c ReplicaCount) Total() int {
	return c.Live + c.Decommissioned + c.Corrupt + c.Excess
}

// Priority orders under-replicated blocks; lower values are served first.
type Priority int

const (
	// PriorityMissing: no readable replica outside completed decommissions.
	PriorityMissing Priority = iota
	// PriorityBelowThreshold: a single readable replica, or fewer than a
	// third of target.
	PriorityBelowThreshold
	// PriorityUnderReplicated: below target but not at risk.
	PriorityUnderReplicated

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityMissing:
		return "missing"
	case PriorityBelowThreshold:
		return "below_threshold"
	case PriorityUnderReplicated:
		return "under_replicated"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	for q := PriorityMissing; q < numPriorities; q++ {
		if q.String() == string(text) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown priority %q", text)
}

// priorityFor classifies an under-replicated block. Replicas on draining
// nodes count as live here: they can still serve as a copy source, so a
// block held only by draining nodes is at risk but not missing.
func priorityFor(c ReplicaCount, target int) Priority {
	urgent := c.Live + c.Decommissioning
	switch {
	case urgent == 0:
		return PriorityMissing
	case urgent == 1 || urgent*3 < target:
		return PriorityBelowThreshold
	default:
		return PriorityUnderReplicated
	}
}

package replication

import (
	"fmt"
	"time"

	"github.com/dreamware/replicad/internal/cluster"
)

// NodeState is the single tagged state of a storage node. Liveness and
// administrative progress are folded into one value so that contradictory
// combinations (a dead node that has finished decommissioning, a
// decommissioned node that is also draining) cannot be represented.
//
// Administrative intent (whether the node is on the exclude list) is kept
// separately; it decides which state a dead node returns to.
type NodeState int

const (
	// NodeLive: heartbeating, serving replicas, eligible as a target.
	NodeLive NodeState = iota
	// NodeDead: no heartbeat within the dead-node timeout.
	NodeDead
	// NodeDecommissioning: heartbeating and draining; its replicas count as
	// decommissioned, not live, and it is never chosen as a target.
	NodeDecommissioning
	// NodeDecommissioned: drained; every block it held is replicated elsewhere.
	NodeDecommissioned
)

func (s NodeState) String() string {
	switch s {
	case NodeLive:
		return "live"
	case NodeDead:
		return "dead"
	case NodeDecommissioning:
		return "decommissioning"
	case NodeDecommissioned:
		return "decommissioned"
	default:
		return fmt.Sprintf("NodeState(%d)", int(s))
	}
}

// MarshalText lets states render by name in JSON.
func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *NodeState) UnmarshalText(text []byte) error {
	for st := NodeLive; st <= NodeDecommissioned; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown node state %q", text)
}

// AdminState is the administrative view of a node: whether it has been
// asked to leave the cluster and whether it has finished doing so.
type AdminState string

const (
	AdminNormal                AdminState = "normal"
	AdminDecommissionRequested AdminState = "decommission_requested"
	AdminDecommissioned        AdminState = "decommissioned"
)

// legalTransitions lists the state edges a node may take.
var legalTransitions = map[NodeState][]NodeState{
	NodeLive:            {NodeDead, NodeDecommissioning},
	NodeDead:            {NodeLive, NodeDecommissioning},
	NodeDecommissioning: {NodeDecommissioned, NodeLive, NodeDead},
	NodeDecommissioned:  {NodeLive, NodeDead},
}

// node is the control plane's record of one storage node. All fields are
// guarded by the Manager lock.
type node struct {
	info       cluster.NodeInfo
	state      NodeState
	lastUpdate time.Time // manager clock, advanced by every accepted heartbeat
	agentTime  time.Time // node clock from the last accepted heartbeat
	excluded   bool

	// blocking holds the blocks that keep a draining node from completing:
	// those with fewer than target live replicas on other nodes. scanned is
	// set once every block the node held when draining started has been
	// classified; completion is only possible after that. scanGen numbers
	// the drains so a finished scan only completes its own.
	blocking map[cluster.BlockID]struct{}
	scanned  bool
	scanGen  uint64
}

func newNode(info cluster.NodeInfo, now time.Time) *node {
	return &node{
		info:       info,
		state:      NodeLive,
		lastUpdate: now,
		blocking:   make(map[cluster.BlockID]struct{}),
	}
}

func (n *node) transition(to NodeState) error {
	for _, allowed := range legalTransitions[n.state] {
		if allowed == to {
			n.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, n.info.ID, n.state, to)
}

func (n *node) adminState() AdminState {
	switch {
	case n.state == NodeDecommissioned:
		return AdminDecommissioned
	case n.excluded:
		return AdminDecommissionRequested
	default:
		return AdminNormal
	}
}

func (n *node) resetDecommission() {
	n.blocking = make(map[cluster.BlockID]struct{})
	n.scanned = false
	n.scanGen++
}

// NodeStatus is an exported copy of a node record.
type NodeStatus struct {
	Info       cluster.NodeInfo `json:"info"`
	State      NodeState        `json:"state"`
	AdminState AdminState       `json:"admin_state"`
	LastUpdate time.Time        `json:"last_update"`
	Blocks     int              `json:"blocks"`
}

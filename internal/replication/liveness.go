package replication

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dreamware/replicad/internal/cluster"
)

// Register adds a node or refreshes an existing registration. A node
// without an ID is assigned a random one. Names are unique: a name already
// advertised by another node yields ErrDuplicateName. Registration counts
// as a heartbeat: a dead node recovers, and a node on the exclude list
// starts draining immediately.
func (m *Manager) Register(info cluster.NodeInfo) (cluster.NodeInfo, error) {
	if info.ID == "" && info.Name == "" {
		return cluster.NodeInfo{}, ErrInvalidNode
	}
	if info.ID == "" {
		info.ID = cluster.NodeID(uuid.NewString())
	}
	if info.Name == "" {
		info.Name = string(info.ID)
	}

	m.mu.Lock()
	if other := m.byNameLocked(info.Name); other != nil && other.info.ID != info.ID {
		m.mu.Unlock()
		return cluster.NodeInfo{}, fmt.Errorf("%w: %s is used by %s", ErrDuplicateName, info.Name, other.info.ID)
	}
	nd, existed := m.nodes[info.ID]
	if existed {
		nd.info = info
		nd.lastUpdate = m.clock.Now()
	} else {
		nd = m.addNodeLocked(info)
	}
	recheck, scan := m.reviveLocked(nd)
	if !existed && nd.state == NodeDecommissioning {
		scan = nd.scanGen
	}
	result := nd.info
	m.mu.Unlock()

	m.logger.Info().Str("node", string(info.ID)).Str("name", info.Name).
		Bool("existing", existed).Msg("node registered")
	m.afterStateChange(info.ID, recheck, scan)
	return result, nil
}

// addNodeLocked creates a node record, applying the exclude list.
func (m *Manager) addNodeLocked(info cluster.NodeInfo) *node {
	nd := newNode(info, m.clock.Now())
	m.nodes[info.ID] = nd
	if m.isExcludedLocked(nd) {
		nd.excluded = true
		_ = nd.transition(NodeDecommissioning)
		nd.resetDecommission()
		m.logger.Info().Str("node", string(info.ID)).Msg("new node is excluded, decommissioning")
	}
	return nd
}

func (m *Manager) isExcludedLocked(nd *node) bool {
	if _, ok := m.exclude[string(nd.info.ID)]; ok {
		return true
	}
	_, ok := m.exclude[nd.info.Name]
	return ok
}

// reviveLocked returns a dead node to service. It returns the node's blocks
// for reclassification and, when the node resumes draining, the scan
// generation to complete.
func (m *Manager) reviveLocked(nd *node) ([]cluster.BlockID, uint64) {
	if nd.state != NodeDead {
		return nil, 0
	}
	to := NodeLive
	if nd.excluded {
		to = NodeDecommissioning
	}
	if err := nd.transition(to); err != nil {
		m.logger.Error().Err(err).Msg("revive node")
		return nil, 0
	}
	nd.resetDecommission()
	m.logger.Info().Str("node", string(nd.info.ID)).Stringer("state", nd.state).Msg("node recovered")
	var scan uint64
	if to == NodeDecommissioning {
		scan = nd.scanGen
	}
	return m.index.NodeBlocks(nd.info.ID), scan
}

// afterStateChange reclassifies a node's blocks in batches. A non-zero scan
// marks that decommission scan of the node complete, unless the node has
// started a newer one in the meantime.
func (m *Manager) afterStateChange(id cluster.NodeID, recheck []cluster.BlockID, scan uint64) {
	m.recheckBlocks(recheck)
	if scan != 0 {
		m.mu.Lock()
		if nd, ok := m.nodes[id]; ok && nd.state == NodeDecommissioning && nd.scanGen == scan {
			nd.scanned = true
			m.maybeCompleteDecommissionLocked(nd)
		}
		m.mu.Unlock()
	}
}

// ProcessHeartbeat records a heartbeat. It returns false when the heartbeat
// carries an agent timestamp older than one already accepted; such
// reordered heartbeats are ignored. An unknown node is registered on first
// sight, and a dead node recovers.
func (m *Manager) ProcessHeartbeat(req cluster.HeartbeatRequest) bool {
	if req.NodeID == "" {
		return false
	}

	m.mu.Lock()
	nd, existed := m.nodes[req.NodeID]
	if !existed {
		nd = m.addNodeLocked(cluster.NodeInfo{ID: req.NodeID, Name: string(req.NodeID)})
		m.logger.Info().Str("node", string(req.NodeID)).Msg("node registered on first heartbeat")
	}
	if !req.Timestamp.IsZero() && req.Timestamp.Before(nd.agentTime) {
		m.mu.Unlock()
		m.logger.Debug().Str("node", string(req.NodeID)).Time("timestamp", req.Timestamp).
			Msg("stale heartbeat ignored")
		return false
	}
	if !req.Timestamp.IsZero() {
		nd.agentTime = req.Timestamp
	}
	nd.lastUpdate = m.clock.Now()
	if req.Capacity != (cluster.Capacity{}) {
		nd.info.Capacity = req.Capacity
	}
	healed := m.repairExcessLocked(nd.info.ID)
	recheck, scan := m.reviveLocked(nd)
	if !existed && nd.state == NodeDecommissioning {
		scan = nd.scanGen
	}
	m.mu.Unlock()

	m.afterStateChange(req.NodeID, append(recheck, healed...), scan)
	return true
}

// repairExcessLocked drops excess entries whose replica is no longer in
// the index. Such entries can only come from a replica removed without a
// deletion report; they are logged and discarded.
func (m *Manager) repairExcessLocked(id cluster.NodeID) []cluster.BlockID {
	var healed []cluster.BlockID
	for _, b := range m.excess.Blocks(id) {
		if m.index.Contains(b.ID, id) {
			continue
		}
		m.excess.Remove(id, b.ID)
		healed = append(healed, b.ID)
		m.logger.Warn().Stringer("block", b.ID).Str("node", string(id)).
			Msg("excess entry without index entry removed")
	}
	return healed
}

// HeartbeatCheck declares dead every node whose last heartbeat is older
// than the dead-node timeout and reclassifies the blocks they held. Nodes
// are examined in ID order under one lock acquisition; reclassification
// then proceeds in batches. It returns the IDs of the nodes declared dead
// once every affected block has been reclassified.
func (m *Manager) HeartbeatCheck() []cluster.NodeID {
	m.mu.Lock()
	now := m.clock.Now()
	var dead []cluster.NodeID
	var affected []cluster.BlockID
	for _, id := range m.sortedNodeIDsLocked() {
		nd := m.nodes[id]
		if nd.state == NodeDead || now.Sub(nd.lastUpdate) <= m.cfg.DeadNodeTimeout {
			continue
		}
		affected = append(affected, m.markDeadLocked(nd)...)
		dead = append(dead, id)
	}
	m.mu.Unlock()

	m.recheckBlocks(dedupeBlockIDs(affected))
	return dead
}

// markDeadLocked transitions a node to dead and discards the state that
// only a live node can act on: pending deletions, excess marks, pending
// copies targeted at it and decommission progress. Its index associations
// are kept; dead holders are simply not counted.
func (m *Manager) markDeadLocked(nd *node) []cluster.BlockID {
	prev := nd.state
	if err := nd.transition(NodeDead); err != nil {
		m.logger.Error().Err(err).Msg("mark node dead")
		return nil
	}
	id := nd.info.ID
	nd.resetDecommission()
	m.excess.RemoveNode(id)
	m.invalidates.RemoveNode(id)
	affected := m.pending.dropTarget(id)
	m.counters.deadNodeEvents++
	m.logger.Warn().Str("node", string(id)).Stringer("previous", prev).
		Dur("since_heartbeat", m.clock.Now().Sub(nd.lastUpdate)).Msg("node declared dead")
	return append(affected, m.index.NodeBlocks(id)...)
}

// RemoveNode forgets a node entirely: its replicas leave the index and its
// pending work is dropped. Waiters on its decommission are cancelled.
func (m *Manager) RemoveNode(id cluster.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nd, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	m.excess.RemoveNode(id)
	m.invalidates.RemoveNode(id)
	for _, bid := range m.pending.dropTarget(id) {
		m.reclassifyLocked(bid)
	}
	for _, bid := range m.index.NodeBlocks(id) {
		if set, ok := m.corrupt[bid]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.corrupt, bid)
			}
		}
	}
	// dead first so the removals below never count the node
	if nd.state != NodeDead {
		_ = nd.transition(NodeDead)
	}
	removed := m.index.RemoveAllForNode(id)
	delete(m.nodes, id)
	m.watch.notifyNode(id, ErrDecommissionCancelled)

	m.logger.Info().Str("node", string(id)).Int("blocks", len(removed)).Msg("node removed")
	return nil
}

// Node returns the status of one node.
func (m *Manager) Node(id cluster.NodeID) (NodeStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nd, ok := m.nodes[id]
	if !ok {
		return NodeStatus{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return m.statusLocked(nd), nil
}

// Nodes returns the status of every node, sorted by ID.
func (m *Manager) Nodes() []NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeStatus, 0, len(m.nodes))
	for _, id := range m.sortedNodeIDsLocked() {
		out = append(out, m.statusLocked(m.nodes[id]))
	}
	return out
}

// LiveNodes returns the nodes that can receive new replicas, sorted by ID.
func (m *Manager) LiveNodes() []cluster.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []cluster.NodeInfo
	for _, id := range m.sortedNodeIDsLocked() {
		if nd := m.nodes[id]; nd.state == NodeLive {
			out = append(out, nd.info)
		}
	}
	return out
}

func (m *Manager) statusLocked(nd *node) NodeStatus {
	return NodeStatus{
		Info:       nd.info,
		State:      nd.state,
		AdminState: nd.adminState(),
		LastUpdate: nd.lastUpdate,
		Blocks:     m.index.NumNodeBlocks(nd.info.ID),
	}
}

package replication

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicad/internal/cluster"
)

// ReplicationWork is one copy assignment produced by ScheduleReplication.
type ReplicationWork struct {
	Block    cluster.Block      `json:"block"`
	Priority Priority           `json:"priority"`
	Source   cluster.NodeInfo   `json:"source"`
	Targets  []cluster.NodeInfo `json:"targets"`
}

// NextUnderReplicatedBlock removes the most urgent block from the queue and
// records every missing copy as pending. The caller is expected to arrange
// the copies; they are confirmed by received reports from any new holder.
func (m *Manager) NextUnderReplicatedBlock() (cluster.Block, Priority, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, p, ok := m.queue.Pop()
	if !ok {
		return cluster.Block{}, 0, false
	}
	meta := m.catalog[id]
	count := m.countLocked(id)
	need := meta.replication - count.Live - m.pending.count(id)
	m.pending.add(id, nil, need, m.clock.Now())
	m.reclassifyLocked(id)
	return meta.block, p, true
}

// ScheduleReplication picks up to limit queued blocks in priority order and
// assigns each a source and targets. Assigned copies are recorded as
// pending. Blocks without a usable source or without an eligible target
// stay queued.
func (m *Manager) ScheduleReplication(limit int) []ReplicationWork {
	if limit <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []cluster.BlockID
	scan := limit * 4
	m.queue.Ascend(func(id cluster.BlockID, _ Priority) bool {
		ids = append(ids, id)
		return len(ids) < scan
	})

	now := m.clock.Now()
	var work []ReplicationWork
	for _, id := range ids {
		if len(work) >= limit {
			break
		}
		p, queued := m.queue.PriorityOf(id)
		meta, known := m.catalog[id]
		if !queued || !known {
			continue
		}
		count := m.countLocked(id)
		need := meta.replication - count.Live - m.pending.count(id)
		if need <= 0 {
			continue
		}
		src, ok := m.chooseSourceLocked(id)
		if !ok {
			m.logger.Debug().Stringer("block", id).Msg("no source for under-replicated block")
			continue
		}
		targets := m.chooseTargetsLocked(meta.block, need)
		if len(targets) == 0 {
			m.logger.Debug().Stringer("block", id).Msg("no target for under-replicated block")
			continue
		}
		targetIDs := make([]cluster.NodeID, len(targets))
		for i, t := range targets {
			targetIDs[i] = t.ID
		}
		m.pending.add(id, targetIDs, len(targetIDs), now)
		m.reclassifyLocked(id)
		work = append(work, ReplicationWork{Block: meta.block, Priority: p, Source: src, Targets: targets})
	}
	m.counters.scheduledReplications += uint64(len(work))
	return work
}

// chooseSourceLocked prefers a draining holder, then the lowest node ID.
// Corrupt, excess and dead replicas are never sources.
func (m *Manager) chooseSourceLocked(id cluster.BlockID) (cluster.NodeInfo, bool) {
	var best *node
	for holder := range m.index.Nodes(id) {
		nd, ok := m.nodes[holder]
		if !ok || m.isCorruptLocked(id, holder) {
			continue
		}
		switch nd.state {
		case NodeDecommissioning:
		case NodeLive:
			if m.excess.Contains(holder, id) {
				continue
			}
		default:
			continue
		}
		if best == nil || betterSource(nd, best) {
			best = nd
		}
	}
	if best == nil {
		return cluster.NodeInfo{}, false
	}
	return best.info, true
}

func betterSource(a, b *node) bool {
	ad, bd := a.state == NodeDecommissioning, b.state == NodeDecommissioning
	if ad != bd {
		return ad
	}
	return a.info.ID < b.info.ID
}

// chooseTargetsLocked returns up to n live nodes that neither hold the
// block nor already have a copy pending, most remaining capacity first.
// Nodes that report a capacity too small for the block are skipped.
func (m *Manager) chooseTargetsLocked(b cluster.Block, n int) []cluster.NodeInfo {
	var eligible []*node
	for id, nd := range m.nodes {
		if nd.state != NodeLive || m.index.Contains(b.ID, id) || m.pending.isTarget(b.ID, id) {
			continue
		}
		if c := nd.info.Capacity; c.Capacity > 0 && c.Remaining < b.NumBytes {
			continue
		}
		eligible = append(eligible, nd)
	}
	slices.SortFunc(eligible, func(x, y *node) int {
		ra, rb := x.info.Capacity.Remaining, y.info.Capacity.Remaining
		switch {
		case ra > rb:
			return -1
		case ra < rb:
			return 1
		default:
			return compareNodeID(x.info.ID, y.info.ID)
		}
	})
	if len(eligible) > n {
		eligible = eligible[:n]
	}
	out := make([]cluster.NodeInfo, len(eligible))
	for i, nd := range eligible {
		out[i] = nd.info
	}
	return out
}

// ProcessPendingTimeouts abandons pending copies older than the pending
// replication timeout and returns their blocks to the queue. It returns
// the number of blocks affected.
func (m *Manager) ProcessPendingTimeouts() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := m.pending.expired(m.clock.Now(), m.cfg.PendingReplicationTimeout)
	for _, id := range expired {
		m.pending.remove(id)
		m.reclassifyLocked(id)
		m.logger.Info().Stringer("block", id).Msg("pending replication timed out")
	}
	m.counters.pendingTimeouts += uint64(len(expired))
	return len(expired)
}

// PullInvalidations removes and returns up to limit queued deletions for a
// node. Excess entries stay until the node reports the deletion. Dead and
// unknown nodes get nothing.
func (m *Manager) PullInvalidations(id cluster.NodeID, limit int) []cluster.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	nd, ok := m.nodes[id]
	if !ok || nd.state == NodeDead {
		return nil
	}
	return m.invalidates.Pull(id, limit)
}

// QueueLen returns the number of under-replicated blocks.
func (m *Manager) QueueLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queue.Len()
}

// QueuedPriority reports whether a block is queued and at which priority.
func (m *Manager) QueuedPriority(id cluster.BlockID) (Priority, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queue.PriorityOf(id)
}

// IsExcess reports whether node's replica of a block is marked excess.
func (m *Manager) IsExcess(id cluster.BlockID, node cluster.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.excess.Contains(node, id)
}

// ExcessReplicas returns the blocks marked excess on a node, ascending.
func (m *Manager) ExcessReplicas(node cluster.NodeID) []cluster.BlockID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.excess.Blocks(node)
	out := make([]cluster.BlockID, len(bs))
	for i, b := range bs {
		out[i] = b.ID
	}
	return out
}

// PendingInvalidations returns the number of deletions queued for a node.
func (m *Manager) PendingInvalidations(node cluster.NodeID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.invalidates.Len(node)
}

// PendingReplications returns the outstanding copy count of a block.
func (m *Manager) PendingReplications(id cluster.BlockID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending.count(id)
}

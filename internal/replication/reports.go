package replication

import (
	"fmt"

	"github.com/dreamware/replicad/internal/cluster"
)

// BlockReceived records that node now holds b. Unknown nodes and blocks
// are created on first sight; a new block gets the default replication.
// Reports from dead nodes and reports carrying an older generation stamp
// than the catalog's are ignored.
func (m *Manager) BlockReceived(id cluster.NodeID, b cluster.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockReceivedLocked(id, b)
}

func (m *Manager) blockReceivedLocked(id cluster.NodeID, b cluster.Block) {
	nd := m.nodeForReportLocked(id)
	if nd == nil {
		return
	}

	meta, ok := m.catalog[b.ID]
	switch {
	case !ok:
		meta = &blockMeta{block: b, replication: m.cfg.DefaultReplication}
		m.catalog[b.ID] = meta
		m.logger.Debug().Stringer("block", b.ID).Str("node", string(id)).
			Int("replication", meta.replication).Msg("block cataloged on first report")
	case b.GenStamp < meta.block.GenStamp:
		m.logger.Debug().Stringer("block", b.ID).Str("node", string(id)).
			Uint64("genstamp", b.GenStamp).Uint64("current", meta.block.GenStamp).
			Msg("stale replica report ignored")
		return
	case b.GenStamp > meta.block.GenStamp:
		meta.block = b
	}

	if m.index.Contains(b.ID, id) {
		return
	}
	m.pending.confirm(b.ID, id)
	m.index.AddNode(b, id)
}

// BlockDeleted records that node no longer holds the block. It clears the
// node's excess, invalidate and corrupt entries for the block before the
// index is updated, so the reclassification sees the final state.
func (m *Manager) BlockDeleted(id cluster.NodeID, block cluster.BlockID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockDeletedLocked(id, block)
}

func (m *Manager) blockDeletedLocked(id cluster.NodeID, block cluster.BlockID) {
	nd := m.nodeForReportLocked(id)
	if nd == nil {
		return
	}
	m.excess.Remove(id, block)
	m.invalidates.Remove(id, block)
	if !m.index.Contains(block, id) {
		m.logger.Debug().Stringer("block", block).Str("node", string(id)).
			Msg("deletion report for replica not in index")
		return
	}
	m.dropReplicaLocked(nd, block)
}

// dropReplicaLocked removes one association from the index together with
// the per-replica state that depends on it.
func (m *Manager) dropReplicaLocked(nd *node, block cluster.BlockID) {
	id := nd.info.ID
	if set, ok := m.corrupt[block]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.corrupt, block)
		}
	}
	m.index.RemoveNode(block, id)
	if nd.state == NodeDecommissioning {
		delete(nd.blocking, block)
		m.maybeCompleteDecommissionLocked(nd)
	}
}

// nodeForReportLocked resolves the sender of a replica report, creating it
// on first sight. It returns nil for dead senders.
func (m *Manager) nodeForReportLocked(id cluster.NodeID) *node {
	nd, ok := m.nodes[id]
	if !ok {
		nd = m.addNodeLocked(cluster.NodeInfo{ID: id, Name: string(id)})
		if nd.state == NodeDecommissioning {
			nd.scanned = true
			m.maybeCompleteDecommissionLocked(nd)
		}
		m.logger.Info().Str("node", string(id)).Msg("node registered on first report")
	}
	if nd.state == NodeDead {
		m.logger.Debug().Str("node", string(id)).Msg("report from dead node ignored")
		return nil
	}
	return nd
}

// ProcessIncrementalReport applies received and deleted replicas in order.
func (m *Manager) ProcessIncrementalReport(id cluster.NodeID, rep cluster.IncrementalReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range rep.Received {
		m.blockReceivedLocked(id, b)
	}
	for _, bid := range rep.Deleted {
		m.blockDeletedLocked(id, bid)
	}
}

// ProcessBlockReport reconciles the index with a node's full replica list:
// replicas missing from the report are treated as deleted, and reported
// replicas not yet indexed as received.
func (m *Manager) ProcessBlockReport(id cluster.NodeID, rep cluster.BlockReport) (added, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nodeForReportLocked(id) == nil {
		return 0, 0
	}
	reported := make(map[cluster.BlockID]struct{}, len(rep.Blocks))
	for _, b := range rep.Blocks {
		reported[b.ID] = struct{}{}
	}
	for _, bid := range m.index.NodeBlocks(id) {
		if _, ok := reported[bid]; !ok {
			m.blockDeletedLocked(id, bid)
			removed++
		}
	}
	for _, b := range rep.Blocks {
		if !m.index.Contains(b.ID, id) {
			m.blockReceivedLocked(id, b)
			if m.index.Contains(b.ID, id) {
				added++
			}
		}
	}
	m.logger.Debug().Str("node", string(id)).Int("reported", len(rep.Blocks)).
		Int("added", added).Int("removed", removed).Msg("block report processed")
	return added, removed
}

// AddBlock catalogs a block with its target replication. Adding a block
// that is already cataloged updates its target.
func (m *Manager) AddBlock(b cluster.Block, replication int) error {
	if replication == 0 {
		replication = m.cfg.DefaultReplication
	}
	if err := m.validReplication(replication); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.catalog[b.ID]; ok {
		meta.replication = replication
		if b.GenStamp > meta.block.GenStamp {
			meta.block = b
		}
	} else {
		m.catalog[b.ID] = &blockMeta{block: b, replication: replication}
	}
	m.reclassifyLocked(b.ID)
	return nil
}

// RemoveBlock forgets a block. Every holder is told to delete its replica.
func (m *Manager) RemoveBlock(block cluster.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.catalog[block]
	if !ok && m.index.NumNodes(block) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, block)
	}
	b := cluster.Block{ID: block}
	if ok {
		b = meta.block
	}
	if indexed, ok := m.index.Block(block); ok && indexed.GenStamp > b.GenStamp {
		b = indexed
	}

	delete(m.catalog, block)
	m.queue.Remove(block)
	m.pending.remove(block)
	for _, holder := range m.index.NodeList(block) {
		nd := m.nodes[holder]
		m.excess.Remove(holder, block)
		if nd != nil && nd.state != NodeDead {
			m.invalidates.Add(holder, b)
		}
		if nd != nil {
			m.dropReplicaLocked(nd, block)
		}
	}
	delete(m.corrupt, block)
	m.watch.cancelBlock(block, ErrUnknownBlock)
	m.logger.Info().Stringer("block", block).Msg("block removed")
	return nil
}

// SetReplicationFactor changes a block's target and reclassifies it. It
// returns the previous target.
func (m *Manager) SetReplicationFactor(block cluster.BlockID, replication int) (int, error) {
	if err := m.validReplication(replication); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.catalog[block]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownBlock, block)
	}
	old := meta.replication
	meta.replication = replication
	m.reclassifyLocked(block)
	m.logger.Info().Stringer("block", block).Int("from", old).Int("to", replication).
		Msg("replication factor changed")
	return old, nil
}

// AddBlockToInvalidates queues a delete command for node's replica. The
// index is left unchanged until the node reports the deletion.
func (m *Manager) AddBlockToInvalidates(b cluster.Block, id cluster.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if meta, ok := m.catalog[b.ID]; ok && b.GenStamp < meta.block.GenStamp {
		b = meta.block
	}
	m.invalidates.Add(id, b)
	return nil
}

// RemoveReplica drops an association from the index without a deletion
// report. Any excess entry for the pair is left for the next heartbeat of
// the node to reconcile.
func (m *Manager) RemoveReplica(block cluster.BlockID, id cluster.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	nd, ok := m.nodes[id]
	if !ok || !m.index.Contains(block, id) {
		return false
	}
	m.dropReplicaLocked(nd, block)
	return true
}

// MarkBlockAsCorrupt flags node's replica as corrupt. The replica stops
// counting as live and is scheduled for deletion once enough healthy
// replicas exist.
func (m *Manager) MarkBlockAsCorrupt(block cluster.BlockID, id cluster.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if !m.index.Contains(block, id) {
		return fmt.Errorf("%w: %s not held by %s", ErrUnknownBlock, block, id)
	}
	set, ok := m.corrupt[block]
	if !ok {
		set = make(map[cluster.NodeID]struct{})
		m.corrupt[block] = set
	}
	set[id] = struct{}{}
	m.excess.Remove(id, block)
	m.logger.Warn().Stringer("block", block).Str("node", string(id)).Msg("replica marked corrupt")
	m.reclassifyLocked(block)
	return nil
}

// BlockStatus describes one block as the manager currently sees it.
type BlockStatus struct {
	Block       cluster.Block `json:"block"`
	Replication int           `json:"replication"`
	Count       ReplicaCount  `json:"count"`
	Holders     []HolderState `json:"holders"`
	Queued      bool          `json:"queued"`
	Priority    *Priority     `json:"priority,omitempty"`
	Pending     int           `json:"pending"`
}

// HolderState is one holder of a block and how it was classified.
type HolderState struct {
	Node  cluster.NodeID `json:"node"`
	State string         `json:"state"`
}

// Block returns the status of a block.
func (m *Manager) Block(block cluster.BlockID) (BlockStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.catalog[block]
	if !ok && m.index.NumNodes(block) == 0 {
		return BlockStatus{}, fmt.Errorf("%w: %s", ErrUnknownBlock, block)
	}
	return m.blockStatusLocked(block, meta), nil
}

func (m *Manager) blockStatusLocked(block cluster.BlockID, meta *blockMeta) BlockStatus {
	st := BlockStatus{
		Count:   m.countLocked(block),
		Pending: m.pending.count(block),
	}
	if meta != nil {
		st.Block = meta.block
		st.Replication = meta.replication
	} else if b, ok := m.index.Block(block); ok {
		st.Block = b
	}
	if p, ok := m.queue.PriorityOf(block); ok {
		st.Queued = true
		st.Priority = &p
	}
	for holder := range m.index.Nodes(block) {
		st.Holders = append(st.Holders, HolderState{Node: holder, State: m.holderStateLocked(block, holder)})
	}
	return st
}

// holderStateLocked names the category countLocked would assign.
func (m *Manager) holderStateLocked(block cluster.BlockID, id cluster.NodeID) string {
	nd, ok := m.nodes[id]
	switch {
	case !ok:
		return "unknown"
	case m.isCorruptLocked(block, id):
		return "corrupt"
	case nd.state == NodeDecommissioning || nd.state == NodeDecommissioned || nd.state == NodeDead:
		return nd.state.String()
	case m.excess.Contains(id, block):
		return "excess"
	default:
		return "live"
	}
}

package replication

import (
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicad/internal/blocks"
	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/storage"
)

// Default tunables, matching the configuration defaults.
const (
	DefaultReplication         = 3
	DefaultMaxReplication      = 512
	DefaultHeartbeatInterval   = 3 * time.Second
	DefaultHeartbeatRecheck    = 5 * time.Minute
	DefaultPendingTimeout      = 5 * time.Minute
	DefaultReclassifyBatchSize = 1000
)

// DeadNodeTimeout derives the liveness timeout from the heartbeat cadence:
// two recheck intervals plus ten heartbeat intervals.
func DeadNodeTimeout(heartbeat, recheck time.Duration) time.Duration {
	return 2*recheck + 10*heartbeat
}

// Config holds the Manager's dependencies and tunables. Zero values are
// replaced by defaults in NewManager.
type Config struct {
	// Clock drives liveness and pending-repair timing. Tests pass
	// clock.NewMock().
	Clock clock.Clock

	// Logger receives state-change events. Defaults to zerolog.Nop().
	Logger *zerolog.Logger

	// Dumps receives metadata snapshots. Defaults to an in-memory store.
	Dumps storage.Store

	DefaultReplication        int
	MaxReplication            int
	DeadNodeTimeout           time.Duration
	PendingReplicationTimeout time.Duration

	// ReclassifyBatchSize bounds how many blocks are reclassified per lock
	// acquisition when a node dies, recovers, or starts draining.
	ReclassifyBatchSize int
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Dumps == nil {
		c.Dumps = storage.NewMemoryStore()
	}
	if c.DefaultReplication <= 0 {
		c.DefaultReplication = DefaultReplication
	}
	if c.MaxReplication <= 0 {
		c.MaxReplication = DefaultMaxReplication
	}
	if c.DefaultReplication > c.MaxReplication {
		c.DefaultReplication = c.MaxReplication
	}
	if c.DeadNodeTimeout <= 0 {
		c.DeadNodeTimeout = DeadNodeTimeout(DefaultHeartbeatInterval, DefaultHeartbeatRecheck)
	}
	if c.PendingReplicationTimeout <= 0 {
		c.PendingReplicationTimeout = DefaultPendingTimeout
	}
	if c.ReclassifyBatchSize <= 0 {
		c.ReclassifyBatchSize = DefaultReclassifyBatchSize
	}
}

// blockMeta is the catalog record of a block: its identity and target
// replication. It outlives the index entry, so a block whose last holder
// disappears is still known and reported as missing.
type blockMeta struct {
	block       cluster.Block
	replication int
}

// counters are cumulative event totals exported through Stats.
type counters struct {
	deadNodeEvents        uint64
	scheduledReplications uint64
	pendingTimeouts       uint64
	excessChosen          uint64
}

// Manager is the block replication state manager. It owns the block index,
// the node table and every derived structure (under-replicated queue,
// excess tracker, invalidate queue, corrupt set, pending repairs), all
// guarded by a single RWMutex.
//
// Every change to which node holds which block passes through the index,
// whose change callback reclassifies the affected block before the
// mutating call returns. Queue membership, excess selection and
// decommission progress are therefore always consistent with the index as
// observed under the lock.
//
// Thread Safety:
// All exported methods are safe for concurrent use. Work that touches many
// blocks (node death, recovery, decommission start) reacquires the lock in
// batches so heartbeats and reports interleave with it.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	index       *blocks.Map
	catalog     map[cluster.BlockID]*blockMeta
	nodes       map[cluster.NodeID]*node
	exclude     map[string]struct{}
	queue       *underReplicatedQueue
	excess      *nodeBlockSets
	invalidates *nodeBlockSets
	corrupt     map[cluster.BlockID]map[cluster.NodeID]struct{}
	pending     *pendingRepairs
	watch       *watchers
	counters    counters
}

// NewManager creates an empty manager.
//
// Example:
//
//	m := replication.NewManager(replication.Config{
//	    Logger:          &logger,
//	    DeadNodeTimeout: 10*time.Minute + 30*time.Second,
//	})
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:         cfg,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With().Str("component", "replication").Logger(),
		catalog:     make(map[cluster.BlockID]*blockMeta),
		nodes:       make(map[cluster.NodeID]*node),
		exclude:     make(map[string]struct{}),
		queue:       newUnderReplicatedQueue(),
		excess:      newNodeBlockSets(),
		invalidates: newNodeBlockSets(),
		corrupt:     make(map[cluster.BlockID]map[cluster.NodeID]struct{}),
		pending:     newPendingRepairs(),
		watch:       newWatchers(),
	}
	m.index = blocks.NewMap(m.reclassifyLocked)
	return m
}

// Config returns the effective configuration after defaults.
func (m *Manager) Config() Config {
	return m.cfg
}

// CountNodes classifies every current holder of a block. A block with no
// holders, known or not, yields the zero count.
func (m *Manager) CountNodes(id cluster.BlockID) ReplicaCount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(id)
}

// countLocked applies, per holder, the first matching rule: corrupt,
// draining or drained, dead (uncounted), excess, live.
func (m *Manager) countLocked(id cluster.BlockID) ReplicaCount {
	var c ReplicaCount
	for holder := range m.index.Nodes(id) {
		nd, ok := m.nodes[holder]
		if !ok {
			m.logger.Warn().Stringer("block", id).Str("node", string(holder)).
				Msg("index references unregistered node")
			continue
		}
		if m.isCorruptLocked(id, holder) {
			c.Corrupt++
			continue
		}
		switch nd.state {
		case NodeDecommissioning:
			c.Decommissioned++
			c.Decommissioning++
		case NodeDecommissioned:
			c.Decommissioned++
		case NodeDead:
		default:
			if m.excess.Contains(holder, id) {
				c.Excess++
			} else {
				c.Live++
			}
		}
	}
	return c
}

func (m *Manager) isCorruptLocked(id cluster.BlockID, n cluster.NodeID) bool {
	_, ok := m.corrupt[id][n]
	return ok
}

// reclassifyLocked recomputes everything derived from a block's holder set.
// It is the index change callback and is also called directly whenever a
// non-index input to classification changes (target, node state, excess
// or corrupt marks, pending count). It never mutates the index.
func (m *Manager) reclassifyLocked(id cluster.BlockID) {
	meta, known := m.catalog[id]
	if !known {
		m.queue.Remove(id)
		m.pending.remove(id)
		if m.index.NumNodes(id) == 0 {
			delete(m.corrupt, id)
		}
		return
	}
	target := meta.replication
	if b, ok := m.index.Block(id); ok && b.GenStamp > meta.block.GenStamp {
		meta.block = b
	}

	count := m.countLocked(id)
	if count.Live < target && count.Excess > 0 && m.restoreExcessLocked(id, target-count.Live) {
		count = m.countLocked(id)
	}
	if count.Live >= target {
		m.pending.remove(id)
	}
	if count.Live < target && count.Live+m.pending.count(id) < target {
		m.queue.Update(id, priorityFor(count, target))
	} else {
		m.queue.Remove(id)
	}

	if count.HasTooMany(target) && m.chooseExcessLocked(meta, target) {
		count = m.countLocked(id)
	}
	if count.Corrupt > 0 && count.Live >= target {
		m.invalidateCorruptLocked(meta.block)
	}

	m.updateDecommissionLocked(id, count, target)
	m.watch.notifyBlock(id, count)
}

// chooseExcessLocked marks live replicas beyond target as excess and queues
// them for deletion. Candidates are ordered by oldest heartbeat, then least
// remaining capacity, then node ID; the most recently heard-from node is
// therefore kept whenever an alternative exists.
func (m *Manager) chooseExcessLocked(meta *blockMeta, target int) bool {
	id := meta.block.ID
	var candidates []*node
	for holder := range m.index.Nodes(id) {
		nd, ok := m.nodes[holder]
		if !ok || nd.state != NodeLive || m.isCorruptLocked(id, holder) || m.excess.Contains(holder, id) {
			continue
		}
		candidates = append(candidates, nd)
	}
	if len(candidates) <= target {
		return false
	}
	slices.SortFunc(candidates, func(a, b *node) int {
		switch {
		case !a.lastUpdate.Equal(b.lastUpdate):
			return a.lastUpdate.Compare(b.lastUpdate)
		case a.info.Capacity.Remaining != b.info.Capacity.Remaining:
			if a.info.Capacity.Remaining < b.info.Capacity.Remaining {
				return -1
			}
			return 1
		default:
			return compareNodeID(a.info.ID, b.info.ID)
		}
	})
	for _, nd := range candidates[:len(candidates)-target] {
		m.excess.Add(nd.info.ID, meta.block)
		m.invalidates.Add(nd.info.ID, meta.block)
		m.counters.excessChosen++
		m.logger.Info().Stringer("block", id).Str("node", string(nd.info.ID)).
			Int("target", target).Msg("replica marked excess")
	}
	return true
}

// restoreExcessLocked returns up to want excess replicas of a block to
// service when the block has fallen below its target. Only replicas whose
// delete command has not yet been handed out are restored, most recently
// heard-from first.
func (m *Manager) restoreExcessLocked(id cluster.BlockID, want int) bool {
	var candidates []*node
	for holder := range m.index.Nodes(id) {
		nd, ok := m.nodes[holder]
		if !ok || nd.state != NodeLive || m.isCorruptLocked(id, holder) {
			continue
		}
		if m.excess.Contains(holder, id) && m.invalidates.Contains(holder, id) {
			candidates = append(candidates, nd)
		}
	}
	if len(candidates) == 0 {
		return false
	}
	slices.SortFunc(candidates, func(a, b *node) int {
		if c := b.lastUpdate.Compare(a.lastUpdate); c != 0 {
			return c
		}
		return compareNodeID(a.info.ID, b.info.ID)
	})
	for _, nd := range candidates[:min(want, len(candidates))] {
		m.excess.Remove(nd.info.ID, id)
		m.invalidates.Remove(nd.info.ID, id)
		m.logger.Info().Stringer("block", id).Str("node", string(nd.info.ID)).
			Msg("excess replica restored")
	}
	return true
}

func (m *Manager) invalidateCorruptLocked(b cluster.Block) {
	for holder := range m.corrupt[b.ID] {
		if m.index.Contains(b.ID, holder) && m.invalidates.Add(holder, b) {
			m.logger.Info().Stringer("block", b.ID).Str("node", string(holder)).
				Msg("corrupt replica scheduled for deletion")
		}
	}
}

// updateDecommissionLocked maintains the blocking set of every draining
// holder and completes any node whose set has emptied after a full scan.
func (m *Manager) updateDecommissionLocked(id cluster.BlockID, count ReplicaCount, target int) {
	for holder := range m.index.Nodes(id) {
		nd, ok := m.nodes[holder]
		if !ok || nd.state != NodeDecommissioning {
			continue
		}
		if count.Live < target {
			nd.blocking[id] = struct{}{}
			continue
		}
		delete(nd.blocking, id)
		m.maybeCompleteDecommissionLocked(nd)
	}
}

func (m *Manager) maybeCompleteDecommissionLocked(nd *node) {
	if nd.state != NodeDecommissioning || !nd.scanned || len(nd.blocking) > 0 {
		return
	}
	if err := nd.transition(NodeDecommissioned); err != nil {
		m.logger.Error().Err(err).Msg("complete decommission")
		return
	}
	m.logger.Info().Str("node", string(nd.info.ID)).Msg("node decommissioned")
	m.watch.notifyNode(nd.info.ID, nil)
}

// recheckBlocks reclassifies ids in batches, releasing the lock between
// batches. It returns after every batch has been applied.
func (m *Manager) recheckBlocks(ids []cluster.BlockID) {
	batch := m.cfg.ReclassifyBatchSize
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		m.mu.Lock()
		for _, id := range ids[start:end] {
			m.reclassifyLocked(id)
		}
		m.mu.Unlock()
	}
}

// lookupLocked finds a node by ID or by name. Names are unique among
// registered nodes.
func (m *Manager) lookupLocked(key string) *node {
	if nd, ok := m.nodes[cluster.NodeID(key)]; ok {
		return nd
	}
	return m.byNameLocked(key)
}

// byNameLocked returns the lowest-ID node advertising name.
func (m *Manager) byNameLocked(name string) *node {
	for _, id := range m.sortedNodeIDsLocked() {
		if nd := m.nodes[id]; nd.info.Name == name {
			return nd
		}
	}
	return nil
}

func (m *Manager) sortedNodeIDsLocked() []cluster.NodeID {
	ids := make([]cluster.NodeID, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) validReplication(n int) error {
	if n < 1 || n > m.cfg.MaxReplication {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidReplication, n, m.cfg.MaxReplication)
	}
	return nil
}

func compareNodeID(a, b cluster.NodeID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func dedupeBlockIDs(ids []cluster.BlockID) []cluster.BlockID {
	slices.Sort(ids)
	return slices.Compact(ids)
}

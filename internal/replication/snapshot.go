package replication

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/storage"
)

// Stats summarizes manager state for metrics and the stats endpoint.
type Stats struct {
	LiveNodes            int `json:"live_nodes"`
	DeadNodes            int `json:"dead_nodes"`
	DecommissioningNodes int `json:"decommissioning_nodes"`
	DecommissionedNodes  int `json:"decommissioned_nodes"`

	Blocks          int `json:"blocks"`
	IndexedBlocks   int `json:"indexed_blocks"`
	UnderReplicated int `json:"under_replicated"`
	MissingBlocks   int `json:"missing_blocks"`
	BelowThreshold  int `json:"below_threshold"`

	PendingReplications int `json:"pending_replications"`
	ExcessReplicas      int `json:"excess_replicas"`
	PendingDeletions    int `json:"pending_deletions"`
	CorruptReplicas     int `json:"corrupt_replicas"`

	CapacityBytes  int64 `json:"capacity_bytes"`
	RemainingBytes int64 `json:"remaining_bytes"`

	DeadNodeEvents        uint64 `json:"dead_node_events"`
	ScheduledReplications uint64 `json:"scheduled_replications"`
	PendingTimeouts       uint64 `json:"pending_timeouts"`
	ExcessChosen          uint64 `json:"excess_chosen"`
}

// Stats returns a consistent summary taken under one read lock.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() Stats {
	s := Stats{
		Blocks:                len(m.catalog),
		IndexedBlocks:         m.index.Len(),
		UnderReplicated:       m.queue.Len(),
		MissingBlocks:         m.queue.LenAt(PriorityMissing),
		BelowThreshold:        m.queue.LenAt(PriorityBelowThreshold),
		PendingReplications:   m.pending.len(),
		ExcessReplicas:        m.excess.Total(),
		PendingDeletions:      m.invalidates.Total(),
		DeadNodeEvents:        m.counters.deadNodeEvents,
		ScheduledReplications: m.counters.scheduledReplications,
		PendingTimeouts:       m.counters.pendingTimeouts,
		ExcessChosen:          m.counters.excessChosen,
	}
	for _, nd := range m.nodes {
		switch nd.state {
		case NodeLive:
			s.LiveNodes++
		case NodeDead:
			s.DeadNodes++
		case NodeDecommissioning:
			s.DecommissioningNodes++
		case NodeDecommissioned:
			s.DecommissionedNodes++
		}
		if nd.state == NodeLive || nd.state == NodeDecommissioning {
			s.CapacityBytes += nd.info.Capacity.Capacity
			s.RemainingBytes += nd.info.Capacity.Remaining
		}
	}
	for _, set := range m.corrupt {
		s.CorruptReplicas += len(set)
	}
	return s
}

// QueuedBlock is one under-replicated block in a metadata snapshot.
type QueuedBlock struct {
	BlockStatus
}

// NodeBlocks lists the blocks tracked for one node.
type NodeBlocks struct {
	Node   cluster.NodeID    `json:"node"`
	Blocks []cluster.BlockID `json:"blocks"`
}

// PendingCopy is an outstanding repair in a metadata snapshot.
type PendingCopy struct {
	Block       cluster.BlockID  `json:"block"`
	Expected    int              `json:"expected"`
	Targets     []cluster.NodeID `json:"targets"`
	ScheduledAt time.Time        `json:"scheduled_at"`
}

// MetaSnapshot is a point-in-time copy of the manager's derived state. It
// is taken under the read lock and rendered without it.
type MetaSnapshot struct {
	TakenAt         time.Time     `json:"taken_at"`
	Stats           Stats         `json:"stats"`
	Nodes           []NodeStatus  `json:"nodes"`
	UnderReplicated []QueuedBlock `json:"under_replicated"`
	Pending         []PendingCopy `json:"pending"`
	Excess          []NodeBlocks  `json:"excess"`
	Invalidates     []NodeBlocks  `json:"invalidates"`
}

// Snapshot copies the manager's derived state.
func (m *Manager) Snapshot() *MetaSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &MetaSnapshot{TakenAt: m.clock.Now(), Stats: m.statsLocked()}
	for _, id := range m.sortedNodeIDsLocked() {
		snap.Nodes = append(snap.Nodes, m.statusLocked(m.nodes[id]))
	}
	m.queue.Ascend(func(id cluster.BlockID, _ Priority) bool {
		snap.UnderReplicated = append(snap.UnderReplicated, QueuedBlock{m.blockStatusLocked(id, m.catalog[id])})
		return true
	})

	pendingIDs := make([]cluster.BlockID, 0, m.pending.len())
	for id := range m.pending.m {
		pendingIDs = append(pendingIDs, id)
	}
	slices.Sort(pendingIDs)
	for _, id := range pendingIDs {
		r, _ := m.pending.get(id)
		snap.Pending = append(snap.Pending, PendingCopy{
			Block: id, Expected: r.expected, Targets: r.targets, ScheduledAt: r.scheduledAt,
		})
	}

	snap.Excess = collectNodeBlocks(m.excess)
	snap.Invalidates = collectNodeBlocks(m.invalidates)
	return snap
}

func collectNodeBlocks(s *nodeBlockSets) []NodeBlocks {
	var out []NodeBlocks
	for _, n := range s.Nodes() {
		bs := s.Blocks(n)
		ids := make([]cluster.BlockID, len(bs))
		for i, b := range bs {
			ids[i] = b.ID
		}
		out = append(out, NodeBlocks{Node: n, Blocks: ids})
	}
	return out
}

// WriteTo renders the snapshot as a plain-text report.
func (s *MetaSnapshot) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	p := func(format string, args ...any) { fmt.Fprintf(&buf, format, args...) }

	p("Metadata snapshot taken %s\n", s.TakenAt.UTC().Format(time.RFC3339))
	p("%s blocks cataloged, %s indexed\n",
		humanize.Comma(int64(s.Stats.Blocks)), humanize.Comma(int64(s.Stats.IndexedBlocks)))
	p("Capacity %s, remaining %s\n",
		humanize.Bytes(uint64(max(s.Stats.CapacityBytes, 0))), humanize.Bytes(uint64(max(s.Stats.RemainingBytes, 0))))

	p("\nNodes: %d\n", len(s.Nodes))
	for _, n := range s.Nodes {
		p("  %s (%s) state=%s admin=%s blocks=%d remaining=%s last=%s\n",
			n.Info.ID, n.Info.Name, n.State, n.AdminState, n.Blocks,
			humanize.Bytes(uint64(max(n.Info.Capacity.Remaining, 0))),
			humanize.RelTime(n.LastUpdate, s.TakenAt, "ago", "from now"))
	}

	p("\nUnder-replicated blocks: %d (missing %d, below threshold %d)\n",
		len(s.UnderReplicated), s.Stats.MissingBlocks, s.Stats.BelowThreshold)
	for _, q := range s.UnderReplicated {
		prio := "-"
		if q.Priority != nil {
			prio = q.Priority.String()
		}
		p("  %s priority=%s target=%d live=%d decommissioned=%d corrupt=%d excess=%d",
			q.Block.ID, prio, q.Replication, q.Count.Live, q.Count.Decommissioned, q.Count.Corrupt, q.Count.Excess)
		for _, h := range q.Holders {
			p(" %s(%s)", h.Node, h.State)
		}
		p("\n")
	}

	p("\nPending replications: %d\n", len(s.Pending))
	for _, pc := range s.Pending {
		p("  %s expected=%d targets=%v scheduled=%s\n",
			pc.Block, pc.Expected, pc.Targets, humanize.RelTime(pc.ScheduledAt, s.TakenAt, "ago", "from now"))
	}

	writeNodeBlocks(p, "Excess replicas", s.Excess)
	writeNodeBlocks(p, "Pending deletions", s.Invalidates)

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

func writeNodeBlocks(p func(string, ...any), title string, sets []NodeBlocks) {
	total := 0
	for _, nb := range sets {
		total += len(nb.Blocks)
	}
	p("\n%s: %d\n", title, total)
	for _, nb := range sets {
		p("  %s:", nb.Node)
		for _, id := range nb.Blocks {
			p(" %s", id)
		}
		p("\n")
	}
}

// MetadataSnapshot renders a snapshot and writes it to the dump store under
// name. Rendering and writing happen after the lock is released.
func (m *Manager) MetadataSnapshot(name string) error {
	snap := m.Snapshot()
	var buf bytes.Buffer
	if _, err := snap.WriteTo(&buf); err != nil {
		return fmt.Errorf("render metadata snapshot: %w", err)
	}
	if err := m.cfg.Dumps.Put(name, buf.Bytes()); err != nil {
		return fmt.Errorf("write metadata snapshot %s: %w", name, err)
	}
	m.logger.Info().Str("name", name).Str("size", humanize.Bytes(uint64(buf.Len()))).
		Msg("metadata snapshot written")
	return nil
}

// Dumps returns the store metadata snapshots are written to.
func (m *Manager) Dumps() storage.Store {
	return m.cfg.Dumps
}

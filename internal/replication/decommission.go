package replication

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/replicad/internal/cluster"
)

// RefreshExcludedNodes replaces the exclude list. Each entry names a node
// by ID or by name. Nodes newly on the list start draining; nodes taken off
// it return to service. Excluded dead nodes keep their intent and start
// draining when they recover.
//
// If any entry names no known node, nothing is applied and an error
// wrapping ErrUnknownNode lists the unmatched entries.
func (m *Manager) RefreshExcludedNodes(names []string) error {
	type change struct {
		id     cluster.NodeID
		blocks []cluster.BlockID
		scan   uint64
	}

	m.mu.Lock()
	wanted := make(map[cluster.NodeID]struct{})
	exclude := make(map[string]struct{})
	var unknown []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		nd := m.lookupLocked(name)
		if nd == nil {
			unknown = append(unknown, name)
			continue
		}
		wanted[nd.info.ID] = struct{}{}
		exclude[name] = struct{}{}
	}
	if len(unknown) > 0 {
		m.mu.Unlock()
		slices.Sort(unknown)
		return fmt.Errorf("%w: %s", ErrUnknownNode, strings.Join(unknown, ", "))
	}
	m.exclude = exclude

	var changes []change
	for _, id := range m.sortedNodeIDsLocked() {
		nd := m.nodes[id]
		_, excluded := wanted[id]
		nd.excluded = excluded
		switch {
		case excluded && nd.state == NodeLive:
			if err := nd.transition(NodeDecommissioning); err != nil {
				m.logger.Error().Err(err).Msg("start decommission")
				continue
			}
			nd.resetDecommission()
			changes = append(changes, change{id: id, blocks: m.index.NodeBlocks(id), scan: nd.scanGen})
			m.logger.Info().Str("node", string(id)).Int("blocks", m.index.NumNodeBlocks(id)).
				Msg("decommission started")
		case !excluded && (nd.state == NodeDecommissioning || nd.state == NodeDecommissioned):
			if err := nd.transition(NodeLive); err != nil {
				m.logger.Error().Err(err).Msg("stop decommission")
				continue
			}
			nd.resetDecommission()
			m.watch.notifyNode(id, ErrDecommissionCancelled)
			changes = append(changes, change{id: id, blocks: m.index.NodeBlocks(id)})
			m.logger.Info().Str("node", string(id)).Msg("decommission stopped")
		}
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.afterStateChange(c.id, c.blocks, c.scan)
	}
	return nil
}

// ExcludedNodes returns the current exclude list, sorted.
func (m *Manager) ExcludedNodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.exclude))
	for name := range m.exclude {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// DecommissionProgress reports how far a node is through draining.
type DecommissionProgress struct {
	Node       cluster.NodeID    `json:"node"`
	State      NodeState         `json:"state"`
	AdminState AdminState        `json:"admin_state"`
	Scanned    bool              `json:"scanned"`
	Blocks     int               `json:"blocks"`
	Blocking   []cluster.BlockID `json:"blocking"`
}

// DecommissionStatus returns the draining progress of a node.
func (m *Manager) DecommissionStatus(id cluster.NodeID) (DecommissionProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nd, ok := m.nodes[id]
	if !ok {
		return DecommissionProgress{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	blocking := make([]cluster.BlockID, 0, len(nd.blocking))
	for bid := range nd.blocking {
		blocking = append(blocking, bid)
	}
	slices.Sort(blocking)
	return DecommissionProgress{
		Node:       id,
		State:      nd.state,
		AdminState: nd.adminState(),
		Scanned:    nd.scanned,
		Blocks:     m.index.NumNodeBlocks(id),
		Blocking:   blocking,
	}, nil
}

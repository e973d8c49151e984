// Package blocks implements the bidirectional block-to-node index.
// See doc.go for complete package documentation.
package blocks

import (
	"iter"

	"golang.org/x/exp/slices"

	"github.com/dreamware/replicad/internal/cluster"
)

// blockEntry is the index record for one block: the block identity as last
// reported and the holders in the order they were first recorded.
type blockEntry struct {
	block cluster.Block
	nodes []cluster.NodeID
}

// Map is the Block-to-Node Index. It records which nodes hold a replica of
// which block and keeps both directions consistent on every mutation.
//
// Architecture:
//
//	┌───────────────────────────────────────┐
//	│                 Map                   │
//	├───────────────────────────────────────┤
//	│  byBlock: blockID → {block, [nodes]}  │
//	│  byNode:  nodeID  → {blockIDs}        │
//	├───────────────────────────────────────┤
//	│  n ∈ byBlock[b].nodes ⇔ b ∈ byNode[n] │
//	└───────────────────────────────────────┘
//
// Concurrency Model:
// Map is not safe for concurrent use. Both directions are updated inside
// one method call, so a single external lock around the Map (held by the
// replication manager) makes each dual update atomic for all observers.
//
// Change notification:
// Every mutation that changes the holder set of a block invokes onChange
// with that block's ID before returning. This is the single place where
// node-to-block facts change, so it is the single place that triggers
// reclassification.
type Map struct {
	byBlock  map[cluster.BlockID]*blockEntry
	byNode   map[cluster.NodeID]map[cluster.BlockID]struct{}
	onChange func(cluster.BlockID)
}

// NewMap creates an empty index. onChange may be nil.
//
// Example:
//
//	m := NewMap(func(id cluster.BlockID) {
//	    manager.reclassify(id)
//	})
func NewMap(onChange func(cluster.BlockID)) *Map {
	return &Map{
		byBlock:  make(map[cluster.BlockID]*blockEntry),
		byNode:   make(map[cluster.NodeID]map[cluster.BlockID]struct{}),
		onChange: onChange,
	}
}

// AddNode records node as holding block. It is idempotent: adding an
// existing association returns false and does not notify. The stored block
// identity is refreshed when the report carries a newer generation stamp.
//
// Returns:
//   - true if the association is new
func (m *Map) AddNode(b cluster.Block, node cluster.NodeID) bool {
	e, ok := m.byBlock[b.ID]
	if !ok {
		e = &blockEntry{block: b}
		m.byBlock[b.ID] = e
	} else if b.GenStamp > e.block.GenStamp {
		e.block = b
	}

	if slices.Contains(e.nodes, node) {
		return false
	}
	e.nodes = append(e.nodes, node)

	set, ok := m.byNode[node]
	if !ok {
		set = make(map[cluster.BlockID]struct{})
		m.byNode[node] = set
	}
	set[b.ID] = struct{}{}

	m.notify(b.ID)
	return true
}

// RemoveNode deletes the association between block and node. When the
// block has no remaining holders its entry is pruned.
//
// Returns:
//   - true if the association existed
func (m *Map) RemoveNode(id cluster.BlockID, node cluster.NodeID) bool {
	e, ok := m.byBlock[id]
	if !ok {
		return false
	}
	idx := slices.Index(e.nodes, node)
	if idx < 0 {
		return false
	}
	e.nodes = slices.Delete(e.nodes, idx, idx+1)
	if len(e.nodes) == 0 {
		delete(m.byBlock, id)
	}

	if set, ok := m.byNode[node]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byNode, node)
		}
	}

	m.notify(id)
	return true
}

// RemoveAllForNode drops every association of node and returns the affected
// block IDs in ascending order. onChange fires once per block.
func (m *Map) RemoveAllForNode(node cluster.NodeID) []cluster.BlockID {
	ids := m.NodeBlocks(node)
	for _, id := range ids {
		m.RemoveNode(id, node)
	}
	return ids
}

// Nodes returns a lazy sequence over the current holders of a block. The
// sequence is finite and may be ranged over repeatedly; each pass observes
// the holder set as it is at that moment; no snapshot is taken. Callers
// that mutate the index while ranging must collect first.
//
// Example:
//
//	for node := range m.Nodes(id) {
//	    classify(node)
//	}
func (m *Map) Nodes(id cluster.BlockID) iter.Seq[cluster.NodeID] {
	return func(yield func(cluster.NodeID) bool) {
		e, ok := m.byBlock[id]
		if !ok {
			return
		}
		for i := 0; i < len(e.nodes); i++ {
			if !yield(e.nodes[i]) {
				return
			}
		}
	}
}

// NodeList returns a copy of the holders of a block.
func (m *Map) NodeList(id cluster.BlockID) []cluster.NodeID {
	e, ok := m.byBlock[id]
	if !ok {
		return nil
	}
	return slices.Clone(e.nodes)
}

// NodeBlocks returns the IDs of every block the node holds, ascending.
func (m *Map) NodeBlocks(node cluster.NodeID) []cluster.BlockID {
	set := m.byNode[node]
	if len(set) == 0 {
		return nil
	}
	ids := make([]cluster.BlockID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// NumNodeBlocks returns how many blocks the node holds.
func (m *Map) NumNodeBlocks(node cluster.NodeID) int {
	return len(m.byNode[node])
}

// Contains reports whether node is recorded as holding the block.
func (m *Map) Contains(id cluster.BlockID, node cluster.NodeID) bool {
	_, ok := m.byNode[node][id]
	return ok
}

// NumNodes returns the number of holders of a block.
func (m *Map) NumNodes(id cluster.BlockID) int {
	e, ok := m.byBlock[id]
	if !ok {
		return 0
	}
	return len(e.nodes)
}

// Block returns the stored identity of a block.
func (m *Map) Block(id cluster.BlockID) (cluster.Block, bool) {
	e, ok := m.byBlock[id]
	if !ok {
		return cluster.Block{}, false
	}
	return e.block, true
}

// Len returns the number of blocks with at least one holder.
func (m *Map) Len() int {
	return len(m.byBlock)
}

// BlockIDs returns every indexed block ID, ascending.
func (m *Map) BlockIDs() []cluster.BlockID {
	ids := make([]cluster.BlockID, 0, len(m.byBlock))
	for id := range m.byBlock {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Map) notify(id cluster.BlockID) {
	if m.onChange != nil {
		m.onChange(id)
	}
}

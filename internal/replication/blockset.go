package replication

import (
	"github.com/google/btree"
	"golang.org/x/exp/slices"

	"github.com/dreamware/replicad/internal/cluster"
)

func lessBlock(a, b cluster.Block) bool { return a.ID < b.ID }

// nodeBlockSets maps each node to an ordered set of blocks. It backs both
// the excess tracker (replicas chosen for removal, pending deletion
// confirmation) and the invalidate queue (replicas the node must be told to
// delete). Entries carry the full block identity so a delete command can be
// issued even after the block has left the index.
type nodeBlockSets struct {
	sets map[cluster.NodeID]*btree.BTreeG[cluster.Block]
}

func newNodeBlockSets() *nodeBlockSets {
	return &nodeBlockSets{sets: make(map[cluster.NodeID]*btree.BTreeG[cluster.Block])}
}

// Add reports whether the entry is new.
func (s *nodeBlockSets) Add(node cluster.NodeID, b cluster.Block) bool {
	t, ok := s.sets[node]
	if !ok {
		t = btree.NewG(btreeDegree, lessBlock)
		s.sets[node] = t
	}
	_, replaced := t.ReplaceOrInsert(b)
	return !replaced
}

func (s *nodeBlockSets) Remove(node cluster.NodeID, id cluster.BlockID) bool {
	t, ok := s.sets[node]
	if !ok {
		return false
	}
	_, removed := t.Delete(cluster.Block{ID: id})
	if t.Len() == 0 {
		delete(s.sets, node)
	}
	return removed
}

func (s *nodeBlockSets) Contains(node cluster.NodeID, id cluster.BlockID) bool {
	t, ok := s.sets[node]
	return ok && t.Has(cluster.Block{ID: id})
}

// RemoveNode drops every entry of node and returns the removed block IDs.
func (s *nodeBlockSets) RemoveNode(node cluster.NodeID) []cluster.BlockID {
	t, ok := s.sets[node]
	if !ok {
		return nil
	}
	delete(s.sets, node)
	ids := make([]cluster.BlockID, 0, t.Len())
	t.Ascend(func(b cluster.Block) bool {
		ids = append(ids, b.ID)
		return true
	})
	return ids
}

// Pull removes and returns up to limit of the node's lowest-ID entries.
// limit <= 0 drains the set.
func (s *nodeBlockSets) Pull(node cluster.NodeID, limit int) []cluster.Block {
	t, ok := s.sets[node]
	if !ok {
		return nil
	}
	var out []cluster.Block
	for limit <= 0 || len(out) < limit {
		b, ok := t.DeleteMin()
		if !ok {
			break
		}
		out = append(out, b)
	}
	if t.Len() == 0 {
		delete(s.sets, node)
	}
	return out
}

// Blocks returns the node's entries, ascending by ID.
func (s *nodeBlockSets) Blocks(node cluster.NodeID) []cluster.Block {
	t, ok := s.sets[node]
	if !ok {
		return nil
	}
	out := make([]cluster.Block, 0, t.Len())
	t.Ascend(func(b cluster.Block) bool {
		out = append(out, b)
		return true
	})
	return out
}

func (s *nodeBlockSets) Len(node cluster.NodeID) int {
	if t, ok := s.sets[node]; ok {
		return t.Len()
	}
	return 0
}

func (s *nodeBlockSets) Total() int {
	n := 0
	for _, t := range s.sets {
		n += t.Len()
	}
	return n
}

// Nodes returns the nodes with at least one entry, sorted.
func (s *nodeBlockSets) Nodes() []cluster.NodeID {
	out := make([]cluster.NodeID, 0, len(s.sets))
	for n := range s.sets {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

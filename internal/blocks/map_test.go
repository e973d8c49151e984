package blocks

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicad/internal/cluster"
)

func blk(id uint64) cluster.Block {
	return cluster.Block{ID: cluster.BlockID(id), GenStamp: 1000, NumBytes: 1}
}

func collect(m *Map, id cluster.BlockID) []cluster.NodeID {
	var out []cluster.NodeID
	for n := range m.Nodes(id) {
		out = append(out, n)
	}
	return out
}

// TestNewMap tests creation of an empty index
func TestNewMap(t *testing.T) {
	m := NewMap(nil)
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.BlockIDs())
	assert.Empty(t, collect(m, 1))
}

// TestAddNode tests recording replicas
func TestAddNode(t *testing.T) {
	t.Run("records both directions", func(t *testing.T) {
		m := NewMap(nil)

		assert.True(t, m.AddNode(blk(1), "dn1"))
		assert.True(t, m.AddNode(blk(1), "dn2"))
		assert.True(t, m.AddNode(blk(2), "dn1"))

		assert.Equal(t, []cluster.NodeID{"dn1", "dn2"}, collect(m, 1))
		assert.Equal(t, []cluster.BlockID{1, 2}, m.NodeBlocks("dn1"))
		assert.Equal(t, []cluster.BlockID{1}, m.NodeBlocks("dn2"))
		assert.True(t, m.Contains(1, "dn2"))
		assert.False(t, m.Contains(2, "dn2"))
		assert.Equal(t, 2, m.Len())
	})

	t.Run("idempotent", func(t *testing.T) {
		calls := 0
		m := NewMap(func(cluster.BlockID) { calls++ })

		assert.True(t, m.AddNode(blk(1), "dn1"))
		assert.False(t, m.AddNode(blk(1), "dn1"))

		assert.Equal(t, 1, m.NumNodes(1))
		assert.Equal(t, 1, calls, "duplicate add must not notify")
	})

	t.Run("newer generation stamp replaces stored identity", func(t *testing.T) {
		m := NewMap(nil)
		m.AddNode(cluster.Block{ID: 5, GenStamp: 1, NumBytes: 10}, "dn1")
		m.AddNode(cluster.Block{ID: 5, GenStamp: 2, NumBytes: 20}, "dn2")
		m.AddNode(cluster.Block{ID: 5, GenStamp: 1, NumBytes: 10}, "dn3")

		b, ok := m.Block(5)
		require.True(t, ok)
		assert.Equal(t, uint64(2), b.GenStamp)
		assert.Equal(t, int64(20), b.NumBytes)
	})
}

// TestRemoveNode tests removing replicas and pruning of empty entries
func TestRemoveNode(t *testing.T) {
	m := NewMap(nil)
	m.AddNode(blk(1), "dn1")
	m.AddNode(blk(1), "dn2")

	assert.True(t, m.RemoveNode(1, "dn1"))
	assert.False(t, m.RemoveNode(1, "dn1"), "second removal is a no-op")
	assert.Equal(t, []cluster.NodeID{"dn2"}, collect(m, 1))
	assert.Empty(t, m.NodeBlocks("dn1"))

	assert.True(t, m.RemoveNode(1, "dn2"))
	assert.Equal(t, 0, m.Len(), "block entry pruned when last holder leaves")
	_, ok := m.Block(1)
	assert.False(t, ok)

	assert.False(t, m.RemoveNode(99, "dn1"), "unknown block")
}

// TestRemoveAllForNode tests dropping a node from every block
func TestRemoveAllForNode(t *testing.T) {
	var changed []cluster.BlockID
	m := NewMap(func(id cluster.BlockID) { changed = append(changed, id) })
	for i := uint64(1); i <= 3; i++ {
		m.AddNode(blk(i), "dn1")
		m.AddNode(blk(i), "dn2")
	}
	changed = nil

	ids := m.RemoveAllForNode("dn1")

	assert.Equal(t, []cluster.BlockID{1, 2, 3}, ids)
	assert.Equal(t, []cluster.BlockID{1, 2, 3}, changed)
	assert.Equal(t, 0, m.NumNodeBlocks("dn1"))
	for i := uint64(1); i <= 3; i++ {
		assert.Equal(t, []cluster.NodeID{"dn2"}, m.NodeList(cluster.BlockID(i)))
	}
}

// TestNodesSequence tests that the holder sequence is lazy and restartable
func TestNodesSequence(t *testing.T) {
	m := NewMap(nil)
	m.AddNode(blk(1), "dn1")
	m.AddNode(blk(1), "dn2")
	m.AddNode(blk(1), "dn3")

	seq := m.Nodes(1)

	var first []cluster.NodeID
	for n := range seq {
		first = append(first, n)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []cluster.NodeID{"dn1", "dn2"}, first)

	// The same sequence reflects later mutations on the next pass.
	m.RemoveNode(1, "dn2")
	var second []cluster.NodeID
	for n := range seq {
		second = append(second, n)
	}
	assert.Equal(t, []cluster.NodeID{"dn1", "dn3"}, second)
}

// TestOnChange tests that every holder-set mutation notifies exactly once
func TestOnChange(t *testing.T) {
	counts := map[cluster.BlockID]int{}
	m := NewMap(func(id cluster.BlockID) { counts[id]++ })

	m.AddNode(blk(1), "dn1")
	m.AddNode(blk(1), "dn2")
	m.RemoveNode(1, "dn1")
	m.RemoveNode(1, "dn9")

	assert.Equal(t, 3, counts[1])
}

// TestBidirectionalConsistency tests the index invariant across many mutations
func TestBidirectionalConsistency(t *testing.T) {
	m := NewMap(nil)
	for i := 0; i < 200; i++ {
		node := cluster.NodeID(fmt.Sprintf("dn%d", i%7))
		id := uint64(i % 23)
		if i%3 == 0 {
			m.RemoveNode(cluster.BlockID(id), node)
		} else {
			m.AddNode(blk(id), node)
		}
	}

	for _, id := range m.BlockIDs() {
		holders := m.NodeList(id)
		require.NotEmpty(t, holders, "pruned entries must not be listed")
		seen := map[cluster.NodeID]bool{}
		for _, n := range holders {
			assert.False(t, seen[n], "node listed twice for %s", id)
			seen[n] = true
			assert.Contains(t, m.NodeBlocks(n), id)
		}
	}
	for i := 0; i < 7; i++ {
		node := cluster.NodeID(fmt.Sprintf("dn%d", i))
		for _, id := range m.NodeBlocks(node) {
			assert.Contains(t, m.NodeList(id), node)
		}
	}
}

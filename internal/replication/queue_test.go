package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicad/internal/cluster"
)

// TestUnderReplicatedQueue tests bucket membership and service order
func TestUnderReplicatedQueue(t *testing.T) {
	t.Run("pop serves most urgent then lowest id", func(t *testing.T) {
		q := newUnderReplicatedQueue()
		q.Update(7, PriorityUnderReplicated)
		q.Update(3, PriorityBelowThreshold)
		q.Update(9, PriorityMissing)
		q.Update(1, PriorityBelowThreshold)

		var order []cluster.BlockID
		for {
			id, _, ok := q.Pop()
			if !ok {
				break
			}
			order = append(order, id)
		}
		assert.Equal(t, []cluster.BlockID{9, 1, 3, 7}, order)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("update moves between buckets", func(t *testing.T) {
		q := newUnderReplicatedQueue()
		assert.True(t, q.Update(1, PriorityUnderReplicated))
		assert.False(t, q.Update(1, PriorityUnderReplicated))
		assert.True(t, q.Update(1, PriorityMissing))

		p, ok := q.PriorityOf(1)
		require.True(t, ok)
		assert.Equal(t, PriorityMissing, p)
		assert.Equal(t, 1, q.LenAt(PriorityMissing))
		assert.Equal(t, 0, q.LenAt(PriorityUnderReplicated))
		assert.Equal(t, 1, q.Len())
	})

	t.Run("remove", func(t *testing.T) {
		q := newUnderReplicatedQueue()
		q.Update(1, PriorityBelowThreshold)
		assert.True(t, q.Remove(1))
		assert.False(t, q.Remove(1))
		assert.False(t, q.Contains(1))
		assert.Equal(t, 0, q.LenAt(PriorityBelowThreshold))
	})

	t.Run("ascend stops early", func(t *testing.T) {
		q := newUnderReplicatedQueue()
		for i := 1; i <= 5; i++ {
			q.Update(cluster.BlockID(i), Priority(i%int(numPriorities)))
		}
		var seen []cluster.BlockID
		q.Ascend(func(id cluster.BlockID, _ Priority) bool {
			seen = append(seen, id)
			return len(seen) < 3
		})
		assert.Equal(t, []cluster.BlockID{3, 1, 4}, seen)
	})
}

// TestNodeBlockSets tests the per-node ordered block sets
func TestNodeBlockSets(t *testing.T) {
	s := newNodeBlockSets()
	assert.True(t, s.Add("dn1", cluster.Block{ID: 5}))
	assert.False(t, s.Add("dn1", cluster.Block{ID: 5, GenStamp: 2}))
	s.Add("dn1", cluster.Block{ID: 2})
	s.Add("dn1", cluster.Block{ID: 9})
	s.Add("dn2", cluster.Block{ID: 1})

	assert.Equal(t, 4, s.Total())
	assert.Equal(t, []cluster.NodeID{"dn1", "dn2"}, s.Nodes())
	assert.True(t, s.Contains("dn1", 5))

	pulled := s.Pull("dn1", 2)
	require.Len(t, pulled, 2)
	assert.Equal(t, cluster.BlockID(2), pulled[0].ID)
	assert.Equal(t, cluster.BlockID(5), pulled[1].ID)
	assert.Equal(t, uint64(2), pulled[1].GenStamp, "replaced entry carries the latest identity")
	assert.Equal(t, 1, s.Len("dn1"))

	assert.Equal(t, []cluster.BlockID{9}, s.RemoveNode("dn1"))
	assert.Equal(t, 0, s.Len("dn1"))
	assert.True(t, s.Remove("dn2", 1))
	assert.Empty(t, s.Nodes())
}

// TestPendingRepairs tests confirmation and expiry of in-flight copies
func TestPendingRepairs(t *testing.T) {
	now := time.Unix(1000, 0)

	t.Run("targeted copies confirm only from targets", func(t *testing.T) {
		p := newPendingRepairs()
		p.add(1, []cluster.NodeID{"dn4", "dn5"}, 2, now)
		assert.Equal(t, 2, p.count(1))

		assert.False(t, p.confirm(1, "dn9"))
		assert.True(t, p.confirm(1, "dn4"))
		assert.Equal(t, 1, p.count(1))
		assert.True(t, p.isTarget(1, "dn5"))
		assert.True(t, p.confirm(1, "dn5"))
		assert.Equal(t, 0, p.count(1))
		assert.Equal(t, 0, p.len())
	})

	t.Run("untargeted copies confirm from any node", func(t *testing.T) {
		p := newPendingRepairs()
		p.add(1, nil, 2, now)
		assert.True(t, p.confirm(1, "dn7"))
		assert.True(t, p.confirm(1, "dn8"))
		assert.False(t, p.confirm(1, "dn9"))
	})

	t.Run("drop target", func(t *testing.T) {
		p := newPendingRepairs()
		p.add(1, []cluster.NodeID{"dn4"}, 1, now)
		p.add(2, []cluster.NodeID{"dn4", "dn5"}, 2, now)
		assert.Equal(t, []cluster.BlockID{1, 2}, p.dropTarget("dn4"))
		assert.Equal(t, 0, p.count(1))
		assert.Equal(t, 1, p.count(2))
	})

	t.Run("expiry", func(t *testing.T) {
		p := newPendingRepairs()
		p.add(2, nil, 1, now)
		p.add(1, nil, 1, now.Add(time.Minute))
		assert.Empty(t, p.expired(now.Add(time.Minute), time.Minute))
		assert.Equal(t, []cluster.BlockID{2}, p.expired(now.Add(61*time.Second), time.Minute))
		assert.Equal(t, []cluster.BlockID{1, 2}, p.expired(now.Add(3*time.Minute), time.Minute))
	})
}

package replication

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/storage"
)

// TestStats tests the summary counters
func TestStats(t *testing.T) {
	f := newFixture(t)
	f.register("dn1", "dn2", "dn3", "dn4")
	f.place(1, 3, "dn1", "dn2", "dn3")
	f.place(2, 2, "dn1")
	require.NoError(t, f.m.AddBlock(cluster.Block{ID: 3}, 1))
	_, err := f.m.SetReplicationFactor(1, 2)
	require.NoError(t, err)
	require.NoError(t, f.m.RefreshExcludedNodes([]string{"dn4"}))

	s := f.m.Stats()
	assert.Equal(t, 3, s.LiveNodes)
	assert.Equal(t, 1, s.DecommissionedNodes)
	assert.Equal(t, 3, s.Blocks)
	assert.Equal(t, 2, s.IndexedBlocks)
	assert.Equal(t, 2, s.UnderReplicated)
	assert.Equal(t, 1, s.MissingBlocks)
	assert.Equal(t, 1, s.BelowThreshold)
	assert.Equal(t, 1, s.ExcessReplicas)
	assert.Equal(t, 1, s.PendingDeletions)
	assert.Equal(t, uint64(1), s.ExcessChosen)
	assert.Equal(t, 3*100*gib, s.CapacityBytes)
}

// TestMetadataSnapshot tests the rendered dump and its destination
func TestMetadataSnapshot(t *testing.T) {
	store := storage.NewMemoryStore()
	f := newFixture(t, func(c *Config) { c.Dumps = store })
	f.register("dn1", "dn2", "dn3")
	f.place(1, 3, "dn1")
	f.place(2, 1, "dn1", "dn2")
	f.m.NextUnderReplicatedBlock()
	require.NoError(t, f.m.AddBlock(cluster.Block{ID: 9}, 2))

	require.NoError(t, f.m.MetadataSnapshot("meta.txt"))

	data, err := store.Get("meta.txt")
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "Nodes: 3")
	assert.Contains(t, out, "dn1 (dn1.example) state=live")
	assert.Contains(t, out, "Under-replicated blocks: 1 (missing 1, below threshold 0)")
	assert.Contains(t, out, "blk_9 priority=missing target=2 live=0")
	assert.Contains(t, out, "Pending replications: 1")
	assert.Contains(t, out, "blk_1 expected=2")
	assert.Contains(t, out, "Excess replicas: 1")
	assert.Contains(t, out, "Pending deletions: 1")
	assert.True(t, strings.HasPrefix(out, "Metadata snapshot taken "))

	assert.ErrorIs(t, f.m.MetadataSnapshot("../escape"), storage.ErrInvalidName)
}

// TestSnapshotStructure tests the structured copy behind the dump
func TestSnapshotStructure(t *testing.T) {
	f := newFixture(t)
	f.register("dn1", "dn2")
	f.place(1, 2, "dn1")

	snap := f.m.Snapshot()
	require.Len(t, snap.Nodes, 2)
	require.Len(t, snap.UnderReplicated, 1)
	q := snap.UnderReplicated[0]
	assert.Equal(t, cluster.BlockID(1), q.Block.ID)
	require.NotNil(t, q.Priority)
	assert.Equal(t, PriorityBelowThreshold, *q.Priority)
	assert.Equal(t, []HolderState{{Node: "dn1", State: "live"}}, q.Holders)
	assert.Equal(t, f.clk.Now(), snap.TakenAt)
}

type failingStore struct{ storage.Store }

func (failingStore) Put(string, []byte) error { return errors.New("disk full") }

// TestMetadataSnapshotWriteError tests that store failures are returned
func TestMetadataSnapshotWriteError(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Dumps = failingStore{} })
	err := f.m.MetadataSnapshot("meta.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

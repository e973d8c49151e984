package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/replication"
)

func newTestManager(t *testing.T, mock *clock.Mock, nodes ...cluster.NodeID) *replication.Manager {
	t.Helper()
	mgr := replication.NewManager(replication.Config{
		Clock:                     mock,
		DeadNodeTimeout:           time.Minute,
		PendingReplicationTimeout: time.Minute,
	})
	for _, id := range nodes {
		_, err := mgr.Register(cluster.NodeInfo{ID: id, Name: string(id)})
		require.NoError(t, err)
	}
	return mgr
}

// TestReplicationMonitorTick verifies that scheduled work becomes commands for the source
func TestReplicationMonitorTick(t *testing.T) {
	mock := clock.NewMock()
	mgr := newTestManager(t, mock, "dn1", "dn2", "dn3")
	require.NoError(t, mgr.AddBlock(cluster.Block{ID: 1}, 3))
	mgr.BlockReceived("dn1", cluster.Block{ID: 1})

	commands := NewCommandQueue()
	monitor := NewReplicationMonitor(mgr, commands, mock, time.Second, 10, zerolog.Nop())

	var ticks [][2]int
	monitor.SetOnTick(func(scheduled, timedOut int) { ticks = append(ticks, [2]int{scheduled, timedOut}) })

	work := monitor.Tick()
	require.Len(t, work, 1)
	assert.Equal(t, cluster.NodeID("dn1"), work[0].Source.ID)

	cmds := commands.Drain("dn1")
	require.Len(t, cmds, 1)
	assert.Equal(t, cluster.CommandReplicate, cmds[0].Type)
	assert.Equal(t, []cluster.Block{{ID: 1}}, cmds[0].Blocks)
	require.Len(t, cmds[0].Targets, 2)
	assert.Equal(t, cluster.NodeID("dn2"), cmds[0].Targets[0].ID)
	assert.Equal(t, cluster.NodeID("dn3"), cmds[0].Targets[1].ID)
	assert.Equal(t, 0, mgr.QueueLen(), "scheduled copies leave the queue")

	// Nothing new to schedule while the copies are pending
	assert.Empty(t, monitor.Tick())

	// Unconfirmed copies time out and are scheduled again
	mock.Add(2 * time.Minute)
	for _, id := range []cluster.NodeID{"dn1", "dn2", "dn3"} {
		mgr.ProcessHeartbeat(cluster.HeartbeatRequest{NodeID: id})
	}
	assert.Len(t, monitor.Tick(), 1)
	assert.Equal(t, [][2]int{{1, 0}, {0, 0}, {1, 1}}, ticks)
}

// TestReplicationMonitorStart verifies that ticks follow the clock
func TestReplicationMonitorStart(t *testing.T) {
	mock := clock.NewMock()
	mgr := newTestManager(t, mock, "dn1", "dn2")
	require.NoError(t, mgr.AddBlock(cluster.Block{ID: 7}, 2))
	mgr.BlockReceived("dn1", cluster.Block{ID: 7})

	commands := NewCommandQueue()
	monitor := NewReplicationMonitor(mgr, commands, mock, time.Second, 10, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx)
	defer monitor.Stop()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return commands.Len("dn1") == 1
	}, time.Second, 5*time.Millisecond)
}

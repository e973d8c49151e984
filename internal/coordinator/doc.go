// Package coordinator implements the background drivers that keep the
// replication state moving: the liveness sweep, the replication scheduler,
// the per-node command queue and the exclude-file watcher.
//
// # Overview
//
// The replication manager (internal/replication) is a passive state
// machine: it changes only when something calls into it. The coordinator
// package supplies the periodic callers and the hand-off of work to storage
// nodes, so that the HTTP layer stays a thin translation of requests.
//
// # Architecture
//
//	┌────────────────────┐   HeartbeatCheck()
//	│  HealthMonitor     │ ─────────────────────┐
//	└────────────────────┘                      ▼
//	┌────────────────────┐  Schedule   ┌─────────────────┐
//	│ ReplicationMonitor │ ──────────▶ │  replication.   │
//	└─────────┬──────────┘             │  Manager        │
//	          │ replicate              └─────────────────┘
//	          ▼                                 ▲
//	┌────────────────────┐                      │ RefreshExcludedNodes()
//	│  CommandQueue      │             ┌────────┴────────┐
//	│  node → []Command  │             │ ExcludeWatcher  │
//	└─────────┬──────────┘             │ (fsnotify)      │
//	          │                        └─────────────────┘
//	          ▼
//	  heartbeat responses
//
// # Core Components
//
// HealthMonitor: Liveness sweep
//   - Calls HeartbeatCheck every heartbeat recheck interval
//   - Returns only after every block on a dead node was reclassified
//   - Reports dead nodes through SetOnDead so their queued commands can be dropped
//
// ReplicationMonitor: Repair scheduling
//   - Requeues pending copies that were never confirmed
//   - Asks the manager for up to N blocks of work per tick
//   - Queues one replicate command per block on the chosen source
//
// CommandQueue: Hand-off to storage nodes
//   - Per-node FIFO of cluster.Command
//   - Drained into the node's next heartbeat response
//   - Filled outside the manager's lock
//
// ExcludeWatcher: Decommission intent
//   - Parses the exclude file (one name per line, '#' comments)
//   - Watches the file's directory with fsnotify
//   - Retries rejected lists with exponential backoff
//
// # Time
//
// Every component takes a clock.Clock. Production code passes clock.New();
// tests pass clock.NewMock() and advance it explicitly. Each driver also
// exposes its loop body (Sweep, Tick, Reload) so tests can run one round
// synchronously.
//
// # Lifecycle
//
// The drivers follow the same shape:
//
//	monitor := coordinator.NewHealthMonitor(mgr, clk, recheck, logger)
//	go monitor.Start(ctx)  // blocks until ctx or Stop cancels
//	...
//	monitor.Stop()         // cancels and waits
//
// ExcludeWatcher.Run instead returns an error, which makes it suitable for
// an errgroup.
//
// # See Also
//
//   - internal/replication: The state machine driven by this package
//   - internal/cluster: Command and request types
//   - cmd/coordinator: Wiring and the HTTP API
package coordinator

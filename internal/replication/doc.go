// Package replication implements the block replication state manager: the
// control-plane component that knows where every block replica lives,
// decides which replicas are live, surplus or corrupt, and keeps the work
// queues that restore each block to its target replication.
//
// # Overview
//
// Storage nodes heartbeat and report the replicas they receive and delete.
// The Manager folds those events into one consistent picture:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                        Manager                           │
//	├──────────────────────────────────────────────────────────┤
//	│  catalog        blockID → {block, target}                │
//	│  index          blockID ⇄ nodeIDs      (blocks.Map)      │
//	│  nodes          nodeID  → {state, lastUpdate, capacity}  │
//	├──────────────────────────────────────────────────────────┤
//	│  queue          under-replicated blocks by priority      │
//	│  excess         nodeID → replicas chosen for removal     │
//	│  invalidates    nodeID → replicas to delete              │
//	│  corrupt        blockID → nodes with bad replicas        │
//	│  pending        blockID → copies in flight               │
//	└──────────────────────────────────────────────────────────┘
//
// Everything below the line is derived. It is recomputed for a block each
// time any input to that block's classification changes, inside the same
// critical section as the change.
//
// # Classification
//
// CountNodes assigns each holder of a block to exactly one category, using
// the first matching rule:
//
//  1. the replica is in the corrupt set: corrupt
//  2. the node is draining or drained: decommissioned
//  3. the node is dead: not counted
//  4. the replica is in the excess tracker: excess
//  5. otherwise: live
//
// A block needs more replicas when live < target. It has too many when
// live + decommissioned > target; the surplus is taken from live replicas,
// oldest heartbeat first, and each chosen replica is marked excess and
// queued for deletion. Excess marks are cleared only by a deletion report
// or by the node dying.
//
// # Priorities
//
// Replicas on draining nodes count toward urgency even though they are not
// live, since they can still be copied:
//
//	readable = live + decommissioning
//	readable == 0                       → PriorityMissing
//	readable == 1 || readable*3 < target → PriorityBelowThreshold
//	otherwise                           → PriorityUnderReplicated
//
// A block is queued while live < target and live + pending < target.
//
// # Node States
//
//	            heartbeat timeout
//	  Live ───────────────────────────► Dead
//	   │  ▲ ◄─────────────────────────── │
//	   │  │        heartbeat             │ heartbeat (excluded)
//	   │  │ removed from                 ▼
//	   │  └─ exclude list ─── Decommissioning ──► Decommissioned
//	   └──── added to ──────────►   │  all blocks         │
//	         exclude list           │  replicated         │
//	                                └──► Dead ◄───────────┘
//
// A draining node completes once every block it held at the start has
// target live replicas elsewhere. Its blocking set lists the blocks that
// still prevent completion.
//
// # Concurrency
//
// One sync.RWMutex guards all state. Queries take the read lock; every
// mutation takes the write lock. Work proportional to a node's block count
// (death, recovery, start of draining) is split into batches of
// ReclassifyBatchSize blocks with the lock released between batches, so
// heartbeats and reports are never starved. HeartbeatCheck returns only
// after all of its batches have been applied.
//
// Waiters (WaitForBlock, WaitForDecommission) register a one-slot channel
// under the lock; notification is a non-blocking send from inside the
// reclassification path.
//
// # Logging
//
// State changes that an operator would want to see (node death and
// recovery, excess selection, decommission start and completion) are
// logged at info or warn through the zerolog.Logger in Config. Stale
// reports are logged at debug.
package replication

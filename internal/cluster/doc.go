// Package cluster provides the identity and wire types shared by the
// replicad control plane and the storage nodes that report to it, plus the
// small JSON-over-HTTP helpers both sides use.
//
// # Overview
//
// Storage nodes never talk to each other through the control plane. They
// push three kinds of messages to it and pull work back:
//
//	┌──────────────┐  register / heartbeat   ┌──────────────────┐
//	│ storage node │ ──────────────────────► │   coordinator    │
//	│              │  block reports          │                  │
//	│              │ ──────────────────────► │  replication     │
//	│              │ ◄────────────────────── │  state manager   │
//	└──────────────┘  commands (heartbeat    └──────────────────┘
//	                  response)
//
// # Core Types
//
// NodeID: storage identity of a node; assigned at registration when the node
// does not bring one.
//
// Block: block ID, generation stamp and length. The ID alone identifies the
// block; the generation stamp orders versions so that a replica reported with
// an older stamp can be recognised as stale.
//
// Command: replicate or invalidate instructions. They are queued by the
// coordinator and delivered in the next heartbeat response, so the control
// plane never dials a storage node.
//
// # Communication Protocol
//
// Registration (POST /nodes/register):
//   - Node announces its name and optional storage ID
//   - Response returns the (possibly newly assigned) identity
//
// Heartbeat (POST /nodes/heartbeat):
//   - Carries capacity statistics and the agent timestamp
//   - Response carries pending commands
//
// Block reports (POST /nodes/{id}/blocks/...):
//   - Full reports list every replica
//   - Incremental reports list replicas received and deleted
//
// # Failure Handling
//
// Requests time out after 5 seconds. PostJSONWithRetry wraps PostJSON with
// exponential backoff for callers that need at-least-once delivery; client
// errors (4xx) are treated as permanent and returned immediately.
//
// # See Also
//
//   - internal/replication: consumes these types to maintain replica state
//   - internal/coordinator: queues Commands for delivery
package cluster

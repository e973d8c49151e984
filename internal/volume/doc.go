// Package volume stores the block replicas held by one storage node.
//
// # Overview
//
// A Volume is the node-side counterpart of the control plane's block index:
// it is what a storage node reports in its block reports and what copy and
// delete commands act on. Replica bytes live in a storage.Store, so a volume
// is either in memory (tests, throwaway nodes) or backed by a directory that
// survives restarts.
//
// # Layout
//
//	┌──────────────────────────────┐
//	│           Volume             │
//	│  blocks: id → Block          │    blk_7_1001
//	│  used / capacity             │ ─▶ blk_9_1004   storage.Store
//	│  op counters (atomic)        │    blk_12_1002
//	└──────────────────────────────┘
//
// Each replica is stored under blk_<id>_<genstamp>. Open rebuilds the block
// table from those names and keeps only the newest generation of each block.
//
// # Generations
//
// Put accepts a replica whose generation stamp is equal to or newer than the
// one held and replaces it. An older generation is rejected with
// ErrStaleGenStamp; the caller keeps the newer copy.
//
// # Capacity
//
// A volume opened with a positive capacity rejects writes that would exceed
// it with ErrNoSpace. Capacity() returns the numbers a node sends in its
// heartbeats.
//
// # Example
//
//	vol, err := volume.Open(storage.NewMemoryStore(), 10<<30)
//	if err != nil {
//	    return err
//	}
//	b, err := vol.Put(cluster.Block{ID: 7, GenStamp: 1001}, data)
//	...
//	report := cluster.BlockReport{Blocks: vol.Blocks()}
package volume

// Package storage provides the flat named stores that metadata dumps and
// node-side replica data are written to.
//
// # Overview
//
// The replication manager can render its complete state (nodes, the
// under-replicated queue, in-flight repairs, excess replicas and pending
// deletions) as a human-readable dump. Where that dump ends up is a
// deployment decision, so the manager writes through the Store interface
// and the server picks an implementation at startup:
//
//	┌──────────────────────────┐
//	│   replication.Manager    │
//	│   MetadataSnapshot(name) │
//	└────────────┬─────────────┘
//	             │ Put(name, data)
//	             ▼
//	┌──────────────────────────┐
//	│      storage.Store       │
//	└────────────┬─────────────┘
//	      ┌──────┴──────┐
//	      ▼             ▼
//	┌──────────┐  ┌──────────┐
//	│ Memory   │  │ Dir      │
//	│ Store    │  │ Store    │
//	└──────────┘  └──────────┘
//
// Storage node agents use the same interface for replica bytes through
// internal/volume, with one entry per replica.
//
// # Implementations
//
// MemoryStore keeps dumps in a map guarded by a sync.RWMutex. It is used
// in tests and whenever no dump directory is configured. Get returns a
// copy so callers can't mutate stored dumps.
//
// DirStore keeps one file per dump inside a directory. Put writes a
// hidden temporary file and renames it over the target, so readers see
// either the previous dump or the new one and never a partial write.
// Hidden files are ignored by List and Stats.
//
// # Names
//
// Dump names are a single path element. ValidName rejects empty names,
// "." and "..", and anything containing a path separator, which keeps a
// name supplied over HTTP from escaping the dump directory.
//
// # Errors
//
//   - ErrNotFound: Get on a name that was never stored
//   - ErrInvalidName: a name rejected by ValidName
//
// Both are wrapped with the offending name; test with errors.Is.
//
// # Example
//
//	store, err := storage.NewDirStore("/var/lib/replicad/metasave")
//	if err != nil {
//	    return err
//	}
//	mgr := replication.NewManager(replication.Config{Dumps: store})
//	if err := mgr.MetadataSnapshot("meta-1.txt"); err != nil {
//	    return err
//	}
package storage

package volume

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/storage"
)

// ErrNotFound is returned for blocks the volume doesn't hold
var ErrNotFound = errors.New("replica not found")

// ErrStaleGenStamp is returned when a write carries an older generation
// than the replica already stored
var ErrStaleGenStamp = errors.New("stale generation stamp")

// ErrNoSpace is returned when a write would exceed the configured capacity
var ErrNoSpace = errors.New("volume full")

// Volume holds the block replicas of one storage node.
// Replica data lives in a storage.Store, one entry per replica named
// blk_<id>_<genstamp>; the block table is rebuilt from those names on Open.
type Volume struct {
	store    storage.Store
	capacity int64 // 0 means unlimited

	mu     sync.RWMutex
	blocks map[cluster.BlockID]cluster.Block
	used   int64

	ops OperationStats
}

// OperationStats counts replica operations
type OperationStats struct {
	Reads   uint64 `json:"reads"`
	Writes  uint64 `json:"writes"`
	Deletes uint64 `json:"deletes"`
}

// Stats is a point-in-time view of the volume
type Stats struct {
	Ops      OperationStats   `json:"operations"`
	Blocks   int              `json:"blocks"`
	Capacity cluster.Capacity `json:"capacity"`
}

// Open loads the replicas already present in store. Entries whose names
// don't parse as replicas are ignored; when two generations of a block are
// present the older one is removed.
func Open(store storage.Store, capacity int64) (*Volume, error) {
	v := &Volume{
		store:    store,
		capacity: capacity,
		blocks:   make(map[cluster.BlockID]cluster.Block),
	}
	names, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("list replicas: %w", err)
	}
	for _, name := range names {
		id, gs, ok := parseName(name)
		if !ok {
			continue
		}
		data, err := store.Get(name)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		b := cluster.Block{ID: id, GenStamp: gs, NumBytes: int64(len(data))}
		if prev, ok := v.blocks[id]; ok {
			if prev.GenStamp >= gs {
				_ = store.Delete(name)
				continue
			}
			_ = store.Delete(fileName(prev))
			v.used -= prev.NumBytes
		}
		v.blocks[id] = b
		v.used += b.NumBytes
	}
	return v, nil
}

func fileName(b cluster.Block) string {
	return fmt.Sprintf("blk_%d_%d", b.ID, b.GenStamp)
}

func parseName(name string) (cluster.BlockID, uint64, bool) {
	rest, ok := strings.CutPrefix(name, "blk_")
	if !ok {
		return 0, 0, false
	}
	idPart, gsPart, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, 0, false
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	gs, err := strconv.ParseUint(gsPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return cluster.BlockID(id), gs, true
}

// Put stores a replica. NumBytes is taken from data. A newer generation
// replaces the stored one; an older one is rejected with ErrStaleGenStamp.
func (v *Volume) Put(b cluster.Block, data []byte) (cluster.Block, error) {
	atomic.AddUint64(&v.ops.Writes, 1)
	b.NumBytes = int64(len(data))

	v.mu.Lock()
	defer v.mu.Unlock()

	prev, had := v.blocks[b.ID]
	if had && b.GenStamp < prev.GenStamp {
		return prev, fmt.Errorf("%w: %s has %d, got %d", ErrStaleGenStamp, b.ID, prev.GenStamp, b.GenStamp)
	}
	used := v.used + b.NumBytes
	if had {
		used -= prev.NumBytes
	}
	if v.capacity > 0 && used > v.capacity {
		return cluster.Block{}, fmt.Errorf("%w: %s needs %d bytes", ErrNoSpace, b.ID, b.NumBytes)
	}
	if err := v.store.Put(fileName(b), data); err != nil {
		return cluster.Block{}, err
	}
	if had && prev.GenStamp != b.GenStamp {
		_ = v.store.Delete(fileName(prev))
	}
	v.blocks[b.ID] = b
	v.used = used
	return b, nil
}

// Get returns a replica and its data
func (v *Volume) Get(id cluster.BlockID) (cluster.Block, []byte, error) {
	atomic.AddUint64(&v.ops.Reads, 1)

	v.mu.RLock()
	b, ok := v.blocks[id]
	v.mu.RUnlock()
	if !ok {
		return cluster.Block{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	data, err := v.store.Get(fileName(b))
	if errors.Is(err, storage.ErrNotFound) {
		return cluster.Block{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return b, data, err
}

// Delete removes a replica. It reports whether the volume held it.
func (v *Volume) Delete(id cluster.BlockID) (bool, error) {
	atomic.AddUint64(&v.ops.Deletes, 1)

	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.blocks[id]
	if !ok {
		return false, nil
	}
	if err := v.store.Delete(fileName(b)); err != nil {
		return false, err
	}
	delete(v.blocks, id)
	v.used -= b.NumBytes
	return true, nil
}

// Has reports whether the volume holds a replica of id
func (v *Volume) Has(id cluster.BlockID) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.blocks[id]
	return ok
}

// Blocks returns every held replica ordered by block ID
func (v *Volume) Blocks() []cluster.Block {
	v.mu.RLock()
	out := make([]cluster.Block, 0, len(v.blocks))
	for _, b := range v.blocks {
		out = append(out, b)
	}
	v.mu.RUnlock()
	slices.SortFunc(out, func(a, b cluster.Block) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Capacity reports usage the way heartbeats carry it. With no configured
// capacity, Capacity and Remaining are zero.
func (v *Volume) Capacity() cluster.Capacity {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c := cluster.Capacity{Used: v.used}
	if v.capacity > 0 {
		c.Capacity = v.capacity
		c.Remaining = max(v.capacity-v.used, 0)
	}
	return c
}

// Stats returns operation counters and usage
func (v *Volume) Stats() Stats {
	v.mu.RLock()
	n := len(v.blocks)
	v.mu.RUnlock()
	return Stats{
		Ops: OperationStats{
			Reads:   atomic.LoadUint64(&v.ops.Reads),
			Writes:  atomic.LoadUint64(&v.ops.Writes),
			Deletes: atomic.LoadUint64(&v.ops.Deletes),
		},
		Blocks:   n,
		Capacity: v.Capacity(),
	}
}

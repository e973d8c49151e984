package replication

import (
	"github.com/google/btree"

	"github.com/dreamware/replicad/internal/cluster"
)

const btreeDegree = 32

func lessBlockID(a, b cluster.BlockID) bool { return a < b }

// underReplicatedQueue holds blocks with fewer live replicas than target,
// bucketed by priority. Each block is in at most one bucket; within a
// bucket blocks are ordered by ID so iteration is deterministic.
//
// Not safe for concurrent use; guarded by the Manager lock.
type underReplicatedQueue struct {
	priorities map[cluster.BlockID]Priority
	buckets    [numPriorities]*btree.BTreeG[cluster.BlockID]
}

func newUnderReplicatedQueue() *underReplicatedQueue {
	q := &underReplicatedQueue{
		priorities: make(map[cluster.BlockID]Priority),
	}
	for i := range q.buckets {
		q.buckets[i] = btree.NewG(btreeDegree, lessBlockID)
	}
	return q
}

// Update inserts the block at priority p or moves it there. It reports
// whether membership or priority changed.
func (q *underReplicatedQueue) Update(id cluster.BlockID, p Priority) bool {
	if cur, ok := q.priorities[id]; ok {
		if cur == p {
			return false
		}
		q.buckets[cur].Delete(id)
	}
	q.priorities[id] = p
	q.buckets[p].ReplaceOrInsert(id)
	return true
}

// Remove drops the block from whichever bucket holds it.
func (q *underReplicatedQueue) Remove(id cluster.BlockID) bool {
	p, ok := q.priorities[id]
	if !ok {
		return false
	}
	delete(q.priorities, id)
	q.buckets[p].Delete(id)
	return true
}

func (q *underReplicatedQueue) Contains(id cluster.BlockID) bool {
	_, ok := q.priorities[id]
	return ok
}

func (q *underReplicatedQueue) PriorityOf(id cluster.BlockID) (Priority, bool) {
	p, ok := q.priorities[id]
	return p, ok
}

// Pop removes and returns the lowest-ID block of the most urgent
// non-empty bucket.
func (q *underReplicatedQueue) Pop() (cluster.BlockID, Priority, bool) {
	for p := Priority(0); p < numPriorities; p++ {
		if id, ok := q.buckets[p].DeleteMin(); ok {
			delete(q.priorities, id)
			return id, p, true
		}
	}
	return 0, 0, false
}

func (q *underReplicatedQueue) Len() int {
	return len(q.priorities)
}

func (q *underReplicatedQueue) LenAt(p Priority) int {
	return q.buckets[p].Len()
}

// Ascend visits queued blocks in service order until fn returns false. fn
// must not mutate the queue.
func (q *underReplicatedQueue) Ascend(fn func(cluster.BlockID, Priority) bool) {
	for p := Priority(0); p < numPriorities; p++ {
		stop := false
		q.buckets[p].Ascend(func(id cluster.BlockID) bool {
			if !fn(id, p) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

package coordinator

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/replicad/internal/cluster"
)

// CommandQueue holds the commands waiting for each node's next heartbeat.
// Commands for one node are delivered in the order they were queued.
type CommandQueue struct {
	mu      sync.Mutex
	pending map[cluster.NodeID][]cluster.Command
	total   int
}

// NewCommandQueue creates an empty queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{pending: make(map[cluster.NodeID][]cluster.Command)}
}

// Push appends cmd to the node's queue.
func (q *CommandQueue) Push(id cluster.NodeID, cmd cluster.Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[id] = append(q.pending[id], cmd)
	q.total++
}

// Drain removes and returns every command queued for the node.
func (q *CommandQueue) Drain(id cluster.NodeID) []cluster.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmds := q.pending[id]
	delete(q.pending, id)
	q.total -= len(cmds)
	return cmds
}

// Drop discards the queues of the given nodes and returns how many commands
// were dropped.
func (q *CommandQueue) Drop(ids ...cluster.NodeID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range ids {
		n += len(q.pending[id])
		delete(q.pending, id)
	}
	q.total -= n
	return n
}

// Len returns the number of commands queued for the node.
func (q *CommandQueue) Len(id cluster.NodeID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[id])
}

// Total returns the number of queued commands across all nodes.
func (q *CommandQueue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// Nodes returns the nodes with queued commands, sorted.
func (q *CommandQueue) Nodes() []cluster.NodeID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]cluster.NodeID, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

package replication

import (
	"context"
	"fmt"

	"github.com/dreamware/replicad/internal/cluster"
)

type blockResult struct {
	count ReplicaCount
	err   error
}

type blockWatch struct {
	pred func(ReplicaCount) bool
	ch   chan blockResult
}

type nodeWatch struct {
	ch chan error
}

// watchers holds one-shot subscriptions that fire from inside the
// reclassification path. Delivery never blocks: each channel has room for
// exactly one result and the watch is removed once it fires.
type watchers struct {
	blocks map[cluster.BlockID]map[*blockWatch]struct{}
	nodes  map[cluster.NodeID]map[*nodeWatch]struct{}
}

func newWatchers() *watchers {
	return &watchers{
		blocks: make(map[cluster.BlockID]map[*blockWatch]struct{}),
		nodes:  make(map[cluster.NodeID]map[*nodeWatch]struct{}),
	}
}

func (w *watchers) addBlock(id cluster.BlockID, bw *blockWatch) {
	set, ok := w.blocks[id]
	if !ok {
		set = make(map[*blockWatch]struct{})
		w.blocks[id] = set
	}
	set[bw] = struct{}{}
}

func (w *watchers) removeBlock(id cluster.BlockID, bw *blockWatch) {
	if set, ok := w.blocks[id]; ok {
		delete(set, bw)
		if len(set) == 0 {
			delete(w.blocks, id)
		}
	}
}

func (w *watchers) notifyBlock(id cluster.BlockID, c ReplicaCount) {
	for bw := range w.blocks[id] {
		if !bw.pred(c) {
			continue
		}
		select {
		case bw.ch <- blockResult{count: c}:
		default:
		}
		w.removeBlock(id, bw)
	}
}

func (w *watchers) cancelBlock(id cluster.BlockID, err error) {
	for bw := range w.blocks[id] {
		select {
		case bw.ch <- blockResult{err: err}:
		default:
		}
	}
	delete(w.blocks, id)
}

func (w *watchers) addNode(id cluster.NodeID, nw *nodeWatch) {
	set, ok := w.nodes[id]
	if !ok {
		set = make(map[*nodeWatch]struct{})
		w.nodes[id] = set
	}
	set[nw] = struct{}{}
}

func (w *watchers) removeNode(id cluster.NodeID, nw *nodeWatch) {
	if set, ok := w.nodes[id]; ok {
		delete(set, nw)
		if len(set) == 0 {
			delete(w.nodes, id)
		}
	}
}

func (w *watchers) notifyNode(id cluster.NodeID, err error) {
	for nw := range w.nodes[id] {
		select {
		case nw.ch <- err:
		default:
		}
	}
	delete(w.nodes, id)
}

// WaitForBlock blocks until pred holds for the block's replica count, the
// block is removed, or ctx is done. The predicate is evaluated once
// immediately and then after every reclassification of the block, always
// under the manager lock, so it must be fast and must not call back into
// the Manager.
//
// Example:
//
//	count, err := m.WaitForBlock(ctx, id, func(c replication.ReplicaCount) bool {
//	    return c.Live >= 3
//	})
func (m *Manager) WaitForBlock(ctx context.Context, id cluster.BlockID, pred func(ReplicaCount) bool) (ReplicaCount, error) {
	bw := &blockWatch{pred: pred, ch: make(chan blockResult, 1)}

	m.mu.Lock()
	if _, ok := m.catalog[id]; !ok && m.index.NumNodes(id) == 0 {
		m.mu.Unlock()
		return ReplicaCount{}, fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	if c := m.countLocked(id); pred(c) {
		m.mu.Unlock()
		return c, nil
	}
	m.watch.addBlock(id, bw)
	m.mu.Unlock()

	select {
	case res := <-bw.ch:
		return res.count, res.err
	case <-ctx.Done():
		m.mu.Lock()
		m.watch.removeBlock(id, bw)
		m.mu.Unlock()
		// a result may have raced with cancellation
		select {
		case res := <-bw.ch:
			return res.count, res.err
		default:
		}
		return ReplicaCount{}, ctx.Err()
	}
}

// WaitForReplication waits until a block has at least want live replicas.
func (m *Manager) WaitForReplication(ctx context.Context, id cluster.BlockID, want int) (ReplicaCount, error) {
	return m.WaitForBlock(ctx, id, func(c ReplicaCount) bool { return c.Live >= want })
}

// WaitForDecommission blocks until the node finishes draining. It returns
// ErrNotDecommissioning if the node was never asked to drain, and
// ErrDecommissionCancelled if the request is withdrawn or the node is
// removed while waiting.
func (m *Manager) WaitForDecommission(ctx context.Context, id cluster.NodeID) error {
	nw := &nodeWatch{ch: make(chan error, 1)}

	m.mu.Lock()
	nd, ok := m.nodes[id]
	switch {
	case !ok:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	case nd.state == NodeDecommissioned:
		m.mu.Unlock()
		return nil
	case !nd.excluded:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotDecommissioning, id)
	}
	m.watch.addNode(id, nw)
	m.mu.Unlock()

	select {
	case err := <-nw.ch:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		m.watch.removeNode(id, nw)
		m.mu.Unlock()
		select {
		case err := <-nw.ch:
			return err
		default:
		}
		return ctx.Err()
	}
}

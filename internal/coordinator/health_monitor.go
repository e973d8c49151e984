// Package coordinator provides the background drivers of the replication server.
// This file implements the periodic liveness sweep over registered storage nodes.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rs/zerolog"

	"github.com/dreamware/replicad/internal/cluster"
)

// LivenessChecker declares nodes dead once their heartbeats stop.
// Implemented by *replication.Manager.
type LivenessChecker interface {
	HeartbeatCheck() []cluster.NodeID
}

// SweepStats summarizes the sweeps a HealthMonitor has run.
type SweepStats struct {
	LastSweep time.Time        // When the last sweep finished
	LastDead  []cluster.NodeID // Nodes declared dead by the last sweep
	Sweeps    int              // Sweeps run since start
	DeadTotal int              // Nodes declared dead since start
}

// HealthMonitor runs the liveness sweep every interval.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	checker LivenessChecker
	clock   clock.Clock
	logger  zerolog.Logger
	onDead  func(ids []cluster.NodeID) // Called after a sweep that declared nodes dead
	onSweep func()                     // Called after every sweep
	ctx     context.Context            // Context for cancellation
	cancel  context.CancelFunc         // Cancel function for shutdown
	stats   SweepStats
	mu      sync.RWMutex   // Protects stats and callbacks
	wg      sync.WaitGroup // Wait group for graceful shutdown

	interval time.Duration // How often to sweep
}

// NewHealthMonitor creates a health monitor that sweeps every interval.
//
// Example:
//
//	monitor := NewHealthMonitor(mgr, clock.New(), 5*time.Minute, logger)
//	go monitor.Start(ctx)
//	defer monitor.Stop()
func NewHealthMonitor(checker LivenessChecker, clk clock.Clock, interval time.Duration, logger zerolog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		checker:  checker,
		clock:    clk,
		interval: interval,
		logger:   logger.With().Str("component", "health_monitor").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetOnDead sets the callback invoked with the nodes each sweep declared dead.
// This is typically used to drop their queued commands.
func (h *HealthMonitor) SetOnDead(callback func(ids []cluster.NodeID)) {
	h.mu.Lock()
	h.onDead = callback
	h.mu.Unlock()
}

// SetOnSweep sets a callback invoked after every sweep.
func (h *HealthMonitor) SetOnSweep(callback func()) {
	h.mu.Lock()
	h.onSweep = callback
	h.mu.Unlock()
}

// Start runs sweeps until ctx or Stop cancels. It blocks.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := h.clock.Ticker(h.interval)
	defer ticker.Stop()

	h.logger.Info().Dur("interval", h.interval).Msg("health monitor started")

	for {
		select {
		case <-ticker.C:
			h.Sweep()
		case <-ctx.Done():
			h.logger.Info().Msg("health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			h.logger.Info().Msg("health monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the monitoring goroutine and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// Sweep runs one liveness sweep and returns the nodes it declared dead.
// It returns only after every block on those nodes has been reclassified.
func (h *HealthMonitor) Sweep() []cluster.NodeID {
	start := h.clock.Now()
	dead := h.checker.HeartbeatCheck()

	h.mu.Lock()
	h.stats.Sweeps++
	h.stats.DeadTotal += len(dead)
	h.stats.LastDead = dead
	h.stats.LastSweep = h.clock.Now()
	onDead, onSweep := h.onDead, h.onSweep
	h.mu.Unlock()

	if len(dead) > 0 {
		h.logger.Warn().
			Int("dead", len(dead)).
			Dur("took", h.clock.Now().Sub(start)).
			Msg("liveness sweep declared nodes dead")
		if onDead != nil {
			onDead(dead)
		}
	}
	if onSweep != nil {
		onSweep()
	}
	return dead
}

// Stats returns a copy of the sweep statistics.
func (h *HealthMonitor) Stats() SweepStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := h.stats
	s.LastDead = append([]cluster.NodeID(nil), h.stats.LastDead...)
	return s
}

package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rs/zerolog"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/replication"
)

// Scheduler hands out replication work. Implemented by *replication.Manager.
type Scheduler interface {
	ProcessPendingTimeouts() int
	ScheduleReplication(limit int) []replication.ReplicationWork
}

// ReplicationMonitor periodically requeues timed-out copies, schedules new
// ones and queues a replicate command for each source node.
type ReplicationMonitor struct {
	scheduler Scheduler
	commands  *CommandQueue
	clock     clock.Clock
	logger    zerolog.Logger
	onTick    func(scheduled, timedOut int)
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	wg        sync.WaitGroup

	interval time.Duration
	limit    int // Blocks scheduled per tick
}

// NewReplicationMonitor creates a monitor that schedules up to limit blocks
// every interval.
func NewReplicationMonitor(s Scheduler, commands *CommandQueue, clk clock.Clock, interval time.Duration, limit int, logger zerolog.Logger) *ReplicationMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &ReplicationMonitor{
		scheduler: s,
		commands:  commands,
		clock:     clk,
		interval:  interval,
		limit:     limit,
		logger:    logger.With().Str("component", "replication_monitor").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetOnTick sets a callback invoked after every tick.
func (r *ReplicationMonitor) SetOnTick(callback func(scheduled, timedOut int)) {
	r.mu.Lock()
	r.onTick = callback
	r.mu.Unlock()
}

// Start runs ticks until ctx or Stop cancels. It blocks.
func (r *ReplicationMonitor) Start(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	if ctx == nil {
		ctx = r.ctx
	}

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Int("limit", r.limit).Msg("replication monitor started")

	for {
		select {
		case <-ticker.C:
			r.Tick()
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// Stop cancels the monitoring goroutine and waits for it to return.
func (r *ReplicationMonitor) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Tick runs one scheduling round and returns the work it queued.
func (r *ReplicationMonitor) Tick() []replication.ReplicationWork {
	timedOut := r.scheduler.ProcessPendingTimeouts()
	work := r.scheduler.ScheduleReplication(r.limit)

	// Commands are queued after the manager has released its lock.
	for _, w := range work {
		r.commands.Push(w.Source.ID, cluster.Command{
			Type:    cluster.CommandReplicate,
			Blocks:  []cluster.Block{w.Block},
			Targets: w.Targets,
		})
	}

	if timedOut > 0 {
		r.logger.Warn().Int("timed_out", timedOut).Msg("pending replications timed out and were requeued")
	}
	if len(work) > 0 {
		r.logger.Debug().Int("scheduled", len(work)).Msg("replication work queued")
	}

	r.mu.Lock()
	onTick := r.onTick
	r.mu.Unlock()
	if onTick != nil {
		onTick(len(work), timedOut)
	}
	return work
}

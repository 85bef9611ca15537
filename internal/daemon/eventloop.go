package daemon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/harun/chatguard/internal/observability"
	"github.com/harun/chatguard/pkg/commandqueue"
	"github.com/harun/chatguard/pkg/dialog"
)

const maintenanceInterval = 30 * time.Second

// EventLoop runs periodic maintenance and tallies finished queue tasks
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration

	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewEventLoop creates a new event loop subscribed to the queue's completions
func NewEventLoop(d *Daemon) *EventLoop {
	e := &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
	d.queue.On("completed", e.onTaskCompleted)
	return e
}

func (e *EventLoop) onTaskCompleted(event commandqueue.Event) {
	if ok, _ := event.Data["success"].(bool); ok {
		e.succeeded.Add(1)
		return
	}
	e.failed.Add(1)
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks reports queue and dialog gauges
func (e *EventLoop) processTasks(ctx context.Context) {
	if mem, ok := e.daemon.sessions.(*dialog.MemoryStore); ok {
		observability.SetActiveDialogs(mem.Len())
	}

	if e.daemon.store != nil {
		if err := e.daemon.store.Ping(ctx); err != nil {
			e.daemon.logger.Warn().Err(err).Msg("Store ping failed")
		}
	}

	succeeded, failed := e.succeeded.Swap(0), e.failed.Swap(0)
	if succeeded+failed > 0 {
		e.daemon.logger.Info().
			Int64("succeeded", succeeded).
			Int64("failed", failed).
			Int("lanes", e.daemon.queue.LaneCount()).
			Msg("Queue activity")
	}

	stats := e.daemon.queue.GetStats()
	for lane, laneStats := range stats {
		if laneStats["queued"] > 0 || laneStats["running"] > 0 {
			e.daemon.logger.Debug().
				Str("lane", lane).
				Int("queued", laneStats["queued"]).
				Int("running", laneStats["running"]).
				Msg("Queue stats")
		}
	}
}

// HandleShutdown waits for in-flight tasks to finish and unsubscribes from the queue
func (e *EventLoop) HandleShutdown() {
	e.daemon.logger.Info().Msg("Handling graceful shutdown")

	if e.daemon.queue.WaitForActive(5 * time.Second) {
		e.daemon.logger.Info().Msg("All active tasks completed")
	}
	e.daemon.queue.Off("completed")
}

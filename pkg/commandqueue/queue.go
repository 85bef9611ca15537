package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/chatguard/internal/observability"
	"github.com/harun/chatguard/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrClosed is returned for tasks submitted after Close.
	ErrClosed = errors.New("command queue closed")

	// ErrDuplicate is returned when a task with the same request id is already in flight.
	ErrDuplicate = errors.New("duplicate task")
)

// Lane name prefixes.
const (
	LaneMain       = "main"
	laneDialog     = "dialog"
	laneModeration = "moderation"
)

// DialogLane serializes configuration dialog input of one user.
func DialogLane(userID int64) string {
	return laneDialog + ":" + strconv.FormatInt(userID, 10)
}

// ModerationLane serializes messages of one user inside one chat, so warning
// counter updates for that pair never interleave.
func ModerationLane(chatID, userID int64) string {
	return laneModeration + ":" + strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(userID, 10)
}

// LaneKind returns the lane prefix, used as a bounded metrics label.
func LaneKind(lane string) string {
	if i := strings.IndexByte(lane, ':'); i >= 0 {
		return lane[:i]
	}
	return lane
}

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// RequestID makes the task idempotent: a second task with the same id is not run.
	RequestID   string
	WarnAfterMs int
	OnWait      func(waitMs int64, queuePos int)
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane
type laneState struct {
	name        string
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
	persistent  bool
	mu          sync.Mutex
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type     string                 // "enqueued" or "completed"
	Lane     string                 // Lane name
	TaskID   string                 // Task ID
	Data     map[string]interface{} // Additional event data
	Metadata map[string]interface{} // Event metadata
}

// CommandQueue provides lane-based task serialization with concurrency control.
// Lanes are created on first use; lanes other than main are dropped once idle.
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	dedup     *dedupCache
	// Event handling
	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a new CommandQueue with the main lane
func New() *CommandQueue {
	return NewWithDedupTTL(defaultDedupTTL)
}

// NewWithDedupTTL creates a queue remembering request ids for ttl.
func NewWithDedupTTL(ttl time.Duration) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	cq := &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		dedup:         newDedupCache(ctx, ttl),
		eventHandlers: make(map[string][]EventHandler),
	}

	cq.mu.Lock()
	cq.laneLocked(LaneMain).persistent = true
	cq.mu.Unlock()

	return cq
}

// laneLocked returns the lane, creating it with concurrency 1. cq.mu must be held.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{
			name:        lane,
			concurrency: 1,
			queue:       make([]*taskRecord, 0),
			activeIDs:   make(map[string]bool),
		}
		cq.lanes[lane] = ls
		log.Debug().Str("lane", lane).Msg("Lane initialized")
	}
	return ls
}

func (cq *CommandQueue) lookup(lane string) (*laneState, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls, ok := cq.lanes[lane]
	return ls, ok
}

// EnqueueWithContext adds a task to the specified lane, propagates context metadata
// and waits for the result.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"chatguard.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	result, err := cq.submit(ctx, lane, task, options)
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	res := <-result
	if res.err != nil {
		tracing.FailSpan(span, res.err)
	}
	return res.value, res.err
}

// Dispatch adds a task to the lane without waiting. Failures are logged by the queue.
func (cq *CommandQueue) Dispatch(ctx context.Context, lane string, task Task, options *TaskOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := cq.submit(ctx, lane, task, options)
	return err
}

func (cq *CommandQueue) submit(ctx context.Context, lane string, task Task, options *TaskOptions) (<-chan taskResult, error) {
	if cq.ctx.Err() != nil {
		return nil, ErrClosed
	}

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	if opts.RequestID != "" {
		if cached, done, ok := cq.dedup.Claim(opts.RequestID); !ok {
			if !done {
				return nil, ErrDuplicate
			}
			ch := make(chan taskResult, 1)
			ch <- cached
			close(ch)
			return ch, nil
		}
	}

	if tracing.GetLane(ctx) == "" {
		ctx = tracing.WithLane(ctx, lane)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	cq.mu.Lock()
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)

	ls := cq.laneLocked(lane)
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	// The lane is appended to while cq.mu is held so an idle lane cannot be
	// dropped between lookup and append.
	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(LaneKind(lane), queueSize)

	// Emit enqueued event (synchronous)
	cq.emit(Event{
		Type:   "enqueued",
		Lane:   lane,
		TaskID: taskID,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	// Start warning timer if configured
	if opts.WarnAfterMs > 0 {
		go cq.startWarnTimer(ls, record)
	}

	go cq.processLane(ls)

	return record.result, nil
}

// processLane processes queued tasks for a lane
func (cq *CommandQueue) processLane(ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	// Process tasks while we have capacity and queued tasks
	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		// Check if task is stale (from previous generation)
		if record.generation != ls.generation {
			cq.finish(record, taskResult{err: fmt.Errorf("task cancelled due to restart")})
			continue
		}

		// Mark as running
		ls.running++
		ls.activeIDs[record.id] = true

		logger := tracing.LoggerFromContext(record.ctx, log.Logger)
		logger.Debug().
			Str("lane", ls.name).
			Str("taskId", record.id).
			Int("running", ls.running).
			Msg("Task started")

		// Execute task in goroutine
		cq.wg.Add(1)
		go cq.executeTask(ls, record)
	}
}

// finish delivers the result to the waiter and the dedup cache.
func (cq *CommandQueue) finish(record *taskRecord, res taskResult) {
	if record.options.RequestID != "" {
		cq.dedup.Complete(record.options.RequestID, res)
	}
	record.result <- res
	close(record.result)
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	lane := ls.name
	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"chatguard.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()

	value, err := cq.run(runCtx, record.task)

	duration := time.Since(startTime)

	// Update lane state
	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	cq.finish(record, taskResult{value: value, err: err})

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Error().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(LaneKind(lane), duration, err == nil, queueSize)

	// Emit completed event (synchronous)
	cq.emit(Event{
		Type:   "completed",
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	if queueSize > 0 {
		go cq.processLane(ls)
		return
	}
	cq.dropIfIdle(ls)
}

// run executes task, turning a panic into an error so one bad update cannot stall a lane.
func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// dropIfIdle removes a non-persistent lane with nothing queued or running.
func (cq *CommandQueue) dropIfIdle(ls *laneState) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.persistent || ls.running > 0 || len(ls.queue) > 0 {
		return
	}
	if cur, ok := cq.lanes[ls.name]; ok && cur == ls {
		delete(cq.lanes, ls.name)
	}
}

// startWarnTimer starts a timer to warn about long wait times
func (cq *CommandQueue) startWarnTimer(ls *laneState, record *taskRecord) {
	timer := time.NewTimer(time.Duration(record.options.WarnAfterMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		// Check if task is still queued
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			waitMs := time.Since(record.enqueuedAt).Milliseconds()
			log.Warn().
				Str("lane", ls.name).
				Str("taskId", record.id).
				Int64("waitMs", waitMs).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(waitMs, queuePos)
			}
		}
	case <-cq.ctx.Done():
		return
	}
}

// LaneCount returns the number of live lanes.
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int)
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}

	return stats
}

// ResetLane rejects the lane's queued tasks and bumps its generation. Running
// tasks are left to finish. It returns the number of rejected tasks.
func (cq *CommandQueue) ResetLane(lane string) int {
	ls, exists := cq.lookup(lane)
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++

	dropped := len(ls.queue)
	for _, record := range ls.queue {
		cq.finish(record, taskResult{err: fmt.Errorf("lane reset")})
	}

	ls.queue = make([]*taskRecord, 0)

	log.Info().Str("lane", lane).Int("generation", ls.generation).Int("dropped", dropped).Msg("Lane reset")
	observability.SetQueueSize(LaneKind(lane), 0)
	return dropped
}

// WaitForActive waits for all active tasks to complete with timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		allDrained := true

		cq.mu.Lock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if len(ls.activeIDs) > 0 || len(ls.queue) > 0 {
				allDrained = false
			}
			ls.mu.Unlock()
		}
		cq.mu.Unlock()

		if allDrained {
			log.Info().Msg("All active tasks completed")
			return true
		}

		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}

		<-ticker.C
	}
}

// Close cancels running tasks and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.cancel()
	cq.wg.Wait()
	cq.dedup.Stop()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes an event handler (removes all handlers for the event type)
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	delete(cq.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	// Call handlers synchronously
	for _, handler := range handlers {
		handler(event)
	}
}

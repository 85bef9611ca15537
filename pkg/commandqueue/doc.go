// Package commandqueue runs work in named lanes with FIFO ordering per lane.
//
// Updates for one user in one chat share a moderation lane, and dialog input
// of one user shares a dialog lane, so per-user state is never mutated
// concurrently while unrelated users proceed in parallel.
//
//   - Tasks in the same lane execute in FIFO order.
//   - Tasks in different lanes may execute concurrently.
//   - Idle lanes other than main are dropped.
//   - A task carrying a RequestID runs at most once while the id is remembered.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, commandqueue.DialogLane(userID), func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue

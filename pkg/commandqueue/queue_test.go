package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// laneStat reads one counter of a lane; dropped lanes report zero
func laneStat(cq *CommandQueue, lane, key string) int {
	return cq.GetStats()[lane][key]
}

func TestLaneNames(t *testing.T) {
	assert.Equal(t, "dialog:42", DialogLane(42))
	assert.Equal(t, "moderation:-100123:42", ModerationLane(-100123, 42))
	assert.Equal(t, "moderation", LaneKind(ModerationLane(-1, 2)))
	assert.Equal(t, "dialog", LaneKind(DialogLane(7)))
	assert.Equal(t, "main", LaneKind(LaneMain))
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New()
	defer cq.Close()

	executed := false
	task := func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}

	result, err := cq.EnqueueWithContext(context.Background(), DialogLane(1), task, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expectedErr := errors.New("task failed")
	task := func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}

	result, err := cq.EnqueueWithContext(context.Background(), DialogLane(1), task, nil)

	assert.ErrorIs(t, err, expectedErr)
	assert.Nil(t, result)
}

func TestCommandQueue_PanicBecomesError(t *testing.T) {
	cq := New()
	defer cq.Close()

	_, err := cq.EnqueueWithContext(context.Background(), ModerationLane(-1, 1), func(ctx context.Context) (interface{}, error) {
		panic("bad update")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad update")

	// The lane keeps working afterwards.
	v, err := cq.EnqueueWithContext(context.Background(), ModerationLane(-1, 1), func(ctx context.Context) (interface{}, error) {
		return 1, nil
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCommandQueue_FIFOWithinLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	lane := ModerationLane(-100, 5)
	var order []int
	var mu sync.Mutex
	var running, overlap int32

	for i := 0; i < 10; i++ {
		i := i
		err := cq.Dispatch(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
			if atomic.AddInt32(&running, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
			return nil, nil
		}, nil)
		require.NoError(t, err)
	}

	require.True(t, cq.WaitForActive(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	assert.Zero(t, atomic.LoadInt32(&overlap), "tasks in one lane never overlap")
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New()
	defer cq.Close()

	started := make(chan struct{}, 2)
	release := make(chan struct{})

	for _, lane := range []string{ModerationLane(-1, 1), ModerationLane(-1, 2)} {
		require.NoError(t, cq.Dispatch(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
			started <- struct{}{}
			<-release
			return nil, nil
		}, nil))
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("tasks on different lanes did not run concurrently")
		}
	}
	close(release)
	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_IdleLanesAreDropped(t *testing.T) {
	cq := New()
	defer cq.Close()

	for i := int64(0); i < 20; i++ {
		_, err := cq.EnqueueWithContext(context.Background(), DialogLane(i), func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return cq.LaneCount() == 1
	}, time.Second, 10*time.Millisecond, "only the main lane remains")
	assert.Contains(t, cq.GetStats(), LaneMain)
}

func TestCommandQueue_RequestIDRunsOnce(t *testing.T) {
	cq := New()
	defer cq.Close()

	var runs int32
	task := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&runs, 1)
		return "handled", nil
	}
	opts := &TaskOptions{RequestID: "update:100"}

	v1, err := cq.EnqueueWithContext(context.Background(), ModerationLane(-1, 1), task, opts)
	require.NoError(t, err)
	v2, err := cq.EnqueueWithContext(context.Background(), ModerationLane(-1, 1), task, opts)
	require.NoError(t, err)

	assert.Equal(t, "handled", v1)
	assert.Equal(t, "handled", v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestCommandQueue_RequestIDInFlight(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	opts := &TaskOptions{RequestID: "update:200"}
	require.NoError(t, cq.Dispatch(context.Background(), DialogLane(3), func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, opts))

	_, err := cq.EnqueueWithContext(context.Background(), DialogLane(3), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, opts)
	assert.ErrorIs(t, err, ErrDuplicate)

	close(release)
	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_Closed(t *testing.T) {
	cq := New()
	require.NoError(t, cq.Close())

	_, err := cq.EnqueueWithContext(context.Background(), DialogLane(1), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, cq.Dispatch(context.Background(), DialogLane(1), nil, nil), ErrClosed)
}

func TestCommandQueue_CloseCancelsRunningTasks(t *testing.T) {
	cq := New()

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(context.Background(), DialogLane(9), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		errCh <- err
	}()

	<-started
	require.NoError(t, cq.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}
}

func TestCommandQueue_GetStats(t *testing.T) {
	cq := New()
	defer cq.Close()

	stats := cq.GetStats()

	assert.Contains(t, stats, LaneMain)
	assert.Equal(t, 1, stats[LaneMain]["concurrency"])
}

func TestCommandQueue_EventEmission(t *testing.T) {
	queue := New()
	defer queue.Close()

	var events []Event
	var mu sync.Mutex

	record := func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}
	queue.On("enqueued", record)
	queue.On("completed", record)

	lane := ModerationLane(-7, 8)
	_, err := queue.EnqueueWithContext(context.Background(), lane, Task(func(ctx context.Context) (interface{}, error) {
		return "result", nil
	}), nil)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var enqueuedFound, completedFound bool
	for _, event := range events {
		assert.Equal(t, lane, event.Lane)
		assert.NotEmpty(t, event.TaskID)
		switch event.Type {
		case "enqueued":
			enqueuedFound = true
			assert.Contains(t, event.Data, "queueSize")
		case "completed":
			completedFound = true
			assert.Contains(t, event.Data, "duration")
			assert.Equal(t, true, event.Data["success"])
		}
	}

	assert.True(t, enqueuedFound, "Should have enqueued event")
	assert.True(t, completedFound, "Should have completed event")
}

func TestCommandQueue_EventOff(t *testing.T) {
	queue := New()
	defer queue.Close()

	var eventCount int32
	queue.On("enqueued", func(event Event) {
		atomic.AddInt32(&eventCount, 1)
	})

	_, _ = queue.EnqueueWithContext(context.Background(), DialogLane(1), Task(func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}), nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&eventCount))

	queue.Off("enqueued")

	_, _ = queue.EnqueueWithContext(context.Background(), DialogLane(1), Task(func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}), nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&eventCount), "Should not receive events after Off")
}

func TestCommandQueue_WarnAfterMs(t *testing.T) {
	cq := New()
	defer cq.Close()

	lane := DialogLane(5)
	release := make(chan struct{})
	require.NoError(t, cq.Dispatch(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, nil))

	waited := make(chan int, 1)
	require.NoError(t, cq.Dispatch(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, &TaskOptions{
		WarnAfterMs: 20,
		OnWait: func(waitMs int64, queuePos int) {
			waited <- queuePos
		},
	}))

	select {
	case pos := <-waited:
		assert.Equal(t, 0, pos)
	case <-time.After(2 * time.Second):
		t.Fatal("OnWait was not called for a task stuck behind its lane")
	}

	close(release)
	assert.True(t, cq.WaitForActive(2*time.Second))
}

func TestCommandQueue_ResetLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	lane := ModerationLane(-1, 2)
	release := make(chan struct{})
	require.NoError(t, cq.Dispatch(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, nil))

	assert.Eventually(t, func() bool {
		return laneStat(cq, lane, "running") == 1
	}, time.Second, 5*time.Millisecond)

	errs := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(context.Background(), lane, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		errs <- err
	}()

	assert.Eventually(t, func() bool {
		return laneStat(cq, lane, "queued") == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, cq.ResetLane(lane))
	err := <-errs
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lane reset")

	close(release)
	assert.True(t, cq.WaitForActive(time.Second))
	assert.Zero(t, laneStat(cq, lane, "running"))
	assert.Zero(t, cq.ResetLane("unknown"))
}

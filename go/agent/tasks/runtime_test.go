package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/store"
)

const testTaskType model.TaskType = 42

func TestRegisterRejectsDuplicates(t *testing.T) {
	var s = NewScheduler(store.NewFake(), 2, time.Millisecond, time.Minute)
	require.NoError(t, s.Register(testTaskType, func(context.Context, model.Task) (PollResult, error) {
		return PollResult{Done: true}, nil
	}))
	require.Error(t, s.Register(testTaskType, func(context.Context, model.Task) (PollResult, error) {
		return PollResult{Done: true}, nil
	}))
}

func TestTasksRunAndCompleteThroughServe(t *testing.T) {
	var st = store.NewFake()
	var s = NewScheduler(st, 4, time.Millisecond, time.Minute)

	var mu sync.Mutex
	var ran = map[ids.ID]int{}
	require.NoError(t, s.Register(testTaskType, func(_ context.Context, task model.Task) (PollResult, error) {
		mu.Lock()
		ran[task.ID]++
		mu.Unlock()
		return PollResult{Done: true}, nil
	}))

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.CreateTask(context.Background(), ids.ID(i), testTaskType, nil))
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 5
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	// Each task ran exactly once and was deleted on completion.
	for id, count := range ran {
		require.Equal(t, 1, count, "task %s must run exactly once", id)
	}
	require.Eventually(t, func() bool {
		return st.TaskCount() == 0
	}, 5*time.Second, time.Millisecond)
}

func TestLeasePreventsConcurrentExecution(t *testing.T) {
	var st = store.NewFake()
	require.NoError(t, st.CreateTask(context.Background(), ids.ID(1), testTaskType, nil))

	// Two dequeues inside one heartbeat window: the second sees nothing,
	// because the first's lease (stamped heartbeat) is still fresh.
	var now = time.Now()
	var cutoff = now.Add(-time.Minute)

	first, err := st.DequeueTasks(context.Background(), testTaskType, 10, now, cutoff)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := st.DequeueTasks(context.Background(), testTaskType, 10, now.Add(time.Second), now.Add(time.Second).Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, second, "a leased task must not be re-dequeued")

	// After the heartbeat timeout elapses, the abandoned task is
	// eligible again.
	var later = now.Add(2 * time.Minute)
	third, err := st.DequeueTasks(context.Background(), testTaskType, 10, later, later.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, third, 1, "an expired lease makes the task eligible for re-dequeue")
}

func TestDequeueOrdersNewestFirst(t *testing.T) {
	var st = store.NewFake()
	var base = time.Now().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		require.NoError(t, st.CreateTask(context.Background(), ids.ID(i), testTaskType, nil))
		require.NoError(t, st.UpdateTaskState(context.Background(), ids.ID(i), nil, base.Add(time.Duration(i)*time.Minute), 0))
	}

	var now = time.Now()
	var batch, err = st.DequeueTasks(context.Background(), testTaskType, 2, now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, ids.ID(3), batch[0].ID, "freshly bumped tasks drain first")
	require.Equal(t, ids.ID(2), batch[1].ID)
}

func TestSendWakesAndDeliversInbox(t *testing.T) {
	var st = store.NewFake()
	var s = NewScheduler(st, 1, time.Millisecond, time.Minute)

	var got = make(chan model.Task, 1)
	require.NoError(t, s.Register(testTaskType, func(_ context.Context, task model.Task) (PollResult, error) {
		got <- task
		return PollResult{Done: true}, nil
	}))

	require.NoError(t, s.CreateTask(context.Background(), ids.ID(7), testTaskType, nil))
	// Park the task far in the future, then send to it.
	require.NoError(t, st.UpdateTaskState(context.Background(), ids.ID(7), nil, time.Now().Add(time.Hour), 0))
	require.NoError(t, s.Send(context.Background(), ids.ID(7), ids.ID(99), []byte(`{"hello":true}`)))

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	select {
	case task := <-got:
		require.Len(t, task.Inbox, 1)
		require.Equal(t, ids.ID(99), task.Inbox[0].SenderID)
		require.JSONEq(t, `{"hello":true}`, string(task.Inbox[0].Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("task was not woken by send")
	}
}

func TestExecutorPanicLeavesTaskForRetry(t *testing.T) {
	var st = store.NewFake()
	var s = NewScheduler(st, 1, time.Millisecond, 10*time.Millisecond)

	var polls int32
	require.NoError(t, s.Register(testTaskType, func(context.Context, model.Task) (PollResult, error) {
		if atomic.AddInt32(&polls, 1) == 1 {
			panic("executor exploded")
		}
		return PollResult{Done: true}, nil
	}))
	require.NoError(t, s.CreateTask(context.Background(), ids.ID(1), testTaskType, nil))

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	// The first poll panics; the lease expires after the heartbeat
	// timeout and the task retries to completion.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&polls) >= 2
	}, 5*time.Second, time.Millisecond)
}

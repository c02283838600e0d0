// Package tasks implements the task-queue runtime: many logical tasks
// multiplexed over a bounded pool of worker permits, with at-most-one
// concurrent execution per task and crash recovery via heartbeat expiry.
// The scheduler loop is queued onto a go.gazette.dev/core/task.Group,
// the lifecycle primitive used for every long-running service loop.
package tasks

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/estuary/flow/go/agent/ids"
	"github.com/estuary/flow/go/agent/model"
	"github.com/estuary/flow/go/agent/store"
)

// PollResult is an Executor's decision after handling one batch of inbox
// entries: either a new State and WakeAt, or Done to delete the task.
type PollResult struct {
	State  []byte
	WakeAt time.Time
	Done   bool
}

// Executor is the per-task-type poll function bound via Register. It
// receives the dequeued task (inner state plus inbox) and must not block
// on anything but the store and the RPCs it is handed; the scheduler
// assumes poll returns promptly relative to the heartbeat timeout.
type Executor func(ctx context.Context, t model.Task) (PollResult, error)

// Scheduler runs the dequeue loop, leasing ready tasks to workers.
type Scheduler struct {
	Store           store.Store
	DequeueInterval time.Duration
	HeartbeatTTL    time.Duration

	executors map[model.TaskType]Executor
	permits   chan struct{}
	poke      chan struct{}
}

// NewScheduler builds a Scheduler with permits worker slots.
func NewScheduler(st store.Store, permits int, dequeueInterval, heartbeatTTL time.Duration) *Scheduler {
	var s = &Scheduler{
		Store:           st,
		DequeueInterval: dequeueInterval,
		HeartbeatTTL:    heartbeatTTL,
		executors:       map[model.TaskType]Executor{},
		permits:         make(chan struct{}, permits),
		poke:            make(chan struct{}, 1),
	}
	for i := 0; i != permits; i++ {
		s.permits <- struct{}{}
	}
	return s
}

// Register binds an Executor to taskType. Registering the same type
// twice returns an error.
func (s *Scheduler) Register(taskType model.TaskType, exec Executor) error {
	if _, exists := s.executors[taskType]; exists {
		return fmt.Errorf("task type %d is already registered", taskType)
	}
	s.executors[taskType] = exec
	return nil
}

// CreateTask inserts a new task row in the immediately-runnable state.
func (s *Scheduler) CreateTask(ctx context.Context, taskID ids.ID, taskType model.TaskType, parentID *ids.ID) error {
	return s.Store.CreateTask(ctx, taskID, taskType, parentID)
}

// Send appends an inbox entry and wakes the target task promptly.
func (s *Scheduler) Send(ctx context.Context, taskID, senderID ids.ID, payload []byte) error {
	return s.Store.SendToTask(ctx, taskID, senderID, payload)
}

// Serve runs the dequeue loop until ctx is cancelled, then waits for
// in-flight workers to return before returning itself. It is meant to
// be queued via Queue on a task.Group.
func (s *Scheduler) Serve(ctx context.Context) error {
	var workers sync.WaitGroup
	defer workers.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.permits:
		}
		// One permit was consumed to unblock; take any others currently
		// free so k is "as many as currently available".
		var k = 1 + s.drainAvailablePermits()

		var dequeued = s.dequeueBatch(ctx, k)
		for _, t := range dequeued {
			workers.Add(1)
			go func(t model.Task) {
				defer workers.Done()
				s.runWorker(ctx, t)
			}(t)
		}
		s.releasePermits(k - len(dequeued))

		if len(dequeued) < k {
			if !s.sleepJittered(ctx) {
				return nil
			}
		}
	}
}

// drainAvailablePermits removes every currently-available permit from
// the channel and returns the count.
func (s *Scheduler) drainAvailablePermits() int {
	var k int
	for {
		select {
		case <-s.permits:
			k++
		default:
			return k
		}
	}
}

func (s *Scheduler) releasePermits(n int) {
	for i := 0; i != n; i++ {
		s.permits <- struct{}{}
	}
}

// dequeueBatch leases up to k ready tasks across all registered types,
// stamping their heartbeats. Tasks within one store dequeue arrive in
// wake_at DESC order: freshly bumped tasks run first, draining notify
// storms before older periodic work.
func (s *Scheduler) dequeueBatch(ctx context.Context, k int) []model.Task {
	if k == 0 {
		return nil
	}
	var out []model.Task
	var now = time.Now()
	var cutoff = now.Add(-s.HeartbeatTTL)
	for taskType := range s.executors {
		var batch, err = s.Store.DequeueTasks(ctx, taskType, k-len(out), now, cutoff)
		if err != nil {
			log.WithError(err).Warn("task dequeue failed, retrying next interval")
			continue
		}
		if len(batch) > 0 {
			tasksDequeuedCounter.WithLabelValues(taskTypeLabel(taskType)).Add(float64(len(batch)))
		}
		out = append(out, batch...)
		if len(out) >= k {
			break
		}
	}
	return out
}

func taskTypeLabel(t model.TaskType) string {
	return strconv.Itoa(int(t))
}

func (s *Scheduler) runWorker(ctx context.Context, t model.Task) {
	var label = taskTypeLabel(t.Type)
	tasksInFlightGauge.WithLabelValues(label).Inc()

	defer func() {
		tasksInFlightGauge.WithLabelValues(label).Dec()
		s.permits <- struct{}{}
		if r := recover(); r != nil {
			tasksLeaseExpiredCounter.WithLabelValues(label).Inc()
			log.WithFields(log.Fields{"task_id": t.ID, "panic": r}).Error("task executor panicked, lease will expire")
		}
	}()

	var exec, ok = s.executors[t.Type]
	if !ok {
		log.WithField("task_type", t.Type).Error("dequeued task with unregistered type")
		return
	}

	var logger = log.WithFields(log.Fields{"task_id": t.ID, "task_type": t.Type})

	// Renew the lease while the poll runs, so a long-running executor
	// isn't re-dequeued out from under itself.
	var hbCtx, hbCancel = context.WithCancel(ctx)
	defer hbCancel()
	if interval := s.HeartbeatTTL / 3; interval > 0 {
		go func() {
			var ticker = time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-hbCtx.Done():
					return
				case <-ticker.C:
					if err := s.Store.HeartbeatTask(hbCtx, t.ID, time.Now()); err != nil {
						logger.WithError(err).Warn("failed to renew task heartbeat")
					}
				}
			}
		}()
	}

	var result, err = exec(ctx, t)
	hbCancel()
	if err != nil {
		tasksLeaseExpiredCounter.WithLabelValues(label).Inc()
		logger.WithError(err).Error("task executor failed, lease will expire and retry")
		return
	}

	if result.Done {
		if err := s.Store.DeleteTask(ctx, t.ID); err != nil {
			logger.WithError(err).Error("failed to delete completed task")
		}
		return
	}
	if err := s.Store.UpdateTaskState(ctx, t.ID, result.State, result.WakeAt, len(t.Inbox)); err != nil {
		logger.WithError(err).Error("failed to persist task state")
	}
}

// sleepJittered sleeps for DequeueInterval * jitter, with jitter in
// [0.9, 1.1), returning false if ctx was cancelled first. A Poke cuts
// the sleep short.
func (s *Scheduler) sleepJittered(ctx context.Context) bool {
	var jitter = 0.9 + 0.2*rand.Float64()
	var d = time.Duration(float64(s.DequeueInterval) * jitter)
	var timer = time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-s.poke:
		return true
	}
}

// Poke cuts an idle sleep short so the next dequeue happens promptly,
// typically driven by the store's task-wake notifications.
func (s *Scheduler) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Queue registers Serve, plus a store wake-up listener feeding Poke,
// onto a task.Group under name.
func (s *Scheduler) Queue(tasks *task.Group, name string) {
	tasks.Queue(name, func() error {
		return s.Serve(tasks.Context())
	})
	tasks.Queue(name+"-wakeups", func() error {
		var ctx = tasks.Context()
		for {
			if err := s.Store.AwaitTaskWake(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.WithError(err).Warn("task wake listener failed, retrying")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(s.DequeueInterval):
				}
				continue
			}
			s.Poke()
		}
	})
}

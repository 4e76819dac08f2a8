// Package sched implements the priority execution scheduler that decouples
// asynchronous "apply this now" requests from normal cycle execution.
// One logical queue, strict priority ordering with FIFO tie-break, and a
// bounded worker pool draining it.
package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"selfpatch/internal/store"
)

// Priority orders tasks low-to-high urgency by numeric value. A user task
// always outranks any pending automatic task.
type Priority int

const (
	UserImmediate Priority = 0
	UserNormal    Priority = 1
	AutoHigh      Priority = 5
	AutoNormal    Priority = 10
	AutoLow       Priority = 15
)

func (p Priority) String() string {
	switch p {
	case UserImmediate:
		return "user_immediate"
	case UserNormal:
		return "user_normal"
	case AutoHigh:
		return "auto_high"
	case AutoNormal:
		return "auto_normal"
	case AutoLow:
		return "auto_low"
	default:
		return fmt.Sprintf("priority_%d", int(p))
	}
}

// Origin identifies who requested the work.
type Origin string

const (
	OriginUser Origin = "USER"
	OriginAuto Origin = "AUTO"
)

// Task is one queued unit of work, typically "apply proposal <SubjectID>".
type Task struct {
	Priority   Priority
	SubjectID  string
	Origin     Origin
	Source     string
	EnqueuedAt time.Time

	seq uint64 // FIFO tie-break within a priority tier
}

// Executor runs a dequeued task.
type Executor func(ctx context.Context, task Task) error

// Stats are the scheduler's lifetime counters.
type Stats struct {
	Enqueued  int
	Succeeded int
	Failed    int
}

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("scheduler closed")

// Scheduler is a thread-safe priority queue with a bounded worker pool.
// Enqueue is non-blocking and performs no I/O, so it is safe to call from
// asynchronous notification contexts; workers wait on a condition
// variable, never a busy loop.
type Scheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    taskHeap
	inflight int
	closed   bool
	seq      uint64
	stats    Stats

	workers int
	exec    Executor
	audit   *store.Store
	logger  *zap.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler with the given worker count (minimum 1).
// Each task execution result is appended to the audit store.
func New(workers int, exec Executor, audit *store.Store, logger *zap.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		workers: workers,
		exec:    exec,
		audit:   audit,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Enqueue pushes a task. O(log n), no allocation beyond the heap slot, no
// locks held across anything slow, no file I/O.
func (s *Scheduler) Enqueue(task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.seq++
	task.seq = s.seq
	heap.Push(&s.queue, task)
	s.stats.Enqueued++
	s.cond.Signal()
	return nil
}

// Pending returns the number of queued plus in-flight tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len() + s.inflight
}

// Stats returns a copy of the lifetime counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// WaitForDrain blocks until the queue and all in-flight work complete, or
// the timeout elapses. Returns true when fully drained.
func (s *Scheduler) WaitForDrain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() > 0 || s.inflight > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		s.waitTimeout(remaining)
	}
	return true
}

// waitTimeout waits on the condition variable for at most d.
// Callers hold s.mu.
func (s *Scheduler) waitTimeout(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	s.cond.Wait()
}

// Close stops accepting work, cancels in-flight task contexts, and waits
// for the workers to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.queue.Len() == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		task := heap.Pop(&s.queue).(Task)
		s.inflight++
		s.mu.Unlock()

		err := s.run(task)

		s.mu.Lock()
		s.inflight--
		if err != nil {
			s.stats.Failed++
		} else {
			s.stats.Succeeded++
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// run executes one task and records the outcome in the audit store.
func (s *Scheduler) run(task Task) error {
	start := time.Now()
	var err error
	if s.exec != nil {
		err = s.exec(s.ctx, task)
	}

	rec := store.ActionRecord{
		Agent:      "scheduler",
		ActionType: store.ActionTaskExecuted,
		ProposalID: task.SubjectID,
		Status:     "success",
		Details: map[string]any{
			"priority":    task.Priority.String(),
			"origin":      string(task.Origin),
			"source":      task.Source,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}
	if err != nil {
		rec.ActionType = store.ActionTaskFailed
		rec.Status = "failed"
		rec.Details["error"] = err.Error()
		s.logger.Warn("task failed",
			zap.String("subject", task.SubjectID),
			zap.String("priority", task.Priority.String()),
			zap.Error(err))
	}
	if s.audit != nil {
		if auditErr := s.audit.Append(rec); auditErr != nil {
			s.logger.Error("audit append failed", zap.Error(auditErr))
		}
	}
	return err
}

// taskHeap orders by (priority, enqueue time, sequence).
type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	*h = old[:n-1]
	return task
}

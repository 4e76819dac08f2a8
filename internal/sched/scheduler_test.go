package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"selfpatch/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []Priority

	s := New(1, func(ctx context.Context, task Task) error {
		mu.Lock()
		order = append(order, task.Priority)
		mu.Unlock()
		return nil
	}, nil, nil)

	// Enqueue before starting workers so ordering is purely the heap's.
	for _, p := range []Priority{AutoLow, UserImmediate, AutoNormal} {
		if err := s.Enqueue(Task{Priority: p, SubjectID: "p"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	s.Start()
	if !s.WaitForDrain(5 * time.Second) {
		t.Fatal("drain timed out")
	}
	s.Close()

	want := []Priority{UserImmediate, AutoNormal, AutoLow}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("executed %d tasks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got %v, want %v", i, order[i], want[i])
		}
	}
}

func TestFIFOWithinTier(t *testing.T) {
	var mu sync.Mutex
	var order []string

	s := New(1, func(ctx context.Context, task Task) error {
		mu.Lock()
		order = append(order, task.SubjectID)
		mu.Unlock()
		return nil
	}, nil, nil)

	now := time.Now()
	for _, id := range []string{"first", "second", "third"} {
		if err := s.Enqueue(Task{Priority: AutoNormal, SubjectID: id, EnqueuedAt: now}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	s.Start()
	if !s.WaitForDrain(5 * time.Second) {
		t.Fatal("drain timed out")
	}
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"first", "second", "third"} {
		if order[i] != want {
			t.Errorf("position %d: got %q, want %q (FIFO within tier)", i, order[i], want)
		}
	}
}

func TestWaitForDrainTimeout(t *testing.T) {
	release := make(chan struct{})
	s := New(1, func(ctx context.Context, task Task) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, nil, nil)
	s.Start()

	if err := s.Enqueue(Task{Priority: AutoNormal, SubjectID: "slow"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if s.WaitForDrain(50 * time.Millisecond) {
		t.Error("WaitForDrain should time out while a task is blocked")
	}

	close(release)
	if !s.WaitForDrain(5 * time.Second) {
		t.Error("WaitForDrain should succeed once the task finishes")
	}
	s.Close()
}

func TestResultsAuditedAndCounted(t *testing.T) {
	audit, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	s := New(1, func(ctx context.Context, task Task) error {
		if task.SubjectID == "bad" {
			return errors.New("boom")
		}
		return nil
	}, audit, nil)
	s.Start()

	if err := s.Enqueue(Task{Priority: AutoNormal, SubjectID: "good", Origin: OriginAuto}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(Task{Priority: AutoNormal, SubjectID: "bad", Origin: OriginAuto}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !s.WaitForDrain(5 * time.Second) {
		t.Fatal("drain timed out")
	}
	s.Close()

	stats := s.Stats()
	if stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("Stats = %+v, want 1 success 1 failure", stats)
	}

	records, err := audit.ReadHistory(0)
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d audit records, want 2", len(records))
	}
	var failed, executed int
	for _, rec := range records {
		switch rec.ActionType {
		case store.ActionTaskExecuted:
			executed++
		case store.ActionTaskFailed:
			failed++
			if rec.Details["error"] != "boom" {
				t.Errorf("failure record missing error detail: %v", rec.Details)
			}
		}
	}
	if executed != 1 || failed != 1 {
		t.Errorf("audit records: executed=%d failed=%d", executed, failed)
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	s := New(1, nil, nil, nil)
	s.Start()
	s.Close()
	if err := s.Enqueue(Task{Priority: AutoNormal}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
}

func TestConcurrentEnqueue(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)

	s := New(2, func(ctx context.Context, task Task) error {
		mu.Lock()
		seen[task.SubjectID] = true
		mu.Unlock()
		return nil
	}, nil, nil)
	s.Start()

	var wg sync.WaitGroup
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.Enqueue(Task{Priority: AutoNormal, SubjectID: id})
		}(id)
	}
	wg.Wait()

	if !s.WaitForDrain(5 * time.Second) {
		t.Fatal("drain timed out")
	}
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("task %q never executed", id)
		}
	}
}

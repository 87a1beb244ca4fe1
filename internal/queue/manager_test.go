package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/contextkit-core/internal/shared"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()

	m := NewManager(3)
	var (
		current  atomic.Int32
		maxSeen  atomic.Int32
		observed atomic.Int32
	)
	m.Subscribe(func(ev Event) {
		if ev.Running > 3 {
			observed.Store(int32(ev.Running))
		}
	})

	release := make(chan struct{})
	tasks := make([]*Task, 0, 10)
	for i := 0; i < 10; i++ {
		task, err := m.Enqueue(KindTool, func(context.Context) (any, error) {
			n := current.Add(1)
			for {
				old := maxSeen.Load()
				if n <= old || maxSeen.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			return nil, nil
		}, nil)
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		tasks = append(tasks, task)
	}

	waitFor(t, time.Second, func() bool { return m.Stats().Running == 3 })
	if s := m.Stats(); s.Waiting != 7 {
		t.Fatalf("waiting = %d, want 7", s.Waiting)
	}
	close(release)

	for _, task := range tasks {
		if _, err := task.Wait(context.Background()); err != nil {
			t.Fatalf("task failed: %v", err)
		}
	}
	if maxSeen.Load() > 3 {
		t.Fatalf("observed %d concurrent tasks, limit is 3", maxSeen.Load())
	}
	if observed.Load() != 0 {
		t.Fatalf("event reported %d running", observed.Load())
	}
}

func TestFIFOStartOrder(t *testing.T) {
	t.Parallel()

	m := NewManager(1)
	var (
		mu    sync.Mutex
		order []int
	)
	gate := make(chan struct{})
	first, _ := m.Enqueue(KindPipeline, func(context.Context) (any, error) {
		<-gate
		return nil, nil
	}, nil)

	var last *Task
	for i := 0; i < 5; i++ {
		i := i
		kind := KindTool
		if i%2 == 0 {
			kind = KindPipeline
		}
		last, _ = m.Enqueue(kind, func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}, nil)
	}
	close(gate)
	_, _ = first.Wait(context.Background())
	_, _ = last.Wait(context.Background())

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("start order = %v, want ascending", order)
		}
	}
}

func TestTransitionsAndResult(t *testing.T) {
	t.Parallel()

	m := NewManager(2)
	var (
		mu     sync.Mutex
		events []Status
	)
	m.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Status)
		mu.Unlock()
	})

	boom := errors.New("boom")
	ok, _ := m.Enqueue(KindTool, func(context.Context) (any, error) { return "done", nil }, map[string]string{"sessionId": "s1"})
	bad, _ := m.Enqueue(KindTool, func(context.Context) (any, error) { return nil, boom }, nil)

	res, err := ok.Wait(context.Background())
	if err != nil || res != "done" {
		t.Fatalf("ok task = (%v, %v)", res, err)
	}
	if _, err := bad.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("bad task err = %v", err)
	}
	if ok.Status() != StatusSucceeded || bad.Status() != StatusFailed {
		t.Fatalf("statuses = %s, %s", ok.Status(), bad.Status())
	}

	mu.Lock()
	defer mu.Unlock()
	counts := map[Status]int{}
	for _, s := range events {
		counts[s]++
	}
	if counts[StatusQueued] != 2 || counts[StatusRunning] != 2 || counts[StatusSucceeded] != 1 || counts[StatusFailed] != 1 {
		t.Fatalf("unexpected transitions: %v", events)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	t.Parallel()

	m := NewManager(1)
	gate := make(chan struct{})
	running, _ := m.Enqueue(KindTool, func(context.Context) (any, error) {
		<-gate
		return nil, nil
	}, nil)
	var ran atomic.Bool
	queued, _ := m.Enqueue(KindTool, func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}, nil)

	waitFor(t, time.Second, func() bool { return running.Status() == StatusRunning })

	if err := m.Cancel(running.ID); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("Cancel(running) = %v, want ErrTaskRunning", err)
	}
	if !running.Cancelled() {
		t.Fatal("running task should observe the cancellation flag")
	}
	if err := m.Cancel(queued.ID); err != nil {
		t.Fatalf("Cancel(queued) failed: %v", err)
	}
	if _, err := queued.Wait(context.Background()); !shared.IsCode(err, shared.CodeStreamCancelled) {
		t.Fatalf("cancelled task err = %v", err)
	}
	if err := m.Cancel("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Cancel(missing) = %v", err)
	}

	close(gate)
	_, _ = running.Wait(context.Background())
	if ran.Load() {
		t.Fatal("cancelled task should never run")
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	m := NewManager(1)
	task, _ := m.Enqueue(KindTool, func(context.Context) (any, error) { panic("kaboom") }, nil)
	if _, err := task.Wait(context.Background()); err == nil {
		t.Fatal("expected error from panicking task")
	}
	follow, _ := m.Enqueue(KindTool, func(context.Context) (any, error) { return 1, nil }, nil)
	if _, err := follow.Wait(context.Background()); err != nil {
		t.Fatalf("queue stuck after panic: %v", err)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	m := NewManager(1)
	gate := make(chan struct{})
	running, _ := m.Enqueue(KindTool, func(context.Context) (any, error) {
		<-gate
		return nil, nil
	}, nil)
	queued, _ := m.Enqueue(KindTool, func(context.Context) (any, error) { return nil, nil }, nil)
	waitFor(t, time.Second, func() bool { return running.Status() == StatusRunning })

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := queued.Wait(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("queued task err = %v, want ErrShutdown", err)
	}
	if _, err := m.Enqueue(KindTool, func(context.Context) (any, error) { return nil, nil }, nil); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Enqueue after shutdown = %v", err)
	}
}

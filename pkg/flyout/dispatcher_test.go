package flyout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatcherRunsTasksInPostOrder(t *testing.T) {
	d := startDispatcher(t)

	var (
		mu  sync.Mutex
		got []int
	)

	for i := 0; i < 100; i++ {
		i := i
		d.Post(func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		})
	}

	drain(t, d)

	mu.Lock()
	defer mu.Unlock()

	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestDispatcherPostDoesNotBlockBeforeRun(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			d.Post(func() {})
		}
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Post blocked without a running loop")
	}
}

func TestDispatcherRecoversFromPanickingTask(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	d := NewDispatcher(zap.New(core).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	ran := false
	d.Post(func() { panic("boom") })
	d.Post(func() { ran = true })

	drain(t, d)

	if !ran {
		t.Error("task after panicking task did not run")
	}
	if n := logs.FilterMessage("Recovered from panic in controller task").Len(); n != 1 {
		t.Errorf("logged %d recovered panics, want 1", n)
	}
}

func TestDispatcherInvokeHonorsContext(t *testing.T) {
	// never started, so the task can't run
	d := NewDispatcher(newTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := d.Invoke(ctx, func() {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Invoke error = %v, want deadline exceeded", err)
	}
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Run did not return after cancel")
	}
}

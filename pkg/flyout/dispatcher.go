package flyout

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// Dispatcher is the controller context: one goroutine that runs posted
// tasks one at a time in the order they were posted. All controller state
// is owned by this goroutine; OS callbacks and other goroutines only post.
type Dispatcher struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// NewDispatcher creates a Dispatcher. Call Run to start executing tasks.
func NewDispatcher(logger *zap.SugaredLogger) *Dispatcher {
	logger = logger.Named("dispatcher")

	d := &Dispatcher{
		logger: logger,
		wake:   make(chan struct{}, 1),
	}

	logger.Debug("Created dispatcher instance")

	return d
}

// Post enqueues a task. It never blocks, so it is safe to call from
// OS notification threads.
func (d *Dispatcher) Post(task func()) {
	d.mu.Lock()
	d.queue = append(d.queue, task)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Invoke posts a task and waits for it to finish. Every task posted before
// it has finished too when Invoke returns. Must not be called from a task.
func (d *Dispatcher) Invoke(ctx context.Context, task func()) error {
	done := make(chan struct{})

	d.Post(func() {
		defer close(done)
		task()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is canceled. Tasks still queued at that
// point are dropped.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Debug("Dispatcher loop starting")

	for {
		if ctx.Err() != nil {
			d.logger.Debug("Dispatcher loop stopping")
			return
		}

		if task, ok := d.next(); ok {
			d.execute(task)
			continue
		}

		select {
		case <-ctx.Done():
			d.logger.Debug("Dispatcher loop stopping")
			return
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) next() (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return nil, false
	}

	task := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]

	return task, true
}

// execute runs a single task; a panicking task is logged and the loop goes on
func (d *Dispatcher) execute(task func()) {
	var catcher panics.Catcher
	catcher.Try(task)

	if recovered := catcher.Recovered(); recovered != nil {
		d.logger.Errorw("Recovered from panic in controller task", "error", recovered.AsError())
	}
}

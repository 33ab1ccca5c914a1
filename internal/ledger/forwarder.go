package ledger

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type forwardTask struct {
	name string
	run  func(ctx context.Context) error
}

// Forwarder runs best-effort remote calls on a single background
// goroutine. Enqueue never blocks: when the queue is full the task is
// dropped. Failures are logged at debug level and otherwise ignored.
type Forwarder struct {
	mu      sync.Mutex
	tasks   chan forwardTask
	done    chan struct{}
	started bool
	stopped bool
	log     *zap.Logger
}

// NewForwarder creates a Forwarder holding at most queue pending tasks.
func NewForwarder(queue int, log *zap.Logger) *Forwarder {
	if queue < 1 {
		queue = DefaultForwardQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Forwarder{
		tasks: make(chan forwardTask, queue),
		done:  make(chan struct{}),
		log:   log,
	}
}

// Enqueue schedules run. Tasks queued before Start run once it is called.
func (f *Forwarder) Enqueue(name string, run func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	select {
	case f.tasks <- forwardTask{name: name, run: run}:
	default:
		f.log.Debug("forwarder: queue full, dropping", zap.String("task", name))
	}
}

// Start begins the worker goroutine. Tasks run with ctx; once ctx is
// cancelled remaining tasks are discarded.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	if f.started || f.stopped {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	go func() {
		defer close(f.done)
		for t := range f.tasks {
			if ctx.Err() != nil {
				continue
			}
			if err := t.run(ctx); err != nil {
				f.log.Debug("forwarder: task failed", zap.String("task", t.name), zap.Error(err))
			}
		}
	}()
}

// Stop closes the queue and waits for already queued tasks to finish.
// Tasks queued on a Forwarder that was never started are discarded.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	close(f.tasks)
	started := f.started
	f.mu.Unlock()

	if started {
		<-f.done
	}
}

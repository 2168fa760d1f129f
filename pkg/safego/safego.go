// Package safego isolates background work from the request path: panics are
// logged instead of crashing the process, and queued tasks can be drained on
// shutdown.
package safego

import (
	"sync"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}

// Worker runs fire-and-forget tasks on a single background goroutine with a
// bounded queue. Submitting to a full queue drops the task (and logs it)
// rather than blocking the caller; background side effects must never stall
// the request path. Close drains everything already queued.
type Worker struct {
	name   string
	tasks  chan func()
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewWorker creates and starts a worker with the given queue capacity.
func NewWorker(logger *zap.Logger, name string, capacity int) *Worker {
	if capacity <= 0 {
		capacity = 256
	}
	w := &Worker{
		name:   name,
		tasks:  make(chan func(), capacity),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		logger: logger,
	}
	Go(logger, name, w.run)
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for task := range w.tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Background task panicked",
						zap.String("worker", w.name),
						zap.Any("panic", r),
					)
				}
			}()
			task()
		}()
	}
}

// Submit queues a task. Returns false if the worker is closed or the queue
// is full.
func (w *Worker) Submit(task func()) bool {
	select {
	case <-w.closed:
		return false
	default:
	}
	select {
	case w.tasks <- task:
		return true
	default:
		w.logger.Warn("Background queue full, dropping task",
			zap.String("worker", w.name),
		)
		return false
	}
}

// Close stops accepting tasks and blocks until the queue is drained.
func (w *Worker) Close() {
	w.once.Do(func() {
		close(w.closed)
		close(w.tasks)
	})
	<-w.done
}

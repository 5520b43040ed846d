package dom

import (
	"context"
	"log/slog"
	"sync"
)

// Loop is the page's single execution context. Observer callbacks are never
// run inline: they are posted here and executed in FIFO order by Drain or Run.
// Post is safe from any goroutine; tasks always run on the goroutine that
// drains the loop.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	logger *slog.Logger
}

// NewLoop creates an empty Loop. A nil logger uses slog.Default().
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Post queues fn for execution on the loop.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Drain runs queued tasks until the queue is empty, including tasks posted
// by the tasks themselves. It returns the number of tasks executed.
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.runTask(fn)
		n++
	}
}

// Run drains the loop every time work is posted, until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// runTask logs and swallows panics raised by a task.
func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("dom: loop task panicked", "panic", r)
		}
	}()
	fn()
}

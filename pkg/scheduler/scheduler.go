package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler owns recurring and one-shot tasks for one engine. Every task
// carries a cancellation handle honored on Stop, so no timer survives a stop
// call. A panicking task iteration is logged and does not kill the task.
type Scheduler struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	tasks   map[string]*Task
	stopped bool
}

// Task is one scheduled unit of work.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the task and waits for its goroutine to exit. Idempotent.
func (t *Task) Stop() {
	t.once.Do(func() {
		t.cancel()
		<-t.done
	})
}

func New(logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		logger: logger,
		tasks:  make(map[string]*Task),
	}
}

// Every runs fn at the given interval until the task or scheduler stops. The
// first run happens after one interval, not immediately.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{name: name, cancel: cancel, done: make(chan struct{})}
	if !s.register(t) {
		cancel()
		close(t.done)
		return t
	}

	go func() {
		defer close(t.done)
		defer s.unregister(name, t)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(ctx, name, fn)
			}
		}
	}()
	return t
}

// After runs fn once after the delay unless stopped first.
func (s *Scheduler) After(name string, delay time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{name: name, cancel: cancel, done: make(chan struct{})}
	if !s.register(t) {
		cancel()
		close(t.done)
		return t
	}

	go func() {
		defer close(t.done)
		defer s.unregister(name, t)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
		case <-timer.C:
			s.run(ctx, name, fn)
		}
	}()
	return t
}

// Stop cancels all tasks and waits for them. The scheduler accepts no new
// tasks afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
}

func (s *Scheduler) register(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if old, ok := s.tasks[t.name]; ok {
		// Replacing a task cancels the previous one without waiting here;
		// its goroutine unregisters itself on exit.
		old.cancel()
	}
	s.tasks[t.name] = t
	return true
}

// unregister removes the task only if the registry still points at it; a
// replaced task must not evict its replacement.
func (s *Scheduler) unregister(name string, t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[name] == t {
		delete(s.tasks, name)
	}
}

func (s *Scheduler) run(ctx context.Context, name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("scheduled task panicked", "task", name, "panic", r)
		}
	}()
	fn(ctx)
}

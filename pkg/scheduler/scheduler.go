// Package scheduler runs the device as a fixed-priority task set: the
// batch handler on a dedicated realtime thread, networking and telemetry as
// ordinary goroutines.
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"runtime"
	"slices"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// DefaultRealtimePriority is the SCHED_FIFO priority of realtime tasks.
const DefaultRealtimePriority = 80

// Task is one member of the task set.
type Task struct {
	Name string
	// Priority orders start-up, highest first.
	Priority int
	// Realtime tasks own a locked OS thread with a realtime policy.
	Realtime bool
	// Run must return when ctx is done. A non-nil error stops every task.
	Run func(ctx context.Context) error
}

// Scheduler starts and supervises a task set.
type Scheduler struct {
	log        *log.Logger
	priority   int
	lockMemory bool
	onStart    func(Task)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithRealtimePriority sets the SCHED_FIFO priority of realtime tasks.
func WithRealtimePriority(p int) Option {
	return func(s *Scheduler) { s.priority = p }
}

// WithMemoryLock enables or disables locking the process memory when the
// set contains a realtime task.
func WithMemoryLock(enabled bool) Option {
	return func(s *Scheduler) { s.lockMemory = enabled }
}

// WithStartHook registers fn to be called on each task's goroutine right
// before its Run.
func WithStartHook(fn func(Task)) Option {
	return func(s *Scheduler) { s.onStart = fn }
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		log:        log.Default(),
		priority:   DefaultRealtimePriority,
		lockMemory: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithPrefix("scheduler")
	return s
}

// Run starts tasks highest priority first and waits for all of them. Each
// task is running before the next one is started. The first error cancels
// the context of the others and is returned.
func (s *Scheduler) Run(ctx context.Context, tasks ...Task) error {
	if err := validate(tasks); err != nil {
		return err
	}
	ordered := slices.Clone(tasks)
	slices.SortStableFunc(ordered, func(a, b Task) int { return cmp.Compare(b.Priority, a.Priority) })

	if s.lockMemory && slices.ContainsFunc(ordered, func(t Task) bool { return t.Realtime }) {
		if err := lockMemory(); err != nil {
			s.log.Warn("Memory lock unavailable, page faults may delay batches", "err", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, task := range ordered {
		started := make(chan struct{})
		g.Go(func() error {
			if task.Realtime {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
				if err := setRealtime(s.priority); err != nil {
					s.log.Warn("Realtime scheduling unavailable", "task", task.Name, "err", err)
				}
			}
			s.log.Debug("Task started", "task", task.Name, "priority", task.Priority, "realtime", task.Realtime)
			if s.onStart != nil {
				s.onStart(task)
			}
			close(started)

			if err := task.Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", task.Name, err)
			}
			s.log.Debug("Task stopped", "task", task.Name)
			return nil
		})
		<-started
	}
	return g.Wait()
}

func validate(tasks []Task) error {
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t.Name == "" {
			return fmt.Errorf("task %d has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate task %q", t.Name)
		}
		seen[t.Name] = true
		if t.Run == nil {
			return fmt.Errorf("task %q has no Run function", t.Name)
		}
	}
	return nil
}

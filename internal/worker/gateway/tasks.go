package gateway

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// TaskSet tracks background tasks so shutdown can cancel and await them.
type TaskSet struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	next  uint64
	tasks map[uint64]string
}

// NewTaskSet returns a task set whose tasks inherit parent.
func NewTaskSet(parent context.Context) *TaskSet {
	ctx, cancel := context.WithCancel(parent)
	return &TaskSet{ctx: ctx, cancel: cancel, tasks: make(map[uint64]string)}
}

// Go starts fn as a tracked task. It returns false once the set is cancelled.
func (t *TaskSet) Go(name string, fn func(ctx context.Context)) bool {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		log.Debug().Str("task", name).Msg("Task set cancelled, not starting task")
		return false
	}
	t.next++
	id := t.next
	t.tasks[id] = name
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.tasks, id)
			t.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("task", name).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Background task panicked")
			}
		}()
		fn(t.ctx)
	}()
	return true
}

// Spawn adapts Go to the func(name, fn) shape used by hooks.
func (t *TaskSet) Spawn(name string, fn func(ctx context.Context)) {
	if !t.Go(name, fn) {
		log.Warn().Str("task", name).Msg("Dropped task after shutdown")
	}
}

// Len returns the number of running tasks.
func (t *TaskSet) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Names lists running tasks.
func (t *TaskSet) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.tasks))
	for _, n := range t.tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Context is cancelled by CancelTasks.
func (t *TaskSet) Context() context.Context {
	return t.ctx
}

// CancelTasks cancels every outstanding task. Later Go calls are refused.
func (t *TaskSet) CancelTasks() {
	t.mu.Lock()
	n := len(t.tasks)
	t.mu.Unlock()
	if n > 0 {
		log.Info().Int("tasks", n).Msg("Cancelling background tasks")
	}
	t.cancel()
}

// Wait blocks until every task has returned.
func (t *TaskSet) Wait() {
	t.wg.Wait()
}

package tracker

import (
	"sync"
	"time"

	"github.com/chainsink/indexer/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Tracker is a bounded registry of in-flight work units. It exists so
// shutdown can be timed: the process never waits on a task longer than the
// hard deadline, whatever that task is blocked on.
type Tracker struct {
	mu    sync.Mutex
	tasks map[string]string
	done  chan struct{} // created by ShutdownWithin, closed and cleared when the set drains
}

func New() *Tracker {
	return &Tracker{
		tasks: make(map[string]string),
		done:  nil,
	}
}

// Register adds a work unit. Registering an existing id overwrites its
// description.
func (t *Tracker) Register(taskID, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[taskID] = description
}

// Deregister removes a work unit and wakes shutdown waiters when the
// registry drains.
func (t *Tracker) Deregister(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, taskID)
	if len(t.tasks) == 0 && t.done != nil {
		close(t.done)
		t.done = nil
	}
}

// Running returns a snapshot of in-flight task ids and descriptions.
func (t *Tracker) Running() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.tasks))
	for id, desc := range t.tasks {
		out[id] = desc
	}
	return out
}

// ShutdownWithin waits for the registry to drain, at most maxDuration, and
// returns the ids of the tasks still running. Forcible completion is the
// caller's business; this only observes and reports.
func (t *Tracker) ShutdownWithin(maxDuration time.Duration) []string {
	t.mu.Lock()
	if len(t.tasks) == 0 {
		t.mu.Unlock()
		return nil
	}
	if t.done == nil {
		t.done = make(chan struct{})
	}
	done := t.done
	t.mu.Unlock()

	timer := time.NewTimer(maxDuration)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	remaining := t.Running()
	ids := make([]string, 0, len(remaining))
	for id, desc := range remaining {
		log.Warn().Str("task_id", id).Str("description", desc).Msg("Task did not complete before shutdown deadline")
		ids = append(ids, id)
	}
	metrics.ForcedShutdownTasks.Set(float64(len(ids)))
	return ids
}

package task

import "sync"

// Registry tracks which pipeline stage each live task occupies. A task
// id maps to exactly one stage; moving a task replaces its previous
// entry, so the at-most-one-bucket rule holds by construction.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
	tasks  map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]Stage),
		tasks:  make(map[string]*Task),
	}
}

// Track inserts or moves a task into the given stage.
func (r *Registry) Track(t *Task, stage Stage) {
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.stages[t.ID] = stage
	r.mu.Unlock()
}

// Move shifts an already-tracked task to a new stage. Returns false if
// the task is unknown.
func (r *Registry) Move(id string, stage Stage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return false
	}
	r.stages[id] = stage
	return true
}

// Drop removes the task from every stage bucket.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	delete(r.stages, id)
	delete(r.tasks, id)
	r.mu.Unlock()
}

// Stage returns the stage a task occupies, if tracked.
func (r *Registry) Stage(id string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[id]
	return s, ok
}

// Get returns the tracked task, if any.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Contains reports whether the task id is tracked in any stage.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[id]
	return ok
}

// InStage lists the tasks currently in one stage.
func (r *Registry) InStage(stage Stage) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Task
	for id, s := range r.stages {
		if s == stage {
			out = append(out, r.tasks[id])
		}
	}
	return out
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Views renders every tracked task for status reporting.
func (r *Registry) Views() []View {
	r.mu.RLock()
	pairs := make([]struct {
		t *Task
		s Stage
	}, 0, len(r.tasks))
	for id, t := range r.tasks {
		pairs = append(pairs, struct {
			t *Task
			s Stage
		}{t, r.stages[id]})
	}
	r.mu.RUnlock()

	views := make([]View, 0, len(pairs))
	for _, p := range pairs {
		views = append(views, p.t.ViewIn(p.s))
	}
	return views
}

// CountByStage returns how many tasks sit in each stage.
func (r *Registry) CountByStage() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, 4)
	for _, s := range r.stages {
		counts[s.String()]++
	}
	return counts
}

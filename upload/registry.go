package upload

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownTask ...
	ErrUnknownTask = errors.New("unknown task")
	// ErrTaskNotPending is returned when removing a task that already started.
	ErrTaskNotPending = errors.New("task is not pending")
)

// Observer is notified with a copy of every stored task.
type Observer func(Task)

// Registry owns the tasks of a batch.
// Every change is a whole-entry replacement serialized by the registry,
// so readers never see a partially updated task.
type Registry struct {
	mu        sync.Mutex
	tasks     map[string]Task
	order     []string
	observers []Observer
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{tasks: map[string]Task{}}
}

// Subscribe registers o. Observers run while the registry is locked and must not call back into it.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Add stores a new task.
func (r *Registry) Add(task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	r.tasks[task.ID] = task
	r.order = append(r.order, task.ID)
	r.notify(task)

	return nil
}

// Update applies fn to a copy of the task and stores the result.
func (r *Registry) Update(id string, fn func(Task) Task) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	next := fn(current)
	next.ID = current.ID
	if err := r.replace(next); err != nil {
		return current, err
	}
	return next, nil
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	return task, ok
}

// Snapshot returns copies of all tasks in insertion order.
func (r *Registry) Snapshot() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		tasks = append(tasks, r.tasks[id])
	}
	return tasks
}

// Remove deletes a pending task.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if task.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotPending, task.Name, task.Status)
	}

	delete(r.tasks, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len ...
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Registry) replace(task Task) error {
	current, ok := r.tasks[task.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, task.ID)
	}
	if err := validateTransition(current, task); err != nil {
		return err
	}

	r.tasks[task.ID] = task
	r.notify(task)
	return nil
}

func (r *Registry) notify(task Task) {
	for _, o := range r.observers {
		o(task)
	}
}

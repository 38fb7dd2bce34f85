package background

import (
	"sync"
)

// Sync runs every task inline, so assertions can follow the call that
// spawned it. Errors are recorded instead of logged.
type Sync struct {
	mu     sync.Mutex
	names  []string
	errors []error
}

func (s *Sync) Go(name string, fn Task) {
	err := runTask(fn)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	if err != nil {
		s.errors = append(s.errors, err)
	}
}

// Names lists spawned task names in order.
func (s *Sync) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

// Errors lists the errors returned by spawned tasks.
func (s *Sync) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errors...)
}

// Queue holds tasks until RunAll is called, for asserting that work was
// scheduled without having run yet.
type Queue struct {
	mu    sync.Mutex
	names []string
	tasks []Task
}

func (q *Queue) Go(name string, fn Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.names = append(q.names, name)
	q.tasks = append(q.tasks, fn)
}

// Pending returns the names of tasks not yet run.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.names...)
}

// RunAll runs and clears the queued tasks, returning their errors.
func (q *Queue) RunAll() []error {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks, q.names = nil, nil
	q.mu.Unlock()

	var errs []error
	for _, fn := range tasks {
		if err := runTask(fn); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

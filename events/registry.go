package events

import (
	"context"
	"sort"
	"sync"
)

// Registry holds the queues of a process by name.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]*Queue)}
}

// Register adds q, replacing any queue with the same name.
func (r *Registry) Register(q *Queue) {
	r.mu.Lock()
	r.queues[q.Name()] = q
	r.mu.Unlock()
}

// Get returns the queue called name.
func (r *Registry) Get(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

// List returns the registered queue names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FlushAll flushes every queue concurrently; queues never wait on each other.
func (r *Registry) FlushAll(ctx context.Context) map[string]FlushOutcome {
	names := r.List()
	outcomes := make(map[string]FlushOutcome, len(names))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range names {
		q, ok := r.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := q.Flush(ctx)
			mu.Lock()
			outcomes[name] = outcome
			mu.Unlock()
		}()
	}
	wg.Wait()
	return outcomes
}

// Close closes every registered queue.
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.queues {
		q.Close()
	}
}

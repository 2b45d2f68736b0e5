package worker

import (
	"sort"
	"sync"

	"market-task-orchestrator/internal/tasks"
)

// Registry binds job codes to the functions that run them.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]tasks.WorkerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]tasks.WorkerFunc)}
}

// Register binds a handler to a job code. Empty codes and nil handlers are ignored.
func (r *Registry) Register(code string, handler tasks.WorkerFunc) {
	if code == "" || handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[code] = handler
}

// Lookup returns the handler for code.
func (r *Registry) Lookup(code string) (tasks.WorkerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[code]
	return h, ok
}

// Codes lists registered codes in sorted order.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for c := range r.handlers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

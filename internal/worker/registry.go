package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"crm-workflow-engine/internal/models"
)

// Handler executes one job type.
type Handler interface {
	Type() string
	Handle(ctx context.Context, job models.Job) error
}

// Registry maps job types to handlers. It is populated once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to its job type. Empty types and duplicate
// registrations are configuration mistakes and fail loudly.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job type %s", t)
	}
	r.handlers[t] = h
	return nil
}

// MustRegister registers every handler and panics on error. Composition
// roots use it so a miswired registry kills the process at startup.
func (r *Registry) MustRegister(hs ...Handler) {
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Get returns the handler for a job type.
func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

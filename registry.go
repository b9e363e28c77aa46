package stepflow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps workflow IDs to definitions. It is safe for concurrent
// use; registration normally happens once at startup.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	order     []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*Workflow),
	}
}

// Register adds a workflow. Registering an ID twice is a DefinitionError.
func (r *Registry) Register(w *Workflow) error {
	if w == nil {
		return &DefinitionError{Reason: "workflow is nil"}
	}
	if err := w.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[w.ID()]; exists {
		return &DefinitionError{WorkflowID: w.ID(), Reason: "already registered"}
	}
	r.workflows[w.ID()] = w
	r.order = append(r.order, w.ID())
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(w *Workflow) {
	if err := r.Register(w); err != nil {
		panic(err)
	}
}

// Get returns the workflow registered under id
func (r *Registry) Get(id string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s not registered", id)
	}
	return w, nil
}

// IDs returns the registered workflow IDs sorted alphabetically
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.workflows))
	for id := range r.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Match returns, in registration order, every workflow whose trigger
// matches evt. Predicate failures exclude that workflow and are returned
// alongside the matches.
func (r *Registry) Match(evt *Event) ([]*Workflow, []error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		matched []*Workflow
		errs    []error
	)
	for _, id := range r.order {
		w := r.workflows[id]
		if w.trigger == nil {
			continue
		}
		ok, err := w.trigger.Matches(evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", id, err))
			continue
		}
		if ok {
			matched = append(matched, w)
		}
	}
	return matched, errs
}

package async

import (
	"sort"
	"sync"

	"github.com/teranos/crmpulse/errors"
)

// Registry maps type ids to JobTypes. It is built once at process start and passed
// to the scheduler and to job-creation call sites.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	types map[string]JobType
	mu    sync.RWMutex
}

// NewRegistry creates an empty job type registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]JobType)}
}

// Register adds job types by ID. Nothing is registered if any id is empty, already
// registered, or repeated within the call.
func (r *Registry) Register(types ...JobType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(types))
	for _, jt := range types {
		id := jt.ID()
		if id == "" {
			return &RegistrationError{TypeID: id, Reason: "empty type id"}
		}
		if _, exists := r.types[id]; exists || seen[id] {
			return &RegistrationError{TypeID: id, Reason: "already registered"}
		}
		seen[id] = true
	}
	for _, jt := range types {
		r.types[jt.ID()] = jt
	}
	return nil
}

// Unregister removes job types by ID. Unknown ids are a RegistrationError and
// leave the registry unchanged.
func (r *Registry) Unregister(types ...JobType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, jt := range types {
		if _, exists := r.types[jt.ID()]; !exists {
			return &RegistrationError{TypeID: jt.ID(), Reason: "not registered"}
		}
	}
	for _, jt := range types {
		delete(r.types, jt.ID())
	}
	return nil
}

// Get returns the job type registered under id
func (r *Registry) Get(id string) (JobType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jt, ok := r.types[id]
	return jt, ok
}

// Lookup is Get returning an errors.ErrNotFound-wrapping error for unknown ids
func (r *Registry) Lookup(id string) (JobType, error) {
	jt, ok := r.Get(id)
	if !ok {
		return nil, errors.WithHint(
			errors.NewNotFoundError("job type %q is not registered", id),
			"run `crmpulse jobs types` to list registered job types")
	}
	return jt, nil
}

// IDs returns all registered type ids, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PeriodicTypes returns the Periodic and PseudoPeriodic job types, sorted by id
func (r *Registry) PeriodicTypes() []JobType {
	var out []JobType
	for _, id := range r.IDs() {
		jt, _ := r.Get(id)
		if jt != nil && jt.Periodic().IsPeriodic() {
			out = append(out, jt)
		}
	}
	return out
}

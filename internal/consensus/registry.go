package consensus

import (
	"fmt"
	"sync"

	"github.com/ppiankov/pob/internal/model"
)

// Registry holds the validators authorized to vote. Claims refer to
// validators by id only.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]model.Validator
	order      []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]model.Validator)}
}

// Register adds a validator. Ids are unique and registration is permanent.
func (r *Registry) Register(v model.Validator) error {
	if v.ID == "" {
		return fmt.Errorf("%w: missing id", model.ErrInvalidValidator)
	}
	if !v.Reputation.InUnit() {
		return fmt.Errorf("%w: reputation %s outside [0,1]", model.ErrInvalidValidator, v.Reputation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.validators[v.ID]; exists {
		return fmt.Errorf("%w: %s", model.ErrDuplicateValidator, v.ID)
	}
	r.validators[v.ID] = v
	r.order = append(r.order, v.ID)
	return nil
}

// Lookup returns a validator by id
func (r *Registry) Lookup(id string) (model.Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[id]
	return v, ok
}

// All returns validators in registration order
func (r *Registry) All() []model.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Validator, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.validators[id])
	}
	return out
}

// Len returns the number of registered validators
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

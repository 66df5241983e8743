package bridge

import (
	"sync"

	"mediary/pkg/types"
)

// Registry maps each connected local client to the filter it last had
// granted upstream. One filter per client; a later subscribe replaces it.
type Registry struct {
	mu      sync.RWMutex
	filters map[string]types.TopicFilter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{filters: make(map[string]types.TopicFilter)}
}

// Set records filter for clientID, replacing any previous one.
func (r *Registry) Set(clientID string, filter types.TopicFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[clientID] = filter
}

// Remove drops the entry for clientID, if any.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.filters, clientID)
}

// Get returns the filter recorded for clientID.
func (r *Registry) Get(clientID string) (types.TopicFilter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filters[clientID]
	return f, ok
}

// Snapshot copies the current entries.
func (r *Registry) Snapshot() map[string]types.TopicFilter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.TopicFilter, len(r.filters))
	for k, v := range r.filters {
		out[k] = v
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.filters)
}

package channels

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry manages all channel adapters.
// It is the single lookup point the delivery queue uses to reach a platform.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *zerolog.Logger
}

// NewRegistry creates a new channel registry.
func NewRegistry(logger *zerolog.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

// Register adds an adapter. Channel ids are unique; outbound messages name
// their channel by id.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("nil adapter")
	}
	id := adapter.ID()
	if id == "" {
		return fmt.Errorf("adapter id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("adapter %q already registered", id)
	}

	r.adapters[id] = adapter
	r.logger.Info().
		Str("adapter", id).
		Str("type", string(adapter.Type())).
		Msg("Channel registered")

	return nil
}

// Unregister removes an adapter from the registry.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[id]; !exists {
		return fmt.Errorf("adapter %q not found", id)
	}

	delete(r.adapters, id)
	r.logger.Info().Str("adapter", id).Msg("Channel unregistered")

	return nil
}

// Get returns an adapter by ID.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[id]
	return adapter, ok
}

// All returns all registered adapters ordered by ID.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	result := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		result = append(result, adapter)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// Status returns the status of all adapters.
func (r *Registry) Status() []AdapterStatus {
	adapters := r.All()
	statuses := make([]AdapterStatus, 0, len(adapters))
	for _, adapter := range adapters {
		status := AdapterStatus{
			ID:        adapter.ID(),
			Type:      adapter.Type(),
			Connected: adapter.IsConnected(),
		}
		if acc, ok := adapter.(interface{ AccountID() string }); ok {
			status.AccountID = acc.AccountID()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

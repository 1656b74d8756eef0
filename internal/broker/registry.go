package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"trader-space/internal/apperrors"
	"trader-space/internal/credential"
)

// Factory builds a client for one resolved credential.
type Factory func(cred credential.Credential) (ExchangeClient, error)

// Registry maps broker names to client factories. Names are case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// Client builds the client for cred.Broker.
func (r *Registry) Client(cred credential.Credential) (ExchangeClient, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(cred.Broker)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", cred.Broker, apperrors.ErrUnsupportedBroker)
	}
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return f(cred)
}

// Names lists the registered brokers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

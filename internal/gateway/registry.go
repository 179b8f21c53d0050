// Package gateway resolves exchange-name strings to concrete venue clients.
// Unknown names fail with a typed error instead of a runtime lookup failure.
package gateway

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"signaltrader/internal/gateway/exchange"
)

// ErrUnknownExchange is returned when no constructor is registered for the
// requested name. Terminal: the executor must not retry it.
var ErrUnknownExchange = errors.New("unknown exchange")

// Constructor builds a venue client. Key and secret are empty for public-data
// clients (ticker lookups in the trailing-stop scan).
type Constructor func(apiKey, apiSecret string) (exchange.Exchange, error)

type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

func (r *Registry) Register(name string, ctor Constructor) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || ctor == nil {
		return
	}
	r.mu.Lock()
	r.constructors[name] = ctor
	r.mu.Unlock()
}

// New builds an authenticated client for the named venue.
func (r *Registry) New(name, apiKey, apiSecret string) (exchange.Exchange, error) {
	ctor, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return ctor(apiKey, apiSecret)
}

// NewPublic builds an unauthenticated client, sufficient for ticker data.
func (r *Registry) NewPublic(name string) (exchange.Exchange, error) {
	ctor, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return ctor("", "")
}

func (r *Registry) lookup(name string) (Constructor, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	ctor, ok := r.constructors[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
	}
	return ctor, nil
}

// Names lists registered venues, sorted, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

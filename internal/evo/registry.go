package evo

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrSelectorExists   = errors.New("selector already registered")
	ErrSelectorNotFound = errors.New("selector not found")
)

// SelectorOptions carries the tunables a selector factory may read.
type SelectorOptions struct {
	TournamentSize int
}

type SelectorFactory func(opts SelectorOptions) Selector

var selectorRegistry = struct {
	mu sync.RWMutex
	m  map[string]SelectorFactory
}{
	m: builtinSelectors(),
}

func builtinSelectors() map[string]SelectorFactory {
	return map[string]SelectorFactory{
		RouletteSelector{}.Name(): func(SelectorOptions) Selector {
			return RouletteSelector{}
		},
		TournamentSelector{}.Name(): func(opts SelectorOptions) Selector {
			return TournamentSelector{TournamentSize: opts.TournamentSize}
		},
	}
}

// RegisterSelector makes a selector available to ResolveSelector by name.
func RegisterSelector(name string, factory SelectorFactory) error {
	if name == "" {
		return errors.New("selector name is required")
	}
	if factory == nil {
		return errors.New("selector factory is required")
	}

	selectorRegistry.mu.Lock()
	defer selectorRegistry.mu.Unlock()

	if _, exists := selectorRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrSelectorExists, name)
	}
	selectorRegistry.m[name] = factory
	return nil
}

// ResolveSelector builds the named selector. An empty name resolves to
// roulette.
func ResolveSelector(name string, opts SelectorOptions) (Selector, error) {
	if name == "" {
		name = RouletteSelector{}.Name()
	}
	selectorRegistry.mu.RLock()
	factory, ok := selectorRegistry.m[name]
	selectorRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSelectorNotFound, name)
	}
	return factory(opts), nil
}

func ListSelectors() []string {
	selectorRegistry.mu.RLock()
	defer selectorRegistry.mu.RUnlock()

	names := make([]string, 0, len(selectorRegistry.m))
	for name := range selectorRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetSelectorRegistryForTests() {
	selectorRegistry.mu.Lock()
	defer selectorRegistry.mu.Unlock()
	selectorRegistry.m = builtinSelectors()
}

package cache

import (
	"context"
	"sort"
	"sync"
)

// MemProvider keeps generations in process memory. Mostly useful for tests
// and embedded setups where persistence across restarts does not matter.
type MemProvider struct {
	mutex *sync.RWMutex
	gens  map[string]map[string]Entry
}

func NewMemProvider() MemProvider {
	return MemProvider{
		mutex: &sync.RWMutex{},
		gens:  make(map[string]map[string]Entry),
	}
}

func (m MemProvider) Open(ctx context.Context, name string) (Generation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.gens[name]; !ok {
		m.gens[name] = make(map[string]Entry)
	}
	return memGeneration{name: name, provider: m}, nil
}

func (m MemProvider) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.gens))
	for name := range m.gens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemProvider) Drop(ctx context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.gens, name)
	return nil
}

func (m MemProvider) Close() error {
	return nil
}

type memGeneration struct {
	name     string
	provider MemProvider
}

func (g memGeneration) Name() string {
	return g.name
}

func (g memGeneration) Match(ctx context.Context, key string) (Entry, bool, error) {
	g.provider.mutex.RLock()
	defer g.provider.mutex.RUnlock()
	entries, ok := g.provider.gens[g.name]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := entries[key]
	return entry, ok, nil
}

func (g memGeneration) Put(ctx context.Context, entry Entry) error {
	g.provider.mutex.Lock()
	defer g.provider.mutex.Unlock()
	entries, ok := g.provider.gens[g.name]
	if !ok {
		// the generation was dropped; the write goes nowhere
		return nil
	}
	entries[entry.Key] = entry
	return nil
}

func (g memGeneration) Delete(ctx context.Context, key string) error {
	g.provider.mutex.Lock()
	defer g.provider.mutex.Unlock()
	if entries, ok := g.provider.gens[g.name]; ok {
		delete(entries, key)
	}
	return nil
}

func (g memGeneration) Keys(ctx context.Context) ([]string, error) {
	g.provider.mutex.RLock()
	defer g.provider.mutex.RUnlock()
	entries := g.provider.gens[g.name]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (g memGeneration) Has(ctx context.Context, key string) bool {
	g.provider.mutex.RLock()
	defer g.provider.mutex.RUnlock()
	entries, ok := g.provider.gens[g.name]
	if !ok {
		return false
	}
	_, ok = entries[key]
	return ok
}

package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/attune/pkg/provider/live"
	"github.com/MrWong99/attune/pkg/provider/stt"
	"github.com/MrWong99/attune/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// exists under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type T from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the name table of one provider kind.
type factories[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, byName: make(map[string]Factory[T])}
}

func (f factories[T]) create(mu *sync.RWMutex, entry ProviderEntry) (T, error) {
	mu.RLock()
	factory, ok := f.byName[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: build %s/%s: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

// Registry maps provider names to factories, one table per provider kind.
// It is safe for concurrent use. Registering a name twice replaces the
// earlier factory.
type Registry struct {
	mu   sync.RWMutex
	live factories[live.Provider]
	stt  factories[stt.Transcriber]
	tts  factories[tts.Provider]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		live: newFactories[live.Provider]("live"),
		stt:  newFactories[stt.Transcriber]("stt"),
		tts:  newFactories[tts.Provider]("tts"),
	}
}

// RegisterLive adds a live model factory.
func (r *Registry) RegisterLive(name string, factory Factory[live.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.byName[name] = factory
}

// RegisterSTT adds a transcriber factory.
func (r *Registry) RegisterSTT(name string, factory Factory[stt.Transcriber]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.byName[name] = factory
}

// RegisterTTS adds a speech synthesiser factory.
func (r *Registry) RegisterTTS(name string, factory Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.byName[name] = factory
}

// CreateLive builds the live provider named by entry.Name. It returns
// [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	return r.live.create(&r.mu, entry)
}

// CreateSTT builds the transcriber named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) {
	return r.stt.create(&r.mu, entry)
}

// CreateTTS builds the synthesiser named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return r.tts.create(&r.mu, entry)
}

// Names returns the sorted names registered for kind ("live", "stt" or
// "tts"). Unknown kinds yield nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.live.kind:
		return slices.Sorted(maps.Keys(r.live.byName))
	case r.stt.kind:
		return slices.Sorted(maps.Keys(r.stt.byName))
	case r.tts.kind:
		return slices.Sorted(maps.Keys(r.tts.byName))
	}
	return nil
}

package adapter

import (
	"strings"
	"sync"

	"runbox/internal/executor/sandbox/profile"
	appErr "runbox/pkg/errors"
)

// Registry resolves language ids and aliases to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	aliases  map[string]string
	order    []string
}

// NewRegistry builds adapters for every language spec.
func NewRegistry(langs []profile.LanguageSpec, limits InputLimits) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]Adapter, len(langs)),
		aliases:  make(map[string]string),
	}
	for _, lang := range langs {
		a, err := New(lang, limits)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidParams, "language %q", lang.ID)
		}
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter under its language id and aliases.
func (r *Registry) Register(a Adapter) error {
	lang := a.Language()
	id := normalize(lang.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[id]; ok {
		return appErr.Newf(appErr.InvalidParams, "language %q registered twice", lang.ID)
	}
	r.adapters[id] = a
	r.order = append(r.order, id)
	for _, alias := range lang.Aliases {
		key := normalize(alias)
		if key == "" || key == id {
			continue
		}
		if _, ok := r.adapters[key]; ok {
			return appErr.Newf(appErr.InvalidParams, "alias %q shadows language id", alias)
		}
		r.aliases[key] = id
	}
	return nil
}

// Resolve returns the adapter for a language id or alias.
func (r *Registry) Resolve(language string) (Adapter, error) {
	key := normalize(language)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[key]; ok {
		return a, nil
	}
	if id, ok := r.aliases[key]; ok {
		return r.adapters[id], nil
	}
	return nil, appErr.New(appErr.LanguageNotSupported).WithDetail("language", language)
}

// Languages lists the registered languages in registration order.
func (r *Registry) Languages() []profile.LanguageSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]profile.LanguageSpec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.adapters[id].Language())
	}
	return out
}

func normalize(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

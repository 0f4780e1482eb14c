package passes

import (
	"errors"
	"fmt"
	"sync"

	"github.com/julianshen/cpghunter/internal/security"
	"github.com/julianshen/cpghunter/internal/security/refiner"
)

// Deps are the shared collaborators handed to pass constructors.
type Deps struct {
	// LLM enables model-assisted classification and semantics. Nil
	// disables both.
	LLM refiner.Completer
}

// Factory builds a pass instance from its effective configuration.
type Factory func(cfg security.PassConfig, deps Deps) (security.Pass, error)

// Registry resolves pass ids to pass instances. It implements
// security.Resolver.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
	deps      Deps
}

var _ security.Resolver = (*Registry)(nil)

// NewRegistry returns a registry with every built-in pass registered.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{factories: make(map[Kind]Factory, len(Kinds)), deps: deps}
	for _, k := range Kinds {
		r.factories[k] = builtin(k)
	}
	return r
}

// NewEmptyRegistry returns a registry with nothing registered.
func NewEmptyRegistry(deps Deps) *Registry {
	return &Registry{factories: make(map[Kind]Factory), deps: deps}
}

// builtin maps each kind to its constructor.
func builtin(k Kind) Factory {
	switch k {
	case KindInit:
		return newInitPass
	case KindCWE78:
		return taintFactory(KindCWE78, cwe78Rules)
	case KindCWE134:
		return taintFactory(KindCWE134, cwe134Rules)
	case KindTaint:
		return taintFactory(KindTaint, ruleSet{})
	}
	panic(fmt.Sprintf("passes: no constructor for kind %q", k))
}

func taintFactory(k Kind, rules ruleSet) Factory {
	return func(cfg security.PassConfig, deps Deps) (security.Pass, error) {
		p, err := newTaintPass(k, rules, cfg, deps)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Register installs f for kind k. Only built-in kinds can be registered
// and each at most once.
func (r *Registry) Register(k Kind, f Factory) error {
	if !k.Valid() {
		return fmt.Errorf("register pass %q: not a known pass kind", k)
	}
	if f == nil {
		return fmt.Errorf("register pass %q: nil factory", k)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[k]; dup {
		return fmt.Errorf("register pass %q: already registered", k)
	}
	r.factories[k] = f
	return nil
}

// IDs returns the registered pass ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKinds(r.factories)
}

// Validate checks that every id is registered. All unknown ids are
// reported together.
func (r *Registry) Validate(ids []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, id := range ids {
		if _, ok := r.factories[Kind(id)]; !ok {
			errs = append(errs, &security.UnknownPassError{ID: id, Known: sortedKinds(r.factories)})
		}
	}
	return errors.Join(errs...)
}

// Resolve builds the pass registered under id.
func (r *Registry) Resolve(id string, cfg security.PassConfig) (security.Pass, error) {
	r.mu.RLock()
	f, ok := r.factories[Kind(id)]
	known := sortedKinds(r.factories)
	r.mu.RUnlock()
	if !ok {
		return nil, &security.UnknownPassError{ID: id, Known: known}
	}
	return f(cfg, r.deps)
}

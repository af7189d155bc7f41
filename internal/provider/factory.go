package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/railyard-labs/railyard-go/internal/domain"
)

// Set bundles the providers a train operates against.
type Set struct {
	Ci    CiProvider
	Store map[domain.StoreKind]StoreProvider
	Vcs   VcsProvider
}

// StoreFor returns the provider for a store kind; an unsupported kind is
// a config-class error, never retried.
func (s Set) StoreFor(kind domain.StoreKind) (StoreProvider, error) {
	store, ok := s.Store[kind]
	if !ok || store == nil {
		return nil, Config(CodeParameterInvalid, fmt.Errorf("no store provider for kind %q", kind))
	}
	return store, nil
}

// Registry holds adapter constructors keyed by provider kind, selected
// by configuration at startup.
type Registry struct {
	ci    map[string]func() (CiProvider, error)
	store map[domain.StoreKind]func() (StoreProvider, error)
	vcs   map[string]func() (VcsProvider, error)
}

func NewRegistry() *Registry {
	return &Registry{
		ci:    map[string]func() (CiProvider, error){},
		store: map[domain.StoreKind]func() (StoreProvider, error){},
		vcs:   map[string]func() (VcsProvider, error){},
	}
}

func (r *Registry) RegisterCi(kind string, build func() (CiProvider, error)) {
	r.ci[normalizeKind(kind)] = build
}

func (r *Registry) RegisterStore(kind domain.StoreKind, build func() (StoreProvider, error)) {
	r.store[kind] = build
}

func (r *Registry) RegisterVcs(kind string, build func() (VcsProvider, error)) {
	r.vcs[normalizeKind(kind)] = build
}

// Build assembles a provider set for the configured kinds. Unsupported
// kinds fail with a config-class error.
func (r *Registry) Build(ciKind, vcsKind string, storeKinds []domain.StoreKind) (Set, error) {
	buildCi, ok := r.ci[normalizeKind(ciKind)]
	if !ok {
		return Set{}, Config(CodeParameterInvalid, fmt.Errorf("unsupported ci provider %q", ciKind))
	}
	ci, err := buildCi()
	if err != nil {
		return Set{}, err
	}

	buildVcs, ok := r.vcs[normalizeKind(vcsKind)]
	if !ok {
		return Set{}, Config(CodeParameterInvalid, fmt.Errorf("unsupported vcs provider %q", vcsKind))
	}
	vcs, err := buildVcs()
	if err != nil {
		return Set{}, err
	}

	if len(storeKinds) == 0 {
		return Set{}, Config(CodeParameterInvalid, errors.New("at least one store kind is required"))
	}
	stores := make(map[domain.StoreKind]StoreProvider, len(storeKinds))
	for _, kind := range storeKinds {
		buildStore, ok := r.store[kind]
		if !ok {
			return Set{}, Config(CodeParameterInvalid, fmt.Errorf("unsupported store provider %q", kind))
		}
		store, err := buildStore()
		if err != nil {
			return Set{}, err
		}
		stores[kind] = store
	}

	return Set{Ci: ci, Store: stores, Vcs: vcs}, nil
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

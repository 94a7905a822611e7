// Package crawler holds the source adapters. Each adapter turns one
// marketplace's listing pages or feeds into RawProductRecords, going through
// the fetch guard for every request.
package crawler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"prodintel/internal/model"
)

const defaultLimit = 50

type Adapter interface {
	Source() string
	// FetchCandidates returns up to limit records for a category, store or
	// tag. On total failure it returns an empty slice and a *FetchError.
	FetchCandidates(ctx context.Context, target string, limit int) ([]model.RawProductRecord, error)
	// FetchDetail returns nil, nil when the source has no detail page for id.
	FetchDetail(ctx context.Context, id string) (*model.DetailRecord, error)
}

type ErrorKind string

const (
	// KindTransient covers network errors, timeouts and non-2xx responses.
	KindTransient ErrorKind = "transient"
	// KindParse means the page or payload was not recognised as a whole.
	KindParse ErrorKind = "parse"
)

type FetchError struct {
	Source string
	Target string
	Kind   ErrorKind
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s fetch %q (%s): %v", e.Source, e.Target, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Registry maps a source name to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(a Adapter) error {
	if a == nil || a.Source() == "" {
		return fmt.Errorf("adapter must have a source name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[a.Source()]; dup {
		return fmt.Errorf("adapter %q already registered", a.Source())
	}
	r.adapters[a.Source()] = a
	return nil
}

func (r *Registry) Get(source string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[source]
	return a, ok
}

func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Package extract runs named metadata extractors against cached dataset
// clones and persists their results.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/dsregistry/dsregistry/internal/errs"
	"github.com/dsregistry/dsregistry/internal/model"
)

// ErrNotApplicable is returned by an extractor that determined the dataset
// carries no content for it to extract. The run is reported as skipped, not
// failed.
var ErrNotApplicable = errors.New("extractor not applicable")

// Extractor produces a structured metadata document from a dataset clone.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, repoPath string, params model.ParamMap) (model.Document, error)
}

// Registry looks extractors up by name.
type Registry struct {
	byName map[string]Extractor
}

func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{byName: make(map[string]Extractor, len(extractors))}
	for _, e := range extractors {
		r.byName[e.Name()] = e
	}
	return r
}

func (r *Registry) Register(e Extractor) {
	r.byName[e.Name()] = e
}

func (r *Registry) Get(name string) (Extractor, error) {
	e, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("extractor %q: %w", name, errs.ErrNotFound)
	}
	return e, nil
}

// Names returns the registered extractor names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

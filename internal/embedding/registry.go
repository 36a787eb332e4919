package embedding

import (
	"fmt"
	"sort"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/config"
)

// Registry holds the embedding strategies a request may select by name.
type Registry struct {
	defaultName string
	byName      map[string]Embedder
}

// NewRegistry builds every strategy enabled in cfg.
func NewRegistry(cfg *config.EmbedConfig, apiKey string) (*Registry, error) {
	r := &Registry{defaultName: cfg.Default, byName: map[string]Embedder{}}
	if cfg.OpenAI != nil {
		e, err := NewOpenAIEmbedder(cfg.OpenAI, apiKey)
		if err != nil {
			return nil, err
		}
		r.Register(e)
	}
	if cfg.Ollama != nil {
		e, err := NewOllamaEmbedder(cfg.Ollama)
		if err != nil {
			return nil, err
		}
		r.Register(e)
	}
	if cfg.Hashing != nil {
		r.Register(NewHashingEmbedder(cfg.Hashing.Dimension))
	}
	if _, ok := r.byName[r.defaultName]; !ok {
		return nil, fmt.Errorf("default embedding strategy %q is not configured", r.defaultName)
	}
	return r, nil
}

// NewStaticRegistry builds a registry from ready embedders; the first one is the default.
func NewStaticRegistry(embedders ...Embedder) *Registry {
	r := &Registry{byName: map[string]Embedder{}}
	for _, e := range embedders {
		if r.defaultName == "" {
			r.defaultName = e.Name()
		}
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e Embedder) {
	r.byName[e.Name()] = e
}

// Get returns the named strategy; an empty name selects the default.
func (r *Registry) Get(name string) (Embedder, error) {
	if name == "" {
		name = r.defaultName
	}
	e, ok := r.byName[name]
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "embed", fmt.Sprintf("unknown embedding strategy %q", name))
	}
	return e, nil
}

func (r *Registry) Default() string { return r.defaultName }

// Names lists the registered strategies.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

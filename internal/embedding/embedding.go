package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/config"
	"document-rag-server/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder maps text to a fixed-length vector. The length is constant for
// the lifetime of an Embedder.
type Embedder interface {
	Name() string
	Model() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Tag returns the identity stores pin a collection to.
func Tag(e Embedder) models.EmbedderTag {
	return models.EmbedderTag{Strategy: e.Name(), Model: e.Model()}
}

// langchainEmbedder adapts a langchaingo embedder and guards its output.
type langchainEmbedder struct {
	name  string
	model string
	impl embeddings.Embedder

	mu  sync.Mutex
	dim int
}

// NewLangchainEmbedder wraps any langchaingo embedding client under name.
func NewLangchainEmbedder(name, model string, client embeddings.EmbedderClient) (Embedder, error) {
	impl, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return &langchainEmbedder{name: name, model: model, impl: impl}, nil
}

// NewOpenAIEmbedder creates the remote embedding strategy against an
// OpenAI-compatible API.
func NewOpenAIEmbedder(cfg *config.OpenAIEmbed, apiKey string) (Embedder, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Creating openai embedder")

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(strings.TrimPrefix(apiKey, "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize openai client: %w", err)
	}
	return NewLangchainEmbedder("openai", cfg.Model, llm)
}

// NewOllamaEmbedder creates the local embedding strategy backed by an Ollama server.
func NewOllamaEmbedder(cfg *config.OllamaEmbed) (Embedder, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Creating ollama embedder")

	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
	}
	return NewLangchainEmbedder("ollama", cfg.Model, llm)
}

func (e *langchainEmbedder) Name() string { return e.name }

func (e *langchainEmbedder) Model() string { return e.model }

func (e *langchainEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Wrapf(apperr.KindEmbedding, "embed", apperr.ErrEmptyText, "text to embed is empty")
	}

	// EmbedQuery indexes the response without checking it, so go through
	// EmbedDocuments and validate the shape here.
	vectors, err := e.impl.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEmbedding, "embed", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, apperr.Wrap(apperr.KindEmbedding, "embed",
			fmt.Errorf("%s returned %d vectors for one input", e.name, len(vectors)))
	}
	return e.checkDimension(vectors[0])
}

func (e *langchainEmbedder) checkDimension(v []float32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim == 0 {
		e.dim = len(v)
		return v, nil
	}
	if len(v) != e.dim {
		return nil, apperr.Wrap(apperr.KindEmbedding, "embed",
			fmt.Errorf("%s: %w: got %d, want %d", e.name, apperr.ErrDimensionMismatch, len(v), e.dim))
	}
	return v, nil
}

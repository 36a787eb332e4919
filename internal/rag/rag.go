package rag

import (
	"context"
	"errors"
	"strings"
	"time"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/embedding"
	"document-rag-server/internal/llmservice"
	"document-rag-server/internal/models"
	"document-rag-server/internal/observability"

	"github.com/google/uuid"
)

// VectorStore persists embedding records of one collection and ranks them by
// cosine similarity.
type VectorStore interface {
	Put(ctx context.Context, rec models.Record) error
	Search(ctx context.Context, vector []float32, k int, where map[string]string) ([]models.Hit, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Stores opens collections for the embedder that fills them and drops them.
// Open refuses a collection filled by another embedder.
type Stores interface {
	Open(ctx context.Context, collection string, tag models.EmbedderTag) (VectorStore, error)
	Drop(ctx context.Context, collection string) error
}

// Catalog indexes stored documents by owner.
type Catalog interface {
	Upsert(ctx context.Context, collection string, doc models.Document) error
	HasOwner(ctx context.Context, collection, owner string) (bool, error)
	List(ctx context.Context, owner string) ([]models.Document, error)
	InCollection(ctx context.Context, collection string) ([]models.Document, error)
	DeleteCollection(ctx context.Context, collection string) (int64, error)
}

// Archiver keeps raw uploads.
type Archiver interface {
	Save(ctx context.Context, owner, fileName string, data []byte) (string, error)
	Load(ctx context.Context, owner, fileName string) ([]byte, error)
}

type Options struct {
	TopK            int
	MaxContextChars int
	MinSimilarity   float32
	EmbedTimeout    time.Duration
	GenerateTimeout time.Duration
	SystemPrompt    string
}

type RAG struct {
	embedders *embedding.Registry
	stores    Stores
	catalog   Catalog
	archive   Archiver
	generator llmservice.Generator
	opts      Options
}

// NewRAG wires the pipeline. archive may be nil.
func NewRAG(embedders *embedding.Registry, stores Stores, catalog Catalog, archive Archiver, generator llmservice.Generator, opts Options) *RAG {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = models.SystemPrompt
	}
	return &RAG{
		embedders: embedders,
		stores:    stores,
		catalog:   catalog,
		archive:   archive,
		generator: generator,
		opts:      opts,
	}
}

// CollectionName is the collection holding vectors of one strategy.
func CollectionName(strategy string) string {
	return "documents_" + strategy
}

// DocumentID is stable for (collection, owner, file name), which makes
// re-ingesting a file replace its record.
func DocumentID(collection, owner, fileName string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(collection+"\x00"+owner+"\x00"+fileName)).String()
}

// Stats counts the records of every strategy's collection.
func (r *RAG) Stats(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(r.embedders.Names()))
	for _, name := range r.embedders.Names() {
		e, err := r.embedders.Get(name)
		if err != nil {
			return nil, err
		}
		store, err := r.stores.Open(ctx, CollectionName(name), embedding.Tag(e))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "stats", err)
		}
		n, err := store.Count(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "stats", err)
		}
		out[name] = n
	}
	return out, nil
}

// ListDocuments returns the catalog entries of owner.
func (r *RAG) ListDocuments(ctx context.Context, owner string) ([]models.Document, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, apperr.New(apperr.KindValidation, "list", "owner is required")
	}
	docs, err := r.catalog.List(ctx, owner)
	if err != nil {
		return nil, apperr.WithOwner(apperr.Wrap(apperr.KindStore, "list", err), owner)
	}
	return docs, nil
}

// embed runs the embedding stage under its own deadline.
func (r *RAG) embed(ctx context.Context, e embedding.Embedder, text string) ([]float32, error) {
	defer observeStage("embed", time.Now())
	if r.opts.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.EmbedTimeout)
		defer cancel()
	}
	v, err := e.Embed(ctx, text)
	if err != nil {
		return nil, stageError(ctx, apperr.KindEmbedding, "embed", err)
	}
	return v, nil
}

// stageError keeps the kind a component already assigned and flags
// deadline expiry of the stage context.
func stageError(ctx context.Context, kind apperr.Kind, op string, err error) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		cp := *e
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cp.Timeout = true
		}
		return &cp
	}
	wrapped := apperr.Wrap(kind, op, err)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		wrapped.Timeout = true
	}
	return wrapped
}

func observeStage(stage string, start time.Time) {
	observability.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func countOutcome(operation, strategy string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	observability.PipelineTotal.WithLabelValues(operation, strategy, result).Inc()
}

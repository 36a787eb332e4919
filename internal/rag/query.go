package rag

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/embedding"
	"document-rag-server/internal/models"
	"document-rag-server/internal/observability"

	"github.com/rs/zerolog/log"
)

// Query answers a question from the owner's documents. When retrieval finds
// nothing the fixed NoDocumentsAnswer is returned and the model is not called.
func (r *RAG) Query(ctx context.Context, q models.Query) (ans models.Answer, err error) {
	owner := strings.TrimSpace(q.Owner)
	question := strings.TrimSpace(q.Question)
	strategy := q.Strategy
	if strategy == "" {
		strategy = r.embedders.Default()
	}
	defer func() {
		countOutcome("query", strategy, err)
		if err != nil {
			err = apperr.WithOwner(err, owner)
			log.Error().Err(err).Str("owner", owner).Str("strategy", strategy).Msg("Query failed")
		}
	}()

	if question == "" {
		return ans, apperr.New(apperr.KindValidation, "query", "query cannot be empty")
	}
	if owner == "" {
		return ans, apperr.New(apperr.KindValidation, "query", "owner is required")
	}
	k := q.K
	if k == 0 {
		k = r.opts.TopK
	}
	if k < 0 {
		return ans, apperr.New(apperr.KindValidation, "query", "k must be greater than zero")
	}
	embedder, err := r.embedders.Get(strategy)
	if err != nil {
		return ans, err
	}

	collection := CollectionName(strategy)
	known, err := r.catalog.HasOwner(ctx, collection, owner)
	if err != nil {
		return ans, apperr.Wrap(apperr.KindStore, "catalog", err)
	}
	if !known {
		return ans, apperr.New(apperr.KindNotFound, "query", "no documents found for this owner")
	}

	vector, err := r.embed(ctx, embedder, question)
	if err != nil {
		return ans, err
	}

	store, err := r.stores.Open(ctx, collection, embedding.Tag(embedder))
	if err != nil {
		return ans, apperr.Wrap(apperr.KindStore, "open collection", err)
	}
	start := time.Now()
	hits, err := store.Search(ctx, vector, k, map[string]string{models.MetaOwner: owner})
	observeStage("search", start)
	if err != nil {
		return ans, stageError(ctx, apperr.KindStore, "search", err)
	}
	hits = r.aboveThreshold(hits)
	observability.RetrievedHits.Observe(float64(len(hits)))

	ans = models.Answer{Query: question, Sources: sources(hits)}
	if len(hits) == 0 {
		log.Debug().Str("owner", owner).Msg("No hits, returning fallback answer")
		ans.Content = models.NoDocumentsAnswer
		return ans, nil
	}

	contextText := ComposeContext(hits, models.ContextSeparator, r.opts.MaxContextChars)
	content, err := r.generate(ctx, question, contextText)
	if err != nil {
		return models.Answer{}, err
	}
	ans.Content = content
	log.Info().Str("owner", owner).Int("hits", len(hits)).Str("strategy", strategy).Msg("Answered query")
	return ans, nil
}

func (r *RAG) generate(ctx context.Context, question, contextText string) (string, error) {
	defer observeStage("generate", time.Now())
	if r.opts.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.GenerateTimeout)
		defer cancel()
	}
	content, err := r.generator.Generate(ctx, r.opts.SystemPrompt, question, contextText)
	if err != nil {
		return "", stageError(ctx, apperr.KindGeneration, "generate", err)
	}
	return content, nil
}

func (r *RAG) aboveThreshold(hits []models.Hit) []models.Hit {
	if r.opts.MinSimilarity <= 0 {
		return hits
	}
	kept := hits[:0:0]
	for _, h := range hits {
		if h.Score >= r.opts.MinSimilarity {
			kept = append(kept, h)
		}
	}
	return kept
}

func sources(hits []models.Hit) []models.Source {
	out := make([]models.Source, 0, len(hits))
	for _, h := range hits {
		out = append(out, models.Source{DocumentID: h.ID, FileName: h.Metadata[models.MetaFileName], Score: h.Score})
	}
	return out
}

// ComposeContext joins hit texts in rank order with delimiter, keeping the
// result within maxChars characters (maxChars <= 0 means unlimited). Excerpts
// are kept whole; the lowest-ranked ones are dropped first. The top excerpt
// is truncated only when it alone exceeds the budget.
func ComposeContext(hits []models.Hit, delimiter string, maxChars int) string {
	var b strings.Builder
	used := 0
	sep := utf8.RuneCountInString(delimiter)
	for i, h := range hits {
		n := utf8.RuneCountInString(h.Text)
		if i > 0 {
			n += sep
		}
		if maxChars > 0 && used+n > maxChars {
			if i == 0 {
				b.WriteString(truncateRunes(h.Text, maxChars))
			}
			break
		}
		if i > 0 {
			b.WriteString(delimiter)
		}
		b.WriteString(h.Text)
		used += n
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

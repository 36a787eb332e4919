package rag

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/embedding"
	"document-rag-server/internal/models"
	"document-rag-server/internal/parser"

	"github.com/rs/zerolog/log"
)

type IngestRequest struct {
	Owner    string
	FileName string
	Data     []byte
	Strategy string
}

// Ingest extracts, embeds and stores one upload. Nothing is written unless
// extraction and embedding both succeed.
func (r *RAG) Ingest(ctx context.Context, req IngestRequest) (doc models.Document, err error) {
	owner := strings.TrimSpace(req.Owner)
	strategy := req.Strategy
	if strategy == "" {
		strategy = r.embedders.Default()
	}
	defer func() {
		countOutcome("ingest", strategy, err)
		if err != nil {
			err = apperr.WithOwner(err, owner)
			log.Error().Err(err).Str("owner", owner).Str("file", req.FileName).Str("strategy", strategy).Msg("Ingest failed")
		}
	}()

	if owner == "" {
		return doc, apperr.New(apperr.KindValidation, "ingest", "owner is required")
	}
	if strings.TrimSpace(req.FileName) == "" {
		return doc, apperr.New(apperr.KindValidation, "ingest", "file name is required")
	}
	if len(req.Data) == 0 {
		return doc, apperr.New(apperr.KindValidation, "ingest", "file is empty")
	}
	if !parser.Supported(req.FileName) {
		return doc, apperr.Wrapf(apperr.KindExtraction, "extract", apperr.ErrUnsupportedFormat,
			"wrong format: supported extensions are %s", strings.Join(parser.Extensions(), ", "))
	}
	embedder, err := r.embedders.Get(strategy)
	if err != nil {
		return doc, err
	}

	start := time.Now()
	text, err := parser.Extract(req.FileName, req.Data)
	observeStage("extract", start)
	if err != nil {
		return doc, err
	}
	log.Debug().Str("owner", owner).Str("file", req.FileName).Int("characters", utf8.RuneCountInString(text)).Msg("Extracted text")

	vector, err := r.embed(ctx, embedder, text)
	if err != nil {
		return doc, err
	}

	collection := CollectionName(strategy)
	store, err := r.stores.Open(ctx, collection, embedding.Tag(embedder))
	if err != nil {
		return doc, apperr.Wrap(apperr.KindStore, "open collection", err)
	}

	doc = models.Document{
		ID:         DocumentID(collection, owner, req.FileName),
		Owner:      owner,
		FileName:   req.FileName,
		Strategy:   strategy,
		Text:       text,
		Characters: utf8.RuneCountInString(text),
		CreatedAt:  time.Now().UTC(),
	}

	start = time.Now()
	err = store.Put(ctx, models.Record{
		ID:     doc.ID,
		Text:   text,
		Vector: vector,
		Metadata: map[string]string{
			models.MetaOwner:     owner,
			models.MetaFileName:  req.FileName,
			models.MetaCreatedAt: strconv.FormatInt(doc.CreatedAt.Unix(), 10),
		},
	})
	observeStage("store", start)
	if err != nil {
		return models.Document{}, stageError(ctx, apperr.KindStore, "put", err)
	}

	if err := r.catalog.Upsert(ctx, collection, doc); err != nil {
		return models.Document{}, apperr.Wrap(apperr.KindStore, "catalog", err)
	}

	if r.archive != nil {
		if URL, err := r.archive.Save(ctx, owner, req.FileName, req.Data); err != nil {
			log.Warn().Err(err).Str("owner", owner).Str("file", req.FileName).Msg("Could not archive upload")
		} else {
			log.Debug().Str("url", URL).Msg("Archived upload")
		}
	}

	log.Info().Str("owner", owner).Str("file", req.FileName).Str("strategy", strategy).Str("document_id", doc.ID).Msg("Document stored")
	return doc, nil
}

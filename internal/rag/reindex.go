package rag

import (
	"context"
	"fmt"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/models"

	"github.com/rs/zerolog/log"
)

// Reindex rebuilds the collection of strategy with its current embedder.
// Every catalogued upload is read back from the archive before anything is
// dropped, so a missing upload leaves the collection untouched.
func (r *RAG) Reindex(ctx context.Context, strategy string) (int, error) {
	if r.archive == nil {
		return 0, apperr.New(apperr.KindValidation, "reindex", "reindexing needs the upload archive")
	}
	if strategy == "" {
		strategy = r.embedders.Default()
	}
	if _, err := r.embedders.Get(strategy); err != nil {
		return 0, err
	}
	collection := CollectionName(strategy)

	docs, err := r.catalog.InCollection(ctx, collection)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStore, "reindex", err)
	}
	uploads := make([]IngestRequest, 0, len(docs))
	for _, d := range docs {
		data, err := r.archive.Load(ctx, d.Owner, d.FileName)
		if err != nil {
			return 0, apperr.Wrap(apperr.KindStore, "reindex", fmt.Errorf("%s/%s: %w", d.Owner, d.FileName, err))
		}
		uploads = append(uploads, IngestRequest{Owner: d.Owner, FileName: d.FileName, Data: data, Strategy: strategy})
	}

	if err := r.stores.Drop(ctx, collection); err != nil {
		return 0, apperr.Wrap(apperr.KindStore, "reindex", err)
	}
	if _, err := r.catalog.DeleteCollection(ctx, collection); err != nil {
		return 0, apperr.Wrap(apperr.KindStore, "reindex", err)
	}
	log.Info().Str("collection", collection).Int("documents", len(uploads)).Msg("Dropped collection for reindexing")

	var doc models.Document
	for i, req := range uploads {
		if doc, err = r.Ingest(ctx, req); err != nil {
			return i, err
		}
		log.Debug().Str("document_id", doc.ID).Msg("Reindexed document")
	}
	return len(uploads), nil
}

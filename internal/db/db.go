package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/config"
	"document-rag-server/internal/models"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

// EmbeddingRecord is one stored document vector.
type EmbeddingRecord struct {
	bun.BaseModel `bun:"table:embedding_records,alias:r"`

	ID         string            `bun:"id,pk"`
	Collection string            `bun:"collection,notnull"`
	Content    string            `bun:"content,notnull"`
	Embedding  pgvector.Vector   `bun:"embedding,notnull,type:vector"`
	Metadata   map[string]string `bun:"metadata,type:jsonb,notnull"`
	Seq        int64             `bun:"seq,type:bigserial,nullzero"`
}

// CollectionRecord pins the dimensionality and embedder of a collection.
type CollectionRecord struct {
	bun.BaseModel `bun:"table:embedding_collections,alias:c"`

	Name      string `bun:"name,pk"`
	Dimension int    `bun:"dimension,notnull"`
	Strategy  string `bun:"strategy,notnull,default:''"`
	Model     string `bun:"model,notnull,default:''"`
}

func (r *CollectionRecord) tag() models.EmbedderTag {
	return models.EmbedderTag{Strategy: r.Strategy, Model: r.Model}
}

// checkPinned reports whether vectors of dim produced by tag may go into the
// collection described by r. Rows without an embedder accept any.
func checkPinned(r *CollectionRecord, dim int, tag models.EmbedderTag) error {
	if (r.Strategy != "" || r.Model != "") && r.tag() != tag {
		return fmt.Errorf("collection %s: %w: holds %s vectors, got %s", r.Name, apperr.ErrEmbedderMismatch, r.tag(), tag)
	}
	if dim != 0 && dim != r.Dimension {
		return fmt.Errorf("collection %s: %w: got %d, want %d", r.Name, apperr.ErrDimensionMismatch, dim, r.Dimension)
	}
	return nil
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the configured driver: bun's pgdriver by default or lib/pq.
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "pq", "postgres":
		return sql.Open("postgres", cfg.DSN)
	case "", "pgdriver":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*CollectionRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create collections table: %w", err)
	}
	for _, column := range []string{"strategy", "model"} {
		if _, err := db.ExecContext(ctx, "ALTER TABLE embedding_collections ADD COLUMN IF NOT EXISTS "+column+" text NOT NULL DEFAULT ''"); err != nil {
			return fmt.Errorf("failed to migrate collections table: %w", err)
		}
	}
	if _, err := db.NewCreateTable().Model((*EmbeddingRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	_, err := db.NewCreateIndex().Model((*EmbeddingRecord)(nil)).Index("embedding_records_collection_idx").
		IfNotExists().Column("collection", "seq").Exec(ctx)
	return err
}

// Store is a Postgres/pgvector backend. Each collection is a partition of
// one table.
type Store struct {
	db *bun.DB

	mu     sync.Mutex
	pinned map[string]*CollectionRecord
}

// Open connects, migrates and returns the store.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	sqldb, err := ConnectDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db := NewDB(sqldb, cfg.Debug)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := InitDB(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("driver", cfg.Driver).Msg("Connected to postgres vector store")
	return &Store{db: db, pinned: map[string]*CollectionRecord{}}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Collection returns a view of the store restricted to one collection and
// one embedder. A collection already filled by another embedder is refused.
func (s *Store) Collection(ctx context.Context, name string, tag models.EmbedderTag) (*Collection, error) {
	rec, err := s.collection(ctx, name, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "open collection", err)
	}
	if rec != nil {
		if err := checkPinned(rec, 0, tag); err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "open collection", err)
		}
	}
	return &Collection{store: s, name: name, tag: tag}, nil
}

// DeleteCollection removes the records of name and its pinned embedder.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*EmbeddingRecord)(nil)).Where("collection = ?", name).Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete records: %w", err)
		}
		if _, err := tx.NewDelete().Model((*CollectionRecord)(nil)).Where("name = ?", name).Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete collection: %w", err)
		}
		delete(s.pinned, name)
		return nil
	})
}

// collection returns the pinned row of name, inserting claim when the
// collection has none yet. Nil means unknown.
func (s *Store) collection(ctx context.Context, name string, claim *CollectionRecord) (*CollectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.pinned[name]; ok && (rec.Strategy != "" || rec.Model != "" || claim == nil) {
		return rec, nil
	}

	rec := new(CollectionRecord)
	err := s.db.NewSelect().Model(rec).Where("name = ?", name).Scan(ctx)
	switch {
	case err == nil:
		if claim != nil && rec.Strategy == "" && rec.Model == "" {
			// rows written before embedders were recorded
			rec.Strategy, rec.Model = claim.Strategy, claim.Model
			if _, err := s.db.NewUpdate().Model(rec).Column("strategy", "model").WherePK().Exec(ctx); err != nil {
				return nil, err
			}
		}
		s.pinned[name] = rec
		return rec, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	case claim == nil:
		return nil, nil
	}

	if _, err := s.db.NewInsert().Model(claim).On("CONFLICT (name) DO NOTHING").Exec(ctx); err != nil {
		return nil, err
	}
	// another process may have won the insert
	rec = new(CollectionRecord)
	if err := s.db.NewSelect().Model(rec).Where("name = ?", name).Scan(ctx); err != nil {
		return nil, err
	}
	s.pinned[name] = rec
	return rec, nil
}

type Collection struct {
	store *Store
	name  string
	tag   models.EmbedderTag
}

// Put upserts rec; an existing id takes the new content and a new sequence.
func (c *Collection) Put(ctx context.Context, rec models.Record) error {
	if rec.ID == "" {
		return apperr.Wrap(apperr.KindStore, "put", errors.New("record id is empty"))
	}
	if len(rec.Vector) == 0 {
		return apperr.Wrap(apperr.KindStore, "put", errors.New("record vector is empty"))
	}
	pinned, err := c.store.collection(ctx, c.name, &CollectionRecord{
		Name:      c.name,
		Dimension: len(rec.Vector),
		Strategy:  c.tag.Strategy,
		Model:     c.tag.Model,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStore, "put", err)
	}
	if err := checkPinned(pinned, len(rec.Vector), c.tag); err != nil {
		return apperr.Wrap(apperr.KindStore, "put", err)
	}

	row := newRow(c.name, rec)
	_, err = c.store.db.NewInsert().Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("collection = EXCLUDED.collection").
		Set("content = EXCLUDED.content").
		Set("embedding = EXCLUDED.embedding").
		Set("metadata = EXCLUDED.metadata").
		Set("seq = EXCLUDED.seq").
		Exec(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindStore, "put", fmt.Errorf("failed to store record: %w", err))
	}
	return nil
}

func newRow(collection string, rec models.Record) *EmbeddingRecord {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return &EmbeddingRecord{
		ID:         rec.ID,
		Collection: collection,
		Content:    rec.Text,
		Embedding:  pgvector.NewVector(rec.Vector),
		Metadata:   meta,
	}
}

type searchRow struct {
	ID       string            `bun:"id"`
	Content  string            `bun:"content"`
	Metadata map[string]string `bun:"metadata,type:jsonb"`
	Score    float64           `bun:"score"`
}

// Search ranks by cosine distance, then by insertion sequence.
func (c *Collection) Search(ctx context.Context, vector []float32, k int, where map[string]string) ([]models.Hit, error) {
	if k <= 0 {
		return nil, apperr.New(apperr.KindValidation, "search", "k must be greater than zero")
	}
	pinned, err := c.store.collection(ctx, c.name, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "search", err)
	}
	if pinned == nil {
		return []models.Hit{}, nil
	}
	if err := checkPinned(pinned, len(vector), c.tag); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "search", err)
	}

	q := pgvector.NewVector(vector)
	sel := c.store.db.NewSelect().Model((*EmbeddingRecord)(nil)).
		Column("id", "content", "metadata").
		ColumnExpr("1 - (embedding <=> ?) AS score", q).
		Where("collection = ?", c.name)
	if len(where) > 0 {
		filter, err := json.Marshal(where)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStore, "search", err)
		}
		sel = sel.Where("metadata @> ?::jsonb", string(filter))
	}

	var rows []searchRow
	err = sel.OrderExpr("embedding <=> ?", q).Order("seq").Limit(k).Scan(ctx, &rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "search", fmt.Errorf("failed to search documents: %w", err))
	}

	hits := make([]models.Hit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, models.Hit{ID: r.ID, Text: r.Content, Score: float32(r.Score), Metadata: r.Metadata})
	}
	return hits, nil
}

func (c *Collection) Count(ctx context.Context) (int, error) {
	n, err := c.store.db.NewSelect().Model((*EmbeddingRecord)(nil)).Where("collection = ?", c.name).Count(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStore, "count", err)
	}
	return n, nil
}

func (c *Collection) Close() error { return nil }

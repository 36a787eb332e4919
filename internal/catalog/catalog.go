// Package catalog indexes ingested documents by owner in SQLite.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"document-rag-server/internal/models"

	_ "modernc.org/sqlite"
)

// Catalog records one row per stored document.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog at path. ":memory:" is accepted.
func Open(ctx context.Context, path string) (*Catalog, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path
	}
	sqldb, err := sql.Open("sqlite", EnsurePragmas(dsn, true, 5000))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if path == ":memory:" {
		// every new connection would see a different empty database
		sqldb.SetMaxOpenConns(1)
	}
	c := &Catalog{db: sqldb}
	if err := c.ensureSchema(ctx); err != nil {
		sqldb.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
            id TEXT PRIMARY KEY,
            collection TEXT NOT NULL,
            owner TEXT NOT NULL,
            file_name TEXT NOT NULL,
            strategy TEXT NOT NULL,
            characters INTEGER NOT NULL,
            created_at DATETIME NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner, collection);`,
	}
	for _, s := range stmts {
		if _, err := c.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to create catalog schema: %w", err)
		}
	}
	return nil
}

// Upsert records doc under collection, replacing an earlier row with the same id.
func (c *Catalog) Upsert(ctx context.Context, collection string, doc models.Document) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO documents (id, collection, owner, file_name, strategy, characters, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            characters = excluded.characters,
            created_at = excluded.created_at`,
		doc.ID, collection, doc.Owner, doc.FileName, doc.Strategy, doc.Characters, doc.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record document: %w", err)
	}
	return nil
}

// HasOwner reports whether owner has any document in collection.
func (c *Catalog) HasOwner(ctx context.Context, collection, owner string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM documents WHERE collection = ? AND owner = ?`, collection, owner).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up owner: %w", err)
	}
	return n > 0, nil
}

// List returns the documents of owner, newest first.
func (c *Catalog) List(ctx context.Context, owner string) ([]models.Document, error) {
	return c.query(ctx, `SELECT id, owner, file_name, strategy, characters, created_at
        FROM documents WHERE owner = ? ORDER BY created_at DESC, file_name`, owner)
}

// InCollection returns every document stored in collection, oldest first.
func (c *Catalog) InCollection(ctx context.Context, collection string) ([]models.Document, error) {
	return c.query(ctx, `SELECT id, owner, file_name, strategy, characters, created_at
        FROM documents WHERE collection = ? ORDER BY created_at, owner, file_name`, collection)
}

// DeleteCollection forgets every document of collection.
func (c *Catalog) DeleteCollection(ctx context.Context, collection string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return res.RowsAffected()
}

func (c *Catalog) query(ctx context.Context, query string, args ...interface{}) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []models.Document{}
	for rows.Next() {
		var d models.Document
		var created time.Time
		if err := rows.Scan(&d.ID, &d.Owner, &d.FileName, &d.Strategy, &d.Characters, &created); err != nil {
			return nil, fmt.Errorf("failed to read document row: %w", err)
		}
		d.CreatedAt = created
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

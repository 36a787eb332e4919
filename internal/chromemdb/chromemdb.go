package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/models"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const manifestFile = "manifest.yaml"

// VectorDBManager owns a chromem-go database and hands out one Collection per
// embedding strategy.
type VectorDBManager struct {
	db       *chromem.DB
	dbPath   string
	compress bool

	mu          sync.Mutex
	collections map[string]*collection
	manifest    manifest
}

// manifest records what chromem cannot: the dimension of every collection
// and the embedder that filled it.
type manifest struct {
	Collections map[string]collectionInfo `yaml:"collections"`
}

type collectionInfo struct {
	Dimension int       `yaml:"dimension"`
	Strategy  string    `yaml:"strategy,omitempty"`
	Model     string    `yaml:"model,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

func (i collectionInfo) tag() models.EmbedderTag {
	return models.EmbedderTag{Strategy: i.Strategy, Model: i.Model}
}

// NewVectorDBManager opens the database at dbPath. With inMemory set nothing
// is written to disk.
func NewVectorDBManager(dbPath string, inMemory, compress bool) (*VectorDBManager, error) {
	m := &VectorDBManager{
		dbPath:      dbPath,
		compress:    compress,
		collections: map[string]*collection{},
		manifest:    manifest{Collections: map[string]collectionInfo{}},
	}
	if inMemory {
		m.db = chromem.NewDB()
		m.dbPath = ""
		return m, nil
	}

	db, err := chromem.NewPersistentDB(dbPath, compress)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	m.db = db
	if err := m.loadManifest(); err != nil {
		return nil, err
	}
	log.Debug().Str("path", dbPath).Int("collections", len(db.ListCollections())).Msg("Opened vector database")
	return m, nil
}

// Collection returns a handle on the named collection for vectors produced
// by tag, creating the collection on first use. A collection already filled
// by another embedder is refused.
func (m *VectorDBManager) Collection(ctx context.Context, name string, tag models.EmbedderTag) (*Collection, error) {
	st, err := m.state(name)
	if err != nil {
		return nil, err
	}
	c := &Collection{mgr: m, st: st, tag: tag}
	if err := c.checkEmbedder(); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "open collection", err)
	}
	return c, nil
}

func (m *VectorDBManager) state(name string) (*collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.collections[name]; ok {
		return st, nil
	}
	coll, err := m.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "open collection", fmt.Errorf("failed to create/get collection: %w", err))
	}
	st := &collection{name: name, coll: coll, info: m.manifest.Collections[name]}
	st.lastSeq.Store(time.Now().UnixNano())
	m.collections[name] = st
	return st, nil
}

// DeleteCollection drops a collection with its records.
func (m *VectorDBManager) DeleteCollection(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	delete(m.collections, name)
	delete(m.manifest.Collections, name)
	return m.saveManifestLocked()
}

// Export writes every collection to an encrypted backup file. The key must be
// 32 bytes long. Collection dimensions go to a sidecar file next to it.
func (m *VectorDBManager) Export(filePath, encryptionKey string) error {
	if encryptionKey == "" {
		return errors.New("encryption key is required")
	}
	log.Debug().Str("file", filePath).Bool("compress", m.compress).Msg("Exporting vector database")
	if err := m.db.ExportToFile(filePath, m.compress, encryptionKey); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}

	m.mu.Lock()
	data, err := yaml.Marshal(&m.manifest)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(sidecarPath(filePath), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Import replaces the collections found in the backup file.
func (m *VectorDBManager) Import(filePath, encryptionKey string) error {
	data, err := os.ReadFile(sidecarPath(filePath))
	if err != nil {
		return fmt.Errorf("failed to read backup manifest: %w", err)
	}
	var backup manifest
	if err := yaml.Unmarshal(data, &backup); err != nil {
		return fmt.Errorf("failed to parse backup manifest: %w", err)
	}
	if err := m.db.ImportFromFile(filePath, encryptionKey); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// cached collections point at the replaced chromem collections
	m.collections = map[string]*collection{}
	for name, info := range backup.Collections {
		m.manifest.Collections[name] = info
	}
	log.Info().Str("file", filePath).Int("collections", len(backup.Collections)).Msg("Imported vector database")
	return m.saveManifestLocked()
}

func sidecarPath(filePath string) string {
	return filePath + "." + manifestFile
}

// Close releases the manager. chromem flushes on every write.
func (m *VectorDBManager) Close() error {
	return nil
}

func (m *VectorDBManager) manifestPath() string {
	return filepath.Join(m.dbPath, manifestFile)
}

func (m *VectorDBManager) loadManifest() error {
	data, err := os.ReadFile(m.manifestPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m.manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.manifest.Collections == nil {
		m.manifest.Collections = map[string]collectionInfo{}
	}
	return nil
}

func (m *VectorDBManager) saveManifestLocked() error {
	if m.dbPath == "" {
		return nil
	}
	data, err := yaml.Marshal(&m.manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	tmp := m.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return os.Rename(tmp, m.manifestPath())
}

func (m *VectorDBManager) recordCollection(name string, info collectionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifest.Collections[name] = info
	return m.saveManifestLocked()
}

// collection is the state shared by every handle on one chromem collection.
type collection struct {
	name string
	coll *chromem.Collection

	mu      sync.Mutex
	info    collectionInfo // zero Dimension until the first put
	lastSeq atomic.Int64
}

// Collection is a vector store holding records of a single dimensionality
// produced by a single embedder.
type Collection struct {
	mgr *VectorDBManager
	st  *collection
	tag models.EmbedderTag
}

func (c *Collection) Name() string { return c.st.name }

// Put stores rec, replacing any record with the same id.
func (c *Collection) Put(ctx context.Context, rec models.Record) error {
	if rec.ID == "" {
		return apperr.Wrap(apperr.KindStore, "put", errors.New("record id is empty"))
	}
	if len(rec.Vector) == 0 {
		return apperr.Wrap(apperr.KindStore, "put", errors.New("record vector is empty"))
	}
	if err := c.claim(len(rec.Vector)); err != nil {
		return apperr.Wrap(apperr.KindStore, "put", err)
	}

	meta := make(map[string]string, len(rec.Metadata)+1)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta[models.MetaSeq] = strconv.FormatInt(c.nextSeq(), 10)

	vec := make([]float32, len(rec.Vector))
	copy(vec, rec.Vector)

	err := c.st.coll.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Metadata:  meta,
		Embedding: vec,
		Content:   rec.Text,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindStore, "put", fmt.Errorf("failed to add document: %w", err))
	}
	return nil
}

// Search returns up to k records most similar to vector by cosine
// similarity, best first. Equal scores keep insertion order.
func (c *Collection) Search(ctx context.Context, vector []float32, k int, where map[string]string) ([]models.Hit, error) {
	if k <= 0 {
		return nil, apperr.New(apperr.KindValidation, "search", "k must be greater than zero")
	}
	n := c.st.coll.Count()
	if n == 0 {
		return []models.Hit{}, nil
	}
	if err := c.checkEmbedder(); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "search", err)
	}
	if err := c.checkDimension(len(vector)); err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "search", err)
	}

	// chromem ranks with an unstable heap, so rank everything here.
	results, err := c.st.coll.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "search", fmt.Errorf("failed to query by similarity: %w", err))
	}

	hits := make([]models.Hit, 0, len(results))
	seqs := make([]int64, 0, len(results))
	for _, r := range results {
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		seq, _ := strconv.ParseInt(meta[models.MetaSeq], 10, 64)
		delete(meta, models.MetaSeq)
		hits = append(hits, models.Hit{ID: r.ID, Text: r.Content, Score: r.Similarity, Metadata: meta})
		seqs = append(seqs, seq)
	}
	sortHits(hits, seqs)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (c *Collection) Count(ctx context.Context) (int, error) {
	return c.st.coll.Count(), nil
}

func (c *Collection) Close() error { return nil }

// claim pins the dimension and embedder of an empty collection, or checks
// them against the pinned ones.
func (c *Collection) claim(dim int) error {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	info := c.st.info
	if info.Dimension != 0 {
		if err := c.mismatch(info); err != nil {
			return err
		}
		if dim != info.Dimension {
			return fmt.Errorf("collection %s: %w: got %d, want %d", c.st.name, apperr.ErrDimensionMismatch, dim, info.Dimension)
		}
		if info.Strategy != "" || info.Model != "" {
			return nil
		}
		// collections written before embedders were recorded
		info.Strategy, info.Model = c.tag.Strategy, c.tag.Model
	} else {
		info = collectionInfo{Dimension: dim, Strategy: c.tag.Strategy, Model: c.tag.Model, CreatedAt: time.Now().UTC()}
	}
	if err := c.mgr.recordCollection(c.st.name, info); err != nil {
		return err
	}
	c.st.info = info
	return nil
}

func (c *Collection) checkEmbedder() error {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.mismatch(c.st.info)
}

func (c *Collection) checkDimension(dim int) error {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	if c.st.info.Dimension != 0 && dim != c.st.info.Dimension {
		return fmt.Errorf("collection %s: %w: got %d, want %d", c.st.name, apperr.ErrDimensionMismatch, dim, c.st.info.Dimension)
	}
	return nil
}

func (c *Collection) mismatch(info collectionInfo) error {
	if info.Strategy == "" && info.Model == "" {
		return nil
	}
	if info.tag() != c.tag {
		return fmt.Errorf("collection %s: %w: holds %s vectors, got %s", c.st.name, apperr.ErrEmbedderMismatch, info.tag(), c.tag)
	}
	return nil
}

// nextSeq is strictly increasing within the process and, being seeded from
// the clock, across restarts.
func (c *Collection) nextSeq() int64 {
	for {
		last := c.st.lastSeq.Load()
		next := time.Now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if c.st.lastSeq.CompareAndSwap(last, next) {
			return next
		}
	}
}

func sortHits(hits []models.Hit, seqs []int64) {
	idx := make([]int, len(hits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		if hits[ia].Score != hits[ib].Score {
			return hits[ia].Score > hits[ib].Score
		}
		return seqs[ia] < seqs[ib]
	})
	sorted := make([]models.Hit, len(hits))
	for i, j := range idx {
		sorted[i] = hits[j]
	}
	copy(hits, sorted)
}

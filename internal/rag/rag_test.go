package rag

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/catalog"
	"document-rag-server/internal/chromemdb"
	"document-rag-server/internal/embedding"
	"document-rag-server/internal/models"
)

type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	context string
	query   string
	answer  string
	err     error
}

func (g *fakeGenerator) Generate(ctx context.Context, system, query, contextText string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.query = query
	g.context = contextText
	if g.err != nil {
		return "", g.err
	}
	return g.answer, nil
}

type funcEmbedder struct {
	name  string
	model string
	fn    func(ctx context.Context, text string) ([]float32, error)
}

func (e funcEmbedder) Name() string  { return e.name }
func (e funcEmbedder) Model() string { return e.model }
func (e funcEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.fn(ctx, text)
}

type failingArchive struct{}

func (failingArchive) Save(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

func (failingArchive) Load(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("bucket unavailable")
}

type memArchive struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (a *memArchive) Save(_ context.Context, owner, fileName string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.files == nil {
		a.files = map[string][]byte{}
	}
	a.files[owner+"/"+fileName] = append([]byte(nil), data...)
	return "mem://" + owner + "/" + fileName, nil
}

func (a *memArchive) Load(_ context.Context, owner, fileName string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.files[owner+"/"+fileName]
	if !ok {
		return nil, errors.New("not archived")
	}
	return data, nil
}

type chromemStores struct {
	mgr *chromemdb.VectorDBManager
}

func (s chromemStores) Open(ctx context.Context, name string, tag models.EmbedderTag) (VectorStore, error) {
	c, err := s.mgr.Collection(ctx, name, tag)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s chromemStores) Drop(_ context.Context, name string) error {
	return s.mgr.DeleteCollection(name)
}

type fixture struct {
	rag       *RAG
	gen       *fakeGenerator
	mgr       *chromemdb.VectorDBManager
	catalog   *catalog.Catalog
	embedders *embedding.Registry
}

func newFixture(t *testing.T, opts Options, embedders ...embedding.Embedder) *fixture {
	t.Helper()
	ctx := context.Background()
	if len(embedders) == 0 {
		embedders = []embedding.Embedder{embedding.NewHashingEmbedder(128)}
	}
	mgr, err := chromemdb.NewVectorDBManager("", true, false)
	if err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })

	reg := embedding.NewStaticRegistry(embedders...)
	gen := &fakeGenerator{answer: "generated answer"}
	return &fixture{
		rag:       NewRAG(reg, chromemStores{mgr}, cat, nil, gen, opts),
		gen:       gen,
		mgr:       mgr,
		catalog:   cat,
		embedders: reg,
	}
}

func (f *fixture) count(t *testing.T, strategy string) int {
	t.Helper()
	e, err := f.embedders.Get(strategy)
	if err != nil {
		t.Fatal(err)
	}
	c, err := f.mgr.Collection(context.Background(), CollectionName(strategy), embedding.Tag(e))
	if err != nil {
		t.Fatal(err)
	}
	n, _ := c.Count(context.Background())
	return n
}

func TestIngestThenQuery(t *testing.T) {
	f := newFixture(t, Options{TopK: 3})
	ctx := context.Background()

	doc, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "policy.txt", Data: []byte("Refunds are issued within 14 days of purchase.")})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if doc.Strategy != "hashing" || doc.Characters == 0 || doc.ID == "" {
		t.Fatalf("doc = %+v", doc)
	}
	if _, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "travel.txt", Data: []byte("Mountain hiking trails open in June.")}); err != nil {
		t.Fatal(err)
	}

	ans, err := f.rag.Query(ctx, models.Query{Question: "How many days until refunds are issued?", Owner: "u1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ans.Content != "generated answer" || f.gen.calls != 1 {
		t.Fatalf("answer = %+v, calls = %d", ans, f.gen.calls)
	}
	if len(ans.Sources) != 2 || ans.Sources[0].FileName != "policy.txt" {
		t.Fatalf("sources = %+v", ans.Sources)
	}
	if !strings.HasPrefix(f.gen.context, "Refunds are issued") || !strings.Contains(f.gen.context, models.ContextSeparator) {
		t.Fatalf("context = %q", f.gen.context)
	}
}

func TestQueryUnknownOwnerIsNotFound(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "a.txt", Data: []byte("alpha")}); err != nil {
		t.Fatal(err)
	}

	_, err := f.rag.Query(ctx, models.Query{Question: "alpha?", Owner: "u2"})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("err = %v", err)
	}
	var e *apperr.Error
	if !errors.As(err, &e) || e.Owner != "u2" {
		t.Fatalf("owner not attached: %v", err)
	}
	if f.gen.calls != 0 {
		t.Fatal("generator called")
	}
}

func TestQueryWithoutRelevantHitsFallsBack(t *testing.T) {
	f := newFixture(t, Options{MinSimilarity: 0.99})
	ctx := context.Background()
	if _, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "a.txt", Data: []byte("quarterly revenue figures")}); err != nil {
		t.Fatal(err)
	}

	ans, err := f.rag.Query(ctx, models.Query{Question: "favourite pizza topping", Owner: "u1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ans.Content != models.NoDocumentsAnswer || len(ans.Sources) != 0 {
		t.Fatalf("answer = %+v", ans)
	}
	if f.gen.calls != 0 {
		t.Fatal("generator called for empty retrieval")
	}
}

func TestIngestWithoutTextWritesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "blank.txt", Data: []byte("  \n\t")})
	if apperr.KindOf(err) != apperr.KindExtraction || !errors.Is(err, apperr.ErrNoText) {
		t.Fatalf("err = %v", err)
	}
	if n := f.count(t, "hashing"); n != 0 {
		t.Fatalf("count = %d", n)
	}
	if ok, _ := f.catalog.HasOwner(ctx, CollectionName("hashing"), "u1"); ok {
		t.Fatal("catalog row written")
	}

	_, err = f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "photo.png", Data: []byte("png")})
	if apperr.KindOf(err) != apperr.KindExtraction || !strings.Contains(apperr.Message(err), "wrong format") {
		t.Fatalf("err = %v", err)
	}
}

func TestIngestEmbeddingFailureWritesNothing(t *testing.T) {
	broken := funcEmbedder{name: "remote", fn: func(context.Context, string) ([]float32, error) {
		return nil, apperr.Wrap(apperr.KindEmbedding, "embed", errors.New("502 bad gateway"))
	}}
	f := newFixture(t, Options{}, broken)

	_, err := f.rag.Ingest(context.Background(), IngestRequest{Owner: "u1", FileName: "a.txt", Data: []byte("text")})
	if apperr.KindOf(err) != apperr.KindEmbedding || !apperr.Retryable(err) {
		t.Fatalf("err = %v", err)
	}
	if n := f.count(t, "remote"); n != 0 {
		t.Fatalf("count = %d", n)
	}
}

func TestReingestOverwrites(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "notes.txt", Data: []byte("old content")})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "notes.txt", Data: []byte("new content")})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %s %s", first.ID, second.ID)
	}
	if n := f.count(t, "hashing"); n != 1 {
		t.Fatalf("count = %d", n)
	}
	// another owner with the same file name is a separate document
	if _, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u2", FileName: "notes.txt", Data: []byte("other")}); err != nil {
		t.Fatal(err)
	}
	if n := f.count(t, "hashing"); n != 2 {
		t.Fatalf("count = %d", n)
	}

	if _, err := f.rag.Query(ctx, models.Query{Question: "content", Owner: "u1"}); err != nil {
		t.Fatal(err)
	}
	if f.gen.context != "new content" {
		t.Fatalf("context = %q", f.gen.context)
	}
	docs, err := f.rag.ListDocuments(ctx, "u1")
	if err != nil || len(docs) != 1 {
		t.Fatalf("docs = %+v, %v", docs, err)
	}
}

func TestQueryGenerationError(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "a.txt", Data: []byte("alpha beta")}); err != nil {
		t.Fatal(err)
	}
	f.gen.err = errors.New("upstream 500")

	_, err := f.rag.Query(ctx, models.Query{Question: "alpha", Owner: "u1"})
	if apperr.KindOf(err) != apperr.KindGeneration || !apperr.Retryable(err) {
		t.Fatalf("err = %v", err)
	}
	var e *apperr.Error
	if !errors.As(err, &e) || e.Owner != "u1" || e.Op != "generate" {
		t.Fatalf("err = %+v", e)
	}
}

func TestEmbedTimeoutIsRetryable(t *testing.T) {
	slow := funcEmbedder{name: "slow", fn: func(ctx context.Context, _ string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, Options{EmbedTimeout: 10 * time.Millisecond}, slow)

	_, err := f.rag.Ingest(context.Background(), IngestRequest{Owner: "u1", FileName: "a.txt", Data: []byte("text")})
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind != apperr.KindEmbedding || !e.Timeout {
		t.Fatalf("err = %v", err)
	}
	if !apperr.Retryable(err) {
		t.Fatal("expected retryable")
	}
}

func TestQueryValidation(t *testing.T) {
	f := newFixture(t, Options{})
	tests := []struct {
		name string
		q    models.Query
	}{
		{"empty question", models.Query{Question: "   ", Owner: "u1"}},
		{"missing owner", models.Query{Question: "hi"}},
		{"negative k", models.Query{Question: "hi", Owner: "u1", K: -1}},
		{"unknown strategy", models.Query{Question: "hi", Owner: "u1", Strategy: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.rag.Query(context.Background(), tt.q)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, Options{})
	f.rag.archive = failingArchive{}
	if _, err := f.rag.Ingest(context.Background(), IngestRequest{Owner: "u1", FileName: "a.txt", Data: []byte("text")}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
}

// sameDimension stands in for a different model of the hashing strategy
// that happens to produce vectors of the same length.
func sameDimension(model string, dim int) funcEmbedder {
	h := embedding.NewHashingEmbedder(dim)
	return funcEmbedder{name: "hashing", model: model, fn: func(ctx context.Context, text string) ([]float32, error) {
		v, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		// reversed so the two models disagree on every vector
		for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
			v[i], v[j] = v[j], v[i]
		}
		return v, nil
	}}
}

func TestCollectionRejectsAnotherModel(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "a.txt", Data: []byte("alpha beta")}); err != nil {
		t.Fatal(err)
	}

	swapped := NewRAG(embedding.NewStaticRegistry(sameDimension("reversed", 128)), chromemStores{f.mgr}, f.catalog, nil, f.gen, Options{})
	_, err := swapped.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "b.txt", Data: []byte("gamma")})
	if apperr.KindOf(err) != apperr.KindStore || !errors.Is(err, apperr.ErrEmbedderMismatch) {
		t.Fatalf("ingest err = %v", err)
	}
	_, err = swapped.Query(ctx, models.Query{Question: "alpha", Owner: "u1"})
	if apperr.KindOf(err) != apperr.KindStore || !errors.Is(err, apperr.ErrEmbedderMismatch) {
		t.Fatalf("query err = %v", err)
	}
	if n := f.count(t, "hashing"); n != 1 {
		t.Fatalf("count = %d", n)
	}
	if f.gen.calls != 0 {
		t.Fatal("generator called")
	}
}

func TestReindexRebuildsWithNewModel(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	arch := &memArchive{}
	f.rag.archive = arch
	for _, file := range []string{"a.txt", "b.txt"} {
		if _, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: file, Data: []byte("contents of " + file)}); err != nil {
			t.Fatal(err)
		}
	}

	swapped := NewRAG(embedding.NewStaticRegistry(sameDimension("reversed", 128)), chromemStores{f.mgr}, f.catalog, arch, f.gen, Options{})
	n, err := swapped.Reindex(ctx, "")
	if err != nil || n != 2 {
		t.Fatalf("Reindex = %d, %v", n, err)
	}
	if _, err := swapped.Query(ctx, models.Query{Question: "contents", Owner: "u1"}); err != nil {
		t.Fatalf("Query after reindex: %v", err)
	}
	stats, err := swapped.Stats(ctx)
	if err != nil || stats["hashing"] != 2 {
		t.Fatalf("stats = %v, %v", stats, err)
	}
	// the old model is now the stranger
	if _, err := f.rag.Stats(ctx); !errors.Is(err, apperr.ErrEmbedderMismatch) {
		t.Fatalf("old model stats err = %v", err)
	}
}

func TestReindexKeepsCollectionWhenUploadIsMissing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	arch := &memArchive{}
	f.rag.archive = arch
	if _, err := f.rag.Ingest(ctx, IngestRequest{Owner: "u1", FileName: "a.txt", Data: []byte("alpha")}); err != nil {
		t.Fatal(err)
	}
	delete(arch.files, "u1/a.txt")

	if _, err := f.rag.Reindex(ctx, "hashing"); apperr.KindOf(err) != apperr.KindStore {
		t.Fatalf("err = %v", err)
	}
	if n := f.count(t, "hashing"); n != 1 {
		t.Fatalf("count = %d", n)
	}
	if ok, _ := f.catalog.HasOwner(ctx, CollectionName("hashing"), "u1"); !ok {
		t.Fatal("catalog rows dropped")
	}

	f.rag.archive = nil
	if _, err := f.rag.Reindex(ctx, "hashing"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("without archive err = %v", err)
	}
}

func TestComposeContext(t *testing.T) {
	hits := []models.Hit{{Text: "aaaa"}, {Text: "bbbb"}, {Text: "cccc"}}
	sep := "|"
	tests := []struct {
		name     string
		hits     []models.Hit
		maxChars int
		want     string
	}{
		{"unlimited", hits, 0, "aaaa|bbbb|cccc"},
		{"exact fit", hits, 14, "aaaa|bbbb|cccc"},
		{"drops lowest ranked", hits, 13, "aaaa|bbbb"},
		{"whole excerpts only", hits, 6, "aaaa"},
		{"truncates only the top excerpt", hits, 2, "aa"},
		{"no hits", nil, 10, ""},
		{"counts characters", []models.Hit{{Text: "ééé"}, {Text: "x"}}, 4, "ééé"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComposeContext(tt.hits, sep, tt.maxChars); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDocumentIDIsStable(t *testing.T) {
	a := DocumentID("documents_hashing", "u1", "a.pdf")
	if a != DocumentID("documents_hashing", "u1", "a.pdf") {
		t.Fatal("not stable")
	}
	if a == DocumentID("documents_hashing", "u2", "a.pdf") || a == DocumentID("documents_openai", "u1", "a.pdf") {
		t.Fatal("collision")
	}
}

package embedding

import (
	"context"
	"errors"
	"math"
	"testing"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/config"

	"github.com/tmc/langchaingo/embeddings"
)

func fakeClient(fn func(texts []string) ([][]float32, error)) embeddings.EmbedderClient {
	return embeddings.EmbedderClientFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		return fn(texts)
	})
}

func TestLangchainEmbedderReturnsVector(t *testing.T) {
	e, err := NewLangchainEmbedder("fake", "fake-model", fakeClient(func(texts []string) ([][]float32, error) {
		if len(texts) != 1 {
			t.Fatalf("texts = %v", texts)
		}
		return [][]float32{{0.1, 0.2, 0.3}}, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	v, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 3 {
		t.Fatalf("len = %d", len(v))
	}
	if tag := Tag(e); tag.Strategy != "fake" || tag.Model != "fake-model" {
		t.Fatalf("tag = %+v", tag)
	}
}

func TestLangchainEmbedderRejectsEmptyText(t *testing.T) {
	called := false
	e, _ := NewLangchainEmbedder("fake", "fake-model", fakeClient(func([]string) ([][]float32, error) {
		called = true
		return nil, nil
	}))
	_, err := e.Embed(context.Background(), "  \n ")
	if !errors.Is(err, apperr.ErrEmptyText) || apperr.KindOf(err) != apperr.KindEmbedding {
		t.Fatalf("err = %v", err)
	}
	if apperr.Retryable(err) {
		t.Fatal("empty text must not be retryable")
	}
	if called {
		t.Fatal("provider called for empty text")
	}
}

func TestLangchainEmbedderMalformedOutput(t *testing.T) {
	tests := []struct {
		name string
		out  [][]float32
		err  error
	}{
		{"upstream error", nil, errors.New("503 service unavailable")},
		{"no vectors", [][]float32{}, nil},
		{"empty vector", [][]float32{{}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := NewLangchainEmbedder("fake", "fake-model", fakeClient(func([]string) ([][]float32, error) {
				return tt.out, tt.err
			}))
			_, err := e.Embed(context.Background(), "text")
			if apperr.KindOf(err) != apperr.KindEmbedding {
				t.Fatalf("kind = %q, err = %v", apperr.KindOf(err), err)
			}
			if !apperr.Retryable(err) {
				t.Fatal("expected retryable")
			}
		})
	}
}

func TestLangchainEmbedderDimensionDrift(t *testing.T) {
	dims := []int{4, 4, 5}
	call := 0
	e, _ := NewLangchainEmbedder("fake", "fake-model", fakeClient(func([]string) ([][]float32, error) {
		v := make([]float32, dims[call])
		v[0] = 1
		call++
		return [][]float32{v}, nil
	}))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := e.Embed(ctx, "a"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := e.Embed(ctx, "a")
	if !errors.Is(err, apperr.ErrDimensionMismatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestHashingEmbedderDeterministicAndNormalized(t *testing.T) {
	h := NewHashingEmbedder(64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "The quick brown fox")
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.Embed(ctx, "the QUICK brown   fox")
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Fatalf("len = %d", len(a))
	}
	var norm float64
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d", i)
		}
		norm += float64(a[i]) * float64(a[i])
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("norm = %f", norm)
	}
}

func TestHashingEmbedderSimilarTextsScoreHigher(t *testing.T) {
	h := NewHashingEmbedder(256)
	ctx := context.Background()
	q, _ := h.Embed(ctx, "invoice payment due date")
	near, _ := h.Embed(ctx, "the invoice payment is due on this date")
	far, _ := h.Embed(ctx, "mountain hiking trail weather")

	if dot(q, near) <= dot(q, far) {
		t.Fatalf("near %f <= far %f", dot(q, near), dot(q, far))
	}
}

func TestHashingEmbedderEdgeInputs(t *testing.T) {
	h := NewHashingEmbedder(0)
	if h.Dimension() != 256 {
		t.Fatalf("dimension = %d", h.Dimension())
	}
	v, err := h.Embed(context.Background(), "?!")
	if err != nil {
		t.Fatalf("punctuation: %v", err)
	}
	if dot(v, v) == 0 {
		t.Fatal("zero vector for punctuation")
	}
	if _, err := h.Embed(context.Background(), " "); !errors.Is(err, apperr.ErrEmptyText) {
		t.Fatalf("err = %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(&config.EmbedConfig{
		Default: "hashing",
		Hashing: &config.HashingEmbed{Dimension: 32},
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	e, err := r.Get("")
	if err != nil || e.Name() != "hashing" {
		t.Fatalf("default = %v, %v", e, err)
	}
	if got := e.Model(); got != "fnv64a-32" {
		t.Fatalf("model = %q", got)
	}
	if _, err := r.Get("word2vec"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("unknown strategy err = %v", err)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "hashing" {
		t.Fatalf("names = %v", names)
	}

	if _, err := NewRegistry(&config.EmbedConfig{Default: "openai", Hashing: &config.HashingEmbed{}}, ""); err == nil {
		t.Fatal("expected error for unconfigured default")
	}
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

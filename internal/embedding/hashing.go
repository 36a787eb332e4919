package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strconv"
	"strings"

	"document-rag-server/internal/apperr"
)

var tokenPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

// HashingEmbedder is a local strategy that needs no model: tokens are hashed
// into a fixed number of buckets and the counts are L2-normalized.
type HashingEmbedder struct {
	dim int
}

func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

func (h *HashingEmbedder) Name() string { return "hashing" }

// Model changes with the bucket count, since vectors of different counts
// are incomparable.
func (h *HashingEmbedder) Model() string { return "fnv64a-" + strconv.Itoa(h.dim) }

func (h *HashingEmbedder) Dimension() int { return h.dim }

func (h *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindEmbedding, "embed", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Wrapf(apperr.KindEmbedding, "embed", apperr.ErrEmptyText, "text to embed is empty")
	}

	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		// punctuation-only input still gets a non-zero vector
		for _, r := range text {
			tokens = append(tokens, string(r))
		}
	}

	v := make([]float64, h.dim)
	for _, tok := range tokens {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	out := make([]float32, h.dim)
	if norm == 0 {
		// opposite signs cancelled out in every bucket
		out[0] = 1
		return out, nil
	}
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out, nil
}

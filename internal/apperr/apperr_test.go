package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := Wrap(KindStore, "put", errors.New("disk full"))
	wrapped := fmt.Errorf("ingest: %w", base)

	if got := KindOf(wrapped); got != KindStore {
		t.Fatalf("KindOf = %q, want %q", got, KindStore)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Fatalf("KindOf(plain) = %q, want %q", got, KindInternal)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"embedding upstream", Wrap(KindEmbedding, "embed", errors.New("502")), true},
		{"embedding empty text", Wrap(KindEmbedding, "embed", ErrEmptyText), false},
		{"generation", Wrap(KindGeneration, "generate", errors.New("rate limited")), true},
		{"extraction", Wrap(KindExtraction, "extract", ErrNoText), false},
		{"validation", New(KindValidation, "query", "query cannot be empty"), false},
		{"store", Wrap(KindStore, "put", errors.New("io")), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapFlagsTimeout(t *testing.T) {
	err := Wrap(KindGeneration, "generate", fmt.Errorf("call: %w", context.DeadlineExceeded))
	if !err.Timeout {
		t.Fatal("expected timeout flag")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected errors.Is to reach the deadline error")
	}
	if got := Message(err); got != "answer generation timed out" {
		t.Fatalf("Message = %q", got)
	}
}

func TestWithOwnerKeepsKind(t *testing.T) {
	err := WithOwner(New(KindNotFound, "query", "no documents uploaded for this owner"), "u2")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expected *Error")
	}
	if e.Owner != "u2" || e.Kind != KindNotFound {
		t.Fatalf("unexpected error %+v", e)
	}
	if got := KindOf(WithOwner(errors.New("x"), "u1")); got != KindInternal {
		t.Fatalf("KindOf = %q", got)
	}
}

func TestMessageHidesInternals(t *testing.T) {
	err := Wrap(KindStore, "put", errors.New("open /var/lib/rag/abc.gob: permission denied"))
	if got := Message(err); got != "vector store failure" {
		t.Fatalf("Message = %q", got)
	}
	if got := Message(errors.New("secret path")); got != "internal server error" {
		t.Fatalf("Message = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation: http.StatusBadRequest,
		KindExtraction: http.StatusBadRequest,
		KindNotFound:   http.StatusNotFound,
		KindEmbedding:  http.StatusInternalServerError,
		KindGeneration: http.StatusInternalServerError,
		KindStore:      http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

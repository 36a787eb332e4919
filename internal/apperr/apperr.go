// Package apperr defines the error kinds surfaced by the retrieval pipeline.
//
// Every component returns its own kind; callers inspect it with KindOf and
// Retryable instead of matching on messages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable tag reported to callers.
type Kind string

const (
	KindExtraction Kind = "extraction_error"
	KindEmbedding  Kind = "embedding_error"
	KindStore      Kind = "store_error"
	KindGeneration Kind = "generation_error"
	KindNotFound   Kind = "not_found"
	KindValidation Kind = "validation_error"
	KindInternal   Kind = "internal_error"
)

var (
	// ErrDimensionMismatch is returned when a vector does not match the
	// dimensionality of the collection it is written to or searched in.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrEmbedderMismatch is returned when a collection already holds vectors
	// of another embedding strategy or model.
	ErrEmbedderMismatch = errors.New("embedder mismatch")
	// ErrEmptyText is returned when there is nothing left to embed after trimming.
	ErrEmptyText = errors.New("text is empty")
	// ErrNoText is returned when a document yields no extractable text.
	ErrNoText = errors.New("document contains no extractable text")
	// ErrUnsupportedFormat is returned for file types without an extractor.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// Error carries a kind plus the request context it failed in.
type Error struct {
	Kind    Kind
	Op      string // pipeline stage or component operation
	Owner   string
	Message string // safe for callers
	Err     error
	Timeout bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind with a caller-facing message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to err. Deadline errors are flagged as timeouts.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Op:      op,
		Err:     err,
		Timeout: errors.Is(err, context.DeadlineExceeded),
	}
}

// Wrapf is Wrap with a caller-facing message.
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	e := Wrap(kind, op, err)
	if e == nil {
		return nil
	}
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// WithOwner returns err with the owner attached, keeping its kind. Errors
// without a kind are reported as internal.
func WithOwner(err error, owner string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Owner = owner
		return &cp
	}
	return &Error{Kind: KindInternal, Owner: owner, Err: err}
}

// KindOf returns the kind of err, or KindInternal when it has none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a caller may retry the request with backoff.
// Provider-facing failures are treated as transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindEmbedding, KindGeneration:
		var e *Error
		errors.As(err, &e)
		return !errors.Is(e, ErrEmptyText)
	default:
		return false
	}
}

// Message returns the caller-facing text for err.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal server error"
	}
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case KindExtraction:
		return "document could not be read"
	case KindEmbedding:
		if e.Timeout {
			return "embedding provider timed out"
		}
		return "embedding provider is unavailable"
	case KindGeneration:
		if e.Timeout {
			return "answer generation timed out"
		}
		return "answer generation is unavailable"
	case KindStore:
		return "vector store failure"
	case KindNotFound:
		return "not found"
	case KindValidation:
		return "invalid request"
	}
	return "internal server error"
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindExtraction:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

package models

import "time"

// Document is an ingested upload. Re-ingesting the same owner and file name
// in a collection supersedes it.
type Document struct {
	ID         string    `json:"document_id"`
	Owner      string    `json:"owner"`
	FileName   string    `json:"file_name"`
	Strategy   string    `json:"strategy"`
	Text       string    `json:"-"`
	Characters int       `json:"characters"`
	CreatedAt  time.Time `json:"created_at"`
}

// Record is what the vector store persists for a document.
type Record struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]string
}

// EmbedderTag identifies the strategy and model that produced a vector.
// Vectors of different tags are never compared.
type EmbedderTag struct {
	Strategy string `yaml:"strategy"`
	Model    string `yaml:"model"`
}

func (t EmbedderTag) String() string { return t.Strategy + "/" + t.Model }

// Hit is one ranked search result.
type Hit struct {
	ID       string
	Text     string
	Score    float32
	Metadata map[string]string
}

// Query is a question asked on behalf of an owner. It is never persisted.
type Query struct {
	Question string
	Owner    string
	Strategy string
	K        int
}

// Source references a document used to answer a query.
type Source struct {
	DocumentID string  `json:"document_id"`
	FileName   string  `json:"file_name"`
	Score      float32 `json:"score"`
}

// Answer is the result of a query.
type Answer struct {
	Query   string   `json:"-"`
	Content string   `json:"answer"`
	Sources []Source `json:"sources"`
}

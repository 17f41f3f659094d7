// Package index stores document text with embeddings and answers similarity queries.
package index

import (
	"context"
	"errors"
)

// Metadata is free-form string metadata stored alongside a document.
type Metadata map[string]string

// MetaFilename is the metadata key naming the source file of a document.
const MetaFilename = "filename"

var ErrEmptyCollection = errors.New("collection name required")

// Record is one document (or document chunk) to upsert.
type Record struct {
	DocID    string
	Text     string
	Metadata Metadata
}

// Hit is a ranked query result.
type Hit struct {
	DocID    string
	Text     string
	Metadata Metadata
	Score    float32
}

// Source names the document a hit came from, preferring its filename.
func (h Hit) Source() string {
	if name := h.Metadata[MetaFilename]; name != "" {
		return name
	}
	return h.DocID
}

// VectorIndex is the similarity-search contract used by the context gatherer and ingestion.
// Implementations must be safe for concurrent readers.
type VectorIndex interface {
	Upsert(ctx context.Context, collection, docID, text string, metadata Metadata) error
	Query(ctx context.Context, collection, text string, k int) ([]Hit, error)
}

// FileReplacer is implemented by indexes that can swap every chunk of a file
// atomically. Records already stored under a filename named in records are
// removed before the batch is written; other records are untouched.
type FileReplacer interface {
	ReplaceFiles(ctx context.Context, collection string, records []Record) error
}

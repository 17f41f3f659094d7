package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"doc-chat/internal/embeddings"
)

type memoryEntry struct {
	record Record
	vector embeddings.Vector
}

// MemoryIndex keeps embeddings in process and ranks by cosine similarity.
type MemoryIndex struct {
	embedder embeddings.Embedder

	mu          sync.RWMutex
	collections map[string]map[string]memoryEntry
}

// NewMemory creates an in-process index backed by embedder.
func NewMemory(embedder embeddings.Embedder) *MemoryIndex {
	return &MemoryIndex{
		embedder:    embedder,
		collections: make(map[string]map[string]memoryEntry),
	}
}

// Upsert inserts or overwrites the single record docID.
func (m *MemoryIndex) Upsert(ctx context.Context, collection, docID, text string, metadata Metadata) error {
	return m.write(ctx, collection, []Record{{DocID: docID, Text: text, Metadata: metadata}}, false)
}

// ReplaceFiles embeds every record first and only then publishes them, so readers
// never observe half of a batch. Earlier records sharing a filename are dropped.
func (m *MemoryIndex) ReplaceFiles(ctx context.Context, collection string, records []Record) error {
	return m.write(ctx, collection, records, true)
}

func (m *MemoryIndex) write(ctx context.Context, collection string, records []Record, replace bool) error {
	if collection == "" {
		return ErrEmptyCollection
	}
	entries := make([]memoryEntry, 0, len(records))
	for _, r := range records {
		vec, err := m.embedder.Embed(ctx, r.Text)
		if err != nil {
			return fmt.Errorf("embed %s: %w", r.DocID, err)
		}
		entries = append(entries, memoryEntry{record: r, vector: vec})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]memoryEntry)
		m.collections[collection] = coll
	}
	if names := filenames(records); replace && len(names) > 0 {
		stale := make(map[string]bool, len(names))
		for _, n := range names {
			stale[n] = true
		}
		for id, e := range coll {
			if stale[e.record.Metadata[MetaFilename]] {
				delete(coll, id)
			}
		}
	}
	for _, e := range entries {
		coll[e.record.DocID] = e
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, collection, text string, k int) ([]Hit, error) {
	if collection == "" {
		return nil, ErrEmptyCollection
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.collections[collection]))
	for _, e := range m.collections[collection] {
		hits = append(hits, Hit{
			DocID:    e.record.DocID,
			Text:     e.record.Text,
			Metadata: e.record.Metadata,
			Score:    embeddings.CosineSimilarity(vec, e.vector),
		})
	}
	m.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].DocID < hits[j].DocID
		}
		return hits[i].Score > hits[j].Score
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

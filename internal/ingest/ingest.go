// Package ingest extracts uploaded files, chunks them and writes the chunks to a
// vector index collection. Writes to one collection are serialized.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"doc-chat/internal/chunker"
	"doc-chat/internal/extract"
	"doc-chat/internal/index"
	"doc-chat/internal/queue"
)

var (
	ErrNoDocuments     = errors.New("no documents could be processed")
	ErrNoIndex         = errors.New("vector index not configured")
	ErrInvalidTaskType = errors.New("unexpected task type")
	ErrEmptyCollection = index.ErrEmptyCollection
	ErrTooLarge        = queue.ErrPayloadTooLarge
)

const (
	enqueueAttempts    = 3
	enqueueBackoffBase = 200 * time.Millisecond
	metaChunk          = "chunk"
)

// File is a raw upload.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Document is extracted text ready for chunking.
type Document struct {
	Filename string `json:"filename"`
	Text     string `json:"text"`
}

// Job is the payload of an ingest task.
type Job struct {
	Collection string     `json:"collection"`
	Documents  []Document `json:"documents"`
}

// FileResult reports what happened to one upload.
type FileResult struct {
	Filename string `json:"filename"`
	Chunks   int    `json:"chunks"`
	Error    string `json:"error,omitempty"`
}

// Outcome summarizes a submission. When Queued is set the chunk counts are not
// known yet and TaskIDs holds one background task per document.
type Outcome struct {
	Collection string       `json:"collection"`
	Queued     bool         `json:"queued"`
	TaskIDs    []string     `json:"task_ids,omitempty"`
	Files      []FileResult `json:"files"`
}

// Service ingests documents into idx. q may be nil, in which case Submit stores
// documents before returning.
type Service struct {
	idx  index.VectorIndex
	q    queue.Queue
	opts chunker.Options
	log  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(idx index.VectorIndex, q queue.Queue, opts chunker.Options, log *slog.Logger) *Service {
	if opts.MaxTokens <= 0 {
		opts = chunker.DefaultOptions
	}
	return &Service{idx: idx, q: q, opts: opts, log: log, locks: make(map[string]*sync.Mutex)}
}

// Extract converts uploads to documents. Files that cannot be read are reported
// in the results and skipped.
func (s *Service) Extract(files []File) ([]Document, []FileResult) {
	docs := make([]Document, 0, len(files))
	results := make([]FileResult, 0, len(files))
	for _, f := range files {
		text, err := extract.Text(f.Data, f.MimeType, f.Name)
		if err != nil {
			s.log.Warn("skipping upload", "filename", f.Name, "err", err)
			results = append(results, FileResult{Filename: f.Name, Error: err.Error()})
			continue
		}
		docs = append(docs, Document{Filename: f.Name, Text: text})
		results = append(results, FileResult{Filename: f.Name})
	}
	return docs, results
}

// Submit extracts files and either stores them or hands them to the queue.
func (s *Service) Submit(ctx context.Context, collection string, files []File) (Outcome, error) {
	out := Outcome{Collection: collection}
	if strings.TrimSpace(collection) == "" {
		return out, ErrEmptyCollection
	}
	if s.idx == nil {
		return out, ErrNoIndex
	}
	docs, results := s.Extract(files)
	out.Files = results
	if len(docs) == 0 {
		return out, ErrNoDocuments
	}
	if s.q != nil {
		return s.enqueue(ctx, out, docs)
	}
	job := Job{Collection: collection, Documents: docs}

	counts, err := s.Store(ctx, job)
	if err != nil {
		return out, err
	}
	for i := range out.Files {
		if out.Files[i].Error == "" {
			out.Files[i].Chunks = counts[out.Files[i].Filename]
		}
	}
	return out, nil
}

// enqueue sends one task per document so that each message stays small. Every
// task is size-checked before any is published.
func (s *Service) enqueue(ctx context.Context, out Outcome, docs []Document) (Outcome, error) {
	tasks := make([]queue.Task, 0, len(docs))
	for _, d := range docs {
		task, err := queue.NewTask(queue.TaskTypeIngest, Job{Collection: out.Collection, Documents: []Document{d}})
		if err != nil {
			return out, fmt.Errorf("encode ingest task: %w", err)
		}
		if err := queue.CheckSize(s.q, task); err != nil {
			return out, fmt.Errorf("%s: %w", d.Filename, err)
		}
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		if err := queue.EnqueueWithRetry(ctx, s.q, task, enqueueAttempts, enqueueBackoffBase); err != nil {
			return out, fmt.Errorf("enqueue ingest task: %w", err)
		}
		out.TaskIDs = append(out.TaskIDs, task.ID.String())
	}
	out.Queued = true
	s.log.Info("ingest queued", "collection", out.Collection, "tasks", len(tasks))
	return out, nil
}

// Store chunks and upserts every document of job, holding the collection lock
// for the whole batch. It returns the chunk count per filename.
func (s *Service) Store(ctx context.Context, job Job) (map[string]int, error) {
	if s.idx == nil {
		return nil, ErrNoIndex
	}
	if strings.TrimSpace(job.Collection) == "" {
		return nil, ErrEmptyCollection
	}
	records, counts := s.records(job.Documents)
	if len(records) == 0 {
		return counts, ErrNoDocuments
	}

	lock := s.lockFor(job.Collection)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	if r, ok := s.idx.(index.FileReplacer); ok {
		if err := r.ReplaceFiles(ctx, job.Collection, records); err != nil {
			return nil, fmt.Errorf("replace files: %w", err)
		}
	} else {
		for _, r := range records {
			if err := s.idx.Upsert(ctx, job.Collection, r.DocID, r.Text, r.Metadata); err != nil {
				return nil, fmt.Errorf("upsert %s: %w", r.DocID, err)
			}
		}
	}
	s.log.Info("ingested documents", "collection", job.Collection, "documents", len(job.Documents), "chunks", len(records), "duration_ms", time.Since(start).Milliseconds())
	return counts, nil
}

// HandleTask is the queue handler for ingest tasks.
func (s *Service) HandleTask(ctx context.Context, task queue.Task) error {
	if task.Type != queue.TaskTypeIngest {
		return fmt.Errorf("%w: %s", ErrInvalidTaskType, task.Type)
	}
	var job Job
	if err := json.Unmarshal(task.Payload, &job); err != nil {
		return fmt.Errorf("decode ingest job: %w", err)
	}
	_, err := s.Store(ctx, job)
	return err
}

func (s *Service) records(docs []Document) ([]index.Record, map[string]int) {
	var records []index.Record
	counts := make(map[string]int, len(docs))
	for _, d := range docs {
		for _, c := range chunker.ChunkText(d.Text, s.opts) {
			records = append(records, index.Record{
				DocID: fmt.Sprintf("%s#%d", d.Filename, c.Index),
				Text:  c.Text,
				Metadata: index.Metadata{
					index.MetaFilename: d.Filename,
					metaChunk:          fmt.Sprint(c.Index),
				},
			})
			counts[d.Filename]++
		}
	}
	return records, counts
}

func (s *Service) lockFor(collection string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		s.locks[collection] = l
	}
	return l
}

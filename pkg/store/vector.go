package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dan-solli/patternguard/pkg/embeddings"
	"github.com/dan-solli/patternguard/pkg/pattern"
	chromem "github.com/philippgille/chromem-go"
)

const vectorCollection = "patterns"

// Metadata keys written on every vector document.
const (
	metaProjectID   = "project_id"
	metaType        = "type"
	metaChecksum    = "checksum"
	metaLastWriteAt = "last_write_at"
)

// ChromemVectorStore replicates patterns into a chromem-go collection for semantic search.
// The checksum and last-write time ride along as document metadata.
type ChromemVectorStore struct {
	db       *chromem.DB
	col      *chromem.Collection
	embedder embeddings.Client
}

// Compile-time interface checks
var (
	_ Adapter     = (*ChromemVectorStore)(nil)
	_ Snapshotter = (*ChromemVectorStore)(nil)
	_ Counter     = (*ChromemVectorStore)(nil)
)

// NewChromemVectorStore creates a vector store. An empty path keeps the collection in memory;
// otherwise chromem persists it under path.
func NewChromemVectorStore(path string, embedder embeddings.Client) (*ChromemVectorStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("vector store requires an embedding client")
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	}

	col, err := db.GetOrCreateCollection(vectorCollection, nil, embedder.EmbedOne)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &ChromemVectorStore{db: db, col: col, embedder: embedder}, nil
}

// Kind identifies the store.
func (s *ChromemVectorStore) Kind() pattern.StoreKind {
	return pattern.Vector
}

// Upsert embeds the payload content and writes the document.
func (s *ChromemVectorStore) Upsert(ctx context.Context, patternID string, payload pattern.Payload) error {
	embedding, err := s.embedder.EmbedOne(ctx, embeddingText(payload))
	if err != nil {
		return fmt.Errorf("embed pattern: %w", err)
	}
	return s.UpsertEmbedding(ctx, patternID, payload, embedding)
}

// UpsertEmbedding writes the document with a precomputed embedding.
func (s *ChromemVectorStore) UpsertEmbedding(ctx context.Context, patternID string, payload pattern.Payload, embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding cannot be empty")
	}

	writtenAt := payload.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now()
	}

	doc := chromem.Document{
		ID:        patternID,
		Content:   embeddingText(payload),
		Embedding: embedding,
		Metadata: map[string]string{
			metaProjectID:   payload.ProjectID,
			metaType:        string(payload.Type),
			metaChecksum:    payload.Checksum,
			metaLastWriteAt: writtenAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// embeddingText is the text a pattern is embedded from: its content, or its
// type when the content is empty so chromem never sees an empty document.
func embeddingText(payload pattern.Payload) string {
	if text := strings.TrimSpace(payload.Content); text != "" {
		return text
	}
	return string(payload.Type)
}

// EmbeddingText exposes the text used for embedding, so a reindex can embed the
// same text through an external collaborator.
func EmbeddingText(payload pattern.Payload) string {
	return embeddingText(payload)
}

// Snapshot reads the document metadata for a pattern.
func (s *ChromemVectorStore) Snapshot(ctx context.Context, patternID string) (bool, string, time.Time, error) {
	doc, err := s.col.GetByID(ctx, patternID)
	if err != nil {
		if isDocumentNotFound(err) {
			return false, "", time.Time{}, nil
		}
		return false, "", time.Time{}, fmt.Errorf("get document: %w", err)
	}

	var lastWrite time.Time
	if raw := doc.Metadata[metaLastWriteAt]; raw != "" {
		lastWrite, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return false, "", time.Time{}, fmt.Errorf("parse last write: %w", err)
		}
	}
	return true, doc.Metadata[metaChecksum], lastWrite, nil
}

func isDocumentNotFound(err error) bool {
	return strings.Contains(err.Error(), "not found")
}

// Exists reports whether a document exists for the pattern.
func (s *ChromemVectorStore) Exists(ctx context.Context, patternID string) (bool, error) {
	exists, _, _, err := s.Snapshot(ctx, patternID)
	return exists, err
}

// Checksum returns the checksum stored in document metadata.
func (s *ChromemVectorStore) Checksum(ctx context.Context, patternID string) (string, error) {
	exists, checksum, _, err := s.Snapshot(ctx, patternID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrAbsent
	}
	return checksum, nil
}

// LastWriteAt returns the write time stored in document metadata.
func (s *ChromemVectorStore) LastWriteAt(ctx context.Context, patternID string) (time.Time, error) {
	exists, _, lastWrite, err := s.Snapshot(ctx, patternID)
	if err != nil {
		return time.Time{}, err
	}
	if !exists {
		return time.Time{}, ErrAbsent
	}
	return lastWrite, nil
}

// Delete removes a pattern's document.
func (s *ChromemVectorStore) Delete(ctx context.Context, patternID string) error {
	if err := s.col.Delete(ctx, nil, nil, patternID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Count returns the number of documents in the collection.
func (s *ChromemVectorStore) Count(ctx context.Context) (int64, error) {
	return int64(s.col.Count()), nil
}

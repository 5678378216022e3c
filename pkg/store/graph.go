package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/google/uuid"
)

// Node is a pattern or project vertex in the relationship graph.
type Node struct {
	ID          string                 // Pattern ID, or "project:<id>" for project vertices
	Kind        string                 // "pattern" or "project"
	ProjectID   string                 // Owning project
	Type        string                 // Pattern type (empty for project vertices)
	Checksum    string                 // Checksum replicated from the system of record
	Metadata    map[string]interface{} // Replicated payload fields
	CreatedAt   time.Time              // Timestamp of creation
	LastWriteAt time.Time              // Timestamp of last replication write
}

// Edge is a relationship between two nodes.
type Edge struct {
	ID        string    // Deterministic for structural edges so re-syncs stay idempotent
	SourceID  string    // Source node ID
	Relation  string    // Relationship type (BELONGS_TO, RELATES_TO)
	TargetID  string    // Target node ID
	Weight    float64   // Relationship weight (default 1.0)
	CreatedAt time.Time // Timestamp of creation
}

// Relation names written by the graph adapter.
const (
	RelationBelongsTo = "BELONGS_TO"
	RelationRelatesTo = "RELATES_TO"
)

// ErrNodeNotFound indicates that no node was found for the given ID.
var ErrNodeNotFound = errors.New("node not found")

// SQLiteGraphStore replicates patterns into a node/edge graph backed by SQLite.
type SQLiteGraphStore struct {
	db *sql.DB
}

// Compile-time interface checks
var (
	_ Adapter     = (*SQLiteGraphStore)(nil)
	_ Snapshotter = (*SQLiteGraphStore)(nil)
	_ Counter     = (*SQLiteGraphStore)(nil)
)

// NewSQLiteGraphStore creates a new SQLite-backed graph store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewSQLiteGraphStore(dbPath string) (*SQLiteGraphStore, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteGraphStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteGraphStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		project_id TEXT NOT NULL,
		type TEXT,
		checksum TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		last_write_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project_id);

	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		target_id TEXT NOT NULL,
		weight REAL DEFAULT 1.0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Kind identifies the store.
func (s *SQLiteGraphStore) Kind() pattern.StoreKind {
	return pattern.Graph
}

func projectNodeID(projectID string) string {
	return "project:" + projectID
}

func structuralEdgeID(source, relation, target string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(source+"|"+relation+"|"+target)).String()
}

// Upsert writes the pattern node, its project node and the BELONGS_TO edge in one
// transaction. Fields named "related" (a list of pattern IDs) become RELATES_TO edges.
func (s *SQLiteGraphStore) Upsert(ctx context.Context, patternID string, payload pattern.Payload) error {
	var metadataJSON []byte
	if payload.Fields != nil {
		var err error
		metadataJSON, err = json.Marshal(payload.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	writtenAt := payload.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = time.Now()
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (id, kind, project_id, type, checksum, metadata, created_at, last_write_at)
		VALUES (?, 'pattern', ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			type = excluded.type,
			checksum = excluded.checksum,
			metadata = excluded.metadata,
			last_write_at = excluded.last_write_at`,
		patternID, payload.ProjectID, string(payload.Type), payload.Checksum, metadataJSON, now, writtenAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}

	projectID := projectNodeID(payload.ProjectID)
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO nodes (id, kind, project_id, created_at, last_write_at)
		VALUES (?, 'project', ?, ?, ?)`,
		projectID, payload.ProjectID, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert project node: %w", err)
	}

	edges := []Edge{{SourceID: patternID, Relation: RelationBelongsTo, TargetID: projectID}}
	for _, related := range relatedIDs(payload.Fields) {
		edges = append(edges, Edge{SourceID: patternID, Relation: RelationRelatesTo, TargetID: related})
	}
	for _, e := range edges {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO edges (id, source_id, relation, target_id, weight, created_at)
			VALUES (?, ?, ?, ?, 1.0, ?)`,
			structuralEdgeID(e.SourceID, e.Relation, e.TargetID), e.SourceID, e.Relation, e.TargetID, now)
		if err != nil {
			return fmt.Errorf("failed to add edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func relatedIDs(fields map[string]interface{}) []string {
	raw, ok := fields["related"]
	if !ok {
		return nil
	}
	var ids []string
	switch v := raw.(type) {
	case []string:
		ids = append(ids, v...)
	case []interface{}:
		for _, item := range v {
			if id, ok := item.(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Snapshot answers existence, checksum and last write in one query.
func (s *SQLiteGraphStore) Snapshot(ctx context.Context, patternID string) (bool, string, time.Time, error) {
	var checksum sql.NullString
	var lastWrite time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT checksum, last_write_at FROM nodes WHERE id = ? AND kind = 'pattern'`, patternID).
		Scan(&checksum, &lastWrite)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", time.Time{}, nil
	}
	if err != nil {
		return false, "", time.Time{}, fmt.Errorf("failed to snapshot node: %w", err)
	}
	return true, checksum.String, lastWrite, nil
}

// Exists reports whether a pattern node exists.
func (s *SQLiteGraphStore) Exists(ctx context.Context, patternID string) (bool, error) {
	exists, _, _, err := s.Snapshot(ctx, patternID)
	return exists, err
}

// Checksum returns the checksum on the pattern node.
func (s *SQLiteGraphStore) Checksum(ctx context.Context, patternID string) (string, error) {
	exists, checksum, _, err := s.Snapshot(ctx, patternID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrAbsent
	}
	return checksum, nil
}

// LastWriteAt returns when the pattern node was last replicated.
func (s *SQLiteGraphStore) LastWriteAt(ctx context.Context, patternID string) (time.Time, error) {
	exists, _, lastWrite, err := s.Snapshot(ctx, patternID)
	if err != nil {
		return time.Time{}, err
	}
	if !exists {
		return time.Time{}, ErrAbsent
	}
	return lastWrite, nil
}

// GetNode retrieves a node by its ID.
func (s *SQLiteGraphStore) GetNode(ctx context.Context, id string) (*Node, error) {
	var node Node
	var typ, checksum sql.NullString
	var metadataJSON []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, project_id, type, checksum, metadata, created_at, last_write_at
		FROM nodes WHERE id = ?`, id).Scan(
		&node.ID, &node.Kind, &node.ProjectID, &typ, &checksum, &metadataJSON, &node.CreatedAt, &node.LastWriteAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	node.Type = typ.String
	node.Checksum = checksum.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &node.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &node, nil
}

// GetEdges retrieves all edges incident to a node (both incoming and outgoing).
func (s *SQLiteGraphStore) GetEdges(ctx context.Context, nodeID string) ([]*Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, relation, target_id, weight, created_at
		FROM edges
		WHERE source_id = ? OR target_id = ?
		ORDER BY created_at, id`, nodeID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var edge Edge
		if err := rows.Scan(&edge.ID, &edge.SourceID, &edge.Relation, &edge.TargetID, &edge.Weight, &edge.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, &edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}
	return edges, nil
}

// CorruptChecksum overwrites a node's checksum without touching its payload.
// Used to rehearse drift scenarios against a real store.
func (s *SQLiteGraphStore) CorruptChecksum(ctx context.Context, patternID, checksum string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET checksum = ? WHERE id = ?`, checksum, patternID)
	if err != nil {
		return fmt.Errorf("failed to overwrite checksum: %w", err)
	}
	return nil
}

// DeleteNode removes a node and its incident edges.
func (s *SQLiteGraphStore) DeleteNode(ctx context.Context, nodeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE source_id = ? OR target_id = ?", nodeID, nodeID); err != nil {
		return fmt.Errorf("failed to delete edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", nodeID); err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return tx.Commit()
}

// Count returns the number of pattern nodes in the graph.
func (s *SQLiteGraphStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes WHERE kind = 'pattern'").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

// EdgeCount returns the total number of edges in the graph.
func (s *SQLiteGraphStore) EdgeCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM edges").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count edges: %w", err)
	}
	return count, nil
}

// Close releases database resources.
func (s *SQLiteGraphStore) Close() error {
	return s.db.Close()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dan-solli/patternguard/pkg/pattern"
	_ "modernc.org/sqlite" // SQLite driver
)

// OpenSQLite opens a SQLite database. The dbPath can be a file path or ":memory:".
// An in-memory database is pinned to a single connection so every query sees the
// same schema; file databases get a busy timeout and WAL journaling.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		sep := "?"
		if strings.Contains(dbPath, "?") {
			sep = "&"
		}
		dsn = dbPath + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// SQLiteRelationalStore is the system of record, backed by SQLite.
type SQLiteRelationalStore struct {
	db *sql.DB
}

// Compile-time interface checks
var (
	_ SystemOfRecord = (*SQLiteRelationalStore)(nil)
	_ Snapshotter    = (*SQLiteRelationalStore)(nil)
	_ Counter        = (*SQLiteRelationalStore)(nil)
)

// NewSQLiteRelationalStore creates the system-of-record store and its schema.
func NewSQLiteRelationalStore(dbPath string) (*SQLiteRelationalStore, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteRelationalStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteRelationalStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		fields TEXT,
		checksum TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		quarantined INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_patterns_project_type ON patterns(project_id, type);
	CREATE INDEX IF NOT EXISTS idx_patterns_updated ON patterns(project_id, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB returns the underlying database connection.
func (s *SQLiteRelationalStore) DB() *sql.DB {
	return s.db
}

// Kind identifies the store.
func (s *SQLiteRelationalStore) Kind() pattern.StoreKind {
	return pattern.Relational
}

// Put inserts or replaces a pattern. A missing checksum is computed from the content.
func (s *SQLiteRelationalStore) Put(ctx context.Context, p *pattern.Pattern) error {
	if p.ID == "" {
		return fmt.Errorf("pattern id is required")
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: %q", pattern.ErrUnknownPatternType, string(p.Type))
	}

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.Checksum == "" {
		p.Checksum = p.Recompute()
	}

	var fieldsJSON []byte
	if p.Fields != nil {
		var err error
		fieldsJSON, err = json.Marshal(p.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO patterns (id, project_id, type, content, fields, checksum, created_at, updated_at, quarantined)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, string(p.Type), p.Content, fieldsJSON, p.Checksum,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(), p.Quarantined)
	if err != nil {
		return fmt.Errorf("failed to put pattern: %w", err)
	}
	return nil
}

const patternColumns = `id, project_id, type, content, fields, checksum, created_at, updated_at, quarantined`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPattern(row rowScanner) (*pattern.Pattern, error) {
	var p pattern.Pattern
	var typ string
	var fieldsJSON []byte

	if err := row.Scan(&p.ID, &p.ProjectID, &typ, &p.Content, &fieldsJSON, &p.Checksum,
		&p.CreatedAt, &p.UpdatedAt, &p.Quarantined); err != nil {
		return nil, err
	}
	p.Type = pattern.PatternType(typ)

	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &p.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
		}
	}
	return &p, nil
}

// Get returns the canonical pattern.
func (s *SQLiteRelationalStore) Get(ctx context.Context, patternID string) (*pattern.Pattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, patternID)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pattern.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pattern: %w", err)
	}
	return p, nil
}

// ListPatterns returns the patterns of a project ordered by id.
func (s *SQLiteRelationalStore) ListPatterns(ctx context.Context, opts ListOptions) ([]*pattern.Pattern, error) {
	var where []string
	var args []interface{}

	where = append(where, "project_id = ?")
	args = append(args, opts.ProjectID)

	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}
	if !opts.TouchedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, opts.TouchedSince.UTC())
	}
	if !opts.IncludeQuarantined {
		where = append(where, "quarantined = 0")
	}

	query := `SELECT ` + patternColumns + ` FROM patterns WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*pattern.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patterns: %w", err)
	}
	return patterns, nil
}

// SetQuarantined marks or clears a pattern as untrusted.
func (s *SQLiteRelationalStore) SetQuarantined(ctx context.Context, patternID string, quarantined bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE patterns SET quarantined = ? WHERE id = ?`, quarantined, patternID)
	if err != nil {
		return fmt.Errorf("failed to set quarantine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set quarantine: %w", err)
	}
	if n == 0 {
		return pattern.ErrNotFound
	}
	return nil
}

// Projects returns the distinct project IDs holding patterns.
func (s *SQLiteRelationalStore) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project_id FROM patterns ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, id)
	}
	return projects, rows.Err()
}

// Snapshot answers existence, checksum and last write in one query.
func (s *SQLiteRelationalStore) Snapshot(ctx context.Context, patternID string) (bool, string, time.Time, error) {
	var checksum string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT checksum, updated_at FROM patterns WHERE id = ?`, patternID).
		Scan(&checksum, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", time.Time{}, nil
	}
	if err != nil {
		return false, "", time.Time{}, fmt.Errorf("failed to snapshot pattern: %w", err)
	}
	return true, checksum, updatedAt, nil
}

// Exists reports whether the pattern is in the system of record.
func (s *SQLiteRelationalStore) Exists(ctx context.Context, patternID string) (bool, error) {
	exists, _, _, err := s.Snapshot(ctx, patternID)
	return exists, err
}

// Checksum returns the stored checksum.
func (s *SQLiteRelationalStore) Checksum(ctx context.Context, patternID string) (string, error) {
	exists, checksum, _, err := s.Snapshot(ctx, patternID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrAbsent
	}
	return checksum, nil
}

// LastWriteAt returns the pattern's updated_at.
func (s *SQLiteRelationalStore) LastWriteAt(ctx context.Context, patternID string) (time.Time, error) {
	exists, _, updatedAt, err := s.Snapshot(ctx, patternID)
	if err != nil {
		return time.Time{}, err
	}
	if !exists {
		return time.Time{}, ErrAbsent
	}
	return updatedAt, nil
}

// Upsert rewrites the pattern from a payload, preserving created_at and quarantine.
func (s *SQLiteRelationalStore) Upsert(ctx context.Context, patternID string, payload pattern.Payload) error {
	existing, err := s.Get(ctx, patternID)
	if err != nil && !errors.Is(err, pattern.ErrNotFound) {
		return err
	}

	p := &pattern.Pattern{
		ID:        patternID,
		ProjectID: payload.ProjectID,
		Type:      payload.Type,
		Content:   payload.Content,
		Fields:    payload.Fields,
		Checksum:  payload.Checksum,
		UpdatedAt: payload.WrittenAt,
	}
	if existing != nil {
		p.CreatedAt = existing.CreatedAt
		p.Quarantined = existing.Quarantined
	}
	return s.Put(ctx, p)
}

// Count returns the number of patterns held.
func (s *SQLiteRelationalStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM patterns").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count patterns: %w", err)
	}
	return count, nil
}

// Close releases database resources.
func (s *SQLiteRelationalStore) Close() error {
	return s.db.Close()
}

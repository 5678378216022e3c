// Package ledger persists the engine's records in SQLite: append-only logs for
// integrity results, consistency reports, recovery attempts and checkpoints, and
// latest-status tables for discrepancies, project health and quarantine.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dan-solli/patternguard/pkg/pattern"
	"github.com/dan-solli/patternguard/pkg/store"
	"github.com/oklog/ulid/v2"
)

// Discrepancy statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// DiscrepancyRecord is a flagged discrepancy and its lifecycle.
type DiscrepancyRecord struct {
	pattern.Discrepancy
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// QuarantineRecord marks a pattern untrusted pending manual review.
type QuarantineRecord struct {
	PatternID     string    `json:"pattern_id"`
	ProjectID     string    `json:"project_id"`
	Reason        string    `json:"reason"`
	AttemptID     string    `json:"attempt_id,omitempty"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Ledger is the SQLite-backed persistence sink.
type Ledger struct {
	db *sql.DB
}

// Open creates the ledger and its schema. The dbPath can be a file path or ":memory:".
func Open(dbPath string) (*Ledger, error) {
	db, err := store.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS integrity_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		integrity_score REAL NOT NULL,
		checksum_match INTEGER NOT NULL,
		deep INTEGER NOT NULL,
		partial INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		body TEXT NOT NULL,
		validated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_integrity_pattern ON integrity_results(pattern_id, id);
	CREATE INDEX IF NOT EXISTS idx_integrity_project ON integrity_results(project_id, validated_at);

	CREATE TABLE IF NOT EXISTS consistency_reports (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		project_id TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		consistency_score REAL NOT NULL,
		patterns_checked INTEGER NOT NULL,
		partial INTEGER NOT NULL,
		body TEXT NOT NULL,
		checked_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_project ON consistency_reports(project_id, seq);

	CREATE TABLE IF NOT EXISTS discrepancies (
		id TEXT PRIMARY KEY,
		dkey TEXT NOT NULL,
		project_id TEXT NOT NULL,
		pattern_id TEXT NOT NULL,
		store TEXT NOT NULL,
		reason TEXT NOT NULL,
		severity INTEGER NOT NULL,
		status TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		body TEXT NOT NULL,
		detected_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL,
		resolved_at DATETIME
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_discrepancies_open_key ON discrepancies(dkey) WHERE status = 'open';
	CREATE INDEX IF NOT EXISTS idx_discrepancies_project ON discrepancies(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_discrepancies_pattern ON discrepancies(pattern_id, store, status);

	CREATE TABLE IF NOT EXISTS health_status (
		project_id TEXT PRIMARY KEY,
		overall_health TEXT NOT NULL,
		consistency_score REAL NOT NULL,
		reason TEXT,
		last_checked_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recovery_attempts (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		discrepancy_id TEXT NOT NULL,
		pattern_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		store TEXT NOT NULL,
		strategy TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT,
		started_at DATETIME NOT NULL,
		completed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_pattern ON recovery_attempts(pattern_id, seq);

	CREATE TABLE IF NOT EXISTS recovery_checkpoints (
		attempt_id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quarantine (
		pattern_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		attempt_id TEXT,
		quarantined_at DATETIME NOT NULL
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// DB returns the underlying database connection.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// Close releases database resources.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// nextSeq returns a monotonically increasing sequence for the given append-only table.
// Timestamps alone cannot order rows written within the same clock tick.
func nextSeq(ctx context.Context, tx *sql.Tx, table string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM `+table).Scan(&seq)
	return seq, err
}

// RecordIntegrity appends an integrity result.
func (l *Ledger) RecordIntegrity(ctx context.Context, r *pattern.IntegrityResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal integrity result: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO integrity_results (pattern_id, project_id, epoch, integrity_score, checksum_match, deep, partial, duration_ms, body, validated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PatternID, r.ProjectID, r.Epoch, r.IntegrityScore, r.ChecksumMatch, r.Deep, r.Partial,
		r.ValidationDurationMs, string(body), r.ValidatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record integrity result: %w", err)
	}
	return nil
}

// LatestIntegrity returns the most recent result for a pattern.
// Returns pattern.ErrNotFound if none was recorded.
func (l *Ledger) LatestIntegrity(ctx context.Context, patternID string) (*pattern.IntegrityResult, error) {
	var body string
	err := l.db.QueryRowContext(ctx,
		`SELECT body FROM integrity_results WHERE pattern_id = ? ORDER BY id DESC LIMIT 1`, patternID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pattern.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integrity result: %w", err)
	}
	var r pattern.IntegrityResult
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal integrity result: %w", err)
	}
	return &r, nil
}

// IntegrityTrend returns the average integrity score and sample count for a project
// since the given time.
func (l *Ledger) IntegrityTrend(ctx context.Context, projectID string, since time.Time) (float64, int64, error) {
	var avg sql.NullFloat64
	var n int64
	err := l.db.QueryRowContext(ctx, `
		SELECT AVG(integrity_score), COUNT(*) FROM integrity_results
		WHERE project_id = ? AND validated_at >= ?`, projectID, since.UTC()).Scan(&avg, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute integrity trend: %w", err)
	}
	return avg.Float64, n, nil
}

// RecordConsistency appends a consistency report.
func (l *Ledger) RecordConsistency(ctx context.Context, r *pattern.ConsistencyReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal consistency report: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx, "consistency_reports")
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO consistency_reports (id, seq, project_id, epoch, consistency_score, patterns_checked, partial, body, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, seq, r.ProjectID, r.Epoch, r.ConsistencyScore, r.PatternsChecked, r.Partial, string(body), r.CheckedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record consistency report: %w", err)
	}
	return tx.Commit()
}

// LatestConsistency returns the most recent report for a project.
// Returns pattern.ErrNotFound if none was recorded.
func (l *Ledger) LatestConsistency(ctx context.Context, projectID string) (*pattern.ConsistencyReport, error) {
	var body string
	err := l.db.QueryRowContext(ctx,
		`SELECT body FROM consistency_reports WHERE project_id = ? ORDER BY seq DESC LIMIT 1`, projectID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pattern.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consistency report: %w", err)
	}
	var r pattern.ConsistencyReport
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consistency report: %w", err)
	}
	return &r, nil
}

// SaveHealth replaces the latest health status of a project.
func (l *Ledger) SaveHealth(ctx context.Context, h pattern.HealthStatus) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO health_status (project_id, overall_health, consistency_score, reason, last_checked_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			overall_health = excluded.overall_health,
			consistency_score = excluded.consistency_score,
			reason = excluded.reason,
			last_checked_at = excluded.last_checked_at,
			updated_at = excluded.updated_at`,
		h.ProjectID, string(h.OverallHealth), h.ConsistencyScore, h.Reason, h.LastCheckedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save health: %w", err)
	}
	return nil
}

// GetHealth returns the stored health status of a project without its open discrepancies.
// Returns pattern.ErrNotFound if nothing was stored.
func (l *Ledger) GetHealth(ctx context.Context, projectID string) (pattern.HealthStatus, error) {
	h := pattern.HealthStatus{ProjectID: projectID}
	var state string
	var reason sql.NullString
	err := l.db.QueryRowContext(ctx, `
		SELECT overall_health, consistency_score, reason, last_checked_at
		FROM health_status WHERE project_id = ?`, projectID).
		Scan(&state, &h.ConsistencyScore, &reason, &h.LastCheckedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return h, pattern.ErrNotFound
	}
	if err != nil {
		return h, fmt.Errorf("failed to get health: %w", err)
	}
	h.OverallHealth = pattern.HealthState(state)
	h.Reason = reason.String
	return h, nil
}

// RecordAttempt appends a completed recovery attempt.
func (l *Ledger) RecordAttempt(ctx context.Context, a pattern.RecoveryAttempt) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx, "recovery_attempts")
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO recovery_attempts (id, seq, discrepancy_id, pattern_id, project_id, store, strategy, success, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, seq, a.DiscrepancyID, a.PatternID, a.ProjectID, string(a.Store), string(a.Strategy),
		a.Success, a.Error, a.StartedAt.UTC(), a.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record recovery attempt: %w", err)
	}
	return tx.Commit()
}

// Attempts returns the recovery attempts for a pattern, newest first.
func (l *Ledger) Attempts(ctx context.Context, patternID string) ([]pattern.RecoveryAttempt, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, discrepancy_id, pattern_id, project_id, store, strategy, success, error, started_at, completed_at
		FROM recovery_attempts WHERE pattern_id = ? ORDER BY seq DESC`, patternID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []pattern.RecoveryAttempt
	for rows.Next() {
		var a pattern.RecoveryAttempt
		var st, strategy string
		var errText sql.NullString
		if err := rows.Scan(&a.ID, &a.DiscrepancyID, &a.PatternID, &a.ProjectID, &st, &strategy,
			&a.Success, &errText, &a.StartedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Store = pattern.StoreKind(st)
		a.Strategy = pattern.RecoveryStrategy(strategy)
		a.Error = errText.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ConsecutiveFailures counts the failed attempts for a pattern since its last success.
func (l *Ledger) ConsecutiveFailures(ctx context.Context, patternID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recovery_attempts
		WHERE pattern_id = ? AND success = 0
		AND seq > COALESCE((SELECT MAX(seq) FROM recovery_attempts WHERE pattern_id = ? AND success = 1), 0)`,
		patternID, patternID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return n, nil
}

// SaveCheckpoint persists the pre-repair state of an attempt.
func (l *Ledger) SaveCheckpoint(ctx context.Context, cp pattern.Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO recovery_checkpoints (attempt_id, body, created_at) VALUES (?, ?, ?)`,
		cp.AttemptID, string(body), cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the checkpoint of an attempt.
// Returns pattern.ErrNotFound if none exists.
func (l *Ledger) GetCheckpoint(ctx context.Context, attemptID string) (*pattern.Checkpoint, error) {
	var body string
	err := l.db.QueryRowContext(ctx,
		`SELECT body FROM recovery_checkpoints WHERE attempt_id = ?`, attemptID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pattern.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	var cp pattern.Checkpoint
	if err := json.Unmarshal([]byte(body), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Quarantine records a pattern as quarantined. Re-quarantining refreshes the record.
func (l *Ledger) Quarantine(ctx context.Context, q QuarantineRecord) error {
	if q.QuarantinedAt.IsZero() {
		q.QuarantinedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO quarantine (pattern_id, project_id, reason, attempt_id, quarantined_at)
		VALUES (?, ?, ?, ?, ?)`,
		q.PatternID, q.ProjectID, q.Reason, q.AttemptID, q.QuarantinedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to quarantine pattern: %w", err)
	}
	return nil
}

// ClearQuarantine removes a pattern's quarantine record.
// Returns pattern.ErrNotFound if the pattern was not quarantined.
func (l *Ledger) ClearQuarantine(ctx context.Context, patternID string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM quarantine WHERE pattern_id = ?`, patternID)
	if err != nil {
		return fmt.Errorf("failed to clear quarantine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to clear quarantine: %w", err)
	}
	if n == 0 {
		return pattern.ErrNotFound
	}
	return nil
}

// Quarantined lists the quarantined patterns of a project.
func (l *Ledger) Quarantined(ctx context.Context, projectID string) ([]QuarantineRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT pattern_id, project_id, reason, attempt_id, quarantined_at
		FROM quarantine WHERE project_id = ? ORDER BY pattern_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantine: %w", err)
	}
	defer rows.Close()

	var out []QuarantineRecord
	for rows.Next() {
		var q QuarantineRecord
		var attemptID sql.NullString
		if err := rows.Scan(&q.PatternID, &q.ProjectID, &q.Reason, &attemptID, &q.QuarantinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quarantine: %w", err)
		}
		q.AttemptID = attemptID.String
		out = append(out, q)
	}
	return out, rows.Err()
}

// IsQuarantined reports whether a pattern has a quarantine record.
func (l *Ledger) IsQuarantined(ctx context.Context, patternID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantine WHERE pattern_id = ?`, patternID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check quarantine: %w", err)
	}
	return n > 0, nil
}

func newID() string {
	return ulid.Make().String()
}

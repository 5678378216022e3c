package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dan-solli/patternguard/pkg/pattern"
)

// Flag registers discrepancies as open. A discrepancy whose (pattern, store, reason)
// is already open reuses that record: its ID is kept, and its severity only ever rises.
// Transient discrepancies are skipped. The returned slice carries the assigned IDs and
// effective severities, in input order.
func (l *Ledger) Flag(ctx context.Context, ds []pattern.Discrepancy) ([]pattern.Discrepancy, error) {
	out := make([]pattern.Discrepancy, 0, len(ds))
	if len(ds) == 0 {
		return out, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, d := range ds {
		if d.Reason.Transient() {
			out = append(out, d)
			continue
		}
		if d.DetectedAt.IsZero() {
			d.DetectedAt = now
		}

		var id string
		var severity pattern.Severity
		err := tx.QueryRowContext(ctx,
			`SELECT id, severity FROM discrepancies WHERE dkey = ? AND status = 'open'`, d.Key()).
			Scan(&id, &severity)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			d.ID = newID()
			body, err := json.Marshal(d)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal discrepancy: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO discrepancies (id, dkey, project_id, pattern_id, store, reason, severity, status, epoch, body, detected_at, last_seen_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 'open', ?, ?, ?, ?)`,
				d.ID, d.Key(), d.ProjectID, d.PatternID, string(d.Store), string(d.Reason), int(d.Severity),
				d.Epoch, string(body), d.DetectedAt.UTC(), now)
			if err != nil {
				return nil, fmt.Errorf("failed to insert discrepancy: %w", err)
			}
		case err != nil:
			return nil, fmt.Errorf("failed to look up discrepancy: %w", err)
		default:
			d.ID = id
			if severity > d.Severity {
				d.Severity = severity
			}
			body, err := json.Marshal(d)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal discrepancy: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE discrepancies SET severity = ?, epoch = ?, body = ?, last_seen_at = ? WHERE id = ?`,
				int(d.Severity), d.Epoch, string(body), now, id)
			if err != nil {
				return nil, fmt.Errorf("failed to refresh discrepancy: %w", err)
			}
		}
		out = append(out, d)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return out, nil
}

// Resolve closes every open discrepancy for a pattern in a store. It returns the
// number of records closed.
func (l *Ledger) Resolve(ctx context.Context, patternID string, st pattern.StoreKind) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE discrepancies SET status = 'resolved', resolved_at = ?
		WHERE pattern_id = ? AND store = ? AND status = 'open'`,
		time.Now().UTC(), patternID, string(st))
	if err != nil {
		return 0, fmt.Errorf("failed to resolve discrepancies: %w", err)
	}
	return res.RowsAffected()
}

// ResolvePattern closes every open discrepancy for a pattern across all stores.
func (l *Ledger) ResolvePattern(ctx context.Context, patternID string) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE discrepancies SET status = 'resolved', resolved_at = ?
		WHERE pattern_id = ? AND status = 'open'`,
		time.Now().UTC(), patternID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve discrepancies: %w", err)
	}
	return res.RowsAffected()
}

// Escalate raises the severity of a pattern's open discrepancies to at least sev.
func (l *Ledger) Escalate(ctx context.Context, patternID string, sev pattern.Severity) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE discrepancies SET severity = ?
		WHERE pattern_id = ? AND status = 'open' AND severity < ?`,
		int(sev), patternID, int(sev))
	if err != nil {
		return 0, fmt.Errorf("failed to escalate discrepancies: %w", err)
	}
	return res.RowsAffected()
}

const discrepancyColumns = `id, severity, status, body, last_seen_at, resolved_at`

func scanDiscrepancy(row interface{ Scan(...interface{}) error }) (*DiscrepancyRecord, error) {
	var rec DiscrepancyRecord
	var id, status, body string
	var severity pattern.Severity
	var resolvedAt sql.NullTime

	if err := row.Scan(&id, &severity, &status, &body, &rec.LastSeenAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), &rec.Discrepancy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal discrepancy: %w", err)
	}
	// Columns are authoritative; the body is the snapshot at last detection.
	rec.ID = id
	rec.Severity = severity
	rec.Status = status
	if resolvedAt.Valid {
		rec.ResolvedAt = resolvedAt.Time
	}
	return &rec, nil
}

// GetDiscrepancy returns a flagged discrepancy by ID.
// Returns pattern.ErrUnknownDiscrepancy if it was never flagged.
func (l *Ledger) GetDiscrepancy(ctx context.Context, id string) (*DiscrepancyRecord, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+discrepancyColumns+` FROM discrepancies WHERE id = ?`, id)
	rec, err := scanDiscrepancy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pattern.ErrUnknownDiscrepancy, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get discrepancy: %w", err)
	}
	return rec, nil
}

// OpenFor returns the open discrepancy for a (pattern, store, reason) triple.
// Returns pattern.ErrUnknownDiscrepancy if none is open.
func (l *Ledger) OpenFor(ctx context.Context, d pattern.Discrepancy) (*DiscrepancyRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+discrepancyColumns+` FROM discrepancies WHERE dkey = ? AND status = 'open'`, d.Key())
	rec, err := scanDiscrepancy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pattern.ErrUnknownDiscrepancy, d.Key())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get discrepancy: %w", err)
	}
	return rec, nil
}

// DiscrepancyFilter narrows a listing of open discrepancies.
type DiscrepancyFilter struct {
	ProjectID string
	PatternID string
}

// Open lists open discrepancies, highest severity first, then oldest first.
func (l *Ledger) Open(ctx context.Context, f DiscrepancyFilter) ([]pattern.Discrepancy, error) {
	where := []string{"status = 'open'"}
	var args []interface{}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.PatternID != "" {
		where = append(where, "pattern_id = ?")
		args = append(args, f.PatternID)
	}

	rows, err := l.db.QueryContext(ctx, `SELECT `+discrepancyColumns+` FROM discrepancies WHERE `+
		strings.Join(where, " AND ")+` ORDER BY severity DESC, detected_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list discrepancies: %w", err)
	}
	defer rows.Close()

	var out []pattern.Discrepancy
	for rows.Next() {
		rec, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
		}
		out = append(out, rec.Discrepancy)
	}
	return out, rows.Err()
}

// OpenProjects returns the projects that have open discrepancies.
func (l *Ledger) OpenProjects(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT DISTINCT project_id FROM discrepancies WHERE status = 'open' ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// OpenCounts returns the number of open discrepancies per reason across all projects.
func (l *Ledger) OpenCounts(ctx context.Context) (map[pattern.DiscrepancyReason]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT reason, COUNT(*) FROM discrepancies WHERE status = 'open' GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("failed to count discrepancies: %w", err)
	}
	defer rows.Close()

	counts := make(map[pattern.DiscrepancyReason]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[pattern.DiscrepancyReason(reason)] = n
	}
	return counts, rows.Err()
}

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"crosspost/internal/config"
)

// Store persists content units and publishing identities in SQLite. All
// writes go through Update (or the targeted helpers below) so the database
// stays the single source of truth across daemon restarts.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the queue database under the configured
// log directory and verifies the schema version.
func Open(cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("queue: nil config")
	}
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return openPath(filepath.Join(cfg.Paths.LogDir, "queue.db"))
}

func openPath(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem location of the queue database.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the handle for packages that share the database, such as the
// identity pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

const unitColumns = `id, fingerprint, source_url, author_id, title, status,
attempts_json, artifacts_json, assigned_identity, publish_token,
error_message, created_at, updated_at, last_heartbeat`

// NewUnit records a discovered video, deduplicated on fingerprint. The second
// return value reports whether a new row was created; when false the existing
// unit is returned untouched.
func (s *Store) NewUnit(ctx context.Context, fingerprint, sourceURL, authorID, title string) (*Unit, bool, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, false, errors.New("fingerprint required")
	}
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
INSERT INTO content_units (fingerprint, source_url, author_id, title, status, attempts_json, artifacts_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, '{}', '{}', ?, ?)
ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint, sourceURL, authorID, title, string(StatusPending), now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert content unit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("inspect insert result: %w", err)
	}
	unit, err := s.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if unit == nil {
		return nil, false, fmt.Errorf("content unit %q vanished after insert", fingerprint)
	}
	return unit, affected > 0, nil
}

// NewLocalFile enqueues a video already on disk, skipping the download stage.
func (s *Store) NewLocalFile(ctx context.Context, fingerprint, path, title string) (*Unit, bool, error) {
	unit, created, err := s.NewUnit(ctx, fingerprint, "", "", title)
	if err != nil || !created {
		return unit, created, err
	}
	unit.Status = StatusDownloaded
	unit.SetArtifact(StageDownload, path)
	if err := s.Update(ctx, unit); err != nil {
		return nil, false, err
	}
	return unit, true, nil
}

// GetByID fetches a unit by row id, returning nil when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*Unit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM content_units WHERE id = ?`, id)
	return scanUnitRow(row)
}

// GetByFingerprint fetches a unit by fingerprint, returning nil when absent.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*Unit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM content_units WHERE fingerprint = ?`, fingerprint)
	return scanUnitRow(row)
}

// Has reports whether a fingerprint has already been ingested.
func (s *Store) Has(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM content_units WHERE fingerprint = ?`, fingerprint).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return true, nil
}

// Update writes the unit's full mutable state back to the database.
func (s *Store) Update(ctx context.Context, unit *Unit) error {
	if unit == nil || unit.ID == 0 {
		return errors.New("update requires a persisted unit")
	}
	attempts, err := marshalCounts(unit.Attempts)
	if err != nil {
		return err
	}
	artifacts, err := marshalStrings(unit.Artifacts)
	if err != nil {
		return err
	}
	unit.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
UPDATE content_units SET
    source_url = ?, author_id = ?, title = ?, status = ?,
    attempts_json = ?, artifacts_json = ?, assigned_identity = ?,
    publish_token = ?, error_message = ?, updated_at = ?, last_heartbeat = ?
WHERE id = ?`,
		unit.SourceURL, unit.AuthorID, unit.Title, string(unit.Status),
		attempts, artifacts, unit.AssignedIdentity,
		nullableString(unit.PublishToken), nullableString(unit.ErrorMessage),
		unit.UpdatedAt, nullableTime(unit.LastHeartbeat), unit.ID)
	if err != nil {
		return fmt.Errorf("update content unit %d: %w", unit.ID, err)
	}
	return nil
}

// UpdateHeartbeat stamps the unit's liveness marker without touching the
// rest of its state.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content_units SET last_heartbeat = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update heartbeat for unit %d: %w", id, err)
	}
	return nil
}

// LoadPending returns every unit that has not reached a terminal status,
// oldest first. The orchestrator uses this on startup to resume work.
func (s *Store) LoadPending(ctx context.Context) ([]*Unit, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+unitColumns+` FROM content_units
WHERE status NOT IN (?, ?)
ORDER BY created_at ASC, id ASC`,
		string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("load pending units: %w", err)
	}
	defer rows.Close()
	return collectUnits(rows)
}

// List returns units filtered by status, or every unit when no statuses are
// given, oldest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM content_units`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list content units: %w", err)
	}
	defer rows.Close()
	return collectUnits(rows)
}

// NextForStatus returns the oldest unit in any of the given statuses, or nil
// when none match.
func (s *Store) NextForStatus(ctx context.Context, statuses ...Status) (*Unit, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+unitColumns+` FROM content_units
WHERE status IN (`+strings.Join(placeholders, ", ")+`)
ORDER BY created_at ASC, id ASC LIMIT 1`, args...)
	return scanUnitRow(row)
}

// ResetStuckProcessing rolls interrupted download, transcode, and rewrite
// work back to its stage's start status. Units left in publishing are not
// touched; the orchestrator resolves those through their publish token.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int, error) {
	total := 0
	for _, transition := range stageRollbackTransitions {
		result, err := s.db.ExecContext(ctx, `
UPDATE content_units SET status = ?, last_heartbeat = NULL, updated_at = ?
WHERE status = ?`,
			string(transition.to), time.Now().UTC(), string(transition.from))
		if err != nil {
			return total, fmt.Errorf("reset %s units: %w", transition.from, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("inspect reset result: %w", err)
		}
		total += int(affected)
	}
	return total, nil
}

// ReclaimStale rolls back in-flight units whose heartbeat is older than the
// cutoff, recovering work orphaned by a crashed worker.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for _, transition := range stageRollbackTransitions {
		result, err := s.db.ExecContext(ctx, `
UPDATE content_units SET status = ?, last_heartbeat = NULL, updated_at = ?
WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
			string(transition.to), time.Now().UTC(), string(transition.from), cutoff.UTC())
		if err != nil {
			return total, fmt.Errorf("reclaim %s units: %w", transition.from, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("inspect reclaim result: %w", err)
		}
		total += int(affected)
	}
	return total, nil
}

// RetryFailed returns failed units to pending with attempts and error state
// cleared. With no ids it retries every failed unit. It returns the number
// of units reset.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int, error) {
	query := `
UPDATE content_units SET status = ?, attempts_json = '{}', error_message = NULL,
    publish_token = NULL, assigned_identity = 0, last_heartbeat = NULL, updated_at = ?
WHERE status = ?`
	args := []any{string(StatusPending), time.Now().UTC(), string(StatusFailed)}
	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` AND id IN (` + strings.Join(placeholders, ", ") + `)`
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry failed units: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inspect retry result: %w", err)
	}
	return int(affected), nil
}

// Remove deletes a single unit.
func (s *Store) Remove(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM content_units WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove unit %d: %w", id, err)
	}
	return nil
}

// ClearCompleted deletes completed units and returns how many were removed.
func (s *Store) ClearCompleted(ctx context.Context) (int, error) {
	return s.clearStatus(ctx, StatusCompleted)
}

// ClearFailed deletes failed units and returns how many were removed.
func (s *Store) ClearFailed(ctx context.Context) (int, error) {
	return s.clearStatus(ctx, StatusFailed)
}

func (s *Store) clearStatus(ctx context.Context, status Status) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM content_units WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("clear %s units: %w", status, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inspect clear result: %w", err)
	}
	return int(affected), nil
}

// Stats returns a count of units per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM content_units GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()
	stats := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}

// Health summarizes queue state for the status surfaces.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	summary := HealthSummary{}
	for status, count := range stats {
		summary.Total += count
		switch {
		case status == StatusPending:
			summary.Pending += count
		case status == StatusFailed:
			summary.Failed += count
		case status == StatusCompleted:
			summary.Completed += count
		default:
			summary.Processing += count
		}
	}
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnitRow(row *sql.Row) (*Unit, error) {
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return unit, err
}

func scanUnit(scanner rowScanner) (*Unit, error) {
	var (
		unit         Unit
		status       string
		sourceURL    sql.NullString
		authorID     sql.NullString
		title        sql.NullString
		attempts     string
		artifacts    string
		publishToken sql.NullString
		errorMessage sql.NullString
		createdAt    sql.NullTime
		updatedAt    sql.NullTime
		heartbeat    sql.NullTime
	)
	err := scanner.Scan(&unit.ID, &unit.Fingerprint, &sourceURL, &authorID, &title,
		&status, &attempts, &artifacts, &unit.AssignedIdentity, &publishToken,
		&errorMessage, &createdAt, &updatedAt, &heartbeat)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan content unit: %w", err)
	}
	unit.Status = Status(status)
	unit.SourceURL = sourceURL.String
	unit.AuthorID = authorID.String
	unit.Title = title.String
	unit.PublishToken = publishToken.String
	unit.ErrorMessage = errorMessage.String
	if createdAt.Valid {
		unit.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		unit.UpdatedAt = updatedAt.Time
	}
	if heartbeat.Valid {
		hb := heartbeat.Time
		unit.LastHeartbeat = &hb
	}
	if unit.Attempts, err = unmarshalCounts(attempts); err != nil {
		return nil, fmt.Errorf("decode attempts for unit %d: %w", unit.ID, err)
	}
	if unit.Artifacts, err = unmarshalStrings(artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts for unit %d: %w", unit.ID, err)
	}
	return &unit, nil
}

func collectUnits(rows *sql.Rows) ([]*Unit, error) {
	var units []*Unit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

func marshalCounts(m map[string]int) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode attempts: %w", err)
	}
	return string(data), nil
}

func unmarshalCounts(data string) (map[string]int, error) {
	m := make(map[string]int)
	if strings.TrimSpace(data) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalStrings(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode artifacts: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) (map[string]string, error) {
	m := make(map[string]string)
	if strings.TrimSpace(data) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC()
}

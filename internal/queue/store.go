// Package queue provides the SQLite-backed durable store of pending reports.
// Every report is written here first, before any network access.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JohanCodinha/reportq/internal/logger"
)

var log = logger.Named("queue")

// Store is a durable, transactional table of pending reports.
type Store struct {
	path string
	conn *sql.DB
	now  func() time.Time
}

// createReportsTableSQL defines the schema for the reports table.
// owner_id is NULL while the report is unattributed.
const createReportsTableSQL = `
CREATE TABLE IF NOT EXISTS reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    description TEXT,
    category TEXT,
    severity TEXT,
    address TEXT,
    latitude REAL,
    longitude REAL,
    owner_id TEXT,
    created_at TEXT NOT NULL,
    sync_status TEXT NOT NULL DEFAULT 'pending',
    sync_attempts INTEGER NOT NULL DEFAULT 0,
    last_sync_attempt TEXT,
    sync_error TEXT,
    error_kind TEXT,
    idempotency_key TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(sync_status);
`

// createPhotosTableSQL defines the schema for photo blobs, kept in capture order.
const createPhotosTableSQL = `
CREATE TABLE IF NOT EXISTS report_photos (
    report_id INTEGER NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    content_type TEXT,
    data BLOB NOT NULL,
    remote_url TEXT,
    PRIMARY KEY(report_id, position)
);
`

const reportColumns = `
	id, title, description, category, severity, address, latitude, longitude,
	owner_id, created_at, sync_status, sync_attempts, last_sync_attempt,
	sync_error, error_kind, idempotency_key`

// Open creates or opens the queue database at path and initializes the schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", err)
	}

	// SQLite only supports a single writer; one connection also makes each
	// transaction below the unit of atomicity for a record.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		createReportsTableSQL,
		createPhotosTableSQL,
	} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, storageErr("init schema", err)
		}
	}

	return &Store{
		path: path,
		conn: conn,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Save persists a new report with its photos and returns the assigned id.
// The report starts pending with zero attempts.
func (s *Store) Save(ctx context.Context, r NewReport) (int64, error) {
	if strings.TrimSpace(r.Issue.Title) == "" {
		return 0, &StorageError{Op: "save", Cause: ErrInvalidReport, Err: errors.New("report title is required")}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("save", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reports (
			title, description, category, severity, address, latitude, longitude,
			owner_id, created_at, sync_status, sync_attempts, idempotency_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`,
		r.Issue.Title,
		nullString(r.Issue.Description),
		nullString(r.Issue.Category),
		nullString(r.Issue.Severity),
		nullString(r.Issue.Address),
		r.Issue.Latitude,
		r.Issue.Longitude,
		nullString(r.Owner.UserID()),
		formatTime(s.now()),
		string(StatusPending),
		uuid.NewString(),
	)
	if err != nil {
		return 0, storageErr("save", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("save", err)
	}

	for i, p := range r.Photos {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("photo_%d.jpg", i)
		}
		contentType := p.ContentType
		if contentType == "" {
			contentType = "image/jpeg"
		}
		data := p.Data
		if data == nil {
			data = []byte{}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO report_photos (report_id, position, name, content_type, data)
			VALUES (?, ?, ?, ?, ?)
		`, id, i, name, contentType, data)
		if err != nil {
			return 0, storageErr("save photo", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("save", err)
	}

	log.Debug("saved report %d with %d photos", id, len(r.Photos))
	return id, nil
}

// Get retrieves a report with its photos. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id int64) (*PendingReport, error) {
	row := s.conn.QueryRowContext(ctx, "SELECT "+reportColumns+" FROM reports WHERE id = ?", id)
	r, err := scanReportFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &StorageError{Op: "get", Cause: ErrNotFound}
		}
		return nil, storageErr("get", err)
	}

	if err := s.attachPhotos(ctx, []*PendingReport{r}); err != nil {
		return nil, err
	}
	return r, nil
}

// List retrieves all reports ordered by id, which is creation order.
func (s *Store) List(ctx context.Context) ([]PendingReport, error) {
	return s.query(ctx, "list", "SELECT "+reportColumns+" FROM reports ORDER BY id ASC")
}

// ListByStatus retrieves reports in any of the given statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]PendingReport, error) {
	if len(statuses) == 0 {
		return []PendingReport{}, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := fmt.Sprintf("SELECT %s FROM reports WHERE sync_status IN (%s) ORDER BY id ASC",
		reportColumns, strings.Join(placeholders, ", "))
	return s.query(ctx, "list by status", query, args...)
}

func (s *Store) query(ctx context.Context, op, query string, args ...interface{}) ([]PendingReport, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var ptrs []*PendingReport
	for rows.Next() {
		r, err := scanReportFrom(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		ptrs = append(ptrs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	rows.Close()

	if err := s.attachPhotos(ctx, ptrs); err != nil {
		return nil, err
	}

	reports := make([]PendingReport, len(ptrs))
	for i, r := range ptrs {
		reports[i] = *r
	}
	return reports, nil
}

// attachPhotos loads the photos of the given reports in position order.
func (s *Store) attachPhotos(ctx context.Context, reports []*PendingReport) error {
	if len(reports) == 0 {
		return nil
	}

	byID := make(map[int64]*PendingReport, len(reports))
	placeholders := make([]string, len(reports))
	args := make([]interface{}, len(reports))
	for i, r := range reports {
		byID[r.ID] = r
		r.Photos = []Photo{}
		placeholders[i] = "?"
		args[i] = r.ID
	}

	query := fmt.Sprintf(`
		SELECT report_id, position, name, content_type, data, remote_url
		FROM report_photos
		WHERE report_id IN (%s)
		ORDER BY report_id ASC, position ASC
	`, strings.Join(placeholders, ", "))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return storageErr("load photos", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reportID int64
		var p Photo
		var contentType, remoteURL sql.NullString
		if err := rows.Scan(&reportID, &p.Position, &p.Name, &contentType, &p.Data, &remoteURL); err != nil {
			return storageErr("load photos", err)
		}
		p.ContentType = contentType.String
		p.RemoteURL = remoteURL.String
		if r, ok := byID[reportID]; ok {
			r.Photos = append(r.Photos, p)
		}
	}
	if err := rows.Err(); err != nil {
		return storageErr("load photos", err)
	}
	return nil
}

// Update merges the non-nil fields of u into the report inside a single
// transaction. The owner may only move from unattributed to attributed, and
// the attempt counter may only grow.
func (s *Store) Update(ctx context.Context, id int64, u Update) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("update", err)
	}
	defer tx.Rollback()

	var ownerID sql.NullString
	var attempts int
	err = tx.QueryRowContext(ctx, "SELECT owner_id, sync_attempts FROM reports WHERE id = ?", id).
		Scan(&ownerID, &attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &StorageError{Op: "update", Cause: ErrNotFound}
		}
		return storageErr("update", err)
	}

	var setClauses []string
	var args []interface{}

	if u.Status != nil {
		if !u.Status.Valid() {
			return &StorageError{Op: "update", Err: fmt.Errorf("invalid status %q", *u.Status)}
		}
		setClauses = append(setClauses, "sync_status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Attempts != nil {
		if *u.Attempts < attempts {
			return &StorageError{Op: "update", Cause: ErrAttemptsDecrease}
		}
		setClauses = append(setClauses, "sync_attempts = ?")
		args = append(args, *u.Attempts)
	}
	if u.LastSyncAttempt != nil {
		setClauses = append(setClauses, "last_sync_attempt = ?")
		args = append(args, formatTime(*u.LastSyncAttempt))
	}
	if u.SyncError != nil {
		setClauses = append(setClauses, "sync_error = ?")
		args = append(args, nullString(*u.SyncError))
	}
	if u.ErrorKind != nil {
		setClauses = append(setClauses, "error_kind = ?")
		args = append(args, nullString(string(*u.ErrorKind)))
	}
	if u.Owner != nil {
		current := AttributedTo(ownerID.String)
		switch {
		case current == *u.Owner:
			// Same owner: nothing to write.
		case current.Attributed():
			return &StorageError{Op: "update", Cause: ErrOwnerConflict,
				Err: fmt.Errorf("report %d owned by %s, cannot reassign to %s", id, current, *u.Owner)}
		default:
			setClauses = append(setClauses, "owner_id = ?")
			args = append(args, u.Owner.UserID())
		}
	}

	if len(setClauses) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE reports SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return storageErr("update", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("update", err)
	}
	return nil
}

// Acquire moves an eligible report to syncing, increments its attempt
// counter and stamps lastSyncAttempt, all in one conditional update. This is
// the exclusive lock a sync pass must hold before any network call.
// A report is eligible when pending or failed and, if maxAttempts > 0, below
// that many attempts. Returns ErrNotAcquired otherwise.
func (s *Store) Acquire(ctx context.Context, id int64, maxAttempts int) (*PendingReport, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE reports
		SET sync_status = ?, sync_attempts = sync_attempts + 1, last_sync_attempt = ?
		WHERE id = ?
		  AND sync_status IN (?, ?)
		  AND (? = 0 OR sync_attempts < ?)
	`,
		string(StatusSyncing), formatTime(s.now()), id,
		string(StatusPending), string(StatusFailed),
		maxAttempts, maxAttempts,
	)
	if err != nil {
		return nil, storageErr("acquire", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, storageErr("acquire", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, &StorageError{Op: "acquire", Cause: ErrNotAcquired}
	}

	return s.Get(ctx, id)
}

// SetPhotoURL records the remote URL of an uploaded photo.
func (s *Store) SetPhotoURL(ctx context.Context, reportID int64, position int, url string) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE report_photos SET remote_url = ? WHERE report_id = ? AND position = ?",
		nullString(url), reportID, position)
	if err != nil {
		return storageErr("set photo url", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("set photo url", err)
	}
	if n == 0 {
		return &StorageError{Op: "set photo url", Cause: ErrNotFound,
			Err: fmt.Errorf("no photo %d on report %d", position, reportID)}
	}
	return nil
}

// Delete permanently removes a report and its photos.
func (s *Store) Delete(ctx context.Context, id int64) error {
	return s.deleteWhere(ctx, "delete", "id = ?", id)
}

// ClearSynced removes every synced report and returns how many were removed.
// Calling it again is a no-op.
func (s *Store) ClearSynced(ctx context.Context) (int64, error) {
	n, err := s.countWhere(ctx, "sync_status = ?", string(StatusSynced))
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.deleteWhere(ctx, "clear synced", "sync_status = ?", string(StatusSynced)); err != nil {
		return 0, err
	}
	return n, nil
}

// ClearAll removes every report. Intended for reset flows only.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.deleteWhere(ctx, "clear all", "1 = 1")
}

func (s *Store) deleteWhere(ctx context.Context, op, where string, args ...interface{}) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer tx.Rollback()

	photos := "DELETE FROM report_photos WHERE report_id IN (SELECT id FROM reports WHERE " + where + ")"
	if _, err := tx.ExecContext(ctx, photos, args...); err != nil {
		return storageErr(op, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM reports WHERE "+where, args...); err != nil {
		return storageErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// Count returns the number of reports not yet synced, for badges.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.countWhere(ctx, "sync_status != ?", string(StatusSynced))
	return int(n), err
}

func (s *Store) countWhere(ctx context.Context, where string, args ...interface{}) (int64, error) {
	var n int64
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports WHERE "+where, args...).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

// RecoverStale moves reports stuck in syncing since before cutoff to failed.
// A process that died mid-sync leaves its records in syncing; without this
// they would never be retried.
func (s *Store) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE reports
		SET sync_status = ?, sync_error = ?, error_kind = ?
		WHERE sync_status = ? AND (last_sync_attempt IS NULL OR last_sync_attempt < ?)
	`,
		string(StatusFailed), "sync interrupted", string(KindStorage),
		string(StatusSyncing), formatTime(cutoff.UTC()),
	)
	if err != nil {
		return 0, storageErr("recover stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("recover stale", err)
	}
	if n > 0 {
		log.Warn("recovered %d reports left in syncing", n)
	}
	return n, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReportFrom(s scanner) (*PendingReport, error) {
	var r PendingReport
	var description, category, severity, address, ownerID sql.NullString
	var lastAttempt, syncError, errorKind sql.NullString
	var lat, lng sql.NullFloat64
	var createdAt, status string

	err := s.Scan(
		&r.ID,
		&r.Issue.Title,
		&description,
		&category,
		&severity,
		&address,
		&lat,
		&lng,
		&ownerID,
		&createdAt,
		&status,
		&r.Attempts,
		&lastAttempt,
		&syncError,
		&errorKind,
		&r.IdempotencyKey,
	)
	if err != nil {
		return nil, err
	}

	r.Issue.Description = description.String
	r.Issue.Category = category.String
	r.Issue.Severity = severity.String
	r.Issue.Address = address.String
	r.Issue.Latitude = lat.Float64
	r.Issue.Longitude = lng.Float64
	r.Owner = AttributedTo(ownerID.String)
	r.Status = Status(status)
	r.SyncError = syncError.String
	r.ErrorKind = ErrorKind(errorKind.String)

	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if lastAttempt.Valid && lastAttempt.String != "" {
		t, err := parseTime(lastAttempt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_sync_attempt: %w", err)
		}
		r.LastSyncAttempt = &t
	}

	return &r, nil
}

// Timestamps are stored as fixed-width RFC 3339 so they compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// storageErr wraps a database error, classifying quota and corruption failures.
func storageErr(op string, err error) error {
	se := &StorageError{Op: op, Err: err}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_FULL:
			se.Cause = ErrQuotaExceeded
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			se.Cause = ErrCorrupt
		}
	}
	return se
}

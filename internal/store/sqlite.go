package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dlwatch/internal/engine"
	"dlwatch/internal/logging"

	_ "modernc.org/sqlite"
)

// Download represents a row in the downloads table.
type Download struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	URL          string    `json:"url"`
	Filename     string    `json:"filename"`
	Dir          string    `json:"dir"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"` // 0-100
	FinalPath    string    `json:"final_path,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Notify       bool      `json:"notify"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store wraps an sql.DB and provides typed helpers.
type Store struct {
	db *sql.DB

	subMu sync.RWMutex
	subs  map[chan ChangeEvent]struct{}
}

type ChangeType string

const (
	ChangeUpsert ChangeType = "upsert"
	ChangeDelete ChangeType = "delete"
)

type ChangeEvent struct {
	Type ChangeType `json:"type"`
	ID   int64      `json:"id"` // 0 means "resync needed"
}

const (
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusLost        = "lost"
)

const selectColumns = `SELECT id, task_id, url, filename, dir, status, progress, final_path, error_message, notify, created_at, updated_at FROM downloads`

// Open opens or creates a SQLite database at the given path and ensures schema.
func Open(path string) (*Store, error) {
	// Pragmas: busy timeout and WAL for better concurrency.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Conservative limits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:   db,
		subs: make(map[chan ChangeEvent]struct{}),
	}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS downloads (
    id INTEGER PRIMARY KEY,
    task_id TEXT NOT NULL,
    url TEXT NOT NULL,
    filename TEXT,
    dir TEXT,
    status TEXT,
    progress INTEGER DEFAULT 0,
    final_path TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);
CREATE INDEX IF NOT EXISTS idx_downloads_task_status ON downloads(task_id, status);
`
	if _, err := db.Exec(ddl); err != nil {
		return err
	}

	// Columns added after the first release.
	if err := ensureColumn(db, "downloads", "notify", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

func ensureColumn(db *sql.DB, table, column, colType string) error {
	hasCol, err := hasColumn(db, table, column)
	if err != nil {
		return err
	}
	if hasCol {
		return nil
	}

	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, colType))
	return err
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// SubscribeChanges subscribes to mutation events.
// The returned unsubscribe function must be called to avoid leaks.
func (s *Store) SubscribeChanges(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ChangeEvent, buffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (s *Store) emitChange(evt ChangeEvent) {
	s.subMu.RLock()
	targets := make([]chan ChangeEvent, 0, len(s.subs))
	for ch := range s.subs {
		targets = append(targets, ch)
	}
	s.subMu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			// Channel is saturated; collapse to a single resync event.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ChangeEvent{Type: ChangeUpsert, ID: 0}:
			default:
			}
		}
	}
}

// CreateDownload inserts a row for a freshly enqueued task and returns its ID.
func (s *Store) CreateDownload(ctx context.Context, taskID, url, filename, dir string, notify bool) (int64, error) {
	if url == "" {
		return 0, ErrEmptyURL
	}
	if taskID == "" {
		return 0, ErrEmptyTaskID
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO downloads (task_id, url, filename, dir, status, progress, notify)
VALUES (?, ?, ?, ?, ?, 0, ?)`, taskID, url, filename, dir, StatusDownloading, notify)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get insert id: %w", err)
	}
	logging.LogDBCreate(id, taskID, url, StatusDownloading)
	s.emitChange(ChangeEvent{Type: ChangeUpsert, ID: id})
	return id, nil
}

// activeRowID finds the in-flight row for a task. Task ids can be reused by
// the engine, so only the newest downloading row is considered.
func (s *Store) activeRowID(ctx context.Context, taskID string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
SELECT id FROM downloads
WHERE task_id = ? AND status = ?
ORDER BY id DESC
LIMIT 1`, taskID, StatusDownloading).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// UpdateProgress sets progress on the task's in-flight row and bumps
// updated_at. Rows already in a terminal state are left alone.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, progress int) error {
	progress = min(max(progress, 0), 100)
	id, ok, err := s.activeRowID(ctx, taskID)
	if err != nil || !ok {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE downloads SET progress = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`, progress, id, StatusDownloading)
	if err != nil {
		return err
	}
	logging.LogDBUpdate("update_progress", taskID, map[string]any{"progress": progress})
	s.emitChange(ChangeEvent{Type: ChangeUpsert, ID: id})
	return nil
}

// UpdateStatus moves the task's in-flight row to a terminal status. finalPath
// is stored for completed rows, errMsg for failed and lost ones.
func (s *Store) UpdateStatus(ctx context.Context, taskID, status, finalPath, errMsg string) error {
	st := normalizeStatus(status)
	id, ok, err := s.activeRowID(ctx, taskID)
	if err != nil || !ok {
		return err
	}

	switch st {
	case StatusCompleted:
		_, err = s.db.ExecContext(ctx, `UPDATE downloads SET status = ?, progress = 100, final_path = ?, error_message = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, st, finalPath, id)
	case StatusFailed, StatusLost:
		trimmedErr := strings.TrimSpace(errMsg)
		if trimmedErr == "" {
			_, err = s.db.ExecContext(ctx, `UPDATE downloads SET status = ?, error_message = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, st, id)
		} else {
			_, err = s.db.ExecContext(ctx, `UPDATE downloads SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, st, trimmedErr, id)
		}
	default:
		_, err = s.db.ExecContext(ctx, `UPDATE downloads SET status = ?, error_message = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, st, id)
	}
	if err != nil {
		return err
	}
	fields := map[string]any{"status": st}
	if finalPath != "" {
		fields["final_path"] = finalPath
	}
	if errMsg != "" {
		fields["error_message"] = errMsg
	}
	logging.LogDBUpdate("update_status", taskID, fields)
	s.emitChange(ChangeEvent{Type: ChangeUpsert, ID: id})
	return nil
}

// ListFilter narrows ListDownloads.
type ListFilter struct {
	Status string // optional: downloading|completed|failed|lost
	Sort   string // created_at|status|progress|filename
	Order  string // asc|desc
	Limit  int    // optional
	Offset int    // optional
}

// ListDownloads returns downloads filtered and sorted.
func (s *Store) ListDownloads(ctx context.Context, f ListFilter) ([]Download, error) {
	sortCol := "created_at"
	switch strings.ToLower(f.Sort) {
	case "status":
		sortCol = "status"
	case "progress":
		sortCol = "progress"
	case "filename", "title":
		sortCol = "filename"
	case "created_at", "date":
		sortCol = "created_at"
	}
	order := "DESC"
	if strings.ToLower(f.Order) == "asc" {
		order = "ASC"
	}
	var args []any
	sb := strings.Builder{}
	sb.WriteString(selectColumns)
	if f.Status != "" {
		sb.WriteString(" WHERE status = ?")
		args = append(args, normalizeStatus(f.Status))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(sortCol)
	sb.WriteByte(' ')
	sb.WriteString(order)
	sb.WriteString(", id ")
	sb.WriteString(order)
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
		if f.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		sb.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Download, 0, 64)
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(r rowScanner) (Download, error) {
	var d Download
	var filename, dir, finalPath, errorMessage sql.NullString
	var notify sql.NullInt64
	if err := r.Scan(&d.ID, &d.TaskID, &d.URL, &filename, &dir, &d.Status, &d.Progress, &finalPath, &errorMessage, &notify, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Download{}, err
	}
	d.Filename = filename.String
	d.Dir = dir.String
	d.FinalPath = finalPath.String
	d.ErrorMessage = errorMessage.String
	d.Notify = notify.Int64 != 0
	return d, nil
}

// GetDownloadByID returns a single download by ID.
func (s *Store) GetDownloadByID(ctx context.Context, id int64) (Download, bool, error) {
	d, err := scanDownload(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Download{}, false, nil
	}
	if err != nil {
		return Download{}, false, err
	}
	return d, true, nil
}

// GetDownloadByTaskID returns the most recent record for a task id.
func (s *Store) GetDownloadByTaskID(ctx context.Context, taskID string) (Download, bool, error) {
	if strings.TrimSpace(taskID) == "" {
		return Download{}, false, ErrEmptyTaskID
	}
	d, err := scanDownload(s.db.QueryRowContext(ctx, selectColumns+` WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Download{}, false, nil
	}
	if err != nil {
		return Download{}, false, err
	}
	return d, true, nil
}

// ResumableTasks returns task ids still recorded as downloading, oldest
// first. They were in flight when the process last stopped.
func (s *Store) ResumableTasks(ctx context.Context, limit int) ([]engine.TaskID, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id FROM downloads
WHERE status = ?
GROUP BY task_id
ORDER BY MIN(id) ASC
LIMIT ?`, StatusDownloading, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []engine.TaskID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, engine.TaskID(id))
	}
	return ids, rows.Err()
}

// DeleteDownload removes a download record from the database.
func (s *Store) DeleteDownload(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		logging.LogDBOperation("delete_download", id, err)
		return err
	}
	logging.LogDBOperation("delete_download", id, nil)
	s.emitChange(ChangeEvent{Type: ChangeDelete, ID: id})
	return nil
}

// CountDownloadsByStatus returns the count of downloads by status
func (s *Store) CountDownloadsByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM downloads WHERE status = ?`, normalizeStatus(status)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case StatusDownloading, StatusCompleted, StatusFailed, StatusLost:
		return s
	case "error":
		return StatusFailed
	case "complete", "successful":
		return StatusCompleted
	default:
		return StatusDownloading
	}
}

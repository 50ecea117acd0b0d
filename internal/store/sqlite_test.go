package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dlwatch/internal/engine"
)

func TestOpen(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()

	// Verify database file exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestCreateDownload(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	id, err := store.CreateDownload(ctx, "2089b05ecca3d829", "https://example.com/file.iso", "file.iso", "/srv/downloads", true)
	if err != nil {
		t.Fatalf("CreateDownload() failed: %v", err)
	}
	if id <= 0 {
		t.Error("Expected positive ID, got", id)
	}

	d, ok, err := store.GetDownloadByID(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetDownloadByID() = %v, %v", ok, err)
	}
	if d.TaskID != "2089b05ecca3d829" || d.Filename != "file.iso" || d.Dir != "/srv/downloads" {
		t.Errorf("unexpected row: %+v", d)
	}
	if d.Status != StatusDownloading || d.Progress != 0 || !d.Notify {
		t.Errorf("unexpected initial state: %+v", d)
	}
}

func TestCreateDownload_EmptyFields(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if _, err := store.CreateDownload(ctx, "gid", "", "", "", false); !errors.Is(err, ErrEmptyURL) {
		t.Errorf("Expected ErrEmptyURL error, got: %v", err)
	}
	if _, err := store.CreateDownload(ctx, "", "https://example.com/a", "", "", false); !errors.Is(err, ErrEmptyTaskID) {
		t.Errorf("Expected ErrEmptyTaskID error, got: %v", err)
	}
}

func TestUpdateProgress(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if _, err := store.CreateDownload(ctx, "gid-1", "https://example.com/a", "a", "/tmp", false); err != nil {
		t.Fatalf("CreateDownload() failed: %v", err)
	}

	if err := store.UpdateProgress(ctx, "gid-1", 50); err != nil {
		t.Fatalf("UpdateProgress() failed: %v", err)
	}

	downloads, err := store.ListDownloads(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListDownloads() failed: %v", err)
	}
	if len(downloads) != 1 {
		t.Fatalf("Expected 1 download, got %d", len(downloads))
	}
	if downloads[0].Progress != 50 {
		t.Errorf("Expected progress 50, got %d", downloads[0].Progress)
	}

	// Unknown tasks are ignored.
	if err := store.UpdateProgress(ctx, "gid-unknown", 10); err != nil {
		t.Errorf("UpdateProgress(unknown) failed: %v", err)
	}
}

func TestUpdateStatus_Completed(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	id, _ := store.CreateDownload(ctx, "gid-1", "https://example.com/a", "a", "/tmp", false)
	_ = store.UpdateProgress(ctx, "gid-1", 40)

	if err := store.UpdateStatus(ctx, "gid-1", "completed", "/tmp/a", ""); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	d, _, _ := store.GetDownloadByID(ctx, id)
	if d.Status != StatusCompleted || d.Progress != 100 || d.FinalPath != "/tmp/a" {
		t.Errorf("unexpected row after completion: %+v", d)
	}

	// A late progress sample must not reopen or rewind a finished row.
	if err := store.UpdateProgress(ctx, "gid-1", 60); err != nil {
		t.Fatalf("UpdateProgress() failed: %v", err)
	}
	d, _, _ = store.GetDownloadByID(ctx, id)
	if d.Progress != 100 || d.Status != StatusCompleted {
		t.Errorf("terminal row changed: %+v", d)
	}
}

func TestUpdateStatus_NormalizesAndTrimsError(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	id, _ := store.CreateDownload(ctx, "gid-1", "https://example.com/a", "a", "/tmp", false)

	if err := store.UpdateStatus(ctx, "gid-1", "error", "", "  transfer_failed: code 3  "); err != nil {
		t.Fatalf("UpdateStatus(error) failed: %v", err)
	}
	d, _, _ := store.GetDownloadByID(ctx, id)
	if d.Status != StatusFailed {
		t.Errorf("expected status normalized to failed, got %q", d.Status)
	}
	if d.ErrorMessage != "transfer_failed: code 3" {
		t.Errorf("expected trimmed error message, got %q", d.ErrorMessage)
	}

	// Terminal rows are not updated a second time.
	if err := store.UpdateStatus(ctx, "gid-1", "completed", "/tmp/a", ""); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}
	d, _, _ = store.GetDownloadByID(ctx, id)
	if d.Status != StatusFailed {
		t.Errorf("expected failed row to stay failed, got %q", d.Status)
	}
}

func TestUpdateStatus_ReusedTaskID(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	first, _ := store.CreateDownload(ctx, "gid-1", "https://example.com/a", "a", "/tmp", false)
	_ = store.UpdateStatus(ctx, "gid-1", StatusLost, "", "state_lost")
	second, _ := store.CreateDownload(ctx, "gid-1", "https://example.com/b", "b", "/tmp", false)

	if err := store.UpdateStatus(ctx, "gid-1", StatusCompleted, "/tmp/b", ""); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	a, _, _ := store.GetDownloadByID(ctx, first)
	b, _, _ := store.GetDownloadByID(ctx, second)
	if a.Status != StatusLost {
		t.Errorf("old row changed: %+v", a)
	}
	if b.Status != StatusCompleted || b.FinalPath != "/tmp/b" {
		t.Errorf("new row not completed: %+v", b)
	}

	latest, ok, err := store.GetDownloadByTaskID(ctx, "gid-1")
	if err != nil || !ok || latest.ID != second {
		t.Errorf("GetDownloadByTaskID() = %+v, %v, %v", latest, ok, err)
	}
}

func TestGetDownloadByID(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if _, ok, err := store.GetDownloadByID(ctx, 999); err != nil || ok {
		t.Fatalf("expected missing row, got ok=%v err=%v", ok, err)
	}
	if _, _, err := store.GetDownloadByTaskID(ctx, " "); !errors.Is(err, ErrEmptyTaskID) {
		t.Fatalf("expected ErrEmptyTaskID, got %v", err)
	}
	if _, ok, err := store.GetDownloadByTaskID(ctx, "nope"); err != nil || ok {
		t.Fatalf("expected missing task, got ok=%v err=%v", ok, err)
	}
}

func TestOpen_MigratesLegacySchemaWithoutNotify(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "legacy.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	_, err = db.Exec(`
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
INSERT INTO downloads (task_id, url, status) VALUES ('gid-old', 'https://example.com/old', 'downloading');`)
	if err != nil {
		t.Fatalf("creating legacy schema failed: %v", err)
	}
	_ = db.Close()

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(legacy DB) failed: %v", err)
	}
	defer store.Close()

	hasNotify, err := hasColumn(store.db, "downloads", "notify")
	if err != nil {
		t.Fatalf("hasColumn() failed: %v", err)
	}
	if !hasNotify {
		t.Fatalf("expected migration to add notify column")
	}

	d, ok, err := store.GetDownloadByTaskID(context.Background(), "gid-old")
	if err != nil || !ok {
		t.Fatalf("legacy row unreadable: ok=%v err=%v", ok, err)
	}
	if d.Notify {
		t.Errorf("expected notify default false")
	}
}

func TestListDownloads_FilterByStatus(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.CreateDownload(ctx, id, "https://example.com/"+id, id, "/tmp", false); err != nil {
			t.Fatalf("CreateDownload() failed: %v", err)
		}
	}
	_ = store.UpdateStatus(ctx, "b", StatusCompleted, "/tmp/b", "")
	_ = store.UpdateStatus(ctx, "c", StatusFailed, "", "boom")

	tests := []struct {
		status string
		want   int
	}{
		{"", 3},
		{"downloading", 1},
		{"completed", 1},
		{"error", 1},
		{"lost", 0},
	}
	for _, tt := range tests {
		got, err := store.ListDownloads(ctx, ListFilter{Status: tt.status})
		if err != nil {
			t.Fatalf("ListDownloads(%q) failed: %v", tt.status, err)
		}
		if len(got) != tt.want {
			t.Errorf("ListDownloads(%q) = %d rows, want %d", tt.status, len(got), tt.want)
		}
	}

	if n, err := store.CountDownloadsByStatus(ctx, "completed"); err != nil || n != 1 {
		t.Errorf("CountDownloadsByStatus(completed) = %d, %v", n, err)
	}
}

func TestListDownloads_SortAndPage(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for i, id := range []string{"x", "y", "z"} {
		_, _ = store.CreateDownload(ctx, id, "https://example.com/"+id, id, "/tmp", false)
		_ = store.UpdateProgress(ctx, id, (i+1)*10)
	}

	got, err := store.ListDownloads(ctx, ListFilter{Sort: "progress", Order: "asc"})
	if err != nil {
		t.Fatalf("ListDownloads() failed: %v", err)
	}
	if len(got) != 3 || got[0].TaskID != "x" || got[2].TaskID != "z" {
		t.Fatalf("unexpected ascending order: %+v", got)
	}

	page, err := store.ListDownloads(ctx, ListFilter{Sort: "progress", Order: "desc", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListDownloads() failed: %v", err)
	}
	if len(page) != 1 || page[0].TaskID != "y" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestResumableTasks(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	_, _ = store.CreateDownload(ctx, "a", "https://example.com/a", "a", "/tmp", false)
	_, _ = store.CreateDownload(ctx, "b", "https://example.com/b", "b", "/tmp", false)
	_, _ = store.CreateDownload(ctx, "c", "https://example.com/c", "c", "/tmp", false)
	_ = store.UpdateStatus(ctx, "b", StatusCompleted, "/tmp/b", "")

	ids, err := store.ResumableTasks(ctx, 10)
	if err != nil {
		t.Fatalf("ResumableTasks() failed: %v", err)
	}
	want := []engine.TaskID{"a", "c"}
	if len(ids) != len(want) || ids[0] != want[0] || ids[1] != want[1] {
		t.Fatalf("ResumableTasks() = %v, want %v", ids, want)
	}

	ids, _ = store.ResumableTasks(ctx, 1)
	if len(ids) != 1 {
		t.Fatalf("expected limit to apply, got %v", ids)
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]string{
		"downloading": StatusDownloading,
		" Completed ": StatusCompleted,
		"complete":    StatusCompleted,
		"error":       StatusFailed,
		"failed":      StatusFailed,
		"lost":        StatusLost,
		"bogus":       StatusDownloading,
	}
	for in, want := range tests {
		if got := normalizeStatus(in); got != want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSubscribeChanges_ReceivesUpsertAndDelete(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()
	changes, unsubscribe := store.SubscribeChanges(8)
	defer unsubscribe()

	id, err := store.CreateDownload(ctx, "gid-1", "https://example.com/a", "a", "/tmp", false)
	if err != nil {
		t.Fatalf("CreateDownload() failed: %v", err)
	}

	var createEvt ChangeEvent
	select {
	case createEvt = <-changes:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for create event")
	}
	if createEvt.Type != ChangeUpsert || createEvt.ID != id {
		t.Fatalf("unexpected create event: %+v", createEvt)
	}

	if err := store.DeleteDownload(ctx, id); err != nil {
		t.Fatalf("DeleteDownload() failed: %v", err)
	}

	var deleteEvt ChangeEvent
	select {
	case deleteEvt = <-changes:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delete event")
	}
	if deleteEvt.Type != ChangeDelete || deleteEvt.ID != id {
		t.Fatalf("unexpected delete event: %+v", deleteEvt)
	}
}

func TestSubscribeChanges_UnsubscribeDuringEmitDoesNotPanic(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	_, unsubscribe := store.SubscribeChanges(1)

	const emitters = 8
	const emitsPerEmitter = 500
	var wg sync.WaitGroup
	wg.Add(emitters)
	for i := 0; i < emitters; i++ {
		go func(offset int64) {
			defer wg.Done()
			for j := int64(0); j < emitsPerEmitter; j++ {
				store.emitChange(ChangeEvent{Type: ChangeUpsert, ID: offset*emitsPerEmitter + j})
			}
		}(int64(i))
	}

	unsubscribe()
	wg.Wait()
}

func setupTestStore(t *testing.T) *Store {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}

	return store
}

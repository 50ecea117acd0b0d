package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"dlwatch/internal/download"
	"dlwatch/internal/engine"
	"dlwatch/internal/store"
	"dlwatch/internal/stream"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "get", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %s not registered: %v", name, err)
		}
	}
	if root.PersistentFlags().Lookup("aria2-rpc") == nil {
		t.Error("expected --aria2-rpc flag")
	}
}

func TestGetCommand_RequiresURL(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"get"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error without url argument")
	}
}

func newFilledStream(id engine.TaskID, events []download.Event, final error) *download.Stream {
	s := stream.New[download.Event](len(events) + 1)
	for _, ev := range events {
		if ev.Terminal() {
			s.Finish(ev)
			return &download.Stream{Stream: s, ID: id}
		}
		s.Send(ev)
	}
	s.Fail(final)
	return &download.Stream{Stream: s, ID: id}
}

func TestPrintProgress_Success(t *testing.T) {
	s := newFilledStream("gid-1", []download.Event{{Percent: 10}, {Percent: 100, Path: "/downloads/a.iso"}}, nil)
	var stdout, stderr bytes.Buffer
	if err := printProgress(s, &stdout, &stderr); err != nil {
		t.Fatalf("printProgress() error = %v", err)
	}
	if stdout.String() != "/downloads/a.iso\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "gid-1  10%") || !strings.Contains(stderr.String(), "gid-1 100%") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestPrintProgress_Failure(t *testing.T) {
	s := newFilledStream("gid-2", []download.Event{{Percent: 30}}, fmt.Errorf("%w: task gid-2", download.ErrStateLost))
	var stdout, stderr bytes.Buffer
	err := printProgress(s, &stdout, &stderr)
	if !errors.Is(err, download.ErrStateLost) {
		t.Fatalf("expected ErrStateLost, got %v", err)
	}
	if stdout.Len() != 0 {
		t.Errorf("failed download must not print a path: %q", stdout.String())
	}
}

func TestStoreHooks_PersistLifecycle(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	h := &storeHooks{st: st}
	ctx := context.Background()

	h.OnStart("gid-1", engine.Request{URL: "https://example.com/a.iso", Filename: "a.iso", Dir: "/tmp", Visibility: engine.VisibilityNotifyCompleted})
	h.OnProgress("gid-1", 42)

	d, ok, err := st.GetDownloadByTaskID(ctx, "gid-1")
	if err != nil || !ok {
		t.Fatalf("row not created: ok=%v err=%v", ok, err)
	}
	if d.Progress != 42 || !d.Notify || d.Filename != "a.iso" {
		t.Fatalf("unexpected row: %+v", d)
	}

	h.OnStateChange("gid-1", download.StateCompleted, "/tmp/a.iso", "")
	d, _, _ = st.GetDownloadByTaskID(ctx, "gid-1")
	if d.Status != store.StatusCompleted || d.FinalPath != "/tmp/a.iso" {
		t.Fatalf("unexpected row after completion: %+v", d)
	}

	// Watched tasks carry no request and must not add a row.
	h.OnStart("gid-2", engine.Request{})
	if _, ok, _ := st.GetDownloadByTaskID(ctx, "gid-2"); ok {
		t.Fatal("expected no row for a watched task")
	}
}

func TestStoreHooks_LostState(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	h := &storeHooks{st: st}

	h.OnStart("gid-1", engine.Request{URL: "https://example.com/b.iso"})
	h.OnStateChange("gid-1", download.StateLost, "", "state_lost: task gid-1")

	d, _, _ := st.GetDownloadByTaskID(context.Background(), "gid-1")
	if d.Status != store.StatusLost || d.ErrorMessage != "state_lost: task gid-1" {
		t.Fatalf("unexpected row: %+v", d)
	}
}

func TestPrintHooks_Notify(t *testing.T) {
	var buf bytes.Buffer
	printHooks{w: &buf}.OnNotify("gid-1", "/downloads/a.iso")
	if !strings.Contains(buf.String(), "Download complete: /downloads/a.iso") {
		t.Fatalf("notify output = %q", buf.String())
	}
}

func TestIsExpectedError(t *testing.T) {
	if isExpectedError(nil) {
		t.Error("nil is not an error")
	}
	if !isExpectedError(fmt.Errorf("update: %w", context.Canceled)) {
		t.Error("wrapped cancel should be expected")
	}
	if !isExpectedError(errors.New("sql: database is closed")) {
		t.Error("closed database should be expected")
	}
	if isExpectedError(errors.New("disk full")) {
		t.Error("disk full is not expected")
	}
}

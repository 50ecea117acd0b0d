//go:build integration

package integration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dlwatch/internal/aria2"
	"dlwatch/internal/config"
	"dlwatch/internal/download"
	"dlwatch/internal/engine"
	"dlwatch/internal/request"
	"dlwatch/internal/stream"
)

// These tests drive a real aria2 daemon started with --enable-rpc. Point
// DLWATCH_ARIA2_RPC at it (and DLWATCH_ARIA2_SECRET if --rpc-secret is set).
// The daemon must be able to reach this process over loopback.
func aria2Env(t *testing.T) (*aria2.Client, string) {
	t.Helper()
	rpc := os.Getenv("DLWATCH_ARIA2_RPC")
	if rpc == "" {
		t.Skip("DLWATCH_ARIA2_RPC not set; skipping aria2 integration test")
	}
	u, err := url.Parse(rpc)
	if err != nil {
		t.Fatalf("parse DLWATCH_ARIA2_RPC: %v", err)
	}
	client := aria2.NewClient(rpc, os.Getenv("DLWATCH_ARIA2_SECRET"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Version(ctx); err != nil {
		t.Skipf("aria2 not reachable at %s: %v", rpc, err)
	}
	return client, config.WebSocketURL(u)
}

func payloadServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing.bin") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTracker(t *testing.T, client *aria2.Client, wsURL string) *download.Tracker {
	t.Helper()
	tr := download.NewTracker(aria2.NewSource(client), download.Options{PollInterval: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan engine.TaskID, 16)
	go func() { _ = aria2.NewNotifier(wsURL).Run(ctx, signals) }()
	go func() { _ = tr.Listener().Run(ctx, signals) }()
	t.Cleanup(func() {
		cancel()
		tr.Shutdown()
	})
	return tr
}

func TestAria2_DownloadCompletes(t *testing.T) {
	client, wsURL := aria2Env(t)
	payload := []byte(strings.Repeat("dlwatch", 64<<10))
	srv := payloadServer(t, payload)
	tr := newTracker(t, client, wsURL)

	req, err := request.NewBuilder(t.TempDir(), "").Build(request.Options{
		URL:      srv.URL + "/files/payload.bin",
		MimeType: "application/octet-stream",
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	s, err := tr.Start(ctx, req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var last download.Event
	count := 0
	for ev := range s.C() {
		if ev.Percent < 0 || ev.Percent > 100 {
			t.Fatalf("percent out of range: %d", ev.Percent)
		}
		if last.Terminal() {
			t.Fatalf("event after terminal: %+v", ev)
		}
		last = ev
		count++
	}
	if err := s.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if !last.Terminal() || last.Percent != 100 {
		t.Fatalf("expected terminal success, got %+v after %d events", last, count)
	}
	if filepath.Base(last.Path) != "payload.bin" {
		t.Fatalf("unexpected final path %s", last.Path)
	}
	got, err := os.ReadFile(last.Path)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("downloaded %d bytes, want %d", len(got), len(payload))
	}
	if n := len(tr.Active()); n != 0 {
		t.Fatalf("expected no live tasks, got %d", n)
	}
}

func TestAria2_FetchReportsTransferFailure(t *testing.T) {
	client, wsURL := aria2Env(t)
	srv := payloadServer(t, nil)
	tr := newTracker(t, client, wsURL)

	req, err := request.NewBuilder(t.TempDir(), "").Build(request.Options{URL: srv.URL + "/missing.bin"})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	_, err = tr.Fetch(ctx, req)
	if !errors.Is(err, download.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	var te *download.TransferError
	if !errors.As(err, &te) || te.Code == "" {
		t.Fatalf("expected aria2 error code, got %v", err)
	}
}

func TestAria2_WatchUnknownTaskIsLost(t *testing.T) {
	client, wsURL := aria2Env(t)
	tr := newTracker(t, client, wsURL)

	s, err := tr.Watch(context.Background(), "ffffffffffffffff")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	err = s.Wait()
	if errors.Is(err, stream.ErrCanceled) {
		t.Fatal("stream was canceled instead of ending")
	}
	if !errors.Is(err, download.ErrStateLost) {
		t.Fatalf("expected ErrStateLost, got %v", err)
	}
}

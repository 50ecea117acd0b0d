package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/a-h/templ"

	"dlwatch/internal/download"
	"dlwatch/internal/engine"
	"dlwatch/internal/logging"
	"dlwatch/internal/request"
	"dlwatch/internal/store"
	"dlwatch/internal/stream"
	"dlwatch/internal/ui"
)

type downloadTracker interface {
	Start(ctx context.Context, req engine.Request) (*download.Stream, error)
	Active() []download.ActiveTask
}

type requestBuilder interface {
	Build(opts request.Options) (engine.Request, error)
}

type rateLimiter interface {
	Allow(key string) bool
}

// DefaultRateLimit is requests per minute per client IP.
const DefaultRateLimit = 60

type handlers struct {
	tracker downloadTracker
	builder requestBuilder
	st      *store.Store
}

// New returns an http.Handler with routes and middleware wired.
// A nil store disables the history endpoints; live tasks are still listed.
func New(tr downloadTracker, b requestBuilder, st *store.Store, rateLimit int) http.Handler {
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}
	rl := newIPRateLimiter(rateLimit, time.Minute)
	h := &handlers{tracker: tr, builder: b, st: st}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/downloads", with(rl, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.startDownload(w, r)
		case http.MethodGet:
			h.listDownloads(w, r)
		default:
			methodNotAllowed(w)
		}
	}))
	mux.HandleFunc("/api/downloads/stream", with(rl, h.streamDownload))
	mux.HandleFunc("/api/active", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": h.tracker.Active()})
	}))
	if st != nil {
		mux.HandleFunc("/api/events", with(rl, h.storeEvents))
	}

	// Dashboard (HTML + HTMX)
	mux.HandleFunc("/", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "/dashboard" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("not found"))
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		renderHTML(w, r, http.StatusOK, ui.Dashboard(h.rows(r.Context(), store.ListFilter{})))
	}))
	mux.HandleFunc("/dashboard/rows", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		q := r.URL.Query()
		f := store.ListFilter{
			Status: strings.ToLower(strings.TrimSpace(q.Get("status"))),
			Sort:   strings.ToLower(strings.TrimSpace(q.Get("sort"))),
			Order:  strings.ToLower(strings.TrimSpace(q.Get("order"))),
		}
		renderHTML(w, r, http.StatusOK, ui.QueueTable(h.rows(r.Context(), f)))
	}))
	mux.HandleFunc("/dashboard/enqueue", with(rl, h.dashboardEnqueue))

	// Static files
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir("./static/"))))

	// Healthcheck
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return recoverer(logger(mux))
}

type downloadRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Dir      string `json:"dir"`
	MimeType string `json:"mime_type"`
	Private  bool   `json:"private"`
	Notify   bool   `json:"notify"`
}

func (d downloadRequest) options() request.Options {
	return request.Options{
		URL:                       d.URL,
		Filename:                  d.Filename,
		Dir:                       d.Dir,
		MimeType:                  d.MimeType,
		Private:                   d.Private,
		ShowCompletedNotification: d.Notify,
	}
}

func decodeDownloadRequest(r *http.Request) (downloadRequest, bool) {
	var req downloadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		return req, false
	}
	return req, strings.TrimSpace(req.URL) != ""
}

// start builds and enqueues one download. The returned stream is bound to ctx.
func (h *handlers) start(ctx context.Context, opts request.Options) (*download.Stream, error) {
	req, err := h.builder.Build(opts)
	if err != nil {
		return nil, err
	}
	return h.tracker.Start(ctx, req)
}

// startDownload enqueues and returns at once; the task keeps being tracked
// after the request ends.
func (h *handlers) startDownload(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeDownloadRequest(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
		return
	}
	s, err := h.start(context.WithoutCancel(r.Context()), body.options())
	if err != nil {
		code, msg := startError(err)
		logging.With(r.Context()).Warn("start download failed", "event", "start_failed", "url", logging.RedactURL(body.URL), "error", err)
		writeJSON(w, code, map[string]any{"status": "error", "message": msg})
		return
	}
	go func() { _ = s.Wait() }()
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "enqueued", "id": s.ID})
}

// streamDownload enqueues and streams progress as server-sent events until
// the task ends. A client disconnect stops tracking, not the transfer.
func (h *handlers) streamDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, ok := decodeDownloadRequest(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "message": "invalid_request"})
		return
	}
	s, err := h.start(r.Context(), body.options())
	if err != nil {
		code, msg := startError(err)
		writeJSON(w, code, map[string]any{"status": "error", "message": msg})
		return
	}
	defer s.Cancel()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, rc, "started", map[string]any{"id": s.ID}); err != nil {
		return
	}
	for ev := range s.C() {
		name := "progress"
		if ev.Terminal() {
			name = "complete"
		}
		if err := writeSSE(w, rc, name, ev); err != nil {
			return
		}
	}
	if err := s.Err(); err != nil && !errors.Is(err, stream.ErrCanceled) {
		_ = writeSSE(w, rc, "error", map[string]any{"id": s.ID, "message": err.Error()})
	}
}

func (h *handlers) listDownloads(w http.ResponseWriter, r *http.Request) {
	if h.st == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": []store.Download{}})
		return
	}
	items, err := h.st.ListDownloads(r.Context(), parseListFilter(r))
	if err != nil {
		logging.With(r.Context()).Error("list downloads failed", "event", "list_failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "downloads": items})
}

// storeEvents pushes store mutations so clients can refresh without polling.
func (h *handlers) storeEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	changes, unsubscribe := h.st.SubscribeChanges(64)
	defer unsubscribe()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-changes:
			if err := writeSSE(w, rc, string(evt.Type), evt); err != nil {
				return
			}
		}
	}
}

func (h *handlers) dashboardEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid form"))
		return
	}
	u := strings.TrimSpace(r.Form.Get("url"))
	if !request.ValidURL(u) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid url"))
		return
	}
	opts := request.Options{
		URL:                       u,
		Filename:                  strings.TrimSpace(r.Form.Get("filename")),
		ShowCompletedNotification: r.Form.Get("notify") != "",
	}
	s, err := h.start(context.WithoutCancel(r.Context()), opts)
	if err != nil {
		code, msg := startError(err)
		w.WriteHeader(code)
		_, _ = w.Write([]byte("Failed to queue download: " + templ.EscapeString(msg)))
		return
	}
	go func() { _ = s.Wait() }()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<span class="ok">Queued <code>%s</code></span>`, templ.EscapeString(string(s.ID)))
}

func (h *handlers) rows(ctx context.Context, f store.ListFilter) []ui.Row {
	var downloads []store.Download
	if h.st != nil {
		if f.Limit == 0 {
			f.Limit = 200
		}
		var err error
		downloads, err = h.st.ListDownloads(ctx, f)
		if err != nil {
			logging.With(ctx).Error("list downloads failed", "event", "list_failed", "error", err)
		}
	}
	active := h.tracker.Active()
	if f.Status != "" && f.Status != store.StatusDownloading {
		active = nil
	}
	return ui.Rows(downloads, active)
}

func parseListFilter(r *http.Request) store.ListFilter {
	q := r.URL.Query()
	f := store.ListFilter{
		Status: q.Get("status"),
		Sort:   q.Get("sort"),
		Order:  q.Get("order"),
	}
	// Bad numbers fall back to no limit.
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		f.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		f.Offset = n
	}
	return f
}

var clientErrors = []error{
	request.ErrEmptyURL,
	request.ErrInvalidURL,
	request.ErrInvalidFilename,
	request.ErrInvalidDir,
	request.ErrPrivateRootNotSet,
}

// startError maps a build or enqueue failure to a status code and a stable
// message.
func startError(err error) (int, string) {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest, target.Error()
		}
	}
	switch {
	case errors.Is(err, download.ErrShuttingDown):
		return http.StatusServiceUnavailable, download.ErrShuttingDown.Error()
	case errors.Is(err, download.ErrAlreadyRegistered):
		return http.StatusConflict, download.ErrAlreadyRegistered.Error()
	case errors.Is(err, request.ErrCreateDir):
		return http.StatusInternalServerError, request.ErrCreateDir.Error()
	case errors.Is(err, request.ErrRemoveExisting):
		return http.StatusConflict, request.ErrRemoveExisting.Error()
	default:
		return http.StatusBadGateway, "enqueue_failed"
	}
}

// Utilities

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"status": "error", "message": "method_not_allowed"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func renderHTML(w http.ResponseWriter, r *http.Request, code int, c templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := c.Render(r.Context(), w); err != nil {
		logging.With(r.Context()).Warn("render failed", "event", "render_failed", "path", r.URL.Path, "error", err)
	}
}

func writeSSE(w io.Writer, rc *http.ResponseController, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return rc.Flush()
}

// Middleware

func with(rl rateLimiter, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "error", "message": "rate_limited"})
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the Flusher underneath.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		// Skip noisy log line for HTMX row polling endpoint
		if r.URL.Path == "/dashboard/rows" {
			return
		}
		logging.LogHTTPRequest(r.Method, r.URL.Path, r.RemoteAddr, time.Since(start), rec.status, rec.bytes)
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logging.With(r.Context()).Error("panic in handler", "event", "panic", "path", r.URL.Path, "panic", fmt.Sprint(v))
				writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "message": "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	// Respect common proxy headers, then fall back to RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return strings.TrimSpace(xr)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

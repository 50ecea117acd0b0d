package ui

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"

	"dlwatch/internal/download"
	"dlwatch/internal/store"
)

// Row is one line of the queue table: a persisted download, with the live
// percent overlaid while its task is still being watched.
type Row struct {
	TaskID   string
	URL      string
	Filename string
	Status   string
	Progress int
	Path     string
	Error    string
}

// Rows merges persisted downloads with the tracker's live view. Live tasks
// without a stored row (started from the CLI or before the store was opened)
// are listed first.
func Rows(downloads []store.Download, active []download.ActiveTask) []Row {
	live := make(map[string]download.ActiveTask, len(active))
	for _, a := range active {
		live[string(a.ID)] = a
	}

	seen := make(map[string]bool, len(downloads))
	out := make([]Row, 0, len(downloads)+len(active))
	for _, d := range downloads {
		r := Row{
			TaskID:   d.TaskID,
			URL:      d.URL,
			Filename: d.Filename,
			Status:   d.Status,
			Progress: d.Progress,
			Path:     d.FinalPath,
			Error:    d.ErrorMessage,
		}
		if a, ok := live[d.TaskID]; ok && d.Status == store.StatusDownloading && !seen[d.TaskID] {
			r.Progress = a.Percent
		}
		seen[d.TaskID] = true
		out = append(out, r)
	}

	var extra []Row
	for _, a := range active {
		if seen[string(a.ID)] {
			continue
		}
		extra = append(extra, Row{
			TaskID:   string(a.ID),
			URL:      a.URL,
			Status:   store.StatusDownloading,
			Progress: a.Percent,
		})
	}
	return append(extra, out...)
}

// Dashboard renders the full page. The table body refreshes itself through
// HTMX every second.
func Dashboard(rows []Row) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>dlwatch</title>
<script src="https://unpkg.com/htmx.org@1.9.12"></script>
<style>
body{font-family:system-ui,sans-serif;margin:2rem;color:#222}
table{border-collapse:collapse;width:100%}
th,td{padding:.4rem .6rem;border-bottom:1px solid #ddd;text-align:left}
.bar{background:#eee;height:.6rem;border-radius:.3rem;overflow:hidden;min-width:8rem}
.fill{background:#3b82f6;height:100%}
.badge{padding:.1rem .4rem;border-radius:.3rem;font-size:.8rem}
.downloading{background:#dbeafe}.completed{background:#dcfce7}.failed{background:#fee2e2}.lost{background:#fef3c7}
</style>
</head>
<body>
<h1>dlwatch Dashboard</h1>
<form hx-post="/dashboard/enqueue" hx-target="#flash" hx-swap="innerHTML">
<input type="url" name="url" placeholder="https://example.com/file.iso" required size="60">
<input type="text" name="filename" placeholder="filename (optional)">
<label><input type="checkbox" name="notify" value="1"> notify</label>
<button type="submit">Download</button>
</form>
<div id="flash"></div>
<div id="queue" hx-get="/dashboard/rows" hx-trigger="every 1s" hx-swap="innerHTML">
`)
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
		if err := QueueTable(rows).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, "</div>\n</body>\n</html>\n")
		return err
	})
}

// QueueTable renders just the table, the fragment HTMX swaps in.
func QueueTable(rows []Row) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString("<table>\n<thead><tr><th>Task</th><th>File</th><th>Status</th><th>Progress</th><th>Detail</th></tr></thead>\n<tbody>\n")
		if len(rows) == 0 {
			b.WriteString(`<tr><td colspan="5">No downloads yet</td></tr>` + "\n")
		}
		for _, r := range rows {
			name := r.Filename
			if name == "" {
				name = r.URL
			}
			detail := r.Path
			if r.Error != "" {
				detail = r.Error
			}
			pct := min(max(r.Progress, 0), 100)
			fmt.Fprintf(&b, `<tr><td title="%s"><code>%s</code></td><td title="%s">%s</td><td><span class="badge %s">%s</span></td><td><div class="bar"><div class="fill" style="width:%d%%"></div></div> %d%%</td><td>%s</td></tr>`+"\n",
				templ.EscapeString(r.TaskID),
				templ.EscapeString(ShortID(r.TaskID)),
				templ.EscapeString(r.URL),
				templ.EscapeString(TruncateWithEllipsis(name, 60)),
				templ.EscapeString(r.Status),
				templ.EscapeString(r.Status),
				pct, pct,
				templ.EscapeString(TruncateWithEllipsis(detail, 80)),
			)
		}
		b.WriteString("</tbody>\n</table>\n")
		_, err := io.WriteString(w, b.String())
		return err
	})
}

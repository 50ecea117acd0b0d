package aria2

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"dlwatch/internal/engine"
)

// Source adapts a Client to engine.Source. Task ids are aria2 GIDs.
type Source struct {
	client *Client
}

var _ engine.Source = (*Source)(nil)

func NewSource(client *Client) *Source {
	return &Source{client: client}
}

func (s *Source) Enqueue(ctx context.Context, req engine.Request) (engine.TaskID, error) {
	opts := map[string]any{}
	if req.Dir != "" {
		opts["dir"] = req.Dir
	}
	if req.Filename != "" {
		opts["out"] = req.Filename
	}
	if len(req.Headers) > 0 {
		keys := make([]string, 0, len(req.Headers))
		for k := range req.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		headerList := make([]string, 0, len(keys))
		for _, k := range keys {
			headerList = append(headerList, fmt.Sprintf("%s: %s", k, req.Headers[k]))
		}
		opts["header"] = headerList
	}

	gid, err := s.client.AddURI(ctx, req.URL, opts)
	if err != nil {
		return "", err
	}
	return engine.TaskID(gid), nil
}

func (s *Source) Query(ctx context.Context, id engine.TaskID) (engine.Snapshot, error) {
	st, err := s.client.TellStatus(ctx, string(id))
	if err != nil {
		if IsNotFound(err) {
			return engine.Snapshot{}, fmt.Errorf("%w: %v", engine.ErrUnavailable, err)
		}
		return engine.Snapshot{}, err
	}
	return snapshotFromStatus(st), nil
}

// Remove stops the transfer if it is still active and purges its result.
// Unknown GIDs are not an error.
func (s *Source) Remove(ctx context.Context, id engine.TaskID) error {
	gid := string(id)
	var errs []error
	if err := s.client.ForceRemove(ctx, gid); err != nil && !IsNotFound(err) {
		errs = append(errs, err)
	}
	if err := s.client.RemoveDownloadResult(ctx, gid); err != nil && !IsNotFound(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func snapshotFromStatus(st *Status) engine.Snapshot {
	snap := engine.Snapshot{
		BytesDownloaded: parseLength(st.CompletedLength),
		BytesTotal:      parseLength(st.TotalLength),
		Status:          mapStatus(st.Status),
		LocalURI:        localPath(st),
	}
	if snap.Status == engine.StatusFailed {
		snap.ErrorCode = st.ErrorCode
		snap.ErrorMessage = st.ErrorMessage
		if st.Status == "removed" && snap.ErrorMessage == "" {
			snap.ErrorMessage = "removed"
		}
	}
	return snap
}

func mapStatus(s string) engine.Status {
	switch s {
	case "active":
		return engine.StatusRunning
	case "complete":
		return engine.StatusSuccessful
	case "error", "removed":
		return engine.StatusFailed
	default:
		// waiting, paused
		return engine.StatusOther
	}
}

func localPath(st *Status) string {
	for _, f := range st.Files {
		if f.Path == "" {
			continue
		}
		if filepath.IsAbs(f.Path) || st.Dir == "" {
			return f.Path
		}
		return filepath.Join(st.Dir, f.Path)
	}
	return ""
}

func parseLength(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

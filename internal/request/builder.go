// Package request turns caller options into a resolved engine request,
// preparing the destination folder on the way.
package request

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"dlwatch/internal/engine"
)

const (
	DefaultMimeType = "*/*"
	// DefaultDir is the destination sub-path used when none is given.
	DefaultDir = "Download"
)

var (
	ErrEmptyURL          = errors.New("empty_url")
	ErrInvalidURL        = errors.New("invalid_url")
	ErrInvalidFilename   = errors.New("invalid_filename")
	ErrInvalidDir        = errors.New("invalid_dir")
	ErrCreateDir         = errors.New("create_dir_failed")
	ErrRemoveExisting    = errors.New("remove_existing_failed")
	ErrPrivateRootNotSet = errors.New("private_root_not_set")
)

// Options describes one download as the caller sees it.
type Options struct {
	URL string
	// Filename defaults to the last segment of the URL path.
	Filename string
	// Dir is a sub-path of the public or private root. An absolute Dir is
	// used as-is for public downloads.
	Dir      string
	MimeType string
	// Private places the file under the application's private root.
	Private                   bool
	ShowCompletedNotification bool
}

// Builder resolves Options against the configured roots.
type Builder struct {
	PublicRoot  string
	PrivateRoot string
}

func NewBuilder(publicRoot, privateRoot string) *Builder {
	return &Builder{PublicRoot: publicRoot, PrivateRoot: privateRoot}
}

// Build validates opts, creates the destination folder if needed and
// deletes a previous file of the same name.
func (b *Builder) Build(opts Options) (engine.Request, error) {
	rawURL := strings.TrimSpace(opts.URL)
	if rawURL == "" {
		return engine.Request{}, ErrEmptyURL
	}
	if !ValidURL(rawURL) {
		return engine.Request{}, fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}

	name, err := resolveFilename(opts.Filename, rawURL)
	if err != nil {
		return engine.Request{}, err
	}

	dir, err := b.resolveDir(opts.Dir, opts.Private)
	if err != nil {
		return engine.Request{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return engine.Request{}, fmt.Errorf("%w: %v", ErrCreateDir, err)
	}
	if err := removeExisting(filepath.Join(dir, name)); err != nil {
		return engine.Request{}, err
	}

	mime := strings.TrimSpace(opts.MimeType)
	if mime == "" {
		mime = DefaultMimeType
	}
	var headers map[string]string
	if mime != DefaultMimeType {
		headers = map[string]string{"Accept": mime}
	}

	vis := engine.VisibilityVisible
	if opts.ShowCompletedNotification {
		vis = engine.VisibilityNotifyCompleted
	}

	return engine.Request{
		URL:        rawURL,
		Dir:        dir,
		Filename:   name,
		MimeType:   mime,
		Headers:    headers,
		Visibility: vis,
	}, nil
}

func (b *Builder) resolveDir(sub string, private bool) (string, error) {
	sub = strings.TrimSpace(sub)
	if sub == "" {
		sub = DefaultDir
	}

	if !private {
		if filepath.IsAbs(sub) {
			return filepath.Clean(sub), nil
		}
		return filepath.Abs(filepath.Join(b.PublicRoot, sub))
	}

	if b.PrivateRoot == "" {
		return "", ErrPrivateRootNotSet
	}
	if filepath.IsAbs(sub) || !filepath.IsLocal(sub) {
		return "", fmt.Errorf("%w: %s escapes the private root", ErrInvalidDir, sub)
	}
	return filepath.Abs(filepath.Join(b.PrivateRoot, sub))
}

func resolveFilename(name, rawURL string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
	}
	// Keep only the final element; callers cannot pick the folder this way.
	name = filepath.Base(filepath.FromSlash(name))
	if name == "" || name == "." || name == ".." || name == "/" || name == string(filepath.Separator) {
		return "", ErrInvalidFilename
	}
	return name, nil
}

func removeExisting(p string) error {
	info, err := os.Lstat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoveExisting, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrRemoveExisting, p)
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoveExisting, err)
	}
	return nil
}

// ValidURL accepts absolute http(s) URLs with a host.
func ValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

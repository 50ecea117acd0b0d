package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the dlwatch application
type Config struct {
	// Server configuration
	Host string
	Port int
	Addr string // computed from Host:Port

	// File system
	OutputDir     string // public download root, user-provided
	AbsOutputDir  string // resolved/absolute path
	PrivateDir    string // application-private download root
	AbsPrivateDir string
	DBPath        string // user-provided
	AbsDBPath     string // resolved/absolute path

	// aria2 daemon
	Aria2RPCURL string
	Aria2WSURL  string // derived from Aria2RPCURL when empty
	Aria2Secret string

	// Tracking behavior
	PollInterval   time.Duration
	MaxQueryErrors int

	// HTTP
	RateLimit int // requests per minute per IP

	// Logging
	LogLevel string // debug|info|warn|error

	// Validation & computed
	Version   string    // app version
	StartTime time.Time // when the app started
}

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultMaxQueryErrors = 5
	defaultRateLimit      = 60
	defaultRPCURL         = "http://127.0.0.1:6800/jsonrpc"
)

// Version is overridden at build time with -ldflags "-X dlwatch/internal/config.Version=...".
var Version = "dev"

// New creates a Config with default values
func New() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           8080,
		Aria2RPCURL:    defaultRPCURL,
		PollInterval:   defaultPollInterval,
		MaxQueryErrors: defaultMaxQueryErrors,
		RateLimit:      defaultRateLimit,
		LogLevel:       "info",
		StartTime:      time.Now(),
		Version:        Version,
	}
}

// Load reads configuration from v: an optional dlwatch.{yaml,toml,json}
// file, DLWATCH_* environment variables and whatever flags the caller bound.
// The result is validated and its paths resolved.
func Load(v *viper.Viper) (*Config, error) {
	d := New()
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("output_dir", "")
	v.SetDefault("private_dir", "")
	v.SetDefault("db", "")
	v.SetDefault("aria2.rpc_url", d.Aria2RPCURL)
	v.SetDefault("aria2.ws_url", "")
	v.SetDefault("aria2.secret", "")
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("max_query_errors", d.MaxQueryErrors)
	v.SetDefault("rate_limit", d.RateLimit)
	v.SetDefault("log_level", d.LogLevel)

	v.SetEnvPrefix("DLWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("dlwatch")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "dlwatch"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	c := d
	c.Host = v.GetString("host")
	c.Port = v.GetInt("port")
	c.OutputDir = v.GetString("output_dir")
	c.PrivateDir = v.GetString("private_dir")
	c.DBPath = v.GetString("db")
	c.Aria2RPCURL = v.GetString("aria2.rpc_url")
	c.Aria2WSURL = v.GetString("aria2.ws_url")
	c.Aria2Secret = v.GetString("aria2.secret")
	c.PollInterval = v.GetDuration("poll_interval")
	c.MaxQueryErrors = v.GetInt("max_query_errors")
	c.RateLimit = v.GetInt("rate_limit")
	c.LogLevel = v.GetString("log_level")

	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := c.ResolveOutputDir(); err != nil {
		return nil, err
	}
	if err := c.ResolvePrivateDir(); err != nil {
		return nil, err
	}
	if err := c.ResolveDBPath(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	// Validate port range
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxQueryErrors < 1 {
		c.MaxQueryErrors = defaultMaxQueryErrors
	}
	if c.RateLimit < 1 {
		c.RateLimit = defaultRateLimit
	}

	// Validate log level
	c.LogLevel = strings.ToLower(c.LogLevel)
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug|info|warn|error)", c.LogLevel)
	}

	if c.Aria2RPCURL == "" {
		c.Aria2RPCURL = defaultRPCURL
	}
	u, err := url.Parse(c.Aria2RPCURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid aria2 rpc url: %q (must be http(s)://host[:port]/jsonrpc)", c.Aria2RPCURL)
	}
	if c.Aria2WSURL == "" {
		c.Aria2WSURL = WebSocketURL(u)
	}

	// Compute address
	c.Addr = c.ComputeAddr()

	return nil
}

// WebSocketURL derives the aria2 notification endpoint from its RPC URL.
func WebSocketURL(rpc *url.URL) string {
	ws := *rpc
	if rpc.Scheme == "https" {
		ws.Scheme = "wss"
	} else {
		ws.Scheme = "ws"
	}
	return ws.String()
}

// ResolveOutputDir expands the output directory path and resolves it to an absolute path
// If empty, defaults to $HOME/dlwatch
func (c *Config) ResolveOutputDir() error {
	if c.OutputDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home directory: %w", err)
		}
		c.OutputDir = filepath.Join(home, "dlwatch")
	}
	abs, err := resolvePath(c.OutputDir)
	if err != nil {
		return err
	}
	c.AbsOutputDir = abs
	return nil
}

// ResolvePrivateDir resolves the private root, defaulting to the per-user
// data directory.
func (c *Config) ResolvePrivateDir() error {
	if c.PrivateDir == "" {
		c.PrivateDir = defaultDataDir("files")
	}
	abs, err := resolvePath(c.PrivateDir)
	if err != nil {
		return err
	}
	c.AbsPrivateDir = abs
	return nil
}

// ResolveDBPath expands the database path and resolves it to an absolute path
// If empty, defaults to OS cache directory
func (c *Config) ResolveDBPath() error {
	if c.DBPath == "" {
		c.DBPath = defaultCacheDBPath()
	}
	abs, err := resolvePath(c.DBPath)
	if err != nil {
		return err
	}
	c.AbsDBPath = abs
	return nil
}

func resolvePath(p string) (string, error) {
	// Expand ~ if present
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %s: %w", p, err)
	}
	return abs, nil
}

// ComputeAddr returns the full server address as host:port
func (c *Config) ComputeAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a pretty-printed representation of the configuration
func (c *Config) String() string {
	secret := ""
	if c.Aria2Secret != "" {
		secret = "(set)"
	}
	return fmt.Sprintf(`Config{
  Server:
    Addr: %s
    RateLimit: %d/min
  Files:
    OutputDir: %s (resolved: %s)
    PrivateDir: %s (resolved: %s)
    DBPath: %s (resolved: %s)
  Aria2:
    RPC: %s
    WS: %s
    Secret: %s
  Tracking:
    PollInterval: %s
    MaxQueryErrors: %d
  Logging:
    LogLevel: %s
  Meta:
    Version: %s
    StartTime: %s
}`, c.Addr, c.RateLimit,
		c.OutputDir, c.AbsOutputDir,
		c.PrivateDir, c.AbsPrivateDir,
		c.DBPath, c.AbsDBPath,
		c.Aria2RPCURL, c.Aria2WSURL, secret,
		c.PollInterval, c.MaxQueryErrors,
		c.LogLevel,
		c.Version, c.StartTime.Format(time.RFC3339))
}

// Summary returns the key configuration as log attributes. The aria2 secret
// is never included.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"addr":             c.Addr,
		"output_dir":       c.AbsOutputDir,
		"private_dir":      c.AbsPrivateDir,
		"db_path":          c.AbsDBPath,
		"aria2_rpc":        c.Aria2RPCURL,
		"aria2_ws":         c.Aria2WSURL,
		"poll_interval":    c.PollInterval.String(),
		"max_query_errors": c.MaxQueryErrors,
		"rate_limit":       c.RateLimit,
		"log_level":        c.LogLevel,
		"version":          c.Version,
	}
}

// defaultDataDir returns a per-user data location for dlwatch.
// - Windows: %APPDATA%/dlwatch/<name>
// - Linux/macOS: $HOME/.local/share/dlwatch/<name>
func defaultDataDir(name string) string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "dlwatch", name)
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "dlwatch", name)
	}
	return filepath.Join("dlwatch", name)
}

// defaultCacheDBPath returns the cross-platform default path for the SQLite DB
// - Windows: %APPDATA%/dlwatch/dlwatch.db
// - Linux/macOS: $HOME/.cache/dlwatch/dlwatch.db
func defaultCacheDBPath() string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "dlwatch", "dlwatch.db")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "AppData", "Roaming", "dlwatch", "dlwatch.db")
		}
		return "dlwatch.db"
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "dlwatch", "dlwatch.db")
	}
	return filepath.Join("dlwatch", "dlwatch.db")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"dlwatch/internal/aria2"
	"dlwatch/internal/config"
	"dlwatch/internal/download"
	"dlwatch/internal/engine"
	"dlwatch/internal/logging"
	"dlwatch/internal/request"
	"dlwatch/internal/server"
	"dlwatch/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:          "dlwatch",
		Short:        "Stream progress of aria2 downloads until each one ends exactly once",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default ./dlwatch.yaml or the user config dir)")
	pf.String("aria2-rpc", "", "aria2 JSON-RPC endpoint (default http://127.0.0.1:6800/jsonrpc)")
	pf.String("aria2-ws", "", "aria2 WebSocket endpoint (default derived from --aria2-rpc)")
	pf.String("aria2-secret", "", "aria2 RPC secret token")
	pf.String("output-dir", "", "public download root (default $HOME/dlwatch)")
	pf.String("private-dir", "", "private download root")
	pf.Duration("poll-interval", 0, "status poll interval (default 500ms)")
	pf.String("log-level", "", "debug|info|warn|error")
	bindFlags(v, pf.Lookup, map[string]string{
		"config":        "config",
		"aria2.rpc_url": "aria2-rpc",
		"aria2.ws_url":  "aria2-ws",
		"aria2.secret":  "aria2-secret",
		"output_dir":    "output-dir",
		"private_dir":   "private-dir",
		"poll_interval": "poll-interval",
		"log_level":     "log-level",
	})

	root.AddCommand(newServeCmd(v), newGetCmd(v), newVersionCmd(v))
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.String("host", "", "host address to bind (default 127.0.0.1)")
	f.Int("port", 0, "server port (default 8080)")
	f.String("db", "", "path to SQLite database (default: OS cache dir: dlwatch/dlwatch.db)")
	f.Int("rate-limit", 0, "requests per minute per client IP (default 60)")
	bindFlags(v, f.Lookup, map[string]string{
		"host":       "host",
		"port":       "port",
		"db":         "db",
		"rate_limit": "rate-limit",
	})
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logging.Init(logging.ParseLevel(cfg.LogLevel))
	logging.LogServerStart(cfg.Addr, cfg.Summary())

	// Ensure DB directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.AbsDBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	st, err := store.Open(cfg.AbsDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	// Closed explicitly after the tracker has stopped.

	client := aria2.NewClient(cfg.Aria2RPCURL, cfg.Aria2Secret)
	tracker := download.NewTracker(aria2.NewSource(client), download.Options{
		PollInterval:   cfg.PollInterval,
		MaxQueryErrors: cfg.MaxQueryErrors,
		Hooks:          &storeHooks{st: st},
	})
	builder := request.NewBuilder(cfg.AbsOutputDir, cfg.AbsPrivateDir)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(tracker, builder, st, cfg.RateLimit),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // allow streaming progress without premature timeouts
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	signals := make(chan engine.TaskID, 64)

	g.Go(func() error {
		return aria2.NewNotifier(cfg.Aria2WSURL).Run(gctx, signals)
	})
	g.Go(func() error {
		return tracker.Listener().Run(gctx, signals)
	})
	g.Go(func() error {
		n, err := download.NewResumer(st, tracker).ResumeIncomplete(gctx)
		if err != nil && !errors.Is(err, download.ErrShuttingDown) {
			logging.With(gctx, "component", "resumer").Warn("startup resume failed", "error", err)
		}
		if n > 0 {
			logging.With(gctx, "component", "resumer").Info("resumed downloads", "count", n)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.LogServerShutdown("shutdown signal received; draining", nil)

		// Stop taking new jobs, then release in-flight streams.
		tracker.StopAccepting()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		tracker.Shutdown()
		return err
	})

	err = g.Wait()
	// Close store after tracker shutdown so no hook writes to a closed DB
	_ = st.Close()
	logging.LogServerShutdown("shutdown complete", err)
	return err
}

func newGetCmd(v *viper.Viper) *cobra.Command {
	var opts request.Options
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Download one URL through aria2 and print the final path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			opts.URL = args[0]
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runGet(ctx, cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Filename, "filename", "", "file name (default: last URL path segment)")
	f.StringVar(&opts.Dir, "dir", "", "destination sub-path, or an absolute path (default \""+request.DefaultDir+"\")")
	f.StringVar(&opts.MimeType, "mime", request.DefaultMimeType, "mime type sent as Accept header")
	f.BoolVar(&opts.Private, "private", false, "save under the private root")
	f.BoolVar(&opts.ShowCompletedNotification, "notify", false, "print a notification when the download completes")
	return cmd
}

// runGet drives one download. Push signals shorten the wait when the aria2
// WebSocket is reachable; polling alone is enough otherwise.
func runGet(ctx context.Context, cfg *config.Config, opts request.Options, stdout, stderr io.Writer) error {
	req, err := request.NewBuilder(cfg.AbsOutputDir, cfg.AbsPrivateDir).Build(opts)
	if err != nil {
		return err
	}

	tracker := download.NewTracker(aria2.NewSource(aria2.NewClient(cfg.Aria2RPCURL, cfg.Aria2Secret)), download.Options{
		PollInterval:   cfg.PollInterval,
		MaxQueryErrors: cfg.MaxQueryErrors,
		Hooks:          printHooks{w: stderr},
	})
	defer tracker.Shutdown()

	pushCtx, stopPush := context.WithCancel(ctx)
	defer stopPush()
	signals := make(chan engine.TaskID, 8)
	go func() { _ = aria2.NewNotifier(cfg.Aria2WSURL).Run(pushCtx, signals) }()
	go func() { _ = tracker.Listener().Run(pushCtx, signals) }()

	s, err := tracker.Start(ctx, req)
	if err != nil {
		return err
	}
	return printProgress(s, stdout, stderr)
}

// printProgress renders percent updates on stderr and the final path on
// stdout, so the path can be captured by scripts.
func printProgress(s *download.Stream, stdout, stderr io.Writer) error {
	for ev := range s.C() {
		if ev.Terminal() {
			fmt.Fprintf(stderr, "\r%s %3d%%\n", s.ID, ev.Percent)
			fmt.Fprintln(stdout, ev.Path)
			continue
		}
		fmt.Fprintf(stderr, "\r%s %3d%%", s.ID, ev.Percent)
	}
	if err := s.Err(); err != nil {
		fmt.Fprintln(stderr)
		return fmt.Errorf("download %s: %w", s.ID, err)
	}
	return nil
}

func newVersionCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dlwatch and aria2 versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "dlwatch %s\n", config.Version)
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			ver, err := aria2.NewClient(cfg.Aria2RPCURL, cfg.Aria2Secret).Version(ctx)
			if err != nil {
				return fmt.Errorf("aria2 at %s: %w", cfg.Aria2RPCURL, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "aria2 %s\n", ver)
			return nil
		},
	}
}

func bindFlags(v *viper.Viper, lookup func(string) *pflag.Flag, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

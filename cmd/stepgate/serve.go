package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/rendis/stepgate/internal/logging"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the stepgate daemon",
		Long: `Runs the daemon: the HTTP API and hook ingress, the MCP server (streamable
HTTP on /mcp, and stdio with --stdio), the pipeline scheduler, the definition
watcher and the workflow handle. Only one daemon runs per ~/.stepgate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&a.flags.listenAddr, "listen-addr", "", "TCP listen address (default :4200)")
	f.StringVar(&a.flags.dbPath, "db-path", "", "database path (default ~/.stepgate/stepgate.db)")
	f.StringVar(&a.flags.workflowsDir, "workflows-dir", "", "workflow definitions directory")
	f.StringVar(&a.flags.pipelinesDir, "pipelines-dir", "", "pipeline definitions directory")
	f.StringVar(&a.flags.skillsDir, "skills-dir", "", "skills directory")
	f.BoolVar(&a.flags.noWatch, "no-watch", false, "do not reload definitions on change")
	f.BoolVar(&a.flags.stdio, "stdio", false, "also serve MCP on stdin/stdout and exit when stdin closes")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// Logs go to stderr so stdout stays free for the stdio transport.
	logger := logging.New(os.Stderr, a.cfg.LogLevel)

	lock, err := acquireLock(lockPath())
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("lock release failed", slog.String("error", err.Error()))
		}
	}()

	d, err := newDaemon(ctx, a.cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	return d.run(ctx, serveOptions{stdio: a.flags.stdio})
}

// acquireLock takes the single-daemon file lock without blocking.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another stepgate daemon holds %s", path)
	}
	return lock, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/stepgate/internal/actions"
	"github.com/rendis/stepgate/internal/api"
	"github.com/rendis/stepgate/internal/expressions"
	"github.com/rendis/stepgate/internal/llm"
	"github.com/rendis/stepgate/internal/loader"
	"github.com/rendis/stepgate/internal/mcpproxy"
	"github.com/rendis/stepgate/internal/pipeline"
	"github.com/rendis/stepgate/internal/scheduler"
	"github.com/rendis/stepgate/internal/sessions"
	"github.com/rendis/stepgate/internal/skills"
	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/internal/streaming"
	"github.com/rendis/stepgate/internal/validation"
	"github.com/rendis/stepgate/internal/webhook"
	"github.com/rendis/stepgate/internal/workflow"
	stepgatemcp "github.com/rendis/stepgate/pkg/mcp"
)

const shutdownTimeout = 5 * time.Second

// daemon is the wired set of components behind `stepgate serve`.
type daemon struct {
	cfg    Config
	logger *slog.Logger

	store     *store.LibSQLStore
	hub       *streaming.MemoryHub
	loader    *loader.Loader
	skills    *skills.Catalog
	proxy     *mcpproxy.Proxy
	pipelines *pipeline.Executor
	handle    *workflow.Handle
	scheduler *scheduler.Scheduler
	api       *api.Server
	mcp       *stepgatemcp.StepgateServer
}

// serveOptions selects the optional runtime surfaces.
type serveOptions struct {
	stdio bool // serve MCP on stdin/stdout
}

// newDaemon opens the store, loads definitions and wires every component.
func newDaemon(ctx context.Context, cfg Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, hub: streaming.NewMemoryHub(streaming.WithLogger(logger))}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(dsn(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	d.store = st

	d.proxy = mcpproxy.New(cfg.MCPServers, logger)
	validator, err := validation.New(
		validation.WithActions(actions.KindLookup{}),
		validation.WithMCPServers(d.proxy.Servers()),
	)
	if err != nil {
		d.close()
		return nil, err
	}

	d.loader = loader.New(loader.Config{
		WorkflowsDir: cfg.WorkflowsDir,
		PipelinesDir: cfg.PipelinesDir,
	}, validator, logger)
	if err := d.loader.Load(); err != nil {
		d.close()
		return nil, err
	}
	for _, p := range d.loader.Problems() {
		logger.Warn("definition skipped", slog.String("problem", p.String()))
	}

	d.skills = skills.NewCatalog(cfg.SkillsDir)
	if err := d.skills.Load(); err != nil {
		logger.Warn("skills not loaded", slog.String("dir", cfg.SkillsDir), slog.String("error", err.Error()))
	}

	var llmSvc *llm.Service
	if len(cfg.LLMCommand) > 0 {
		llmSvc = llm.NewService(llm.NewCommandProvider(cfg.LLMCommand, time.Duration(cfg.ExecTimeout), logger))
	} else {
		llmSvc = llm.NewService()
	}

	sessMgr := sessions.NewManager(st, logger)
	exprEngine := expressions.NewExprEngine()
	renderer := expressions.NewRenderer(exprEngine)

	d.pipelines = pipeline.NewExecutor(pipeline.Deps{
		Store:       st,
		Definitions: d.loader,
		Validator:   validator,
		Renderer:    renderer,
		JQ:          expressions.NewGoJQEngine(),
		Notifier:    webhook.NewNotifier(time.Duration(cfg.WebhookTimeout), logger),
		Hub:         d.hub,
		Tools:       d.proxy,
		LLM:         llmSvc,
		Sessions:    sessMgr,
		Spawner:     sessions.NewTmuxSpawner(cfg.SpawnCommand, "", logger),
		Logger:      logger,
	}, pipeline.Config{
		ExecTimeout: time.Duration(cfg.ExecTimeout),
		ApprovalTTL: time.Duration(cfg.ApprovalTTL),
		BaseURL:     cfg.BaseURL,
	})

	acts := actions.NewExecutor(actions.Deps{
		Store:       st,
		Sessions:    sessMgr,
		Skills:      d.skills,
		Transcripts: sessions.TranscriptReader{MaxChars: 4000},
		LLM:         llmSvc,
		Pipelines:   d.pipelines,
		Renderer:    renderer,
		Tools:       d.proxy,
		Logger:      logger,
	})
	engine, err := workflow.NewEngine(workflow.Deps{
		Store:       st,
		Definitions: d.loader,
		Actions:     acts,
		Expr:        exprEngine,
		Hub:         d.hub,
		Logger:      logger,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	d.handle = workflow.NewHandle(engine, time.Duration(cfg.DispatchTimeout), logger)
	d.pipelines.SetWorkflowActivator(d.handle)

	d.scheduler = scheduler.NewScheduler(st, d.pipelines, 0, logger).
		WithRetention(st, time.Duration(cfg.EventRetention))

	d.api = api.NewServer(api.Deps{
		Pipelines:   d.pipelines,
		Executions:  st,
		Workflows:   d.handle,
		Sessions:    sessMgr,
		Definitions: d.loader,
		Events:      st,
		Hub:         d.hub,
		Logger:      logger,
	})
	d.mcp = stepgatemcp.NewStepgateServer(stepgatemcp.Deps{
		Pipelines:  d.pipelines,
		Executions: st,
		Workflows:  d.handle,
		Sessions:   sessMgr,
		Hub:        d.hub,
		Logger:     logger,
	})

	d.loader.OnReload(func() { d.reloaded(context.WithoutCancel(ctx)) })
	return d, nil
}

// reloaded brings schedules, skills and the dynamic MCP tools in line with
// freshly loaded definitions.
func (d *daemon) reloaded(ctx context.Context) {
	d.mcp.RefreshPipelineTools()
	if err := d.scheduler.Sync(ctx); err != nil {
		d.logger.Error("schedule sync failed", slog.String("error", err.Error()))
	}
	if err := d.skills.Load(); err != nil {
		d.logger.Debug("skills reload failed", slog.String("error", err.Error()))
	}
}

// handler mounts the MCP streamable HTTP transport next to the API routes.
func (d *daemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", d.mcp.HTTPHandler())
	mux.Handle("/", d.api.Handler())
	return mux
}

// run supervises every long-running component until ctx is cancelled or
// one of them fails.
func (d *daemon) run(ctx context.Context, opts serveOptions) error {
	if err := d.scheduler.Sync(ctx); err != nil {
		d.logger.Error("schedule sync failed", slog.String("error", err.Error()))
	}
	if err := d.scheduler.RecoverMissed(ctx); err != nil {
		d.logger.Warn("missed schedule recovery failed", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.handle.Run(gctx) })
	g.Go(func() error { return d.scheduler.Run(gctx) })
	g.Go(func() error { return d.mcp.ForwardEvents(gctx) })
	if d.cfg.Watch {
		w := loader.NewWatcher(d.loader, loader.DefaultDebounce, d.logger)
		g.Go(func() error { return w.Run(gctx) })
	}

	srv := &http.Server{
		Addr:              d.cfg.ListenAddr,
		Handler:           d.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		d.logger.Info("stepgate listening",
			slog.String("addr", d.cfg.ListenAddr),
			slog.String("base_url", d.cfg.BaseURL),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	if opts.stdio {
		g.Go(func() error {
			// The MCP client owns the process: when stdin closes, stop everything.
			defer cancel()
			err := d.mcp.Serve(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp stdio: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	d.pipelines.Wait()
	return err
}

// close releases the proxy connections and the store.
func (d *daemon) close() {
	d.hub.Close()
	if d.proxy != nil {
		if err := d.proxy.Close(); err != nil {
			d.logger.Debug("mcp proxy close failed", slog.String("error", err.Error()))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("store close failed", slog.String("error", err.Error()))
		}
	}
}

// dsn turns a filesystem path into a libsql file URI.
func dsn(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "://") {
		return path
	}
	return "file:" + path
}

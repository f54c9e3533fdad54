// Package service wires the core components together: the shared HTTP
// client, analyzer, task manager, merger, scheduler, event bus and
// history store. Front-ends (CLI, daemon, status API) operate through
// this layer.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/astroair/vidtanium/internal/analyzer"
	"github.com/astroair/vidtanium/internal/config"
	"github.com/astroair/vidtanium/internal/events"
	"github.com/astroair/vidtanium/internal/httpclient"
	"github.com/astroair/vidtanium/internal/manager"
	"github.com/astroair/vidtanium/internal/merger"
	"github.com/astroair/vidtanium/internal/models"
	"github.com/astroair/vidtanium/internal/perf"
	"github.com/astroair/vidtanium/internal/repository"
	"github.com/astroair/vidtanium/internal/scheduler"
	"github.com/astroair/vidtanium/internal/storage"
)

// App owns the assembled core.
type App struct {
	Config    *config.Config
	Client    *httpclient.Client
	Analyzer  *analyzer.Analyzer
	Manager   *manager.Manager
	Scheduler *scheduler.Scheduler
	Bus       *events.Bus
	History   *repository.TaskHistoryRepository
	Monitor   *perf.Monitor

	db     *storage.DB
	logger *slog.Logger
}

// Options toggle optional app subsystems.
type Options struct {
	// WithHistory opens the history database. Without it, terminal task
	// outcomes are not persisted.
	WithHistory bool

	// WithScheduler loads persisted triggers and prepares the scheduler
	// (started separately).
	WithScheduler bool
}

// NewApp assembles the core from configuration.
func NewApp(cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	bus := events.NewBus(cfg.Download.EventQueueSize)
	client := httpclient.New(httpclient.OptionsFromConfig(cfg.Network, logger))

	app := &App{
		Config:   cfg,
		Client:   client,
		Analyzer: analyzer.New(client, logger).WithLowestBandwidth(cfg.Download.SelectLowestBandwidth),
		Bus:      bus,
		Monitor:  perf.NewMonitor(cfg.Perf, logger),
		logger:   logger,
	}

	var history manager.HistoryRecorder
	if opts.WithHistory {
		db, err := storage.Open(cfg.Storage.HistoryPath(), logger)
		if err != nil {
			return nil, fmt.Errorf("opening history store: %w", err)
		}
		app.db = db
		app.History = repository.NewTaskHistoryRepository(db)
		history = app.History
	}

	merge := merger.New(cfg.Merge, logger)
	app.Manager = manager.New(cfg.Download, cfg.Storage, client, merge, bus, history, logger).
		WithWorkerAdvisor(app.Monitor)

	if opts.WithScheduler {
		app.Scheduler = scheduler.New(
			cfg.Storage.TriggersPath(),
			cfg.Scheduler.TickInterval,
			app.firePayload,
			scheduler.SystemClock(),
			bus,
			logger,
		)
		if err := app.Scheduler.Load(); err != nil {
			return nil, fmt.Errorf("loading scheduled triggers: %w", err)
		}
	}

	return app, nil
}

// firePayload submits a trigger payload to the task manager, analyzing
// URL payloads at fire time.
func (a *App) firePayload(ctx context.Context, payload models.Payload) error {
	switch payload.Kind {
	case models.PayloadPlan:
		if payload.Plan == nil {
			return fmt.Errorf("plan payload without a plan")
		}
		_, err := a.Manager.Submit(*payload.Plan, payload.Options)
		return err

	case models.PayloadURL:
		_, err := a.SubmitURL(ctx, payload.URL, payload.Options)
		return err

	default:
		return fmt.Errorf("unknown payload kind %q", payload.Kind)
	}
}

// SubmitURL analyzes a URL and submits the resulting plan.
func (a *App) SubmitURL(ctx context.Context, rawURL string, opts models.SubmitOptions) (models.TaskID, error) {
	res, err := a.Analyzer.Analyze(ctx, rawURL)
	if err != nil {
		return "", err
	}

	if res.Playlist.Live {
		// Live playlists have no finite end to merge.
		return "", fmt.Errorf("live playlists cannot be downloaded to a file")
	}

	name := opts.Name
	if name == "" {
		name = deriveName(res.Base)
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = a.Config.Storage.OutputDir
	}

	plan, err := analyzer.PlanFromPlaylist(res.Playlist, name, filepath.Join(outputDir, name+".mp4"))
	if err != nil {
		return "", err
	}

	return a.Manager.Submit(*plan, opts)
}

// deriveName derives a display name from a playlist URL: the last
// meaningful path element without its extension.
func deriveName(u *url.URL) string {
	if u == nil {
		return "download"
	}
	base := path.Base(u.Path)
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." || base == "/" || strings.EqualFold(base, "index") || strings.EqualFold(base, "playlist") {
		if dir := path.Base(path.Dir(u.Path)); dir != "" && dir != "." && dir != "/" {
			return sanitizeName(dir)
		}
		return "download"
	}
	return sanitizeName(base)
}

// sanitizeName strips characters that are unsafe in file names.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}

// Close releases all app resources in dependency order.
func (a *App) Close() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	a.Monitor.Stop()
	a.Manager.Close()
	a.Bus.Close()
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing history store failed", slog.String("error", err.Error()))
		}
	}
}

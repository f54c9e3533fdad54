package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/astroair/vidtanium/internal/models"
)

// Maintenance cron schedules (minute-resolution, standard 5-field).
const (
	// stagingSweepSchedule runs the orphaned-staging sweep every 6 hours.
	stagingSweepSchedule = "0 */6 * * *"
	// historyPruneSchedule prunes old history daily at 03:30.
	historyPruneSchedule = "30 3 * * *"
)

// StartMaintenance registers recurring housekeeping jobs: removal of
// orphaned staging directories and history pruning. Returns a stop
// function.
func (a *App) StartMaintenance() func() {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := c.AddFunc(stagingSweepSchedule, a.sweepStaging); err != nil {
		a.logger.Error("registering staging sweep failed", slog.String("error", err.Error()))
	}
	if a.History != nil {
		if _, err := c.AddFunc(historyPruneSchedule, a.pruneHistory); err != nil {
			a.logger.Error("registering history prune failed", slog.String("error", err.Error()))
		}
	}

	c.Start()
	a.logger.Info("maintenance jobs started")

	return func() {
		<-c.Stop().Done()
	}
}

// sweepStaging removes staging directories that no live task owns and
// whose last modification is older than the retention window.
func (a *App) sweepStaging() {
	root := a.Config.Storage.StagingRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn("reading staging root failed", slog.String("error", err.Error()))
		}
		return
	}

	live := make(map[string]bool)
	for _, snap := range a.Manager.List() {
		live[string(snap.ID)] = true
	}

	retention := a.Config.Storage.StagingRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-retention)

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || live[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			a.logger.Warn("removing orphaned staging failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()))
			continue
		}
		removed++
	}

	if removed > 0 {
		a.logger.Info("swept orphaned staging directories", slog.Int("removed", removed))
	}
}

// pruneHistory deletes history records past the retention window.
func (a *App) pruneHistory() {
	retention := a.Config.Storage.HistoryRetention
	if retention <= 0 {
		return
	}

	n, err := a.History.PruneOlderThan(context.Background(), time.Now().Add(-retention))
	if err != nil {
		a.logger.Warn("pruning history failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		a.logger.Info("pruned task history", slog.Int64("removed", n))
	}
}

// RecentHistory returns the most recent terminal task records.
func (a *App) RecentHistory(ctx context.Context, limit int) ([]*models.TaskHistory, error) {
	if a.History == nil {
		return nil, nil
	}
	return a.History.List(ctx, limit)
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/astroair/vidtanium/internal/downloader"
	"github.com/astroair/vidtanium/internal/events"
	"github.com/astroair/vidtanium/internal/models"
	"github.com/astroair/vidtanium/internal/service"
)

var (
	downloadName     string
	downloadPriority string
)

func init() {
	rootCmd.Flags().StringVar(&downloadName, "name", "", "override the output file name")
	rootCmd.Flags().StringVar(&downloadPriority, "priority", "normal", "task priority (high, normal, low)")
}

// runDownload executes a one-shot download of the given URL and blocks
// until the task reaches a terminal state.
func runDownload(cmd *cobra.Command, rawURL string) error {
	cmd.SilenceUsage = true

	app, err := service.NewApp(cfg, nil, service.Options{WithHistory: true})
	if err != nil {
		return err
	}
	defer app.Close()
	app.Monitor.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fatalSig syscall.Signal
	stopSignals := watchSignals(cancel, &fatalSig)
	defer stopSignals()

	fmt.Fprintf(os.Stderr, "Analyzing %s\n", rawURL)

	id, err := app.SubmitURL(ctx, rawURL, models.SubmitOptions{
		Name:     downloadName,
		Priority: parsePriority(downloadPriority),
	})
	if err != nil {
		if fatalSig != 0 {
			return signalExitError(fatalSig)
		}
		return err
	}

	final := waitForTask(ctx, app, id)

	if fatalSig != 0 {
		// Let the cancellation settle before exiting.
		waitTerminal(app, id, 5*time.Second)
		return signalExitError(fatalSig)
	}

	switch final.Status {
	case models.TaskCompleted:
		fmt.Fprintf(os.Stderr, "Saved %s\n", final.OutputPath)
		return nil
	case models.TaskCanceled:
		return errInterrupted
	default:
		if final.Error != nil {
			return fmt.Errorf("download failed: %s", final.Error)
		}
		return fmt.Errorf("download failed")
	}
}

// waitForTask renders progress until the task reaches a terminal state
// or the context is canceled (which cancels the task).
func waitForTask(ctx context.Context, app *service.App, id models.TaskID) models.TaskSnapshot {
	bar := newProgressBar()

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }
	sub := app.Bus.Subscribe("cli", []events.Type{
		events.TypeTaskProgress,
		events.TypeTaskCompleted,
		events.TypeTaskFailed,
		events.TypeTaskStatusChanged,
	}, func(ev events.Event) {
		if ev.SourceID != string(id) {
			return
		}
		switch ev.Type {
		case events.TypeTaskProgress:
			if p, ok := ev.Payload.(models.Progress); ok {
				renderProgress(bar, p)
			}
		case events.TypeTaskCompleted, events.TypeTaskFailed:
			finish()
		case events.TypeTaskStatusChanged:
			if change, ok := ev.Payload.(downloader.StatusChange); ok && change.To.Terminal() {
				finish()
			}
		}
	})
	defer sub.Unsubscribe()

	select {
	case <-done:
	case <-ctx.Done():
		_ = app.Manager.Cancel(id)
		waitTerminal(app, id, 10*time.Second)
	}

	bar.Finish()
	fmt.Fprintln(os.Stderr)

	snap, _ := app.Manager.Get(id)
	return snap
}

// waitTerminal polls until the task is terminal or the timeout expires.
func waitTerminal(app *service.App, id models.TaskID, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := app.Manager.Get(id)
		if err != nil || snap.Status.Terminal() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// parsePriority maps the flag value onto a priority class, defaulting
// to normal.
func parsePriority(s string) models.Priority {
	switch s {
	case "high":
		return models.PriorityHigh
	case "low":
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}

// newProgressBar builds the CLI progress renderer.
func newProgressBar() *progressbar.ProgressBar {
	return progressbar.NewOptions64(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// renderProgress maps a progress snapshot onto the bar.
func renderProgress(bar *progressbar.ProgressBar, p models.Progress) {
	_ = bar.Set(int(p.Percent()))
	desc := fmt.Sprintf("downloading %d/%d segments", p.CompletedSegments, p.TotalSegments)
	if p.SpeedBps > 0 {
		desc += fmt.Sprintf(" (%.1f MiB/s)", p.SpeedBps/(1024*1024))
	}
	bar.Describe(desc)
}

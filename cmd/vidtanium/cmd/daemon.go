package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	internalhttp "github.com/astroair/vidtanium/internal/http"
	"github.com/astroair/vidtanium/internal/service"
)

var daemonAddr string

// daemonCmd runs the core resident: scheduler, maintenance jobs and the
// local status API.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run resident with the scheduler and status API",
	Long: `Run vidtanium as a resident process.

The daemon activates saved scheduled tasks at their trigger times,
sweeps orphaned staging directories, prunes old task history, and
serves the local status API for front-ends.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonAddr, "listen", "", "status API listen address (host:port, overrides config)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	app, err := service.NewApp(cfg, nil, service.Options{
		WithHistory:   true,
		WithScheduler: true,
	})
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fatalSig syscall.Signal
	stopSignals := watchSignals(cancel, &fatalSig)
	defer stopSignals()

	app.Monitor.Start(ctx)
	if err := app.Scheduler.Start(ctx); err != nil {
		return err
	}
	stopMaintenance := app.StartMaintenance()
	defer stopMaintenance()

	serverCfg := cfg.Server
	if daemonAddr != "" {
		host, port, err := splitHostPort(daemonAddr)
		if err != nil {
			return err
		}
		serverCfg.Host = host
		serverCfg.Port = port
		serverCfg.Enabled = true
	}

	g, gctx := errgroup.WithContext(ctx)

	var server *internalhttp.Server
	if serverCfg.Enabled || daemonAddr != "" {
		server = internalhttp.NewServer(app, serverCfg, slog.Default())
		g.Go(server.Start)
	}

	g.Go(func() error {
		<-gctx.Done()
		if server != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		}
		return nil
	})

	slog.Info("daemon running",
		slog.Int("triggers", len(app.Scheduler.List())),
		slog.Bool("status_api", server != nil))

	if err := g.Wait(); err != nil {
		return err
	}
	if fatalSig != 0 {
		return signalExitError(fatalSig)
	}
	return nil
}

// splitHostPort parses a host:port listen address.
func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}

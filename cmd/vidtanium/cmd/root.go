// Package cmd implements the CLI commands for vidtanium.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/astroair/vidtanium/internal/config"
	"github.com/astroair/vidtanium/internal/observability"
	"github.com/astroair/vidtanium/internal/version"
)

// Exit codes. Interrupt and fatal signals follow shell conventions.
const (
	exitOK        = 0
	exitFailure   = 1
	exitInterrupt = 130
	exitSignal    = 128
)

var (
	configDir string
	outputDir string
	logLevel  string
	logFormat string
	noGUI     bool

	// cfg is populated by the persistent pre-run for all commands.
	cfg *config.Config
)

// errInterrupted marks termination by SIGINT.
var errInterrupted = errors.New("interrupted")

// rootCmd represents the base command. A positional URL starts a
// download directly.
var rootCmd = &cobra.Command{
	Use:     "vidtanium [URL]",
	Short:   "Resumable concurrent HLS downloader",
	Version: version.Short(),
	Long: `vidtanium downloads HLS (M3U8) media into a single merged file.

Give it a direct M3U8 URL or any web page containing one. Segments are
fetched concurrently, decrypted when AES-128 encrypted, and merged via
an external transcoder when available (binary concatenation otherwise).
Paused tasks resume from the segments already staged. Each run of the
command starts a new task with its own staging directory, so segments
staged by an earlier run are not reused.`,
	Args: cobra.MaximumNArgs(1),
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initApp()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runDownload(cmd, args[0])
	},
}

// Execute runs the CLI and maps errors to exit codes.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	if errors.Is(err, errInterrupted) {
		return exitInterrupt
	}
	var sigErr *signalError
	if errors.As(err, &sigErr) {
		return exitSignal + int(sigErr.sig)
	}
	return exitFailure
}

// signalError carries the fatal signal number for the exit code.
type signalError struct {
	sig syscall.Signal
}

func (e *signalError) Error() string {
	return fmt.Sprintf("terminated by signal %d", e.sig)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "location of settings and persisted scheduler state (default $VIDTANIUM_CONFIG_DIR or ~/.vidtanium)")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output-dir", "", "destination directory for downloads (default ~/Downloads)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&noGUI, "no-gui", false, "route to the terminal front-end")
}

// initApp loads configuration, applies flag overrides and installs the
// default logger.
func initApp() error {
	loaded, err := config.Load(configDir)
	if err != nil {
		return err
	}
	if outputDir != "" {
		loaded.Storage.OutputDir = outputDir
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	cfg = loaded
	observability.SetDefault(observability.NewLogger(cfg.Logging))
	return nil
}

// watchSignals cancels the given cancel function on SIGINT/SIGTERM and
// records which signal fired. Returns a stop function.
func watchSignals(cancel func(), got *syscall.Signal) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		s, ok := <-sigCh
		if !ok {
			return
		}
		if sig, isSig := s.(syscall.Signal); isSig {
			*got = sig
		}
		cancel()
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// signalExitError maps a received signal to the CLI error that encodes
// its exit code.
func signalExitError(sig syscall.Signal) error {
	if sig == syscall.SIGINT {
		return errInterrupted
	}
	return &signalError{sig: sig}
}

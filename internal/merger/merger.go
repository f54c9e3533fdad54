// Package merger concatenates staged segments into the final artifact.
// An external transcoder remux (stream copy) is preferred when a binary
// is reachable; binary concatenation is the universal fallback.
package merger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/astroair/vidtanium/internal/config"
	"github.com/astroair/vidtanium/internal/ffmpeg"
)

// missingTolerance is the fraction of planned segments that may be
// missing on disk before the merge fails instead of skipping them.
const missingTolerance = 0.01

// Merger builds final artifacts from ordered staged segment files.
type Merger struct {
	cfg      config.MergeConfig
	detector *ffmpeg.Detector
	logger   *slog.Logger
}

// New creates a merger.
func New(cfg config.MergeConfig, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		cfg:      cfg,
		detector: ffmpeg.NewDetector(cfg.FFmpegPath),
		logger:   logger,
	}
}

// Merge concatenates the segment files, in order, into outputPath.
// Missing segment files are skipped with a warning; more than 1% missing
// fails the merge. Cancellation through ctx kills an in-flight
// transcoder child.
func (m *Merger) Merge(ctx context.Context, segmentPaths []string, outputPath string) error {
	present, totalBytes, err := m.inventory(segmentPaths)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	if len(present) == 0 {
		if m.cfg.FailOnEmpty {
			return fmt.Errorf("no segments to merge")
		}
		// Zero-segment plans produce an empty artifact.
		return os.WriteFile(outputPath, nil, 0o644)
	}

	mergeCtx, cancel := context.WithTimeout(ctx, m.cfg.MergeTimeout(totalBytes))
	defer cancel()

	if m.cfg.PreferTranscoder {
		if info, err := m.detector.Detect(mergeCtx); err == nil {
			if err := m.remux(mergeCtx, info.Path, present, outputPath); err == nil {
				m.logger.Info("merged via transcoder",
					slog.String("output", outputPath),
					slog.Int("segments", len(present)),
					slog.Int64("input_bytes", totalBytes))
				return nil
			} else {
				m.logger.Warn("transcoder merge failed, falling back to binary concat",
					slog.String("error", err.Error()))
			}
		}
	}

	return m.concat(mergeCtx, present, totalBytes, outputPath)
}

// inventory stats the planned segment files, returning the present ones
// in order and their total size.
func (m *Merger) inventory(segmentPaths []string) ([]string, int64, error) {
	var present []string
	var totalBytes int64
	for _, p := range segmentPaths {
		info, err := os.Stat(p)
		if err != nil {
			m.logger.Warn("segment file missing, skipping", slog.String("path", p))
			continue
		}
		present = append(present, p)
		totalBytes += info.Size()
	}

	if len(segmentPaths) > 0 {
		missing := len(segmentPaths) - len(present)
		if float64(missing) > float64(len(segmentPaths))*missingTolerance {
			return nil, 0, fmt.Errorf("%d of %d segment files missing", missing, len(segmentPaths))
		}
	}
	return present, totalBytes, nil
}

// remux writes a concat manifest and stream-copies through the
// transcoder into the target container.
func (m *Merger) remux(ctx context.Context, binary string, paths []string, outputPath string) error {
	manifest, err := writeConcatManifest(paths)
	if err != nil {
		return err
	}
	defer os.Remove(manifest)

	return ffmpeg.Remux(ctx, binary, manifest, outputPath)
}

// concat appends the segment bytes into a single .ts file. When the
// requested extension is .mp4 and a transcoder is reachable, a post-hoc
// remux is attempted; otherwise the .ts is renamed to the requested
// path.
func (m *Merger) concat(ctx context.Context, paths []string, totalBytes int64, outputPath string) error {
	tsPath := outputPath
	wantsMP4 := strings.EqualFold(filepath.Ext(outputPath), ".mp4")
	if wantsMP4 {
		tsPath = strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".merge.ts"
	}

	if err := m.concatFiles(ctx, paths, tsPath); err != nil {
		os.Remove(tsPath)
		return err
	}

	if wantsMP4 {
		if info, err := m.detector.Detect(ctx); err == nil {
			if err := ffmpeg.RemuxFile(ctx, info.Path, tsPath, outputPath); err == nil {
				os.Remove(tsPath)
				m.logger.Info("merged via binary concat + remux",
					slog.String("output", outputPath),
					slog.Int64("input_bytes", totalBytes))
				return nil
			}
			m.logger.Warn("post-hoc remux failed, keeping transport stream")
		}
		// No transcoder: deliver the concatenated stream under the
		// requested name.
		if err := os.Rename(tsPath, outputPath); err != nil {
			return fmt.Errorf("renaming merged file: %w", err)
		}
	}

	m.logger.Info("merged via binary concat",
		slog.String("output", outputPath),
		slog.Int("segments", len(paths)),
		slog.Int64("input_bytes", totalBytes))
	return nil
}

// concatFiles sequentially appends each input to target, observing
// cancellation between files.
func (m *Merger) concatFiles(ctx context.Context, paths []string, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("creating merged file: %w", err)
	}
	defer out.Close()

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		in, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("opening segment: %w", err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return fmt.Errorf("appending segment: %w", err)
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("syncing merged file: %w", err)
	}
	return nil
}

// writeConcatManifest writes the transcoder concat demuxer input list.
func writeConcatManifest(paths []string) (string, error) {
	f, err := os.CreateTemp("", "vidtanium-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("creating concat manifest: %w", err)
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		// Single quotes in paths are escaped per the concat demuxer rules.
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		if _, err := fmt.Fprintf(f, "file '%s'\n", escaped); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", fmt.Errorf("writing concat manifest: %w", err)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing concat manifest: %w", err)
	}
	return f.Name(), nil
}

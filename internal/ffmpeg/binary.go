// Package ffmpeg provides FFmpeg binary detection and remux invocation
// for the merger. Availability is probed once and cached; the merger
// falls back to binary concatenation when no binary is reachable.
package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/astroair/vidtanium/internal/util"
)

// versionPattern extracts the version token from `ffmpeg -version` output.
var versionPattern = regexp.MustCompile(`ffmpeg version (\S+)`)

// BinaryInfo describes a detected FFmpeg installation.
type BinaryInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Detector locates the FFmpeg binary and caches the result.
type Detector struct {
	mu           sync.RWMutex
	override     string
	info         *BinaryInfo
	lastDetected time.Time
	detectErr    error
	cacheTTL     time.Duration
}

// NewDetector creates a detector. A non-empty override skips PATH lookup.
func NewDetector(override string) *Detector {
	return &Detector{
		override: override,
		cacheTTL: 5 * time.Minute,
	}
}

// WithCacheTTL sets the detection cache TTL.
func (d *Detector) WithCacheTTL(ttl time.Duration) *Detector {
	d.cacheTTL = ttl
	return d
}

// Detect locates the binary and probes its version. Results (including
// failures) are cached for the TTL.
func (d *Detector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if time.Since(d.lastDetected) < d.cacheTTL && (d.info != nil || d.detectErr != nil) {
		info, err := d.info, d.detectErr
		d.mu.RUnlock()
		return info, err
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.lastDetected) < d.cacheTTL && (d.info != nil || d.detectErr != nil) {
		return d.info, d.detectErr
	}

	d.info, d.detectErr = d.probe(ctx)
	d.lastDetected = time.Now()
	return d.info, d.detectErr
}

// probe resolves the binary path and reads its version banner.
func (d *Detector) probe(ctx context.Context) (*BinaryInfo, error) {
	path := d.override
	if path == "" {
		found, err := util.FindBinary("ffmpeg", "VIDTANIUM_FFMPEG")
		if err != nil {
			return nil, err
		}
		path = found
	}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", path, err)
	}

	info := &BinaryInfo{Path: path}
	if m := versionPattern.FindSubmatch(out); m != nil {
		info.Version = string(m[1])
	}
	return info, nil
}

// Available reports whether a usable binary was detected.
func (d *Detector) Available(ctx context.Context) bool {
	info, err := d.Detect(ctx)
	return err == nil && info != nil
}

// Remux stream-copies the inputs listed in a concat manifest into the
// output container. The context bounds the run; cancellation kills the
// child process.
func Remux(ctx context.Context, binary, manifestPath, outputPath string) error {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
		"-c", "copy",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("ffmpeg remux failed: %s", msg)
	}
	return nil
}

// RemuxFile stream-copies a single input file into the output container.
// Used for the post-hoc remux after binary concatenation.
func RemuxFile(ctx context.Context, binary, inputPath, outputPath string) error {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", inputPath,
		"-c", "copy",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("ffmpeg remux failed: %s", msg)
	}
	return nil
}

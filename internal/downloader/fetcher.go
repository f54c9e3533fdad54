// Package downloader implements the per-task download engine: the
// segment fetch pipeline, the task state machine, progress accounting
// and resume-across-restart.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/astroair/vidtanium/internal/crypto"
	"github.com/astroair/vidtanium/internal/httpclient"
	"github.com/astroair/vidtanium/internal/models"
)

// ResultKind classifies the outcome of one fetch attempt.
type ResultKind int

const (
	// FetchOk means the segment was staged successfully.
	FetchOk ResultKind = iota
	// FetchPaused means the pause flag was observed before any write.
	FetchPaused
	// FetchRetryable means the attempt failed but may be retried.
	FetchRetryable
	// FetchTerminal means retrying cannot help.
	FetchTerminal
)

// FetchResult is the outcome of a single fetch attempt. The download
// task branches on Kind instead of unwrapping errors.
type FetchResult struct {
	Kind ResultKind

	// Err is the underlying error for Retryable and Terminal results.
	Err error

	// ErrorKind classifies Terminal results for the task error record.
	ErrorKind models.ErrorKind

	// Bytes is the staged size for Ok results.
	Bytes int64
}

// pauseFlag is the shared pause token of one task's workers.
type pauseFlag struct {
	v atomic.Bool
}

func (p *pauseFlag) Set(paused bool) { p.v.Store(paused) }
func (p *pauseFlag) Paused() bool    { return p.v.Load() }

// Fetcher downloads single segments into a task's staging directory.
type Fetcher struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewFetcher creates a segment fetcher over the shared HTTP client.
func NewFetcher(client *httpclient.Client, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, logger: logger}
}

// Fetch performs one attempt at staging a segment. Cancellation is
// observed through ctx at every I/O suspension point; the pause flag is
// observed before the attempt starts. Encrypted segments are buffered,
// decrypted, and only then written; unencrypted segments stream to disk.
// Either way the data lands in a .part file that is fsynced and renamed
// to its final staging name only on success.
func (f *Fetcher) Fetch(ctx context.Context, seg *models.Segment, stagingDir string, key []byte, enc models.EncryptionSpec, pause *pauseFlag) FetchResult {
	if pause.Paused() {
		return FetchResult{Kind: FetchPaused}
	}
	if err := ctx.Err(); err != nil {
		return FetchResult{Kind: FetchRetryable, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.URI, nil)
	if err != nil {
		return FetchResult{Kind: FetchTerminal, Err: err, ErrorKind: models.ErrorKindInput}
	}
	if seg.ByteRange != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.ByteRange.Start, seg.ByteRange.End))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Connection failures, timeouts and cancellation are transient;
		// the task's dispatch loop distinguishes cancel from retry.
		return FetchResult{Kind: FetchRetryable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		err := &httpclient.StatusError{Code: resp.StatusCode, URL: seg.URI}
		if httpclient.RetryableStatus(resp.StatusCode) {
			return FetchResult{Kind: FetchRetryable, Err: err}
		}
		return FetchResult{Kind: FetchTerminal, Err: err, ErrorKind: models.ErrorKindPermanentNetwork}
	}

	partPath := filepath.Join(stagingDir, seg.PartName())
	finalPath := filepath.Join(stagingDir, seg.StagingName())

	var staged int64
	if enc.Encrypted() {
		staged, err = f.stageEncrypted(resp, partPath, key, enc.SegmentIV(seg.Sequence), resp.ContentLength)
	} else {
		staged, err = f.stagePlain(resp.Body, partPath)
	}
	if err != nil {
		os.Remove(partPath)
		return classifyStageError(err)
	}

	// Short bodies against a declared length are partial reads.
	if resp.ContentLength > 0 && !enc.Encrypted() && staged < resp.ContentLength {
		os.Remove(partPath)
		return FetchResult{
			Kind: FetchRetryable,
			Err:  fmt.Errorf("partial read: %d of %d bytes", staged, resp.ContentLength),
		}
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		os.Remove(partPath)
		return FetchResult{Kind: FetchTerminal, Err: err, ErrorKind: models.ErrorKindDisk}
	}

	return FetchResult{Kind: FetchOk, Bytes: staged}
}

// stagePlain streams the body to the part file and fsyncs it.
func (f *Fetcher) stagePlain(body io.Reader, partPath string) (int64, error) {
	file, err := os.Create(partPath)
	if err != nil {
		return 0, &diskError{err}
	}

	n, err := io.Copy(file, body)
	if err != nil {
		file.Close()
		return n, fmt.Errorf("streaming segment: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return n, &diskError{err}
	}
	if err := file.Close(); err != nil {
		return n, &diskError{err}
	}
	return n, nil
}

// stageEncrypted buffers the full body, decrypts it as the final block
// run, and writes the plaintext. Segments are small enough (typically a
// few MiB) that buffering them whole is the simpler and safer path.
func (f *Fetcher) stageEncrypted(resp *http.Response, partPath string, key, iv []byte, contentLength int64) (int64, error) {
	ciphertext, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("reading segment body: %w", err)
	}
	if contentLength > 0 && int64(len(ciphertext)) < contentLength {
		return 0, fmt.Errorf("partial read: %d of %d bytes", len(ciphertext), contentLength)
	}

	plaintext := crypto.Decrypt(ciphertext, key, iv, true)

	file, err := os.Create(partPath)
	if err != nil {
		return 0, &diskError{err}
	}
	if _, err := file.Write(plaintext); err != nil {
		file.Close()
		return 0, &diskError{err}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return 0, &diskError{err}
	}
	if err := file.Close(); err != nil {
		return 0, &diskError{err}
	}
	return int64(len(plaintext)), nil
}

// diskError marks filesystem failures, which are fatal for the task.
type diskError struct {
	err error
}

func (e *diskError) Error() string { return e.err.Error() }
func (e *diskError) Unwrap() error { return e.err }

// classifyStageError maps staging failures onto the result taxonomy:
// disk errors are terminal, truncated transfers are retryable.
func classifyStageError(err error) FetchResult {
	var de *diskError
	if errors.As(err, &de) {
		return FetchResult{Kind: FetchTerminal, Err: err, ErrorKind: models.ErrorKindDisk}
	}
	return FetchResult{Kind: FetchRetryable, Err: err}
}

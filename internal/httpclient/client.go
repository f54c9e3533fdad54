// Package httpclient provides the shared HTTP context used by all
// download tasks: a pooled client with transparent decompression,
// circuit breaker protection for metadata fetches, and structured
// logging with credential obfuscation.
//
// Segment fetches go through Do with retries disabled; the download task
// owns the per-segment retry budget and backoff. Playlist and key
// fetches use the client-level retry loop.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/astroair/vidtanium/internal/config"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

// Default configuration values.
const (
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = 1 * time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultAcceptEncoding    = "gzip, deflate, br"
)

// HTTP header constants.
const (
	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerUserAgent       = "User-Agent"
)

// Options holds the configuration for the HTTP client.
type Options struct {
	// ConnectTimeout bounds connection establishment per attempt.
	ConnectTimeout time.Duration

	// ReadTimeout bounds waiting for response headers per attempt.
	ReadTimeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// RetryAttempts is the number of client-level retries for Fetch calls.
	RetryAttempts int

	// RetryDelay and RetryMaxDelay bound the exponential backoff.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// CircuitThreshold failures open the breaker; CircuitTimeout is how
	// long it stays open.
	CircuitThreshold int
	CircuitTimeout   time.Duration

	// ProxyEnabled honors HTTP_PROXY/HTTPS_PROXY.
	ProxyEnabled bool

	// Logger is the structured logger for request/response logging.
	Logger *slog.Logger
}

// OptionsFromConfig derives client options from the network section.
func OptionsFromConfig(cfg config.NetworkConfig, logger *slog.Logger) Options {
	return Options{
		ConnectTimeout:   cfg.ConnectTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		UserAgent:        cfg.UserAgent,
		RetryAttempts:    DefaultRetryAttempts,
		RetryDelay:       DefaultRetryDelay,
		RetryMaxDelay:    DefaultRetryMaxDelay,
		CircuitThreshold: cfg.CircuitThreshold,
		CircuitTimeout:   cfg.CircuitTimeout,
		ProxyEnabled:     cfg.ProxyEnabled,
		Logger:           logger,
	}
}

// Client is the shared, connection-pooled HTTP client.
type Client struct {
	opts    Options
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a new client with the given options.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		// Decompression is handled explicitly so brotli is covered too.
		DisableCompression: true,
	}
	if opts.ProxyEnabled {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return &Client{
		opts:    opts,
		client:  &http.Client{Transport: transport},
		breaker: NewCircuitBreaker(opts.CircuitThreshold, opts.CircuitTimeout),
		logger:  opts.Logger,
	}
}

// Do executes a single HTTP attempt without client-level retries. The
// response body is wrapped with transparent decompression. Callers own
// retry policy and must close the body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.prepare(req)

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.Debug("request failed",
			slog.String("url", obfuscateURL(req.URL)),
			slog.String("method", req.Method),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	c.logger.Debug("request completed",
		slog.String("url", obfuscateURL(req.URL)),
		slog.String("method", req.Method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration),
		slog.Int64("content_length", resp.ContentLength),
	)

	resp.Body = c.wrapDecompression(resp)
	return resp, nil
}

// Fetch GETs a URL with client-level retries and circuit breaker
// protection, returning the full body. Intended for small metadata
// resources: playlists and key files.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	delay := c.opts.RetryDelay

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", rawURL),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * DefaultBackoffMultiplier)
			if delay > c.opts.RetryMaxDelay {
				delay = c.opts.RetryMaxDelay
			}
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("circuit breaker open, skipping request",
				slog.String("url", rawURL))
			continue
		}

		body, err := c.fetchOnce(ctx, rawURL)
		if err == nil {
			c.breaker.RecordSuccess()
			return body, nil
		}

		lastErr = err
		c.breaker.RecordFailure()

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var se *StatusError
		if errors.As(err, &se) && !RetryableStatus(se.Code) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

// fetchOnce performs a single GET attempt and reads the whole body.
func (c *Client) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return body, nil
}

// prepare sets default headers on a request.
func (c *Client) prepare(req *http.Request) {
	if req.Header.Get(headerUserAgent) == "" && c.opts.UserAgent != "" {
		req.Header.Set(headerUserAgent, c.opts.UserAgent)
	}
	if req.Header.Get(headerAcceptEncoding) == "" {
		req.Header.Set(headerAcceptEncoding, DefaultAcceptEncoding)
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// RetryableStatus reports whether an HTTP status code is worth retrying:
// any 5xx, plus 408 (request timeout), 425 (too early), and 429 (rate
// limited). Other 4xx codes are permanent.
func RetryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// wrapDecompression wraps the response body with appropriate decompression.
func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	encoding := resp.Header.Get(headerContentEncoding)
	if encoding == "" {
		return resp.Body
	}

	switch strings.ToLower(encoding) {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()))
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}

	case "deflate":
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}

	case "br":
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}

	default:
		c.logger.Debug("unknown content encoding, returning raw body",
			slog.String("encoding", encoding))
		return resp.Body
	}
}

// decompressReader wraps a decompression reader with the original body
// closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

// obfuscateURL returns a URL string with sensitive query parameters
// obfuscated.
func obfuscateURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	sanitized := *u
	query := sanitized.Query()

	sensitiveParams := []string{
		"password", "passwd", "pass", "pwd",
		"token", "api_key", "apikey", "key",
		"secret", "auth", "authorization",
		"credential", "credentials", "signature",
	}

	for _, param := range sensitiveParams {
		if query.Has(param) {
			query.Set(param, "***")
		}
	}

	sanitized.RawQuery = query.Encode()
	return sanitized.String()
}

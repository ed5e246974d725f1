// Package fetch downloads a remote source video into a job's scratch directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/heimdex/clipd/internal/apperr"
	"github.com/heimdex/clipd/internal/logging"
)

const (
	// DefaultTimeout bounds the request including the whole body.
	DefaultTimeout = 60 * time.Second

	copyBufferSize = 32 * 1024
)

// ErrTooLarge is returned when the body exceeds Options.MaxBytes.
var ErrTooLarge = errors.New("source exceeds size limit")

// Options configures a Fetcher.
type Options struct {
	// Timeout covers connect, headers and body. Defaults to DefaultTimeout.
	Timeout time.Duration
	// MaxBytes caps the downloaded size; zero disables the cap.
	MaxBytes int64
	// Client overrides the HTTP client; its Timeout is replaced by Timeout.
	Client *http.Client
	Logger *slog.Logger
}

// Fetcher streams remote videos to local files.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := &http.Client{}
	if opts.Client != nil {
		c := *opts.Client
		client = &c
	}
	client.Timeout = opts.Timeout

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Fetcher{client: client, maxBytes: opts.MaxBytes, logger: logger}
}

// ValidateURL rejects anything that is not an absolute http(s) URL.
func ValidateURL(raw string) error {
	if raw == "" {
		return apperr.New(apperr.KindClientInput, "video_url is required", "")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return apperr.Wrap(err, apperr.KindClientInput, "video_url is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperr.New(apperr.KindClientInput, "video_url must be an http or https URL", "scheme "+u.Scheme)
	}
	if u.Host == "" {
		return apperr.New(apperr.KindClientInput, "video_url must include a host", "")
	}
	return nil
}

// Fetch downloads rawURL into dst and returns the number of bytes written.
// On any failure dst is removed and the error is classified as a download error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dst string) (int64, error) {
	if err := ValidateURL(rawURL); err != nil {
		return 0, err
	}

	start := time.Now()
	n, err := f.fetch(ctx, rawURL, dst)
	if err != nil {
		if rmErr := os.Remove(dst); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			f.logger.Warn("failed to remove partial download", "path", dst, "error", rmErr)
		}
		f.logger.Warn("source download failed",
			"url", logging.SanitizeURL(rawURL),
			"bytes", n,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return n, err
		}
		return n, apperr.Wrap(err, apperr.KindDownload, "failed to download source video")
	}

	f.logger.Info("source downloaded",
		"url", logging.SanitizeURL(rawURL),
		"bytes", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return n, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, apperr.New(apperr.KindDownload,
			"failed to download source video",
			fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return 0, fmt.Errorf("%w: content-length %d > %d", ErrTooLarge, resp.ContentLength, f.maxBytes)
	}

	file, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}

	buf := make([]byte, copyBufferSize)
	n, copyErr := io.CopyBuffer(file, body, buf)
	closeErr := file.Close()

	if copyErr != nil {
		return n, fmt.Errorf("write body: %w", copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close output file: %w", closeErr)
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}
	return n, nil
}

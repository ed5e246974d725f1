// Package blob publishes finished videos to a bearer-authenticated blob store
// and returns the public URL the store assigns.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/heimdex/clipd/internal/apperr"
	"github.com/heimdex/clipd/internal/logging"
)

const (
	// DefaultBaseURL is the store's upload endpoint.
	DefaultBaseURL = "https://blob.vercel-storage.com"

	// DefaultTimeout bounds a single upload including the body.
	DefaultTimeout = 10 * time.Minute

	apiVersion     = "7"
	maxErrorBody   = 4096
	maxResultBytes = 64 * 1024
)

// ErrNoCredential is returned by Ready when no write token is configured.
var ErrNoCredential = errors.New("blob write token is not configured")

// StatusError is a non-2xx response from the store.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("blob upload failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// Client uploads files with PUT {base}/{name}.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

type putResult struct {
	URL         string `json:"url"`
	Pathname    string `json:"pathname"`
	ContentType string `json:"contentType"`
}

// NewClient creates a Client. A missing token is not an error here; Ready
// reports it so callers can fail before doing any work.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	httpClient := &http.Client{}
	if opts.Client != nil {
		c := *opts.Client
		httpClient = &c
	}
	httpClient.Timeout = opts.Timeout

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Ready reports whether uploads can be attempted.
func (c *Client) Ready() error {
	if c.token == "" {
		return apperr.Wrap(ErrNoCredential, apperr.KindUpload, "blob storage credential is not configured")
	}
	return nil
}

// Publish uploads the file at path under name and returns its public URL.
func (c *Client) Publish(ctx context.Context, name, path string) (string, error) {
	if err := c.Ready(); err != nil {
		return "", err
	}
	name = strings.TrimLeft(name, "/")
	if name == "" {
		return "", apperr.New(apperr.KindInternal, "blob name is empty", "")
	}

	start := time.Now()
	publicURL, size, err := c.put(ctx, name, path)
	if err != nil {
		c.logger.Warn("blob upload failed",
			"name", name,
			"token", logging.SanitizeToken(c.token),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return "", classify(err)
	}

	c.logger.Info("blob upload succeeded",
		"name", name,
		"bytes", size,
		"url", publicURL,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return publicURL, nil
}

func (c *Client) put(ctx context.Context, name, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat upload file: %w", err)
	}

	target, err := url.JoinPath(c.baseURL, name)
	if err != nil {
		return "", 0, fmt.Errorf("build upload url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "video/mp4")
	req.Header.Set("X-Content-Type", "video/mp4")
	req.Header.Set("X-Api-Version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", info.Size(), fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", info.Size(), &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result putResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResultBytes)).Decode(&result); err != nil {
		return "", info.Size(), fmt.Errorf("decode upload response: %w", err)
	}
	if result.URL == "" {
		return "", info.Size(), errors.New("upload response has no url")
	}
	return result.URL, info.Size(), nil
}

func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden {
			return apperr.Wrap(err, apperr.KindUpload, "blob storage credential was rejected")
		}
		return apperr.Wrap(err, apperr.KindUpload, "blob storage rejected the upload")
	}
	return apperr.Wrap(err, apperr.KindUpload, "failed to upload video")
}

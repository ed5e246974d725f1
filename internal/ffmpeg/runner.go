package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/heimdex/clipd/internal/apperr"
	"github.com/heimdex/clipd/internal/logging"
	"github.com/heimdex/clipd/internal/timeline"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

	// DefaultTimeout bounds a single invocation.
	DefaultTimeout = 600 * time.Second

	// waitDelay is how long Wait lingers for stdio after the process is killed.
	waitDelay = 5 * time.Second
)

// Config holds the runner's configuration.
type Config struct {
	Binary  string        // path to ffmpeg; empty = "ffmpeg" on PATH
	Timeout time.Duration // per invocation
	Profile Profile
	Logger  *slog.Logger
}

// Runner is the production media tool adapter.
type Runner struct {
	cfg Config
}

// NewRunner creates a Runner. It does not check that the binary exists; the
// doctor probe reports that.
func NewRunner(cfg Config) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Profile == (Profile{}) {
		cfg.Profile = DefaultProfile()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Runner{cfg: cfg}
}

// ExtractArgs builds the argument list for extracting one re-encoded segment.
func (r *Runner) ExtractArgs(input string, start, duration float64, output string) []string {
	p := r.cfg.Profile
	return []string{
		"-y",
		"-ss", timeline.FormatSeconds(start),
		"-i", input,
		"-t", timeline.FormatSeconds(duration),
		"-c:v", p.VideoCodec,
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-c:a", p.AudioCodec,
		output,
	}
}

// ConcatArgs builds the argument list for stream-copy concatenation.
func (r *Runner) ConcatArgs(listPath, output string) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		output,
	}
}

// CutArgs builds the argument list for a stream-copy range cut.
func (r *Runner) CutArgs(input string, start, end float64, output string) []string {
	return []string{
		"-y",
		"-ss", timeline.FormatSeconds(start),
		"-to", timeline.FormatSeconds(end),
		"-i", input,
		"-c", "copy",
		output,
	}
}

// Extract re-encodes [start, start+duration) of input into output.
func (r *Runner) Extract(ctx context.Context, input string, start, duration float64, output string) error {
	result := r.run(ctx, output, r.ExtractArgs(input, start, duration, output)...)
	return r.check(ctx, result, "segment extraction failed")
}

// Concat joins clips, in order, into output without re-encoding. The concat
// list is written to listPath.
func (r *Runner) Concat(ctx context.Context, clips []string, listPath, output string) error {
	if err := WriteConcatList(listPath, clips); err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "failed to prepare concat list")
	}
	result := r.run(ctx, output, r.ConcatArgs(listPath, output)...)
	return r.check(ctx, result, "concatenation failed")
}

// Cut copies [start, end] of input into output without re-encoding.
func (r *Runner) Cut(ctx context.Context, input string, start, end float64, output string) error {
	result := r.run(ctx, output, r.CutArgs(input, start, end, output)...)
	return r.check(ctx, result, "cut failed")
}

// Version runs `ffmpeg -version` and returns the first line.
func (r *Runner) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.cfg.Binary, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("run %s -version: %w", r.cfg.Binary, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// Binary returns the configured tool path.
func (r *Runner) Binary() string {
	return r.cfg.Binary
}

func (r *Runner) check(ctx context.Context, result RunResult, message string) error {
	if result.IsSuccess() {
		if _, err := os.Stat(result.OutputPath); err != nil {
			return apperr.Wrap(err, apperr.KindProcessing, message)
		}
		return nil
	}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return apperr.Wrap(ctx.Err(), apperr.KindCanceled, "request cancelled")
	}
	details := fmt.Sprintf("exit %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	if result.TimedOut {
		details = fmt.Sprintf("timed out after %s", r.cfg.Timeout)
	}
	return apperr.New(apperr.KindProcessing, message, details)
}

// run is the core subprocess execution helper. Each call gets its own timeout;
// cancelling ctx kills the process. Any output left behind by a failed run is removed.
func (r *Runner) run(ctx context.Context, outPath string, args ...string) RunResult {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Binary, args...)
	cmd.WaitDelay = waitDelay

	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})
	cmd.Stdout = io.Discard

	r.cfg.Logger.Debug("executing media tool", "binary", r.cfg.Binary, "args", args)

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		if exitCode == 0 {
			exitCode = -1
		}
	}
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	result := RunResult{
		ExitCode:   exitCode,
		OutputPath: outPath,
		StderrTail: stderrBuf.String(),
		Duration:   elapsed,
		TimedOut:   timedOut,
	}

	if !result.IsSuccess() {
		if rmErr := os.Remove(outPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.cfg.Logger.Warn("failed to remove partial output", "path", outPath, "error", rmErr)
		}
		r.cfg.Logger.Warn("media tool failed",
			"exit_code", exitCode,
			"timed_out", timedOut,
			"cancelled", ctx.Err() != nil,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(result.StderrTail, 512),
		)
	} else {
		r.cfg.Logger.Info("media tool succeeded",
			"duration_ms", elapsed.Milliseconds(),
			"output", outPath,
		)
	}

	return result
}

// WriteConcatList writes a concat demuxer list, one `file '<path>'` line per
// clip, preserving order.
func WriteConcatList(path string, clips []string) error {
	if len(clips) == 0 {
		return errors.New("no clips to concatenate")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, clip := range clips {
		fmt.Fprintf(w, "file '%s'\n", escapeConcatPath(clip))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// escapeConcatPath escapes single quotes for the concat demuxer: ' becomes '\''.
func escapeConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := make([]byte, lw.limit)
		copy(tail, b[len(b)-lw.limit:])
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}

// Package pipeline runs a merge job end to end: plan, download, extract each
// segment, concatenate, publish. Every job works in its own scratch directory,
// released on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sync"
	"time"

	"github.com/heimdex/clipd/internal/apperr"
	"github.com/heimdex/clipd/internal/fetch"
	"github.com/heimdex/clipd/internal/logging"
	"github.com/heimdex/clipd/internal/scratch"
	"github.com/heimdex/clipd/internal/timeline"
)

// Stage names the step a job is in; it is attached to log lines.
type Stage string

const (
	StageDownload Stage = "download"
	StageExtract  Stage = "extract"
	StageConcat   Stage = "concat"
	StageUpload   Stage = "upload"
	StageCut      Stage = "cut"
	StageDeliver  Stage = "deliver"
)

// MergeRequest is a highlight merge job.
type MergeRequest struct {
	VideoURL   string
	Highlights []timeline.Highlight
}

// MergeResult is what a successful merge produced.
type MergeResult struct {
	JobID         string
	VideoURL      string
	NewTimestamps []timeline.RemappedHighlight
	Segments      int
	Duration      float64
}

// CutRequest asks for a single stream-copied range of a remote video.
type CutRequest struct {
	URL   string
	Start float64
	End   float64
}

// Options wires a Service.
type Options struct {
	Fetcher   Fetcher
	Tool      MediaTool
	Publisher Publisher
	Scratch   *scratch.Manager
	// BlobPrefix is prepended to uploaded names: <prefix>/<job id>.mp4.
	BlobPrefix string
	Logger     *slog.Logger
}

// Service runs jobs and is safe for concurrent use. It only tracks how many
// jobs are in flight so shutdown can wait for their cleanup.
type Service struct {
	fetcher   Fetcher
	tool      MediaTool
	publisher Publisher
	scratch   *scratch.Manager
	prefix    string
	logger    *slog.Logger

	mu     sync.Mutex
	active int
	idle   chan struct{} // closed while active == 0
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	idle := make(chan struct{})
	close(idle)
	return &Service{
		fetcher:   opts.Fetcher,
		tool:      opts.Tool,
		publisher: opts.Publisher,
		scratch:   opts.Scratch,
		prefix:    opts.BlobPrefix,
		logger:    logging.WithComponent(logger, "pipeline"),
		idle:      idle,
	}
}

// Wait blocks until no job is running or ctx is done. A job counts as running
// until its tool process has exited and its scratch directory is released.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of jobs in flight.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Service) begin() {
	s.mu.Lock()
	if s.active == 0 {
		s.idle = make(chan struct{})
	}
	s.active++
	s.mu.Unlock()
}

func (s *Service) end() {
	s.mu.Lock()
	s.active--
	if s.active == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
}

// Merge downloads the source, extracts every valid highlight with the shared
// re-encode profile, concatenates the clips in request order and publishes the
// result. Input, plan and credential checks all run before any scratch space
// is allocated or any network or tool work starts.
func (s *Service) Merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	s.begin()
	defer s.end()

	if err := fetch.ValidateURL(req.VideoURL); err != nil {
		return nil, err
	}
	segments, err := timeline.Plan(req.Highlights)
	if err != nil {
		return nil, err
	}
	if err := s.publisher.Ready(); err != nil {
		return nil, err
	}

	job, err := s.scratch.Acquire()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "failed to allocate scratch space")
	}
	defer job.Release()

	log := logging.WithJobID(s.logger, job.ID())
	start := time.Now()
	log.Info("merge started",
		"url", logging.SanitizeURL(req.VideoURL),
		"highlights", len(req.Highlights),
		"segments", len(segments),
	)

	stage := StageDownload
	if _, err := s.fetcher.Fetch(ctx, req.VideoURL, job.SourcePath()); err != nil {
		return nil, s.fail(log, stage, err)
	}

	stage = StageExtract
	clips := make([]string, 0, len(segments))
	for _, seg := range segments {
		clip := job.ClipPath(seg.Index)
		if err := s.tool.Extract(ctx, job.SourcePath(), seg.Start, seg.Duration, clip); err != nil {
			log.Warn("segment extraction failed", "segment", seg.Index, "source_index", seg.Source)
			return nil, s.fail(log, stage, err)
		}
		clips = append(clips, clip)
	}

	stage = StageConcat
	if err := s.tool.Concat(ctx, clips, job.ConcatListPath(), job.OutputPath()); err != nil {
		return nil, s.fail(log, stage, err)
	}

	stage = StageUpload
	publicURL, err := s.publisher.Publish(ctx, s.blobName(job.ID()), job.OutputPath())
	if err != nil {
		return nil, s.fail(log, stage, err)
	}

	result := &MergeResult{
		JobID:         job.ID(),
		VideoURL:      publicURL,
		NewTimestamps: timeline.Remapped(segments),
		Segments:      len(segments),
		Duration:      timeline.Round3(timeline.TotalDuration(segments)),
	}
	log.Info("merge completed",
		"segments", result.Segments,
		"output_duration", result.Duration,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// Cut downloads the source, stream-copies [Start, End] and hands the file to
// sink before the scratch directory is released. The path is only valid for
// the duration of the sink call.
func (s *Service) Cut(ctx context.Context, req CutRequest, sink func(path string) error) error {
	s.begin()
	defer s.end()

	if err := fetch.ValidateURL(req.URL); err != nil {
		return err
	}
	if err := validateRange(req.Start, req.End); err != nil {
		return err
	}

	job, err := s.scratch.Acquire()
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "failed to allocate scratch space")
	}
	defer job.Release()

	log := logging.WithJobID(s.logger, job.ID())
	log.Info("cut started",
		"url", logging.SanitizeURL(req.URL),
		"start", req.Start,
		"end", req.End,
	)

	if _, err := s.fetcher.Fetch(ctx, req.URL, job.SourcePath()); err != nil {
		return s.fail(log, StageDownload, err)
	}
	if err := s.tool.Cut(ctx, job.SourcePath(), req.Start, req.End, job.OutputPath()); err != nil {
		return s.fail(log, StageCut, err)
	}
	if err := sink(job.OutputPath()); err != nil {
		return s.fail(log, StageDeliver, err)
	}
	log.Info("cut completed")
	return nil
}

func (s *Service) blobName(jobID string) string {
	return path.Join(s.prefix, jobID+".mp4")
}

// fail logs the full diagnostic detail and returns a classified error.
func (s *Service) fail(log *slog.Logger, stage Stage, err error) error {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		err = apperr.Wrap(err, apperr.KindInternal, fmt.Sprintf("%s failed", stage))
	}
	log.Error("job failed",
		"stage", string(stage),
		"kind", string(apperr.KindOf(err)),
		"error", err,
	)
	return err
}

func validateRange(start, end float64) error {
	switch {
	case math.IsNaN(start) || math.IsNaN(end) || math.IsInf(start, 0) || math.IsInf(end, 0):
		return apperr.New(apperr.KindClientInput, "start and end must be finite", "")
	case start < 0:
		return apperr.New(apperr.KindClientInput, "start must not be negative", "")
	case end <= start:
		return apperr.New(apperr.KindClientInput, "end must be after start", "")
	}
	return nil
}

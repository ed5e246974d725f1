package api

import (
	"time"

	"github.com/heimdex/clipd/internal/ffmpeg"
	"github.com/heimdex/clipd/internal/pipeline"
	"github.com/heimdex/clipd/internal/timeline"
)

type HealthResponse struct {
	Status         string           `json:"status"`
	Version        string           `json:"version"`
	UptimeS        int64            `json:"uptime_s"`
	MediaTool      *MediaToolStatus `json:"media_tool,omitempty"`
	PublisherReady bool             `json:"publisher_ready"`
	ScratchSwept   int64            `json:"scratch_swept"`
}

type MediaToolStatus struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
	ProbedAt  string `json:"probed_at,omitempty"`
}

type MergeRequest struct {
	VideoURL   string               `json:"video_url"`
	Highlights []timeline.Highlight `json:"highlights"`
}

type MergeResponse struct {
	VideoURL      string                       `json:"video_url"`
	NewTimestamps []timeline.RemappedHighlight `json:"new_timestamps"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (r MergeRequest) toJob() pipeline.MergeRequest {
	return pipeline.MergeRequest{VideoURL: r.VideoURL, Highlights: r.Highlights}
}

func MergeResultToResponse(res *pipeline.MergeResult) MergeResponse {
	ts := res.NewTimestamps
	if ts == nil {
		ts = []timeline.RemappedHighlight{}
	}
	return MergeResponse{VideoURL: res.VideoURL, NewTimestamps: ts}
}

func CapabilitiesToStatus(c ffmpeg.Capabilities) *MediaToolStatus {
	s := &MediaToolStatus{
		Available: c.Available,
		Path:      c.Path,
		Version:   c.Version,
		Error:     c.Error,
	}
	if !c.ProbedAt.IsZero() {
		s.ProbedAt = c.ProbedAt.Format(time.RFC3339)
	}
	return s
}

// Package ffmpeg runs the external media tool as a subprocess: per-segment
// extraction with a fixed re-encode profile, stream-copy concatenation, and
// stream-copy range cuts.
package ffmpeg

import "time"

// Profile is the re-encode profile applied to every extracted segment. A single
// profile for all segments is what lets the concat step stream-copy.
type Profile struct {
	VideoCodec string
	Preset     string
	CRF        int
	AudioCodec string
}

// DefaultProfile matches the config defaults.
func DefaultProfile() Profile {
	return Profile{
		VideoCodec: "libx264",
		Preset:     "veryfast",
		CRF:        23,
		AudioCodec: "aac",
	}
}

// RunResult is the structured outcome of one tool invocation.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	OutputPath string        `json:"output_path,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"` // last N bytes of stderr
	Duration   time.Duration `json:"duration"`
	TimedOut   bool          `json:"timed_out,omitempty"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 && !r.TimedOut }

// Capabilities is what the doctor probe learned about the installed tool.
type Capabilities struct {
	Available bool      `json:"available"`
	Path      string    `json:"path,omitempty"`
	Version   string    `json:"version,omitempty"`
	Error     string    `json:"error,omitempty"`
	ProbedAt  time.Time `json:"probed_at"`
}

// Package timeline turns caller highlights into an ordered extraction plan and
// computes where each highlight lands in the concatenated output.
package timeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/heimdex/clipd/internal/apperr"
)

// Highlight is a caller-specified time range of the source video, in seconds.
type Highlight struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Reason    *string `json:"reason"`
}

// Valid reports whether the highlight spans a positive duration.
func (h Highlight) Valid() bool {
	return h.EndTime > h.StartTime
}

// Duration is EndTime - StartTime.
func (h Highlight) Duration() float64 {
	return h.EndTime - h.StartTime
}

// RemappedHighlight is the position of a highlight within the concatenated output.
type RemappedHighlight struct {
	Reason   *string `json:"reason"`
	NewStart float64 `json:"new_start"`
	NewEnd   float64 `json:"new_end"`
}

// Segment is one accepted highlight scheduled for extraction.
type Segment struct {
	// Index is the position in the extraction order, starting at 0.
	Index int
	// Source is the index of the highlight in the caller's list.
	Source   int
	Start    float64
	Duration float64
	Remapped RemappedHighlight
}

// Plan filters out highlights with end <= start and assigns each remaining
// highlight its slot in the output timeline, in request order. The running
// offset is kept at full precision; only the reported positions are rounded.
func Plan(highlights []Highlight) ([]Segment, error) {
	if len(highlights) == 0 {
		return nil, apperr.New(apperr.KindClientInput, "highlights must not be empty", "")
	}

	segments := make([]Segment, 0, len(highlights))
	var offset float64
	for i, h := range highlights {
		if !h.Valid() {
			continue
		}
		if h.StartTime < 0 || math.IsInf(h.EndTime, 0) {
			return nil, apperr.New(apperr.KindClientInput,
				"highlight times must be finite and non-negative",
				fmt.Sprintf("highlight %d: start=%v end=%v", i, h.StartTime, h.EndTime))
		}
		d := h.Duration()
		segments = append(segments, Segment{
			Index:    len(segments),
			Source:   i,
			Start:    h.StartTime,
			Duration: d,
			Remapped: RemappedHighlight{
				Reason:   h.Reason,
				NewStart: Round3(offset),
				NewEnd:   Round3(offset + d),
			},
		})
		offset += d
	}

	if len(segments) == 0 {
		return nil, apperr.New(apperr.KindNoValidSegments,
			"no valid highlights: every end_time must be greater than start_time",
			fmt.Sprintf("%d highlights rejected", len(highlights)))
	}
	return segments, nil
}

// Remapped collects the output positions of a plan.
func Remapped(segments []Segment) []RemappedHighlight {
	out := make([]RemappedHighlight, len(segments))
	for i, s := range segments {
		out[i] = s.Remapped
	}
	return out
}

// TotalDuration sums the planned segment durations.
func TotalDuration(segments []Segment) float64 {
	var total float64
	for _, s := range segments {
		total += s.Duration
	}
	return total
}

// Round3 rounds to millisecond precision.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// FormatSeconds renders seconds the way the media tool expects them.
func FormatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

// ParseTimestamp accepts plain seconds ("12.5") or clock notation
// ("MM:SS", "HH:MM:SS", fractional seconds allowed in the last field).
func ParseTimestamp(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}

	var total float64
	for i, p := range parts {
		last := i == len(parts)-1
		var v float64
		var err error
		if last {
			v, err = strconv.ParseFloat(p, 64)
		} else {
			var n int
			n, err = strconv.Atoi(p)
			v = float64(n)
		}
		if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		if i > 0 && v >= 60 {
			return 0, fmt.Errorf("invalid timestamp %q: field out of range", s)
		}
		total = total*60 + v
	}
	return total, nil
}

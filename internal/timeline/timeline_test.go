package timeline

import (
	"math"
	"math/rand"
	"testing"

	"github.com/heimdex/clipd/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestPlan_SkipsInvalidAndRemaps(t *testing.T) {
	highlights := []Highlight{
		{StartTime: 0, EndTime: 2, Reason: strp("a")},
		{StartTime: 5, EndTime: 5, Reason: strp("skip")},
		{StartTime: 10, EndTime: 13, Reason: strp("b")},
	}

	segments, err := Plan(highlights)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	got := Remapped(segments)
	assert.Equal(t, "a", *got[0].Reason)
	assert.Equal(t, 0.0, got[0].NewStart)
	assert.Equal(t, 2.0, got[0].NewEnd)
	assert.Equal(t, "b", *got[1].Reason)
	assert.Equal(t, 2.0, got[1].NewStart)
	assert.Equal(t, 5.0, got[1].NewEnd)

	assert.Equal(t, 0, segments[0].Source)
	assert.Equal(t, 2, segments[1].Source)
	assert.Equal(t, 1, segments[1].Index)
	assert.Equal(t, 10.0, segments[1].Start)
	assert.Equal(t, 3.0, segments[1].Duration)
	assert.Equal(t, 5.0, TotalDuration(segments))
}

func TestPlan_NilReasonPreserved(t *testing.T) {
	segments, err := Plan([]Highlight{{StartTime: 1, EndTime: 4}})
	require.NoError(t, err)
	assert.Nil(t, segments[0].Remapped.Reason)
}

func TestPlan_Empty(t *testing.T) {
	_, err := Plan(nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindClientInput, apperr.KindOf(err))
}

func TestPlan_AllInvalid(t *testing.T) {
	_, err := Plan([]Highlight{
		{StartTime: 3, EndTime: 3},
		{StartTime: 9, EndTime: 2},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNoValidSegments, apperr.KindOf(err))
}

func TestPlan_RejectsNegativeStart(t *testing.T) {
	_, err := Plan([]Highlight{{StartTime: -1, EndTime: 2}})
	assert.Equal(t, apperr.KindClientInput, apperr.KindOf(err))
}

func TestPlan_RejectsInfiniteEnd(t *testing.T) {
	_, err := Plan([]Highlight{{StartTime: 0, EndTime: math.Inf(1)}})
	assert.Equal(t, apperr.KindClientInput, apperr.KindOf(err))
}

// Randomized check of the timeline invariants: one entry per valid highlight,
// contiguous offsets from zero, and durations preserved to the millisecond.
func TestPlan_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(12)
		highlights := make([]Highlight, n)
		valid := 0
		for i := range highlights {
			start := math.Round(rng.Float64()*600*1000) / 1000
			end := start + math.Round((rng.Float64()*40-10)*1000)/1000
			highlights[i] = Highlight{StartTime: start, EndTime: end}
			if end > start {
				valid++
			}
		}

		segments, err := Plan(highlights)
		if valid == 0 {
			require.Equal(t, apperr.KindNoValidSegments, apperr.KindOf(err))
			continue
		}
		require.NoError(t, err)
		require.Len(t, segments, valid)

		remapped := Remapped(segments)
		assert.Equal(t, 0.0, remapped[0].NewStart)
		for i, r := range remapped {
			if i > 0 {
				assert.Equal(t, remapped[i-1].NewEnd, r.NewStart, "iteration %d entry %d not contiguous", iter, i)
			}
			orig := highlights[segments[i].Source]
			assert.InDelta(t, orig.Duration(), r.NewEnd-r.NewStart, 0.0011)
			assert.GreaterOrEqual(t, r.NewEnd, r.NewStart)
		}
	}
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "0.000", FormatSeconds(0))
	assert.Equal(t, "12.500", FormatSeconds(12.5))
	assert.Equal(t, "3.333", FormatSeconds(10.0/3.0))
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"12", 12, false},
		{"12.5", 12.5, false},
		{"01:30", 90, false},
		{"1:02:03.5", 3723.5, false},
		{" 00:00:10 ", 10, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-3", 0, true},
		{"1:75", 0, true},
		{"1:2:3:4", 0, true},
		{"1.5:20", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

// Package timeline resolves where each synthesized narration segment lands
// on the video timeline.
//
// Beats are consumed in (start, id) order in a single forward pass. A segment
// starts at its beat's planned start unless the previous segment (plus its
// pause) is still playing, in which case it is pushed back. Pushed-back
// segments are reported as delays but never corrected.
package timeline

import (
	"fmt"
	"log"
	"math"

	"github.com/bobarin/narrator/internal/models"
)

// epsilon absorbs float noise when re-checking invariants.
const epsilon = 1e-9

// Delay records a segment that starts later than its visual cue.
type Delay struct {
	BeatID         int     `json:"beat_id"`
	PlannedStartS  float64 `json:"planned_start_s"`
	ResolvedStartS float64 `json:"resolved_start_s"`
	Seconds        float64 `json:"seconds"`
}

func (d Delay) String() string {
	return fmt.Sprintf("beat %d delayed %.2fs (planned %.2fs, resolved %.2fs)",
		d.BeatID, d.Seconds, d.PlannedStartS, d.ResolvedStartS)
}

type Schedule struct {
	Segments []models.AudioSegment `json:"segments"`
	Delays   []Delay               `json:"delays,omitempty"`
	// Silent lists beats that produced no segment: no narration, or synthesis
	// failed or was never attempted.
	Silent []int `json:"silent,omitempty"`
}

// Resolve places a segment for every beat that has narration and a
// successful synthesis result. results is keyed by beat ID; a missing entry is
// treated as a failed synthesis.
func Resolve(beats []models.Beat, results map[int]models.SynthesisResult) *Schedule {
	ordered := make([]models.Beat, len(beats))
	copy(ordered, beats)
	models.SortBeats(ordered)

	s := &Schedule{Segments: make([]models.AudioSegment, 0, len(ordered))}
	lastAudioEnd := 0.0

	for _, beat := range ordered {
		if !beat.HasNarration() {
			s.Silent = append(s.Silent, beat.ID)
			continue
		}
		result, ok := results[beat.ID]
		if !ok || !result.OK() {
			s.Silent = append(s.Silent, beat.ID)
			continue
		}

		idealStart := beat.StartS
		actualStart := math.Max(idealStart, lastAudioEnd)

		s.Segments = append(s.Segments, models.AudioSegment{
			BeatID:                beat.ID,
			AudioRef:              result.AudioRef,
			ActualDurationSeconds: result.DurationSeconds,
			PlannedStartS:         idealStart,
			ResolvedStartS:        actualStart,
			PauseAfterS:           beat.PauseAfterS,
			Text:                  beat.NarrationText,
		})

		if actualStart > idealStart {
			d := Delay{
				BeatID:         beat.ID,
				PlannedStartS:  idealStart,
				ResolvedStartS: actualStart,
				Seconds:        actualStart - idealStart,
			}
			s.Delays = append(s.Delays, d)
			log.Printf("[Scheduler] WARNING: %s", d)
		}

		lastAudioEnd = actualStart + result.DurationSeconds + beat.PauseAfterS
	}

	return s
}

// Validate re-checks the placement invariants: no segment starts before its
// cue, and each segment starts after the previous one and its pause ended.
// Non-finite times fail validation.
func (s *Schedule) Validate() error {
	for i, seg := range s.Segments {
		for _, v := range []float64{seg.PlannedStartS, seg.ResolvedStartS, seg.ActualDurationSeconds, seg.PauseAfterS} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("beat %d has a non-finite time", seg.BeatID)
			}
		}
		if seg.ResolvedStartS+epsilon < seg.PlannedStartS {
			return fmt.Errorf("beat %d resolved at %.3fs before planned %.3fs",
				seg.BeatID, seg.ResolvedStartS, seg.PlannedStartS)
		}
		if i == 0 {
			continue
		}
		prev := s.Segments[i-1]
		if seg.ResolvedStartS+epsilon < prev.End()+prev.PauseAfterS {
			return fmt.Errorf("beat %d at %.3fs overlaps beat %d ending at %.3fs",
				seg.BeatID, seg.ResolvedStartS, prev.BeatID, prev.End()+prev.PauseAfterS)
		}
	}
	return nil
}

// Track returns the narration track. Narration is never attenuated.
func (s *Schedule) Track() models.Track {
	return models.Track{Kind: models.TrackKindNarration, Segments: s.Segments, Gain: 1.0}
}

// Overrun reports how many seconds the last segment plays past the end of the
// video. Zero when everything fits.
func (s *Schedule) Overrun(videoDurationSeconds float64) float64 {
	if len(s.Segments) == 0 {
		return 0
	}
	end := s.Segments[len(s.Segments)-1].End()
	if end <= videoDurationSeconds {
		return 0
	}
	return end - videoDurationSeconds
}

// TotalDelay sums all reported delays.
func (s *Schedule) TotalDelay() float64 {
	total := 0.0
	for _, d := range s.Delays {
		total += d.Seconds
	}
	return total
}

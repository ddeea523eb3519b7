package timeline

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/bobarin/narrator/internal/models"
)

func ok(ref string, d float64) models.SynthesisResult {
	return models.SynthesisSuccess(ref, d)
}

func TestResolveOverlapScenario(t *testing.T) {
	beats := []models.Beat{
		{ID: 1, StartS: 0, EndS: 7, NarrationText: "first", PauseAfterS: 0.5},
		{ID: 2, StartS: 7, EndS: 13, NarrationText: "second"},
		{ID: 3, StartS: 13, EndS: 20, NarrationText: "third"},
	}
	results := map[int]models.SynthesisResult{
		1: ok("b1.mp3", 6.5),
		2: ok("b2.mp3", 8.0),
		3: ok("b3.mp3", 3.0),
	}

	s := Resolve(beats, results)

	if len(s.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(s.Segments))
	}
	wantStarts := []float64{0, 7.0, 15.0}
	for i, seg := range s.Segments {
		if math.Abs(seg.ResolvedStartS-wantStarts[i]) > 1e-9 {
			t.Errorf("segment %d: resolved start = %v, want %v", seg.BeatID, seg.ResolvedStartS, wantStarts[i])
		}
	}

	if len(s.Delays) != 1 {
		t.Fatalf("expected 1 delay, got %d", len(s.Delays))
	}
	if s.Delays[0].BeatID != 3 || math.Abs(s.Delays[0].Seconds-2.0) > 1e-9 {
		t.Errorf("unexpected delay %+v", s.Delays[0])
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestResolveSkipsFailedSynthesis(t *testing.T) {
	beats := []models.Beat{
		{ID: 1, StartS: 0, EndS: 7, NarrationText: "first"},
		{ID: 2, StartS: 7, EndS: 13, NarrationText: "second"},
		{ID: 3, StartS: 13, EndS: 20, NarrationText: "third"},
	}
	results := map[int]models.SynthesisResult{
		1: ok("b1.mp3", 5),
		2: models.SynthesisFailure(errors.New("rate limited")),
		3: ok("b3.mp3", 5),
	}

	s := Resolve(beats, results)

	if len(s.Segments) != 2 || s.Segments[0].BeatID != 1 || s.Segments[1].BeatID != 3 {
		t.Fatalf("expected segments for beats 1 and 3, got %+v", s.Segments)
	}
	if len(s.Silent) != 1 || s.Silent[0] != 2 {
		t.Errorf("expected beat 2 silent, got %v", s.Silent)
	}
	if s.Segments[1].ResolvedStartS != 13 {
		t.Errorf("beat 3 should keep its cue, got %v", s.Segments[1].ResolvedStartS)
	}
}

func TestResolveSkipsEmptyNarrationAndMissingResult(t *testing.T) {
	beats := []models.Beat{
		{ID: 1, StartS: 0, EndS: 1.2},
		{ID: 2, StartS: 1.2, EndS: 5, NarrationText: "no result"},
	}

	s := Resolve(beats, map[int]models.SynthesisResult{1: ok("stray.mp3", 1)})

	if len(s.Segments) != 0 {
		t.Fatalf("expected no segments, got %+v", s.Segments)
	}
	if len(s.Silent) != 2 {
		t.Errorf("expected both beats silent, got %v", s.Silent)
	}
}

func TestResolveOrdersByStartThenID(t *testing.T) {
	beats := []models.Beat{
		{ID: 5, StartS: 10, EndS: 12, NarrationText: "c"},
		{ID: 4, StartS: 0, EndS: 10, NarrationText: "b"},
		{ID: 2, StartS: 0, EndS: 0, NarrationText: "a"},
	}
	results := map[int]models.SynthesisResult{
		2: ok("a", 1), 4: ok("b", 1), 5: ok("c", 1),
	}

	s := Resolve(beats, results)

	want := []int{2, 4, 5}
	for i, id := range want {
		if s.Segments[i].BeatID != id {
			t.Fatalf("position %d: beat %d, want %d", i, s.Segments[i].BeatID, id)
		}
	}
	// beat 4 shares the cue with beat 2 and must wait for it
	if s.Segments[1].ResolvedStartS != 1 {
		t.Errorf("beat 4 resolved at %v, want 1", s.Segments[1].ResolvedStartS)
	}
}

func TestResolveInvariantsRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		var beats []models.Beat
		results := map[int]models.SynthesisResult{}
		cursor := 0.0
		for id := 1; id <= 12; id++ {
			length := 0.5 + rng.Float64()*8
			b := models.Beat{ID: id, StartS: cursor, EndS: cursor + length, PauseAfterS: rng.Float64()}
			if rng.Intn(5) > 0 {
				b.NarrationText = "words"
				if rng.Intn(6) == 0 {
					results[id] = models.SynthesisFailure(errors.New("boom"))
				} else {
					results[id] = ok("x", 0.3+rng.Float64()*10)
				}
			}
			beats = append(beats, b)
			cursor += length
		}
		rng.Shuffle(len(beats), func(i, j int) { beats[i], beats[j] = beats[j], beats[i] })

		s := Resolve(beats, results)
		if err := s.Validate(); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if len(s.Segments)+len(s.Silent) != len(beats) {
			t.Fatalf("run %d: %d segments + %d silent != %d beats", run, len(s.Segments), len(s.Silent), len(beats))
		}
	}
}

func TestValidateDetectsOverlap(t *testing.T) {
	s := &Schedule{Segments: []models.AudioSegment{
		{BeatID: 1, ResolvedStartS: 0, PlannedStartS: 0, ActualDurationSeconds: 5, PauseAfterS: 1},
		{BeatID: 2, ResolvedStartS: 5.5, PlannedStartS: 5, ActualDurationSeconds: 2},
	}}
	if err := s.Validate(); err == nil {
		t.Error("expected overlap error")
	}
}

func TestValidateRejectsNonFiniteTimes(t *testing.T) {
	beats := []models.Beat{
		{ID: 1, StartS: 0, EndS: 5, NarrationText: "one", PauseAfterS: math.NaN()},
		{ID: 2, StartS: 5, EndS: 10, NarrationText: "two"},
	}
	s := Resolve(beats, map[int]models.SynthesisResult{1: ok("a.mp3", 2), 2: ok("b.mp3", 2)})

	if err := s.Validate(); err == nil {
		t.Fatal("expected Validate to reject a NaN pause")
	}
}

func TestOverrunAndTrack(t *testing.T) {
	s := &Schedule{
		Segments: []models.AudioSegment{{BeatID: 1, ResolvedStartS: 18, ActualDurationSeconds: 4}},
		Delays:   []Delay{{Seconds: 1.5}, {Seconds: 0.5}},
	}
	if got := s.Overrun(20); got != 2 {
		t.Errorf("Overrun = %v, want 2", got)
	}
	if got := s.Overrun(30); got != 0 {
		t.Errorf("Overrun = %v, want 0", got)
	}
	if got := s.TotalDelay(); got != 2 {
		t.Errorf("TotalDelay = %v, want 2", got)
	}
	track := s.Track()
	if track.Kind != models.TrackKindNarration || track.Gain != 1.0 {
		t.Errorf("unexpected track %+v", track)
	}
}

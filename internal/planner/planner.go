// Package planner converts beat windows and a calibrated speech rate into
// per-beat word budgets for the narrative writer.
package planner

import (
	"log"
	"math"
	"strings"

	"github.com/bobarin/narrator/internal/models"
)

const (
	// DefaultSafetyFactor keeps budgets below nominal capacity; synthesized
	// speech rate varies around the calibrated mean by about 15%.
	DefaultSafetyFactor = 0.85

	// MinNarratedBeatSeconds is the shortest beat that receives narration.
	// Shorter cuts are left silent.
	MinNarratedBeatSeconds = 1.5
)

// Budget returns the maximum number of words that fit the beat's window.
// Non-finite windows or rates get no words.
func Budget(beat models.Beat, wps, safetyFactor float64) int {
	duration := beat.Duration()
	if !finite(duration) || !finite(wps) || !finite(safetyFactor) {
		return 0
	}
	if duration < MinNarratedBeatSeconds {
		return 0
	}
	if wps <= 0 || safetyFactor <= 0 {
		return 0
	}
	words := math.Floor(duration * wps * safetyFactor)
	if words < 0 {
		return 0
	}
	return int(words)
}

type Planner struct {
	safetyFactor float64
}

// New returns a planner using safetyFactor. A factor outside (0,1] is
// replaced by DefaultSafetyFactor and logged.
func New(safetyFactor float64) *Planner {
	if !(safetyFactor > 0 && safetyFactor <= 1) {
		log.Printf("[Planner] WARNING: safety factor %v outside (0,1], using %.2f", safetyFactor, DefaultSafetyFactor)
		safetyFactor = DefaultSafetyFactor
	}
	return &Planner{safetyFactor: safetyFactor}
}

func (p *Planner) SafetyFactor() float64 {
	return p.safetyFactor
}

// Plan returns a copy of beats with WordBudget populated. The input is not
// modified.
func (p *Planner) Plan(beats []models.Beat, wps float64) []models.Beat {
	planned := make([]models.Beat, len(beats))
	for i, b := range beats {
		b.WordBudget = Budget(b, wps, p.safetyFactor)
		planned[i] = b
	}
	return planned
}

// TotalBudget caps the word count of the whole narrative for a video.
func (p *Planner) TotalBudget(videoDurationSeconds, wps float64) int {
	if !finite(videoDurationSeconds) || !finite(wps) || videoDurationSeconds <= 0 || wps <= 0 {
		return 0
	}
	return int(math.Floor(videoDurationSeconds * wps * p.safetyFactor))
}

// EnforceBudget truncates the beat's narration to its word budget. A zero
// budget clears the text. The second return value reports whether anything
// was removed.
func EnforceBudget(beat models.Beat) (models.Beat, bool) {
	if beat.WordBudget <= 0 {
		if beat.HasNarration() {
			beat.NarrationText = ""
			return beat, true
		}
		beat.NarrationText = ""
		return beat, false
	}

	words := strings.Fields(beat.NarrationText)
	if len(words) <= beat.WordBudget {
		return beat, false
	}
	beat.NarrationText = strings.Join(words[:beat.WordBudget], " ")
	return beat, true
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

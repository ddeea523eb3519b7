package calibration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/bobarin/narrator/internal/models"
)

// DefaultFallbackWPS is used when a voice cannot be calibrated.
const DefaultFallbackWPS = 2.3

// calibrationTimeout bounds a shared calibration run, which outlives the
// cancellation of any single caller.
const calibrationTimeout = 2 * time.Minute

// ErrCalibrationFailed wraps every reason a calibration run produced no rate.
var ErrCalibrationFailed = errors.New("calibration failed")

var referenceTexts = map[string]string{
	"en": "This is a calibration test specifically designed to accurately measure the exact narration speed of this voice in English using a text of moderate length",
	"es": "Esta es una prueba de calibración diseñada específicamente para medir con precisión la velocidad exacta de narración de esta voz en español utilizando un texto de longitud moderada",
}

// ReferenceText returns the calibration sentence for a language. Languages
// without their own sentence use the Spanish one.
func ReferenceText(language string) string {
	if text, ok := referenceTexts[strings.ToLower(language)]; ok {
		return text
	}
	return referenceTexts["es"]
}

// Synthesizer is the subset of the speech gateway needed to calibrate.
type Synthesizer interface {
	Synthesize(ctx context.Context, req models.SynthesisRequest) models.SynthesisResult
}

type Calibrator struct {
	store       Store
	synth       Synthesizer
	workDir     string
	fallbackWPS float64
	group       *singleflight.Group
}

func NewCalibrator(store Store, synth Synthesizer, workDir string, fallbackWPS float64) *Calibrator {
	if fallbackWPS <= 0 {
		fallbackWPS = DefaultFallbackWPS
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Calibrator{store: store, synth: synth, workDir: workDir, fallbackWPS: fallbackWPS, group: &singleflight.Group{}}
}

// WithStore returns a calibrator sharing synth and settings but reading and
// writing through store. Used to put a job-scoped cache in front.
func (c *Calibrator) WithStore(store Store) *Calibrator {
	return &Calibrator{store: store, synth: c.synth, workDir: c.workDir, fallbackWPS: c.fallbackWPS, group: c.group}
}

func (c *Calibrator) FallbackWPS() float64 {
	return c.fallbackWPS
}

// Calibrate synthesizes the reference sentence, measures it, and persists the
// resulting rate. Concurrent calls for the same key share one run; a caller
// whose ctx ends stops waiting without cancelling the run for the others.
func (c *Calibrator) Calibrate(ctx context.Context, key models.CalibrationKey, settings models.VoiceSettings) (*models.CalibrationRecord, error) {
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), calibrationTimeout)
		defer cancel()
		return c.calibrate(runCtx, key, settings)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCalibrationFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.CalibrationRecord), nil
	}
}

func (c *Calibrator) calibrate(ctx context.Context, key models.CalibrationKey, settings models.VoiceSettings) (*models.CalibrationRecord, error) {
	text := ReferenceText(key.Language)
	words := len(strings.Fields(text))

	log.Printf("[Calibration] Calibrating %s (%d reference words)", key, words)

	outPath := filepath.Join(c.workDir, fmt.Sprintf("calibration_%s.mp3", uuid.New().String()))
	defer os.Remove(outPath)

	result := c.synth.Synthesize(ctx, models.SynthesisRequest{
		Text:       text,
		VoiceID:    key.VoiceID,
		Language:   key.Language,
		Settings:   settings,
		OutputPath: outPath,
	})
	if result.Err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibrationFailed, result.Err)
	}
	if result.DurationSeconds <= 0 {
		return nil, fmt.Errorf("%w: reference audio has zero duration", ErrCalibrationFailed)
	}
	if result.AudioRef != "" && result.AudioRef != outPath {
		defer os.Remove(result.AudioRef)
	}

	rec := &models.CalibrationRecord{
		VoiceID:               key.VoiceID,
		Language:              key.Language,
		Style:                 key.Style,
		WordsPerSecond:        float64(words) / result.DurationSeconds,
		SampleWordCount:       words,
		SampleDurationSeconds: result.DurationSeconds,
		UpdatedAt:             time.Now(),
	}

	log.Printf("[Calibration] %s: %.2f wps (%.2fs for %d words)", key, rec.WordsPerSecond, rec.SampleDurationSeconds, words)

	if err := c.store.Set(ctx, rec); err != nil {
		log.Printf("[Calibration] WARNING: failed to persist %s: %v", key, err)
	}
	return rec, nil
}

// Resolve returns the rate for key: the stored value if present, otherwise a
// fresh calibration, otherwise the fallback constant. It never fails.
func (c *Calibrator) Resolve(ctx context.Context, key models.CalibrationKey, settings models.VoiceSettings) (float64, models.WPSSource) {
	rec, err := c.store.Get(ctx, key)
	if err == nil && rec.WordsPerSecond > 0 {
		log.Printf("[Calibration] Using stored rate for %s: %.2f wps", key, rec.WordsPerSecond)
		return rec.WordsPerSecond, models.WPSSourceStore
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("[Calibration] WARNING: store lookup for %s failed: %v", key, err)
	}

	rec, err = c.Calibrate(ctx, key, settings)
	if err != nil {
		log.Printf("[Calibration] WARNING: %v, using fallback %.2f wps", err, c.fallbackWPS)
		return c.fallbackWPS, models.WPSSourceFallback
	}
	return rec.WordsPerSecond, models.WPSSourceCalibrated
}

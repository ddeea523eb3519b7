package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/narrator/internal/models"
)

type fakeSynth struct {
	mu       sync.Mutex
	duration float64
	err      error
	calls    int
	texts    []string
}

func (f *fakeSynth) Synthesize(ctx context.Context, req models.SynthesisRequest) models.SynthesisResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, req.Text)
	if f.err != nil {
		return models.SynthesisFailure(f.err)
	}
	if err := os.WriteFile(req.OutputPath, []byte("ID3"), 0644); err != nil {
		return models.SynthesisFailure(err)
	}
	return models.SynthesisSuccess(req.OutputPath, f.duration)
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, key models.CalibrationKey) (*models.CalibrationRecord, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) Set(ctx context.Context, rec *models.CalibrationRecord) error {
	return errors.New("connection refused")
}

var testKey = models.CalibrationKey{VoiceID: "voice1", Language: "en", Style: "documentary"}

func TestReferenceTextWordCounts(t *testing.T) {
	if n := len(strings.Fields(ReferenceText("en"))); n != 25 {
		t.Errorf("english reference has %d words, want 25", n)
	}
	if n := len(strings.Fields(ReferenceText("es"))); n != 28 {
		t.Errorf("spanish reference has %d words, want 28", n)
	}
	if ReferenceText("fr") != ReferenceText("es") {
		t.Error("unknown language should use the spanish reference")
	}
}

func TestCalibrateComputesWPS(t *testing.T) {
	synth := &fakeSynth{duration: 10}
	store := NewMemoryStore()
	dir := t.TempDir()
	c := NewCalibrator(store, synth, dir, 0)

	rec, err := c.Calibrate(context.Background(), testKey, models.VoiceSettingsForStyle("documentary"))
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	if math.Abs(rec.WordsPerSecond-2.5) > 1e-12 {
		t.Errorf("wps = %v, want 2.5", rec.WordsPerSecond)
	}
	if rec.SampleWordCount != 25 || rec.SampleDurationSeconds != 10 {
		t.Errorf("unexpected sample %+v", rec)
	}

	stored, err := store.Get(context.Background(), testKey)
	if err != nil || stored.WordsPerSecond != rec.WordsPerSecond {
		t.Errorf("record not persisted: %+v, %v", stored, err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("reference audio not cleaned up: %d files left", len(entries))
	}
}

func TestCalibrateFailures(t *testing.T) {
	tests := []struct {
		name  string
		synth *fakeSynth
	}{
		{"synthesis error", &fakeSynth{err: errors.New("401 unauthorized")}},
		{"zero duration", &fakeSynth{duration: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			c := NewCalibrator(store, tt.synth, t.TempDir(), 0)

			_, err := c.Calibrate(context.Background(), testKey, models.VoiceSettings{})
			if !errors.Is(err, ErrCalibrationFailed) {
				t.Fatalf("expected ErrCalibrationFailed, got %v", err)
			}
			if _, err := store.Get(context.Background(), testKey); !errors.Is(err, ErrNotFound) {
				t.Error("failed calibration must not be persisted")
			}
		})
	}
}

func TestResolveUsesStoredRate(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Set(context.Background(), &models.CalibrationRecord{VoiceID: "voice1", Language: "en", Style: "documentary", WordsPerSecond: 2.9})
	synth := &fakeSynth{duration: 10}

	wps, source := NewCalibrator(store, synth, t.TempDir(), 0).Resolve(context.Background(), testKey, models.VoiceSettings{})

	if wps != 2.9 || source != models.WPSSourceStore {
		t.Errorf("Resolve = (%v, %v), want (2.9, store)", wps, source)
	}
	if synth.calls != 0 {
		t.Errorf("stored rate should not trigger synthesis")
	}
}

func TestResolveCalibratesOnMiss(t *testing.T) {
	synth := &fakeSynth{duration: 12.5}
	wps, source := NewCalibrator(NewMemoryStore(), synth, t.TempDir(), 0).Resolve(context.Background(), testKey, models.VoiceSettings{})

	if math.Abs(wps-2.0) > 1e-12 || source != models.WPSSourceCalibrated {
		t.Errorf("Resolve = (%v, %v), want (2.0, calibrated)", wps, source)
	}
}

func TestResolveFallsBack(t *testing.T) {
	store := NewMemoryStore()
	synth := &fakeSynth{err: errors.New("quota exceeded")}

	wps, source := NewCalibrator(store, synth, t.TempDir(), 0).Resolve(context.Background(), testKey, models.VoiceSettings{})

	if wps != DefaultFallbackWPS || source != models.WPSSourceFallback {
		t.Errorf("Resolve = (%v, %v), want (%v, fallback)", wps, source, DefaultFallbackWPS)
	}
	if _, err := store.Get(context.Background(), testKey); !errors.Is(err, ErrNotFound) {
		t.Error("fallback rate must not be persisted")
	}
}

func TestResolveSurvivesBrokenStore(t *testing.T) {
	synth := &fakeSynth{duration: 10}
	wps, source := NewCalibrator(failingStore{}, synth, t.TempDir(), 3.1).Resolve(context.Background(), testKey, models.VoiceSettings{})

	if wps != 2.5 || source != models.WPSSourceCalibrated {
		t.Errorf("Resolve = (%v, %v), want (2.5, calibrated)", wps, source)
	}
}

func TestFileStoreFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "voice_calibration.json")
	store := NewFileStore(path)
	ctx := context.Background()

	if _, err := store.Get(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on missing file, got %v", err)
	}

	rec := &models.CalibrationRecord{VoiceID: "voice1", Language: "en", Style: "documentary", WordsPerSecond: 2.5, SampleWordCount: 25, SampleDurationSeconds: 10}
	if err := store.Set(ctx, rec); err != nil {
		t.Fatalf("Set: %v", err)
	}
	other := &models.CalibrationRecord{VoiceID: "voice2", Language: "es", Style: "viral", WordsPerSecond: 3}
	if err := store.Set(ctx, other); err != nil {
		t.Fatalf("Set: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("document is not JSON: %v", err)
	}
	entry, ok := doc["voice1_en_documentary"]
	if !ok || entry["wps"] != 2.5 || entry["word_count"] != float64(25) || entry["duration"] != float64(10) {
		t.Errorf("unexpected entry %v", entry)
	}
	if len(doc) != 2 {
		t.Errorf("expected 2 entries, got %d", len(doc))
	}

	got, err := store.Get(ctx, testKey)
	if err != nil || got.WordsPerSecond != 2.5 {
		t.Errorf("Get = %+v, %v", got, err)
	}
}

type countingStore struct {
	*MemoryStore
	gets int
}

func (s *countingStore) Get(ctx context.Context, key models.CalibrationKey) (*models.CalibrationRecord, error) {
	s.gets++
	return s.MemoryStore.Get(ctx, key)
}

func TestJobCacheReadsOnce(t *testing.T) {
	backing := &countingStore{MemoryStore: NewMemoryStore()}
	_ = backing.Set(context.Background(), &models.CalibrationRecord{VoiceID: "voice1", Language: "en", Style: "documentary", WordsPerSecond: 2.2})
	cache := NewJobCache(backing)

	for i := 0; i < 5; i++ {
		rec, err := cache.Get(context.Background(), testKey)
		if err != nil || rec.WordsPerSecond != 2.2 {
			t.Fatalf("Get = %+v, %v", rec, err)
		}
	}
	if backing.gets != 1 {
		t.Errorf("backing store read %d times, want 1", backing.gets)
	}
}

func TestWithStoreSharesSynth(t *testing.T) {
	synth := &fakeSynth{duration: 10}
	base := NewCalibrator(NewMemoryStore(), synth, t.TempDir(), 2.0)
	cache := NewJobCache(NewMemoryStore())

	wps, _ := base.WithStore(cache).Resolve(context.Background(), testKey, models.VoiceSettings{})
	if wps != 2.5 {
		t.Fatalf("wps = %v, want 2.5", wps)
	}
	if _, err := cache.Get(context.Background(), testKey); err != nil {
		t.Errorf("calibration not written through job cache: %v", err)
	}
	if base.WithStore(cache).FallbackWPS() != 2.0 {
		t.Error("fallback not carried over")
	}
}

// gatedSynth blocks every call until release is closed.
type gatedSynth struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (g *gatedSynth) Synthesize(ctx context.Context, req models.SynthesisRequest) models.SynthesisResult {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	select {
	case g.started <- struct{}{}:
	default:
	}

	select {
	case <-g.release:
	case <-ctx.Done():
		return models.SynthesisFailure(ctx.Err())
	}
	if err := os.WriteFile(req.OutputPath, []byte("ID3"), 0644); err != nil {
		return models.SynthesisFailure(err)
	}
	return models.SynthesisSuccess(req.OutputPath, 10)
}

func TestCalibrateCancelledCallerDoesNotFailOthers(t *testing.T) {
	synth := &gatedSynth{started: make(chan struct{}, 1), release: make(chan struct{})}
	store := NewMemoryStore()
	c := NewCalibrator(store, synth, t.TempDir(), 0)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.WithStore(NewJobCache(store)).Calibrate(ctxA, testKey, models.VoiceSettings{})
		errA <- err
	}()

	select {
	case <-synth.started:
	case <-time.After(2 * time.Second):
		t.Fatal("calibration never started")
	}
	cancelA()

	if err := <-errA; !errors.Is(err, ErrCalibrationFailed) {
		t.Fatalf("cancelled caller: expected ErrCalibrationFailed, got %v", err)
	}

	type outcome struct {
		wps    float64
		source models.WPSSource
	}
	doneB := make(chan outcome, 1)
	go func() {
		wps, source := c.WithStore(NewJobCache(store)).Resolve(context.Background(), testKey, models.VoiceSettings{})
		doneB <- outcome{wps, source}
	}()

	time.Sleep(20 * time.Millisecond)
	close(synth.release)

	select {
	case got := <-doneB:
		if got.source != models.WPSSourceCalibrated && got.source != models.WPSSourceStore {
			t.Fatalf("second job source = %v, want a calibrated rate", got.source)
		}
		if math.Abs(got.wps-2.5) > 1e-12 {
			t.Errorf("second job wps = %v, want 2.5", got.wps)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second job never resolved")
	}

	rec, err := store.Get(context.Background(), testKey)
	if err != nil || rec.WordsPerSecond != 2.5 {
		t.Errorf("shared run not persisted: %+v, %v", rec, err)
	}
}

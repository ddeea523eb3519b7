package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/narrator/internal/calibration"
	"github.com/bobarin/narrator/internal/mixer"
	"github.com/bobarin/narrator/internal/models"
	"github.com/bobarin/narrator/internal/services"
)

const (
	testRate     = 10
	testChannels = 1
)

type fakeMedia struct {
	base     string
	duration float64
	probeErr error
	muxErr   error
	hasAudio bool

	mu       sync.Mutex
	muxes    []services.MuxRequest
	pcmBytes int
	jobDirs  []string
	cleaned  []string
}

func (m *fakeMedia) ProbeDuration(ctx context.Context, path string) (float64, error) {
	return m.duration, m.probeErr
}

func (m *fakeMedia) HasAudioStream(ctx context.Context, path string) (bool, error) {
	return m.hasAudio, nil
}

func (m *fakeMedia) Mux(ctx context.Context, req services.MuxRequest) error {
	if m.muxErr != nil {
		return m.muxErr
	}
	data, err := os.ReadFile(req.MasterPCMPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muxes = append(m.muxes, req)
	m.pcmBytes = len(data)
	return os.WriteFile(req.OutputPath, []byte("mp4"), 0644)
}

func (m *fakeMedia) NewJobDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp(m.base, prefix+"-")
	if err == nil {
		m.jobDirs = append(m.jobDirs, dir)
	}
	return dir, err
}

func (m *fakeMedia) Cleanup(paths ...string) {
	for _, p := range paths {
		os.RemoveAll(p)
		m.cleaned = append(m.cleaned, p)
	}
}

// fakeSynth produces one second of audio per word and fails any text
// containing "fail".
type fakeSynth struct {
	mu          sync.Mutex
	texts       map[int]string
	inFlight    int
	maxInFlight int
	delay       time.Duration
}

func (s *fakeSynth) Synthesize(ctx context.Context, req models.SynthesisRequest) models.SynthesisResult {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	if s.texts == nil {
		s.texts = map[int]string{}
	}
	s.texts[len(s.texts)] = req.Text
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if strings.Contains(req.Text, "fail") {
		return models.SynthesisFailure(errors.New("provider rejected text"))
	}
	if err := os.WriteFile(req.OutputPath, []byte("ID3"), 0644); err != nil {
		return models.SynthesisFailure(err)
	}
	return models.SynthesisSuccess(req.OutputPath, float64(len(strings.Fields(req.Text))))
}

func (s *fakeSynth) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

// fakeDecoder returns one second of constant signal for any file.
type fakeDecoder struct{}

func (fakeDecoder) DecodePCM(ctx context.Context, path string, sampleRate, channels int) ([]int16, error) {
	s := make([]int16, sampleRate*channels)
	for i := range s {
		s[i] = 1000
	}
	return s, nil
}

type fakeTracks map[string]models.BackgroundTrack

func (f fakeTracks) Lookup(id string) (models.BackgroundTrack, error) {
	t, ok := f[id]
	if !ok {
		return models.BackgroundTrack{}, errors.New("background track not found")
	}
	return t, nil
}

type fakeSegmenter struct{ beats []models.Beat }

func (f fakeSegmenter) SegmentVideo(ctx context.Context, videoPath string, durationSeconds float64) ([]models.Beat, error) {
	return f.beats, nil
}

type fakeWriter struct {
	out map[int]services.BeatNarration
	err error
}

func (f fakeWriter) WriteNarration(ctx context.Context, brief services.NarrationBrief) (map[int]services.BeatNarration, error) {
	return f.out, f.err
}

type testEnv struct {
	engine *Engine
	media  *fakeMedia
	synth  *fakeSynth
	dir    string
	video  string
}

func newTestEnv(t *testing.T, duration float64, concurrency int) *testEnv {
	t.Helper()
	dir := t.TempDir()

	video := filepath.Join(dir, "source.mp4")
	if err := os.WriteFile(video, []byte("video"), 0644); err != nil {
		t.Fatal(err)
	}

	store := calibration.NewMemoryStore()
	if err := store.Set(context.Background(), &models.CalibrationRecord{
		VoiceID: "voice1", Language: "en", Style: "documentary", WordsPerSecond: 2.0,
	}); err != nil {
		t.Fatal(err)
	}

	media := &fakeMedia{base: dir, duration: duration, hasAudio: true}
	synth := &fakeSynth{}
	cal := calibration.NewCalibrator(store, synth, dir, 2.3)

	engine := New(media, synth, cal, store, mixer.New(fakeDecoder{}, testRate, testChannels), Options{
		SafetyFactor:         0.85,
		SynthesisConcurrency: concurrency,
		SampleRate:           testRate,
		Channels:             testChannels,
	})

	return &testEnv{engine: engine, media: media, synth: synth, dir: dir, video: video}
}

func (e *testEnv) request(beats []models.Beat) Request {
	return Request{
		JobID:      "test",
		VideoPath:  e.video,
		OutputPath: filepath.Join(e.dir, "out.mp4"),
		VoiceID:    "voice1",
		Language:   "en",
		Style:      "documentary",
		Beats:      beats,
	}
}

func TestRunEndToEnd(t *testing.T) {
	env := newTestEnv(t, 20, 3)

	musicPath := filepath.Join(env.dir, "calm.mp3")
	if err := os.WriteFile(musicPath, []byte("ID3"), 0644); err != nil {
		t.Fatal(err)
	}
	env.engine.Tracks = fakeTracks{"calm": {ID: "calm", Path: musicPath}}

	req := env.request([]models.Beat{
		{ID: 3, StartS: 8, EndS: 15, NarrationText: "a b c d e f g h i j k l m n o p"},
		{ID: 1, StartS: 0, EndS: 7, NarrationText: "one two three four five six seven eight nine ten"},
		{ID: 2, StartS: 7, EndS: 8, NarrationText: "too short"},
		{ID: 4, StartS: 15, EndS: 20, NarrationText: "please fail"},
	})
	req.OriginalGain = 0.3
	req.BackgroundTrackID = "calm"
	req.BackgroundGain = 0.1

	res, err := env.engine.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.WordsPerSecond != 2.0 || res.WPSSource != models.WPSSourceStore {
		t.Errorf("wps = %v (%s), want stored 2.0", res.WordsPerSecond, res.WPSSource)
	}

	// 7s * 2.0 * 0.85 = 11.9 -> 11 words
	if got := len(strings.Fields(res.Beats[2].NarrationText)); got != 11 {
		t.Errorf("beat 3 has %d words after budget enforcement, want 11", got)
	}
	if res.Beats[1].WordBudget != 0 || res.Beats[1].NarrationText != "" {
		t.Errorf("micro beat should be cleared, got %+v", res.Beats[1])
	}

	if len(res.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %+v", res.Segments)
	}
	if res.Segments[0].BeatID != 1 || res.Segments[0].ResolvedStartS != 0 {
		t.Errorf("unexpected first segment %+v", res.Segments[0])
	}
	if res.Segments[1].BeatID != 3 || res.Segments[1].ResolvedStartS != 10 {
		t.Errorf("beat 3 should be pushed to 10s, got %+v", res.Segments[1])
	}
	if len(res.Delays) != 1 || res.Delays[0].Seconds != 2 {
		t.Errorf("unexpected delays %+v", res.Delays)
	}
	if len(res.SilentBeats) != 2 || res.SilentBeats[0] != 2 || res.SilentBeats[1] != 4 {
		t.Errorf("silent beats = %v, want [2 4]", res.SilentBeats)
	}

	if !res.Mix.OriginalIncluded || !res.Mix.BackgroundIncluded {
		t.Errorf("expected original and background layers, got %+v", res.Mix)
	}

	var sawFailure, sawOverrun bool
	for _, w := range res.Warnings {
		if strings.Contains(w, "beat 4 synthesis failed") {
			sawFailure = true
		}
		if strings.Contains(w, "past the end of the video") {
			sawOverrun = true
		}
	}
	if !sawFailure || !sawOverrun {
		t.Errorf("missing warnings: %v", res.Warnings)
	}

	if len(env.media.muxes) != 1 {
		t.Fatalf("expected one mux, got %d", len(env.media.muxes))
	}
	mux := env.media.muxes[0]
	if mux.DurationSeconds != 20 || mux.SampleRate != testRate || mux.SubtitlePath != "" {
		t.Errorf("unexpected mux request %+v", mux)
	}
	if env.media.pcmBytes != 20*testRate*testChannels*2 {
		t.Errorf("master is %d bytes, want exactly the video duration", env.media.pcmBytes)
	}

	for _, dir := range env.media.jobDirs {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("job dir %s not cleaned up", dir)
		}
	}
}

func TestRunCleansUpOnMuxFailure(t *testing.T) {
	env := newTestEnv(t, 10, 2)
	env.media.muxErr = errors.New("ffmpeg exited with status 1")

	_, err := env.engine.Run(context.Background(), env.request([]models.Beat{
		{ID: 1, StartS: 0, EndS: 5, NarrationText: "one two three"},
		{ID: 2, StartS: 5, EndS: 10, NarrationText: "four five"},
	}))
	if !errors.Is(err, env.media.muxErr) {
		t.Fatalf("expected mux error, got %v", err)
	}
	if env.synth.calls() == 0 {
		t.Fatal("expected segments to be synthesized before the mux")
	}

	if len(env.media.jobDirs) == 0 {
		t.Fatal("expected a job dir to be created")
	}
	for _, dir := range env.media.jobDirs {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("job dir %s not cleaned up after failure", dir)
		}
	}
}

func TestRunProbeFailure(t *testing.T) {
	env := newTestEnv(t, 0, 1)
	env.media.probeErr = errors.New("moov atom not found")

	_, err := env.engine.Run(context.Background(), env.request([]models.Beat{{ID: 1, StartS: 0, EndS: 5, NarrationText: "hi"}}))
	if !errors.Is(err, ErrVideoProbe) {
		t.Fatalf("expected ErrVideoProbe, got %v", err)
	}
	if env.synth.calls() != 0 {
		t.Error("nothing should be synthesized after a failed probe")
	}
}

func TestRunInvalidPlan(t *testing.T) {
	env := newTestEnv(t, 20, 1)

	tests := []struct {
		name  string
		beats []models.Beat
	}{
		{"overlap", []models.Beat{{ID: 1, StartS: 0, EndS: 8}, {ID: 2, StartS: 7, EndS: 12}}},
		{"no beats without segmenter", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Run(context.Background(), env.request(tt.beats))
			if !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("expected ErrInvalidPlan, got %v", err)
			}
		})
	}
	if len(env.media.muxes) != 0 {
		t.Error("invalid plans must not produce output")
	}
}

func TestRunSegmentsAndScriptsWhenBeatsMissing(t *testing.T) {
	env := newTestEnv(t, 10, 2)
	env.engine.Segmenter = fakeSegmenter{beats: []models.Beat{
		{ID: 1, StartS: 0, EndS: 5, VisualSummary: "sunrise"},
		{ID: 2, StartS: 5, EndS: 10, VisualSummary: "city"},
	}}
	env.engine.Writer = fakeWriter{out: map[int]services.BeatNarration{
		1: {ID: 1, Narration: "the sun rises", PauseAfterS: 0.5},
		2: {ID: 2, Narration: "the city wakes"},
	}}

	res, err := env.engine.Run(context.Background(), env.request(nil))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %+v", res.Segments)
	}
	if res.Beats[0].NarrationText != "the sun rises" || res.Beats[0].PauseAfterS != 0.5 {
		t.Errorf("writer output not applied: %+v", res.Beats[0])
	}
	// beat 1 ends at 3s + 0.5s pause, beat 2 starts on cue at 5s
	if res.Segments[1].ResolvedStartS != 5 || len(res.Delays) != 0 {
		t.Errorf("unexpected placement %+v delays %+v", res.Segments, res.Delays)
	}
}

func TestRunWriterFailureLeavesSilence(t *testing.T) {
	env := newTestEnv(t, 10, 2)
	env.engine.Writer = fakeWriter{err: errors.New("rate limited")}

	res, err := env.engine.Run(context.Background(), env.request([]models.Beat{
		{ID: 1, StartS: 0, EndS: 5},
		{ID: 2, StartS: 5, EndS: 10},
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Segments) != 0 || len(res.SilentBeats) != 2 {
		t.Errorf("expected an all-silent narration track, got %+v", res.Segments)
	}
	if env.synth.calls() != 0 {
		t.Errorf("nothing to synthesize, got %d calls", env.synth.calls())
	}
	if len(env.media.muxes) != 1 {
		t.Error("video should still be produced")
	}
}

func TestRunBoundsSynthesisConcurrency(t *testing.T) {
	env := newTestEnv(t, 60, 2)
	env.synth.delay = 20 * time.Millisecond

	var beats []models.Beat
	for i := 0; i < 6; i++ {
		beats = append(beats, models.Beat{ID: i + 1, StartS: float64(i * 10), EndS: float64(i*10 + 10), NarrationText: "hello there"})
	}

	res, err := env.engine.Run(context.Background(), env.request(beats))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Segments) != 6 {
		t.Errorf("expected 6 segments, got %d", len(res.Segments))
	}
	if env.synth.maxInFlight > 2 {
		t.Errorf("max concurrent syntheses = %d, want <= 2", env.synth.maxInFlight)
	}
}

func TestRunWithoutSourceAudio(t *testing.T) {
	env := newTestEnv(t, 10, 1)
	env.media.hasAudio = false

	req := env.request([]models.Beat{{ID: 1, StartS: 0, EndS: 10, NarrationText: "hello"}})
	req.OriginalGain = 0.3
	req.SubtitlesPath = filepath.Join(env.dir, "out.ass")

	res, err := env.engine.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Mix.OriginalIncluded {
		t.Error("original layer should be omitted")
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning for the missing audio stream")
	}

	if res.SubtitlesPath != req.SubtitlesPath || env.media.muxes[0].SubtitlePath != req.SubtitlesPath {
		t.Errorf("subtitles not muxed: %q", res.SubtitlesPath)
	}
	if _, err := os.Stat(req.SubtitlesPath); err != nil {
		t.Errorf("subtitle sidecar missing: %v", err)
	}
}

func TestSubtitlesPathFor(t *testing.T) {
	if got := SubtitlesPathFor("/out/job.mp4"); got != "/out/job.ass" {
		t.Errorf("SubtitlesPathFor = %q", got)
	}
}

// Package pipeline runs one narration job end to end: probe the source video,
// resolve the voice's speaking rate, budget and synthesize each beat, place the
// segments on the timeline, mix the master track and mux it into the video.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bobarin/narrator/internal/calibration"
	"github.com/bobarin/narrator/internal/mixer"
	"github.com/bobarin/narrator/internal/models"
	"github.com/bobarin/narrator/internal/planner"
	"github.com/bobarin/narrator/internal/services"
	"github.com/bobarin/narrator/internal/timeline"
)

var (
	// ErrVideoProbe means the source video's duration could not be read.
	ErrVideoProbe = errors.New("video probe failed")
	// ErrInvalidPlan means the beat plan is unusable.
	ErrInvalidPlan = errors.New("invalid beat plan")
)

// MediaTools is the ffmpeg side of the pipeline.
type MediaTools interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	HasAudioStream(ctx context.Context, path string) (bool, error)
	Mux(ctx context.Context, req services.MuxRequest) error
	NewJobDir(prefix string) (string, error)
	Cleanup(paths ...string)
}

// Segmenter splits a video into visual beats when a job brings none.
type Segmenter interface {
	SegmentVideo(ctx context.Context, videoPath string, durationSeconds float64) ([]models.Beat, error)
}

// NarrativeWriter scripts narration for beats that have a budget but no text.
type NarrativeWriter interface {
	WriteNarration(ctx context.Context, brief services.NarrationBrief) (map[int]services.BeatNarration, error)
}

// Transcriber returns word timings for a synthesized segment.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, audioData []byte, language string) ([]services.WordTimestamp, error)
}

// TrackLookup resolves background music IDs.
type TrackLookup interface {
	Lookup(id string) (models.BackgroundTrack, error)
}

var (
	_ MediaTools      = (*services.FFmpegService)(nil)
	_ Segmenter       = (*services.GeminiService)(nil)
	_ NarrativeWriter = (*services.OpenAIService)(nil)
	_ Transcriber     = (*services.OpenAIService)(nil)
)

type Options struct {
	SafetyFactor         float64
	SynthesisConcurrency int
	SampleRate           int
	Channels             int
}

type Engine struct {
	media      MediaTools
	synth      services.Synthesizer
	calibrator *calibration.Calibrator
	store      calibration.Store
	mixer      *mixer.Mixer
	planner    *planner.Planner
	opts       Options

	// Optional collaborators; nil disables the feature.
	Segmenter   Segmenter
	Writer      NarrativeWriter
	Transcriber Transcriber
	Tracks      TrackLookup
}

func New(
	media MediaTools,
	synth services.Synthesizer,
	calibrator *calibration.Calibrator,
	store calibration.Store,
	mix *mixer.Mixer,
	opts Options,
) *Engine {
	if opts.SynthesisConcurrency < 1 {
		opts.SynthesisConcurrency = 1
	}
	return &Engine{
		media:      media,
		synth:      synth,
		calibrator: calibrator,
		store:      store,
		mixer:      mix,
		planner:    planner.New(opts.SafetyFactor),
		opts:       opts,
	}
}

// Request describes one narration job.
type Request struct {
	JobID     string // log prefix only
	VideoPath string
	// OutputPath receives the final video. SubtitlesPath, when set, receives
	// an ASS sidecar which is also muxed as a soft subtitle track.
	OutputPath    string
	SubtitlesPath string

	VoiceID  string
	Language string
	Style    string
	Topic    string
	Settings *models.VoiceSettings // nil = defaults for Style

	Beats []models.Beat

	OriginalGain      float64
	BackgroundTrackID string
	BackgroundGain    float64
}

// Result summarizes a finished job. Segment audio refs point into the job's
// scratch directory and are gone once Run returns.
type Result struct {
	OutputPath           string                `json:"output_path"`
	SubtitlesPath        string                `json:"subtitles_path,omitempty"`
	VideoDurationSeconds float64               `json:"video_duration_seconds"`
	WordsPerSecond       float64               `json:"words_per_second"`
	WPSSource            models.WPSSource      `json:"wps_source"`
	Beats                []models.Beat         `json:"beats"`
	Segments             []models.AudioSegment `json:"segments"`
	Delays               []timeline.Delay      `json:"delays,omitempty"`
	SilentBeats          []int                 `json:"silent_beats,omitempty"`
	Warnings             []string              `json:"warnings,omitempty"`
	Mix                  *mixer.Report         `json:"mix"`
}

func (r *Result) warn(jobID, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[Pipeline] %s: WARNING: %s", jobID, msg)
	r.Warnings = append(r.Warnings, msg)
}

// Run executes the job. Only a failed video probe, an invalid plan, a failed
// mix or mux, or cancellation are errors; everything else degrades to
// silence and is reported in Result.Warnings.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if req.OutputPath == "" {
		return nil, fmt.Errorf("output path is required")
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = filepath.Base(req.VideoPath)
	}

	duration, err := e.media.ProbeDuration(ctx, req.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVideoProbe, err)
	}
	log.Printf("[Pipeline] %s: source video %.2fs", jobID, duration)

	res := &Result{OutputPath: req.OutputPath, VideoDurationSeconds: duration}

	beats, err := e.prepareBeats(ctx, req, duration)
	if err != nil {
		return nil, err
	}

	workDir, err := e.media.NewJobDir("narrate")
	if err != nil {
		return nil, err
	}
	defer e.media.Cleanup(workDir)

	settings := models.VoiceSettingsForStyle(req.Style)
	if req.Settings != nil {
		settings = *req.Settings
	}

	key := models.CalibrationKey{VoiceID: req.VoiceID, Language: req.Language, Style: req.Style}
	res.WordsPerSecond, res.WPSSource = e.calibrator.WithStore(calibration.NewJobCache(e.store)).Resolve(ctx, key, settings)
	if res.WPSSource == models.WPSSourceFallback {
		res.warn(jobID, "voice %s could not be calibrated, using %.2f words/s", key, res.WordsPerSecond)
	}

	beats = e.planner.Plan(beats, res.WordsPerSecond)
	beats = e.fillNarration(ctx, jobID, req, beats, res)
	for i := range beats {
		var truncated bool
		beats[i], truncated = planner.EnforceBudget(beats[i])
		if truncated {
			log.Printf("[Pipeline] %s: beat %d narration cut to %d words", jobID, beats[i].ID, beats[i].WordBudget)
		}
	}
	res.Beats = beats

	results, err := e.synthesizeAll(ctx, jobID, req, settings, beats, workDir, res)
	if err != nil {
		return nil, err
	}

	schedule := timeline.Resolve(beats, results)
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("timeline invariant violated: %w", err)
	}
	for _, d := range schedule.Delays {
		log.Printf("[Pipeline] %s: %s", jobID, d)
	}
	if over := schedule.Overrun(duration); over > 0 {
		res.warn(jobID, "narration runs %.2fs past the end of the video and will be cut", over)
	}
	res.Segments = schedule.Segments
	res.Delays = schedule.Delays
	res.SilentBeats = schedule.Silent

	masterPath := filepath.Join(workDir, "master.pcm")
	if err := e.mix(ctx, jobID, req, duration, schedule, masterPath, res); err != nil {
		return nil, err
	}

	subtitles := e.buildSubtitles(ctx, jobID, req, schedule.Segments, res)

	if err := e.media.Mux(ctx, services.MuxRequest{
		VideoPath:       req.VideoPath,
		MasterPCMPath:   masterPath,
		SampleRate:      e.opts.SampleRate,
		Channels:        e.opts.Channels,
		DurationSeconds: duration,
		SubtitlePath:    subtitles,
		OutputPath:      req.OutputPath,
	}); err != nil {
		return nil, fmt.Errorf("failed to mux video: %w", err)
	}
	res.SubtitlesPath = subtitles

	log.Printf("[Pipeline] %s: done, %d segments placed, %d silent beats, %d delays, total delay %.2fs",
		jobID, len(res.Segments), len(res.SilentBeats), len(res.Delays), schedule.TotalDelay())

	return res, nil
}

func (e *Engine) prepareBeats(ctx context.Context, req Request, duration float64) ([]models.Beat, error) {
	beats := make([]models.Beat, len(req.Beats))
	copy(beats, req.Beats)

	if len(beats) == 0 {
		if e.Segmenter == nil {
			return nil, fmt.Errorf("%w: no beats and no segmenter configured", ErrInvalidPlan)
		}
		segmented, err := e.Segmenter.SegmentVideo(ctx, req.VideoPath, duration)
		if err != nil {
			return nil, fmt.Errorf("failed to segment video: %w", err)
		}
		beats = segmented
	}

	models.SortBeats(beats)
	if err := models.ValidateBeats(beats); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return beats, nil
}

// fillNarration asks the writer for text of budgeted beats that have none.
// Beats the writer skips stay silent.
func (e *Engine) fillNarration(ctx context.Context, jobID string, req Request, beats []models.Beat, res *Result) []models.Beat {
	if e.Writer == nil {
		return beats
	}

	missing := 0
	for _, b := range beats {
		if b.WordBudget > 0 && !b.HasNarration() {
			missing++
		}
	}
	if missing == 0 {
		return beats
	}

	log.Printf("[Pipeline] %s: scripting narration for %d beats", jobID, missing)
	written, err := e.Writer.WriteNarration(ctx, services.NarrationBrief{
		Topic:          req.Topic,
		Style:          req.Style,
		Language:       req.Language,
		WordsPerSecond: res.WordsPerSecond,
		TotalBudget:    e.planner.TotalBudget(res.VideoDurationSeconds, res.WordsPerSecond),
		Beats:          beats,
	})
	if err != nil {
		res.warn(jobID, "narration writer failed, %d beats stay silent: %v", missing, err)
		return beats
	}

	for i, b := range beats {
		if b.WordBudget == 0 || b.HasNarration() {
			continue
		}
		n, ok := written[b.ID]
		if !ok {
			continue
		}
		beats[i].NarrationText = n.Narration
		if beats[i].PauseAfterS == 0 {
			beats[i].PauseAfterS = n.PauseAfterS
		}
	}
	return beats
}

// synthesizeAll runs one synthesis per narrated beat, at most
// SynthesisConcurrency at a time. Failures are recorded per beat.
func (e *Engine) synthesizeAll(ctx context.Context, jobID string, req Request, settings models.VoiceSettings, beats []models.Beat, workDir string, res *Result) (map[int]models.SynthesisResult, error) {
	var (
		mu      sync.Mutex
		results = make(map[int]models.SynthesisResult, len(beats))
		sem     = semaphore.NewWeighted(int64(e.opts.SynthesisConcurrency))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, beat := range beats {
		if !beat.HasNarration() {
			continue
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			result := e.synth.Synthesize(gctx, models.SynthesisRequest{
				Text:       beat.NarrationText,
				VoiceID:    req.VoiceID,
				Language:   req.Language,
				Settings:   settings,
				OutputPath: filepath.Join(workDir, fmt.Sprintf("beat_%d.mp3", beat.ID)),
			})

			mu.Lock()
			results[beat.ID] = result
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("synthesis cancelled: %w", err)
	}

	for _, beat := range beats {
		r, ok := results[beat.ID]
		if ok && !r.OK() {
			res.warn(jobID, "beat %d synthesis failed, leaving it silent: %v", beat.ID, r.Err)
		}
	}
	return results, nil
}

func (e *Engine) mix(ctx context.Context, jobID string, req Request, duration float64, schedule *timeline.Schedule, masterPath string, res *Result) error {
	tl := models.Timeline{VideoDurationSeconds: duration}

	if req.OriginalGain > 0 {
		hasAudio, err := e.media.HasAudioStream(ctx, req.VideoPath)
		switch {
		case err != nil:
			res.warn(jobID, "could not inspect source audio, original track omitted: %v", err)
		case !hasAudio:
			res.warn(jobID, "source video has no audio stream, original track omitted")
		default:
			tl.Tracks = append(tl.Tracks, models.Track{Kind: models.TrackKindOriginal, Source: req.VideoPath, Gain: req.OriginalGain})
		}
	}

	if req.BackgroundTrackID != "" && req.BackgroundGain > 0 {
		if e.Tracks == nil {
			res.warn(jobID, "background track %q requested but no music catalog is configured", req.BackgroundTrackID)
		} else if track, err := e.Tracks.Lookup(req.BackgroundTrackID); err != nil {
			res.warn(jobID, "background track omitted: %v", err)
		} else {
			tl.Tracks = append(tl.Tracks, models.Track{Kind: models.TrackKindBackground, Source: track.Path, Gain: req.BackgroundGain})
		}
	}

	tl.Tracks = append(tl.Tracks, schedule.Track())

	master, report, err := e.mixer.Mix(ctx, tl)
	if err != nil {
		return fmt.Errorf("failed to mix audio: %w", err)
	}
	for _, w := range report.Warnings {
		res.warn(jobID, "%s", w)
	}
	res.Mix = report

	return mixer.WritePCM(masterPath, master)
}

// buildSubtitles writes the ASS sidecar and returns its path, or "" when
// subtitles are disabled or could not be produced.
func (e *Engine) buildSubtitles(ctx context.Context, jobID string, req Request, segments []models.AudioSegment, res *Result) string {
	if req.SubtitlesPath == "" || len(segments) == 0 {
		return ""
	}

	words := make(map[int][]services.WordTimestamp)
	if e.Transcriber != nil {
		for _, seg := range segments {
			data, err := os.ReadFile(seg.AudioRef)
			if err != nil {
				continue
			}
			ts, err := e.Transcriber.TranscribeAudio(ctx, data, req.Language)
			if err != nil {
				log.Printf("[Pipeline] %s: WARNING: transcription of beat %d failed, spacing words evenly: %v", jobID, seg.BeatID, err)
				continue
			}
			words[seg.BeatID] = ts
		}
	}

	if err := services.GenerateSegmentSubtitles(segments, words, req.SubtitlesPath); err != nil {
		res.warn(jobID, "subtitles skipped: %v", err)
		return ""
	}
	return req.SubtitlesPath
}

// SubtitlesPathFor returns the sidecar path used next to an output video.
func SubtitlesPathFor(outputPath string) string {
	return strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".ass"
}

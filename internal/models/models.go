package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

type TrackKind string

const (
	TrackKindNarration  TrackKind = "narration"
	TrackKindOriginal   TrackKind = "original"
	TrackKindBackground TrackKind = "background"
)

// WPSSource records where a job's words-per-second rate came from.
type WPSSource string

const (
	WPSSourceStore      WPSSource = "store"
	WPSSourceCalibrated WPSSource = "calibrated"
	WPSSourceFallback   WPSSource = "fallback"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Calibration

// CalibrationKey identifies one voice/language/style combination.
type CalibrationKey struct {
	VoiceID  string `json:"voice_id"`
	Language string `json:"language"`
	Style    string `json:"style"`
}

// String returns the persisted key form "{voiceId}_{language}_{style}".
func (k CalibrationKey) String() string {
	return fmt.Sprintf("%s_%s_%s", k.VoiceID, k.Language, k.Style)
}

type CalibrationRecord struct {
	VoiceID               string    `json:"voice_id"`
	Language              string    `json:"language"`
	Style                 string    `json:"style"`
	WordsPerSecond        float64   `json:"wps"`
	SampleWordCount       int       `json:"word_count"`
	SampleDurationSeconds float64   `json:"duration"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func (r *CalibrationRecord) Key() CalibrationKey {
	return CalibrationKey{VoiceID: r.VoiceID, Language: r.Language, Style: r.Style}
}

// Voice settings

type VoiceSettings struct {
	Stability       float64 `json:"stability" yaml:"stability"`
	SimilarityBoost float64 `json:"similarity_boost" yaml:"similarity_boost"`
	Speed           float64 `json:"speed" yaml:"speed"`
}

const (
	MinVoiceSpeed = 0.7
	MaxVoiceSpeed = 1.2
)

func (s VoiceSettings) Validate() error {
	if s.Stability < 0 || s.Stability > 1 {
		return fmt.Errorf("stability must be within [0,1], got %.2f", s.Stability)
	}
	if s.SimilarityBoost < 0 || s.SimilarityBoost > 1 {
		return fmt.Errorf("similarity_boost must be within [0,1], got %.2f", s.SimilarityBoost)
	}
	if s.Speed < MinVoiceSpeed || s.Speed > MaxVoiceSpeed {
		return fmt.Errorf("speed must be within [%.1f,%.1f], got %.2f", MinVoiceSpeed, MaxVoiceSpeed, s.Speed)
	}
	return nil
}

// VoiceSettingsForStyle returns the default settings for a narration style.
// Unknown styles get the documentary settings.
func VoiceSettingsForStyle(style string) VoiceSettings {
	switch style {
	case "viral":
		return VoiceSettings{Stability: 0.4, SimilarityBoost: 0.7, Speed: 1.0}
	case "funny":
		return VoiceSettings{Stability: 0.3, SimilarityBoost: 0.7, Speed: 1.0}
	default:
		return VoiceSettings{Stability: 0.6, SimilarityBoost: 0.75, Speed: 1.0}
	}
}

// Beats and segments

type Beat struct {
	ID            int     `json:"id" yaml:"id"`
	StartS        float64 `json:"start_s" yaml:"start_s"`
	EndS          float64 `json:"end_s" yaml:"end_s"`
	NarrationText string  `json:"narration_text,omitempty" yaml:"narration_text,omitempty"`
	VisualSummary string  `json:"visual_summary,omitempty" yaml:"visual_summary,omitempty"`
	PauseAfterS   float64 `json:"pause_after_s,omitempty" yaml:"pause_after_s,omitempty"`
	WordBudget    int     `json:"word_budget" yaml:"word_budget,omitempty"`
}

func (b Beat) Duration() float64 {
	return b.EndS - b.StartS
}

func (b Beat) HasNarration() bool {
	for _, r := range b.NarrationText {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}

// SortBeats orders beats by start time, breaking ties by ascending ID.
func SortBeats(beats []Beat) {
	sort.SliceStable(beats, func(i, j int) bool {
		if beats[i].StartS != beats[j].StartS {
			return beats[i].StartS < beats[j].StartS
		}
		return beats[i].ID < beats[j].ID
	})
}

// ValidateBeats checks a plan that has already been sorted with SortBeats.
func ValidateBeats(beats []Beat) error {
	seen := make(map[int]bool, len(beats))
	for i, b := range beats {
		if seen[b.ID] {
			return fmt.Errorf("duplicate beat id %d", b.ID)
		}
		seen[b.ID] = true

		if !finite(b.StartS) || !finite(b.EndS) || !finite(b.PauseAfterS) {
			return fmt.Errorf("beat %d: start_s, end_s and pause_after_s must be finite", b.ID)
		}
		if b.StartS < 0 {
			return fmt.Errorf("beat %d: start_s must be >= 0", b.ID)
		}
		if b.EndS < b.StartS {
			return fmt.Errorf("beat %d: end_s (%.3f) before start_s (%.3f)", b.ID, b.EndS, b.StartS)
		}
		if b.PauseAfterS < 0 {
			return fmt.Errorf("beat %d: pause_after_s must be >= 0", b.ID)
		}
		if i > 0 && beats[i-1].EndS > b.StartS {
			return fmt.Errorf("beat %d overlaps beat %d", b.ID, beats[i-1].ID)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

type AudioSegment struct {
	BeatID                int     `json:"beat_id"`
	AudioRef              string  `json:"audio_ref"`
	ActualDurationSeconds float64 `json:"actual_duration_seconds"`
	PlannedStartS         float64 `json:"planned_start_s"`
	ResolvedStartS        float64 `json:"resolved_start_s"`
	PauseAfterS           float64 `json:"pause_after_s,omitempty"`
	Text                  string  `json:"text,omitempty"`
}

// Delay is how far the segment was pushed back from its visual cue.
func (s AudioSegment) Delay() float64 {
	return s.ResolvedStartS - s.PlannedStartS
}

// End is the time at which the segment's audio stops, excluding its pause.
func (s AudioSegment) End() float64 {
	return s.ResolvedStartS + s.ActualDurationSeconds
}

// Track is one mixer layer. Narration tracks carry segments; original and
// background tracks read their audio from Source.
type Track struct {
	Kind     TrackKind      `json:"kind"`
	Source   string         `json:"source,omitempty"`
	Segments []AudioSegment `json:"segments,omitempty"`
	Gain     float64        `json:"gain"`
}

// Timeline is everything the mixer needs to build the master track. The
// video duration is fixed by the source video.
type Timeline struct {
	VideoDurationSeconds float64 `json:"video_duration_seconds"`
	Tracks               []Track `json:"tracks"`
}

// Synthesis

type SynthesisRequest struct {
	Text       string
	VoiceID    string
	Language   string
	Settings   VoiceSettings
	OutputPath string
}

// SynthesisResult is either a success (AudioRef and DurationSeconds set) or a
// failure (Err set). Synthesizers return failures here rather than as errors.
type SynthesisResult struct {
	AudioRef        string
	DurationSeconds float64
	Err             error
}

func (r SynthesisResult) OK() bool {
	return r.Err == nil && r.AudioRef != "" && r.DurationSeconds > 0
}

func SynthesisSuccess(ref string, duration float64) SynthesisResult {
	return SynthesisResult{AudioRef: ref, DurationSeconds: duration}
}

func SynthesisFailure(err error) SynthesisResult {
	return SynthesisResult{Err: err}
}

// JSON columns

type Beats []Beat

func (b Beats) Value() (driver.Value, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(b)
}

func (b *Beats) Scan(value interface{}) error {
	return scanJSON(value, b)
}

type AudioSegments []AudioSegment

func (s AudioSegments) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *AudioSegments) Scan(value interface{}) error {
	return scanJSON(value, s)
}

type BeatIDs []int

func (b BeatIDs) Value() (driver.Value, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(b)
}

func (b *BeatIDs) Scan(value interface{}) error {
	return scanJSON(value, b)
}

type Warnings []string

func (w Warnings) Value() (driver.Value, error) {
	if w == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(w)
}

func (w *Warnings) Scan(value interface{}) error {
	return scanJSON(value, w)
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// Jobs

type NarrationJob struct {
	ID                   uuid.UUID     `json:"id"`
	Status               JobStatus     `json:"status"`
	SourceVideoPath      string        `json:"source_video_path"`
	VoiceID              string        `json:"voice_id"`
	Language             string        `json:"language"`
	Style                string        `json:"style"`
	Topic                *string       `json:"topic,omitempty"`
	BackgroundTrackID    *string       `json:"background_track_id,omitempty"`
	OriginalGain         float64       `json:"original_gain"`
	BackgroundGain       float64       `json:"background_gain"`
	Beats                Beats         `json:"beats"`
	Segments             AudioSegments `json:"segments"`
	SilentBeats          BeatIDs       `json:"silent_beats,omitempty"`
	Warnings             Warnings      `json:"warnings"`
	Report               JSONB         `json:"report,omitempty"` // mix report and delay summary
	WordsPerSecond       *float64      `json:"words_per_second,omitempty"`
	WPSSource            *WPSSource    `json:"wps_source,omitempty"`
	VideoDurationSeconds *float64      `json:"video_duration_seconds,omitempty"`
	OutputPath           *string       `json:"output_path,omitempty"`
	SubtitlesPath        *string       `json:"subtitles_path,omitempty"`
	Attempts             int           `json:"attempts"`
	StartedAt            *time.Time    `json:"started_at,omitempty"`
	FinishedAt           *time.Time    `json:"finished_at,omitempty"`
	ErrorMessage         *string       `json:"error_message,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

type BackgroundTrack struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Name     string `json:"name"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	MIME     string `json:"mime,omitempty"`
	Path     string `json:"-"`
}

// DTOs for API requests and responses

type CreateJobRequest struct {
	SourceVideoPath   string   `json:"source_video_path"`
	VoiceID           *string  `json:"voice_id,omitempty"`         // Default: env ELEVENLABS_VOICE_ID
	Language          *string  `json:"language,omitempty"`         // Default: "en"
	Style             *string  `json:"style,omitempty"`            // Default: "documentary"
	Topic             *string  `json:"topic,omitempty"`            // Used when beats carry no narration
	BackgroundTrackID *string  `json:"background_track_id,omitempty"`
	OriginalVolume    *int     `json:"original_volume,omitempty"`  // 0-100, default 30
	BackgroundGain    *float64 `json:"background_gain,omitempty"`  // Default: 0.1
	Beats             []Beat   `json:"beats,omitempty"`            // Empty = segment the video with Gemini
}

type CreateJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

type JobResponse struct {
	NarrationJob
	OutputURL    *string `json:"output_url,omitempty"`
	SubtitlesURL *string `json:"subtitles_url,omitempty"`
}

type ListJobsResponse struct {
	Jobs   []NarrationJob `json:"jobs"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type BudgetRequest struct {
	VoiceID       *string  `json:"voice_id,omitempty"`
	Language      *string  `json:"language,omitempty"`
	Style         *string  `json:"style,omitempty"`
	VideoDuration *float64 `json:"video_duration_seconds,omitempty"`
	Beats         []Beat   `json:"beats"`
}

type BudgetResponse struct {
	WordsPerSecond float64   `json:"words_per_second"`
	WPSSource      WPSSource `json:"wps_source"`
	SafetyFactor   float64   `json:"safety_factor"`
	TotalBudget    *int      `json:"total_budget,omitempty"`
	Beats          []Beat    `json:"beats"`
}

type CalibrateRequest struct {
	VoiceID  *string `json:"voice_id,omitempty"`
	Language *string `json:"language,omitempty"`
	Style    *string `json:"style,omitempty"`
}

// OriginalGainFromVolume converts a 0-100 volume percentage to a gain factor.
func OriginalGainFromVolume(volume int) float64 {
	if volume <= 0 {
		return 0
	}
	if volume >= 100 {
		return 1
	}
	return float64(volume) / 100
}

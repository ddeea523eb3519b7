package services

import (
	"context"
	"strings"

	"github.com/bobarin/narrator/internal/models"
)

// ---------------------------------------------------------------------------
// TTSProvider is the common interface for text-to-speech providers
// Both ElevenLabs and Cartesia implement this interface; SpeechGateway turns
// their raw output into a measured SynthesisResult.
// ---------------------------------------------------------------------------

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int    // provider-side estimate only; the gateway measures the real duration
	Format     string // "mp3", "wav", etc.
}

// SpeechRequest is one provider call.
type SpeechRequest struct {
	Text     string
	VoiceID  string // empty = provider default
	Language string
	Settings models.VoiceSettings
}

// TTSProvider is the interface that any TTS provider must implement.
type TTSProvider interface {
	Name() string
	GenerateSpeech(ctx context.Context, req SpeechRequest) (*TTSResponse, error)
}

// Synthesizer is the speech synthesis gateway used by calibration and the
// pipeline. Failures are reported inside the result, never as a Go error.
type Synthesizer interface {
	Synthesize(ctx context.Context, req models.SynthesisRequest) models.SynthesisResult
}

// estimateAudioDuration estimates duration based on text length and speed
// Average speaking rate is ~140 words per minute at normal speed (narration pace, not conversational)
func estimateAudioDuration(text string, speed float64) int {
	words := len(strings.Fields(text))
	if speed <= 0 {
		speed = 1.0
	}
	actualWPM := 140.0 * speed

	minutes := float64(words) / actualWPM
	return int(minutes * 60 * 1000)
}

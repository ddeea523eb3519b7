package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"github.com/bobarin/narrator/internal/models"
)

// ProviderError is a non-200 response from a TTS provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, truncateString(e.Body, 200))
}

// Retryable reports whether the same request may succeed later.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= http.StatusInternalServerError
}

// DurationProber measures media files.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// SpeechGateway calls a TTS provider, checks that it returned audio, writes it
// to the requested path and measures its real duration.
type SpeechGateway struct {
	provider TTSProvider
	prober   DurationProber
}

var _ Synthesizer = (*SpeechGateway)(nil)

func NewSpeechGateway(provider TTSProvider, prober DurationProber) *SpeechGateway {
	return &SpeechGateway{provider: provider, prober: prober}
}

func (g *SpeechGateway) Synthesize(ctx context.Context, req models.SynthesisRequest) models.SynthesisResult {
	if strings.TrimSpace(req.Text) == "" {
		return models.SynthesisFailure(errors.New("empty text"))
	}
	if req.OutputPath == "" {
		return models.SynthesisFailure(errors.New("no output path"))
	}
	settings := req.Settings
	if settings.Speed == 0 {
		settings.Speed = 1.0
	}
	if err := settings.Validate(); err != nil {
		return models.SynthesisFailure(fmt.Errorf("invalid voice settings: %w", err))
	}

	resp, err := g.provider.GenerateSpeech(ctx, SpeechRequest{
		Text:     req.Text,
		VoiceID:  req.VoiceID,
		Language: req.Language,
		Settings: settings,
	})
	if err != nil {
		return models.SynthesisFailure(err)
	}

	kind, _ := filetype.Match(resp.AudioData)
	if kind == filetype.Unknown || kind.MIME.Type != "audio" {
		return models.SynthesisFailure(fmt.Errorf("%s returned a non-audio payload (%d bytes)", g.provider.Name(), len(resp.AudioData)))
	}

	if err := os.WriteFile(req.OutputPath, resp.AudioData, 0644); err != nil {
		return models.SynthesisFailure(fmt.Errorf("failed to write audio: %w", err))
	}

	duration, err := g.prober.ProbeDuration(ctx, req.OutputPath)
	if err != nil {
		os.Remove(req.OutputPath)
		return models.SynthesisFailure(fmt.Errorf("failed to measure synthesized audio: %w", err))
	}

	log.Printf("[%s] Measured %.2fs (estimated %.2fs, %s)", g.provider.Name(), duration, float64(resp.DurationMs)/1000, kind.Extension)

	return models.SynthesisSuccess(req.OutputPath, duration)
}

const (
	synthesisBaseRetryDelay = 1 * time.Second
	synthesisMaxRetryDelay  = 20 * time.Second
)

// RetryingSynthesizer retries retryable failures up to maxRetries extra
// attempts before returning the last failure.
type RetryingSynthesizer struct {
	next       Synthesizer
	maxRetries int
	baseDelay  time.Duration
}

var _ Synthesizer = (*RetryingSynthesizer)(nil)

func NewRetryingSynthesizer(next Synthesizer, maxRetries int) *RetryingSynthesizer {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingSynthesizer{next: next, maxRetries: maxRetries, baseDelay: synthesisBaseRetryDelay}
}

func (r *RetryingSynthesizer) Synthesize(ctx context.Context, req models.SynthesisRequest) models.SynthesisResult {
	var result models.SynthesisResult
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retryDelay(attempt)
			log.Printf("[TTS] Retry %d/%d (waiting %v): %v", attempt, r.maxRetries, delay, result.Err)

			select {
			case <-ctx.Done():
				return models.SynthesisFailure(fmt.Errorf("synthesis cancelled: %w", ctx.Err()))
			case <-time.After(delay):
			}
		}

		result = r.next.Synthesize(ctx, req)
		if result.OK() {
			return result
		}
		if !isRetryableSynthesisError(result.Err) {
			return result
		}
	}
	return result
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func (r *RetryingSynthesizer) retryDelay(attempt int) time.Duration {
	delay := float64(r.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(synthesisMaxRetryDelay) {
		delay = float64(synthesisMaxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryableSynthesisError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF")
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

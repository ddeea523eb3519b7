package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const (
	// Default Cartesia API version
	CartesiaAPIVersion = "2024-06-10"

	DefaultCartesiaVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"

	cartesiaModel = "sonic-multilingual"
)

type CartesiaService struct {
	apiKey         string
	apiURL         string
	apiVersion     string
	defaultVoiceID string
	client         *http.Client
}

// Ensure CartesiaService implements TTSProvider at compile time.
var _ TTSProvider = (*CartesiaService)(nil)

// NewCartesiaService creates a Cartesia service with a default voice.
func NewCartesiaService(apiKey, apiURL, voiceID string) *CartesiaService {
	if voiceID == "" {
		voiceID = DefaultCartesiaVoiceID
	}
	return &CartesiaService{
		apiKey:         apiKey,
		apiURL:         apiURL,
		apiVersion:     CartesiaAPIVersion,
		defaultVoiceID: voiceID,
		client:         &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *CartesiaService) Name() string { return "Cartesia" }

// CartesiaRequest matches the Cartesia /tts/bytes request body
type CartesiaRequest struct {
	ModelID      string                    `json:"model_id"`
	Transcript   string                    `json:"transcript"`
	Voice        CartesiaVoiceSpecifier    `json:"voice"`
	Language     *string                   `json:"language,omitempty"`
	OutputFormat CartesiaOutputFormat      `json:"output_format"`
	Config       *CartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type CartesiaVoiceSpecifier struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type CartesiaGenerationConfig struct {
	Speed   *float64 `json:"speed,omitempty"`   // 0.6 to 1.5
	Emotion *string  `json:"emotion,omitempty"` // e.g., "neutral", "excited", "calm"
}

// GenerateSpeech generates audio from text using Cartesia TTS. Cartesia has
// no stability/similarity controls; stability is mapped to an emotion hint.
func (s *CartesiaService) GenerateSpeech(ctx context.Context, req SpeechRequest) (*TTSResponse, error) {
	voiceID := s.defaultVoiceID
	if req.VoiceID != "" {
		voiceID = req.VoiceID
	}

	reqBody := CartesiaRequest{
		ModelID:    cartesiaModel,
		Transcript: req.Text,
		Voice: CartesiaVoiceSpecifier{
			Mode: "id",
			ID:   voiceID,
		},
		OutputFormat: CartesiaOutputFormat{
			Container:  "mp3",
			SampleRate: 44100,
			BitRate:    192000,
		},
	}

	if req.Language != "" {
		lang := req.Language
		reqBody.Language = &lang
	}

	config := &CartesiaGenerationConfig{}
	if req.Settings.Speed != 0 && req.Settings.Speed != 1.0 {
		speed := req.Settings.Speed
		config.Speed = &speed
	}
	if emotion := emotionForStability(req.Settings.Stability); emotion != "" {
		config.Emotion = &emotion
	}
	if config.Speed != nil || config.Emotion != nil {
		reqBody.Config = config
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/tts/bytes", s.apiURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Cartesia-Version", s.apiVersion)

	log.Printf("[Cartesia] Generating speech (voiceID=%s, textLen=%d)", voiceID, len(req.Text))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &ProviderError{Provider: s.Name(), StatusCode: resp.StatusCode, Body: string(body)}
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}

	speed := req.Settings.Speed
	if speed == 0 {
		speed = 1.0
	}

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: estimateAudioDuration(req.Text, speed),
		Format:     "mp3",
	}, nil
}

// emotionForStability maps the stability slider onto Cartesia's emotion
// hints: low stability reads as more expressive delivery.
func emotionForStability(stability float64) string {
	switch {
	case stability == 0:
		return ""
	case stability < 0.35:
		return "excited"
	case stability < 0.5:
		return "enthusiastic"
	default:
		return "calm"
	}
}

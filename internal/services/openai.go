package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/bobarin/narrator/internal/models"
)

type OpenAIService struct {
	client *openai.Client
	model  string
}

func NewOpenAIService(apiKey, model string) *OpenAIService {
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIService{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// NarrationBrief is everything the writer needs to script a video.
type NarrationBrief struct {
	Topic          string
	Style          string // "documentary", "viral", "funny"
	Language       string // ISO 639-1
	WordsPerSecond float64
	TotalBudget    int
	Beats          []models.Beat // WordBudget populated; beats with budget 0 stay silent
}

// BeatNarration is one beat's script as returned by the writer.
type BeatNarration struct {
	ID          int     `json:"id"`
	Narration   string  `json:"narration"`
	PauseAfterS float64 `json:"pause_after_s"`
}

type narrationResponse struct {
	Beats []BeatNarration `json:"beats"`
}

// WriteNarration writes one continuous narrative split across the beats,
// keeping each beat within its word budget. The result is keyed by beat ID.
func (s *OpenAIService) WriteNarration(ctx context.Context, brief NarrationBrief) (map[int]BeatNarration, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: buildNarrationSystemPrompt(brief),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildNarrationUserPrompt(brief),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	rawContent := resp.Choices[0].Message.Content
	out, err := parseNarrationResponse(rawContent)
	if err != nil {
		log.Printf("[OpenAI narration] parse failed: %v; raw response: %s", err, truncateString(rawContent, 2000))
		return nil, err
	}

	log.Printf("[OpenAI narration] scripted %d beats (total budget %d words)", len(out), brief.TotalBudget)
	return out, nil
}

func parseNarrationResponse(raw string) (map[int]BeatNarration, error) {
	var parsed narrationResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse narration: %w", err)
	}
	if len(parsed.Beats) == 0 {
		return nil, fmt.Errorf("narration has no beats")
	}

	out := make(map[int]BeatNarration, len(parsed.Beats))
	for _, b := range parsed.Beats {
		b.Narration = strings.TrimSpace(b.Narration)
		if b.PauseAfterS < 0 {
			b.PauseAfterS = 0
		}
		out[b.ID] = b
	}
	return out, nil
}

func buildNarrationSystemPrompt(brief NarrationBrief) string {
	style := brief.Style
	if style == "" {
		style = "documentary"
	}
	language := brief.Language
	if language == "" {
		language = "en"
	}

	return fmt.Sprintf(`You are a voice-over writer. Write ONE continuous, coherent narrative for a video and split it across the visual beats you are given, so that each beat's portion matches what is on screen during that beat.

STYLE: %s
LANGUAGE: %s (write every word of narration in this language)

TIMING CONTRACT:
- The narrator speaks %.1f words per second.
- The whole narrative must not exceed %d words.
- Each beat lists max_words. Never exceed it; aim for max_words minus 2 or fewer.
- Beats with max_words = 0 must have an empty narration.
- Do not repeat information between beats. Keep names consistent across beats.

PAUSES:
- You may add a dramatic pause after a beat with pause_after_s (0.3 to 1.5 seconds).
- Use pauses sparingly: at most 30%% of beats.

Respond with JSON only:
{"beats": [{"id": <beat id>, "narration": "<text>", "pause_after_s": <seconds>}]}`,
		style, language, brief.WordsPerSecond, brief.TotalBudget)
}

func buildNarrationUserPrompt(brief NarrationBrief) string {
	var sb strings.Builder
	if brief.Topic != "" {
		sb.WriteString(fmt.Sprintf("TOPIC: %s\n\n", brief.Topic))
	}
	sb.WriteString("BEATS:\n")
	for _, b := range brief.Beats {
		sb.WriteString(fmt.Sprintf("- id=%d, %.1fs-%.1fs, max_words=%d", b.ID, b.StartS, b.EndS, b.WordBudget))
		if b.VisualSummary != "" {
			sb.WriteString(fmt.Sprintf(", on screen: %s", b.VisualSummary))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Whisper transcription: word-level timestamps for subtitle generation
// ---------------------------------------------------------------------------

// WordTimestamp represents a single word with its timing in seconds.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TranscribeAudio sends audio to OpenAI Whisper and returns word-level timestamps
// relative to the start of the audio.
func (s *OpenAIService) TranscribeAudio(ctx context.Context, audioData []byte, language string) ([]WordTimestamp, error) {
	if language == "" {
		language = "en"
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(audioData),
		FilePath: "audio.mp3", // Filename hint for the API (required by the library)
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: language,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	if len(resp.Words) == 0 {
		return nil, fmt.Errorf("whisper returned no word timestamps (text: %q)", resp.Text)
	}

	words := make([]WordTimestamp, len(resp.Words))
	for i, w := range resp.Words {
		words[i] = WordTimestamp{
			Word:  strings.TrimSpace(w.Word),
			Start: w.Start,
			End:   w.End,
		}
	}

	log.Printf("[Whisper] Transcribed %d words (duration: %.1fs, text: %q)",
		len(words), resp.Duration, truncateString(resp.Text, 80))

	return words, nil
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/bobarin/narrator/internal/models"
)

const (
	geminiDefaultModel = "gemini-2.5-flash"

	// Uploaded videos are processed asynchronously before they can be referenced
	geminiFilePollInterval = 3 * time.Second
	geminiFileMaxWait      = 5 * time.Minute
)

// GeminiService segments a source video into visual beats.
type GeminiService struct {
	apiKey string
	model  string
}

func NewGeminiService(apiKey, model string) *GeminiService {
	if model == "" {
		model = geminiDefaultModel
	}
	return &GeminiService{apiKey: apiKey, model: model}
}

type geminiBeat struct {
	ID            int     `json:"id"`
	StartS        float64 `json:"start_s"`
	EndS          float64 `json:"end_s"`
	VisualSummary string  `json:"visual_summary"`
}

type geminiSegmentation struct {
	Beats []geminiBeat `json:"beats"`
}

// SegmentVideo uploads the video and asks Gemini for non-overlapping visual
// beats covering it. Returned beats carry no narration.
func (s *GeminiService) SegmentVideo(ctx context.Context, videoPath string, durationSeconds float64) ([]models.Beat, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	log.Printf("[Gemini] Uploading %s for segmentation", videoPath)

	file, err := client.Files.UploadFromPath(ctx, videoPath, &genai.UploadFileConfig{MIMEType: "video/mp4"})
	if err != nil {
		return nil, fmt.Errorf("failed to upload video to gemini: %w", err)
	}
	defer func() {
		if _, err := client.Files.Delete(context.Background(), file.Name, nil); err != nil {
			log.Printf("[Gemini] Warning: failed to delete uploaded file %s: %v", file.Name, err)
		}
	}()

	file, err = s.waitForActive(ctx, client, file)
	if err != nil {
		return nil, err
	}

	parts := []*genai.Part{
		genai.NewPartFromURI(file.URI, file.MIMEType),
		genai.NewPartFromText(buildSegmentationPrompt(durationSeconds)),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := client.Models.GenerateContent(ctx, s.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini segmentation failed: %w", err)
	}

	beats, err := parseSegmentation(resp.Text(), durationSeconds)
	if err != nil {
		log.Printf("[Gemini] raw response: %s", truncateString(resp.Text(), 2000))
		return nil, err
	}

	log.Printf("[Gemini] Segmented video into %d beats", len(beats))
	return beats, nil
}

func (s *GeminiService) waitForActive(ctx context.Context, client *genai.Client, file *genai.File) (*genai.File, error) {
	deadline := time.Now().Add(geminiFileMaxWait)
	for file.State != genai.FileStateActive {
		if file.State == genai.FileStateFailed {
			return nil, fmt.Errorf("gemini failed to process uploaded video")
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for gemini to process video")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(geminiFilePollInterval):
		}

		var err error
		file, err = client.Files.Get(ctx, file.Name, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll uploaded video: %w", err)
		}
	}
	return file, nil
}

// parseSegmentation decodes the model output, clamps beats to the video and
// drops the ones that end up empty or overlapping.
func parseSegmentation(raw string, durationSeconds float64) ([]models.Beat, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var seg geminiSegmentation
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &seg); err != nil {
		return nil, fmt.Errorf("failed to parse segmentation: %w", err)
	}

	beats := make([]models.Beat, 0, len(seg.Beats))
	for _, b := range seg.Beats {
		beats = append(beats, models.Beat{
			ID:            b.ID,
			StartS:        b.StartS,
			EndS:          b.EndS,
			VisualSummary: strings.TrimSpace(b.VisualSummary),
		})
	}
	models.SortBeats(beats)

	out := make([]models.Beat, 0, len(beats))
	lastEnd := 0.0
	for _, b := range beats {
		if b.StartS < lastEnd {
			b.StartS = lastEnd
		}
		if durationSeconds > 0 && b.EndS > durationSeconds {
			b.EndS = durationSeconds
		}
		if b.EndS <= b.StartS {
			continue
		}
		// model-assigned ids are not trusted to be unique
		b.ID = len(out) + 1
		out = append(out, b)
		lastEnd = b.EndS
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("segmentation produced no usable beats")
	}
	return out, nil
}

func buildSegmentationPrompt(durationSeconds float64) string {
	return fmt.Sprintf(`Watch this %.1f second video and split it into visual beats: consecutive time windows, each covering one key visual moment.

Rules:
- Beats must not overlap and must stay within 0 and %.1f seconds.
- Prefer beats of 3 to 8 seconds; very short cuts (under 1.5 seconds) are allowed but will stay silent.
- visual_summary describes what is on screen in one sentence.

Respond with JSON only:
{"beats": [{"id": 1, "start_s": 0.0, "end_s": 4.2, "visual_summary": "..."}]}`, durationSeconds, durationSeconds)
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bobarin/narrator/internal/models"
)

func TestElevenLabsGenerateSpeech(t *testing.T) {
	var gotPath, gotKey string
	var gotBody elevenLabsRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Write(mp3Header)
	}))
	defer server.Close()

	svc := NewElevenLabsService("secret", "default-voice", "")
	svc.baseURL = server.URL

	resp, err := svc.GenerateSpeech(context.Background(), SpeechRequest{
		Text:     "one two three",
		VoiceID:  "custom-voice",
		Settings: models.VoiceSettings{Stability: 0.4, SimilarityBoost: 0.7, Speed: 1.1},
	})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}

	if gotPath != "/v1/text-to-speech/custom-voice" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "secret" {
		t.Errorf("xi-api-key = %q", gotKey)
	}
	if gotBody.ModelID != elevenLabsDefaultModel {
		t.Errorf("model_id = %q", gotBody.ModelID)
	}
	vs := gotBody.VoiceSettings
	if vs == nil || vs.Stability != 0.4 || vs.SimilarityBoost != 0.7 || vs.Speed != 1.1 || vs.Style != 0 || !vs.UseSpeakerBoost {
		t.Errorf("unexpected voice settings %+v", vs)
	}
	if len(resp.AudioData) != len(mp3Header) {
		t.Errorf("audio length = %d", len(resp.AudioData))
	}
}

func TestElevenLabsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"detail":"too many concurrent requests"}`))
	}))
	defer server.Close()

	svc := NewElevenLabsService("secret", "", "")
	svc.baseURL = server.URL

	_, err := svc.GenerateSpeech(context.Background(), SpeechRequest{Text: "hi"})

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.StatusCode != http.StatusTooManyRequests || !perr.Retryable() {
		t.Errorf("unexpected provider error %+v", perr)
	}
}

func TestCartesiaGenerateSpeech(t *testing.T) {
	var got CartesiaRequest
	var gotVersion string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts/bytes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotVersion = r.Header.Get("Cartesia-Version")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Write(mp3Header)
	}))
	defer server.Close()

	svc := NewCartesiaService("key", server.URL, "")
	_, err := svc.GenerateSpeech(context.Background(), SpeechRequest{
		Text:     "hola",
		Language: "es",
		Settings: models.VoiceSettings{Stability: 0.3, SimilarityBoost: 0.7, Speed: 1.0},
	})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}

	if gotVersion != CartesiaAPIVersion {
		t.Errorf("Cartesia-Version = %q", gotVersion)
	}
	if got.Voice.ID != DefaultCartesiaVoiceID {
		t.Errorf("voice = %q, want default", got.Voice.ID)
	}
	if got.Language == nil || *got.Language != "es" {
		t.Errorf("language not forwarded: %+v", got.Language)
	}
	if got.Config == nil || got.Config.Speed != nil || got.Config.Emotion == nil || *got.Config.Emotion != "excited" {
		t.Errorf("unexpected generation config %+v", got.Config)
	}
}

func TestEmotionForStability(t *testing.T) {
	cases := map[float64]string{0: "", 0.3: "excited", 0.4: "enthusiastic", 0.6: "calm"}
	for in, want := range cases {
		if got := emotionForStability(in); got != want {
			t.Errorf("emotionForStability(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestParseNarrationResponse(t *testing.T) {
	raw := `{"beats":[{"id":1,"narration":"  The city wakes. ","pause_after_s":0.5},{"id":3,"narration":"","pause_after_s":-2}]}`

	out, err := parseNarrationResponse(raw)
	if err != nil {
		t.Fatalf("parseNarrationResponse: %v", err)
	}
	if out[1].Narration != "The city wakes." || out[1].PauseAfterS != 0.5 {
		t.Errorf("unexpected beat 1: %+v", out[1])
	}
	if out[3].PauseAfterS != 0 {
		t.Errorf("negative pause should clamp to 0, got %v", out[3].PauseAfterS)
	}

	if _, err := parseNarrationResponse(`{"beats":[]}`); err == nil {
		t.Error("expected error for empty beats")
	}
}

func TestParseSegmentation(t *testing.T) {
	raw := "```json\n" + `{"beats":[
		{"id":7,"start_s":5,"end_s":12,"visual_summary":"a skyline"},
		{"id":7,"start_s":0,"end_s":6,"visual_summary":"sunrise"},
		{"id":9,"start_s":12,"end_s":12,"visual_summary":"empty"},
		{"id":2,"start_s":13,"end_s":40,"visual_summary":"traffic"}
	]}` + "\n```"

	beats, err := parseSegmentation(raw, 30)
	if err != nil {
		t.Fatalf("parseSegmentation: %v", err)
	}
	if len(beats) != 3 {
		t.Fatalf("expected 3 beats, got %d: %+v", len(beats), beats)
	}
	if beats[0].VisualSummary != "sunrise" || beats[1].StartS != 6 || beats[2].EndS != 30 {
		t.Errorf("unexpected beats %+v", beats)
	}
	if err := models.ValidateBeats(beats); err != nil {
		t.Errorf("segmentation should yield a valid plan: %v", err)
	}
}

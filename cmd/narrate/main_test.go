package main

import (
	"testing"

	"github.com/bobarin/narrator/internal/config"
	"github.com/bobarin/narrator/internal/plan"
)

func TestBuildRequestPrecedence(t *testing.T) {
	cfg := &config.Config{
		ElevenLabsKey:         "key",
		ElevenLabsVoiceID:     "env-voice",
		DefaultOriginalGain:   0.3,
		DefaultBackgroundGain: 0.1,
	}
	vol := 80
	gain := 0.25
	p := &plan.Plan{
		Video:          "in/clip.mov",
		Voice:          "plan-voice",
		Language:       "es",
		OriginalVolume: &vol,
		BackgroundGain: &gain,
		Music:          "lofi",
	}

	req := buildRequest(cfg, p, overrides{voice: "flag-voice", originalVolume: -1, backgroundGain: -1})

	if req.VoiceID != "flag-voice" {
		t.Errorf("VoiceID = %q, want flag-voice", req.VoiceID)
	}
	if req.Language != "es" || req.Style != "documentary" {
		t.Errorf("language/style = %q/%q, want es/documentary", req.Language, req.Style)
	}
	if req.OriginalGain != 0.8 {
		t.Errorf("OriginalGain = %v, want 0.8", req.OriginalGain)
	}
	if req.BackgroundGain != 0.25 || req.BackgroundTrackID != "lofi" {
		t.Errorf("background = %q@%v, want lofi@0.25", req.BackgroundTrackID, req.BackgroundGain)
	}
	if req.OutputPath != "in/clip_narrated.mp4" {
		t.Errorf("OutputPath = %q", req.OutputPath)
	}
}

func TestBuildRequestDefaults(t *testing.T) {
	cfg := &config.Config{CartesiaVoiceID: "cartesia-voice", DefaultOriginalGain: 0.3, DefaultBackgroundGain: 0.1}

	req := buildRequest(cfg, &plan.Plan{}, overrides{video: "a.mp4", originalVolume: 0, backgroundGain: -1})

	if req.VoiceID != "cartesia-voice" || req.Language != "en" {
		t.Errorf("unexpected defaults %+v", req)
	}
	if req.OriginalGain != 0 {
		t.Errorf("OriginalGain = %v, want 0 for volume 0", req.OriginalGain)
	}
	if req.BackgroundGain != 0.1 {
		t.Errorf("BackgroundGain = %v, want 0.1", req.BackgroundGain)
	}
}

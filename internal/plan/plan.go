// Package plan reads and writes beat plans kept as YAML next to the source
// video. A plan carries the beats plus optional per-run narration settings.
package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bobarin/narrator/internal/models"
)

const CurrentVersion = "1.0"

type Plan struct {
	Version  string `yaml:"version"`
	Video    string `yaml:"video,omitempty"`
	Voice    string `yaml:"voice,omitempty"`
	Language string `yaml:"language,omitempty"`
	Style    string `yaml:"style,omitempty"`
	Topic    string `yaml:"topic,omitempty"`

	// OriginalVolume is a 0-100 percentage for the source audio.
	OriginalVolume *int     `yaml:"original_volume,omitempty"`
	Music          string   `yaml:"music,omitempty"`
	BackgroundGain *float64 `yaml:"background_gain,omitempty"`

	Beats []models.Beat `yaml:"beats"`
}

// Read loads a plan from a YAML file. Beats are sorted by start time.
func Read(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}

	models.SortBeats(p.Beats)
	if err := models.ValidateBeats(p.Beats); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}

	return &p, nil
}

// Write saves a plan to a YAML file.
func Write(p *Plan, path string) error {
	if p.Version == "" {
		p.Version = CurrentVersion
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

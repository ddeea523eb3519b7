// Package mixer composites narration, original audio and background music
// into one master PCM track whose length equals the video's.
package mixer

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/bobarin/narrator/internal/models"
)

// Decoder turns an audio (or video) file into interleaved PCM at the
// requested format.
type Decoder interface {
	DecodePCM(ctx context.Context, path string, sampleRate, channels int) ([]int16, error)
}

type Mixer struct {
	decoder    Decoder
	sampleRate int
	channels   int
}

func New(decoder Decoder, sampleRate, channels int) *Mixer {
	return &Mixer{decoder: decoder, sampleRate: sampleRate, channels: channels}
}

// Report describes what ended up in the master track.
type Report struct {
	PlacedSegments     []int    `json:"placed_segments"`
	SkippedSegments    []int    `json:"skipped_segments,omitempty"`
	OriginalIncluded   bool     `json:"original_included"`
	BackgroundIncluded bool     `json:"background_included"`
	ClippedSamples     int      `json:"clipped_samples"`
	Warnings           []string `json:"warnings,omitempty"`
}

func (r *Report) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[Mixer] WARNING: %s", msg)
	r.Warnings = append(r.Warnings, msg)
}

// Mix builds the master track from the timeline's tracks. Original and
// background layers are scaled by their track gain and left out when the gain
// is not positive; the background loops to the video length; narration
// segments land at their resolved start. Missing or undecodable layers are
// left out and reported. Only an unusable output format or duration is an
// error.
func (m *Mixer) Mix(ctx context.Context, tl models.Timeline) (*Buffer, *Report, error) {
	if !(tl.VideoDurationSeconds > 0) {
		return nil, nil, fmt.Errorf("video duration must be positive, got %.3f", tl.VideoDurationSeconds)
	}
	if m.sampleRate <= 0 || m.channels <= 0 {
		return nil, nil, fmt.Errorf("invalid output format %dHz/%dch", m.sampleRate, m.channels)
	}

	totalFrames := framesFor(tl.VideoDurationSeconds, m.sampleRate)
	acc := newAccumulator(m.sampleRate, m.channels, totalFrames)
	report := &Report{}

	for _, track := range tl.Tracks {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		switch track.Kind {
		case models.TrackKindOriginal:
			if track.Source == "" || track.Gain <= 0 {
				continue
			}
			if err := m.addOriginal(ctx, acc, track); err != nil {
				report.warn("original audio omitted: %v", err)
			} else {
				report.OriginalIncluded = true
			}

		case models.TrackKindBackground:
			if track.Source == "" || track.Gain <= 0 {
				continue
			}
			if err := m.addBackground(ctx, acc, track, tl.VideoDurationSeconds); err != nil {
				report.warn("background track omitted: %v", err)
			} else {
				report.BackgroundIncluded = true
			}

		case models.TrackKindNarration:
			if err := m.addNarration(ctx, acc, track, report); err != nil {
				return nil, nil, err
			}

		default:
			report.warn("unknown track kind %q ignored", track.Kind)
		}
	}

	if len(report.PlacedSegments) == 0 {
		if report.OriginalIncluded {
			log.Printf("[Mixer] No narration placed, master is original audio only")
		} else if !report.BackgroundIncluded {
			log.Printf("[Mixer] No narration or original audio, master is silent")
		}
	}

	master, clipped := acc.buffer()
	report.ClippedSamples = clipped
	if clipped > 0 {
		log.Printf("[Mixer] Clamped %d samples to int16 range", clipped)
	}

	log.Printf("[Mixer] Master: %.2fs, %d narration segments, original=%v background=%v",
		master.DurationSeconds(), len(report.PlacedSegments), report.OriginalIncluded, report.BackgroundIncluded)

	return master, report, nil
}

func (m *Mixer) addOriginal(ctx context.Context, acc *accumulator, track models.Track) error {
	buf, err := m.load(ctx, track.Source)
	if err != nil {
		return err
	}
	ApplyGain(buf, clampGain(track.Gain))
	_, err = acc.add(buf, 0)
	return err
}

func (m *Mixer) addBackground(ctx context.Context, acc *accumulator, track models.Track, videoDurationSeconds float64) error {
	buf, err := m.load(ctx, track.Source)
	if err != nil {
		return err
	}
	looped, err := LoopToDuration(buf, videoDurationSeconds)
	if err != nil {
		return err
	}
	ApplyGain(looped, clampGain(track.Gain))
	_, err = acc.add(looped, 0)
	return err
}

// addNarration places each segment at its resolved start. Segments that
// cannot be decoded, or that start at or after the end of the master, are
// skipped and reported. Only context cancellation is returned.
func (m *Mixer) addNarration(ctx context.Context, acc *accumulator, track models.Track, report *Report) error {
	gain := clampGain(track.Gain)
	for _, seg := range track.Segments {
		if err := ctx.Err(); err != nil {
			return err
		}

		buf, err := m.load(ctx, seg.AudioRef)
		if err != nil {
			report.SkippedSegments = append(report.SkippedSegments, seg.BeatID)
			report.warn("segment for beat %d skipped: %v", seg.BeatID, err)
			continue
		}
		ApplyGain(buf, gain)

		placed, err := acc.add(buf, framesFor(seg.ResolvedStartS, m.sampleRate))
		if err != nil {
			report.SkippedSegments = append(report.SkippedSegments, seg.BeatID)
			report.warn("segment for beat %d skipped: %v", seg.BeatID, err)
			continue
		}
		if placed == 0 {
			report.SkippedSegments = append(report.SkippedSegments, seg.BeatID)
			report.warn("segment for beat %d skipped: starts at %.2fs, past the video end", seg.BeatID, seg.ResolvedStartS)
			continue
		}
		if placed < buf.Frames() {
			log.Printf("[Mixer] Beat %d truncated at video end (%d of %d frames)", seg.BeatID, placed, buf.Frames())
		}
		report.PlacedSegments = append(report.PlacedSegments, seg.BeatID)
	}
	return nil
}

func (m *Mixer) load(ctx context.Context, path string) (*Buffer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio file unavailable: %w", err)
	}
	samples, err := m.decoder.DecodePCM(ctx, path, m.sampleRate, m.channels)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no audio decoded from %s", path)
	}
	if rem := len(samples) % m.channels; rem != 0 {
		samples = samples[:len(samples)-rem]
	}
	return &Buffer{SampleRate: m.sampleRate, Channels: m.channels, Samples: samples}, nil
}

// clampGain keeps track gains within [0,1].
func clampGain(g float64) float64 {
	if g < 0 {
		return 0
	}
	if g > 1 {
		return 1
	}
	return g
}

// WritePCM writes the buffer as raw little-endian s16 PCM.
func WritePCM(path string, b *Buffer) error {
	if err := os.WriteFile(path, SamplesToBytes(b.Samples), 0644); err != nil {
		return fmt.Errorf("failed to write master audio: %w", err)
	}
	return nil
}

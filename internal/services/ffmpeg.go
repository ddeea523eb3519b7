package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrNoAudioStream is returned when a media file carries no audio.
var ErrNoAudioStream = errors.New("no audio stream")

// ---------------------------------------------------------------------------
// FFmpegService handles probing, PCM decoding and final muxing via ffmpeg/ffprobe
// ---------------------------------------------------------------------------

type FFmpegService struct {
	workDir string
}

func NewFFmpegService(workDir string) (*FFmpegService, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	return &FFmpegService{workDir: workDir}, nil
}

// ProbeDuration returns the duration of a media file in seconds.
func (s *FFmpegService) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	return parseProbeDuration(output)
}

func parseProbeDuration(output []byte) (float64, error) {
	raw := strings.TrimSpace(string(output))
	if raw == "" || raw == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", raw, err)
	}
	if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, fmt.Errorf("invalid duration %v", d)
	}
	return d, nil
}

// HasAudioStream reports whether the file contains at least one audio stream.
func (s *FFmpegService) HasAudioStream(ctx context.Context, path string) (bool, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=index",
		"-of", "csv=p=0",
		path,
	}

	output, err := exec.CommandContext(ctx, "ffprobe", args...).Output()
	if err != nil {
		return false, fmt.Errorf("ffprobe streams failed for %s: %w", path, err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// DecodePCM decodes the first audio stream of any media file to interleaved
// little-endian s16 samples at the requested rate and channel count.
func (s *FFmpegService) DecodePCM(ctx context.Context, path string, sampleRate, channels int) ([]int16, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", decodeArgs(path, sampleRate, channels)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if strings.Contains(stderr.String(), "does not contain any stream") ||
			strings.Contains(stderr.String(), "matches no streams") {
			return nil, ErrNoAudioStream
		}
		return nil, fmt.Errorf("ffmpeg decode %s: %w: %s", path, err, truncateString(stderr.String(), 300))
	}

	return pcmFromBytes(out), nil
}

func decodeArgs(path string, sampleRate, channels int) []string {
	return []string{
		"-i", path,
		"-vn",
		"-map", "0:a:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-loglevel", "error",
		"pipe:1",
	}
}

func pcmFromBytes(out []byte) []int16 {
	// Ensure even byte count for int16 alignment
	if len(out)%2 != 0 {
		out = out[:len(out)-1]
	}
	samples := make([]int16, len(out)/2)
	for i := range samples {
		samples[i] = int16(uint16(out[i*2]) | uint16(out[i*2+1])<<8)
	}
	return samples
}

// MuxRequest describes the final mux: the source video's frames with the
// master audio replacing its soundtrack.
type MuxRequest struct {
	VideoPath       string
	MasterPCMPath   string // raw s16le
	SampleRate      int
	Channels        int
	DurationSeconds float64
	SubtitlePath    string // optional ASS file, muxed as a soft subtitle track
	OutputPath      string
}

// Mux copies the video stream untouched and encodes the master audio as AAC.
// Output length is pinned to the video duration.
func (s *FFmpegService) Mux(ctx context.Context, req MuxRequest) error {
	args := muxArgs(req)
	log.Printf("[FFmpeg] Muxing master audio into %s (%.2fs)", filepath.Base(req.OutputPath), req.DurationSeconds)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg mux failed: %w: %s", err, truncateString(stderr.String(), 500))
	}
	return nil
}

func muxArgs(req MuxRequest) []string {
	args := []string{
		"-i", req.VideoPath, // Input 0: source video (frames only)
		"-f", "s16le", // Input 1: raw master audio
		"-ar", strconv.Itoa(req.SampleRate),
		"-ac", strconv.Itoa(req.Channels),
		"-i", req.MasterPCMPath,
	}
	if req.SubtitlePath != "" {
		args = append(args, "-i", req.SubtitlePath) // Input 2: subtitles
	}

	args = append(args,
		"-map", "0:v:0",
		"-map", "1:a:0",
	)
	if req.SubtitlePath != "" {
		args = append(args, "-map", "2:s:0", "-c:s", "mov_text")
	}

	args = append(args,
		"-c:v", "copy", // Copy video stream as-is
		"-c:a", "aac",
		"-b:a", "192k",
		"-t", strconv.FormatFloat(req.DurationSeconds, 'f', 3, 64),
		"-movflags", "+faststart",
		"-y",
		req.OutputPath,
	)
	return args
}

// NewJobDir creates a private scratch directory for one job.
func (s *FFmpegService) NewJobDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp(s.workDir, prefix+"-"+uuid.New().String()[:8]+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	return dir, nil
}

// Cleanup removes temporary files and directories.
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Printf("[FFmpeg] Warning: failed to remove %s: %v", path, err)
		}
	}
}

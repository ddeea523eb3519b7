package services

import (
	"strings"
	"testing"
)

func TestParseProbeDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"12.345000\n", 12.345, false},
		{"N/A", 0, true},
		{"", 0, true},
		{"0.000", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseProbeDuration([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseProbeDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseProbeDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPCMFromBytes(t *testing.T) {
	samples := pcmFromBytes([]byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80, 0x09})
	want := []int16{1, 32767, -32768}
	if len(samples) != len(want) {
		t.Fatalf("got %d samples, want %d", len(samples), len(want))
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestDecodeArgs(t *testing.T) {
	args := strings.Join(decodeArgs("in.mp3", 44100, 2), " ")
	for _, want := range []string{"-i in.mp3", "-f s16le", "-ar 44100", "-ac 2", "pipe:1"} {
		if !strings.Contains(args, want) {
			t.Errorf("decode args missing %q: %s", want, args)
		}
	}
}

func TestMuxArgs(t *testing.T) {
	req := MuxRequest{
		VideoPath:       "src.mp4",
		MasterPCMPath:   "master.pcm",
		SampleRate:      44100,
		Channels:        2,
		DurationSeconds: 60,
		OutputPath:      "out.mp4",
	}

	args := strings.Join(muxArgs(req), " ")
	for _, want := range []string{"-map 0:v:0", "-map 1:a:0", "-c:v copy", "-c:a aac", "-t 60.000", "-f s16le -ar 44100 -ac 2 -i master.pcm"} {
		if !strings.Contains(args, want) {
			t.Errorf("mux args missing %q: %s", want, args)
		}
	}
	if strings.Contains(args, "mov_text") {
		t.Errorf("no subtitle track expected: %s", args)
	}
	if !strings.HasSuffix(args, "out.mp4") {
		t.Errorf("output path must be last: %s", args)
	}

	req.SubtitlePath = "subs.ass"
	args = strings.Join(muxArgs(req), " ")
	if !strings.Contains(args, "-i subs.ass") || !strings.Contains(args, "-map 2:s:0 -c:s mov_text") {
		t.Errorf("subtitle track not mapped: %s", args)
	}
}

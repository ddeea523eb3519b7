package mixer

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	maxSample = 32767
	minSample = -32768
)

// Buffer holds interleaved 16-bit PCM.
type Buffer struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// NewBuffer returns a silent buffer of the given number of frames.
func NewBuffer(sampleRate, channels, frames int) *Buffer {
	if frames < 0 {
		frames = 0
	}
	return &Buffer{
		SampleRate: sampleRate,
		Channels:   channels,
		Samples:    make([]int16, frames*channels),
	}
}

// Frames is the number of samples per channel.
func (b *Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

func (b *Buffer) DurationSeconds() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// FramesFor converts seconds to a frame count at the buffer's rate.
func (b *Buffer) FramesFor(seconds float64) int {
	return framesFor(seconds, b.SampleRate)
}

func framesFor(seconds float64, sampleRate int) int {
	if seconds <= 0 {
		return 0
	}
	return int(math.Round(seconds * float64(sampleRate)))
}

func clamp16(v float64) int16 {
	if v > maxSample {
		return maxSample
	}
	if v < minSample {
		return minSample
	}
	return int16(math.Round(v))
}

// ApplyGain scales every sample by gain in place, clamping to the int16
// range. A gain of zero or less silences the buffer.
func ApplyGain(b *Buffer, gain float64) {
	if gain <= 0 {
		for i := range b.Samples {
			b.Samples[i] = 0
		}
		return
	}
	if gain == 1 {
		return
	}
	for i, s := range b.Samples {
		b.Samples[i] = clamp16(float64(s) * gain)
	}
}

// LoopToDuration repeats the buffer ceil(target/length) times and trims the
// result to exactly the frame count for seconds.
func LoopToDuration(b *Buffer, seconds float64) (*Buffer, error) {
	trackFrames := b.Frames()
	if trackFrames == 0 {
		return nil, fmt.Errorf("cannot loop an empty track")
	}
	target := b.FramesFor(seconds)
	out := NewBuffer(b.SampleRate, b.Channels, target)
	if target == 0 {
		return out, nil
	}

	repeats := int(math.Ceil(seconds / b.DurationSeconds()))
	if repeats*trackFrames < target {
		repeats = (target + trackFrames - 1) / trackFrames
	}

	written := 0
	for r := 0; r < repeats && written < len(out.Samples); r++ {
		written += copy(out.Samples[written:], b.Samples)
	}
	return out, nil
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples decodes little-endian s16 PCM. A trailing odd byte is
// dropped.
func BytesToSamples(data []byte) []int16 {
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return samples
}

// accumulator sums layers at full precision so clamping happens once, after
// every layer has been added.
type accumulator struct {
	sampleRate int
	channels   int
	sums       []int32
}

func newAccumulator(sampleRate, channels, frames int) *accumulator {
	return &accumulator{
		sampleRate: sampleRate,
		channels:   channels,
		sums:       make([]int32, frames*channels),
	}
}

// add overlays src starting at offsetFrames and returns how many frames
// landed inside the master. Anything past the end is dropped.
func (a *accumulator) add(src *Buffer, offsetFrames int) (int, error) {
	if src.Channels != a.channels || src.SampleRate != a.sampleRate {
		return 0, fmt.Errorf("layer format %dHz/%dch does not match master %dHz/%dch",
			src.SampleRate, src.Channels, a.sampleRate, a.channels)
	}
	if offsetFrames < 0 {
		offsetFrames = 0
	}
	start := offsetFrames * a.channels
	if start >= len(a.sums) {
		return 0, nil
	}
	n := len(src.Samples)
	if room := len(a.sums) - start; n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		a.sums[start+i] += int32(src.Samples[i])
	}
	return n / a.channels, nil
}

// buffer clamps the sums to int16 and reports how many samples were clipped.
func (a *accumulator) buffer() (*Buffer, int) {
	out := &Buffer{SampleRate: a.sampleRate, Channels: a.channels, Samples: make([]int16, len(a.sums))}
	clipped := 0
	for i, v := range a.sums {
		switch {
		case v > maxSample:
			out.Samples[i] = maxSample
			clipped++
		case v < minSample:
			out.Samples[i] = minSample
			clipped++
		default:
			out.Samples[i] = int16(v)
		}
	}
	return out, clipped
}

package services

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/bobarin/narrator/internal/models"
)

// ---------------------------------------------------------------------------
// Narration subtitles
//
// Builds an ASS subtitle file from the resolved narration segments. Each
// segment's words are shown a few at a time, with the spoken word highlighted.
// Word timings come from Whisper when available (relative to the segment's
// own audio) and are shifted by the segment's resolved start on the timeline.
// Without Whisper timings the segment's words are spread evenly over its
// measured duration.
// ---------------------------------------------------------------------------

const (
	wordsPerChunk = 4

	// Must match a font installed in the Docker image
	subtitleFontName = "Noto Sans"
	subtitleFontSize = 64

	// ASS colors are &HAABBGGRR
	assColorWhite     = "&H00FFFFFF"
	assColorBlack     = "&H00000000"
	assColorPurple    = "&H00CC3299"
	assColorSemiBlack = "&H80000000"

	outlineNormal    = 3
	outlineHighlight = 8

	subtitleMarginV = 80
)

// GenerateSegmentSubtitles writes an ASS file covering every narrated segment.
// words maps a beat ID to Whisper word timestamps for that beat's audio; beats
// missing from the map get evenly distributed timings.
func GenerateSegmentSubtitles(segments []models.AudioSegment, words map[int][]WordTimestamp, outputPath string) error {
	var groups [][]WordTimestamp
	for _, seg := range segments {
		segWords := words[seg.BeatID]
		if len(segWords) == 0 {
			segWords = distributeWords(seg.Text, seg.ActualDurationSeconds)
		}
		if len(segWords) == 0 {
			continue
		}

		shifted := make([]WordTimestamp, len(segWords))
		for i, w := range segWords {
			shifted[i] = WordTimestamp{
				Word:  w.Word,
				Start: seg.ResolvedStartS + w.Start,
				End:   seg.ResolvedStartS + minFloat(w.End, seg.ActualDurationSeconds),
			}
		}
		groups = append(groups, shifted)
	}

	if len(groups) == 0 {
		return fmt.Errorf("no words to generate subtitles from")
	}

	if err := os.WriteFile(outputPath, []byte(buildASS(groups)), 0644); err != nil {
		return fmt.Errorf("failed to write ASS subtitle file: %w", err)
	}
	return nil
}

// distributeWords spreads the words of text evenly across duration seconds.
func distributeWords(text string, duration float64) []WordTimestamp {
	fields := strings.Fields(text)
	if len(fields) == 0 || duration <= 0 {
		return nil
	}

	step := duration / float64(len(fields))
	out := make([]WordTimestamp, len(fields))
	for i, f := range fields {
		out[i] = WordTimestamp{
			Word:  f,
			Start: float64(i) * step,
			End:   float64(i+1) * step,
		}
	}
	return out
}

// buildASS renders each group (one narration segment) separately so that a
// chunk never spans two segments.
func buildASS(groups [][]WordTimestamp) string {
	var sb strings.Builder

	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	sb.WriteString("PlayResX: 1920\n")
	sb.WriteString("PlayResY: 1080\n")
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n")
	sb.WriteString("\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	sb.WriteString(fmt.Sprintf(
		"Style: Default,%s,%d,%s,%s,%s,%s,-1,0,0,0,100,100,1,0,1,%d,0,2,40,40,%d,1\n",
		subtitleFontName, subtitleFontSize,
		assColorWhite, assColorWhite, assColorBlack, assColorSemiBlack,
		outlineNormal, subtitleMarginV,
	))
	sb.WriteString("\n")

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	for _, words := range groups {
		for _, chunk := range chunkWords(words, wordsPerChunk) {
			for i, word := range chunk {
				end := word.End
				if i < len(chunk)-1 {
					// hand over to the next word without a gap
					end = chunk[i+1].Start
				}
				sb.WriteString(fmt.Sprintf(
					"Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
					formatASSTime(word.Start),
					formatASSTime(end),
					buildHighlightedChunkText(chunk, i),
				))
			}
		}
	}

	return sb.String()
}

// chunkWords groups words into display chunks, also breaking after
// sentence-ending punctuation.
func chunkWords(words []WordTimestamp, chunkSize int) [][]WordTimestamp {
	var chunks [][]WordTimestamp
	var current []WordTimestamp

	for _, word := range words {
		current = append(current, word)

		isSentenceEnd := strings.ContainsAny(word.Word, ".!?")
		if len(current) >= chunkSize || (isSentenceEnd && len(current) >= 2) {
			chunks = append(chunks, current)
			current = nil
		}
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	return chunks
}

// buildHighlightedChunkText renders a chunk with the word at activeIdx
// highlighted, e.g. "THE {\3c&H00CC3299\bord8}HISTORY{\r} OF COFFEE".
func buildHighlightedChunkText(chunk []WordTimestamp, activeIdx int) string {
	var parts []string

	for i, word := range chunk {
		cleanWord := strings.ToUpper(strings.TrimSpace(word.Word))
		if cleanWord == "" {
			continue
		}

		if i == activeIdx {
			parts = append(parts, fmt.Sprintf(
				"{\\3c%s\\bord%d}%s{\\r}",
				assColorPurple, outlineHighlight, cleanWord,
			))
		} else {
			parts = append(parts, cleanWord)
		}
	}

	return strings.Join(parts, " ")
}

// formatASSTime converts seconds to H:MM:SS.CC
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}

	total := int(math.Round(seconds * 100))
	hours := total / 360000
	minutes := (total % 360000) / 6000
	secs := (total % 6000) / 100
	centiseconds := total % 100

	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, secs, centiseconds)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

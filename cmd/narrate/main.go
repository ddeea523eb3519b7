package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bobarin/narrator/internal/calibration"
	"github.com/bobarin/narrator/internal/catalog"
	"github.com/bobarin/narrator/internal/config"
	"github.com/bobarin/narrator/internal/mixer"
	"github.com/bobarin/narrator/internal/models"
	"github.com/bobarin/narrator/internal/pipeline"
	"github.com/bobarin/narrator/internal/plan"
	"github.com/bobarin/narrator/internal/services"
)

func main() {
	videoPtr := flag.String("video", "", "Source video (overrides the plan's video field)")
	planPtr := flag.String("plan", "", "YAML beat plan; without one the video is segmented automatically")
	outputPtr := flag.String("output", "", "Output video (default: <video>_narrated.mp4)")
	voicePtr := flag.String("voice", "", "TTS voice id (default: provider voice from env)")
	languagePtr := flag.String("language", "", "Narration language: en, es, ...")
	stylePtr := flag.String("style", "", "Narration style: viral, documentary, funny")
	topicPtr := flag.String("topic", "", "Topic hint for generated narration")
	volumePtr := flag.Int("original-volume", -1, "Source audio volume 0-100 (-1: plan or env default)")
	musicPtr := flag.String("music", "", "Background track id from MUSIC_DIR")
	bgGainPtr := flag.Float64("background-gain", -1, "Background track gain 0-1 (-1: plan or env default)")
	subtitlesPtr := flag.Bool("subtitles", false, "Write an ASS sidecar and mux it as a soft subtitle track")
	savePlanPtr := flag.String("save-plan", "", "Write the resolved beats (budgets and narration) to this YAML file")
	listMusicPtr := flag.Bool("list-music", false, "List background tracks and exit")

	flag.Parse()

	cfg, err := config.LoadEngine()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	tracks := catalog.New(cfg.MusicDir)
	if err := tracks.Refresh(); err != nil {
		log.Printf("WARNING: background music unavailable: %v", err)
	}

	if *listMusicPtr {
		for _, t := range tracks.List() {
			fmt.Printf("%-32s %s\n", t.ID, t.Name)
		}
		return
	}

	p := &plan.Plan{}
	if *planPtr != "" {
		p, err = plan.Read(*planPtr)
		if err != nil {
			log.Fatalf("Failed to read plan: %v", err)
		}
		fmt.Printf("[*] Plan: %s (%d beats)\n", *planPtr, len(p.Beats))
	}

	req := buildRequest(cfg, p, overrides{
		video:          *videoPtr,
		output:         *outputPtr,
		voice:          *voicePtr,
		language:       *languagePtr,
		style:          *stylePtr,
		topic:          *topicPtr,
		originalVolume: *volumePtr,
		music:          *musicPtr,
		backgroundGain: *bgGainPtr,
	})
	if req.VideoPath == "" {
		log.Fatal("No video given: use -video or set video in the plan")
	}
	if req.VoiceID == "" {
		log.Fatal("No voice given: use -voice or set ELEVENLABS_VOICE_ID / CARTESIA_VOICE_ID")
	}
	if *subtitlesPtr {
		req.SubtitlesPath = pipeline.SubtitlesPathFor(req.OutputPath)
	}

	ffmpegSvc, err := services.NewFFmpegService(filepath.Join(cfg.WorkDir, "narrator"))
	if err != nil {
		log.Fatalf("Failed to initialize ffmpeg: %v", err)
	}

	var provider services.TTSProvider
	if cfg.ElevenLabsKey != "" {
		provider = services.NewElevenLabsService(cfg.ElevenLabsKey, req.VoiceID, cfg.ElevenLabsModel)
	} else {
		provider = services.NewCartesiaService(cfg.CartesiaKey, cfg.CartesiaURL, req.VoiceID)
	}
	synth := services.NewRetryingSynthesizer(services.NewSpeechGateway(provider, ffmpegSvc), cfg.SynthesisMaxRetries)

	store := calibration.NewFileStore(cfg.CalibrationFile)
	calibrator := calibration.NewCalibrator(store, synth, cfg.WorkDir, cfg.FallbackWPS)

	engine := pipeline.New(
		ffmpegSvc,
		synth,
		calibrator,
		store,
		mixer.New(ffmpegSvc, cfg.SampleRate, cfg.AudioChannels),
		pipeline.Options{
			SafetyFactor:         cfg.SafetyFactor,
			SynthesisConcurrency: cfg.SynthesisConcurrency,
			SampleRate:           cfg.SampleRate,
			Channels:             cfg.AudioChannels,
		},
	)
	engine.Tracks = tracks
	if cfg.OpenAIKey != "" {
		openaiSvc := services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIModel)
		engine.Writer = openaiSvc
		engine.Transcriber = openaiSvc
	}
	if cfg.GeminiKey != "" {
		engine.Segmenter = services.NewGeminiService(cfg.GeminiKey, cfg.GeminiModel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("[*] Narrating %s -> %s\n", req.VideoPath, req.OutputPath)
	res, err := engine.Run(ctx, req)
	if err != nil {
		log.Fatalf("[-] Narration failed: %v", err)
	}

	printSummary(res)

	if *savePlanPtr != "" {
		p.Video = req.VideoPath
		p.Voice = req.VoiceID
		p.Language = req.Language
		p.Style = req.Style
		p.Beats = res.Beats
		if err := plan.Write(p, *savePlanPtr); err != nil {
			log.Fatalf("Failed to write plan: %v", err)
		}
		fmt.Printf("[*] Plan saved: %s\n", *savePlanPtr)
	}
}

type overrides struct {
	video, output                 string
	voice, language, style, topic string
	originalVolume                int
	music                         string
	backgroundGain                float64
}

// buildRequest merges flags over the plan over env defaults.
func buildRequest(cfg *config.Config, p *plan.Plan, o overrides) pipeline.Request {
	req := pipeline.Request{
		JobID:             "cli",
		VideoPath:         firstNonEmpty(o.video, p.Video),
		VoiceID:           firstNonEmpty(o.voice, p.Voice, cfg.VoiceID()),
		Language:          firstNonEmpty(o.language, p.Language, "en"),
		Style:             firstNonEmpty(o.style, p.Style, "documentary"),
		Topic:             firstNonEmpty(o.topic, p.Topic),
		Beats:             p.Beats,
		OriginalGain:      cfg.DefaultOriginalGain,
		BackgroundTrackID: firstNonEmpty(o.music, p.Music),
		BackgroundGain:    cfg.DefaultBackgroundGain,
	}

	switch {
	case o.originalVolume >= 0:
		req.OriginalGain = models.OriginalGainFromVolume(o.originalVolume)
	case p.OriginalVolume != nil:
		req.OriginalGain = models.OriginalGainFromVolume(*p.OriginalVolume)
	}

	switch {
	case o.backgroundGain >= 0:
		req.BackgroundGain = o.backgroundGain
	case p.BackgroundGain != nil:
		req.BackgroundGain = *p.BackgroundGain
	}

	req.OutputPath = o.output
	if req.OutputPath == "" && req.VideoPath != "" {
		ext := filepath.Ext(req.VideoPath)
		req.OutputPath = strings.TrimSuffix(req.VideoPath, ext) + "_narrated.mp4"
	}

	return req
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func printSummary(res *pipeline.Result) {
	fmt.Printf("[+] Done: %s (%.2fs)\n", res.OutputPath, res.VideoDurationSeconds)
	if res.SubtitlesPath != "" {
		fmt.Printf("    subtitles: %s\n", res.SubtitlesPath)
	}
	fmt.Printf("    rate: %.2f words/s (%s)\n", res.WordsPerSecond, res.WPSSource)
	fmt.Printf("    segments: %d placed, silent beats: %v\n", len(res.Segments), res.SilentBeats)
	for _, d := range res.Delays {
		fmt.Printf("    beat %d delayed %.2fs (%.2fs -> %.2fs)\n", d.BeatID, d.Seconds, d.PlannedStartS, d.ResolvedStartS)
	}
	for _, w := range res.Warnings {
		fmt.Printf("    warning: %s\n", w)
	}
	if res.Mix != nil && res.Mix.ClippedSamples > 0 {
		fmt.Printf("    clipped samples: %d\n", res.Mix.ClippedSamples)
	}
}

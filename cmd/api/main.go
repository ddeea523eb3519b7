package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bobarin/narrator/internal/api"
	"github.com/bobarin/narrator/internal/calibration"
	"github.com/bobarin/narrator/internal/catalog"
	"github.com/bobarin/narrator/internal/config"
	"github.com/bobarin/narrator/internal/db"
	"github.com/bobarin/narrator/internal/mixer"
	"github.com/bobarin/narrator/internal/pipeline"
	"github.com/bobarin/narrator/internal/planner"
	"github.com/bobarin/narrator/internal/queue"
	"github.com/bobarin/narrator/internal/services"
	"github.com/bobarin/narrator/internal/storage"
	"github.com/bobarin/narrator/internal/worker"
)

func main() {
	log.Println("Starting Narrator API...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	log.Println("Initialized Supabase storage")

	ffmpegSvc, err := services.NewFFmpegService(filepath.Join(cfg.WorkDir, "narrator"))
	if err != nil {
		log.Fatalf("Failed to initialize ffmpeg: %v", err)
	}

	// TTS provider: ElevenLabs preferred, Cartesia otherwise
	var provider services.TTSProvider
	if cfg.ElevenLabsKey != "" {
		provider = services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModel)
		log.Printf("TTS provider: ElevenLabs (voice: %s, model: %s)", cfg.VoiceID(), cfg.ElevenLabsModel)
	} else {
		provider = services.NewCartesiaService(cfg.CartesiaKey, cfg.CartesiaURL, cfg.CartesiaVoiceID)
		log.Printf("TTS provider: Cartesia (voice: %s)", cfg.VoiceID())
	}
	synth := services.NewRetryingSynthesizer(services.NewSpeechGateway(provider, ffmpegSvc), cfg.SynthesisMaxRetries)

	// Calibrations live in Postgres with a Redis read-through cache shared by all instances
	calibrations := calibration.NewRedisStore(
		q.Client(),
		database.Calibrations(),
		time.Duration(cfg.CalibrationCacheTTLHours)*time.Hour,
	)
	calibrator := calibration.NewCalibrator(calibrations, synth, cfg.WorkDir, cfg.FallbackWPS)

	tracks := catalog.New(cfg.MusicDir)
	if err := tracks.Refresh(); err != nil {
		log.Printf("WARNING: background music unavailable: %v", err)
	}

	plan := planner.New(cfg.SafetyFactor)

	handler := api.NewHandler(database, q, stor, tracks, calibrator, calibrations, plan, api.Defaults{
		VoiceID:        cfg.VoiceID(),
		Language:       "en",
		Style:          "documentary",
		OriginalGain:   cfg.DefaultOriginalGain,
		BackgroundGain: cfg.DefaultBackgroundGain,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		engine := pipeline.New(
			ffmpegSvc,
			synth,
			calibrator,
			calibrations,
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
			log.Printf("Narration writer enabled (model: %s)", cfg.OpenAIModel)
		}
		if cfg.GeminiKey != "" {
			engine.Segmenter = services.NewGeminiService(cfg.GeminiKey, cfg.GeminiModel)
			log.Printf("Video segmentation enabled (model: %s)", cfg.GeminiModel)
		}

		w := worker.New(database, q, stor, engine, ffmpegSvc, cfg.SubtitlesEnabled)

		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.MaxConcurrentJobs)
	}

	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if workerCancel != nil {
		workerCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

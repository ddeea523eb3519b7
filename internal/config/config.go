package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis (job queue + shared calibration cache)
	RedisURL                 string
	CalibrationCacheTTLHours int

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// OpenAI (fills narration text for beats that have none)
	OpenAIKey   string
	OpenAIModel string

	// Gemini (visual segmentation when a job carries no beats)
	GeminiKey   string
	GeminiModel string

	// ElevenLabs (preferred TTS provider)
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	ElevenLabsModel   string

	// Cartesia (used when ElevenLabs key is not set)
	CartesiaKey     string
	CartesiaURL     string
	CartesiaVoiceID string

	// Narration timing
	SafetyFactor         float64
	FallbackWPS          float64
	SynthesisConcurrency int // parallel TTS calls per job, bounded by provider rate limit
	SynthesisMaxRetries  int // extra attempts per beat before it falls back to silence

	// Audio
	SampleRate            int
	AudioChannels         int
	DefaultOriginalGain   float64
	DefaultBackgroundGain float64
	MusicDir              string
	WorkDir               string // job temp directories are created here
	CalibrationFile       string // JSON calibration store used by the CLI
	SubtitlesEnabled      bool

	// Worker
	MaxConcurrentJobs int
}

// Load reads the full service configuration and validates what the API and
// worker need.
func Load() (*Config, error) {
	cfg := read()

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if err := cfg.validateEngine(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEngine reads the configuration for running the narration engine
// locally, without database, queue or storage.
func LoadEngine() (*Config, error) {
	cfg := read()
	if err := cfg.validateEngine(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read() *Config {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	return &Config{
		APIPort:                  getEnv("API_PORT", "8080"),
		WorkerEnabled:            getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:            getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:       getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379"),
		CalibrationCacheTTLHours: getEnvInt("CALIBRATION_CACHE_TTL_HOURS", 24),
		SupabaseURL:              getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:       getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket:    getEnv("SUPABASE_STORAGE_BUCKET", "narrated-videos"),
		OpenAIKey:                getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:              getEnv("OPENAI_MODEL", "gpt-4o"),
		GeminiKey:                getEnv("GEMINI_API_KEY", ""),
		GeminiModel:              getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		ElevenLabsKey:            getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:        getEnv("ELEVENLABS_VOICE_ID", ""),
		ElevenLabsModel:          getEnv("ELEVENLABS_MODEL", "eleven_multilingual_v2"),
		CartesiaKey:              getEnv("CARTESIA_API_KEY", ""),
		CartesiaURL:              getEnv("CARTESIA_API_URL", "https://api.cartesia.ai"),
		CartesiaVoiceID:          getEnv("CARTESIA_VOICE_ID", ""),
		SafetyFactor:             getEnvFloat("SAFETY_FACTOR", 0.85),
		FallbackWPS:              getEnvFloat("FALLBACK_WPS", 2.3),
		SynthesisConcurrency:     getEnvInt("SYNTHESIS_CONCURRENCY", 3),
		SynthesisMaxRetries:      getEnvInt("SYNTHESIS_MAX_RETRIES", 0),
		SampleRate:               getEnvInt("SAMPLE_RATE", 44100),
		AudioChannels:            getEnvInt("AUDIO_CHANNELS", 2),
		DefaultOriginalGain:      getEnvFloat("DEFAULT_ORIGINAL_GAIN", 0.3),
		DefaultBackgroundGain:    getEnvFloat("DEFAULT_BACKGROUND_GAIN", 0.1),
		MusicDir:                 getEnv("MUSIC_DIR", "assets/music"),
		WorkDir:                  getEnv("WORK_DIR", os.TempDir()),
		CalibrationFile:          getEnv("CALIBRATION_FILE", "voice_calibration.json"),
		SubtitlesEnabled:         getEnvBool("SUBTITLES_ENABLED", false),
		MaxConcurrentJobs:        getEnvInt("MAX_CONCURRENT_JOBS", 2),
	}
}

func (c *Config) validateEngine() error {
	// At least one TTS provider must be configured
	if c.ElevenLabsKey == "" && c.CartesiaKey == "" {
		return fmt.Errorf("either ELEVENLABS_API_KEY or CARTESIA_API_KEY is required for TTS")
	}

	if c.SafetyFactor <= 0 || c.SafetyFactor > 1 {
		return fmt.Errorf("SAFETY_FACTOR must be within (0,1], got %.2f", c.SafetyFactor)
	}

	if c.FallbackWPS <= 0 {
		return fmt.Errorf("FALLBACK_WPS must be positive")
	}

	if c.SampleRate <= 0 || c.AudioChannels <= 0 {
		return fmt.Errorf("SAMPLE_RATE and AUDIO_CHANNELS must be positive")
	}

	if c.SynthesisConcurrency < 1 {
		c.SynthesisConcurrency = 1
	}
	if c.SynthesisMaxRetries < 0 {
		c.SynthesisMaxRetries = 0
	}

	return nil
}

// VoiceID returns the default voice for whichever TTS provider is active.
func (c *Config) VoiceID() string {
	if c.ElevenLabsKey != "" {
		return c.ElevenLabsVoiceID
	}
	return c.CartesiaVoiceID
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

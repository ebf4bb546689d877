package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the screen mentoring service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// ProviderMode selects the upstream providers: live connections, local
	// mocks, or auto (live when both API keys are present).
	ProviderMode string

	AgentWSBaseURL     string
	AgentAPIKey        string
	AgentModel         string
	AgentVoice         string
	AgentInstructions  string
	AgentInputRate     int
	AgentOutputRate    int

	DeepgramBaseURL       string
	DeepgramAPIKey        string
	DeepgramModel         string
	TranscriptionLanguage string
	SmartFormat           bool
	InterimResults        bool

	FFmpegPath   string
	FFplayPath   string
	ScreenFormat string
	ScreenInput  string
	CameraFormat string
	CameraInput  string
	MicFormat    string
	MicInput     string

	VideoWidth     int
	VideoHeight    int
	FrameRate      int
	FrameInterval  time.Duration
	FrameWidth     int
	JPEGQuality    int
	MicSampleRate  int
	MicBlockSize   int
	AudioDumpPath  string
	AudioDumpLimit int
}

// DefaultInstructions is the persona prompt sent at agent session setup.
const DefaultInstructions = "Você é um mentor ao vivo. Observe a tela compartilhada e narre, " +
	"em português, o que está acontecendo e o que o usuário deveria considerar fazer em seguida. " +
	"Fale de forma curta e direta, como um mentor ao lado do usuário."

// Load reads environment variables and applies safe defaults. Credentials
// may be absent at boot; their absence only fails a session start.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "screenmentor"),
		AllowAnyOrigin:   false,
		ShutdownTimeout:  15 * time.Second,
		ProviderMode:     strings.ToLower(envOrDefault("PROVIDER_MODE", "auto")),

		AgentWSBaseURL:    envOrDefault("AGENT_WS_BASE_URL", "wss://api.mentorlive.dev"),
		AgentAPIKey:       stringsTrimSpace("AGENT_API_KEY"),
		AgentModel:        envOrDefault("AGENT_MODEL", "mentor-live-2"),
		AgentVoice:        envOrDefault("AGENT_VOICE", "aura"),
		AgentInstructions: envOrDefault("AGENT_INSTRUCTIONS", DefaultInstructions),
		AgentInputRate:    16000,
		AgentOutputRate:   24000,

		DeepgramBaseURL:       envOrDefault("DEEPGRAM_BASE_URL", "https://api.deepgram.com/v1"),
		DeepgramAPIKey:        stringsTrimSpace("DEEPGRAM_API_KEY"),
		DeepgramModel:         envOrDefault("DEEPGRAM_MODEL", "nova-2"),
		TranscriptionLanguage: envOrDefault("TRANSCRIPTION_LANGUAGE", "pt-BR"),
		SmartFormat:           true,
		InterimResults:        true,

		FFmpegPath:   envOrDefault("FFMPEG_PATH", "ffmpeg"),
		FFplayPath:   envOrDefault("FFPLAY_PATH", "ffplay"),
		ScreenFormat: envOrDefault("CAPTURE_SCREEN_FORMAT", "x11grab"),
		ScreenInput:  envOrDefault("CAPTURE_SCREEN_INPUT", ":0.0"),
		CameraFormat: envOrDefault("CAPTURE_CAMERA_FORMAT", "v4l2"),
		CameraInput:  envOrDefault("CAPTURE_CAMERA_INPUT", "/dev/video0"),
		MicFormat:    envOrDefault("CAPTURE_MIC_FORMAT", "pulse"),
		MicInput:     envOrDefault("CAPTURE_MIC_INPUT", "default"),

		VideoWidth:     1280,
		VideoHeight:    720,
		FrameRate:      5,
		FrameInterval:  time.Second,
		FrameWidth:     640,
		JPEGQuality:    70,
		MicSampleRate:  16000,
		MicBlockSize:   3200,
		AudioDumpPath:  stringsTrimSpace("AUDIO_DUMP_PATH"),
		AudioDumpLimit: 32 << 20,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SmartFormat, err = boolFromEnv("TRANSCRIPTION_SMART_FORMAT", cfg.SmartFormat)
	if err != nil {
		return Config{}, err
	}
	cfg.InterimResults, err = boolFromEnv("TRANSCRIPTION_INTERIM_RESULTS", cfg.InterimResults)
	if err != nil {
		return Config{}, err
	}
	cfg.FrameInterval, err = durationFromEnv("FRAME_INTERVAL", cfg.FrameInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.VideoWidth, err = intFromEnv("CAPTURE_VIDEO_WIDTH", cfg.VideoWidth)
	if err != nil {
		return Config{}, err
	}
	cfg.VideoHeight, err = intFromEnv("CAPTURE_VIDEO_HEIGHT", cfg.VideoHeight)
	if err != nil {
		return Config{}, err
	}
	cfg.FrameRate, err = intFromEnv("CAPTURE_FRAME_RATE", cfg.FrameRate)
	if err != nil {
		return Config{}, err
	}
	cfg.FrameWidth, err = intFromEnv("FRAME_WIDTH", cfg.FrameWidth)
	if err != nil {
		return Config{}, err
	}
	cfg.JPEGQuality, err = intFromEnv("FRAME_JPEG_QUALITY", cfg.JPEGQuality)
	if err != nil {
		return Config{}, err
	}
	cfg.MicSampleRate, err = intFromEnv("MIC_SAMPLE_RATE", cfg.MicSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.MicBlockSize, err = intFromEnv("MIC_BLOCK_SIZE", cfg.MicBlockSize)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioDumpLimit, err = intFromEnv("AUDIO_DUMP_LIMIT_BYTES", cfg.AudioDumpLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.FrameInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("FRAME_INTERVAL must be at least 100ms")
	}
	if cfg.VideoWidth <= 0 || cfg.VideoHeight <= 0 {
		return Config{}, fmt.Errorf("capture video dimensions must be positive")
	}
	if cfg.FrameWidth <= 0 {
		return Config{}, fmt.Errorf("FRAME_WIDTH must be positive")
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return Config{}, fmt.Errorf("FRAME_JPEG_QUALITY must be in [1,100]")
	}
	if cfg.MicSampleRate <= 0 {
		return Config{}, fmt.Errorf("MIC_SAMPLE_RATE must be positive")
	}
	if cfg.MicBlockSize <= 0 || cfg.MicBlockSize%2 != 0 {
		return Config{}, fmt.Errorf("MIC_BLOCK_SIZE must be a positive even byte count")
	}
	switch cfg.ProviderMode {
	case "auto", "live", "mock":
	default:
		return Config{}, fmt.Errorf("invalid PROVIDER_MODE: %q (expected auto|live|mock)", cfg.ProviderMode)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MetricsNamespace != "screenmentor" {
		t.Fatalf("MetricsNamespace = %q, want screenmentor", cfg.MetricsNamespace)
	}
	if cfg.TranscriptionLanguage != "pt-BR" {
		t.Fatalf("TranscriptionLanguage = %q, want pt-BR", cfg.TranscriptionLanguage)
	}
	if !cfg.SmartFormat || !cfg.InterimResults {
		t.Fatalf("transcription flags = %v/%v, want true/true", cfg.SmartFormat, cfg.InterimResults)
	}
	if cfg.FrameInterval != time.Second {
		t.Fatalf("FrameInterval = %s, want 1s", cfg.FrameInterval)
	}
	if cfg.AgentInputRate != 16000 || cfg.AgentOutputRate != 24000 {
		t.Fatalf("agent rates = %d/%d, want 16000/24000", cfg.AgentInputRate, cfg.AgentOutputRate)
	}
	if cfg.MicBlockSize != 3200 {
		t.Fatalf("MicBlockSize = %d, want 3200", cfg.MicBlockSize)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("TRANSCRIPTION_LANGUAGE", "en-US")
	t.Setenv("FRAME_INTERVAL", "2s")
	t.Setenv("FRAME_JPEG_QUALITY", "55")
	t.Setenv("DEEPGRAM_API_KEY", "  dg-key  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want :9090", cfg.BindAddr)
	}
	if cfg.TranscriptionLanguage != "en-US" {
		t.Fatalf("TranscriptionLanguage = %q, want en-US", cfg.TranscriptionLanguage)
	}
	if cfg.FrameInterval != 2*time.Second {
		t.Fatalf("FrameInterval = %s, want 2s", cfg.FrameInterval)
	}
	if cfg.JPEGQuality != 55 {
		t.Fatalf("JPEGQuality = %d, want 55", cfg.JPEGQuality)
	}
	if cfg.DeepgramAPIKey != "dg-key" {
		t.Fatalf("DeepgramAPIKey = %q, want trimmed dg-key", cfg.DeepgramAPIKey)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"FRAME_INTERVAL":     "50ms",
		"FRAME_JPEG_QUALITY": "0",
		"MIC_BLOCK_SIZE":     "3201",
		"CAPTURE_VIDEO_WIDTH": "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s error = nil, want error", key, value)
			}
		})
	}
}

func TestLoadRejectsUnparsableBool(t *testing.T) {
	t.Setenv("TRANSCRIPTION_SMART_FORMAT", "maybe")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want bool parse error")
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"screenmentor/internal/agent"
	"screenmentor/internal/audio"
	"screenmentor/internal/capture"
	"screenmentor/internal/config"
	"screenmentor/internal/httpapi"
	"screenmentor/internal/msglog"
	"screenmentor/internal/observability"
	"screenmentor/internal/playback"
	"screenmentor/internal/session"
	"screenmentor/internal/transcribe"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	captureManager := capture.NewManager(capture.Config{
		FFmpegPath:   cfg.FFmpegPath,
		ScreenFormat: cfg.ScreenFormat,
		ScreenInput:  cfg.ScreenInput,
		CameraFormat: cfg.CameraFormat,
		CameraInput:  cfg.CameraInput,
		MicFormat:    cfg.MicFormat,
		MicInput:     cfg.MicInput,
		VideoWidth:   cfg.VideoWidth,
		VideoHeight:  cfg.VideoHeight,
		FrameRate:    cfg.FrameRate,
		SampleRate:   cfg.MicSampleRate,
	})

	haveKeys := strings.TrimSpace(cfg.AgentAPIKey) != "" && strings.TrimSpace(cfg.DeepgramAPIKey) != ""
	mode := cfg.ProviderMode
	if mode == "auto" {
		if haveKeys {
			mode = "live"
		} else {
			mode = "mock"
		}
	}
	if mode == "live" && !haveKeys {
		log.Fatalf("PROVIDER_MODE=live but AGENT_API_KEY or DEEPGRAM_API_KEY is not set")
	}

	deps := session.Deps{
		Media:               &session.CaptureProvider{Manager: captureManager},
		AgentAPIKey:         cfg.AgentAPIKey,
		TranscriptionAPIKey: cfg.DeepgramAPIKey,
		Sampler: capture.SamplerConfig{
			Interval:    cfg.FrameInterval,
			TargetWidth: cfg.FrameWidth,
			JPEGQuality: cfg.JPEGQuality,
		},
		BlockSize: cfg.MicBlockSize,
		NewSpeaker: func() playback.Sink {
			return playback.NewFFPlaySpeaker(cfg.FFplayPath, cfg.AgentOutputRate)
		},

		OnFrameSampled: func() { metrics.FramesSampled.Inc() },
		OnAudioBlock:   func() { metrics.AudioBlocks.Inc() },
		OnAudioDelta:   func() { metrics.PlaybackSegments.Inc() },
		OnPurge: func() {
			metrics.PlaybackPurges.Inc()
			stages.ObserveIndicator("playback_purge")
		},
		OnTranscript: func(committed bool) {
			kind := "interim"
			if committed {
				kind = "committed"
			}
			metrics.TranscriptEvents.WithLabelValues(kind).Inc()
		},
	}

	switch mode {
	case "live":
		deps.NewAgent = func() session.AgentConn {
			return agent.New(agent.Config{
				BaseURL:          cfg.AgentWSBaseURL,
				APIKey:           cfg.AgentAPIKey,
				Model:            cfg.AgentModel,
				Voice:            cfg.AgentVoice,
				Instructions:     cfg.AgentInstructions,
				InputSampleRate:  cfg.AgentInputRate,
				OutputSampleRate: cfg.AgentOutputRate,
			})
		}
		deps.NewTranscriber = func() session.TranscribeConn {
			return transcribe.New(transcribe.Config{
				BaseURL:        cfg.DeepgramBaseURL,
				APIKey:         cfg.DeepgramAPIKey,
				Model:          cfg.DeepgramModel,
				Language:       cfg.TranscriptionLanguage,
				SampleRate:     cfg.MicSampleRate,
				SmartFormat:    cfg.SmartFormat,
				InterimResults: cfg.InterimResults,
			})
		}
		log.Printf("providers: live (agent=%s, stt=%s)", cfg.AgentModel, cfg.DeepgramModel)
	case "mock":
		deps.NewAgent = func() session.AgentConn { return agent.NewMock() }
		deps.NewTranscriber = func() session.TranscribeConn { return transcribe.NewMock() }
		// The credential gate still applies; mocks need no real keys.
		deps.AgentAPIKey = "mock"
		deps.TranscriptionAPIKey = "mock"
		log.Printf("providers: mock (no upstream credentials required)")
	}

	var dump *audio.DumpBuffer
	if cfg.AudioDumpPath != "" {
		dump = audio.NewDumpBuffer(cfg.AudioDumpLimit)
		deps.AudioDump = dump
	}

	lifecycle := session.NewLifecycle(deps, msglog.New())

	api := httpapi.New(cfg, lifecycle, metrics, stages)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	lifecycle.Stop()

	if dump != nil && dump.Len() > 0 {
		if err := audio.WriteWAVPCM16LEFile(cfg.AudioDumpPath, dump.Bytes(), cfg.MicSampleRate); err != nil {
			log.Printf("audio dump write failed: %v", err)
		} else {
			log.Printf("audio dump written to %s (%d bytes)", cfg.AudioDumpPath, dump.Len())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

package agent

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	if c.cfg.InputSampleRate != 16000 {
		t.Fatalf("InputSampleRate = %d, want 16000", c.cfg.InputSampleRate)
	}
	if c.OutputSampleRate() != 24000 {
		t.Fatalf("OutputSampleRate() = %d, want 24000", c.OutputSampleRate())
	}
	if c.State() != StateIdle {
		t.Fatalf("State = %s, want idle", c.State())
	}
}

func TestConnectRequiresAPIKey(t *testing.T) {
	c := New(Config{})
	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatalf("Connect() error = nil, want missing key error")
	}
}

func TestLiveURL(t *testing.T) {
	c := New(Config{BaseURL: "https://agent.example.com", Model: "mentor-live-2"})
	u, err := c.liveURL()
	if err != nil {
		t.Fatalf("liveURL() error = %v", err)
	}
	if !strings.HasPrefix(u, "wss://agent.example.com/v1/live") {
		t.Fatalf("liveURL() = %q, want wss scheme and /v1/live path", u)
	}
	if !strings.Contains(u, "model=mentor-live-2") {
		t.Fatalf("liveURL() = %q, missing model", u)
	}
}

func TestSendOutsideOpenIsDropped(t *testing.T) {
	c := New(Config{APIKey: "k"})
	c.SendAudio([]byte{0x01})
	c.SendFrame("aGk=")
	if c.State() != StateIdle {
		t.Fatalf("State = %s, want idle", c.State())
	}
}

func TestConnectSessionFlow(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotSetup := make(chan map[string]any, 1)
	gotAudio := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q, want Bearer secret", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		gotSetup <- setup

		_ = conn.WriteJSON(map[string]any{"type": "session.opened"})

		var chunk map[string]any
		if err := conn.ReadJSON(&chunk); err != nil {
			return
		}
		gotAudio <- chunk

		pcm := base64.StdEncoding.EncodeToString(make([]byte, 480))
		_ = conn.WriteJSON(map[string]any{"type": "response.audio_delta", "audio_base64": pcm})
		_ = conn.WriteJSON(map[string]any{"type": "response.text_delta", "text": "vejo um rompimento"})
		_ = conn.WriteJSON(map[string]any{"type": "response.interrupted"})
		_ = conn.WriteJSON(map[string]any{"type": "session.closed"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "secret", Instructions: "seja um mentor", Voice: "aura"})
	events, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case setup := <-gotSetup:
		if setup["type"] != "session.setup" {
			t.Fatalf("setup type = %v, want session.setup", setup["type"])
		}
		if setup["output_modality"] != "audio" {
			t.Fatalf("output_modality = %v, want audio", setup["output_modality"])
		}
		if setup["output_audio_transcription"] != true {
			t.Fatalf("output_audio_transcription = %v, want true", setup["output_audio_transcription"])
		}
		if setup["instructions"] != "seja um mentor" {
			t.Fatalf("instructions = %v", setup["instructions"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received setup")
	}

	waitEvent := func(want EventType) Event {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					t.Fatalf("events closed while waiting for %s", want)
				}
				if evt.Type == want {
					return evt
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", want)
			}
		}
	}

	waitEvent(EventOpened)
	if c.State() != StateOpen {
		t.Fatalf("State = %s, want open after session.opened", c.State())
	}

	c.SendAudio(make([]byte, 640))
	select {
	case chunk := <-gotAudio:
		if chunk["type"] != "input_audio_chunk" {
			t.Fatalf("chunk type = %v, want input_audio_chunk", chunk["type"])
		}
		raw, err := base64.StdEncoding.DecodeString(chunk["audio_base64"].(string))
		if err != nil || len(raw) != 640 {
			t.Fatalf("decoded audio = %d bytes (err %v), want 640", len(raw), err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received audio chunk")
	}

	if evt := waitEvent(EventAudioDelta); len(evt.PCM) != 480 {
		t.Fatalf("audio delta PCM = %d bytes, want 480", len(evt.PCM))
	}
	if evt := waitEvent(EventTextDelta); evt.Text != "vejo um rompimento" {
		t.Fatalf("text delta = %q", evt.Text)
	}
	waitEvent(EventInterrupted)
	waitEvent(EventClosed)
	if c.State() != StateClosed {
		t.Fatalf("State = %s, want closed", c.State())
	}
	_ = c.Close()
}

func TestTransientErrorIsSwallowed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var setup map[string]any
		_ = conn.ReadJSON(&setup)
		_ = conn.WriteJSON(map[string]any{"type": "session.opened"})
		_ = conn.WriteJSON(map[string]any{"type": "error", "code": "rate_limited", "message": "slow down"})
		_ = conn.WriteJSON(map[string]any{"type": "session.closed"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	events, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for evt := range events {
		if evt.Type == EventError {
			t.Fatalf("transient upstream error surfaced: %+v", evt)
		}
	}
	if c.State() != StateClosed {
		t.Fatalf("State = %s, want closed", c.State())
	}
}

package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	if c.cfg.BaseURL != "https://api.deepgram.com/v1" {
		t.Fatalf("BaseURL = %q, want deepgram default", c.cfg.BaseURL)
	}
	if c.cfg.Model != "nova-2" {
		t.Fatalf("Model = %q, want nova-2", c.cfg.Model)
	}
	if c.cfg.Language != "pt-BR" {
		t.Fatalf("Language = %q, want pt-BR", c.cfg.Language)
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

func TestListenURL(t *testing.T) {
	c := New(Config{
		BaseURL:        "http://localhost:9000/v1",
		Model:          "nova-2",
		Language:       "pt-BR",
		SampleRate:     16000,
		SmartFormat:    true,
		InterimResults: true,
	})
	u, err := c.listenURL()
	if err != nil {
		t.Fatalf("listenURL() error = %v", err)
	}
	for _, want := range []string{
		"ws://localhost:9000/v1/listen",
		"language=pt-BR",
		"encoding=linear16",
		"sample_rate=16000",
		"interim_results=true",
		"smart_format=true",
	} {
		if !strings.Contains(u, want) {
			t.Fatalf("listenURL() = %q, missing %q", u, want)
		}
	}
}

func TestSendAudioOutsideOpenIsDropped(t *testing.T) {
	c := New(Config{APIKey: "k"})
	// Idle, no connection: must not panic, must not block.
	c.SendAudio([]byte{0x01, 0x02})
}

func TestConnectStreamsTranscripts(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token secret" {
			t.Errorf("Authorization = %q, want Token secret", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			received <- payload
		}

		interim := map[string]any{
			"is_final":     false,
			"speech_final": false,
			"channel":      map[string]any{"alternatives": []map[string]any{{"transcript": "oportun"}}},
		}
		final := map[string]any{
			"is_final":     true,
			"speech_final": true,
			"channel":      map[string]any{"alternatives": []map[string]any{{"transcript": "oportunidade de compra"}}},
		}
		empty := map[string]any{
			"is_final": false,
			"channel":  map[string]any{"alternatives": []map[string]any{{"transcript": ""}}},
		}
		for _, msg := range []map[string]any{interim, empty, final} {
			raw, _ := json.Marshal(msg)
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	events, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("State = %s, want open", c.State())
	}

	c.SendAudio([]byte{0x00, 0x01, 0x02, 0x03})
	select {
	case got := <-received:
		if len(got) != 4 {
			t.Fatalf("server received %d bytes, want 4", len(got))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received audio")
	}

	var transcripts []Event
	for evt := range events {
		if evt.Type == EventTranscript {
			transcripts = append(transcripts, evt)
		}
	}
	// Empty transcripts are filtered at the controller.
	if len(transcripts) != 2 {
		t.Fatalf("transcript events = %d, want 2", len(transcripts))
	}
	if transcripts[0].Text != "oportun" || transcripts[0].IsFinal {
		t.Fatalf("first event = %+v, want interim 'oportun'", transcripts[0])
	}
	last := transcripts[1]
	if last.Text != "oportunidade de compra" || !last.IsFinal || !last.IsSpeechFinal {
		t.Fatalf("final event = %+v, want double-final transcript", last)
	}
	_ = c.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(Config{APIKey: "k"})
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

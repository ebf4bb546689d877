package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"screenmentor/internal/agent"
	"screenmentor/internal/capture"
	"screenmentor/internal/config"
	"screenmentor/internal/msglog"
	"screenmentor/internal/playback"
	"screenmentor/internal/protocol"
	"screenmentor/internal/session"
	"screenmentor/internal/transcribe"
)

type fakeFrames struct{}

func (fakeFrames) LatestFrame() (*image.RGBA, bool) { return nil, false }

type fakeMedia struct{}

func (fakeMedia) Frames() capture.FrameSource { return fakeFrames{} }
func (fakeMedia) Mic() io.Reader              { return bytes.NewReader(nil) }

type fakeMediaProvider struct{}

func (fakeMediaProvider) Acquire(context.Context, capture.Mode) (session.Media, error) {
	return fakeMedia{}, nil
}
func (fakeMediaProvider) Release() {}

type fakeAgent struct {
	events chan agent.Event
}

func (f *fakeAgent) Connect(context.Context) (<-chan agent.Event, error) { return f.events, nil }
func (f *fakeAgent) SendAudio([]byte)                                    {}
func (f *fakeAgent) SendFrame(string)                                    {}
func (f *fakeAgent) OutputSampleRate() int                               { return 24000 }
func (f *fakeAgent) Close() error                                        { return nil }

type fakeTranscriber struct {
	events chan transcribe.Event
}

func (f *fakeTranscriber) Connect(context.Context) (<-chan transcribe.Event, error) {
	return f.events, nil
}
func (f *fakeTranscriber) SendAudio([]byte) {}
func (f *fakeTranscriber) Close() error     { return nil }

func newTestServer(t *testing.T) (*Server, *fakeAgent, *fakeTranscriber) {
	t.Helper()
	agentConn := &fakeAgent{events: make(chan agent.Event, 16)}
	sttConn := &fakeTranscriber{events: make(chan transcribe.Event, 16)}
	lifecycle := session.NewLifecycle(session.Deps{
		Media:               fakeMediaProvider{},
		NewAgent:            func() session.AgentConn { return agentConn },
		NewTranscriber:      func() session.TranscribeConn { return sttConn },
		NewSpeaker:          func() playback.Sink { return playback.NullSpeaker{} },
		AgentAPIKey:         "agent-key",
		TranscriptionAPIKey: "stt-key",
	}, msglog.New())
	cfg := config.Config{AllowAnyOrigin: true}
	return New(cfg, lifecycle, nil, nil), agentConn, sttConn
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["state"] != "disconnected" {
		t.Fatalf("state = %v, want disconnected", body["state"])
	}
}

func TestStartRejectsUnknownMode(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/session/start", strings.NewReader(`{"mode":"desktop"}`))
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStartStopRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session/start", strings.NewReader(`{"mode":"screen"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202: %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session/start", strings.NewReader(`{"mode":"screen"}`)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session/stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", rec.Code)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid stop body: %v", err)
	}
	if snap.State != session.StateDisconnected {
		t.Fatalf("state after stop = %s, want disconnected", snap.State)
	}
}

func TestGetSessionIncludesLog(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.lifecycle.Messages().Append(msglog.RoleAssistant, "olá")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Log []msglog.Entry `json:"log"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if len(body.Log) != 1 || body.Log[0].Text != "olá" {
		t.Fatalf("log = %+v, want the appended entry", body.Log)
	}
}

func TestPerfLatencyWithoutWindow(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/perf/latency", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func readFeedMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("feed read error: %v", err)
	}
	return msg
}

func waitFeedType(t *testing.T, conn *websocket.Conn, want protocol.MessageType) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readFeedMessage(t, conn)
		if msg["type"] == string(want) {
			return msg
		}
	}
	t.Fatalf("never received %s", want)
	return nil
}

func TestSessionWSFeed(t *testing.T) {
	srv, agentConn, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/session/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close()

	// Initial snapshot: state, log, interim.
	first := readFeedMessage(t, conn)
	if first["type"] != string(protocol.TypeSessionState) || first["state"] != "disconnected" {
		t.Fatalf("first message = %v, want disconnected session_state", first)
	}
	second := readFeedMessage(t, conn)
	if second["type"] != string(protocol.TypeLogUpdate) {
		t.Fatalf("second message type = %v, want log_update", second["type"])
	}
	third := readFeedMessage(t, conn)
	if third["type"] != string(protocol.TypeTranscriptInterim) {
		t.Fatalf("third message type = %v, want transcript_interim", third["type"])
	}

	// Start over the control channel, then drive the session Active.
	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: "start", Mode: "screen"}); err != nil {
		t.Fatalf("send control: %v", err)
	}
	msg := waitFeedType(t, conn, protocol.TypeSessionState)
	if msg["state"] != "connecting" {
		t.Fatalf("state = %v, want connecting", msg["state"])
	}

	agentConn.events <- agent.Event{Type: agent.EventOpened}
	msg = waitFeedType(t, conn, protocol.TypeSessionState)
	if msg["state"] != "active" {
		t.Fatalf("state = %v, want active", msg["state"])
	}

	agentConn.events <- agent.Event{Type: agent.EventTextDelta, Text: "vejo a tela"}
	logMsg := waitFeedType(t, conn, protocol.TypeLogUpdate)
	entries, _ := logMsg["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %v, want one assistant row", logMsg["entries"])
	}

	srv.lifecycle.Stop()
	msg = waitFeedType(t, conn, protocol.TypeSessionState)
	if msg["state"] != "disconnected" {
		t.Fatalf("state = %v, want disconnected after stop", msg["state"])
	}
}

func TestSessionWSRejectsMalformedControl(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/session/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	defer conn.Close()

	// Drain the initial snapshot.
	for i := 0; i < 3; i++ {
		readFeedMessage(t, conn)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)); err != nil {
		t.Fatalf("send malformed: %v", err)
	}
	msg := waitFeedType(t, conn, protocol.TypeErrorEvent)
	if msg["code"] != "invalid_client_message" {
		t.Fatalf("code = %v, want invalid_client_message", msg["code"])
	}
}

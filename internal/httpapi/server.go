package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"screenmentor/internal/capture"
	"screenmentor/internal/config"
	"screenmentor/internal/observability"
	"screenmentor/internal/protocol"
	"screenmentor/internal/reliability"
	"screenmentor/internal/session"
)

type Server struct {
	cfg       config.Config
	lifecycle *session.Lifecycle
	metrics   *observability.Metrics
	stages    *observability.StageWindow
	upgrader  websocket.Upgrader
	hub       *hub

	mu         sync.Mutex
	startedAt  time.Time
	activeSeen bool
	firstAudio bool
}

func New(cfg config.Config, lifecycle *session.Lifecycle, metrics *observability.Metrics, stages *observability.StageWindow) *Server {
	s := &Server{
		cfg:       cfg,
		lifecycle: lifecycle,
		metrics:   metrics,
		stages:    stages,
		hub:       newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up; other sites must not drive the user's mic.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	s.wireLifecycle()
	return s
}

// wireLifecycle turns controller callbacks into UI feed broadcasts and
// instrument updates.
func (s *Server) wireLifecycle() {
	s.lifecycle.SetStateHook(func(state session.State) {
		snap := s.lifecycle.Current()
		s.hub.broadcast(protocol.NewSessionState(string(state), snap.SessionID, string(snap.Mode)))
		if s.metrics != nil {
			s.metrics.SessionEvents.WithLabelValues(string(state)).Inc()
			if state == session.StateActive {
				s.metrics.ActiveSessions.Set(1)
			} else {
				s.metrics.ActiveSessions.Set(0)
			}
		}
		s.observeStateTiming(state)
	})

	s.lifecycle.SetErrorHook(func(code reliability.FaultCode, message string) {
		s.hub.broadcast(protocol.NewErrorEvent(string(code), message))
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues("session", string(code)).Inc()
		}
	})

	s.lifecycle.SetSpeakingHook(func(speaking bool) {
		s.hub.broadcast(protocol.NewAssistantSpeaking(speaking))
		if speaking {
			s.observeFirstAudio()
		}
	})

	messages := s.lifecycle.Messages()
	messages.SetChangeHook(func() {
		s.hub.broadcast(protocol.NewLogUpdate(messages.Entries()))
		s.hub.broadcast(protocol.NewTranscriptInterim(messages.Interim()))
	})
}

func (s *Server) observeStateTiming(state session.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch state {
	case session.StateConnecting:
		s.startedAt = time.Now()
		s.activeSeen = false
		s.firstAudio = false
	case session.StateActive:
		if s.stages != nil && !s.activeSeen && !s.startedAt.IsZero() {
			s.stages.Observe(observability.StageAgentConnect, float64(time.Since(s.startedAt).Milliseconds()))
		}
		s.activeSeen = true
	}
}

func (s *Server) observeFirstAudio() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstAudio || s.startedAt.IsZero() {
		return
	}
	s.firstAudio = true
	elapsed := time.Since(s.startedAt)
	if s.stages != nil {
		s.stages.Observe(observability.StageFirstAudioDelta, float64(elapsed.Milliseconds()))
	}
	if s.metrics != nil {
		s.metrics.ObserveFirstAudioLatency(elapsed)
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/session/start", s.handleStart)
	r.Post("/v1/session/stop", s.handleStop)
	r.Get("/v1/session", s.handleGetSession)
	r.Get("/v1/session/ws", s.handleSessionWS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  string(s.lifecycle.State()),
	})
}

type startRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Mode) == "" {
		req.Mode = string(capture.ModeScreen)
	}
	mode, err := capture.ParseMode(req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_mode", err.Error())
		return
	}

	// The session outlives the request; its resources must not be tied to
	// the request context.
	if err := s.lifecycle.Start(context.Background(), mode); err != nil {
		if errors.Is(err, session.ErrAlreadyRunning) {
			respondError(w, http.StatusConflict, "session_running", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, s.lifecycle.Current())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.lifecycle.Stop()
	respondJSON(w, http.StatusOK, s.lifecycle.Current())
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	messages := s.lifecycle.Messages()
	respondJSON(w, http.StatusOK, map[string]any{
		"session": s.lifecycle.Current(),
		"log":     messages.Entries(),
		"interim": messages.Interim(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondJSON(w, http.StatusOK, observability.StageSnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := s.hub.register()
	defer s.hub.unregister(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// New subscriber gets the full current state up front.
	snap := s.lifecycle.Current()
	messages := s.lifecycle.Messages()
	initial := []any{
		protocol.NewSessionState(string(snap.State), snap.SessionID, string(snap.Mode)),
		protocol.NewLogUpdate(messages.Entries()),
		protocol.NewTranscriptInterim(messages.Interim()),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for _, msg := range initial {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-client.send:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.hub.broadcast(protocol.NewErrorEvent("invalid_client_message", err.Error()))
			continue
		}
		if control, ok := parsed.(protocol.ClientControl); ok {
			s.applyControl(control)
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) applyControl(control protocol.ClientControl) {
	switch control.Action {
	case "start":
		mode, err := capture.ParseMode(control.Mode)
		if err != nil {
			s.hub.broadcast(protocol.NewErrorEvent("invalid_mode", err.Error()))
			return
		}
		if err := s.lifecycle.Start(context.Background(), mode); err != nil && errors.Is(err, session.ErrAlreadyRunning) {
			s.hub.broadcast(protocol.NewErrorEvent("session_running", err.Error()))
		}
	case "stop":
		s.lifecycle.Stop()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

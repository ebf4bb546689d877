package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"screenmentor/internal/reliability"
)

// State tracks the agent connection lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

type EventType string

const (
	EventOpened      EventType = "opened"
	EventAudioDelta  EventType = "audio_delta"
	EventTextDelta   EventType = "text_delta"
	EventInterrupted EventType = "interrupted"
	EventClosed      EventType = "closed"
	EventError       EventType = "error"
)

// Event is one service→client message. The agent speaks proactively — there
// is no request/response pairing, so deltas can arrive at any time after the
// session opens.
type Event struct {
	Type   EventType
	PCM    []byte // decoded audio delta, output-rate PCM16LE mono
	Text   string
	Code   string
	Detail string
}

type Config struct {
	BaseURL          string
	APIKey           string
	Model            string
	Voice            string
	Instructions     string
	InputSampleRate  int
	OutputSampleRate int
}

// Controller is the duplex session to the realtime multimodal agent. Mic
// audio and sampled frames flow up; narration audio, its transcription, and
// interruption signals flow back on the Events channel.
type Controller struct {
	cfg Config

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu   sync.Mutex
	events    chan Event
	closeOnce sync.Once
}

func New(cfg Config) *Controller {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.mentorlive.dev"
	}
	if cfg.Model == "" {
		cfg.Model = "mentor-live-2"
	}
	if cfg.Voice == "" {
		cfg.Voice = "aura"
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = 16000
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = 24000
	}
	return &Controller{cfg: cfg, state: StateIdle, events: make(chan Event, 256)}
}

// OutputSampleRate is the fixed rate of decoded audio deltas.
func (c *Controller) OutputSampleRate() int { return c.cfg.OutputSampleRate }

// Connect dials the live endpoint, sends the session setup (persona
// instructions, audio output modality, voice, output transcription on), and
// starts the read loop. The session is Open once the service acknowledges
// setup; EventOpened reports that on the returned channel.
func (c *Controller) Connect(ctx context.Context) (<-chan Event, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, errors.New("agent API key is not configured")
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, fmt.Errorf("connect called in state %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	wsURL, err := c.liveURL()
	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		c.setState(StateFailed)
		return nil, fmt.Errorf("dial agent websocket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	setup := map[string]any{
		"type":                       "session.setup",
		"instructions":               c.cfg.Instructions,
		"voice":                      c.cfg.Voice,
		"output_modality":            "audio",
		"output_audio_transcription": true,
		"input_audio": map[string]any{
			"encoding":       "pcm16",
			"sample_rate_hz": c.cfg.InputSampleRate,
		},
	}
	if err := c.writeJSON(setup); err != nil {
		_ = conn.Close()
		c.setState(StateFailed)
		return nil, fmt.Errorf("send session setup: %w", err)
	}

	go c.readLoop(conn)
	return c.events, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendAudio forwards one 16 kHz PCM16 mic block, fire-and-forget. Valid
// only while Open; anything else is silently dropped, never queued.
func (c *Controller) SendAudio(pcm []byte) {
	if len(pcm) == 0 || !c.isOpen() {
		return
	}
	_ = c.writeJSON(map[string]any{
		"type":         "input_audio_chunk",
		"audio_base64": base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendFrame forwards one base64 JPEG frame, fire-and-forget, same gating as
// SendAudio.
func (c *Controller) SendFrame(jpegBase64 string) {
	if jpegBase64 == "" || !c.isOpen() {
		return
	}
	_ = c.writeJSON(map[string]any{
		"type":         "input_image_frame",
		"mime_type":    "image/jpeg",
		"image_base64": jpegBase64,
	})
}

// Close shuts the connection down, idempotently.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		if c.state == StateOpen || c.state == StateConnecting {
			c.state = StateClosed
		}
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

func (c *Controller) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen && c.conn != nil
}

func (c *Controller) writeJSON(payload map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(payload)
}

func (c *Controller) readLoop(conn *websocket.Conn) {
	defer close(c.events)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			expected := websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			)
			c.mu.Lock()
			closed := c.state == StateClosed
			if !closed {
				if expected {
					c.state = StateClosed
				} else {
					c.state = StateFailed
				}
			}
			c.mu.Unlock()
			if closed || expected {
				c.emit(Event{Type: EventClosed})
			} else {
				c.emit(Event{Type: EventError, Code: "agent_read_failed", Detail: err.Error()})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "session.opened":
			c.mu.Lock()
			if c.state == StateConnecting {
				c.state = StateOpen
			}
			c.mu.Unlock()
			c.emit(Event{Type: EventOpened})
		case "response.audio_delta":
			pcm, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
			if err != nil || len(pcm) == 0 {
				// A bad segment self-heals with the next delta.
				continue
			}
			c.emit(Event{Type: EventAudioDelta, PCM: pcm})
		case "response.text_delta":
			if msg.Text != "" {
				c.emit(Event{Type: EventTextDelta, Text: msg.Text})
			}
		case "response.interrupted":
			c.emit(Event{Type: EventInterrupted})
		case "session.closed":
			c.setState(StateClosed)
			c.emit(Event{Type: EventClosed})
			return
		case "error":
			if reliability.IsTransientRealtimeCode(msg.Code) {
				continue
			}
			c.setState(StateFailed)
			c.emit(Event{Type: EventError, Code: msg.Code, Detail: msg.Message})
			return
		}
	}
}

func (c *Controller) emit(evt Event) {
	select {
	case c.events <- evt:
	default:
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) liveURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/v1/live")
	if err != nil {
		return "", fmt.Errorf("invalid agent base URL: %w", err)
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type serverMessage struct {
	Type        string `json:"type"`
	AudioBase64 string `json:"audio_base64"`
	Text        string `json:"text"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

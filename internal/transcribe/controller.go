package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// State tracks the transcription connection lifecycle.
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
	EventTranscript EventType = "transcript"
	EventError      EventType = "error"
	EventClosed     EventType = "closed"
)

// Event carries one service→client message. Transcript events keep the
// upstream double gate: IsFinal marks a stabilized interim, IsSpeechFinal
// marks the end of the spoken utterance. A log entry is only committed when
// both are true, so one sentence never fragments into multiple rows.
type Event struct {
	Type          EventType
	Text          string
	IsFinal       bool
	IsSpeechFinal bool
	Code          string
	Detail        string
}

type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Channels       int
	Encoding       string
	SmartFormat    bool
	InterimResults bool
}

// Controller is the duplex session to the speech-to-text service. Audio
// flows client→service as binary frames; transcript events flow back on the
// Events channel.
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
		cfg.BaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "pt-BR"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	return &Controller{cfg: cfg, state: StateIdle, events: make(chan Event, 64)}
}

// Connect dials the streaming endpoint and starts the read loop. The
// returned channel closes on teardown.
func (c *Controller) Connect(ctx context.Context) (<-chan Event, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, errors.New("transcription API key is not configured")
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, fmt.Errorf("connect called in state %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	wsURL, err := c.listenURL()
	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		c.setState(StateFailed)
		return nil, fmt.Errorf("dial transcription websocket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	go c.readLoop(conn)
	return c.events, nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendAudio forwards one raw PCM block. Valid only while Open; calls in any
// other state are silently dropped, and write failures are swallowed — the
// dominant failure mode is transient and self-heals with the next block.
func (c *Controller) SendAudio(block []byte) {
	if len(block) == 0 {
		return
	}
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.BinaryMessage, block)
	c.writeMu.Unlock()
}

// Close shuts the connection down, idempotently. A best-effort CloseStream
// message lets the service flush a trailing final transcript before the
// socket drops.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		if c.state == StateOpen || c.state == StateConnecting {
			c.state = StateClosed
		}
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	return nil
}

func (c *Controller) readLoop(conn *websocket.Conn) {
	defer close(c.events)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			expected := isExpectedClose(err)
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
				c.emit(Event{Type: EventError, Code: "transcription_read_failed", Detail: err.Error()})
			}
			return
		}

		var resp listenResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}
		if strings.EqualFold(resp.Type, "Error") {
			detail := strings.TrimSpace(resp.Message)
			if detail == "" {
				detail = "transcription service returned an unknown error"
			}
			c.setState(StateFailed)
			c.emit(Event{Type: EventError, Code: "transcription_error", Detail: detail})
			return
		}

		text := resp.transcript()
		if text == "" {
			continue
		}
		c.emit(Event{
			Type:          EventTranscript,
			Text:          text,
			IsFinal:       resp.IsFinal,
			IsSpeechFinal: resp.SpeechFinal,
		})
	}
}

func (c *Controller) emit(evt Event) {
	select {
	case c.events <- evt:
	default:
		// Slow consumer; drop rather than stall the socket read loop.
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) listenURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	u, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid transcription base URL: %w", err)
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	q.Set("language", c.cfg.Language)
	q.Set("encoding", c.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(c.cfg.Channels))
	q.Set("interim_results", strconv.FormatBool(c.cfg.InterimResults))
	q.Set("smart_format", strconv.FormatBool(c.cfg.SmartFormat))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

type listenResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r listenResponse) transcript() string {
	if len(r.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Channel.Alternatives[0].Transcript)
}

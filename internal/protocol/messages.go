package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"screenmentor/internal/msglog"
)

// MessageType identifies websocket payload variants on the UI feed.
type MessageType string

const (
	TypeClientControl     MessageType = "client_control"
	TypeSessionState      MessageType = "session_state"
	TypeTranscriptInterim MessageType = "transcript_interim"
	TypeLogUpdate         MessageType = "log_update"
	TypeAssistantSpeaking MessageType = "assistant_speaking"
	TypeErrorEvent        MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl is the only message the UI sends: start a session in a
// capture mode, or stop the running one.
type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"` // start | stop
	Mode   string      `json:"mode,omitempty"`
}

type SessionState struct {
	Type      MessageType `json:"type"`
	State     string      `json:"state"`
	SessionID string      `json:"session_id,omitempty"`
	Mode      string      `json:"mode,omitempty"`
}

// TranscriptInterim carries the live not-yet-final user utterance; an empty
// text clears the indicator.
type TranscriptInterim struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type LogUpdate struct {
	Type    MessageType    `json:"type"`
	Entries []msglog.Entry `json:"entries"`
}

type AssistantSpeaking struct {
	Type     MessageType `json:"type"`
	Speaking bool        `json:"speaking"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func NewSessionState(state, sessionID, mode string) SessionState {
	return SessionState{Type: TypeSessionState, State: state, SessionID: sessionID, Mode: mode}
}

func NewTranscriptInterim(text string) TranscriptInterim {
	return TranscriptInterim{Type: TypeTranscriptInterim, Text: text}
}

func NewLogUpdate(entries []msglog.Entry) LogUpdate {
	if entries == nil {
		entries = []msglog.Entry{}
	}
	return LogUpdate{Type: TypeLogUpdate, Entries: entries}
}

func NewAssistantSpeaking(speaking bool) AssistantSpeaking {
	return AssistantSpeaking{Type: TypeAssistantSpeaking, Speaking: speaking}
}

func NewErrorEvent(code, message string) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, Code: code, Message: message}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case "start":
			if msg.Mode == "" {
				return nil, errors.New("client_control start requires a mode")
			}
		case "stop":
		default:
			return nil, fmt.Errorf("unknown client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

package transcribe

import (
	"context"
	"sync"
)

// Mock is a local fallback transcriber used when no API key is configured.
// Every eighth audio block it pretends the user finished a sentence, so the
// interim/commit flow downstream can be exercised offline.
type Mock struct {
	mu     sync.Mutex
	events chan Event
	blocks int
	closed bool
}

func NewMock() *Mock {
	return &Mock{events: make(chan Event, 64)}
}

func (m *Mock) Connect(_ context.Context) (<-chan Event, error) {
	return m.events, nil
}

func (m *Mock) SendAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.blocks++
	if m.blocks%8 == 4 {
		m.emitLocked(Event{Type: EventTranscript, Text: "fala simulada"})
	}
	if m.blocks%8 == 0 {
		m.emitLocked(Event{Type: EventTranscript, Text: "fala simulada do usuário", IsFinal: true, IsSpeechFinal: true})
	}
}

func (m *Mock) emitLocked(evt Event) {
	select {
	case m.events <- evt:
	default:
	}
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.events)
	return nil
}

package agent

import (
	"context"
	"sync"
	"time"

	"screenmentor/internal/audio"
)

// Mock is a local fallback agent used when no API key is configured. It
// opens immediately and narrates a canned commentary every few seconds, with
// a short burst of silence standing in for synthesized speech, so the whole
// pipeline can be exercised offline.
type Mock struct {
	mu     sync.Mutex
	events chan Event
	closed bool
	stop   chan struct{}
}

func NewMock() *Mock {
	return &Mock{events: make(chan Event, 64), stop: make(chan struct{})}
}

func (m *Mock) Connect(_ context.Context) (<-chan Event, error) {
	m.events <- Event{Type: EventOpened}
	go m.narrate()
	return m.events, nil
}

func (m *Mock) narrate() {
	lines := []string{
		"Estou acompanhando a sua tela. ",
		"Vejo o que você está fazendo agora. ",
		"Continue, estou observando. ",
	}
	silence := make([]byte, audio.BytesPCM16(400*time.Millisecond, 24000))
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.emit(Event{Type: EventTextDelta, Text: lines[i%len(lines)]})
			m.emit(Event{Type: EventAudioDelta, PCM: silence})
		}
	}
}

func (m *Mock) emit(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- evt:
	default:
	}
}

func (m *Mock) SendAudio([]byte) {}
func (m *Mock) SendFrame(string) {}

func (m *Mock) OutputSampleRate() int { return 24000 }

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stop)
	close(m.events)
	return nil
}

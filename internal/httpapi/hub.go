package httpapi

import "sync"

// hub fans controller events out to every connected UI websocket. Each
// client has a bounded queue; a saturated client loses messages rather than
// stalling the broadcast, since every payload is a full-state snapshot the
// next message supersedes.
type hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	send chan any
}

func newHub() *hub {
	return &hub{clients: make(map[*hubClient]struct{})}
}

func (h *hub) register() *hubClient {
	c := &hubClient{send: make(chan any, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow consumer; drop instead of blocking everyone.
		}
	}
}

func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

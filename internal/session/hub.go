package session

import "sync"

// StatusHub fans out per-tenant status updates to in-process subscribers
// (the websocket event stream). Slow subscribers drop updates instead of
// blocking the event loop.
type StatusHub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan StatusUpdate
}

// NewStatusHub creates an empty hub.
func NewStatusHub() *StatusHub {
	return &StatusHub{subs: map[string]map[int]chan StatusUpdate{}}
}

// Subscribe registers for one tenant's status updates. The returned cancel
// function must be called to release the subscription.
func (h *StatusHub) Subscribe(tenantID string) (<-chan StatusUpdate, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan StatusUpdate, 8)
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = map[int]chan StatusUpdate{}
	}
	h.subs[tenantID][id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subs[tenantID]; ok {
			if ch, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(h.subs, tenantID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an update to all subscribers of the tenant.
func (h *StatusHub) Publish(tenantID string, update StatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[tenantID] {
		select {
		case ch <- update:
		default:
		}
	}
}

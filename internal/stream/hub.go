// Package stream fans live execution output out to websocket clients.
package stream

import (
	"sync"

	"github.com/rs/zerolog"
)

const subscriberBuffer = 64

type subscriber struct {
	ch   chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub routes output chunks published for a session to its subscribers
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*subscriber]struct{}
	logger *zerolog.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe returns a channel of chunks for sessionID. The channel is closed
// when the current execution ends or cancel is called.
func (h *Hub) Subscribe(sessionID string) (<-chan []byte, func()) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	subs, ok := h.topics[sessionID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.topics[sessionID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.topics[sessionID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.topics, sessionID)
			}
		}
		h.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// Publish delivers chunk to every subscriber of sessionID without blocking.
// A subscriber whose buffer is full misses the chunk.
func (h *Hub) Publish(sessionID string, chunk []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.topics[sessionID] {
		select {
		case sub.ch <- chunk:
		default:
			h.logger.Warn().Str("session_id", sessionID).Msg("output subscriber buffer full, dropping chunk")
		}
	}
}

// Close ends the stream for every current subscriber of sessionID
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	subs := h.topics[sessionID]
	delete(h.topics, sessionID)
	h.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
}

// Subscribers reports how many clients follow sessionID
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[sessionID])
}

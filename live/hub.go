// Package live fans messages out to connected real-time subscribers.
package live

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type HubConfig struct {
	// BufferSize is how many events a subscriber may lag behind before it starts missing them.
	BufferSize int `yaml:"buffer_size"`
}

// Event is a named, JSON encoded payload.
type Event struct {
	Name string
	Data []byte
}

// Hub delivers broadcast events to subscribers without ever blocking the broadcaster.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
}

func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}

	return &Hub{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[uuid.UUID]*Subscription),
	}
}

// Subscription receives events until it is closed. With no event names it receives everything.
type Subscription struct {
	id     uuid.UUID
	hub    *Hub
	events chan Event
	names  map[string]struct{}
	once   sync.Once
}

func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Events is closed when the subscription or the hub is closed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}

	_, ok := s.names[name]
	return ok
}

func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (h *Hub) Subscribe(events ...string) *Subscription {
	sub := &Subscription{
		id:     uuid.New(),
		hub:    h,
		events: make(chan Event, h.cfg.BufferSize),
		names:  make(map[string]struct{}, len(events)),
	}

	for _, e := range events {
		if e != "" {
			sub.names[e] = struct{}{}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.events)
		return sub
	}

	h.subs[sub.id] = sub
	h.logger.Debug("live subscriber connected", "subscriber", sub.id, "subscribers", len(h.subs))

	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}

	delete(h.subs, sub.id)
	sub.once.Do(func() { close(sub.events) })

	h.logger.Debug("live subscriber disconnected", "subscriber", sub.id, "subscribers", len(h.subs))
}

// Broadcast sends payload to every interested subscriber. Subscribers whose buffer is full miss the event.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("cannot encode live event", "event", event, "error", err)
		return
	}

	ev := Event{Name: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}

		select {
		case sub.events <- ev:
		default:
			h.logger.Debug("live subscriber is lagging, event dropped", "subscriber", id, "event", event)
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Close disconnects every subscriber. Later subscriptions are closed right away.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.once.Do(func() { close(sub.events) })
	}
}

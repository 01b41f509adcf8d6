package app

import (
	"sync"

	"github.com/dkeye/huddle/internal/core"
)

// Hub holds the broadcast channels by topic. Empty channels are dropped.
type Hub struct {
	mu       sync.RWMutex
	channels map[core.Topic]core.Channel
}

func NewHub() *Hub {
	return &Hub{channels: make(map[core.Topic]core.Channel)}
}

func (h *Hub) Join(topic core.Topic, sc core.SignalConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[topic]
	if !ok {
		ch = core.NewChannel(topic)
		h.channels[topic] = ch
	}
	ch.Add(sc)
}

func (h *Hub) Leave(topic core.Topic, id core.ConnID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[topic]
	if !ok {
		return false
	}
	removed := ch.Remove(id)
	if ch.Len() == 0 {
		delete(h.channels, topic)
	}
	return removed
}

// LeaveAll removes id from every channel and returns the topics it left.
func (h *Hub) LeaveAll(id core.ConnID) []core.Topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	var left []core.Topic
	for topic, ch := range h.channels {
		if ch.Remove(id) {
			left = append(left, topic)
		}
		if ch.Len() == 0 {
			delete(h.channels, topic)
		}
	}
	return left
}

func (h *Hub) Broadcast(topic core.Topic, data core.Frame, except ...core.ConnID) core.PublishResult {
	h.mu.RLock()
	ch, ok := h.channels[topic]
	h.mu.RUnlock()
	if !ok {
		return core.PublishResult{}
	}
	return ch.Broadcast(data, except...)
}

func (h *Hub) Members(topic core.Topic) []core.ConnID {
	h.mu.RLock()
	ch, ok := h.channels[topic]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return ch.Members()
}

func (h *Hub) Has(topic core.Topic, id core.ConnID) bool {
	h.mu.RLock()
	ch, ok := h.channels[topic]
	h.mu.RUnlock()
	return ok && ch.Has(id)
}

type TopicInfo struct {
	Topic   core.Topic `json:"topic"`
	Members int        `json:"members"`
}

func (h *Hub) List() []TopicInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]TopicInfo, 0, len(h.channels))
	for topic, ch := range h.channels {
		out = append(out, TopicInfo{Topic: topic, Members: ch.Len()})
	}
	return out
}

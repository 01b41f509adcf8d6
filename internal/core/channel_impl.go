package core

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// channelImpl is a threadsafe in-memory broadcast group.
type channelImpl struct {
	topic  Topic
	mu     sync.RWMutex
	byConn map[ConnID]SignalConnection
}

func NewChannel(topic Topic) Channel {
	return &channelImpl{
		topic:  topic,
		byConn: make(map[ConnID]SignalConnection),
	}
}

func (c *channelImpl) Topic() Topic { return c.topic }

func (c *channelImpl) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byConn)
}

func (c *channelImpl) Members() []ConnID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ConnID, 0, len(c.byConn))
	for id := range c.byConn {
		out = append(out, id)
	}
	return out
}

func (c *channelImpl) Has(id ConnID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byConn[id]
	return ok
}

func (c *channelImpl) Add(sc SignalConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byConn[sc.ID()] = sc
	log.Debug().Str("module", "core.channel").Str("topic", string(c.topic)).Str("conn", string(sc.ID())).Msg("member added")
}

func (c *channelImpl) Remove(id ConnID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byConn[id]; !ok {
		return false
	}
	delete(c.byConn, id)
	log.Debug().Str("module", "core.channel").Str("topic", string(c.topic)).Str("conn", string(id)).Msg("member removed")
	return true
}

func (c *channelImpl) Broadcast(data Frame, except ...ConnID) PublishResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := PublishResult{}
	for id, sc := range c.byConn {
		if slices.Contains(except, id) {
			continue
		}
		if err := sc.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, sc)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.channel").Str("topic", string(c.topic)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

package app

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// ConnInfo is the metadata attached to a live signaling connection.
type ConnInfo struct {
	ID          core.ConnID
	Signal      core.SignalConnection
	ClientAddr  string
	DeviceToken string

	Principal     domain.Principal
	Authenticated bool

	Room   domain.RoomID
	Member domain.Membership
	// Joined holds sessions this connection consumes without owning.
	Joined       map[domain.SessionID]struct{}
	Owned        domain.SessionID
	Presentation domain.PresentationID

	Cancel context.CancelFunc
}

func (c ConnInfo) clone() ConnInfo {
	c.Joined = maps.Clone(c.Joined)
	return c
}

// JoinedSessions lists Joined as a slice.
func (c ConnInfo) JoinedSessions() []domain.SessionID {
	out := make([]domain.SessionID, 0, len(c.Joined))
	for id := range c.Joined {
		out = append(out, id)
	}
	return out
}

type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*ConnInfo
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[core.ConnID]*ConnInfo)}
}

func (r *Registry) Bind(sc core.SignalConnection, clientAddr, deviceToken string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[sc.ID()] = &ConnInfo{
		ID:          sc.ID(),
		Signal:      sc,
		ClientAddr:  clientAddr,
		DeviceToken: deviceToken,
		Joined:      make(map[domain.SessionID]struct{}),
		Cancel:      cancel,
	}
	log.Info().Str("module", "app.registry").Str("conn", string(sc.ID())).Str("addr", clientAddr).Msg("bound connection")
}

// Get returns a copy of the connection's metadata.
func (r *Registry) Get(id core.ConnID) (ConnInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return ConnInfo{}, false
	}
	return c.clone(), true
}

// Update mutates the connection's metadata under the registry lock.
func (r *Registry) Update(id core.ConnID, fn func(*ConnInfo)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	fn(c)
	return true
}

func (r *Registry) Unbind(id core.ConnID) (ConnInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return ConnInfo{}, false
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("unbind connection")
	return *c, true
}

// Snapshot copies every bound connection.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Cancel(id core.ConnID) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if c.Cancel != nil {
		c.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}

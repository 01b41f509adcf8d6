// Package admission tracks guest join requests waiting for an elevated member.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dkeye/huddle/internal/app/loop"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Pending State = iota
	Approved
	Denied
	Abandoned
)

func (s State) String() string {
	return [...]string{"pending", "approved", "denied", "abandoned"}[s]
}

// Request is never persisted; it lives until resolved or abandoned.
type Request struct {
	Room        domain.RoomID    `json:"roomId"`
	User        domain.Principal `json:"user"`
	ClientAddr  string           `json:"clientIp"`
	Conn        core.ConnID      `json:"-"`
	RequestedAt time.Time        `json:"requestedAt"`
}

type Resolution struct {
	Request Request
	State   State
	// Activated is true only for the resolution that activated the membership.
	Activated  bool
	Membership domain.Membership
}

type key struct {
	room domain.RoomID
	user domain.UserID
}

type pending struct {
	req   Request
	gen   uint64
	timer *time.Timer
}

// Controller keeps the pending set inside the loop.
type Controller struct {
	loop     *loop.Loop
	store    core.MembershipStore
	timeout  time.Duration
	onExpire func(Request)

	gen     uint64
	pending map[key]*pending
}

// New creates a controller. timeout > 0 abandons requests left pending that long.
func New(l *loop.Loop, store core.MembershipStore, timeout time.Duration) *Controller {
	return &Controller{
		loop:    l,
		store:   store,
		timeout: timeout,
		pending: make(map[key]*pending),
	}
}

// OnExpire registers the callback run when a request times out. Call before use.
func (c *Controller) OnExpire(fn func(Request)) { c.onExpire = fn }

// Request records a pending request. A repeated request for the same
// requester and room only moves it to the new connection; created is false then.
func (c *Controller) Request(ctx context.Context, req Request) (Request, bool, error) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	k := key{req.Room, req.User.UserID}
	var (
		out     Request
		created bool
	)
	err := c.loop.Do(ctx, func() {
		if p, ok := c.pending[k]; ok {
			p.req.Conn = req.Conn
			p.req.ClientAddr = req.ClientAddr
			out = p.req
			return
		}
		c.gen++
		p := &pending{req: req, gen: c.gen}
		c.arm(k, p)
		c.pending[k] = p
		out, created = req, true
	})
	if err != nil {
		return Request{}, false, err
	}
	if created {
		log.Info().Str("module", "app.admission").Str("room", string(req.Room)).Str("user", string(req.User.UserID)).Msg("admission pending")
	}
	return out, created, nil
}

// arm starts the expiry timer. Loop only.
func (c *Controller) arm(k key, p *pending) {
	if c.timeout <= 0 {
		return
	}
	gen := p.gen
	p.timer = time.AfterFunc(c.timeout, func() {
		c.loop.Post(func() {
			cur, ok := c.pending[k]
			if !ok || cur.gen != gen {
				return
			}
			delete(c.pending, k)
			log.Info().Str("module", "app.admission").Str("room", string(k.room)).Str("user", string(k.user)).Msg("admission expired")
			if c.onExpire != nil {
				go c.onExpire(cur.req)
			}
		})
	})
}

func (p *pending) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Resolve approves or denies the pending request of user in room.
// Resolving a request that is no longer pending is a no-op.
func (c *Controller) Resolve(ctx context.Context, room domain.RoomID, user domain.UserID, approve bool) (Resolution, error) {
	k := key{room, user}
	var p *pending
	if err := c.loop.Do(ctx, func() {
		p = c.pending[k]
		if p != nil {
			p.stop()
			delete(c.pending, k)
		}
	}); err != nil {
		return Resolution{}, err
	}
	if p == nil {
		return Resolution{Request: Request{Room: room, User: domain.Principal{UserID: user}}, State: Pending}, nil
	}
	if !approve {
		log.Info().Str("module", "app.admission").Str("room", string(room)).Str("user", string(user)).Msg("admission denied")
		return Resolution{Request: p.req, State: Denied}, nil
	}

	m, activated, err := c.store.ActivateMembership(ctx, room, p.req.User, domain.RoleGuest)
	if err != nil {
		if !errors.Is(err, domain.ErrUnauthorized) && !errors.Is(err, domain.ErrNotFound) {
			c.restore(ctx, k, p)
			err = domain.Upstream(fmt.Errorf("activate membership: %w", err))
		}
		log.Error().Err(err).Str("module", "app.admission").Str("room", string(room)).Str("user", string(user)).Msg("approve")
		return Resolution{}, err
	}
	log.Info().Str("module", "app.admission").Str("room", string(room)).Str("user", string(user)).Bool("activated", activated).Msg("admission approved")
	return Resolution{Request: p.req, State: Approved, Activated: activated, Membership: m}, nil
}

// restore puts a claimed request back unless a newer one took its place.
func (c *Controller) restore(ctx context.Context, k key, p *pending) {
	_ = c.loop.Do(ctx, func() {
		if _, ok := c.pending[k]; ok {
			return
		}
		c.arm(k, p)
		c.pending[k] = p
	})
}

// Abandon drops every request raised from conn, silently.
func (c *Controller) Abandon(ctx context.Context, conn core.ConnID) []Request {
	var out []Request
	_ = c.loop.Do(ctx, func() {
		for k, p := range c.pending {
			if p.req.Conn == conn {
				p.stop()
				delete(c.pending, k)
				out = append(out, p.req)
			}
		}
	})
	return out
}

// Pending lists a room's requests, oldest first.
func (c *Controller) Pending(ctx context.Context, room domain.RoomID) []Request {
	var out []Request
	_ = c.loop.Do(ctx, func() {
		for k, p := range c.pending {
			if k.room == room {
				out = append(out, p.req)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

package orch

import (
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/app/presentation"
	"github.com/dkeye/huddle/internal/app/roles"
	"github.com/dkeye/huddle/internal/app/session"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

var errNoRoom = fmt.Errorf("no room joined: %w", domain.ErrConflict)

// Orchestrator runs the gateway's use cases and owns broadcast decisions.
type Orchestrator struct {
	Conns         *app.Registry
	Hub           *app.Hub
	Policy        app.Policy
	Roles         *roles.Service
	Rooms         core.RoomStore
	Sessions      *session.Manager
	Admission     *admission.Controller
	Presentations *presentation.Coordinator
	StatsInterval time.Duration
}

// Authenticated attaches a principal to the connection for its lifetime.
func (o *Orchestrator) Authenticated(conn core.ConnID, p domain.Principal) error {
	var err error
	ok := o.Conns.Update(conn, func(c *app.ConnInfo) {
		if c.Authenticated && c.Principal.UserID != p.UserID {
			err = fmt.Errorf("already authenticated as another user: %w", domain.ErrConflict)
			return
		}
		c.Principal, c.Authenticated = p, true
	})
	if !ok {
		return domain.ErrNotAuthenticated
	}
	if err == nil {
		log.Info().Str("module", "orch").Str("conn", string(conn)).Str("user", string(p.UserID)).Msg("authenticated")
	}
	return err
}

func (o *Orchestrator) authed(conn core.ConnID) (app.ConnInfo, error) {
	info, ok := o.Conns.Get(conn)
	if !ok || !info.Authenticated {
		return app.ConnInfo{}, domain.ErrNotAuthenticated
	}
	return info, nil
}

func (o *Orchestrator) inRoom(conn core.ConnID) (app.ConnInfo, error) {
	info, err := o.authed(conn)
	if err != nil {
		return app.ConnInfo{}, err
	}
	if info.Room == "" {
		return app.ConnInfo{}, errNoRoom
	}
	return info, nil
}

// publish fans an event out to a topic and applies the backpressure policy.
func (o *Orchestrator) publish(topic core.Topic, typ string, data any, except ...core.ConnID) {
	frame, err := core.EncodeEvent(typ, data)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", typ).Msg("encode event")
		return
	}
	res := o.Hub.Broadcast(topic, frame, except...)
	for _, slow := range res.Dropped {
		o.onBackpressure(topic, slow)
	}
}

// send pushes an event to one connection.
func (o *Orchestrator) send(conn core.ConnID, typ string, data any) {
	info, ok := o.Conns.Get(conn)
	if !ok {
		return
	}
	frame, err := core.EncodeEvent(typ, data)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", typ).Msg("encode event")
		return
	}
	if err := info.Signal.TrySend(frame); err != nil {
		o.onBackpressure("", info.Signal)
	}
}

func (o *Orchestrator) onBackpressure(topic core.Topic, sc core.SignalConnection) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(topic, sc) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("conn", string(sc.ID())).Str("topic", string(topic)).Msg("kicking slow connection")
		o.Kick(sc.ID())
	case app.MarkSlow, app.DropFrame, app.NoAction:
	}
}

// Kick closes a connection; its cleanup runs through Disconnect.
func (o *Orchestrator) Kick(conn core.ConnID) {
	info, ok := o.Conns.Get(conn)
	if !ok {
		return
	}
	o.Conns.Cancel(conn)
	info.Signal.Close()
}

package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/app/roles"
	"github.com/dkeye/huddle/internal/app/session"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// AssertSession enters room and yields the caller's own session, or raises an
// admission request when the caller is not an active member yet.
func (o *Orchestrator) AssertSession(ctx context.Context, conn core.ConnID, room domain.RoomID) (AssertResult, error) {
	info, err := o.authed(conn)
	if err != nil {
		return AssertResult{}, err
	}
	if _, err := o.Rooms.GetRoom(ctx, room); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return AssertResult{}, domain.ErrRoomNotFound
		}
		return AssertResult{}, domain.Upstream(fmt.Errorf("get room: %w", err))
	}
	if info.Room != "" && info.Room != room {
		o.leaveRoom(ctx, info)
	}

	dec, err := o.Roles.Authorize(ctx, info.Principal.UserID, room, roles.JoinRoom)
	if err != nil {
		return AssertResult{}, err
	}
	if !dec.Allowed {
		if dec.Member.Banned {
			return AssertResult{}, domain.ErrBanned
		}
		return o.requestAdmission(ctx, info, room)
	}
	member := dec.Member

	desc, err := o.Sessions.AssertSession(ctx, member, info.ClientAddr)
	if err != nil {
		return AssertResult{}, err
	}
	js, err := o.Sessions.JoinSession(ctx, conn, member, desc.Session.ID)
	if err != nil {
		if !desc.Reused {
			if _, cerr := o.Sessions.ReleaseOwner(ctx, desc.Session.ID, conn); cerr != nil {
				log.Error().Err(cerr).Str("module", "orch").Str("session", string(desc.Session.ID)).Msg("end unjoined session")
			}
		}
		return AssertResult{}, err
	}
	o.enterRoom(info, member)
	o.Conns.Update(conn, func(c *app.ConnInfo) { c.Owned = desc.Session.ID })
	if js.Opened {
		o.publish(core.RoomTopic(room), EventSessionOpened, sessionEvent(desc.Session.ID, member))
	}
	return AssertResult{
		Session:        &desc.Session,
		Reused:         desc.Reused,
		Role:           member.Role,
		IsSessionOwner: true,
		Transport:      &js.Transport,
		Capabilities:   &js.Capabilities,
	}, nil
}

func (o *Orchestrator) requestAdmission(ctx context.Context, info app.ConnInfo, room domain.RoomID) (AssertResult, error) {
	req, created, err := o.Admission.Request(ctx, admission.Request{
		Room:       room,
		User:       info.Principal,
		ClientAddr: info.ClientAddr,
		Conn:       info.ID,
	})
	if err != nil {
		return AssertResult{}, err
	}
	if created {
		o.publish(core.ElevatedTopic(room), EventAdmissionPending, admissionEvent(req))
	}
	return AssertResult{Pending: true}, nil
}

// enterRoom subscribes the connection to the room's topics.
func (o *Orchestrator) enterRoom(info app.ConnInfo, member domain.Membership) {
	o.Conns.Update(info.ID, func(c *app.ConnInfo) {
		c.Room = member.RoomID
		c.Member = member
	})
	o.Hub.Join(core.RoomTopic(member.RoomID), info.Signal)
	if member.Role.Elevated() {
		o.Hub.Join(core.ElevatedTopic(member.RoomID), info.Signal)
	}
}

// JoinSession attaches the caller to a session of its room, as owner or watcher.
func (o *Orchestrator) JoinSession(ctx context.Context, conn core.ConnID, id domain.SessionID) (session.JoinResult, error) {
	info, err := o.inRoom(conn)
	if err != nil {
		return session.JoinResult{}, err
	}
	js, err := o.Sessions.JoinSession(ctx, conn, info.Member, id)
	if err != nil {
		return session.JoinResult{}, err
	}
	o.Conns.Update(conn, func(c *app.ConnInfo) {
		if js.IsOwner {
			c.Owned = id
			return
		}
		c.Joined[id] = struct{}{}
	})
	if js.Opened {
		o.publish(core.RoomTopic(info.Room), EventSessionOpened, sessionEvent(id, info.Member))
	}
	return js, nil
}

func (o *Orchestrator) LeaveSessions(ctx context.Context, conn core.ConnID, ids ...domain.SessionID) error {
	info, err := o.inRoom(conn)
	if err != nil {
		return err
	}
	if err := o.Sessions.LeaveSessions(ctx, conn, info.Member.ID, ids...); err != nil {
		return err
	}
	o.Conns.Update(conn, func(c *app.ConnInfo) {
		for _, id := range ids {
			delete(c.Joined, id)
		}
	})
	return nil
}

// Disconnect releases everything the connection held. Each step stands alone
// and tolerates state already cleaned up by another path.
func (o *Orchestrator) Disconnect(ctx context.Context, conn core.ConnID) {
	info, ok := o.Conns.Get(conn)
	if !ok {
		return
	}
	if dropped := o.Admission.Abandon(ctx, conn); len(dropped) > 0 {
		log.Debug().Str("module", "orch").Str("conn", string(conn)).Int("requests", len(dropped)).Msg("abandoned admission requests")
	}
	o.leaveRoom(ctx, info)
	o.Hub.LeaveAll(conn)
	o.Conns.Unbind(conn)
	log.Info().Str("module", "orch").Str("conn", string(conn)).Str("user", string(info.Principal.UserID)).Msg("disconnected")
}

// leaveRoom closes what the connection owns in its room and detaches it.
func (o *Orchestrator) leaveRoom(ctx context.Context, info app.ConnInfo) {
	if info.Room == "" {
		return
	}
	if info.Owned != "" {
		closed, err := o.Sessions.ReleaseOwner(ctx, info.Owned, info.ID)
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Str("session", string(info.Owned)).Msg("release owner")
		}
		if closed {
			o.publish(core.RoomTopic(info.Room), EventSessionClosed, sessionEvent(info.Owned, info.Member), info.ID)
		}
	}
	if joined := info.JoinedSessions(); len(joined) > 0 {
		if err := o.Sessions.LeaveSessions(ctx, info.ID, info.Member.ID, joined...); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("conn", string(info.ID)).Msg("leave sessions")
		}
	}
	for _, e := range o.Presentations.EndFor(ctx, info.ID) {
		o.presentationEnded(e)
	}
	o.Hub.Leave(core.RoomTopic(info.Room), info.ID)
	o.Hub.Leave(core.ElevatedTopic(info.Room), info.ID)
	o.Hub.Leave(core.PresenterTopic(info.Room), info.ID)
	o.Conns.Update(info.ID, func(c *app.ConnInfo) {
		c.Room = ""
		c.Member = domain.Membership{}
		c.Owned = ""
		c.Presentation = ""
		clear(c.Joined)
	})
}

func sessionEvent(id domain.SessionID, m domain.Membership) SessionEvent {
	return SessionEvent{
		SessionID:   id,
		RoomID:      m.RoomID,
		MemberID:    m.ID,
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
	}
}

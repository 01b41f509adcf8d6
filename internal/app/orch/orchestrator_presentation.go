package orch

import (
	"context"
	"time"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/presentation"
	"github.com/dkeye/huddle/internal/app/roles"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

func (o *Orchestrator) CreatePresentation(ctx context.Context, conn core.ConnID, displayName string) (domain.Presentation, error) {
	info, err := o.inRoom(conn)
	if err != nil {
		return domain.Presentation{}, err
	}
	dec, err := o.Roles.Authorize(ctx, info.Principal.UserID, info.Room, roles.Present)
	if err != nil {
		return domain.Presentation{}, err
	}
	if err := dec.Err(); err != nil {
		return domain.Presentation{}, err
	}
	p, err := o.Presentations.Create(ctx, dec.Member, info.Owned, displayName)
	if err != nil {
		return domain.Presentation{}, err
	}
	o.publish(core.RoomTopic(info.Room), EventPresentationCreated, presentationEvent(p, p.CreatedAt))
	return p, nil
}

// JoinPresentation starts the caller's own presentation or attaches a viewer.
func (o *Orchestrator) JoinPresentation(ctx context.Context, conn core.ConnID, id domain.PresentationID) (presentation.JoinResult, error) {
	info, err := o.inRoom(conn)
	if err != nil {
		return presentation.JoinResult{}, err
	}
	res, err := o.Presentations.Join(ctx, conn, info.Member, id)
	if err != nil {
		return presentation.JoinResult{}, err
	}
	if !res.IsOwner {
		o.Conns.Update(conn, func(c *app.ConnInfo) { c.Joined[domain.SessionID(id)] = struct{}{} })
		return res, nil
	}
	// the previous presenter may be this same connection
	if res.Previous != nil {
		o.presentationEnded(*res.Previous)
	}
	o.Conns.Update(conn, func(c *app.ConnInfo) { c.Presentation = id })
	o.Hub.Join(core.PresenterTopic(info.Room), info.Signal)
	if res.Started {
		at := time.Now()
		if res.Presentation.StartedAt != nil {
			at = *res.Presentation.StartedAt
		}
		o.publish(core.RoomTopic(info.Room), EventPresentationStarted, presentationEvent(res.Presentation, at))
	}
	return res, nil
}

func (o *Orchestrator) EndPresentation(ctx context.Context, conn core.ConnID, id domain.PresentationID) error {
	info, err := o.inRoom(conn)
	if err != nil {
		return err
	}
	e, ended, err := o.Presentations.End(ctx, info.Member.ID, id)
	if err != nil {
		return err
	}
	if ended {
		o.presentationEnded(e)
	}
	return nil
}

// presentationEnded detaches the former presenter and tells the room.
func (o *Orchestrator) presentationEnded(e presentation.Ended) {
	room := e.Presentation.RoomID
	o.Hub.Leave(core.PresenterTopic(room), e.Conn)
	o.Conns.Update(e.Conn, func(c *app.ConnInfo) {
		if c.Presentation == e.Presentation.ID {
			c.Presentation = ""
		}
	})
	o.publish(core.RoomTopic(room), EventPresentationEnded, presentationEvent(e.Presentation, e.At))
}

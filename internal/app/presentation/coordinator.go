// Package presentation elects at most one active presenter per room.
package presentation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/app/loop"
	"github.com/dkeye/huddle/internal/app/session"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// Streams opens and closes the live media stream behind a presentation.
type Streams interface {
	JoinStream(ctx context.Context, conn core.ConnID, member domain.Membership, s session.Stream) (session.JoinResult, error)
	CloseStream(ctx context.Context, id domain.SessionID) bool
}

// Ended describes a presentation that stopped being active.
type Ended struct {
	Presentation domain.Presentation
	Conn         core.ConnID
	At           time.Time
}

type JoinResult struct {
	Presentation domain.Presentation
	IsOwner      bool
	// Started is true for the join that activated the presentation.
	Started      bool
	Previous     *Ended
	Transport    core.TransportParams
	Capabilities core.RTPCapabilities
}

type active struct {
	p    domain.Presentation
	conn core.ConnID
}

type Coordinator struct {
	loop    *loop.Loop
	store   core.PresentationStore
	streams Streams

	active map[domain.RoomID]*active
}

func New(l *loop.Loop, store core.PresentationStore, streams Streams) *Coordinator {
	return &Coordinator{
		loop:    l,
		store:   store,
		streams: streams,
		active:  make(map[domain.RoomID]*active),
	}
}

func streamOf(p domain.Presentation) session.Stream {
	return session.Stream{
		ID:    domain.SessionID(p.ID),
		Room:  p.RoomID,
		Owner: p.OwnerID,
		Kind:  session.KindPresentation,
	}
}

// Create persists a presentation owned by member. It starts on the owner's first join.
func (c *Coordinator) Create(ctx context.Context, member domain.Membership, parent domain.SessionID, displayName string) (domain.Presentation, error) {
	if displayName == "" {
		displayName = member.DisplayName
	}
	p, err := c.store.CreatePresentation(ctx, domain.Presentation{
		RoomID:        member.RoomID,
		OwnerID:       member.ID,
		OwnerUserID:   member.UserID,
		ParentSession: parent,
		DisplayName:   displayName,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Presentation{}, err
		}
		return domain.Presentation{}, domain.Upstream(fmt.Errorf("create presentation: %w", err))
	}
	log.Info().Str("module", "app.presentation").Str("room", string(p.RoomID)).Str("presentation", string(p.ID)).Msg("presentation created")
	return p, nil
}

func (c *Coordinator) load(ctx context.Context, member domain.Membership, id domain.PresentationID) (domain.Presentation, error) {
	p, err := c.store.GetPresentation(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Presentation{}, domain.ErrPresentationNotFound
		}
		return domain.Presentation{}, domain.Upstream(fmt.Errorf("get presentation: %w", err))
	}
	if p.RoomID != member.RoomID {
		return domain.Presentation{}, domain.ErrForbidden
	}
	if p.Ended() {
		return domain.Presentation{}, domain.ErrPresentationNotFound
	}
	return p, nil
}

// Join attaches conn to a presentation. The owner's join starts it and ends
// whichever presentation was active in the room before.
func (c *Coordinator) Join(ctx context.Context, conn core.ConnID, member domain.Membership, id domain.PresentationID) (JoinResult, error) {
	p, err := c.load(ctx, member, id)
	if err != nil {
		return JoinResult{}, err
	}
	res := JoinResult{Presentation: p, IsOwner: p.OwnerID == member.ID}

	if !res.IsOwner {
		var live bool
		if err := c.loop.Do(ctx, func() {
			a := c.active[p.RoomID]
			live = a != nil && a.p.ID == id
		}); err != nil {
			return JoinResult{}, err
		}
		if !live {
			return JoinResult{}, domain.ErrPresentationNotFound
		}
	}

	js, err := c.streams.JoinStream(ctx, conn, member, streamOf(p))
	if err != nil {
		return JoinResult{}, err
	}
	res.Transport, res.Capabilities = js.Transport, js.Capabilities
	if !res.IsOwner {
		if cur, ok := c.Active(ctx, p.RoomID); !ok || cur.ID != id {
			// ended while the viewer was joining
			c.streams.CloseStream(ctx, domain.SessionID(id))
			return JoinResult{}, domain.ErrPresentationNotFound
		}
		return res, nil
	}

	now := time.Now()
	var prev *active
	if err := c.loop.Do(ctx, func() {
		a := c.active[p.RoomID]
		if a != nil && a.p.ID == id {
			a.conn = conn
			res.Presentation = a.p
			return
		}
		prev = a
		started := p
		started.StartedAt = &now
		c.active[p.RoomID] = &active{p: started, conn: conn}
		res.Presentation = started
		res.Started = true
	}); err != nil {
		return JoinResult{}, err
	}
	if !res.Started {
		return res, nil
	}

	if prev != nil {
		ended := c.finish(ctx, prev, now)
		res.Previous = &ended
		log.Info().Str("module", "app.presentation").Str("room", string(p.RoomID)).Str("previous", string(prev.p.ID)).Str("presentation", string(id)).Msg("presenter handoff")
	}
	if err := c.store.StartPresentation(ctx, id, now); err != nil {
		c.releaseSlot(ctx, p.RoomID, id)
		c.streams.CloseStream(ctx, domain.SessionID(id))
		if errors.Is(err, domain.ErrNotFound) {
			// superseded and ended before it was recorded as started
			return JoinResult{}, domain.ErrPresentationNotFound
		}
		log.Error().Err(err).Str("module", "app.presentation").Str("presentation", string(id)).Msg("start presentation")
		return JoinResult{}, domain.Upstream(fmt.Errorf("start presentation: %w", err))
	}
	log.Info().Str("module", "app.presentation").Str("room", string(p.RoomID)).Str("presentation", string(id)).Msg("presentation started")
	return res, nil
}

func (c *Coordinator) releaseSlot(ctx context.Context, room domain.RoomID, id domain.PresentationID) {
	_ = c.loop.Do(ctx, func() {
		if a := c.active[room]; a != nil && a.p.ID == id {
			delete(c.active, room)
		}
	})
}

// finish closes the stream and records the end. The slot must already be released.
func (c *Coordinator) finish(ctx context.Context, a *active, at time.Time) Ended {
	c.streams.CloseStream(ctx, domain.SessionID(a.p.ID))
	if err := c.store.EndPresentation(ctx, a.p.ID, at); err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Error().Err(err).Str("module", "app.presentation").Str("presentation", string(a.p.ID)).Msg("end presentation")
	}
	p := a.p
	p.EndedAt = &at
	return Ended{Presentation: p, Conn: a.conn, At: at}
}

// End stops an active presentation. Only its owner may end it unless by is empty.
func (c *Coordinator) End(ctx context.Context, by domain.MemberID, id domain.PresentationID) (Ended, bool, error) {
	var (
		a         *active
		forbidden bool
	)
	if err := c.loop.Do(ctx, func() {
		for room, cur := range c.active {
			if cur.p.ID != id {
				continue
			}
			if by != "" && cur.p.OwnerID != by {
				forbidden = true
				return
			}
			a = cur
			delete(c.active, room)
			return
		}
	}); err != nil {
		return Ended{}, false, err
	}
	if forbidden {
		return Ended{}, false, domain.ErrForbidden
	}
	if a == nil {
		return Ended{}, false, nil
	}
	return c.finish(ctx, a, time.Now()), true, nil
}

// EndFor ends every presentation presented from conn.
func (c *Coordinator) EndFor(ctx context.Context, conn core.ConnID) []Ended {
	var gone []*active
	_ = c.loop.Do(ctx, func() {
		for room, a := range c.active {
			if a.conn == conn {
				gone = append(gone, a)
				delete(c.active, room)
			}
		}
	})
	now := time.Now()
	out := make([]Ended, 0, len(gone))
	for _, a := range gone {
		out = append(out, c.finish(ctx, a, now))
	}
	return out
}

// Active returns the room's active presentation.
func (c *Coordinator) Active(ctx context.Context, room domain.RoomID) (domain.Presentation, bool) {
	var (
		p  domain.Presentation
		ok bool
	)
	_ = c.loop.Do(ctx, func() {
		if a := c.active[room]; a != nil {
			p, ok = a.p, true
		}
	})
	return p, ok
}

package orch

import (
	"context"
	"time"

	"github.com/dkeye/huddle/internal/app/session"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

func (o *Orchestrator) ConnectTransport(ctx context.Context, conn core.ConnID, id domain.SessionID, sec core.SecurityParams) error {
	info, err := o.inRoom(conn)
	if err != nil {
		return err
	}
	return o.Sessions.ConnectTransport(ctx, id, info.Member.ID, sec)
}

// CreateProducer publishes media into the caller's session and tells the room.
func (o *Orchestrator) CreateProducer(ctx context.Context, conn core.ConnID, id domain.SessionID, params core.MediaParams) (session.ProducerInfo, error) {
	info, err := o.inRoom(conn)
	if err != nil {
		return session.ProducerInfo{}, err
	}
	p, err := o.Sessions.CreateProducer(ctx, id, info.Member.ID, params)
	if err != nil {
		return session.ProducerInfo{}, err
	}
	o.publish(core.RoomTopic(p.Room), EventProducerOpened, producerEvent(p), conn)
	return p, nil
}

func (o *Orchestrator) CloseProducer(ctx context.Context, conn core.ConnID, id domain.ProducerID) error {
	info, err := o.inRoom(conn)
	if err != nil {
		return err
	}
	p, closed, err := o.Sessions.CloseProducer(ctx, info.Member.ID, id)
	if err != nil {
		return err
	}
	if closed {
		o.publish(core.RoomTopic(p.Room), EventProducerClosed, producerEvent(p), conn)
	}
	return nil
}

func (o *Orchestrator) CreateConsumer(ctx context.Context, conn core.ConnID, id domain.SessionID, producer domain.ProducerID, caps core.RTPCapabilities) (core.ConsumerParams, error) {
	info, err := o.inRoom(conn)
	if err != nil {
		return core.ConsumerParams{}, err
	}
	return o.Sessions.CreateConsumer(ctx, id, info.Member.ID, producer, caps)
}

func (o *Orchestrator) CloseConsumer(ctx context.Context, conn core.ConnID, id domain.ConsumerID) error {
	info, err := o.inRoom(conn)
	if err != nil {
		return err
	}
	_, err = o.Sessions.CloseConsumer(ctx, info.Member.ID, id)
	return err
}

// ToggleConsumer flips pause and reports the new state.
func (o *Orchestrator) ToggleConsumer(ctx context.Context, conn core.ConnID, id domain.ConsumerID) (bool, error) {
	info, err := o.inRoom(conn)
	if err != nil {
		return false, err
	}
	return o.Sessions.ToggleConsumer(ctx, info.Member.ID, id)
}

// ObserveStats resolves a producer or consumer of the caller's room for a stats subscription.
func (o *Orchestrator) ObserveStats(ctx context.Context, conn core.ConnID, kind, id string) (core.StatsSource, error) {
	info, err := o.inRoom(conn)
	if err != nil {
		return nil, err
	}
	return o.Sessions.Stats(ctx, info.Room, kind, id)
}

// StreamStats samples src every interval until ctx ends, src closes or emit fails.
func StreamStats(ctx context.Context, src core.StatsSource, interval time.Duration, emit func(core.MediaStats) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-src.Done():
			return nil
		case <-t.C:
			if err := emit(src.Stats()); err != nil {
				return err
			}
		}
	}
}

func producerEvent(p session.ProducerInfo) ProducerEvent {
	return ProducerEvent{ProducerID: p.ID, SessionID: p.Session, RoomID: p.Room, Kind: p.Kind}
}

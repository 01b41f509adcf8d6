package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p struct {
		SessionID domain.SessionID `json:"sessionId"`
		core.SecurityParams
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("sessionId", string(p.SessionID)); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.ConnectTransport(ctx, cl.id(), p.SessionID, p.SecurityParams)
}

func (ctl *SignalWSController) handleCreateProducer(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p struct {
		SessionID domain.SessionID `json:"sessionId"`
		core.MediaParams
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("sessionId", string(p.SessionID)); err != nil {
		return nil, err
	}
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("kind %q: %w", p.Kind, errBadRequest)
	}
	if err := required("mimeType", p.MimeType); err != nil {
		return nil, err
	}
	return ctl.Orch.CreateProducer(ctx, cl.id(), p.SessionID, p.MediaParams)
}

func (ctl *SignalWSController) handleCloseProducer(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p struct {
		ProducerID domain.ProducerID `json:"producerId"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("producerId", string(p.ProducerID)); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.CloseProducer(ctx, cl.id(), p.ProducerID)
}

func (ctl *SignalWSController) handleCreateConsumer(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p struct {
		SessionID    domain.SessionID     `json:"sessionId"`
		ProducerID   domain.ProducerID    `json:"producerId"`
		Capabilities core.RTPCapabilities `json:"rtpCapabilities"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("sessionId", string(p.SessionID)); err != nil {
		return nil, err
	}
	if err := required("producerId", string(p.ProducerID)); err != nil {
		return nil, err
	}
	return ctl.Orch.CreateConsumer(ctx, cl.id(), p.SessionID, p.ProducerID, p.Capabilities)
}

type consumerPayload struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

func (ctl *SignalWSController) handleCloseConsumer(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p consumerPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("consumerId", string(p.ConsumerID)); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.CloseConsumer(ctx, cl.id(), p.ConsumerID)
}

func (ctl *SignalWSController) handleToggleConsumer(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p consumerPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("consumerId", string(p.ConsumerID)); err != nil {
		return nil, err
	}
	paused, err := ctl.Orch.ToggleConsumer(ctx, cl.id(), p.ConsumerID)
	if err != nil {
		return nil, err
	}
	return struct {
		ConsumerID domain.ConsumerID `json:"consumerId"`
		Paused     bool              `json:"paused"`
	}{p.ConsumerID, paused}, nil
}

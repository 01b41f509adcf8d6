package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type presentationPayload struct {
	PresentationID domain.PresentationID `json:"presentationId"`
}

func (ctl *SignalWSController) handleCreatePresentation(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p struct {
		DisplayName string `json:"displayName"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	return ctl.Orch.CreatePresentation(ctx, cl.id(), p.DisplayName)
}

func (ctl *SignalWSController) handleJoinPresentation(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p presentationPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("presentationId", string(p.PresentationID)); err != nil {
		return nil, err
	}
	res, err := ctl.Orch.JoinPresentation(ctx, cl.id(), p.PresentationID)
	if err != nil {
		return nil, err
	}
	return struct {
		Presentation domain.Presentation  `json:"presentation"`
		IsOwner      bool                 `json:"isOwner"`
		Transport    core.TransportParams `json:"transport"`
		Capabilities core.RTPCapabilities `json:"rtpCapabilities"`
	}{res.Presentation, res.IsOwner, res.Transport, res.Capabilities}, nil
}

func (ctl *SignalWSController) handleEndPresentation(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p presentationPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("presentationId", string(p.PresentationID)); err != nil {
		return nil, err
	}
	return nil, ctl.Orch.EndPresentation(ctx, cl.id(), p.PresentationID)
}

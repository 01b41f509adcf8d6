package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleAssertSession(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p struct {
		RoomID domain.RoomID `json:"roomId"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("roomId", string(p.RoomID)); err != nil {
		return nil, err
	}
	res, err := ctl.Orch.AssertSession(ctx, cl.id(), p.RoomID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "signal").Str("conn", string(cl.id())).Str("room", string(p.RoomID)).Bool("pending", res.Pending).Msg("assert session")
	return res, nil
}

type joinSessionReply struct {
	SessionID    domain.SessionID     `json:"sessionId"`
	IsOwner      bool                 `json:"isSessionOwner"`
	Transport    core.TransportParams `json:"transport"`
	Capabilities core.RTPCapabilities `json:"rtpCapabilities"`
}

func (ctl *SignalWSController) handleJoinSession(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p struct {
		SessionID domain.SessionID `json:"sessionId"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("sessionId", string(p.SessionID)); err != nil {
		return nil, err
	}
	res, err := ctl.Orch.JoinSession(ctx, cl.id(), p.SessionID)
	if err != nil {
		return nil, err
	}
	return joinSessionReply{
		SessionID:    p.SessionID,
		IsOwner:      res.IsOwner,
		Transport:    res.Transport,
		Capabilities: res.Capabilities,
	}, nil
}

func (ctl *SignalWSController) handleLeaveSession(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p struct {
		SessionIDs []domain.SessionID `json:"sessionIds"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if len(p.SessionIDs) == 0 {
		return nil, required("sessionIds", "")
	}
	return nil, ctl.Orch.LeaveSessions(ctx, cl.id(), p.SessionIDs...)
}

func (ctl *SignalWSController) handleApproveAdmission(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p struct {
		UserID  domain.UserID `json:"userId"`
		Approve *bool         `json:"approve"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("userId", string(p.UserID)); err != nil {
		return nil, err
	}
	approve := p.Approve == nil || *p.Approve
	res, err := ctl.Orch.ResolveAdmission(ctx, cl.id(), p.UserID, approve)
	if err != nil {
		return nil, err
	}
	return struct {
		UserID    domain.UserID `json:"userId"`
		State     string        `json:"state"`
		Activated bool          `json:"activated"`
	}{p.UserID, res.State.String(), res.Activated}, nil
}

func (ctl *SignalWSController) handlePendingAdmissions(ctx context.Context, cl *client, _ json.RawMessage) (any, error) {
	reqs, err := ctl.Orch.PendingAdmissions(ctx, cl.id())
	if err != nil {
		return nil, err
	}
	return struct {
		Requests any `json:"requests"`
	}{reqs}, nil
}

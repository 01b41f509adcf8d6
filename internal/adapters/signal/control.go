package signal

import (
	"context"
	"encoding/json"
	"time"
)

func (ctl *SignalWSController) handleAuth(ctx context.Context, cl *client, data json.RawMessage) (any, error) {
	var p struct {
		Token string `json:"token"`
	}
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if err := required("token", p.Token); err != nil {
		return nil, err
	}
	principal, err := ctl.Auth.Authenticate(ctx, p.Token)
	if err != nil {
		return nil, err
	}
	if err := ctl.Orch.Authenticated(cl.id(), principal); err != nil {
		return nil, err
	}
	cl.user = principal.UserID
	return struct {
		User any `json:"user"`
	}{principal}, nil
}

func (ctl *SignalWSController) handlePing(context.Context, *client, json.RawMessage) (any, error) {
	return struct {
		Time time.Time `json:"time"`
	}{time.Now()}, nil
}

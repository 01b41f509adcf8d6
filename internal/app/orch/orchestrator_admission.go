package orch

import (
	"context"

	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/app/roles"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// ResolveAdmission lets an elevated member approve or deny a pending guest.
func (o *Orchestrator) ResolveAdmission(ctx context.Context, conn core.ConnID, user domain.UserID, approve bool) (admission.Resolution, error) {
	info, err := o.inRoom(conn)
	if err != nil {
		return admission.Resolution{}, err
	}
	dec, err := o.Roles.Authorize(ctx, info.Principal.UserID, info.Room, roles.ResolveAdmission)
	if err != nil {
		return admission.Resolution{}, err
	}
	if err := dec.Err(); err != nil {
		return admission.Resolution{}, err
	}
	res, err := o.Admission.Resolve(ctx, info.Room, user, approve)
	if err != nil {
		return admission.Resolution{}, err
	}
	if res.State == admission.Approved && res.Activated {
		ev := admissionEvent(res.Request)
		ev.ApprovedBy = info.Principal.UserID
		o.publish(core.ElevatedTopic(info.Room), EventAdmissionApproved, ev)
		o.send(res.Request.Conn, EventAdmissionApproved, ev)
	}
	return res, nil
}

// AdmissionExpired notifies the requester and the room's elevated members.
func (o *Orchestrator) AdmissionExpired(req admission.Request) {
	ev := admissionEvent(req)
	o.send(req.Conn, EventAdmissionExpired, ev)
	o.publish(core.ElevatedTopic(req.Room), EventAdmissionExpired, ev)
}

func (o *Orchestrator) PendingAdmissions(ctx context.Context, conn core.ConnID) ([]admission.Request, error) {
	info, err := o.inRoom(conn)
	if err != nil {
		return nil, err
	}
	if !info.Member.Role.Elevated() {
		return nil, domain.ErrForbidden
	}
	return o.Admission.Pending(ctx, info.Room), nil
}

func admissionEvent(r admission.Request) AdmissionEvent {
	return AdmissionEvent{
		RoomID:      r.Room,
		User:        r.User,
		ClientAddr:  r.ClientAddr,
		RequestedAt: r.RequestedAt,
	}
}

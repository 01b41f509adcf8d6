package orch

import (
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// Push events.
const (
	EventSessionOpened       = "session_opened"
	EventSessionClosed       = "session_closed"
	EventProducerOpened      = "producer_opened"
	EventProducerClosed      = "producer_closed"
	EventAdmissionPending    = "admission_pending"
	EventAdmissionApproved   = "admission_approved"
	EventAdmissionExpired    = "admission_expired"
	EventPresentationCreated = "presentation_created"
	EventPresentationStarted = "presentation_started"
	EventPresentationEnded   = "presentation_ended"
)

type SessionEvent struct {
	SessionID   domain.SessionID `json:"sessionId"`
	RoomID      domain.RoomID    `json:"roomId"`
	MemberID    domain.MemberID  `json:"memberId"`
	UserID      domain.UserID    `json:"userId"`
	DisplayName string           `json:"displayName"`
}

type ProducerEvent struct {
	ProducerID domain.ProducerID `json:"producerId"`
	SessionID  domain.SessionID  `json:"sessionId"`
	RoomID     domain.RoomID     `json:"roomId"`
	Kind       core.MediaKind    `json:"kind"`
}

type AdmissionEvent struct {
	RoomID      domain.RoomID    `json:"roomId"`
	User        domain.Principal `json:"user"`
	ClientAddr  string           `json:"clientIp,omitempty"`
	RequestedAt time.Time        `json:"requestedAt"`
	ApprovedBy  domain.UserID    `json:"approvedBy,omitempty"`
}

type PresentationEvent struct {
	PresentationID domain.PresentationID `json:"presentationId"`
	RoomID         domain.RoomID         `json:"roomId"`
	Owner          domain.MemberID       `json:"owner"`
	OwnerUserID    domain.UserID         `json:"ownerUserId"`
	DisplayName    string                `json:"displayName"`
	At             time.Time             `json:"timestamp"`
}

func presentationEvent(p domain.Presentation, at time.Time) PresentationEvent {
	return PresentationEvent{
		PresentationID: p.ID,
		RoomID:         p.RoomID,
		Owner:          p.OwnerID,
		OwnerUserID:    p.OwnerUserID,
		DisplayName:    p.DisplayName,
		At:             at,
	}
}

// AssertResult answers assert_session. Pending means the caller waits for admission.
type AssertResult struct {
	Pending        bool                  `json:"pending"`
	Session        *domain.Session       `json:"session,omitempty"`
	Reused         bool                  `json:"reused"`
	Role           domain.Role           `json:"role,omitempty"`
	IsSessionOwner bool                  `json:"isSessionOwner"`
	Transport      *core.TransportParams `json:"transport,omitempty"`
	Capabilities   *core.RTPCapabilities `json:"rtpCapabilities,omitempty"`
}

package core

import (
	"context"
	"time"

	"github.com/dkeye/huddle/internal/domain"
)

type RoomStore interface {
	CreateRoom(ctx context.Context, name string, owner domain.Principal) (domain.Room, error)
	GetRoom(ctx context.Context, id domain.RoomID) (domain.Room, error)
}

type MembershipStore interface {
	// GetMembership fails with domain.ErrMembershipNotFound.
	GetMembership(ctx context.Context, room domain.RoomID, user domain.UserID) (domain.Membership, error)
	// ActivateMembership creates or un-pends the (room, user) membership.
	// activated is true only for the call that performed the transition.
	ActivateMembership(ctx context.Context, room domain.RoomID, p domain.Principal, role domain.Role) (m domain.Membership, activated bool, err error)
	SetRole(ctx context.Context, room domain.RoomID, user domain.UserID, role domain.Role) error
	SetBanned(ctx context.Context, room domain.RoomID, user domain.UserID, banned bool) error
}

type SessionStore interface {
	// FindOpenSession returns the non-ended session of member on server, or domain.ErrSessionNotFound.
	FindOpenSession(ctx context.Context, serverID string, member domain.MemberID) (domain.Session, error)
	// CreateSession stores the session and links it as the membership's active session atomically.
	CreateSession(ctx context.Context, s domain.Session) (domain.Session, error)
	GetSession(ctx context.Context, id domain.SessionID) (domain.Session, error)
	// EndSession is idempotent.
	EndSession(ctx context.Context, id domain.SessionID, at time.Time) error
	AddSessionProducer(ctx context.Context, id domain.SessionID, producer domain.ProducerID) error
	RemoveSessionProducer(ctx context.Context, id domain.SessionID, producer domain.ProducerID) error
}

type PresentationStore interface {
	CreatePresentation(ctx context.Context, p domain.Presentation) (domain.Presentation, error)
	GetPresentation(ctx context.Context, id domain.PresentationID) (domain.Presentation, error)
	StartPresentation(ctx context.Context, id domain.PresentationID, at time.Time) error
	// EndPresentation is idempotent.
	EndPresentation(ctx context.Context, id domain.PresentationID, at time.Time) error
}

// Store is the persistence collaborator: the source of truth for roles,
// bans and memberships and a durable log of session history.
type Store interface {
	RoomStore
	MembershipStore
	SessionStore
	PresentationStore
	Close() error
}

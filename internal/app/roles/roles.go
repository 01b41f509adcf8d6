// Package roles resolves room roles and turns them into capability decisions.
package roles

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type Capability int

const (
	// JoinRoom needs an active, unbanned, non-pending membership.
	JoinRoom Capability = iota
	Present
	ResolveAdmission
	// Elevated gates the elevated broadcast channel.
	Elevated
)

func (c Capability) String() string {
	switch c {
	case JoinRoom:
		return "join_room"
	case Present:
		return "present"
	case ResolveAdmission:
		return "resolve_admission"
	case Elevated:
		return "elevated"
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

type Decision struct {
	Allowed bool
	Role    domain.Role
	// Member is the zero value when the user has no membership.
	Member domain.Membership
	Reason string
}

// Err converts a negative decision into a taxonomy error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Member.Banned {
		return domain.ErrBanned
	}
	return fmt.Errorf("%s: %w", d.Reason, domain.ErrForbidden)
}

// Decide is the authorization rule table. m is nil for non-members.
func Decide(m *domain.Membership, c Capability) Decision {
	if m == nil {
		return Decision{Reason: "not a member"}
	}
	d := Decision{Role: m.Role, Member: *m}
	switch {
	case m.Banned:
		d.Reason = "banned"
	case m.Pending:
		d.Reason = "membership pending"
	case c == JoinRoom || c == Present:
		d.Allowed = true
	case c == ResolveAdmission || c == Elevated:
		d.Allowed = m.Role.Elevated()
		if !d.Allowed {
			d.Reason = "requires moderator or owner"
		}
	default:
		d.Reason = "unknown capability"
	}
	return d
}

// Service reads roles from the membership store. It holds no channel state.
type Service struct {
	store core.MembershipStore
}

func New(store core.MembershipStore) *Service {
	return &Service{store: store}
}

func (s *Service) membership(ctx context.Context, room domain.RoomID, user domain.UserID) (*domain.Membership, error) {
	m, err := s.store.GetMembership(ctx, room, user)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, domain.Upstream(fmt.Errorf("get membership: %w", err))
	}
	return &m, nil
}

// RoleOf fails with domain.ErrMembershipNotFound for non-members.
func (s *Service) RoleOf(ctx context.Context, room domain.RoomID, user domain.UserID) (domain.Role, error) {
	m, err := s.membership(ctx, room, user)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", domain.ErrMembershipNotFound
	}
	return m.Role, nil
}

func (s *Service) IsInRoles(ctx context.Context, room domain.RoomID, user domain.UserID, roles ...domain.Role) bool {
	m, err := s.membership(ctx, room, user)
	if err != nil || m == nil || m.Banned || m.Pending {
		return false
	}
	return slices.Contains(roles, m.Role)
}

// Authorize loads the membership and applies Decide. The error is set only
// when the store fails.
func (s *Service) Authorize(ctx context.Context, user domain.UserID, room domain.RoomID, c Capability) (Decision, error) {
	m, err := s.membership(ctx, room, user)
	if err != nil {
		return Decision{}, err
	}
	return Decide(m, c), nil
}

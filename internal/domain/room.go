package domain

import (
	"fmt"
	"time"
)

type (
	RoomID   string
	MemberID string
	Role     string
)

const (
	RoleGuest     Role = "guest"
	RoleModerator Role = "moderator"
	RoleOwner     Role = "owner"
)

// Elevated roles receive admission signaling.
func (r Role) Elevated() bool {
	return r == RoleModerator || r == RoleOwner
}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleGuest, RoleModerator, RoleOwner:
		return Role(s), nil
	case "":
		return RoleGuest, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type Room struct {
	ID        RoomID    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   UserID    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Membership links a user to a room roster.
type Membership struct {
	ID            MemberID  `json:"id"`
	RoomID        RoomID    `json:"roomId"`
	UserID        UserID    `json:"userId"`
	Role          Role      `json:"role"`
	DisplayName   string    `json:"displayName"`
	Avatar        string    `json:"avatar,omitempty"`
	Banned        bool      `json:"isBanned"`
	Pending       bool      `json:"pending"`
	ActiveSession SessionID `json:"activeSession,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Active reports whether the member may enter the room without admission.
func (m Membership) Active() bool {
	return !m.Banned && !m.Pending
}

package domain

import "time"

type PresentationID string

type Presentation struct {
	ID            PresentationID `json:"id"`
	RoomID        RoomID         `json:"roomId"`
	OwnerID       MemberID       `json:"owner"`
	OwnerUserID   UserID         `json:"ownerUserId"`
	ParentSession SessionID      `json:"parentSession"`
	DisplayName   string         `json:"displayName"`
	CreatedAt     time.Time      `json:"createdAt"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	EndedAt       *time.Time     `json:"endedAt,omitempty"`
}

func (p Presentation) Started() bool { return p.StartedAt != nil }
func (p Presentation) Ended() bool   { return p.EndedAt != nil }
func (p Presentation) Active() bool  { return p.Started() && !p.Ended() }

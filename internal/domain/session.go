package domain

import "time"

type (
	SessionID   string
	TransportID string
	ProducerID  string
	ConsumerID  string
)

// Session is one member's occupancy of a room's real-time plane.
type Session struct {
	ID          SessionID    `json:"id"`
	RoomID      RoomID       `json:"roomId"`
	MemberID    MemberID     `json:"memberId"`
	UserID      UserID       `json:"userId"`
	DisplayName string       `json:"displayName"`
	Avatar      string       `json:"avatar,omitempty"`
	ServerID    string       `json:"serverIp"`
	ClientAddr  string       `json:"clientIp"`
	Producers   []ProducerID `json:"producers"`
	CreatedAt   time.Time    `json:"createdAt"`
	EndedAt     *time.Time   `json:"endDate,omitempty"`
}

func (s Session) Ended() bool { return s.EndedAt != nil }

package core

import "github.com/dkeye/huddle/internal/domain"

// Topic names a broadcast group.
type Topic string

func RoomTopic(id domain.RoomID) Topic      { return Topic("room::" + id) }
func ElevatedTopic(id domain.RoomID) Topic  { return Topic("elevated::" + id) }
func PresenterTopic(id domain.RoomID) Topic { return Topic("presenters::" + id) }

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []SignalConnection
}

// Channel is a broadcast group of signaling connections.
// It never closes adapter-owned resources.
type Channel interface {
	Topic() Topic
	Len() int
	Members() []ConnID
	Has(ConnID) bool
	Add(SignalConnection)
	Remove(ConnID) bool
	Broadcast(data Frame, except ...ConnID) PublishResult
}

package sfu

import (
	"sync/atomic"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// PacketSink is the consumer side of a relay. *webrtc.TrackLocalStaticRTP satisfies it.
type PacketSink interface {
	WriteRTP(*rtp.Packet) error
}

// OutTrack is one consumer's outgoing stream.
type OutTrack struct {
	Sink  PacketSink
	state atomic.Int32 // Zero by default (TrackStateOk)

	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
}

// NewOutTrack returns a muted track; consumers start paused.
func NewOutTrack(sink PacketSink) *OutTrack {
	ot := &OutTrack{Sink: sink}
	ot.MarkMuted()
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

func (ot *OutTrack) write(pkt *rtp.Packet) error {
	if err := ot.Sink.WriteRTP(pkt); err != nil {
		return err
	}
	ot.packets.Add(1)
	ot.bytes.Add(uint64(len(pkt.Payload)))
	return nil
}

func (ot *OutTrack) Stats() core.MediaStats {
	return core.MediaStats{
		Packets:   ot.packets.Load(),
		Bytes:     ot.bytes.Load(),
		Dropped:   ot.dropped.Load(),
		Timestamp: time.Now(),
	}
}

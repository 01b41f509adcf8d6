package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource chan *rtp.Packet

func (c chanSource) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-c
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

type sink struct {
	mu   sync.Mutex
	got  []uint16
	fail bool
}

func (s *sink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("closed pipe")
	}
	s.got = append(s.got, p.SequenceNumber)
	return nil
}

func (s *sink) seqs() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.got...)
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: []byte{1, 2, 3}}
}

func TestRelayForwardsOnlyToUnmutedTracks(t *testing.T) {
	src := make(chanSource)
	m := NewRelayManager()
	relay := m.StartRelay(context.Background(), "p1", src)

	live, muted := &sink{}, &sink{}
	liveTrack := NewOutTrack(live)
	liveTrack.MarkOk()
	mutedTrack := NewOutTrack(muted)
	require.True(t, m.AddSubscriber("p1", "c-live", liveTrack))
	require.True(t, m.AddSubscriber("p1", "c-muted", mutedTrack))
	assert.False(t, m.AddSubscriber("nope", "c", NewOutTrack(&sink{})))

	src <- packet(1)
	src <- packet(2)
	close(src)
	<-relay.Done()

	assert.Equal(t, []uint16{1, 2}, live.seqs())
	assert.Empty(t, muted.seqs())
	assert.EqualValues(t, 2, liveTrack.Stats().Packets)
	assert.EqualValues(t, 6, liveTrack.Stats().Bytes)
	assert.EqualValues(t, 2, mutedTrack.Stats().Dropped)
	assert.EqualValues(t, 2, relay.Stats().Packets)
	assert.Equal(t, TrackStateDelete, liveTrack.GetState(), "source end deletes every out track")
}

func TestWriteErrorDropsTrack(t *testing.T) {
	src := make(chanSource)
	m := NewRelayManager()
	relay := m.StartRelay(context.Background(), "p1", src)

	bad := &sink{fail: true}
	ot := NewOutTrack(bad)
	ot.MarkOk()
	m.AddSubscriber("p1", "c1", ot)

	src <- packet(1)
	src <- packet(2)
	assert.Equal(t, TrackStateDelete, ot.GetState())
	_, ok := relay.outTrack("c1")
	assert.False(t, ok)
	close(src)
}

func TestDeleteIsSticky(t *testing.T) {
	ot := NewOutTrack(&sink{})
	assert.Equal(t, TrackStateMuted, ot.GetState())
	ot.MarkDelete()
	ot.MarkOk()
	ot.MarkMuted()
	assert.Equal(t, TrackStateDelete, ot.GetState())
}

func TestStopRelay(t *testing.T) {
	src := make(chanSource)
	m := NewRelayManager()
	relay := m.StartRelay(context.Background(), "p1", src)
	ot := NewOutTrack(&sink{})
	m.AddSubscriber("p1", "c1", ot)

	m.StopRelay("p1")
	m.StopRelay("p1")
	assert.False(t, m.HasRelay("p1"))
	assert.Equal(t, TrackStateDelete, ot.GetState())

	close(src)
	select {
	case <-relay.Done():
	case <-time.After(time.Second):
		t.Fatal("relay loop did not exit")
	}
}

package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/adapters/storage/memory"
	"github.com/dkeye/huddle/internal/app/loop"
	"github.com/dkeye/huddle/internal/app/routers"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/coretest"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type onePool struct{ w core.MediaWorker }

func (p onePool) Allocate() core.MediaWorker { return p.w }

type fixture struct {
	mgr   *Manager
	reg   *routers.Registry
	store *memory.Store
	room  domain.Room
	owner domain.Membership
	guest domain.Membership
}

func newFixture(t *testing.T, staleAfter time.Duration) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(32)
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})

	store := memory.New()
	reg := routers.New(l, onePool{coretest.NewWorker("w0")}, core.DefaultCodecProfile(), 0)
	mgr := NewManager(Config{ServerID: "10.0.0.1", StaleAfter: staleAfter}, l, reg, store)

	alice := domain.Principal{UserID: "alice", DisplayName: "Alice"}
	bob := domain.Principal{UserID: "bob", DisplayName: "Bob"}
	room, err := store.CreateRoom(ctx, "standup", alice)
	require.NoError(t, err)
	owner, err := store.GetMembership(ctx, room.ID, alice.UserID)
	require.NoError(t, err)
	guest, _, err := store.ActivateMembership(ctx, room.ID, bob, domain.RoleGuest)
	require.NoError(t, err)

	return &fixture{mgr: mgr, reg: reg, store: store, room: room, owner: owner, guest: guest}
}

func (f *fixture) open(t *testing.T, conn core.ConnID) (domain.SessionID, JoinResult) {
	t.Helper()
	ctx := context.Background()
	d, err := f.mgr.AssertSession(ctx, f.owner, "192.0.2.10")
	require.NoError(t, err)
	res, err := f.mgr.JoinSession(ctx, conn, f.owner, d.Session.ID)
	require.NoError(t, err)
	return d.Session.ID, res
}

var audio = core.MediaParams{Kind: core.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111, SSRC: 1000}

func TestTransportIDIsMD5OfUserAndSession(t *testing.T) {
	sum := md5.Sum([]byte("alice\nsess-1"))
	assert.Equal(t, domain.TransportID(hex.EncodeToString(sum[:])), TransportID("alice", "sess-1"))
	assert.NotEqual(t, TransportID("alice", "sess-1"), TransportID("bob", "sess-1"))
}

func TestAssertSessionReusesOpenSession(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	first, err := f.mgr.AssertSession(ctx, f.owner, "192.0.2.10")
	require.NoError(t, err)
	assert.False(t, first.Reused)

	again, err := f.mgr.AssertSession(ctx, f.owner, "192.0.2.10")
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.Session.ID, again.Session.ID)

	m, err := f.store.GetMembership(ctx, f.room.ID, f.owner.UserID)
	require.NoError(t, err)
	assert.Equal(t, first.Session.ID, m.ActiveSession)
}

func TestAssertSessionReplacesStaleSession(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	old, err := f.store.CreateSession(ctx, domain.Session{
		RoomID:    f.room.ID,
		MemberID:  f.owner.ID,
		UserID:    f.owner.UserID,
		ServerID:  "10.0.0.1",
		CreatedAt: time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	d, err := f.mgr.AssertSession(ctx, f.owner, "192.0.2.10")
	require.NoError(t, err)
	assert.False(t, d.Reused)
	assert.NotEqual(t, old.ID, d.Session.ID)

	ended, err := f.store.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, ended.Ended())
}

func TestAssertSessionRejectsBannedAndPending(t *testing.T) {
	f := newFixture(t, 0)
	banned := f.guest
	banned.Banned = true
	_, err := f.mgr.AssertSession(context.Background(), banned, "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	pending := f.guest
	pending.Pending = true
	_, err = f.mgr.AssertSession(context.Background(), pending, "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestOwnerAndGuestGetDistinctTransports(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sid, owned := f.open(t, "c-owner")
	assert.True(t, owned.IsOwner)
	assert.True(t, owned.Opened)
	assert.True(t, owned.Capabilities.Supports("audio/opus"))

	watched, err := f.mgr.JoinSession(ctx, "c-guest", f.guest, sid)
	require.NoError(t, err)
	assert.False(t, watched.IsOwner)
	assert.False(t, watched.Opened)

	assert.Equal(t, TransportID(f.owner.UserID, sid), owned.Transport.ID)
	assert.Equal(t, TransportID(f.guest.UserID, sid), watched.Transport.ID)
	assert.Equal(t, []domain.MemberID{f.guest.ID}, f.mgr.Watchers(ctx, sid))

	// joining again reuses the transport
	again, err := f.mgr.JoinSession(ctx, "c-guest", f.guest, sid)
	require.NoError(t, err)
	assert.Equal(t, watched.Transport.ID, again.Transport.ID)
	_, transports, _, _ := f.mgr.Counts(ctx)
	assert.Equal(t, 2, transports)
}

func TestJoinEndedSessionIsNotFound(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sid, _ := f.open(t, "c1")
	_, err := f.mgr.CloseSession(ctx, sid)
	require.NoError(t, err)

	_, err = f.mgr.JoinSession(ctx, "c2", f.guest, sid)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLatestOwnerConnectionWins(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sid, _ := f.open(t, "tab-1")
	res, err := f.mgr.JoinSession(ctx, "tab-2", f.owner, sid)
	require.NoError(t, err)
	assert.False(t, res.Opened)

	owner, ok := f.mgr.Owner(ctx, sid)
	require.True(t, ok)
	assert.Equal(t, core.ConnID("tab-2"), owner)

	closed, err := f.mgr.ReleaseOwner(ctx, sid, "tab-1")
	require.NoError(t, err)
	assert.False(t, closed, "a replaced connection must not close the session")

	closed, err = f.mgr.ReleaseOwner(ctx, sid, "tab-2")
	require.NoError(t, err)
	assert.True(t, closed)
	rec, err := f.store.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.True(t, rec.Ended())
}

func TestProducerConsumerLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sid, _ := f.open(t, "c-owner")
	_, err := f.mgr.JoinSession(ctx, "c-guest", f.guest, sid)
	require.NoError(t, err)

	_, err = f.mgr.CreateProducer(ctx, sid, f.guest.ID, audio)
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "only the owner produces")

	info, err := f.mgr.CreateProducer(ctx, sid, f.owner.ID, audio)
	require.NoError(t, err)
	assert.Equal(t, core.KindAudio, info.Kind)
	assert.Equal(t, f.room.ID, info.Room)

	rec, err := f.store.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, []domain.ProducerID{info.ID}, rec.Producers)

	cp, err := f.mgr.CreateConsumer(ctx, sid, f.guest.ID, info.ID, core.DefaultCodecProfile())
	require.NoError(t, err)
	assert.True(t, cp.Paused)
	assert.Equal(t, info.ID, cp.ProducerID)

	paused, err := f.mgr.ToggleConsumer(ctx, f.guest.ID, cp.ID)
	require.NoError(t, err)
	assert.False(t, paused)
	paused, err = f.mgr.ToggleConsumer(ctx, f.guest.ID, cp.ID)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = f.mgr.ToggleConsumer(ctx, f.owner.ID, cp.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	src, err := f.mgr.Stats(ctx, f.room.ID, "consumer", string(cp.ID))
	require.NoError(t, err)
	consumer := src.(*coretest.Consumer)
	_, err = f.mgr.Stats(ctx, "other-room", "consumer", string(cp.ID))
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
	_, err = f.mgr.Stats(ctx, "other-room", "producer", string(info.ID))
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	_, closed, err := f.mgr.CloseProducer(ctx, f.owner.ID, info.ID)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.True(t, consumer.Closed(), "closing a producer closes its consumers")

	_, closed, err = f.mgr.CloseProducer(ctx, f.owner.ID, info.ID)
	require.NoError(t, err)
	assert.False(t, closed)

	rec, err = f.store.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, rec.Producers)
}

func TestConsumeUnknownProducer(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sid, _ := f.open(t, "c-owner")
	_, err := f.mgr.JoinSession(ctx, "c-guest", f.guest, sid)
	require.NoError(t, err)

	_, err = f.mgr.CreateConsumer(ctx, sid, f.guest.ID, "nope", core.DefaultCodecProfile())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestCloseSessionTwiceIsNoop(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sid, _ := f.open(t, "c1")
	info, err := f.mgr.CreateProducer(ctx, sid, f.owner.ID, audio)
	require.NoError(t, err)
	src, err := f.mgr.Stats(ctx, f.room.ID, "producer", string(info.ID))
	require.NoError(t, err)

	closed, err := f.mgr.CloseSession(ctx, sid)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.True(t, src.(*coretest.Producer).Closed())

	closed, err = f.mgr.CloseSession(ctx, sid)
	require.NoError(t, err)
	assert.False(t, closed)

	sessions, transports, producers, consumers := f.mgr.Counts(ctx)
	assert.Zero(t, sessions+transports+producers+consumers)
}

func TestLeaveSessionsKeepsSessionOpen(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sid, _ := f.open(t, "c-owner")
	_, err := f.mgr.JoinSession(ctx, "c-guest", f.guest, sid)
	require.NoError(t, err)
	info, err := f.mgr.CreateProducer(ctx, sid, f.owner.ID, audio)
	require.NoError(t, err)
	cp, err := f.mgr.CreateConsumer(ctx, sid, f.guest.ID, info.ID, core.DefaultCodecProfile())
	require.NoError(t, err)

	require.NoError(t, f.mgr.LeaveSessions(ctx, "c-guest", f.guest.ID, sid))
	require.NoError(t, f.mgr.LeaveSessions(ctx, "c-owner", f.owner.ID, sid))

	assert.Empty(t, f.mgr.Watchers(ctx, sid))
	_, err = f.mgr.Stats(ctx, f.room.ID, "consumer", string(cp.ID))
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
	_, ok := f.mgr.Owner(ctx, sid)
	assert.True(t, ok)
	assert.Equal(t, []domain.ProducerID{info.ID}, f.mgr.Producers(ctx, sid))
}

func TestSharedTransportOutlivesOneConnection(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sid, _ := f.open(t, "c-owner")
	first, err := f.mgr.JoinSession(ctx, "c-guest-1", f.guest, sid)
	require.NoError(t, err)
	second, err := f.mgr.JoinSession(ctx, "c-guest-2", f.guest, sid)
	require.NoError(t, err)
	assert.Equal(t, first.Transport.ID, second.Transport.ID)

	info, err := f.mgr.CreateProducer(ctx, sid, f.owner.ID, audio)
	require.NoError(t, err)
	cp, err := f.mgr.CreateConsumer(ctx, sid, f.guest.ID, info.ID, core.DefaultCodecProfile())
	require.NoError(t, err)

	require.NoError(t, f.mgr.LeaveSessions(ctx, "c-guest-1", f.guest.ID, sid))
	assert.Equal(t, []domain.MemberID{f.guest.ID}, f.mgr.Watchers(ctx, sid))
	_, err = f.mgr.Stats(ctx, f.room.ID, "consumer", string(cp.ID))
	require.NoError(t, err)
	_, transports, _, consumers := f.mgr.Counts(ctx)
	assert.Equal(t, 2, transports)
	assert.Equal(t, 1, consumers)

	require.NoError(t, f.mgr.LeaveSessions(ctx, "c-guest-2", f.guest.ID, sid))
	assert.Empty(t, f.mgr.Watchers(ctx, sid))
	_, err = f.mgr.Stats(ctx, f.room.ID, "consumer", string(cp.ID))
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
	_, transports, _, consumers = f.mgr.Counts(ctx)
	assert.Equal(t, 1, transports)
	assert.Zero(t, consumers)
}

func TestProduceRacingCloseReportsTransportClosed(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	entry, err := f.reg.GetOrCreate(ctx, f.room.ID)
	require.NoError(t, err)
	gate := make(chan struct{})
	entry.Router.(*coretest.Router).ProduceGate = gate

	sid, _ := f.open(t, "c1")
	errc := make(chan error, 1)
	go func() {
		_, err := f.mgr.CreateProducer(ctx, sid, f.owner.ID, audio)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_, err = f.mgr.CloseSession(ctx, sid)
	require.NoError(t, err)
	close(gate)

	assert.ErrorIs(t, <-errc, domain.ErrTransportClosed)
	_, _, producers, _ := f.mgr.Counts(ctx)
	assert.Zero(t, producers)
}

func TestPresentationStreamSkipsSessionRecords(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	s := Stream{ID: "pres-1", Room: f.room.ID, Owner: f.owner.ID, Kind: KindPresentation}

	res, err := f.mgr.JoinStream(ctx, "c1", f.owner, s)
	require.NoError(t, err)
	assert.True(t, res.Opened)
	_, err = f.mgr.CreateProducer(ctx, s.ID, f.owner.ID, audio)
	require.NoError(t, err)

	assert.True(t, f.mgr.CloseStream(ctx, s.ID))
	assert.False(t, f.mgr.CloseStream(ctx, s.ID))
}

func TestTransportFailureRollsBackJoin(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	entry, err := f.reg.GetOrCreate(ctx, f.room.ID)
	require.NoError(t, err)
	entry.Router.(*coretest.Router).FailTransport = assert.AnError

	d, err := f.mgr.AssertSession(ctx, f.owner, "")
	require.NoError(t, err)
	_, err = f.mgr.JoinSession(ctx, "c1", f.owner, d.Session.ID)
	assert.ErrorIs(t, err, domain.ErrUpstream)

	_, ok := f.mgr.Owner(ctx, d.Session.ID)
	assert.False(t, ok)
	sessions, _, _, _ := f.mgr.Counts(ctx)
	assert.Zero(t, sessions)
}

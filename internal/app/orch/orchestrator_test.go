package orch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/adapters/storage/memory"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/admission"
	"github.com/dkeye/huddle/internal/app/loop"
	"github.com/dkeye/huddle/internal/app/presentation"
	"github.com/dkeye/huddle/internal/app/roles"
	"github.com/dkeye/huddle/internal/app/routers"
	"github.com/dkeye/huddle/internal/app/session"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/core/coretest"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type onePool struct{ w core.MediaWorker }

func (p onePool) Allocate() core.MediaWorker { return p.w }

type fixture struct {
	o     *Orchestrator
	reg   *routers.Registry
	store *memory.Store
	room  domain.RoomID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(64)
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})

	store := memory.New()
	reg := routers.New(l, onePool{coretest.NewWorker("w0")}, core.DefaultCodecProfile(), 0)
	sessions := session.NewManager(session.Config{ServerID: "10.0.0.1"}, l, reg, store)
	o := &Orchestrator{
		Conns:         app.NewRegistry(),
		Hub:           app.NewHub(),
		Policy:        app.SimplePolicy{},
		Roles:         roles.New(store),
		Rooms:         store,
		Sessions:      sessions,
		Admission:     admission.New(l, store, 0),
		Presentations: presentation.New(l, store, sessions),
	}
	room, err := store.CreateRoom(context.Background(), "standup", domain.Principal{UserID: "alice", DisplayName: "Alice"})
	require.NoError(t, err)
	return &fixture{o: o, reg: reg, store: store, room: room.ID}
}

// connect binds and authenticates a fake signaling connection.
func (f *fixture) connect(t *testing.T, user string) *coretest.Conn {
	t.Helper()
	c := coretest.NewConn("c-" + user)
	f.o.Conns.Bind(c, "192.0.2.1", "", func() {})
	require.NoError(t, f.o.Authenticated(c.ID(), domain.Principal{UserID: domain.UserID(user), DisplayName: user}))
	return c
}

func (f *fixture) enter(t *testing.T, c *coretest.Conn) AssertResult {
	t.Helper()
	res, err := f.o.AssertSession(context.Background(), c.ID(), f.room)
	require.NoError(t, err)
	require.False(t, res.Pending)
	return res
}

var opus = core.MediaParams{Kind: core.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111, SSRC: 42}

func decode[T any](t *testing.T, ev coretest.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Data, &v))
	return v
}

func TestOwnerAdmitsGuest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice")
	own := f.enter(t, alice)
	assert.True(t, own.IsSessionOwner)
	assert.Equal(t, domain.RoleOwner, own.Role)
	require.NotNil(t, own.Transport)

	bob := f.connect(t, "bob")
	res, err := f.o.AssertSession(ctx, bob.ID(), f.room)
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Nil(t, res.Session)

	pending := alice.OfType(EventAdmissionPending)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.UserID("bob"), decode[AdmissionEvent](t, pending[0]).User.UserID)

	_, err = f.o.ResolveAdmission(ctx, bob.ID(), "bob", true)
	assert.ErrorIs(t, err, domain.ErrConflict, "bob has not entered a room")

	r, err := f.o.ResolveAdmission(ctx, alice.ID(), "bob", true)
	require.NoError(t, err)
	assert.True(t, r.Activated)
	approved := bob.OfType(EventAdmissionApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, domain.UserID("alice"), decode[AdmissionEvent](t, approved[0]).ApprovedBy)
	assert.Len(t, alice.OfType(EventAdmissionApproved), 1)

	guest := f.enter(t, bob)
	assert.Equal(t, domain.RoleGuest, guest.Role)
	opened := alice.OfType(EventSessionOpened)
	require.NotEmpty(t, opened)
	assert.Equal(t, guest.Session.ID, decode[SessionEvent](t, opened[len(opened)-1]).SessionID)

	p, err := f.o.CreateProducer(ctx, bob.ID(), guest.Session.ID, opus)
	require.NoError(t, err)
	got := alice.OfType(EventProducerOpened)
	require.Len(t, got, 1)
	assert.Equal(t, p.ID, decode[ProducerEvent](t, got[0]).ProducerID)
	assert.Empty(t, bob.OfType(EventProducerOpened))

	_, err = f.o.JoinSession(ctx, alice.ID(), guest.Session.ID)
	require.NoError(t, err)
	cp, err := f.o.CreateConsumer(ctx, alice.ID(), guest.Session.ID, p.ID, core.DefaultCodecProfile())
	require.NoError(t, err)
	assert.True(t, cp.Paused)
	paused, err := f.o.ToggleConsumer(ctx, alice.ID(), cp.ID)
	require.NoError(t, err)
	assert.False(t, paused)

	_, err = f.o.ResolveAdmission(ctx, bob.ID(), "carol", true)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestAssertSessionRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	anon := coretest.NewConn("c-anon")
	f.o.Conns.Bind(anon, "192.0.2.9", "", func() {})
	_, err := f.o.AssertSession(ctx, anon.ID(), f.room)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	alice := f.connect(t, "alice")
	_, err = f.o.AssertSession(ctx, alice.ID(), "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	mallory := f.connect(t, "mallory")
	_, _, err = f.store.ActivateMembership(ctx, f.room, domain.Principal{UserID: "mallory", DisplayName: "M"}, domain.RoleGuest)
	require.NoError(t, err)
	require.NoError(t, f.store.SetBanned(ctx, f.room, "mallory", true))
	_, err = f.o.AssertSession(ctx, mallory.ID(), f.room)
	assert.ErrorIs(t, err, domain.ErrBanned)

	err = f.o.Authenticated(alice.ID(), domain.Principal{UserID: "eve", DisplayName: "Eve"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.store.ActivateMembership(ctx, f.room, domain.Principal{UserID: "bob", DisplayName: "bob"}, domain.RoleGuest)
	require.NoError(t, err)

	alice := f.connect(t, "alice")
	own := f.enter(t, alice)
	bob := f.connect(t, "bob")
	theirs := f.enter(t, bob)
	aliceInfo, ok := f.o.Conns.Get(alice.ID())
	require.True(t, ok)
	require.True(t, f.o.Hub.Has(core.ElevatedTopic(f.room), alice.ID()))

	p, err := f.o.CreateProducer(ctx, alice.ID(), own.Session.ID, opus)
	require.NoError(t, err)
	_, err = f.o.JoinSession(ctx, bob.ID(), own.Session.ID)
	require.NoError(t, err)
	_, err = f.o.CreateConsumer(ctx, bob.ID(), own.Session.ID, p.ID, core.DefaultCodecProfile())
	require.NoError(t, err)

	bp, err := f.o.CreateProducer(ctx, bob.ID(), theirs.Session.ID, opus)
	require.NoError(t, err)
	_, err = f.o.JoinSession(ctx, alice.ID(), theirs.Session.ID)
	require.NoError(t, err)
	_, err = f.o.CreateConsumer(ctx, alice.ID(), theirs.Session.ID, bp.ID, core.DefaultCodecProfile())
	require.NoError(t, err)
	assert.Contains(t, f.o.Sessions.Watchers(ctx, theirs.Session.ID), aliceInfo.Member.ID)

	pres, err := f.o.CreatePresentation(ctx, alice.ID(), "")
	require.NoError(t, err)
	assert.Equal(t, own.Session.ID, pres.ParentSession)
	started, err := f.o.JoinPresentation(ctx, alice.ID(), pres.ID)
	require.NoError(t, err)
	require.True(t, started.Started)
	assert.Len(t, bob.OfType(EventPresentationStarted), 1)
	_, err = f.o.JoinPresentation(ctx, bob.ID(), pres.ID)
	require.NoError(t, err)

	f.o.Disconnect(ctx, alice.ID())
	f.o.Disconnect(ctx, alice.ID())

	assert.Len(t, bob.OfType(EventSessionClosed), 1)
	assert.Len(t, bob.OfType(EventPresentationEnded), 1)
	assert.Equal(t, 1, f.o.Conns.Len())
	assert.False(t, f.o.Hub.Has(core.RoomTopic(f.room), alice.ID()))
	assert.False(t, f.o.Hub.Has(core.ElevatedTopic(f.room), alice.ID()))
	assert.Empty(t, f.o.Hub.Members(core.PresenterTopic(f.room)))
	assert.NotContains(t, f.o.Sessions.Watchers(ctx, theirs.Session.ID), aliceInfo.Member.ID)
	assert.Equal(t, []domain.ProducerID{bp.ID}, f.o.Sessions.Producers(ctx, theirs.Session.ID))

	stored, err := f.store.GetSession(ctx, own.Session.ID)
	require.NoError(t, err)
	assert.True(t, stored.Ended())
	assert.Empty(t, f.store.ActivePresentations(f.room))

	sessions, transports, producers, consumers := f.o.Sessions.Counts(ctx)
	assert.Equal(t, 1, sessions, "only bob's session stays live")
	assert.Equal(t, 1, transports)
	assert.Equal(t, 1, producers)
	assert.Zero(t, consumers)
}

func TestNewPresentationKeepsPresenterChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice")
	f.enter(t, alice)

	first, err := f.o.CreatePresentation(ctx, alice.ID(), "slides")
	require.NoError(t, err)
	_, err = f.o.JoinPresentation(ctx, alice.ID(), first.ID)
	require.NoError(t, err)

	second, err := f.o.CreatePresentation(ctx, alice.ID(), "demo")
	require.NoError(t, err)
	res, err := f.o.JoinPresentation(ctx, alice.ID(), second.ID)
	require.NoError(t, err)
	require.True(t, res.Started)
	require.NotNil(t, res.Previous)
	assert.Equal(t, first.ID, res.Previous.Presentation.ID)

	assert.Equal(t, []core.ConnID{alice.ID()}, f.o.Hub.Members(core.PresenterTopic(f.room)))
	info, ok := f.o.Conns.Get(alice.ID())
	require.True(t, ok)
	assert.Equal(t, second.ID, info.Presentation)
	active, ok := f.o.Presentations.Active(ctx, f.room)
	require.True(t, ok)
	assert.Equal(t, second.ID, active.ID)
	ended := alice.OfType(EventPresentationEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, first.ID, decode[PresentationEvent](t, ended[0]).PresentationID)
}

func TestAssertSessionFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry, err := f.reg.GetOrCreate(ctx, f.room)
	require.NoError(t, err)
	router := entry.Router.(*coretest.Router)
	router.FailTransport = errors.New("boom")

	alice := f.connect(t, "alice")
	_, err = f.o.AssertSession(ctx, alice.ID(), f.room)
	require.ErrorIs(t, err, domain.ErrUpstream)

	info, ok := f.o.Conns.Get(alice.ID())
	require.True(t, ok)
	assert.Empty(t, info.Room)
	assert.Empty(t, info.Owned)
	assert.False(t, f.o.Hub.Has(core.RoomTopic(f.room), alice.ID()))
	assert.False(t, f.o.Hub.Has(core.ElevatedTopic(f.room), alice.ID()))
	sessions, transports, _, _ := f.o.Sessions.Counts(ctx)
	assert.Zero(t, sessions+transports)
	m, err := f.store.GetMembership(ctx, f.room, "alice")
	require.NoError(t, err)
	_, err = f.store.FindOpenSession(ctx, "10.0.0.1", m.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	router.FailTransport = nil
	res := f.enter(t, alice)
	assert.False(t, res.Reused)
	assert.True(t, f.o.Hub.Has(core.ElevatedTopic(f.room), alice.ID()))
}

func TestSlowConnectionIsKicked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.store.ActivateMembership(ctx, f.room, domain.Principal{UserID: "bob", DisplayName: "bob"}, domain.RoleGuest)
	require.NoError(t, err)

	alice := f.connect(t, "alice")
	own := f.enter(t, alice)
	bob := coretest.NewConn("c-bob")
	kicked := make(chan struct{})
	f.o.Conns.Bind(bob, "192.0.2.2", "", func() { close(kicked) })
	require.NoError(t, f.o.Authenticated(bob.ID(), domain.Principal{UserID: "bob", DisplayName: "bob"}))
	f.enter(t, bob)

	bob.Full = true
	_, err = f.o.CreateProducer(ctx, alice.ID(), own.Session.ID, opus)
	require.NoError(t, err)

	select {
	case <-kicked:
	case <-time.After(time.Second):
		t.Fatal("slow connection not canceled")
	}
	assert.True(t, bob.IsClosed())
}

func TestStreamStatsStopsWhenSourceCloses(t *testing.T) {
	src := &stubSource{done: make(chan struct{})}
	n := 0
	err := StreamStats(context.Background(), src, time.Millisecond, func(core.MediaStats) error {
		n++
		if n == 3 {
			close(src.done)
		}
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = StreamStats(ctx, &stubSource{done: make(chan struct{})}, time.Hour, func(core.MediaStats) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

type stubSource struct{ done chan struct{} }

func (s *stubSource) Stats() core.MediaStats  { return core.MediaStats{Packets: 1} }
func (s *stubSource) Done() <-chan struct{} { return s.done }

package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/huddle/internal/adapters/storage/memory"
	"github.com/dkeye/huddle/internal/app/loop"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, timeout time.Duration) (*Controller, *memory.Store, domain.RoomID) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(16)
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	store := memory.New()
	room, err := store.CreateRoom(context.Background(), "r", domain.Principal{UserID: "owner", DisplayName: "Owner"})
	require.NoError(t, err)
	return New(l, store, timeout), store, room.ID
}

func guestRequest(room domain.RoomID) Request {
	return Request{
		Room:       room,
		User:       domain.Principal{UserID: "guest", DisplayName: "Guest"},
		ClientAddr: "198.51.100.7",
		Conn:       "c-guest",
	}
}

func TestDenyNeverCreatesMembership(t *testing.T) {
	c, store, room := setup(t, 0)
	ctx := context.Background()
	_, created, err := c.Request(ctx, guestRequest(room))
	require.NoError(t, err)
	require.True(t, created)

	res, err := c.Resolve(ctx, room, "guest", false)
	require.NoError(t, err)
	assert.Equal(t, Denied, res.State)
	assert.False(t, res.Activated)

	_, err = store.GetMembership(ctx, room, "guest")
	assert.ErrorIs(t, err, domain.ErrMembershipNotFound)
	assert.Empty(t, c.Pending(ctx, room))
}

func TestConcurrentApproveActivatesOnce(t *testing.T) {
	c, store, room := setup(t, 0)
	ctx := context.Background()
	_, _, err := c.Request(ctx, guestRequest(room))
	require.NoError(t, err)

	before := store.MembershipCount(room)
	var activated atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Resolve(ctx, room, "guest", true)
			assert.NoError(t, err)
			if res.Activated {
				activated.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, activated.Load())
	assert.Equal(t, before+1, store.MembershipCount(room))
	m, err := store.GetMembership(ctx, room, "guest")
	require.NoError(t, err)
	assert.True(t, m.Active())
	assert.Equal(t, "Guest", m.DisplayName)
}

func TestRepeatedRequestMovesConnection(t *testing.T) {
	c, _, room := setup(t, 0)
	ctx := context.Background()
	_, created, err := c.Request(ctx, guestRequest(room))
	require.NoError(t, err)
	require.True(t, created)

	again := guestRequest(room)
	again.Conn = "c-guest-2"
	got, created, err := c.Request(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, again.Conn, got.Conn)

	assert.Empty(t, c.Abandon(ctx, "c-guest"))
	dropped := c.Abandon(ctx, "c-guest-2")
	require.Len(t, dropped, 1)
	assert.Empty(t, c.Pending(ctx, room))
}

func TestResolveAfterAbandonIsNoop(t *testing.T) {
	c, store, room := setup(t, 0)
	ctx := context.Background()
	_, _, err := c.Request(ctx, guestRequest(room))
	require.NoError(t, err)
	c.Abandon(ctx, "c-guest")

	res, err := c.Resolve(ctx, room, "guest", true)
	require.NoError(t, err)
	assert.Equal(t, Pending, res.State)
	assert.False(t, res.Activated)
	_, err = store.GetMembership(ctx, room, "guest")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApproveBannedUserFails(t *testing.T) {
	c, store, room := setup(t, 0)
	ctx := context.Background()
	_, err := store.AddPending(ctx, room, domain.Principal{UserID: "guest", DisplayName: "Guest"})
	require.NoError(t, err)
	require.NoError(t, store.SetBanned(ctx, room, "guest", true))
	_, _, err = c.Request(ctx, guestRequest(room))
	require.NoError(t, err)

	_, err = c.Resolve(ctx, room, "guest", true)
	assert.ErrorIs(t, err, domain.ErrBanned)
}

func TestPendingRequestExpires(t *testing.T) {
	c, _, room := setup(t, 20*time.Millisecond)
	expired := make(chan Request, 1)
	c.OnExpire(func(r Request) { expired <- r })

	_, _, err := c.Request(context.Background(), guestRequest(room))
	require.NoError(t, err)

	select {
	case r := <-expired:
		assert.Equal(t, domain.UserID("guest"), r.User.UserID)
	case <-time.After(time.Second):
		t.Fatal("request did not expire")
	}
	assert.Empty(t, c.Pending(context.Background(), room))
}

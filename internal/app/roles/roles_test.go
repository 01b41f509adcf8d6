package roles

import (
	"context"
	"testing"

	"github.com/dkeye/huddle/internal/adapters/storage/memory"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	guest := &domain.Membership{Role: domain.RoleGuest}
	mod := &domain.Membership{Role: domain.RoleModerator}
	banned := &domain.Membership{Role: domain.RoleOwner, Banned: true}
	pending := &domain.Membership{Role: domain.RoleGuest, Pending: true}

	cases := []struct {
		name string
		m    *domain.Membership
		c    Capability
		want bool
	}{
		{"non-member joins", nil, JoinRoom, false},
		{"guest joins", guest, JoinRoom, true},
		{"guest presents", guest, Present, true},
		{"guest resolves admission", guest, ResolveAdmission, false},
		{"moderator resolves admission", mod, ResolveAdmission, true},
		{"moderator is elevated", mod, Elevated, true},
		{"banned owner joins", banned, JoinRoom, false},
		{"pending guest joins", pending, JoinRoom, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.m, tc.c)
			assert.Equal(t, tc.want, d.Allowed)
			if tc.want {
				assert.NoError(t, d.Err())
			} else {
				assert.ErrorIs(t, d.Err(), domain.ErrUnauthorized)
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
	assert.ErrorIs(t, Decide(banned, JoinRoom).Err(), domain.ErrBanned)
}

func TestServiceReadsStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	room, err := store.CreateRoom(ctx, "r", domain.Principal{UserID: "owner", DisplayName: "O"})
	require.NoError(t, err)
	_, _, err = store.ActivateMembership(ctx, room.ID, domain.Principal{UserID: "g", DisplayName: "G"}, domain.RoleGuest)
	require.NoError(t, err)
	svc := New(store)

	role, err := svc.RoleOf(ctx, room.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, role)

	_, err = svc.RoleOf(ctx, room.ID, "stranger")
	assert.ErrorIs(t, err, domain.ErrMembershipNotFound)

	assert.True(t, svc.IsInRoles(ctx, room.ID, "owner", domain.RoleModerator, domain.RoleOwner))
	assert.False(t, svc.IsInRoles(ctx, room.ID, "g", domain.RoleModerator, domain.RoleOwner))

	require.NoError(t, store.SetBanned(ctx, room.ID, "g", true))
	d, err := svc.Authorize(ctx, "g", room.ID, JoinRoom)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.ErrorIs(t, d.Err(), domain.ErrBanned)
}

/*
	Tracesketch
	Copyright (c) 2024 The Tracesketch Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package sketch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOwnerSeededPermissions(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")

	for _, perm := range []Permission{PermRead, PermWrite, PermDelete} {
		ok, err := s.HasPermission(ctx, owner, sk.ID, perm)
		require.NoError(t, err)
		require.True(t, ok, "owner should hold %s", perm)
	}
}

func TestGrantAndRevokeUser(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	guest := mustUser(t, s, "guest", false)
	sk := mustSketch(t, s, owner, "case")

	ok, err := s.HasPermission(ctx, guest, sk.ID, PermRead)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Grant(ctx, owner, sk.ID, Principal{UserID: &guest.ID}, PermRead))
	ok, err = s.HasPermission(ctx, guest, sk.ID, PermRead)
	require.NoError(t, err)
	require.True(t, ok)

	// read does not imply write
	ok, err = s.HasPermission(ctx, guest, sk.ID, PermWrite)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Revoke(ctx, owner, sk.ID, Principal{UserID: &guest.ID}, PermRead))
	ok, err = s.HasPermission(ctx, guest, sk.ID, PermRead)
	require.NoError(t, err)
	require.False(t, ok, "permission cache must be invalidated on revoke")
}

func TestGrantRequiresHoldingPermission(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	guest := mustUser(t, s, "guest", false)
	other := mustUser(t, s, "other", false)
	sk := mustSketch(t, s, owner, "case")

	// guest has nothing, so cannot grant anything
	err := s.Grant(ctx, guest, sk.ID, Principal{UserID: &other.ID}, PermRead)
	require.ErrorIs(t, err, ErrForbidden)

	// a read-only collaborator cannot hand out write
	require.NoError(t, s.Grant(ctx, owner, sk.ID, Principal{UserID: &guest.ID}, PermRead))
	err = s.Grant(ctx, guest, sk.ID, Principal{UserID: &other.ID}, PermWrite)
	require.ErrorIs(t, err, ErrForbidden)

	// but may share their read
	require.NoError(t, s.Grant(ctx, guest, sk.ID, Principal{UserID: &other.ID}, PermRead))
}

func TestGroupPermissions(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	member := mustUser(t, s, "member", false)
	outsider := mustUser(t, s, "outsider", false)
	sk := mustSketch(t, s, owner, "case")

	grp, err := s.CreateGroup(ctx, "responders", &owner.ID)
	require.NoError(t, err)
	require.NoError(t, s.AddGroupMember(ctx, grp.ID, member.ID))

	require.NoError(t, s.Grant(ctx, owner, sk.ID, Principal{GroupID: &grp.ID}, PermRead))

	ok, err := s.HasPermission(ctx, member, sk.ID, PermRead)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.HasPermission(ctx, outsider, sk.ID, PermRead)
	require.NoError(t, err)
	require.False(t, ok)

	// membership added after a grant takes effect too
	require.NoError(t, s.AddGroupMember(ctx, grp.ID, outsider.ID))
	ok, err = s.HasPermission(ctx, outsider, sk.ID, PermRead)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPublicSketch(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	anyone := mustUser(t, s, "anyone", false)
	sk := mustSketch(t, s, owner, "case")

	require.NoError(t, s.Grant(ctx, owner, sk.ID, Principal{Public: true}, PermRead))

	ok, err := s.HasPermission(ctx, anyone, sk.ID, PermRead)
	require.NoError(t, err)
	require.True(t, ok)

	// public grants never extend past read
	ok, err = s.HasPermission(ctx, anyone, sk.ID, PermWrite)
	require.NoError(t, err)
	require.False(t, ok)

	err = s.Grant(ctx, owner, sk.ID, Principal{Public: true}, PermWrite)
	require.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, s.Revoke(ctx, owner, sk.ID, Principal{Public: true}, PermRead))
	ok, err = s.HasPermission(ctx, anyone, sk.ID, PermRead)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAdminBypass(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	admin := mustUser(t, s, "root", true)
	sk := mustSketch(t, s, owner, "case")

	for _, perm := range []Permission{PermRead, PermWrite, PermDelete} {
		ok, err := s.HasPermission(ctx, admin, sk.ID, perm)
		require.NoError(t, err)
		require.True(t, ok, "admin should bypass ACL for %s", perm)
	}
}

func TestValidatePrincipal(t *testing.T) {
	uid, gid := int64(1), int64(2)
	for i, tc := range []struct {
		p       Principal
		perm    Permission
		wantErr bool
	}{
		{p: Principal{UserID: &uid}, perm: PermWrite},
		{p: Principal{GroupID: &gid}, perm: PermRead},
		{p: Principal{Public: true}, perm: PermRead},
		{p: Principal{Public: true}, perm: PermWrite, wantErr: true},
		{p: Principal{}, perm: PermRead, wantErr: true},
		{p: Principal{UserID: &uid, GroupID: &gid}, perm: PermRead, wantErr: true},
		{p: Principal{UserID: &uid, Public: true}, perm: PermRead, wantErr: true},
	} {
		err := validatePrincipal(tc.p, tc.perm)
		if tc.wantErr && err == nil {
			t.Errorf("test %d: expected error", i)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("test %d: unexpected error: %v", i, err)
		}
	}
}

func TestGrantIsIdempotent(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	guest := mustUser(t, s, "guest", false)
	sk := mustSketch(t, s, owner, "case")

	require.NoError(t, s.Grant(ctx, owner, sk.ID, Principal{UserID: &guest.ID}, PermRead))
	require.NoError(t, s.Grant(ctx, owner, sk.ID, Principal{UserID: &guest.ID}, PermRead))
	require.NoError(t, s.Grant(ctx, owner, sk.ID, Principal{Public: true}, PermRead))
	require.NoError(t, s.Grant(ctx, owner, sk.ID, Principal{Public: true}, PermRead))

	// revoking something never granted is fine too
	require.NoError(t, s.Revoke(ctx, owner, sk.ID, Principal{UserID: &guest.ID}, PermWrite))
}

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
	"fmt"
)

// Principal identifies who a grant applies to: exactly one of User or
// Group set, or Public true for the world-readable flag.
type Principal struct {
	UserID  *int64 `json:"user_id,omitempty"`
	GroupID *int64 `json:"group_id,omitempty"`
	Public  bool   `json:"public,omitempty"`
}

type permCacheKey struct {
	userID   int64
	sketchID int64
	perm     Permission
}

// HasPermission reports whether user holds perm on the sketch: true if
// the user is admin, an ACL row grants perm to the user or to a group
// the user belongs to, or perm is read and the sketch is public.
// Results are cached until the next grant or revoke.
func (s *Service) HasPermission(ctx context.Context, user *User, sketchID int64, perm Permission) (bool, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	return s.hasPermissionLocked(ctx, user, sketchID, perm)
}

func (s *Service) hasPermissionLocked(ctx context.Context, user *User, sketchID int64, perm Permission) (bool, error) {
	if user.Admin {
		return true, nil
	}

	key := permCacheKey{userID: user.ID, sketchID: sketchID, perm: perm}
	s.cachesMu.RLock()
	cached, ok := s.permCache[key]
	s.cachesMu.RUnlock()
	if ok {
		return cached, nil
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM acl
		LEFT JOIN group_members ON group_members.group_id = acl.group_id
		WHERE acl.sketch_id = ?
		AND acl.permission = ?
		AND (
			acl.user_id = ?
			OR group_members.user_id = ?
			OR (acl.user_id IS NULL AND acl.group_id IS NULL AND acl.permission = 'read')
		)`,
		sketchID, perm, user.ID, user.ID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("evaluating permission: %w", err)
	}
	granted := count > 0

	s.cachesMu.Lock()
	s.permCache[key] = granted
	s.cachesMu.Unlock()

	return granted, nil
}

// requireAccess is the single ACL gate every entry point passes
// through before touching the stores. It maps "no permission" to
// Forbidden; it does not reveal whether the sketch exists.
func (s *Service) requireAccess(ctx context.Context, user *User, sketchID int64, perm Permission) error {
	ok, err := s.HasPermission(ctx, user, sketchID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %s lacks %s on sketch %d: %w", user.Username, perm, sketchID, ErrForbidden)
	}
	return nil
}

// Grant gives perm on the sketch to the principal. The caller must
// already hold the same permission. Granting write or delete does not
// imply read.
func (s *Service) Grant(ctx context.Context, caller *User, sketchID int64, p Principal, perm Permission) error {
	if err := s.requireAccess(ctx, caller, sketchID, perm); err != nil {
		return err
	}
	if err := validatePrincipal(p, perm); err != nil {
		return err
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	// sqlite unique indexes treat NULLs as distinct, so the public
	// row (both ids NULL) needs an explicit existence guard
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO acl (sketch_id, user_id, group_id, permission)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM acl WHERE sketch_id=? AND user_id IS ? AND group_id IS ? AND permission=?
		)`,
		sketchID, p.UserID, p.GroupID, perm,
		sketchID, p.UserID, p.GroupID, perm)
	if err != nil {
		return fmt.Errorf("granting %s on sketch %d: %w", perm, sketchID, err)
	}
	s.invalidatePermCache()
	return nil
}

// Revoke removes a grant. Idempotent.
func (s *Service) Revoke(ctx context.Context, caller *User, sketchID int64, p Principal, perm Permission) error {
	if err := s.requireAccess(ctx, caller, sketchID, perm); err != nil {
		return err
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	var err error
	switch {
	case p.Public:
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM acl WHERE sketch_id=? AND user_id IS NULL AND group_id IS NULL AND permission=?`,
			sketchID, perm)
	case p.UserID != nil:
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM acl WHERE sketch_id=? AND user_id=? AND permission=?`,
			sketchID, *p.UserID, perm)
	case p.GroupID != nil:
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM acl WHERE sketch_id=? AND group_id=? AND permission=?`,
			sketchID, *p.GroupID, perm)
	default:
		return fmt.Errorf("%w: principal must name a user, group, or public", ErrInvalid)
	}
	if err != nil {
		return fmt.Errorf("revoking %s on sketch %d: %w", perm, sketchID, err)
	}
	s.invalidatePermCache()
	return nil
}

func validatePrincipal(p Principal, perm Permission) error {
	set := 0
	if p.UserID != nil {
		set++
	}
	if p.GroupID != nil {
		set++
	}
	if p.Public {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: principal must name exactly one of user, group, or public", ErrInvalid)
	}
	if p.Public && perm != PermRead {
		return fmt.Errorf("%w: only read can be granted publicly", ErrInvalid)
	}
	return nil
}

func (s *Service) invalidatePermCache() {
	s.cachesMu.Lock()
	s.permCache = make(map[permCacheKey]bool)
	s.cachesMu.Unlock()
}

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
	"errors"
	"fmt"
	"slices"

	"github.com/tracesketch/tracesketch/eventstore"
	"go.uber.org/zap"
)

// ArchiveSketch freezes a sketch: timelines go ready to archived and a
// backing index is closed in the event store once no live timeline
// references it (indices can be shared across sketches). Archived
// sketches reject queries and annotations until unarchived.
//
// Archive and unarchive of the same sketch are serialized against each
// other; different sketches proceed concurrently.
func (s *Service) ArchiveSketch(ctx context.Context, user *User, sketchID int64) error {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return err
	}

	s.archiveMu.Lock(sketchID)
	defer s.archiveMu.Unlock(sketchID)

	sk, err := s.protectedTransitionTarget(ctx, sketchID)
	if err != nil {
		return err
	}
	if sk.Status == StatusArchived {
		return nil
	}
	if sk.Status != StatusReady {
		return fmt.Errorf("%w: sketch %d is %s, only ready sketches can be archived", ErrInvalid, sketchID, sk.Status)
	}

	closable, err := s.transitionTimelines(ctx, sketchID, StatusReady, StatusArchived)
	if err != nil {
		return err
	}
	if err := s.setSketchStatus(ctx, sketchID, StatusArchived); err != nil {
		return err
	}
	s.invalidateTimelineCache(sketchID)

	for _, index := range closable {
		if err := s.es.CloseIndex(ctx, index); err != nil {
			if errors.Is(err, eventstore.ErrIndexNotFound) {
				continue
			}
			s.log.Warn("closing index for archived sketch",
				zap.String("index_name", index), zap.Error(err))
		}
	}

	s.log.Info("sketch archived", zap.Int64("sketch_id", sketchID))
	return nil
}

// UnarchiveSketch reverses ArchiveSketch: indices are reopened first so
// queries work the moment the status flips back.
func (s *Service) UnarchiveSketch(ctx context.Context, user *User, sketchID int64) error {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return err
	}

	s.archiveMu.Lock(sketchID)
	defer s.archiveMu.Unlock(sketchID)

	return s.unarchiveLocked(ctx, sketchID)
}

func (s *Service) unarchiveLocked(ctx context.Context, sketchID int64) error {
	sk, err := s.sketchForTransition(ctx, sketchID)
	if err != nil {
		return err
	}
	if sk.Status == StatusReady {
		return nil
	}
	if sk.Status != StatusArchived {
		return fmt.Errorf("%w: sketch %d is %s, not archived", ErrInvalid, sketchID, sk.Status)
	}

	indices, err := s.archivedIndices(ctx, sketchID)
	if err != nil {
		return err
	}
	for _, index := range indices {
		if err := s.es.OpenIndex(ctx, index); err != nil {
			// already open or since deleted: either way not fatal
			if errors.Is(err, eventstore.ErrIndexNotFound) {
				continue
			}
			s.log.Warn("reopening index for unarchived sketch",
				zap.String("index_name", index), zap.Error(err))
		}
	}

	if _, err := s.transitionTimelines(ctx, sketchID, StatusArchived, StatusReady); err != nil {
		return err
	}
	if err := s.setSketchStatus(ctx, sketchID, StatusReady); err != nil {
		return err
	}
	s.invalidateTimelineCache(sketchID)

	s.log.Info("sketch unarchived", zap.Int64("sketch_id", sketchID))
	return nil
}

// DeleteSketch soft-deletes a sketch. The metadata rows and backing
// indices survive so an admin can recover; deleted sketches are hidden
// from listings and reject all operations.
func (s *Service) DeleteSketch(ctx context.Context, user *User, sketchID int64) error {
	if err := s.requireAccess(ctx, user, sketchID, PermDelete); err != nil {
		return err
	}

	s.archiveMu.Lock(sketchID)
	defer s.archiveMu.Unlock(sketchID)

	if _, err := s.protectedTransitionTarget(ctx, sketchID); err != nil {
		return err
	}
	if err := s.setSketchStatus(ctx, sketchID, StatusDeleted); err != nil {
		return err
	}
	s.invalidateTimelineCache(sketchID)

	s.log.Info("sketch deleted", zap.Int64("sketch_id", sketchID))
	return nil
}

// protectedTransitionTarget loads the sketch and refuses the transition
// when the sketch carries a protected label.
func (s *Service) protectedTransitionTarget(ctx context.Context, sketchID int64) (*Sketch, error) {
	sk, err := s.sketchForTransition(ctx, sketchID)
	if err != nil {
		return nil, err
	}
	for _, label := range sk.Labels {
		if slices.Contains(s.opts.ProtectedLabels, label) {
			return nil, fmt.Errorf("sketch %d carries protected label %q: %w", sketchID, label, ErrForbidden)
		}
	}
	return sk, nil
}

func (s *Service) sketchForTransition(ctx context.Context, sketchID int64) (*Sketch, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	sk, err := s.sketchByID(ctx, s.db, sketchID)
	if err != nil {
		return nil, err
	}
	if sk.Status == StatusDeleted {
		return nil, fmt.Errorf("sketch %d: %w", sketchID, ErrNotFound)
	}
	return sk, nil
}

func (s *Service) setSketchStatus(ctx context.Context, sketchID int64, status string) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sketches SET status=?, updated=unixepoch() WHERE id=?`, status, sketchID)
	if err != nil {
		return fmt.Errorf("setting sketch %d status to %s: %w", sketchID, status, err)
	}
	return nil
}

// transitionTimelines moves this sketch's timelines between statuses
// and returns the index names no longer referenced by any timeline
// outside the target status (i.e. safe to close after archiving).
func (s *Service) transitionTimelines(ctx context.Context, sketchID int64, from, to string) ([]string, error) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE timelines SET status=?, updated=unixepoch() WHERE sketch_id=? AND status=?`,
		to, sketchID, from)
	if err != nil {
		return nil, fmt.Errorf("transitioning timelines: %w", err)
	}

	if to != StatusArchived {
		return nil, nil
	}

	// an index stays open while any timeline anywhere still uses it
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT searchindices.index_name
		FROM timelines
		JOIN searchindices ON searchindices.id = timelines.searchindex_id
		WHERE timelines.sketch_id=?
		AND NOT EXISTS (
			SELECT 1 FROM timelines other
			WHERE other.searchindex_id = timelines.searchindex_id
			AND other.status != ?
		)`, sketchID, StatusArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closable []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		closable = append(closable, name)
	}
	return closable, rows.Err()
}

// archivedIndices lists the index names behind this sketch's archived
// timelines.
func (s *Service) archivedIndices(ctx context.Context, sketchID int64) ([]string, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT searchindices.index_name
		FROM timelines
		JOIN searchindices ON searchindices.id = timelines.searchindex_id
		WHERE timelines.sketch_id=? AND timelines.status=?`,
		sketchID, StatusArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indices []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		indices = append(indices, name)
	}
	return indices, rows.Err()
}

func (s *Service) rearchive(ctx context.Context, sketchID int64) error {
	sk, err := s.sketchForTransition(ctx, sketchID)
	if err != nil {
		return err
	}
	if sk.Status != StatusReady {
		return nil
	}
	closable, err := s.transitionTimelines(ctx, sketchID, StatusReady, StatusArchived)
	if err != nil {
		return err
	}
	if err := s.setSketchStatus(ctx, sketchID, StatusArchived); err != nil {
		return err
	}
	s.invalidateTimelineCache(sketchID)
	for _, index := range closable {
		if err := s.es.CloseIndex(ctx, index); err != nil && !errors.Is(err, eventstore.ErrIndexNotFound) {
			s.log.Warn("closing index after export",
				zap.String("index_name", index), zap.Error(err))
		}
	}
	return nil
}

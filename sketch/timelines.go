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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AttachTimelineParams describes a new timeline. If IndexName is
// empty, a fresh backing index is created in the event store;
// otherwise the timeline joins the existing (possibly shared) index.
type AttachTimelineParams struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	IndexName   string `json:"index_name,omitempty"`
}

// AttachTimeline adds a timeline to a sketch, creating or reusing a
// search index. The sketch is promoted from new to ready on its first
// timeline. The timeline starts in status processing; ingest completes
// it (MarkTimelineStatus).
func (s *Service) AttachTimeline(ctx context.Context, user *User, sketchID int64, params AttachTimelineParams) (*Timeline, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, fmt.Errorf("%w: timeline name is required", ErrInvalid)
	}

	indexName := params.IndexName
	createBacking := indexName == ""
	if createBacking {
		indexName = uuid.New().String()
		if err := s.es.CreateIndex(ctx, indexName, ""); err != nil {
			return nil, fmt.Errorf("creating backing index: %w", err)
		}
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// reuse the searchindex row if the backend index already has one
	var searchIndexID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM searchindices WHERE index_name=? LIMIT 1`, indexName).Scan(&searchIndexID)
	if errors.Is(err, sql.ErrNoRows) {
		if !createBacking {
			return nil, fmt.Errorf("search index %s: %w", indexName, ErrNotFound)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO searchindices (name, index_name, user_id, status) VALUES (?, ?, ?, ?)`,
			params.Name, indexName, user.ID, StatusProcessing)
		if err != nil {
			return nil, fmt.Errorf("inserting search index: %w", err)
		}
		searchIndexID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("selecting search index: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO timelines (name, description, color, sketch_id, searchindex_id, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		params.Name, params.Description, params.Color, sketchID, searchIndexID, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("inserting timeline: %w", err)
	}
	timelineID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	// first timeline promotes the sketch out of status new
	_, err = tx.ExecContext(ctx,
		`UPDATE sketches SET status=?, updated=unixepoch() WHERE id=? AND status=?`,
		StatusReady, sketchID, StatusNew)
	if err != nil {
		return nil, fmt.Errorf("promoting sketch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.invalidateTimelineCache(sketchID)

	s.log.Info("timeline attached",
		zap.Int64("sketch_id", sketchID),
		zap.Int64("timeline_id", timelineID),
		zap.String("index_name", indexName))

	now := time.Now()
	return &Timeline{
		ID: timelineID, Name: params.Name, Description: params.Description,
		Color: params.Color, SketchID: sketchID, SearchIndexID: searchIndexID,
		IndexName: indexName, Status: StatusProcessing, Created: now, Updated: now,
	}, nil
}

// MarkTimelineStatus transitions a timeline (and, for ready/fail, its
// search index) after ingest declares an outcome.
func (s *Service) MarkTimelineStatus(ctx context.Context, sketchID, timelineID int64, status string) error {
	switch status {
	case StatusReady, StatusFail, StatusProcessing:
	default:
		return fmt.Errorf("%w: invalid timeline status %q", ErrInvalid, status)
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE timelines SET status=?, updated=unixepoch() WHERE id=? AND sketch_id=?`,
		status, timelineID, sketchID)
	if err != nil {
		return fmt.Errorf("updating timeline status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("timeline %d: %w", timelineID, ErrNotFound)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE searchindices SET status=?
		WHERE id = (SELECT searchindex_id FROM timelines WHERE id=?)`,
		status, timelineID)
	if err != nil {
		return fmt.Errorf("updating search index status: %w", err)
	}
	s.invalidateTimelineCache(sketchID)
	return nil
}

// DeleteTimeline removes a timeline from a sketch. The backing index
// is deleted only when no other timeline references it.
func (s *Service) DeleteTimeline(ctx context.Context, user *User, sketchID, timelineID int64) error {
	if err := s.requireAccess(ctx, user, sketchID, PermDelete); err != nil {
		return err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return err
	}

	s.dbMu.Lock()

	var searchIndexID int64
	var indexName string
	err := s.db.QueryRowContext(ctx, `
		SELECT timelines.searchindex_id, searchindices.index_name
		FROM timelines JOIN searchindices ON searchindices.id = timelines.searchindex_id
		WHERE timelines.id=? AND timelines.sketch_id=? LIMIT 1`,
		timelineID, sketchID).Scan(&searchIndexID, &indexName)
	if errors.Is(err, sql.ErrNoRows) {
		s.dbMu.Unlock()
		return fmt.Errorf("timeline %d: %w", timelineID, ErrNotFound)
	}
	if err != nil {
		s.dbMu.Unlock()
		return err
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM timelines WHERE id=?`, timelineID)
	if err != nil {
		s.dbMu.Unlock()
		return fmt.Errorf("deleting timeline %d: %w", timelineID, err)
	}

	var remaining int
	err = s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM timelines WHERE searchindex_id=?`, searchIndexID).Scan(&remaining)
	if err != nil {
		s.dbMu.Unlock()
		return err
	}
	if remaining == 0 {
		_, err = s.db.ExecContext(ctx,
			`UPDATE searchindices SET status=? WHERE id=?`, StatusDeleted, searchIndexID)
		if err != nil {
			s.dbMu.Unlock()
			return err
		}
	}
	s.dbMu.Unlock()
	s.invalidateTimelineCache(sketchID)

	// the backend index outlives the last timeline only as garbage;
	// removal is best effort
	if remaining == 0 {
		if err := s.es.DeleteIndex(ctx, indexName); err != nil {
			s.log.Warn("deleting orphaned backing index",
				zap.String("index_name", indexName), zap.Error(err))
		}
	}
	return nil
}

// timelinesForSketch loads all timelines of a sketch with their index
// names.
func (s *Service) timelinesForSketch(ctx context.Context, q queryer, sketchID int64) ([]*Timeline, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT timelines.id, timelines.name, COALESCE(timelines.description, ''),
			COALESCE(timelines.color, ''), timelines.sketch_id, timelines.searchindex_id,
			searchindices.index_name, timelines.status, timelines.created, timelines.updated
		FROM timelines
		JOIN searchindices ON searchindices.id = timelines.searchindex_id
		WHERE timelines.sketch_id=?
		ORDER BY timelines.id`, sketchID)
	if err != nil {
		return nil, fmt.Errorf("selecting timelines: %w", err)
	}
	defer rows.Close()

	var timelines []*Timeline
	for rows.Next() {
		var tl Timeline
		var created, updated int64
		err := rows.Scan(&tl.ID, &tl.Name, &tl.Description, &tl.Color, &tl.SketchID,
			&tl.SearchIndexID, &tl.IndexName, &tl.Status, &created, &updated)
		if err != nil {
			return nil, err
		}
		tl.Created = time.Unix(created, 0)
		tl.Updated = time.Unix(updated, 0)
		timelines = append(timelines, &tl)
	}
	return timelines, rows.Err()
}

// readyTimelinesForSketch returns the sketch's timelines in status
// ready, from cache when possible. The cache is invalidated on
// timeline attach, status change, delete, and archive transitions.
func (s *Service) readyTimelinesForSketch(ctx context.Context, sketchID int64) ([]*Timeline, error) {
	s.cachesMu.RLock()
	cached, ok := s.readyTimelines[sketchID]
	s.cachesMu.RUnlock()
	if ok {
		return cached, nil
	}

	s.dbMu.RLock()
	all, err := s.timelinesForSketch(ctx, s.db, sketchID)
	s.dbMu.RUnlock()
	if err != nil {
		return nil, err
	}

	ready := make([]*Timeline, 0, len(all))
	for _, tl := range all {
		if tl.Status == StatusReady {
			ready = append(ready, tl)
		}
	}

	s.cachesMu.Lock()
	s.readyTimelines[sketchID] = ready
	s.cachesMu.Unlock()
	return ready, nil
}

func (s *Service) invalidateTimelineCache(sketchID int64) {
	s.cachesMu.Lock()
	delete(s.readyTimelines, sketchID)
	s.cachesMu.Unlock()
}

// TimelineStats returns per-index document counts and sizes for the
// sketch detail page, plus the merged field mappings for UI column
// selection.
func (s *Service) TimelineStats(ctx context.Context, user *User, sketchID int64) (map[string]any, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}
	ready, err := s.readyTimelinesForSketch(ctx, sketchID)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return map[string]any{"stats": map[string]any{}, "mappings": map[string]string{}}, nil
	}

	indices := make([]string, 0, len(ready))
	for _, tl := range ready {
		indices = append(indices, tl.IndexName)
	}
	stats, err := s.es.Stats(ctx, indices)
	if err != nil {
		return nil, err
	}
	mappings, err := s.es.FieldMappings(ctx, indices)
	if err != nil {
		return nil, err
	}
	return map[string]any{"stats": stats, "mappings": mappings}, nil
}

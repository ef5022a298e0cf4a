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

	"github.com/tracesketch/tracesketch/eventstore"
	"go.uber.org/zap"
)

// IngestEvent is one event bound for a timeline's index. ID is
// optional; the engine assigns one when empty. Fields must carry a
// datetime and a message at minimum.
type IngestEvent struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

// IngestResult reports an ingest run on one timeline.
type IngestResult struct {
	Total   int                                `json:"total_events"`
	Indexed int                                `json:"events_indexed"`
	Errored int                                `json:"events_errored"`
	Errors  map[string][]*eventstore.BulkError `json:"errors,omitempty"`
}

// IngestEvents writes events into a timeline's backing index through
// the bulk buffer, stamping each document with the timeline id so
// shared indices stay separable at query time. The timeline is marked
// ready on success and fail when every event errored. Partial failure
// leaves the timeline ready; the per-index error containers say what
// was dropped.
func (s *Service) IngestEvents(ctx context.Context, user *User, sketchID, timelineID int64, events []IngestEvent) (*IngestResult, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events given", ErrInvalid)
	}

	s.dbMu.RLock()
	timelines, err := s.timelinesForSketch(ctx, s.db, sketchID)
	s.dbMu.RUnlock()
	if err != nil {
		return nil, err
	}
	var tl *Timeline
	for _, candidate := range timelines {
		if candidate.ID == timelineID {
			tl = candidate
			break
		}
	}
	if tl == nil {
		return nil, fmt.Errorf("timeline %d: %w", timelineID, ErrNotFound)
	}

	buf := s.es.NewIngestBuffer(s.opts.FlushInterval)
	for i, ev := range events {
		if ev.Fields == nil {
			return nil, fmt.Errorf("%w: event %d has no fields", ErrInvalid, i)
		}
		if _, ok := ev.Fields[eventstore.FieldDatetime]; !ok {
			return nil, fmt.Errorf("%w: event %d has no %s", ErrInvalid, i, eventstore.FieldDatetime)
		}
		doc := make(map[string]any, len(ev.Fields)+1)
		for k, v := range ev.Fields {
			doc[k] = v
		}
		doc[eventstore.FieldTimelineID] = timelineID
		if err := buf.Add(ctx, tl.IndexName, ev.ID, doc); err != nil {
			return nil, err
		}
	}

	stats, flushErr := buf.Close(ctx)
	result := &IngestResult{
		Total:   stats.Total,
		Indexed: stats.Indexed,
		Errored: stats.Errored,
		Errors:  stats.Errors,
	}

	status := StatusReady
	if flushErr != nil || (stats.Total > 0 && stats.Indexed == 0) {
		status = StatusFail
	}
	if err := s.MarkTimelineStatus(ctx, sketchID, timelineID, status); err != nil {
		s.log.Error("marking timeline after ingest",
			zap.Int64("timeline_id", timelineID), zap.Error(err))
	}
	if flushErr != nil {
		return result, s.backendError(flushErr)
	}

	if err := s.es.Refresh(ctx, tl.IndexName); err != nil {
		s.log.Warn("refreshing index after ingest",
			zap.String("index_name", tl.IndexName), zap.Error(err))
	}

	s.log.Info("events ingested",
		zap.Int64("sketch_id", sketchID),
		zap.Int64("timeline_id", timelineID),
		zap.Int("indexed", stats.Indexed),
		zap.Int("errored", stats.Errored))
	return result, nil
}

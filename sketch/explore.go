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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tracesketch/tracesketch/eventstore"
	"go.uber.org/zap"
)

// Synthetic _source fields added to every returned hit.
const (
	hitFieldTimelineName = "__ts_timeline_name"
	hitFieldTimelineID   = "__ts_timeline_id"
	hitFieldCommentCount = "__ts_comment_count"
)

// ExploreMeta is result metadata alongside the hits.
type ExploreMeta struct {
	EsTotalCount int64  `json:"es_total_count"`
	EsTime       int    `json:"es_time"`
	MaxScore     any    `json:"max_score,omitempty"`
	ScrollID     string `json:"scroll_id,omitempty"`
}

// ExploreResponse is the result of one explore request.
type ExploreResponse struct {
	Objects      []eventstore.Hit           `json:"objects"`
	Meta         ExploreMeta                `json:"meta"`
	Aggregations map[string]json.RawMessage `json:"aggregations,omitempty"`
}

// Explore runs a compiled query against the sketch's event store
// indices and returns normalized, decorated hits.
//
// Modes: a single-shot search by default; a scrolling search when
// EnableScroll is set (pages are fetched until size is reached or the
// backend runs dry, took is aggregated across pages); an explicit-
// events fetch when the filter carries an events list. terminate_after
// caps only the first page of a scroll; continuation is bounded by the
// executor's own size accounting.
func (s *Service) Explore(ctx context.Context, user *User, sketchID int64, req *ExploreRequest) (*ExploreResponse, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}

	compiled, err := s.compileExplore(ctx, user, sketchID, req)
	if err != nil {
		return nil, err
	}
	// empty resolved index set: don't touch the backend
	if len(compiled.indices) == 0 {
		return &ExploreResponse{Objects: []eventstore.Hit{}}, nil
	}

	size := req.Filter.Size
	if size <= 0 {
		size = s.opts.DefaultSize
	}
	terminateAfter := req.Filter.TerminateAfter
	if terminateAfter <= 0 {
		terminateAfter = size
	}

	// explicit-events fetch replaces the compiled query with a by-ids
	// lookup limited to the indices those events reference
	if len(req.Filter.Events) > 0 {
		compiled = compileEventsFetch(req.Filter.Events, compiled)
	}

	body := compiled.body
	if !compiled.callerSort {
		order := req.Filter.Order
		if order != "asc" && order != "desc" {
			order = "asc"
		}
		body["sort"] = []any{
			map[string]any{eventstore.FieldDatetime: map[string]any{"order": order}},
		}
	}
	body["size"] = size
	body["from"] = req.Filter.From
	body["terminate_after"] = terminateAfter
	if len(req.Aggregations) > 0 {
		var aggs map[string]any
		if err := json.Unmarshal(req.Aggregations, &aggs); err != nil {
			return nil, fmt.Errorf("%w: unparseable aggregations: %v", ErrInvalid, err)
		}
		body["aggs"] = aggs
	}

	searchReq := eventstore.SearchRequest{
		Indices:        compiled.indices,
		Body:           body,
		SourceIncludes: req.Fields,
	}
	if req.EnableScroll {
		searchReq.Scroll = eventstore.DefaultScrollTTL
	}

	resp, err := s.es.Search(ctx, searchReq)
	if err != nil {
		// the timeline may have been archived while we were compiling
		if errors.Is(err, eventstore.ErrIndexNotFound) {
			return &ExploreResponse{Objects: []eventstore.Hit{}}, nil
		}
		return nil, s.backendError(err)
	}

	out := &ExploreResponse{
		Objects: resp.Hits.Hits,
		Meta: ExploreMeta{
			EsTotalCount: resp.Hits.Total.Value,
			EsTime:       resp.Took,
			ScrollID:     resp.ScrollID,
		},
		Aggregations: resp.Aggregations,
	}
	if resp.Hits.MaxScore != nil {
		out.Meta.MaxScore = *resp.Hits.MaxScore
	}

	if req.EnableScroll {
		scrollID := resp.ScrollID
		// the engine may rotate the id mid-scroll; clear whichever
		// cursor is current when the loop ends
		defer func() { s.es.ClearScroll(context.WithoutCancel(ctx), scrollID) }()
		for len(out.Objects) < size {
			page, err := s.es.Scroll(ctx, scrollID, eventstore.DefaultScrollTTL)
			if err != nil {
				return nil, s.backendError(err)
			}
			if len(page.Hits.Hits) == 0 {
				break
			}
			out.Meta.EsTime += page.Took
			remaining := size - len(out.Objects)
			if remaining < len(page.Hits.Hits) {
				page.Hits.Hits = page.Hits.Hits[:remaining]
			}
			out.Objects = append(out.Objects, page.Hits.Hits...)
			if page.ScrollID != "" {
				scrollID = page.ScrollID
			}
		}
	}

	if err := s.decorateHits(ctx, sketchID, out.Objects); err != nil {
		return nil, err
	}
	if out.Objects == nil {
		out.Objects = []eventstore.Hit{}
	}
	return out, nil
}

// CountEvents runs a count-only query: the compiled body stripped of
// sort and result shaping.
func (s *Service) CountEvents(ctx context.Context, user *User, sketchID int64, req *ExploreRequest) (int64, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return 0, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return 0, err
	}

	compiled, err := s.compileExplore(ctx, user, sketchID, req)
	if err != nil {
		return 0, err
	}
	if len(compiled.indices) == 0 {
		return 0, nil
	}
	countBody := map[string]any{"query": compiled.body["query"]}
	count, err := s.es.Count(ctx, compiled.indices, countBody)
	if err != nil {
		if errors.Is(err, eventstore.ErrIndexNotFound) {
			return 0, nil
		}
		return 0, s.backendError(err)
	}
	return count, nil
}

// compileEventsFetch replaces the query with a by-ids lookup and
// shrinks the index set to the indices those events reference.
func compileEventsFetch(events []EventRef, compiled *compiledQuery) *compiledQuery {
	ids := make([]any, 0, len(events))
	var indices []string
	for _, ev := range events {
		ids = append(ids, ev.DocumentID)
		indices = appendUnique(indices, ev.IndexName)
	}
	return &compiledQuery{
		body: map[string]any{
			"query": map[string]any{"ids": map[string]any{"values": ids}},
		},
		indices:     indices,
		timelineIDs: compiled.timelineIDs,
	}
}

// decorateHits enriches every hit with the owning timeline's name and
// the number of comments recorded for it in the metadata store.
func (s *Service) decorateHits(ctx context.Context, sketchID int64, hits []eventstore.Hit) error {
	if len(hits) == 0 {
		return nil
	}

	s.dbMu.RLock()
	timelines, err := s.timelinesForSketch(ctx, s.db, sketchID)
	if err != nil {
		s.dbMu.RUnlock()
		return err
	}
	s.dbMu.RUnlock()

	byIndexName := make(map[string][]*Timeline)
	byID := make(map[int64]*Timeline)
	for _, tl := range timelines {
		byIndexName[tl.IndexName] = append(byIndexName[tl.IndexName], tl)
		byID[tl.ID] = tl
	}

	commentCounts, err := s.commentCounts(ctx, sketchID, hits)
	if err != nil {
		return err
	}

	for i := range hits {
		hit := &hits[i]
		if hit.Source == nil {
			hit.Source = make(map[string]any)
		}

		// prefer the document's own timeline id; fall back to the
		// (single) timeline of a legacy index
		var owner *Timeline
		if raw, ok := hit.Source[hitFieldTimelineID]; ok {
			if idF, ok := raw.(float64); ok {
				owner = byID[int64(idF)]
			}
		}
		if owner == nil {
			if candidates := byIndexName[hit.Index]; len(candidates) > 0 {
				owner = candidates[0]
			}
		}
		if owner != nil {
			hit.Source[hitFieldTimelineName] = owner.Name
			hit.Source[hitFieldTimelineID] = owner.ID
		} else {
			s.log.Debug("hit from index with no timeline in sketch",
				zap.String("index", hit.Index),
				zap.Int64("sketch_id", sketchID))
		}

		if n := commentCounts[hit.ID]; n > 0 {
			hit.Source[hitFieldCommentCount] = n
		}
	}
	return nil
}

// commentCounts returns document id -> comment count for the given
// hits within one sketch.
func (s *Service) commentCounts(ctx context.Context, sketchID int64, hits []eventstore.Hit) (map[string]int, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(hits))
	args := []any{sketchID}
	for _, hit := range hits {
		placeholders = append(placeholders, "?")
		args = append(args, hit.ID)
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT events.document_id, count(comments.id)
		FROM events
		JOIN comments ON comments.event_id = events.id
		WHERE events.sketch_id = ?
		AND events.document_id IN (`+strings.Join(placeholders, ",")+`)
		GROUP BY events.document_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("counting comments: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var docID string
		var n int
		if err := rows.Scan(&docID, &n); err != nil {
			return nil, err
		}
		counts[docID] = n
	}
	return counts, rows.Err()
}

// backendError normalizes event store failures: deadline misses become
// Unavailable, everything else keeps the engine's root cause for the
// caller.
func (s *Service) backendError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var be *eventstore.BackendError
	if errors.As(err, &be) {
		return fmt.Errorf("%w: %s: %s", ErrInvalid, be.Type, be.Reason)
	}
	return err
}

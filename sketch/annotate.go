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
	"sort"
	"time"

	"github.com/tracesketch/tracesketch/eventstore"
	"go.uber.org/zap"
)

// LabelEventsParams selects events and a label operation. Remove takes
// the label off instead of adding it. Toggle flips the label per event
// and is only valid for the star and hidden labels, whose UI semantics
// are flip-based rather than set-based.
type LabelEventsParams struct {
	Events []EventRef `json:"events"`
	Label  string     `json:"label"`
	Remove bool       `json:"remove,omitempty"`
	Toggle bool       `json:"toggle,omitempty"`
}

// LabelResult reports a label operation that may have partially
// failed: the relational rows are committed first, then each document
// is updated in the event store individually.
type LabelResult struct {
	EventsUpdated int      `json:"events_updated"`
	Errors        []string `json:"errors,omitempty"`
}

// LabelEvents applies (or removes, or toggles) a label across events.
// The add/remove script is commutative so concurrent annotators
// converge; the toggle script is not, which is why toggling is fenced
// to the star and hidden labels.
func (s *Service) LabelEvents(ctx context.Context, user *User, sketchID int64, params LabelEventsParams) (*LabelResult, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}
	if params.Label == "" {
		return nil, fmt.Errorf("%w: label name is required", ErrInvalid)
	}
	if len(params.Events) == 0 {
		return nil, fmt.Errorf("%w: no events given", ErrInvalid)
	}
	if params.Toggle && params.Label != LabelStar && params.Label != LabelHidden {
		return nil, fmt.Errorf("%w: only %s and %s can be toggled", ErrInvalid, LabelStar, LabelHidden)
	}
	if params.Toggle && params.Remove {
		return nil, fmt.Errorf("%w: toggle and remove are mutually exclusive", ErrInvalid)
	}

	result := &LabelResult{}
	for _, ref := range params.Events {
		if err := s.labelOneEvent(ctx, user, sketchID, ref, params); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s/%s: %v", ref.IndexName, ref.DocumentID, err))
			continue
		}
		result.EventsUpdated++
	}

	s.log.Info("labeled events",
		zap.Int64("sketch_id", sketchID),
		zap.String("label", params.Label),
		zap.Int("updated", result.EventsUpdated),
		zap.Int("failed", len(result.Errors)))
	return result, nil
}

func (s *Service) labelOneEvent(ctx context.Context, user *User, sketchID int64, ref EventRef, params LabelEventsParams) error {
	eventID, err := s.ensureEvent(ctx, sketchID, ref)
	if err != nil {
		return err
	}

	// record the relational side first so attribution survives an
	// event store failure; the document update can be retried
	remove := params.Remove
	if params.Toggle {
		had, err := s.toggleLabelRow(ctx, eventID, user.ID, params.Label)
		if err != nil {
			return err
		}
		remove = had
	} else if remove {
		if err := s.deleteLabelRow(ctx, eventID, params.Label); err != nil {
			return err
		}
	} else {
		if err := s.insertLabelRow(ctx, eventID, user.ID, params.Label); err != nil {
			return err
		}
	}

	script := eventstore.UpdateLabelScript
	if params.Toggle {
		script = eventstore.ToggleLabelScript
	}
	scriptParams := map[string]any{
		"timesketch_label": map[string]any{
			"name":      params.Label,
			"sketch_id": sketchID,
			"user_id":   user.ID,
		},
	}
	if !params.Toggle {
		scriptParams["remove"] = remove
	}
	if err := s.es.UpdateScripted(ctx, ref.IndexName, ref.DocumentID, script, scriptParams); err != nil {
		return s.backendError(err)
	}
	return nil
}

// ensureEvent returns the relational shadow row for a document,
// creating it on first annotation.
func (s *Service) ensureEvent(ctx context.Context, sketchID int64, ref EventRef) (int64, error) {
	if ref.IndexName == "" || ref.DocumentID == "" {
		return 0, fmt.Errorf("%w: event reference needs an index and a document id", ErrInvalid)
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	var searchIndexID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM searchindices WHERE index_name=? LIMIT 1`, ref.IndexName).Scan(&searchIndexID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("index %s: %w", ref.IndexName, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (sketch_id, searchindex_id, document_id)
		VALUES (?, ?, ?)
		ON CONFLICT (sketch_id, searchindex_id, document_id) DO NOTHING`,
		sketchID, searchIndexID, ref.DocumentID)
	if err != nil {
		return 0, fmt.Errorf("inserting event shadow: %w", err)
	}

	var eventID int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM events WHERE sketch_id=? AND searchindex_id=? AND document_id=? LIMIT 1`,
		sketchID, searchIndexID, ref.DocumentID).Scan(&eventID)
	if err != nil {
		return 0, err
	}
	return eventID, nil
}

func (s *Service) insertLabelRow(ctx context.Context, eventID, userID int64, name string) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO labels (event_id, user_id, name) VALUES (?, ?, ?)
		ON CONFLICT (event_id, name) DO NOTHING`,
		eventID, userID, name)
	return err
}

func (s *Service) deleteLabelRow(ctx context.Context, eventID int64, name string) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM labels WHERE event_id=? AND name=?`, eventID, name)
	return err
}

// toggleLabelRow flips the relational label row and reports whether it
// existed before (true means the toggle removed it).
func (s *Service) toggleLabelRow(ctx context.Context, eventID, userID int64, name string) (bool, error) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM labels WHERE event_id=? AND name=?`, eventID, name)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO labels (event_id, user_id, name) VALUES (?, ?, ?)`,
		eventID, userID, name)
	return false, err
}

// CommentEvent attaches a comment to an event and marks the document
// with the comment label so commented events are searchable.
func (s *Service) CommentEvent(ctx context.Context, user *User, sketchID int64, ref EventRef, body string) (*Comment, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}
	if body == "" {
		return nil, fmt.Errorf("%w: comment body is required", ErrInvalid)
	}

	eventID, err := s.ensureEvent(ctx, sketchID, ref)
	if err != nil {
		return nil, err
	}

	s.dbMu.Lock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (event_id, user_id, body) VALUES (?, ?, ?)`,
		eventID, user.ID, body)
	if err != nil {
		s.dbMu.Unlock()
		return nil, fmt.Errorf("inserting comment: %w", err)
	}
	commentID, err := res.LastInsertId()
	s.dbMu.Unlock()
	if err != nil {
		return nil, err
	}

	err = s.es.UpdateScripted(ctx, ref.IndexName, ref.DocumentID, eventstore.UpdateLabelScript,
		map[string]any{
			"timesketch_label": map[string]any{
				"name":      LabelComment,
				"sketch_id": sketchID,
				"user_id":   user.ID,
			},
			"remove": false,
		})
	if err != nil {
		s.log.Warn("comment stored but document label update failed",
			zap.Int64("comment_id", commentID), zap.Error(err))
	}

	now := time.Now()
	return &Comment{
		ID: commentID, EventID: eventID, UserID: user.ID, Username: user.Username,
		Body: body, Created: now, Updated: now,
	}, nil
}

// UpdateComment edits a comment's body. Only the author may edit.
func (s *Service) UpdateComment(ctx context.Context, user *User, sketchID, commentID int64, body string) error {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("%w: comment body is required", ErrInvalid)
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE comments SET body=?, updated=unixepoch()
		WHERE id=? AND user_id=?
		AND event_id IN (SELECT id FROM events WHERE sketch_id=?)`,
		body, commentID, user.ID, sketchID)
	if err != nil {
		return fmt.Errorf("updating comment %d: %w", commentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("comment %d: %w", commentID, ErrNotFound)
	}
	return nil
}

// DeleteComment removes a comment. Only the author or an admin may
// delete. The comment label stays on the document while other comments
// remain; when the last one goes, the label is lifted too.
func (s *Service) DeleteComment(ctx context.Context, user *User, sketchID, commentID int64, ref EventRef) error {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return err
	}

	s.dbMu.Lock()
	var eventID int64
	query := `
		DELETE FROM comments WHERE id=? AND user_id=?
		AND event_id IN (SELECT id FROM events WHERE sketch_id=?)
		RETURNING event_id`
	args := []any{commentID, user.ID, sketchID}
	if user.Admin {
		query = `
			DELETE FROM comments WHERE id=?
			AND event_id IN (SELECT id FROM events WHERE sketch_id=?)
			RETURNING event_id`
		args = []any{commentID, sketchID}
	}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		s.dbMu.Unlock()
		return fmt.Errorf("comment %d: %w", commentID, ErrNotFound)
	}
	if err != nil {
		s.dbMu.Unlock()
		return err
	}

	var remaining int
	err = s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM comments WHERE event_id=?`, eventID).Scan(&remaining)
	s.dbMu.Unlock()
	if err != nil {
		return err
	}

	if remaining == 0 && ref.IndexName != "" && ref.DocumentID != "" {
		err := s.es.UpdateScripted(ctx, ref.IndexName, ref.DocumentID, eventstore.UpdateLabelScript,
			map[string]any{
				"timesketch_label": map[string]any{
					"name":      LabelComment,
					"sketch_id": sketchID,
					"user_id":   user.ID,
				},
				"remove": true,
			})
		if err != nil {
			s.log.Warn("comment deleted but document label removal failed",
				zap.Int64("event_id", eventID), zap.Error(err))
		}
	}
	return nil
}

// EventDetail is a full single-event fetch: the document with its
// labels plus its relational comments.
type EventDetail struct {
	Event    *eventstore.Hit `json:"objects"`
	Comments []*Comment      `json:"comments"`
}

// EventWithComments fetches one document, including the label field
// normally excluded from reads, plus its comments.
func (s *Service) EventWithComments(ctx context.Context, user *User, sketchID int64, ref EventRef) (*EventDetail, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}

	hit, err := s.es.GetDocument(ctx, ref.IndexName, ref.DocumentID, true)
	if err != nil {
		if errors.Is(err, eventstore.ErrIndexNotFound) {
			return nil, fmt.Errorf("event %s/%s: %w", ref.IndexName, ref.DocumentID, ErrNotFound)
		}
		return nil, s.backendError(err)
	}

	comments, err := s.eventComments(ctx, sketchID, ref)
	if err != nil {
		return nil, err
	}
	return &EventDetail{Event: hit, Comments: comments}, nil
}

func (s *Service) eventComments(ctx context.Context, sketchID int64, ref EventRef) ([]*Comment, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT comments.id, comments.event_id, comments.user_id, users.username,
			comments.body, comments.created, comments.updated
		FROM comments
		JOIN events ON events.id = comments.event_id
		JOIN searchindices ON searchindices.id = events.searchindex_id
		JOIN users ON users.id = comments.user_id
		WHERE events.sketch_id=? AND searchindices.index_name=? AND events.document_id=?
		ORDER BY comments.created, comments.id`,
		sketchID, ref.IndexName, ref.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("selecting comments: %w", err)
	}
	defer rows.Close()

	comments := []*Comment{}
	for rows.Next() {
		var c Comment
		var created, updated int64
		err := rows.Scan(&c.ID, &c.EventID, &c.UserID, &c.Username, &c.Body, &created, &updated)
		if err != nil {
			return nil, err
		}
		c.Created = time.Unix(created, 0)
		c.Updated = time.Unix(updated, 0)
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// TagResult reports a tagging run.
type TagResult struct {
	EventsProcessed int `json:"events_processed"`
	TagsApplied     int `json:"tags_applied"`
}

// TagEvents merges tags into each document's flat tag array. Unlike
// labels, tags are plain strings with no ownership and are written by
// read-modify-write through the bulk buffer, so concurrent taggers can
// lose each other's writes; analyzers are the main caller and run
// serialized.
func (s *Service) TagEvents(ctx context.Context, user *User, sketchID int64, events []EventRef, tags []string) (*TagResult, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}
	if len(events) == 0 || len(tags) == 0 {
		return nil, fmt.Errorf("%w: events and tags are both required", ErrInvalid)
	}

	buf := s.es.NewIngestBuffer(s.opts.FlushInterval)
	result := &TagResult{}
	for _, ref := range events {
		hit, err := s.es.GetDocument(ctx, ref.IndexName, ref.DocumentID, false)
		if err != nil {
			return nil, s.backendError(err)
		}
		merged, added := mergeTags(hit.Source[eventstore.FieldTag], tags)
		if added == 0 {
			result.EventsProcessed++
			continue
		}
		patch := map[string]any{eventstore.FieldTag: merged}
		if err := buf.AddUpdate(ctx, ref.IndexName, ref.DocumentID, patch); err != nil {
			return nil, err
		}
		result.EventsProcessed++
		result.TagsApplied += added
	}

	stats, err := buf.Close(ctx)
	if err != nil {
		return nil, s.backendError(err)
	}
	if stats.Errored > 0 {
		return result, fmt.Errorf("%d of %d tag updates failed", stats.Errored, stats.Total)
	}
	return result, nil
}

// mergeTags unions new tags into a document's existing tag value and
// reports how many were actually new. The result is sorted so repeat
// runs produce identical documents.
func mergeTags(existing any, tags []string) ([]string, int) {
	seen := make(map[string]bool)
	var merged []string
	switch v := existing.(type) {
	case []any:
		for _, t := range v {
			if ts, ok := t.(string); ok && !seen[ts] {
				seen[ts] = true
				merged = append(merged, ts)
			}
		}
	case string:
		if v != "" {
			seen[v] = true
			merged = append(merged, v)
		}
	}

	added := 0
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		merged = append(merged, t)
		added++
	}
	sort.Strings(merged)
	return merged, added
}

// UntagEvents removes tags from each document's tag array.
func (s *Service) UntagEvents(ctx context.Context, user *User, sketchID int64, events []EventRef, tags []string) (*TagResult, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}
	if len(events) == 0 || len(tags) == 0 {
		return nil, fmt.Errorf("%w: events and tags are both required", ErrInvalid)
	}

	drop := make(map[string]bool, len(tags))
	for _, t := range tags {
		drop[t] = true
	}

	buf := s.es.NewIngestBuffer(s.opts.FlushInterval)
	result := &TagResult{}
	for _, ref := range events {
		hit, err := s.es.GetDocument(ctx, ref.IndexName, ref.DocumentID, false)
		if err != nil {
			return nil, s.backendError(err)
		}
		kept := []string{}
		removed := 0
		if existing, ok := hit.Source[eventstore.FieldTag].([]any); ok {
			for _, t := range existing {
				ts, ok := t.(string)
				if !ok {
					continue
				}
				if drop[ts] {
					removed++
					continue
				}
				kept = append(kept, ts)
			}
		}
		result.EventsProcessed++
		if removed == 0 {
			continue
		}
		patch := map[string]any{eventstore.FieldTag: kept}
		if err := buf.AddUpdate(ctx, ref.IndexName, ref.DocumentID, patch); err != nil {
			return nil, err
		}
		result.TagsApplied += removed
	}

	stats, err := buf.Close(ctx)
	if err != nil {
		return nil, s.backendError(err)
	}
	if stats.Errored > 0 {
		return result, fmt.Errorf("%d of %d tag updates failed", stats.Errored, stats.Total)
	}
	return result, nil
}

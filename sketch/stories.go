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
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateStory adds a story to a sketch. Content is an ordered JSON
// array of blocks; an empty content defaults to the empty array.
func (s *Service) CreateStory(ctx context.Context, user *User, sketchID int64, title string, content json.RawMessage) (*Story, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}
	if title == "" {
		return nil, fmt.Errorf("%w: story title is required", ErrInvalid)
	}
	if len(content) == 0 {
		content = json.RawMessage("[]")
	} else if !json.Valid(content) {
		return nil, fmt.Errorf("%w: story content must be valid JSON", ErrInvalid)
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stories (sketch_id, user_id, title, content) VALUES (?, ?, ?, ?)`,
		sketchID, user.ID, title, string(content))
	if err != nil {
		return nil, fmt.Errorf("inserting story: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Story{
		ID: id, SketchID: sketchID, UserID: user.ID, Title: title,
		Content: content, Created: now, Updated: now,
	}, nil
}

// Story returns one story with its content.
func (s *Service) Story(ctx context.Context, user *User, sketchID, storyID int64) (*Story, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	var st Story
	var content string
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sketch_id, user_id, title, content, created, updated
		FROM stories WHERE id=? AND sketch_id=? LIMIT 1`, storyID, sketchID).
		Scan(&st.ID, &st.SketchID, &st.UserID, &st.Title, &content, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("story %d: %w", storyID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	st.Content = json.RawMessage(content)
	st.Created = time.Unix(created, 0)
	st.Updated = time.Unix(updated, 0)
	return &st, nil
}

// ListStories returns the sketch's stories without their content,
// newest first.
func (s *Service) ListStories(ctx context.Context, user *User, sketchID int64) ([]*Story, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sketch_id, user_id, title, created, updated
		FROM stories WHERE sketch_id=?
		ORDER BY updated DESC, id DESC`, sketchID)
	if err != nil {
		return nil, fmt.Errorf("selecting stories: %w", err)
	}
	defer rows.Close()

	stories := []*Story{}
	for rows.Next() {
		var st Story
		var created, updated int64
		if err := rows.Scan(&st.ID, &st.SketchID, &st.UserID, &st.Title, &created, &updated); err != nil {
			return nil, err
		}
		st.Created = time.Unix(created, 0)
		st.Updated = time.Unix(updated, 0)
		stories = append(stories, &st)
	}
	return stories, rows.Err()
}

// UpdateStory replaces a story's title and content.
func (s *Service) UpdateStory(ctx context.Context, user *User, sketchID, storyID int64, title string, content json.RawMessage) error {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return err
	}
	if title == "" {
		return fmt.Errorf("%w: story title is required", ErrInvalid)
	}
	if len(content) == 0 {
		content = json.RawMessage("[]")
	} else if !json.Valid(content) {
		return fmt.Errorf("%w: story content must be valid JSON", ErrInvalid)
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE stories SET title=?, content=?, updated=unixepoch() WHERE id=? AND sketch_id=?`,
		title, string(content), storyID, sketchID)
	if err != nil {
		return fmt.Errorf("updating story %d: %w", storyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("story %d: %w", storyID, ErrNotFound)
	}
	return nil
}

// DeleteStory removes a story.
func (s *Service) DeleteStory(ctx context.Context, user *User, sketchID, storyID int64) error {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return err
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM stories WHERE id=? AND sketch_id=?`, storyID, sketchID)
	if err != nil {
		return fmt.Errorf("deleting story %d: %w", storyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("story %d: %w", storyID, ErrNotFound)
	}
	return nil
}

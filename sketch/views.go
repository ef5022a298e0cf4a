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
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"go.uber.org/zap"
)

// SaveViewParams describes a view to create or update. TemplateID, if
// set, instantiates the view from a search template; the template's
// query is rendered with TemplateParams and overrides QueryString.
type SaveViewParams struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	QueryString    string          `json:"query_string,omitempty"`
	QueryFilter    json.RawMessage `json:"query_filter,omitempty"`
	QueryDSL       json.RawMessage `json:"query_dsl,omitempty"`
	TemplateID     *int64          `json:"searchtemplate_id,omitempty"`
	TemplateParams map[string]any  `json:"template_params,omitempty"`
}

// SaveView creates a named view, or updates it when viewID is nonzero.
// An empty name is reserved for the activity marker (RecordActivity).
func (s *Service) SaveView(ctx context.Context, user *User, sketchID, viewID int64, params SaveViewParams) (*View, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, fmt.Errorf("%w: view name is required", ErrInvalid)
	}

	if params.TemplateID != nil {
		tmpl, err := s.SearchTemplate(ctx, *params.TemplateID)
		if err != nil {
			return nil, err
		}
		rendered, err := renderTemplateQuery(tmpl, params.TemplateParams)
		if err != nil {
			return nil, err
		}
		params.QueryString = rendered
		if len(params.QueryFilter) == 0 {
			params.QueryFilter = tmpl.QueryFilter
		}
		if len(params.QueryDSL) == 0 {
			params.QueryDSL = tmpl.QueryDSL
		}
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	if viewID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO views (sketch_id, user_id, name, description, query_string, query_filter, query_dsl, searchtemplate_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sketchID, user.ID, params.Name, params.Description, params.QueryString,
			nullableJSON(params.QueryFilter), nullableJSON(params.QueryDSL), params.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("inserting view: %w", err)
		}
		viewID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
	} else {
		res, err := s.db.ExecContext(ctx, `
			UPDATE views SET name=?, description=?, query_string=?, query_filter=?, query_dsl=?, updated=unixepoch()
			WHERE id=? AND sketch_id=? AND deleted=false AND name != ''`,
			params.Name, params.Description, params.QueryString,
			nullableJSON(params.QueryFilter), nullableJSON(params.QueryDSL),
			viewID, sketchID)
		if err != nil {
			return nil, fmt.Errorf("updating view %d: %w", viewID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("view %d: %w", viewID, ErrNotFound)
		}
	}

	s.log.Info("view saved",
		zap.Int64("sketch_id", sketchID),
		zap.Int64("view_id", viewID),
		zap.String("name", params.Name))

	return s.viewByID(ctx, s.db, sketchID, viewID)
}

// View returns one saved view. Soft-deleted views and activity markers
// are not addressable here.
func (s *Service) View(ctx context.Context, user *User, sketchID, viewID int64) (*View, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	return s.viewByID(ctx, s.db, sketchID, viewID)
}

func (s *Service) viewByID(ctx context.Context, q queryer, sketchID, viewID int64) (*View, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, sketch_id, user_id, name, COALESCE(description, ''),
			COALESCE(query_string, ''), query_filter, query_dsl, searchtemplate_id,
			created, updated
		FROM views
		WHERE id=? AND sketch_id=? AND deleted=false AND name != ''
		LIMIT 1`, viewID, sketchID)
	v, err := scanView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("view %d: %w", viewID, ErrNotFound)
	}
	return v, err
}

// ListViews returns the sketch's saved views, newest first. Activity
// markers and soft-deleted views are excluded.
func (s *Service) ListViews(ctx context.Context, user *User, sketchID int64) ([]*View, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sketch_id, user_id, name, COALESCE(description, ''),
			COALESCE(query_string, ''), query_filter, query_dsl, searchtemplate_id,
			created, updated
		FROM views
		WHERE sketch_id=? AND deleted=false AND name != ''
		ORDER BY updated DESC, id DESC`, sketchID)
	if err != nil {
		return nil, fmt.Errorf("selecting views: %w", err)
	}
	defer rows.Close()

	views := []*View{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// DeleteView soft-deletes a view so saved-search history survives.
func (s *Service) DeleteView(ctx context.Context, user *User, sketchID, viewID int64) error {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return err
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE views SET deleted=true, updated=unixepoch() WHERE id=? AND sketch_id=? AND name != ''`,
		viewID, sketchID)
	if err != nil {
		return fmt.Errorf("deleting view %d: %w", viewID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("view %d: %w", viewID, ErrNotFound)
	}
	return nil
}

// RecordActivity upserts the per-user activity marker: a nameless view
// remembering the user's last query on the sketch. At most one exists
// per (user, sketch); the unique partial index enforces it.
func (s *Service) RecordActivity(ctx context.Context, user *User, sketchID int64, query string, filter, dsl json.RawMessage) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO views (sketch_id, user_id, name, query_string, query_filter, query_dsl)
		VALUES (?, ?, '', ?, ?, ?)
		ON CONFLICT (sketch_id, user_id) WHERE name = ''
		DO UPDATE SET query_string=excluded.query_string,
			query_filter=excluded.query_filter,
			query_dsl=excluded.query_dsl,
			deleted=false,
			updated=unixepoch()`,
		sketchID, user.ID, query, nullableJSON(filter), nullableJSON(dsl))
	if err != nil {
		return fmt.Errorf("recording activity: %w", err)
	}
	return nil
}

// LastActivity returns the user's activity marker for the sketch, or
// NotFound if the user has never explored it.
func (s *Service) LastActivity(ctx context.Context, user *User, sketchID int64) (*View, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, sketch_id, user_id, name, COALESCE(description, ''),
			COALESCE(query_string, ''), query_filter, query_dsl, searchtemplate_id,
			created, updated
		FROM views
		WHERE sketch_id=? AND user_id=? AND name='' AND deleted=false
		LIMIT 1`, sketchID, user.ID)
	v, err := scanView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no activity for user %s on sketch %d: %w", user.Username, sketchID, ErrNotFound)
	}
	return v, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanView(row rowScanner) (*View, error) {
	var v View
	var filter, dsl sql.NullString
	var created, updated int64
	err := row.Scan(&v.ID, &v.SketchID, &v.UserID, &v.Name, &v.Description,
		&v.QueryString, &filter, &dsl, &v.TemplateID, &created, &updated)
	if err != nil {
		return nil, err
	}
	if filter.Valid {
		v.QueryFilter = json.RawMessage(filter.String)
	}
	if dsl.Valid {
		v.QueryDSL = json.RawMessage(dsl.String)
	}
	v.Created = time.Unix(created, 0)
	v.Updated = time.Unix(updated, 0)
	return &v, nil
}

// nullableJSON stores empty raw JSON as NULL rather than "".
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// CreateSearchTemplate registers a reusable query template. Templates
// are global, not tied to a sketch.
func (s *Service) CreateSearchTemplate(ctx context.Context, tmpl *SearchTemplate) (*SearchTemplate, error) {
	if tmpl.Name == "" {
		return nil, fmt.Errorf("%w: template name is required", ErrInvalid)
	}
	// reject templates that cannot render before they are stored
	if _, err := parseTemplateQuery(tmpl.QueryString); err != nil {
		return nil, fmt.Errorf("%w: template query: %v", ErrInvalid, err)
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO searchtemplates (name, description, query_string, query_filter, query_dsl)
		VALUES (?, ?, ?, ?, ?)`,
		tmpl.Name, tmpl.Description, tmpl.QueryString,
		nullableJSON(tmpl.QueryFilter), nullableJSON(tmpl.QueryDSL))
	if err != nil {
		return nil, wrapConflict(fmt.Errorf("inserting search template: %w", err))
	}
	tmpl.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// SearchTemplate returns one template by id.
func (s *Service) SearchTemplate(ctx context.Context, id int64) (*SearchTemplate, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	var tmpl SearchTemplate
	var filter, dsl sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), COALESCE(query_string, ''), query_filter, query_dsl
		FROM searchtemplates WHERE id=? LIMIT 1`, id).
		Scan(&tmpl.ID, &tmpl.Name, &tmpl.Description, &tmpl.QueryString, &filter, &dsl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("search template %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if filter.Valid {
		tmpl.QueryFilter = json.RawMessage(filter.String)
	}
	if dsl.Valid {
		tmpl.QueryDSL = json.RawMessage(dsl.String)
	}
	return &tmpl, nil
}

// ListSearchTemplates returns all templates, by name.
func (s *Service) ListSearchTemplates(ctx context.Context) ([]*SearchTemplate, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), COALESCE(query_string, ''), query_filter, query_dsl
		FROM searchtemplates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("selecting search templates: %w", err)
	}
	defer rows.Close()

	templates := []*SearchTemplate{}
	for rows.Next() {
		var tmpl SearchTemplate
		var filter, dsl sql.NullString
		err := rows.Scan(&tmpl.ID, &tmpl.Name, &tmpl.Description, &tmpl.QueryString, &filter, &dsl)
		if err != nil {
			return nil, err
		}
		if filter.Valid {
			tmpl.QueryFilter = json.RawMessage(filter.String)
		}
		if dsl.Valid {
			tmpl.QueryDSL = json.RawMessage(dsl.String)
		}
		templates = append(templates, &tmpl)
	}
	return templates, rows.Err()
}

// DeleteSearchTemplate removes a template. Views already instantiated
// from it keep their rendered queries.
func (s *Service) DeleteSearchTemplate(ctx context.Context, id int64) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	// detach views first so the FK doesn't block the delete
	_, err := s.db.ExecContext(ctx,
		`UPDATE views SET searchtemplate_id=NULL WHERE searchtemplate_id=?`, id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM searchtemplates WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting search template %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("search template %d: %w", id, ErrNotFound)
	}
	return nil
}

func parseTemplateQuery(query string) (*template.Template, error) {
	return template.New("query").Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(query)
}

// renderTemplateQuery fills a template's query string with params.
func renderTemplateQuery(tmpl *SearchTemplate, params map[string]any) (string, error) {
	t, err := parseTemplateQuery(tmpl.QueryString)
	if err != nil {
		return "", fmt.Errorf("%w: template %q: %v", ErrInvalid, tmpl.Name, err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, params); err != nil {
		return "", fmt.Errorf("%w: rendering template %q: %v", ErrInvalid, tmpl.Name, err)
	}
	return sb.String(), nil
}

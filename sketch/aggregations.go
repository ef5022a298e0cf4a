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

	"github.com/tracesketch/tracesketch/eventstore"
)

// Supported stored-aggregation types and how they compile to engine
// aggregations. Parameters: field (all), interval (histogram types),
// limit (bucket cap, default 10).
const (
	AggTypeTerms         = "field_bucket"
	AggTypeDateHistogram = "date_histogram"
	AggTypeAutoHistogram = "auto_date_histogram"
)

// SaveAggregation persists a named aggregation on a sketch.
func (s *Service) SaveAggregation(ctx context.Context, user *User, sketchID int64, agg *Aggregation) (*Aggregation, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}
	if agg.Name == "" || agg.AggType == "" {
		return nil, fmt.Errorf("%w: aggregation name and type are required", ErrInvalid)
	}
	if _, err := compileAggregation(agg.AggType, agg.Parameters); err != nil {
		return nil, err
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregations (sketch_id, user_id, name, description, agg_type, parameters, chart_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sketchID, user.ID, agg.Name, agg.Description, agg.AggType,
		nullableJSON(agg.Parameters), agg.ChartType)
	if err != nil {
		return nil, fmt.Errorf("inserting aggregation: %w", err)
	}
	agg.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	agg.SketchID = sketchID
	agg.UserID = user.ID
	agg.Created = time.Now()
	return agg, nil
}

// Aggregation returns one stored aggregation.
func (s *Service) Aggregation(ctx context.Context, user *User, sketchID, aggID int64) (*Aggregation, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	return s.aggregationByID(ctx, sketchID, aggID)
}

func (s *Service) aggregationByID(ctx context.Context, sketchID, aggID int64) (*Aggregation, error) {
	var agg Aggregation
	var params sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sketch_id, user_id, name, COALESCE(description, ''), agg_type,
			parameters, COALESCE(chart_type, ''), created
		FROM aggregations WHERE id=? AND sketch_id=? LIMIT 1`, aggID, sketchID).
		Scan(&agg.ID, &agg.SketchID, &agg.UserID, &agg.Name, &agg.Description,
			&agg.AggType, &params, &agg.ChartType, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("aggregation %d: %w", aggID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if params.Valid {
		agg.Parameters = json.RawMessage(params.String)
	}
	agg.Created = time.Unix(created, 0)
	return &agg, nil
}

// ListAggregations returns the sketch's stored aggregations.
func (s *Service) ListAggregations(ctx context.Context, user *User, sketchID int64) ([]*Aggregation, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sketch_id, user_id, name, COALESCE(description, ''), agg_type,
			parameters, COALESCE(chart_type, ''), created
		FROM aggregations WHERE sketch_id=? ORDER BY id`, sketchID)
	if err != nil {
		return nil, fmt.Errorf("selecting aggregations: %w", err)
	}
	defer rows.Close()

	aggs := []*Aggregation{}
	for rows.Next() {
		var agg Aggregation
		var params sql.NullString
		var created int64
		err := rows.Scan(&agg.ID, &agg.SketchID, &agg.UserID, &agg.Name, &agg.Description,
			&agg.AggType, &params, &agg.ChartType, &created)
		if err != nil {
			return nil, err
		}
		if params.Valid {
			agg.Parameters = json.RawMessage(params.String)
		}
		agg.Created = time.Unix(created, 0)
		aggs = append(aggs, &agg)
	}
	return aggs, rows.Err()
}

// DeleteAggregation removes a stored aggregation and its group
// memberships.
func (s *Service) DeleteAggregation(ctx context.Context, user *User, sketchID, aggID int64) error {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return err
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM aggregations WHERE id=? AND sketch_id=?`, aggID, sketchID)
	if err != nil {
		return fmt.Errorf("deleting aggregation %d: %w", aggID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("aggregation %d: %w", aggID, ErrNotFound)
	}
	return nil
}

// RunAggregation executes a stored aggregation against the sketch's
// ready indices and returns the raw bucket response.
func (s *Service) RunAggregation(ctx context.Context, user *User, sketchID, aggID int64) (map[string]json.RawMessage, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}

	s.dbMu.RLock()
	agg, err := s.aggregationByID(ctx, sketchID, aggID)
	s.dbMu.RUnlock()
	if err != nil {
		return nil, err
	}

	compiled, err := compileAggregation(agg.AggType, agg.Parameters)
	if err != nil {
		return nil, err
	}
	return s.runCompiledAggregation(ctx, user, sketchID, compiled)
}

// RunAdhocAggregation executes an unsaved aggregation spec.
func (s *Service) RunAdhocAggregation(ctx context.Context, user *User, sketchID int64, aggType string, params json.RawMessage) (map[string]json.RawMessage, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}

	compiled, err := compileAggregation(aggType, params)
	if err != nil {
		return nil, err
	}
	return s.runCompiledAggregation(ctx, user, sketchID, compiled)
}

func (s *Service) runCompiledAggregation(ctx context.Context, user *User, sketchID int64, aggs map[string]any) (map[string]json.RawMessage, error) {
	compiled, err := s.compileExplore(ctx, user, sketchID, &ExploreRequest{})
	if err != nil {
		return nil, err
	}
	if len(compiled.indices) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	body := map[string]any{
		"query": compiled.body["query"],
		"size":  0,
		"aggs":  aggs,
	}
	resp, err := s.es.Search(ctx, eventstore.SearchRequest{Indices: compiled.indices, Body: body})
	if err != nil {
		return nil, s.backendError(err)
	}
	return resp.Aggregations, nil
}

type aggregationParams struct {
	Field    string `json:"field"`
	Interval string `json:"interval,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// compileAggregation turns a stored aggregation spec into an engine
// aggs clause named "result".
func compileAggregation(aggType string, rawParams json.RawMessage) (map[string]any, error) {
	var params aggregationParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, fmt.Errorf("%w: aggregation parameters: %v", ErrInvalid, err)
		}
	}
	if params.Field == "" {
		return nil, fmt.Errorf("%w: aggregation field is required", ErrInvalid)
	}
	if params.Limit <= 0 {
		params.Limit = 10
	}

	var clause map[string]any
	switch aggType {
	case AggTypeTerms:
		clause = map[string]any{
			"terms": map[string]any{
				"field": params.Field + ".keyword",
				"size":  params.Limit,
			},
		}
	case AggTypeDateHistogram:
		interval := params.Interval
		if interval == "" {
			interval = "1d"
		}
		clause = map[string]any{
			"date_histogram": map[string]any{
				"field":          params.Field,
				"fixed_interval": interval,
			},
		}
	case AggTypeAutoHistogram:
		clause = map[string]any{
			"auto_date_histogram": map[string]any{
				"field":   params.Field,
				"buckets": params.Limit,
			},
		}
	default:
		return nil, fmt.Errorf("%w: unknown aggregation type %q", ErrInvalid, aggType)
	}
	return map[string]any{"result": clause}, nil
}

// SaveAggregationGroup persists a named group of stored aggregations.
func (s *Service) SaveAggregationGroup(ctx context.Context, user *User, sketchID int64, group *AggregationGroup) (*AggregationGroup, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}
	if group.Name == "" {
		return nil, fmt.Errorf("%w: group name is required", ErrInvalid)
	}
	if group.Orientation == "" {
		group.Orientation = "layered"
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO aggregation_groups (sketch_id, user_id, name, description, orientation)
		VALUES (?, ?, ?, ?, ?)`,
		sketchID, user.ID, group.Name, group.Description, group.Orientation)
	if err != nil {
		return nil, fmt.Errorf("inserting aggregation group: %w", err)
	}
	group.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}

	for _, aggID := range group.AggregationIDs {
		// membership is constrained to this sketch's aggregations
		r, err := tx.ExecContext(ctx, `
			INSERT INTO aggregation_group_members (group_id, aggregation_id)
			SELECT ?, id FROM aggregations WHERE id=? AND sketch_id=?`,
			group.ID, aggID, sketchID)
		if err != nil {
			return nil, err
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("aggregation %d: %w", aggID, ErrNotFound)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	group.SketchID = sketchID
	group.UserID = user.ID
	return group, nil
}

// ListAggregationGroups returns the sketch's aggregation groups with
// their member ids.
func (s *Service) ListAggregationGroups(ctx context.Context, user *User, sketchID int64) ([]*AggregationGroup, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.sketch_id, g.user_id, g.name, COALESCE(g.description, ''), g.orientation,
			m.aggregation_id
		FROM aggregation_groups g
		LEFT JOIN aggregation_group_members m ON m.group_id = g.id
		WHERE g.sketch_id=?
		ORDER BY g.id, m.aggregation_id`, sketchID)
	if err != nil {
		return nil, fmt.Errorf("selecting aggregation groups: %w", err)
	}
	defer rows.Close()

	groups := []*AggregationGroup{}
	byID := make(map[int64]*AggregationGroup)
	for rows.Next() {
		var g AggregationGroup
		var member *int64
		err := rows.Scan(&g.ID, &g.SketchID, &g.UserID, &g.Name, &g.Description, &g.Orientation, &member)
		if err != nil {
			return nil, err
		}
		group, ok := byID[g.ID]
		if !ok {
			group = &g
			byID[g.ID] = group
			groups = append(groups, group)
		}
		if member != nil {
			group.AggregationIDs = append(group.AggregationIDs, *member)
		}
	}
	return groups, rows.Err()
}

// DeleteAggregationGroup removes a group; member aggregations survive.
func (s *Service) DeleteAggregationGroup(ctx context.Context, user *User, sketchID, groupID int64) error {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return err
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM aggregation_groups WHERE id=? AND sketch_id=?`, groupID, sketchID)
	if err != nil {
		return fmt.Errorf("deleting aggregation group %d: %w", groupID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("aggregation group %d: %w", groupID, ErrNotFound)
	}
	return nil
}

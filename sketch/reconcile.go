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

	"github.com/tracesketch/tracesketch/eventstore"
	"go.uber.org/zap"
)

// LabelTally is one label's count on both sides of the dual-write.
type LabelTally struct {
	Name       string `json:"name"`
	Relational int64  `json:"relational"`
	Indexed    int64  `json:"indexed"`
}

// ReconcileLabels compares the relational label rows of a sketch to a
// nested-label aggregation over its indices and returns one tally per
// label name seen on either side. The two sides are written without a
// transaction spanning them, so small transient drifts are normal;
// persistent drift means a failed document update needs repair.
func (s *Service) ReconcileLabels(ctx context.Context, user *User, sketchID int64) ([]LabelTally, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}

	relational, err := s.relationalLabelCounts(ctx, sketchID)
	if err != nil {
		return nil, err
	}
	indexed, err := s.indexedLabelCounts(ctx, user, sketchID)
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(relational)+len(indexed))
	for name := range relational {
		names[name] = true
	}
	for name := range indexed {
		names[name] = true
	}

	tallies := make([]LabelTally, 0, len(names))
	for name := range names {
		t := LabelTally{Name: name, Relational: relational[name], Indexed: indexed[name]}
		if t.Relational != t.Indexed {
			s.log.Warn("label drift between metadata store and index",
				zap.Int64("sketch_id", sketchID),
				zap.String("label", name),
				zap.Int64("relational", t.Relational),
				zap.Int64("indexed", t.Indexed))
		}
		tallies = append(tallies, t)
	}
	return tallies, nil
}

func (s *Service) relationalLabelCounts(ctx context.Context, sketchID int64) (map[string]int64, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT labels.name, count(*)
		FROM labels
		JOIN events ON events.id = labels.event_id
		WHERE events.sketch_id=?
		GROUP BY labels.name`, sketchID)
	if err != nil {
		return nil, fmt.Errorf("counting relational labels: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

func (s *Service) indexedLabelCounts(ctx context.Context, user *User, sketchID int64) (map[string]int64, error) {
	compiled, err := s.compileExplore(ctx, user, sketchID, &ExploreRequest{})
	if err != nil {
		return nil, err
	}
	if len(compiled.indices) == 0 {
		return map[string]int64{}, nil
	}

	body := map[string]any{
		"query": compiled.body["query"],
		"size":  0,
		"aggs": map[string]any{
			"labels": map[string]any{
				"nested": map[string]any{"path": eventstore.FieldLabel},
				"aggs": map[string]any{
					"scoped": map[string]any{
						"filter": map[string]any{
							"term": map[string]any{eventstore.FieldLabel + ".sketch_id": sketchID},
						},
						"aggs": map[string]any{
							"names": map[string]any{
								"terms": map[string]any{
									"field": eventstore.FieldLabel + ".name.keyword",
									"size":  1000,
								},
							},
						},
					},
				},
			},
		},
	}
	resp, err := s.es.Search(ctx, eventstore.SearchRequest{Indices: compiled.indices, Body: body})
	if err != nil {
		if errors.Is(err, eventstore.ErrIndexNotFound) {
			return map[string]int64{}, nil
		}
		return nil, s.backendError(err)
	}

	var agg struct {
		Scoped struct {
			Names struct {
				Buckets []struct {
					Key      string `json:"key"`
					DocCount int64  `json:"doc_count"`
				} `json:"buckets"`
			} `json:"names"`
		} `json:"scoped"`
	}
	raw, ok := resp.Aggregations["labels"]
	if !ok {
		return map[string]int64{}, nil
	}
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil, fmt.Errorf("decoding label aggregation: %w", err)
	}

	counts := make(map[string]int64, len(agg.Scoped.Names.Buckets))
	for _, bucket := range agg.Scoped.Names.Buckets {
		counts[bucket.Key] = bucket.DocCount
	}
	return counts, nil
}

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
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileAggregation(t *testing.T) {
	for i, tc := range []struct {
		aggType string
		params  string
		check   func(t *testing.T, clause map[string]any)
		wantErr bool
	}{
		{
			aggType: AggTypeTerms,
			params:  `{"field":"domain","limit":25}`,
			check: func(t *testing.T, clause map[string]any) {
				terms := clause["terms"].(map[string]any)
				if terms["field"] != "domain.keyword" {
					t.Errorf("terms should target the keyword sub-field, got %v", terms["field"])
				}
				if terms["size"] != 25 {
					t.Errorf("expected size 25, got %v", terms["size"])
				}
			},
		},
		{
			aggType: AggTypeTerms,
			params:  `{"field":"domain"}`,
			check: func(t *testing.T, clause map[string]any) {
				if size := clause["terms"].(map[string]any)["size"]; size != 10 {
					t.Errorf("expected default limit 10, got %v", size)
				}
			},
		},
		{
			aggType: AggTypeDateHistogram,
			params:  `{"field":"datetime","interval":"1h"}`,
			check: func(t *testing.T, clause map[string]any) {
				hist := clause["date_histogram"].(map[string]any)
				if hist["fixed_interval"] != "1h" {
					t.Errorf("expected interval 1h, got %v", hist["fixed_interval"])
				}
			},
		},
		{
			aggType: AggTypeDateHistogram,
			params:  `{"field":"datetime"}`,
			check: func(t *testing.T, clause map[string]any) {
				if got := clause["date_histogram"].(map[string]any)["fixed_interval"]; got != "1d" {
					t.Errorf("expected default interval 1d, got %v", got)
				}
			},
		},
		{
			aggType: AggTypeAutoHistogram,
			params:  `{"field":"datetime","limit":50}`,
			check: func(t *testing.T, clause map[string]any) {
				if got := clause["auto_date_histogram"].(map[string]any)["buckets"]; got != 50 {
					t.Errorf("expected 50 buckets, got %v", got)
				}
			},
		},
		{aggType: AggTypeTerms, params: `{}`, wantErr: true},     // no field
		{aggType: "bogus", params: `{"field":"x"}`, wantErr: true},
		{aggType: AggTypeTerms, params: `{not json`, wantErr: true},
	} {
		compiled, err := compileAggregation(tc.aggType, json.RawMessage(tc.params))
		if tc.wantErr {
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("test %d: expected ErrInvalid, got %v", i, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("test %d: unexpected error: %v", i, err)
			continue
		}
		clause, ok := compiled["result"].(map[string]any)
		if !ok {
			t.Errorf("test %d: compiled aggregation must be named result, got %v", i, compiled)
			continue
		}
		tc.check(t, clause)
	}
}

func TestAggregationCRUDAndRun(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	mustReadyTimeline(t, s, owner, sk.ID, "laptop")

	agg, err := s.SaveAggregation(ctx, owner, sk.ID, &Aggregation{
		Name:       "top domains",
		AggType:    AggTypeTerms,
		Parameters: json.RawMessage(`{"field":"domain"}`),
	})
	require.NoError(t, err)
	require.NotZero(t, agg.ID)

	// an aggregation that cannot compile is rejected at save time
	_, err = s.SaveAggregation(ctx, owner, sk.ID, &Aggregation{
		Name:    "broken",
		AggType: "bogus",
	})
	require.ErrorIs(t, err, ErrInvalid)

	engine.searchFn = func(body []byte) (int, string) {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(body, &decoded))
		// aggregation runs never fetch hits
		require.EqualValues(t, 0, decoded["size"])
		require.Contains(t, decoded, "aggs")
		return http.StatusOK, `{"took":1,"hits":{"total":{"value":9,"relation":"eq"},"hits":[]},` +
			`"aggregations":{"result":{"buckets":[{"key":"evil.example","doc_count":9}]}}}`
	}

	buckets, err := s.RunAggregation(ctx, owner, sk.ID, agg.ID)
	require.NoError(t, err)
	require.Contains(t, buckets, "result")
	require.Contains(t, string(buckets["result"]), "evil.example")

	adhoc, err := s.RunAdhocAggregation(ctx, owner, sk.ID, AggTypeTerms, json.RawMessage(`{"field":"domain"}`))
	require.NoError(t, err)
	require.Contains(t, adhoc, "result")

	list, err := s.ListAggregations(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteAggregation(ctx, owner, sk.ID, agg.ID))
	_, err = s.Aggregation(ctx, owner, sk.ID, agg.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAggregationGroups(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")

	a1, err := s.SaveAggregation(ctx, owner, sk.ID, &Aggregation{
		Name: "one", AggType: AggTypeTerms, Parameters: json.RawMessage(`{"field":"a"}`),
	})
	require.NoError(t, err)
	a2, err := s.SaveAggregation(ctx, owner, sk.ID, &Aggregation{
		Name: "two", AggType: AggTypeTerms, Parameters: json.RawMessage(`{"field":"b"}`),
	})
	require.NoError(t, err)

	grp, err := s.SaveAggregationGroup(ctx, owner, sk.ID, &AggregationGroup{
		Name:           "overview",
		AggregationIDs: []int64{a1.ID, a2.ID},
	})
	require.NoError(t, err)
	require.NotZero(t, grp.ID)

	// members must belong to the same sketch
	_, err = s.SaveAggregationGroup(ctx, owner, sk.ID, &AggregationGroup{
		Name:           "bad",
		AggregationIDs: []int64{9999},
	})
	require.ErrorIs(t, err, ErrNotFound)

	groups, err := s.ListAggregationGroups(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, []int64{a1.ID, a2.ID}, groups[0].AggregationIDs)

	require.NoError(t, s.DeleteAggregationGroup(ctx, owner, sk.ID, grp.ID))
	groups, err = s.ListAggregationGroups(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Empty(t, groups)
}

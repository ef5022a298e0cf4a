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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tracesketch/tracesketch/eventstore"
)

// Chip is a structured fragment of a filter: a semantic building
// block the UI renders as a removable token.
type Chip struct {
	// Type is one of term, datetime_range, datetime_interval, label.
	Type  string `json:"type"`
	Field string `json:"field,omitempty"`
	Value string `json:"value"`

	// Operator is must, must_not, or should; empty means must.
	Operator string `json:"operator,omitempty"`

	// Inactive chips stay in the saved filter but don't apply.
	Active bool `json:"active"`
}

// EventRef points at one document for exact-event fetches and
// annotation targets.
type EventRef struct {
	IndexName  string `json:"_index"`
	DocumentID string `json:"_id"`
}

// IndexSentinelAll selects every ready timeline of the sketch.
const IndexSentinelAll = "_all"

// Filter is the structured query filter accompanying a query string.
// Indices entries may be timeline ids (numbers), timeline names,
// backend index names, or the _all sentinel.
type Filter struct {
	From           int        `json:"from,omitempty"`
	Size           int        `json:"size,omitempty"`
	TerminateAfter int        `json:"terminate_after,omitempty"`
	Order          string     `json:"order,omitempty"`
	Indices        []any      `json:"indices,omitempty"`
	Chips          []Chip     `json:"chips,omitempty"`
	Events         []EventRef `json:"events,omitempty"`
}

// ExploreRequest is a high-level sketch query: free text, structured
// chips, raw DSL, or a saved view reference, plus result shaping.
type ExploreRequest struct {
	Query        string          `json:"query,omitempty"`
	Filter       Filter          `json:"filter,omitempty"`
	DSL          json.RawMessage `json:"dsl,omitempty"`
	ViewID       int64           `json:"view_id,omitempty"`
	Fields       []string        `json:"fields,omitempty"`
	EnableScroll bool            `json:"enable_scroll,omitempty"`
	Aggregations json.RawMessage `json:"aggregations,omitempty"`
}

// compiledQuery is a backend-ready search: the body, the concrete
// index set, and the timeline ids the isolation rewrite allowed.
type compiledQuery struct {
	body        map[string]any
	indices     []string
	timelineIDs []int64
	callerSort  bool // caller-supplied DSL carried its own sort
}

// compileExplore resolves a request (including its saved-view
// reference and index selection) into a compiled query. An empty
// resolved index set is reported as such so the executor can return an
// empty result without touching the backend.
func (s *Service) compileExplore(ctx context.Context, user *User, sketchID int64, req *ExploreRequest) (*compiledQuery, error) {
	if req.ViewID != 0 {
		view, err := s.View(ctx, user, sketchID, req.ViewID)
		if err != nil {
			return nil, err
		}
		req.Query = view.QueryString
		req.DSL = view.QueryDSL
		if len(view.QueryFilter) > 0 {
			var f Filter
			if err := json.Unmarshal(view.QueryFilter, &f); err != nil {
				return nil, fmt.Errorf("%w: saved view filter: %v", ErrInvalid, err)
			}
			req.Filter = f
		}
	}

	ready, err := s.readyTimelinesForSketch(ctx, sketchID)
	if err != nil {
		return nil, err
	}
	indices, timelineIDs, err := resolveIndices(req.Filter.Indices, ready)
	if err != nil {
		return nil, err
	}

	body, callerSort, err := buildQueryBody(req, sketchID, timelineIDs)
	if err != nil {
		return nil, err
	}
	return &compiledQuery{
		body:        body,
		indices:     indices,
		timelineIDs: timelineIDs,
		callerSort:  callerSort,
	}, nil
}

// resolveIndices maps the filter's index selection to concrete backend
// index names and the set of allowed timeline ids, intersected with
// the sketch's ready timelines. A selection naming a timeline that is
// not in the sketch is Forbidden, not silently dropped.
func resolveIndices(selection []any, ready []*Timeline) (indices []string, timelineIDs []int64, err error) {
	byID := make(map[int64]*Timeline, len(ready))
	byName := make(map[string]*Timeline, len(ready))
	byIndex := make(map[string]*Timeline, len(ready))
	for _, tl := range ready {
		byID[tl.ID] = tl
		byName[tl.Name] = tl
		byIndex[tl.IndexName] = tl
	}

	all := len(selection) == 0
	for _, entry := range selection {
		if str, ok := entry.(string); ok && str == IndexSentinelAll {
			all = true
			break
		}
	}
	if all {
		for _, tl := range ready {
			indices = appendUnique(indices, tl.IndexName)
			timelineIDs = append(timelineIDs, tl.ID)
		}
		return indices, timelineIDs, nil
	}

	for _, entry := range selection {
		var tl *Timeline
		switch v := entry.(type) {
		case float64: // JSON numbers decode as float64
			tl = byID[int64(v)]
		case int64:
			tl = byID[v]
		case int:
			tl = byID[int64(v)]
		case string:
			if id, convErr := strconv.ParseInt(v, 10, 64); convErr == nil {
				tl = byID[id]
			}
			if tl == nil {
				tl = byName[v]
			}
			if tl == nil {
				tl = byIndex[v]
			}
		default:
			return nil, nil, fmt.Errorf("%w: unsupported index selector %v", ErrInvalid, entry)
		}
		if tl == nil {
			return nil, nil, fmt.Errorf("timeline selector %v is not part of this sketch: %w", entry, ErrForbidden)
		}
		indices = appendUnique(indices, tl.IndexName)
		timelineIDs = append(timelineIDs, tl.ID)
	}
	return indices, timelineIDs, nil
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// chipMetachars are query-syntax characters. A term chip whose value
// consists only of these compiles to an exact keyword term instead of
// a phrase match, since the analyzer would strip them away.
const chipMetachars = " \t\n\r.+-=_&|><!(){}[]^\"~?:\\/"

// buildQueryBody compiles the request into a search body. When a raw
// DSL is supplied it is used as the query and only the
// timeline-isolation rewrite is applied around it; otherwise a boolean
// tree is assembled from the query string and the chips.
func buildQueryBody(req *ExploreRequest, sketchID int64, timelineIDs []int64) (map[string]any, bool, error) {
	if len(req.DSL) > 0 {
		var dsl map[string]any
		if err := json.Unmarshal(req.DSL, &dsl); err != nil {
			return nil, false, fmt.Errorf("%w: unparseable query DSL: %v", ErrInvalid, err)
		}
		query, ok := dsl["query"].(map[string]any)
		if !ok {
			query = dsl
		}
		_, callerSort := dsl["sort"]
		body := map[string]any{
			"query": applyTimelineIsolation(query, timelineIDs),
		}
		if callerSort {
			body["sort"] = dsl["sort"]
		}
		return body, callerSort, nil
	}

	var must, mustNot, should, filter []any

	if q := strings.TrimSpace(req.Query); q != "" {
		must = append(must, map[string]any{
			"query_string": map[string]any{"query": q, "default_operator": "AND"},
		})
	}

	var datetimeRanges []any
	for _, chip := range req.Filter.Chips {
		if !chip.Active {
			continue
		}
		switch chip.Type {
		case "term":
			clause, err := termChipClause(chip)
			if err != nil {
				return nil, false, err
			}
			switch chip.Operator {
			case "must_not":
				mustNot = append(mustNot, clause)
			case "should":
				should = append(should, clause)
			default:
				must = append(must, clause)
			}
		case "label":
			clause := labelChipClause(chip.Value, sketchID)
			switch chip.Operator {
			case "must_not":
				mustNot = append(mustNot, clause)
			case "should":
				should = append(should, clause)
			default:
				filter = append(filter, clause)
			}
		case "datetime_range":
			r, err := datetimeRangeClause(chip.Value)
			if err != nil {
				return nil, false, err
			}
			datetimeRanges = append(datetimeRanges, r)
		case "datetime_interval":
			r, err := datetimeIntervalClause(chip.Value)
			if err != nil {
				return nil, false, err
			}
			datetimeRanges = append(datetimeRanges, r)
		default:
			return nil, false, fmt.Errorf("%w: unknown chip type %q", ErrInvalid, chip.Type)
		}
	}

	// datetime chips of the same request are OR'd together, then
	// AND'd into the outer query
	if len(datetimeRanges) > 0 {
		filter = append(filter, map[string]any{
			"bool": map[string]any{
				"should":               datetimeRanges,
				"minimum_should_match": 1,
			},
		})
	}

	boolQuery := map[string]any{}
	if len(must) > 0 {
		boolQuery["must"] = must
	}
	if len(mustNot) > 0 {
		boolQuery["must_not"] = mustNot
	}
	if len(should) > 0 {
		boolQuery["should"] = should
		boolQuery["minimum_should_match"] = 1
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}

	var query map[string]any
	if len(boolQuery) == 0 {
		query = map[string]any{"match_all": map[string]any{}}
	} else {
		query = map[string]any{"bool": boolQuery}
	}

	body := map[string]any{
		"query": applyTimelineIsolation(query, timelineIDs),
	}
	return body, false, nil
}

// applyTimelineIsolation rewrites query as the disjunction of two
// branches: documents that lack __ts_timeline_id entirely (legacy
// one-timeline-per-index), and documents whose timeline id is in the
// allowed set. This is the sole mechanism preventing cross-timeline
// leakage in indices shared by timelines of different sketches.
func applyTimelineIsolation(query map[string]any, timelineIDs []int64) map[string]any {
	if len(timelineIDs) == 0 {
		return query
	}
	legacyBranch := map[string]any{
		"bool": map[string]any{
			"must": []any{query},
			"must_not": []any{
				map[string]any{"exists": map[string]any{"field": eventstore.FieldTimelineID}},
			},
		},
	}
	scopedBranch := map[string]any{
		"bool": map[string]any{
			"must": []any{
				query,
				map[string]any{"terms": map[string]any{eventstore.FieldTimelineID: timelineIDs}},
			},
		},
	}
	return map[string]any{
		"bool": map[string]any{
			"should":               []any{legacyBranch, scopedBranch},
			"minimum_should_match": 1,
		},
	}
}

func termChipClause(chip Chip) (map[string]any, error) {
	if chip.Field == "" {
		return nil, fmt.Errorf("%w: term chip requires a field", ErrInvalid)
	}
	// a value that is only syntax characters would be analyzed away;
	// match it verbatim against the keyword sub-field instead
	if chip.Value != "" && strings.Trim(chip.Value, chipMetachars) == "" {
		return map[string]any{
			"term": map[string]any{chip.Field + ".keyword": chip.Value},
		}, nil
	}
	return map[string]any{
		"match_phrase": map[string]any{
			chip.Field: map[string]any{"query": chip.Value},
		},
	}, nil
}

// labelChipClause compiles a label chip into a nested query over
// timesketch_label. The sketch_id term is mandatory: labels are never
// cross-sketch.
func labelChipClause(label string, sketchID int64) map[string]any {
	return map[string]any{
		"nested": map[string]any{
			"path": eventstore.FieldLabel,
			"query": map[string]any{
				"bool": map[string]any{
					"must": []any{
						map[string]any{"term": map[string]any{eventstore.FieldLabel + ".name.keyword": label}},
						map[string]any{"term": map[string]any{eventstore.FieldLabel + ".sketch_id": sketchID}},
					},
				},
			},
		},
	}
}

// chipTimeLayouts are accepted datetime formats, most specific first.
var chipTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseChipTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range chipTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable datetime %q", ErrInvalid, s)
}

// datetimeRangeClause parses "start,end" into an inclusive range on
// the datetime field.
func datetimeRangeClause(value string) (map[string]any, error) {
	startStr, endStr, found := strings.Cut(value, ",")
	if !found {
		return nil, fmt.Errorf("%w: datetime_range chip wants \"start,end\", got %q", ErrInvalid, value)
	}
	start, err := parseChipTime(startStr)
	if err != nil {
		return nil, err
	}
	end, err := parseChipTime(endStr)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: datetime_range end precedes start", ErrInvalid)
	}
	return rangeClause(start, end), nil
}

// datetimeIntervalClause parses "T -n{unit} +n{unit}", a centered
// window around T, into the equivalent datetime_range.
func datetimeIntervalClause(value string) (map[string]any, error) {
	fields := strings.Fields(value)
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: datetime_interval chip wants \"time -before +after\", got %q", ErrInvalid, value)
	}
	center, err := parseChipTime(fields[0])
	if err != nil {
		return nil, err
	}
	before, err := parseIntervalOffset(fields[1], "-")
	if err != nil {
		return nil, err
	}
	after, err := parseIntervalOffset(fields[2], "+")
	if err != nil {
		return nil, err
	}
	return rangeClause(center.Add(-before), center.Add(after)), nil
}

func parseIntervalOffset(s, sign string) (time.Duration, error) {
	if !strings.HasPrefix(s, sign) || len(s) < 3 {
		return 0, fmt.Errorf("%w: bad interval offset %q", ErrInvalid, s)
	}
	n, err := strconv.Atoi(s[1 : len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("%w: bad interval offset %q", ErrInvalid, s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: bad interval unit in %q", ErrInvalid, s)
	}
	return time.Duration(n) * unit, nil
}

func rangeClause(start, end time.Time) map[string]any {
	return map[string]any{
		"range": map[string]any{
			eventstore.FieldDatetime: map[string]any{
				"gte": start.UTC().Format(time.RFC3339),
				"lte": end.UTC().Format(time.RFC3339),
			},
		},
	}
}

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

package eventstore

import "encoding/json"

// Well-known document fields. The double-underscore fields are
// server-internal and never come from ingested data.
const (
	// FieldLabel is the nested label document, the authoritative
	// source for label-based search queries. Each entry is
	// {name, sketch_id, user_id}.
	FieldLabel = "timesketch_label"

	// FieldTimelineID ties a document to the timeline it was
	// ingested under. Documents in legacy one-timeline indices may
	// lack it; see the timeline-isolation rewrite in the compiler.
	FieldTimelineID = "__ts_timeline_id"

	// FieldTag is the flat, unscoped tag array on a document.
	FieldTag = "tag"

	// FieldDatetime is the primary sort and range field.
	FieldDatetime = "datetime"
)

// Hit is one normalized search result.
type Hit struct {
	Index  string         `json:"_index"`
	Type   string         `json:"_type,omitempty"`
	ID     string         `json:"_id"`
	Score  *float64       `json:"_score,omitempty"`
	Source map[string]any `json:"_source"`
	Sort   []any          `json:"sort,omitempty"`
}

// SearchResponse is the decoded engine response common to search and
// scroll calls.
type SearchResponse struct {
	Took     int    `json:"took"`
	TimedOut bool   `json:"timed_out"`
	ScrollID string `json:"_scroll_id,omitempty"`
	Hits     struct {
		Total struct {
			Value    int64  `json:"value"`
			Relation string `json:"relation"`
		} `json:"total"`
		MaxScore *float64 `json:"max_score"`
		Hits     []Hit    `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations,omitempty"`
}

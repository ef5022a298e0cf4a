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
	"encoding/json"
	"time"
)

// Permission is what the ACL grants on a sketch. Granting write or
// delete does not imply read; callers grant explicitly.
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermDelete Permission = "delete"
)

// Status values shared by sketches, timelines and search indices.
// Transitions are driven by the archive controller and the ingest
// path; see the lifecycle notes on each entity.
const (
	StatusNew        = "new"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusArchived   = "archived"
	StatusFail       = "fail"
	StatusDeleted    = "deleted"
)

// User is an account known to the server. Group memberships and the
// admin flag feed permission checks.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
}

// Group is a named set of users. A group with no owning user is
// public: any user may be added to it.
type Group struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	UserID *int64 `json:"user_id,omitempty"`
}

// Sketch is the container for timelines and every collaboration
// artifact (views, stories, annotations). All child operations
// traverse the sketch so access control is enforced in one place.
//
// Lifecycle: created new, promoted ready on first timeline attach,
// archived (reversible), deleted (terminal, soft).
type Sketch struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	UserID      int64     `json:"user_id"`
	Status      string    `json:"status"`
	Labels      []string  `json:"labels,omitempty"`
	Created     time.Time `json:"created_at"`
	Updated     time.Time `json:"updated_at"`

	// filled on detail requests
	Timelines []*Timeline `json:"timelines,omitempty"`
}

// SearchIndex is a backing event-store index. Multiple timelines may
// share one; archival of the index is gated on all of them being
// archived.
type SearchIndex struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	IndexName   string    `json:"index_name"` // opaque backend identifier, usually a UUID
	Description string    `json:"description,omitempty"`
	UserID      int64     `json:"user_id"`
	Status      string    `json:"status"`
	Created     time.Time `json:"created_at"`
}

// Timeline is a logical set of events inside a sketch, 1:1 with a
// backing search index name. Only timelines in status ready are part
// of the default index set of a query.
type Timeline struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Color         string    `json:"color,omitempty"`
	SketchID      int64     `json:"sketch_id"`
	SearchIndexID int64     `json:"searchindex_id"`
	IndexName     string    `json:"index_name"`
	Status        string    `json:"status"`
	Created       time.Time `json:"created_at"`
	Updated       time.Time `json:"updated_at"`
}

// View is a saved search: a named (query, filter, DSL) bundle. A view
// with an empty name is the per-user last-activity marker; at most one
// exists per (user, sketch).
type View struct {
	ID             int64           `json:"id"`
	SketchID       int64           `json:"sketch_id"`
	UserID         int64           `json:"user_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	QueryString    string          `json:"query_string,omitempty"`
	QueryFilter    json.RawMessage `json:"query_filter,omitempty"`
	QueryDSL       json.RawMessage `json:"query_dsl,omitempty"`
	TemplateID     *int64          `json:"searchtemplate_id,omitempty"`
	Created        time.Time       `json:"created_at"`
	Updated        time.Time       `json:"updated_at"`
}

// SearchTemplate exists independently of any sketch; a view may be
// instantiated from one. The query string may contain text-template
// placeholders rendered at instantiation time.
type SearchTemplate struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	QueryString string          `json:"query_string,omitempty"`
	QueryFilter json.RawMessage `json:"query_filter,omitempty"`
	QueryDSL    json.RawMessage `json:"query_dsl,omitempty"`
}

// Event is the relational shadow of an event-store document. It exists
// only once the event has accumulated annotations and is the join key
// for comments and labels. The event store remains the source of truth
// for the document body.
type Event struct {
	ID            int64  `json:"id"`
	SketchID      int64  `json:"sketch_id"`
	SearchIndexID int64  `json:"searchindex_id"`
	DocumentID    string `json:"document_id"`
}

// Comment is a textual annotation on an event. Append-only.
type Comment struct {
	ID       int64     `json:"id"`
	EventID  int64     `json:"event_id"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	Body     string    `json:"comment"`
	Created  time.Time `json:"created_at"`
	Updated  time.Time `json:"updated_at"`
}

// Label is the relational copy of an event label, authoritative for
// user attribution and auditing. The event store's nested
// timesketch_label field is authoritative for search. Unique per
// (event, name); events are already sketch-scoped.
type Label struct {
	ID      int64     `json:"id"`
	EventID int64     `json:"event_id"`
	UserID  int64     `json:"user_id"`
	Name    string    `json:"name"`
	Created time.Time `json:"created_at"`
}

// Reserved label names used by the UI. They ride the same nested label
// machinery as user labels.
const (
	LabelStar    = "__ts_star"
	LabelHidden  = "__ts_hidden"
	LabelComment = "__ts_comment"
)

// Attribute is one entry of a sketch's typed attribute bag. Ontology
// selects the cast applied when values are read back.
type Attribute struct {
	ID       int64    `json:"id"`
	SketchID int64    `json:"sketch_id"`
	Name     string   `json:"name"`
	Ontology string   `json:"ontology"` // text, int, bool, list
	Values   []string `json:"values"`
}

// Story is an ordered list of typed blocks (text, saved-view
// reference, aggregation reference) attached to a sketch.
type Story struct {
	ID       int64           `json:"id"`
	SketchID int64           `json:"sketch_id"`
	UserID   int64           `json:"user_id"`
	Title    string          `json:"title"`
	Content  json.RawMessage `json:"content"`
	Created  time.Time       `json:"created_at"`
	Updated  time.Time       `json:"updated_at"`
}

// Aggregation is a parameterized, named analytical query persisted on
// a sketch.
type Aggregation struct {
	ID          int64           `json:"id"`
	SketchID    int64           `json:"sketch_id"`
	UserID      int64           `json:"user_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	AggType     string          `json:"agg_type"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	ChartType   string          `json:"chart_type,omitempty"`
	Created     time.Time       `json:"created_at"`
}

// AggregationGroup binds multiple aggregations under one orientation
// (layered, vertical, horizontal).
type AggregationGroup struct {
	ID             int64   `json:"id"`
	SketchID       int64   `json:"sketch_id"`
	UserID         int64   `json:"user_id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	Orientation    string  `json:"orientation"`
	AggregationIDs []int64 `json:"aggregation_ids,omitempty"`
}

// Analysis status values.
const (
	AnalysisPending = "PENDING"
	AnalysisStarted = "STARTED"
	AnalysisDone    = "DONE"
	AnalysisError   = "ERROR"
)

// AnalysisSession groups analyzer runs triggered together.
type AnalysisSession struct {
	ID       int64     `json:"id"`
	SketchID int64     `json:"sketch_id"`
	UserID   int64     `json:"user_id"`
	Created  time.Time `json:"created_at"`
}

// Analysis tracks one long-running analyzer run against a timeline.
type Analysis struct {
	ID         int64           `json:"id"`
	SessionID  int64           `json:"session_id"`
	TimelineID int64           `json:"timeline_id"`
	Analyzer   string          `json:"analyzer_name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Status     string          `json:"status"`
	Result     string          `json:"result,omitempty"`
	Created    time.Time       `json:"created_at"`
	Updated    time.Time       `json:"updated_at"`
}

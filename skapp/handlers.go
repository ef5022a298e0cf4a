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

package skapp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/tracesketch/tracesketch/sketch"
)

// remoteUser resolves the authenticated identity. Authentication is
// delegated to a fronting proxy that sets X-Remote-User; an absent or
// unknown identity is a 401.
func (s *server) remoteUser(r *http.Request) (*sketch.User, error) {
	username := r.Header.Get("X-Remote-User")
	if username == "" {
		return nil, Error{
			Err:        fmt.Errorf("no identity on request"),
			HTTPStatus: http.StatusUnauthorized,
			Log:        "missing X-Remote-User header",
			Message:    "Authentication required.",
		}
	}
	user, err := s.app.service.UserByName(r.Context(), username)
	if err != nil {
		return nil, Error{
			Err:        err,
			HTTPStatus: http.StatusUnauthorized,
			Log:        "unknown identity",
			Message:    "Authentication required.",
		}
	}
	return user, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, Error{
			Err:        fmt.Errorf("bad %s: %q", name, r.PathValue(name)),
			HTTPStatus: http.StatusBadRequest,
			Message:    "Malformed identifier in URL.",
		}
	}
	return id, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return Error{
			Err:        err,
			HTTPStatus: http.StatusBadRequest,
			Log:        "decoding request payload",
			Message:    "Malformed JSON payload.",
		}
	}
	return nil
}

func jsonResponse(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

/*
	Identity administration
*/

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) error {
	caller, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	if !caller.Admin {
		return fmt.Errorf("only admins can create users: %w", sketch.ErrForbidden)
	}
	var payload struct {
		Username string `json:"username"`
		Name     string `json:"name"`
		Admin    bool   `json:"admin"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	user, err := s.app.service.CreateUser(r.Context(), payload.Username, payload.Name, payload.Admin)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusCreated, user)
}

func (s *server) handleCreateGroup(w http.ResponseWriter, r *http.Request) error {
	caller, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	group, err := s.app.service.CreateGroup(r.Context(), payload.Name, &caller.ID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusCreated, group)
}

func (s *server) handleAddGroupMember(w http.ResponseWriter, r *http.Request) error {
	if _, err := s.remoteUser(r); err != nil {
		return err
	}
	groupID, err := pathID(r, "gid")
	if err != nil {
		return err
	}
	var payload struct {
		UserID int64 `json:"user_id"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	if err := s.app.service.AddGroupMember(r.Context(), groupID, payload.UserID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

/*
	Sketches
*/

func (s *server) handleListSketches(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketches, err := s.app.service.ListSketches(r.Context(), user)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"objects": sketches})
}

func (s *server) handleCreateSketch(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	var payload struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	sk, err := s.app.service.CreateSketch(r.Context(), user, payload.Name, payload.Description)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusCreated, sk)
}

func (s *server) handleGetSketch(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	sk, err := s.app.service.Sketch(r.Context(), user, sketchID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, sk)
}

func (s *server) handleUpdateSketch(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var payload struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Labels      []string `json:"labels"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	if err := s.app.service.UpdateSketch(r.Context(), user, sketchID, payload.Name, payload.Description); err != nil {
		return err
	}
	for _, label := range payload.Labels {
		if err := s.app.service.AddSketchLabel(r.Context(), user, sketchID, label); err != nil {
			return err
		}
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) handleDeleteSketch(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	if err := s.app.service.DeleteSketch(r.Context(), user, sketchID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) handleSketchStats(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	stats, err := s.app.service.TimelineStats(r.Context(), user, sketchID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, stats)
}

func (s *server) handleArchiveAction(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var payload struct {
		Action string `json:"action"` // archive, unarchive, export
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}

	switch payload.Action {
	case "archive":
		if err := s.app.service.ArchiveSketch(r.Context(), user, sketchID); err != nil {
			return err
		}
	case "unarchive":
		if err := s.app.service.UnarchiveSketch(r.Context(), user, sketchID); err != nil {
			return err
		}
	case "export":
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=sketch-%d-export.zip", sketchID))
		return s.app.service.ExportSketch(r.Context(), user, sketchID, w)
	default:
		return fmt.Errorf("unknown archive action %q: %w", payload.Action, sketch.ErrInvalid)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) handleCollaborators(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var payload struct {
		Grant      bool             `json:"grant"` // false revokes
		Principal  sketch.Principal `json:"principal"`
		Permission string           `json:"permission"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	perm := sketch.Permission(payload.Permission)
	if payload.Grant {
		err = s.app.service.Grant(r.Context(), user, sketchID, payload.Principal, perm)
	} else {
		err = s.app.service.Revoke(r.Context(), user, sketchID, payload.Principal, perm)
	}
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

/*
	Query surface
*/

func (s *server) handleExplore(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req sketch.ExploreRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	resp, err := s.app.service.Explore(r.Context(), user, sketchID, &req)
	if err != nil {
		return err
	}
	// remember the query for the "continue where you left off" UI
	if err := s.app.service.RecordActivity(r.Context(), user, sketchID, req.Query, nil, req.DSL); err != nil {
		s.log.Warn("recording explore activity failed")
	}
	return jsonResponse(w, http.StatusOK, resp)
}

func (s *server) handleCount(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req sketch.ExploreRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	count, err := s.app.service.CountEvents(r.Context(), user, sketchID, &req)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"count": count})
}

func (s *server) handleExportStream(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req sketch.ExploreRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	return s.app.service.StreamExport(r.Context(), user, sketchID, &req, w)
}

func (s *server) handleAggregationExplore(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var payload struct {
		AggType    string          `json:"aggregator_name"`
		Parameters json.RawMessage `json:"aggregator_parameters"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	result, err := s.app.service.RunAdhocAggregation(r.Context(), user, sketchID, payload.AggType, payload.Parameters)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"objects": result})
}

func (s *server) handleReconcileLabels(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	tallies, err := s.app.service.ReconcileLabels(r.Context(), user, sketchID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"objects": tallies})
}

/*
	Events and annotations
*/

func (s *server) handleGetEvent(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	ref := sketch.EventRef{
		IndexName:  r.URL.Query().Get("searchindex_id"),
		DocumentID: r.URL.Query().Get("event_id"),
	}
	detail, err := s.app.service.EventWithComments(r.Context(), user, sketchID, ref)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, detail)
}

func (s *server) handleAnnotate(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var payload struct {
		AnnotationType string            `json:"annotation_type"` // comment or label
		Events         []sketch.EventRef `json:"events"`
		Comment        string            `json:"annotation,omitempty"`
		Label          string            `json:"label,omitempty"`
		Remove         bool              `json:"remove,omitempty"`
		Toggle         bool              `json:"toggle,omitempty"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}

	switch payload.AnnotationType {
	case "comment":
		if len(payload.Events) != 1 {
			return fmt.Errorf("comments apply to exactly one event: %w", sketch.ErrInvalid)
		}
		comment, err := s.app.service.CommentEvent(r.Context(), user, sketchID, payload.Events[0], payload.Comment)
		if err != nil {
			return err
		}
		return jsonResponse(w, http.StatusCreated, comment)
	case "label":
		result, err := s.app.service.LabelEvents(r.Context(), user, sketchID, sketch.LabelEventsParams{
			Events: payload.Events,
			Label:  payload.Label,
			Remove: payload.Remove,
			Toggle: payload.Toggle,
		})
		if err != nil {
			return err
		}
		status := http.StatusOK
		if len(result.Errors) > 0 {
			status = http.StatusMultiStatus
		}
		return jsonResponse(w, status, result)
	default:
		return fmt.Errorf("unknown annotation type %q: %w", payload.AnnotationType, sketch.ErrInvalid)
	}
}

func (s *server) handleTagging(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var payload struct {
		Events []sketch.EventRef `json:"events"`
		Tags   []string          `json:"tag_string_list"`
		Remove bool              `json:"remove,omitempty"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	var result *sketch.TagResult
	if payload.Remove {
		result, err = s.app.service.UntagEvents(r.Context(), user, sketchID, payload.Events, payload.Tags)
	} else {
		result, err = s.app.service.TagEvents(r.Context(), user, sketchID, payload.Events, payload.Tags)
	}
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, result)
}

/*
	Saved views
*/

func (s *server) handleListViews(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	views, err := s.app.service.ListViews(r.Context(), user, sketchID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"objects": views})
}

func (s *server) handleSaveView(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var params sketch.SaveViewParams
	if err := decodeJSON(r, &params); err != nil {
		return err
	}
	view, err := s.app.service.SaveView(r.Context(), user, sketchID, 0, params)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusCreated, view)
}

func (s *server) handleGetView(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	viewID, err := pathID(r, "vid")
	if err != nil {
		return err
	}
	view, err := s.app.service.View(r.Context(), user, sketchID, viewID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, view)
}

func (s *server) handleUpdateView(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	viewID, err := pathID(r, "vid")
	if err != nil {
		return err
	}
	var params sketch.SaveViewParams
	if err := decodeJSON(r, &params); err != nil {
		return err
	}
	view, err := s.app.service.SaveView(r.Context(), user, sketchID, viewID, params)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, view)
}

func (s *server) handleDeleteView(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	viewID, err := pathID(r, "vid")
	if err != nil {
		return err
	}
	if err := s.app.service.DeleteView(r.Context(), user, sketchID, viewID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

/*
	Timelines
*/

func (s *server) handleAttachTimeline(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var params sketch.AttachTimelineParams
	if err := decodeJSON(r, &params); err != nil {
		return err
	}
	tl, err := s.app.service.AttachTimeline(r.Context(), user, sketchID, params)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusCreated, tl)
}

func (s *server) handleDeleteTimeline(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	timelineID, err := pathID(r, "tid")
	if err != nil {
		return err
	}
	if err := s.app.service.DeleteTimeline(r.Context(), user, sketchID, timelineID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) handleIngestEvents(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	timelineID, err := pathID(r, "tid")
	if err != nil {
		return err
	}
	var payload struct {
		Events []sketch.IngestEvent `json:"events"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	result, err := s.app.service.IngestEvents(r.Context(), user, sketchID, timelineID, payload.Events)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if result != nil && result.Errored > 0 {
		status = http.StatusMultiStatus
	}
	return jsonResponse(w, status, result)
}

func (s *server) handleListAnalyses(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	timelineID, err := pathID(r, "tid")
	if err != nil {
		return err
	}
	analyses, err := s.app.service.ListAnalyses(r.Context(), user, sketchID, timelineID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"objects": analyses})
}

/*
	Analysis
*/

func (s *server) handleStartAnalysis(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var payload struct {
		TimelineIDs []int64         `json:"timeline_ids"`
		Analyzers   []string        `json:"analyzer_names"`
		Parameters  json.RawMessage `json:"analyzer_parameters,omitempty"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	session, err := s.app.service.StartAnalysis(r.Context(), user, sketchID, payload.TimelineIDs, payload.Analyzers, payload.Parameters)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusCreated, session)
}

func (s *server) handleSessionAnalyses(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	sessionID, err := pathID(r, "sid")
	if err != nil {
		return err
	}
	analyses, err := s.app.service.SessionAnalyses(r.Context(), user, sketchID, sessionID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"objects": analyses})
}

/*
	Stories
*/

func (s *server) handleListStories(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	stories, err := s.app.service.ListStories(r.Context(), user, sketchID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"objects": stories})
}

func (s *server) handleCreateStory(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var payload struct {
		Title   string          `json:"title"`
		Content json.RawMessage `json:"content"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	story, err := s.app.service.CreateStory(r.Context(), user, sketchID, payload.Title, payload.Content)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusCreated, story)
}

func (s *server) handleGetStory(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	storyID, err := pathID(r, "sid")
	if err != nil {
		return err
	}
	story, err := s.app.service.Story(r.Context(), user, sketchID, storyID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, story)
}

func (s *server) handleUpdateStory(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	storyID, err := pathID(r, "sid")
	if err != nil {
		return err
	}
	var payload struct {
		Title   string          `json:"title"`
		Content json.RawMessage `json:"content"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	if err := s.app.service.UpdateStory(r.Context(), user, sketchID, storyID, payload.Title, payload.Content); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) handleDeleteStory(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	storyID, err := pathID(r, "sid")
	if err != nil {
		return err
	}
	if err := s.app.service.DeleteStory(r.Context(), user, sketchID, storyID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

/*
	Attributes
*/

func (s *server) handleGetAttributes(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	attrs, err := s.app.service.Attributes(r.Context(), user, sketchID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, attrs)
}

func (s *server) handleSetAttribute(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var payload struct {
		Name     string   `json:"name"`
		Ontology string   `json:"ontology"`
		Values   []string `json:"values"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	if err := s.app.service.SetAttribute(r.Context(), user, sketchID, payload.Name, payload.Ontology, payload.Values); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) handleDeleteAttribute(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		return err
	}
	if err := s.app.service.DeleteAttribute(r.Context(), user, sketchID, payload.Name); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

/*
	Stored aggregations
*/

func (s *server) handleListAggregations(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	aggs, err := s.app.service.ListAggregations(r.Context(), user, sketchID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"objects": aggs})
}

func (s *server) handleSaveAggregation(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var agg sketch.Aggregation
	if err := decodeJSON(r, &agg); err != nil {
		return err
	}
	saved, err := s.app.service.SaveAggregation(r.Context(), user, sketchID, &agg)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusCreated, saved)
}

func (s *server) handleRunAggregation(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	aggID, err := pathID(r, "aid")
	if err != nil {
		return err
	}
	result, err := s.app.service.RunAggregation(r.Context(), user, sketchID, aggID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"objects": result})
}

func (s *server) handleDeleteAggregation(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	aggID, err := pathID(r, "aid")
	if err != nil {
		return err
	}
	if err := s.app.service.DeleteAggregation(r.Context(), user, sketchID, aggID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *server) handleListAggregationGroups(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	groups, err := s.app.service.ListAggregationGroups(r.Context(), user, sketchID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"objects": groups})
}

func (s *server) handleSaveAggregationGroup(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var group sketch.AggregationGroup
	if err := decodeJSON(r, &group); err != nil {
		return err
	}
	saved, err := s.app.service.SaveAggregationGroup(r.Context(), user, sketchID, &group)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusCreated, saved)
}

func (s *server) handleDeleteAggregationGroup(w http.ResponseWriter, r *http.Request) error {
	user, err := s.remoteUser(r)
	if err != nil {
		return err
	}
	sketchID, err := pathID(r, "id")
	if err != nil {
		return err
	}
	groupID, err := pathID(r, "gid")
	if err != nil {
		return err
	}
	if err := s.app.service.DeleteAggregationGroup(r.Context(), user, sketchID, groupID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

/*
	Search templates
*/

func (s *server) handleListSearchTemplates(w http.ResponseWriter, r *http.Request) error {
	if _, err := s.remoteUser(r); err != nil {
		return err
	}
	templates, err := s.app.service.ListSearchTemplates(r.Context())
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, map[string]any{"objects": templates})
}

func (s *server) handleCreateSearchTemplate(w http.ResponseWriter, r *http.Request) error {
	if _, err := s.remoteUser(r); err != nil {
		return err
	}
	var tmpl sketch.SearchTemplate
	if err := decodeJSON(r, &tmpl); err != nil {
		return err
	}
	created, err := s.app.service.CreateSearchTemplate(r.Context(), &tmpl)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusCreated, created)
}

func (s *server) handleGetSearchTemplate(w http.ResponseWriter, r *http.Request) error {
	if _, err := s.remoteUser(r); err != nil {
		return err
	}
	templateID, err := pathID(r, "tid")
	if err != nil {
		return err
	}
	tmpl, err := s.app.service.SearchTemplate(r.Context(), templateID)
	if err != nil {
		return err
	}
	return jsonResponse(w, http.StatusOK, tmpl)
}

func (s *server) handleDeleteSearchTemplate(w http.ResponseWriter, r *http.Request) error {
	if _, err := s.remoteUser(r); err != nil {
		return err
	}
	templateID, err := pathID(r, "tid")
	if err != nil {
		return err
	}
	if err := s.app.service.DeleteSearchTemplate(r.Context(), templateID); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

/*
	Live log tail
*/

var logUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) error {
	if _, err := s.remoteUser(r); err != nil {
		return err
	}
	conn, err := logUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return Error{
			Err:        err,
			HTTPStatus: http.StatusBadRequest,
			Log:        "upgrading log connection",
		}
	}
	sketch.AddLogConn(conn)

	// drain control frames until the client goes away
	go func() {
		defer sketch.RemoveLogConn(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}

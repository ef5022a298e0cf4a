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
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLabelEventsValidation(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl := mustReadyTimeline(t, s, owner, sk.ID, "laptop")
	ref := EventRef{IndexName: tl.IndexName, DocumentID: "e1"}

	for i, params := range []LabelEventsParams{
		{Events: []EventRef{ref}},                                          // no label
		{Label: "x"},                                                       // no events
		{Events: []EventRef{ref}, Label: "custom", Toggle: true},           // toggle on a non-togglable label
		{Events: []EventRef{ref}, Label: LabelStar, Toggle: true, Remove: true}, // toggle and remove together
	} {
		_, err := s.LabelEvents(ctx, owner, sk.ID, params)
		require.ErrorIs(t, err, ErrInvalid, "case %d", i)
	}
}

func TestLabelEventsAddAndRemove(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl := mustReadyTimeline(t, s, owner, sk.ID, "laptop")
	ref := EventRef{IndexName: tl.IndexName, DocumentID: "e1"}

	res, err := s.LabelEvents(ctx, owner, sk.ID, LabelEventsParams{
		Events: []EventRef{ref},
		Label:  "suspicious",
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.EventsUpdated)
	require.Empty(t, res.Errors)

	// the document update runs the label script with remove=false
	updates := engine.callsTo("/_update/")
	require.Len(t, updates, 1)
	var payload struct {
		Script struct {
			Params map[string]any `json:"params"`
		} `json:"script"`
	}
	require.NoError(t, json.Unmarshal(updates[0].Body, &payload))
	require.Equal(t, false, payload.Script.Params["remove"])
	label := payload.Script.Params["timesketch_label"].(map[string]any)
	require.Equal(t, "suspicious", label["name"])
	require.EqualValues(t, sk.ID, label["sketch_id"])

	res, err = s.LabelEvents(ctx, owner, sk.ID, LabelEventsParams{
		Events: []EventRef{ref},
		Label:  "suspicious",
		Remove: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.EventsUpdated)

	updates = engine.callsTo("/_update/")
	require.Len(t, updates, 2)
	require.NoError(t, json.Unmarshal(updates[1].Body, &payload))
	require.Equal(t, true, payload.Script.Params["remove"])
}

func TestToggleStarFlips(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl := mustReadyTimeline(t, s, owner, sk.ID, "laptop")
	ref := EventRef{IndexName: tl.IndexName, DocumentID: "e1"}
	params := LabelEventsParams{Events: []EventRef{ref}, Label: LabelStar, Toggle: true}

	// first toggle adds the relational row, second removes it
	_, err := s.LabelEvents(ctx, owner, sk.ID, params)
	require.NoError(t, err)
	require.Equal(t, 1, countLabelRows(t, s, "__ts_star"))

	_, err = s.LabelEvents(ctx, owner, sk.ID, params)
	require.NoError(t, err)
	require.Equal(t, 0, countLabelRows(t, s, "__ts_star"))

	// the toggle script decides per document, so no remove param rides along
	updates := engine.callsTo("/_update/")
	require.Len(t, updates, 2)
	for _, call := range updates {
		var payload struct {
			Script struct {
				Params map[string]any `json:"params"`
			} `json:"script"`
		}
		require.NoError(t, json.Unmarshal(call.Body, &payload))
		_, hasRemove := payload.Script.Params["remove"]
		require.False(t, hasRemove)
	}
}

func countLabelRows(t *testing.T, s *Service, name string) int {
	t.Helper()
	var n int
	err := s.db.QueryRow(`SELECT count(*) FROM labels WHERE name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestLabelEventsPartialFailure(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl := mustReadyTimeline(t, s, owner, sk.ID, "laptop")

	engine.updateFn = func(path string, _ []byte) (int, string) {
		if path == fmt.Sprintf("/%s/_update/bad", tl.IndexName) {
			return http.StatusBadRequest, `{"error":{"type":"mapper_parsing_exception","reason":"boom"}}`
		}
		return http.StatusOK, `{"result":"updated"}`
	}

	res, err := s.LabelEvents(ctx, owner, sk.ID, LabelEventsParams{
		Events: []EventRef{
			{IndexName: tl.IndexName, DocumentID: "good"},
			{IndexName: tl.IndexName, DocumentID: "bad"},
		},
		Label: "x",
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.EventsUpdated)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "bad")
}

func TestCommentLifecycle(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	admin := mustUser(t, s, "root", true)
	sk := mustSketch(t, s, owner, "case")
	tl := mustReadyTimeline(t, s, owner, sk.ID, "laptop")
	ref := EventRef{IndexName: tl.IndexName, DocumentID: "e1"}

	c1, err := s.CommentEvent(ctx, owner, sk.ID, ref, "first finding")
	require.NoError(t, err)
	require.Equal(t, "owner", c1.Username)

	c2, err := s.CommentEvent(ctx, owner, sk.ID, ref, "second finding")
	require.NoError(t, err)

	_, err = s.CommentEvent(ctx, owner, sk.ID, ref, "")
	require.ErrorIs(t, err, ErrInvalid)

	detail, err := s.EventWithComments(ctx, owner, sk.ID, ref)
	require.NoError(t, err)
	require.Len(t, detail.Comments, 2)
	require.Equal(t, "first finding", detail.Comments[0].Body)

	// only the author may edit
	require.NoError(t, s.UpdateComment(ctx, owner, sk.ID, c1.ID, "first finding, revised"))
	require.ErrorIs(t, s.UpdateComment(ctx, admin, sk.ID, c1.ID, "hijack"), ErrNotFound)

	// the comment label stays while other comments remain
	require.NoError(t, s.DeleteComment(ctx, owner, sk.ID, c1.ID, ref))
	labelCalls := len(engine.callsTo("/_update/"))

	// the last deletion lifts the comment label off the document
	require.NoError(t, s.DeleteComment(ctx, admin, sk.ID, c2.ID, ref))
	require.Len(t, engine.callsTo("/_update/"), labelCalls+1)

	detail, err = s.EventWithComments(ctx, owner, sk.ID, ref)
	require.NoError(t, err)
	require.Empty(t, detail.Comments)
}

func TestTagEvents(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl := mustReadyTimeline(t, s, owner, sk.ID, "laptop")

	engine.docFn = func(path string) (int, string) {
		return http.StatusOK, fmt.Sprintf(
			`{"_index":%q,"_id":"e1","found":true,"_source":{"tag":["existing"]}}`, tl.IndexName)
	}

	res, err := s.TagEvents(ctx, owner, sk.ID,
		[]EventRef{{IndexName: tl.IndexName, DocumentID: "e1"}},
		[]string{"malware", "existing"})
	require.NoError(t, err)
	require.Equal(t, 1, res.EventsProcessed)
	require.Equal(t, 1, res.TagsApplied) // "existing" was already there

	bulks := engine.callsTo("/_bulk")
	require.Len(t, bulks, 1)
	require.Contains(t, string(bulks[0].Body), `"tag":["existing","malware"]`)

	// all tags already present: nothing is written
	res, err = s.TagEvents(ctx, owner, sk.ID,
		[]EventRef{{IndexName: tl.IndexName, DocumentID: "e1"}},
		[]string{"existing"})
	require.NoError(t, err)
	require.Equal(t, 0, res.TagsApplied)
	require.Len(t, engine.callsTo("/_bulk"), 1)

	_, err = s.TagEvents(ctx, owner, sk.ID, nil, []string{"x"})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestUntagEvents(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl := mustReadyTimeline(t, s, owner, sk.ID, "laptop")

	engine.docFn = func(path string) (int, string) {
		return http.StatusOK, fmt.Sprintf(
			`{"_index":%q,"_id":"e1","found":true,"_source":{"tag":["keep","drop"]}}`, tl.IndexName)
	}

	res, err := s.UntagEvents(ctx, owner, sk.ID,
		[]EventRef{{IndexName: tl.IndexName, DocumentID: "e1"}},
		[]string{"drop", "absent"})
	require.NoError(t, err)
	require.Equal(t, 1, res.EventsProcessed)
	require.Equal(t, 1, res.TagsApplied)

	bulks := engine.callsTo("/_bulk")
	require.Len(t, bulks, 1)
	require.Contains(t, string(bulks[0].Body), `"tag":["keep"]`)
}

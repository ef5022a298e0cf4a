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
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchiveAndUnarchive(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl := mustReadyTimeline(t, s, owner, sk.ID, "laptop")

	require.NoError(t, s.ArchiveSketch(ctx, owner, sk.ID))

	got, err := s.Sketch(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Equal(t, StatusArchived, got.Status)
	require.Equal(t, StatusArchived, got.Timelines[0].Status)
	require.Len(t, engine.callsTo("/"+tl.IndexName+"/_close"), 1)

	// archiving twice is a no-op, not an error
	require.NoError(t, s.ArchiveSketch(ctx, owner, sk.ID))
	require.Len(t, engine.callsTo("/"+tl.IndexName+"/_close"), 1)

	require.NoError(t, s.UnarchiveSketch(ctx, owner, sk.ID))

	got, err = s.Sketch(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, got.Status)
	require.Equal(t, StatusReady, got.Timelines[0].Status)
	require.Len(t, engine.callsTo("/"+tl.IndexName+"/_open"), 1)

	// unarchiving a ready sketch is also a no-op
	require.NoError(t, s.UnarchiveSketch(ctx, owner, sk.ID))
	require.Len(t, engine.callsTo("/"+tl.IndexName+"/_open"), 1)
}

func TestArchiveRequiresReadyStatus(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case") // status new, no timelines

	require.ErrorIs(t, s.ArchiveSketch(ctx, owner, sk.ID), ErrInvalid)
	require.ErrorIs(t, s.UnarchiveSketch(ctx, owner, sk.ID), ErrInvalid)
}

func TestArchiveProtectedLabel(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{ProtectedLabels: []string{"legal-hold"}})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	mustReadyTimeline(t, s, owner, sk.ID, "laptop")
	require.NoError(t, s.AddSketchLabel(ctx, owner, sk.ID, "legal-hold"))

	require.ErrorIs(t, s.ArchiveSketch(ctx, owner, sk.ID), ErrForbidden)
	require.ErrorIs(t, s.DeleteSketch(ctx, owner, sk.ID), ErrForbidden)

	got, err := s.Sketch(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, got.Status)
}

func TestArchiveSharedIndexStaysOpen(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)

	skA := mustSketch(t, s, owner, "case-a")
	tlA := mustReadyTimeline(t, s, owner, skA.ID, "shared-source")

	// a second sketch rides the same backing index
	skB := mustSketch(t, s, owner, "case-b")
	tlB, err := s.AttachTimeline(ctx, owner, skB.ID, AttachTimelineParams{
		Name:      "shared-source-too",
		IndexName: tlA.IndexName,
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkTimelineStatus(ctx, skB.ID, tlB.ID, StatusReady))

	// archiving A must not close the index while B still queries it
	require.NoError(t, s.ArchiveSketch(ctx, owner, skA.ID))
	require.Empty(t, engine.callsTo("/_close"))

	// archiving B removes the last live reference
	require.NoError(t, s.ArchiveSketch(ctx, owner, skB.ID))
	require.Len(t, engine.callsTo("/"+tlA.IndexName+"/_close"), 1)
}

func TestDeleteSketchHidesIt(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	admin := mustUser(t, s, "root", true)
	sk := mustSketch(t, s, owner, "case")
	mustReadyTimeline(t, s, owner, sk.ID, "laptop")

	require.NoError(t, s.DeleteSketch(ctx, owner, sk.ID))

	_, err := s.Sketch(ctx, owner, sk.ID)
	require.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListSketches(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, list)

	// admins can still reach it for recovery
	got, err := s.Sketch(ctx, admin, sk.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, got.Status)

	// a deleted sketch rejects everything
	_, err = s.Explore(ctx, owner, sk.ID, &ExploreRequest{})
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.ArchiveSketch(ctx, owner, sk.ID), ErrNotFound)
}

func TestExportSketchZip(t *testing.T) {
	engine := &fakeEngine{}
	// initial searches get one page and a cursor; scroll continuations
	// and cursor cleanup carry no query and get the empty tail
	engine.searchFn = func(body []byte) (int, string) {
		if !strings.Contains(string(body), `"query"`) {
			return http.StatusOK, emptySearchBody
		}
		return http.StatusOK, `{
			"took": 1,
			"_scroll_id": "cursor-1",
			"hits": {"total": {"value": 1, "relation": "eq"}, "hits": [
				{"_index": "idx", "_id": "e1", "_source": {
					"datetime": "2024-06-01T00:00:00Z",
					"timestamp_desc": "Creation Time",
					"message": "suspicious login",
					"tag": ["malware"]
				}}
			]}
		}`
	}
	s := newTestService(t, engine, Options{ExportSlices: 1})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	mustReadyTimeline(t, s, owner, sk.ID, "laptop")

	view, err := s.SaveView(ctx, owner, sk.ID, 0, SaveViewParams{Name: "suspicious logins", QueryString: "*"})
	require.NoError(t, err)
	story, err := s.CreateStory(ctx, owner, sk.ID, "Intrusion Story",
		json.RawMessage(`[{"type":"text","value":"attacker came in over RDP"}]`))
	require.NoError(t, err)
	agg, err := s.SaveAggregation(ctx, owner, sk.ID, &Aggregation{
		Name: "top domains", AggType: AggTypeTerms, Parameters: json.RawMessage(`{"field":"domain"}`),
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.ExportSketch(ctx, owner, sk.ID, &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	contents := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		contents[f.Name] = string(data)
	}

	require.Contains(t, contents, "METADATA")
	require.Contains(t, contents, "events.ndjson")
	require.Contains(t, contents["events.ndjson"], `"e1"`)

	viewCSV := fmt.Sprintf("views/%04d_suspicious_logins.csv", view.ID)
	require.Contains(t, contents, viewCSV)
	require.Contains(t, contents[viewCSV], "datetime,timestamp_desc,message,tag,_id,_index")
	require.Contains(t, contents[viewCSV], "suspicious login")
	require.Contains(t, contents, fmt.Sprintf("views/%04d_suspicious_logins.meta", view.ID))

	for _, bundle := range []string{"starred", "tagged", "events_with_comments"} {
		name := "events/" + bundle + ".csv"
		require.Contains(t, contents, name)
		require.Contains(t, contents[name], "e1")
	}

	storyHTML := fmt.Sprintf("stories/%04d_Intrusion_Story.html", story.ID)
	require.Contains(t, contents, storyHTML)
	require.Contains(t, contents[storyHTML], "attacker came in over RDP")
	require.Contains(t, contents[storyHTML], "<title>Intrusion Story</title>")

	aggBase := fmt.Sprintf("aggregations/%04d_top_domains", agg.ID)
	require.Contains(t, contents, aggBase+".csv")
	require.Contains(t, contents, aggBase+".html")
	require.Contains(t, contents, aggBase+".meta")
	require.Contains(t, contents[aggBase+".meta"], `"agg_type": "field_bucket"`)
}

func TestExportRearchivesArchivedSketch(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	mustReadyTimeline(t, s, owner, sk.ID, "laptop")

	require.NoError(t, s.ArchiveSketch(ctx, owner, sk.ID))

	var buf bytes.Buffer
	require.NoError(t, s.ExportSketch(ctx, owner, sk.ID, &buf))
	require.NotZero(t, buf.Len())

	// the sketch must end up archived again
	got, err := s.Sketch(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Equal(t, StatusArchived, got.Status)
	require.NotEmpty(t, engine.callsTo("/_open"))
	require.Len(t, engine.callsTo("/_close"), 2)
}

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
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIngestEventsStampsTimelineID(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl, err := s.AttachTimeline(ctx, owner, sk.ID, AttachTimelineParams{Name: "laptop"})
	require.NoError(t, err)

	res, err := s.IngestEvents(ctx, owner, sk.ID, tl.ID, []IngestEvent{
		{ID: "e1", Fields: map[string]any{"datetime": "2024-06-01T00:00:00Z", "message": "one"}},
		{Fields: map[string]any{"datetime": "2024-06-01T00:00:01Z", "message": "two"}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Equal(t, 2, res.Indexed)
	require.Zero(t, res.Errored)

	bulks := engine.callsTo("/_bulk")
	require.Len(t, bulks, 1)
	payload := string(bulks[0].Body)
	require.Equal(t, 2, strings.Count(payload, fmt.Sprintf(`"__ts_timeline_id":%d`, tl.ID)),
		"every document must carry its timeline id")

	// a successful ingest promotes the timeline to ready
	got, err := s.Sketch(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, got.Timelines[0].Status)

	// and makes the writes searchable
	require.Len(t, engine.callsTo("/_refresh"), 1)
}

func TestIngestEventsValidation(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl, err := s.AttachTimeline(ctx, owner, sk.ID, AttachTimelineParams{Name: "laptop"})
	require.NoError(t, err)

	_, err = s.IngestEvents(ctx, owner, sk.ID, tl.ID, nil)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = s.IngestEvents(ctx, owner, sk.ID, tl.ID, []IngestEvent{
		{Fields: map[string]any{"message": "no datetime"}},
	})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = s.IngestEvents(ctx, owner, sk.ID, 9999, []IngestEvent{
		{Fields: map[string]any{"datetime": "2024-06-01T00:00:00Z"}},
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIngestEventsTotalFailureMarksTimelineFailed(t *testing.T) {
	engine := &fakeEngine{}
	engine.bulkFn = func([]byte) (int, string) {
		return http.StatusOK, `{
			"errors": true,
			"items": [{"index": {"_index": "idx", "status": 400, "error": {
				"type": "mapper_parsing_exception", "reason": "boom"
			}}}]
		}`
	}
	s := newTestService(t, engine, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl, err := s.AttachTimeline(ctx, owner, sk.ID, AttachTimelineParams{Name: "laptop"})
	require.NoError(t, err)

	res, err := s.IngestEvents(ctx, owner, sk.ID, tl.ID, []IngestEvent{
		{Fields: map[string]any{"datetime": "2024-06-01T00:00:00Z"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Errored)
	require.Zero(t, res.Indexed)
	require.NotEmpty(t, res.Errors)

	got, err := s.Sketch(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFail, got.Timelines[0].Status)
}

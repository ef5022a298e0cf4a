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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveViewCreateAndUpdate(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")

	v, err := s.SaveView(ctx, owner, sk.ID, 0, SaveViewParams{
		Name:        "suspicious logins",
		QueryString: "event_type:login AND status:failed",
		QueryFilter: json.RawMessage(`{"indices":["_all"]}`),
	})
	require.NoError(t, err)
	require.NotZero(t, v.ID)
	require.Equal(t, "suspicious logins", v.Name)
	require.JSONEq(t, `{"indices":["_all"]}`, string(v.QueryFilter))

	v2, err := s.SaveView(ctx, owner, sk.ID, v.ID, SaveViewParams{
		Name:        "failed logins",
		QueryString: "status:failed",
	})
	require.NoError(t, err)
	require.Equal(t, v.ID, v2.ID)
	require.Equal(t, "failed logins", v2.Name)

	// updating a view that does not exist
	_, err = s.SaveView(ctx, owner, sk.ID, 9999, SaveViewParams{Name: "x"})
	require.ErrorIs(t, err, ErrNotFound)

	// a nameless view is reserved for the activity marker
	_, err = s.SaveView(ctx, owner, sk.ID, 0, SaveViewParams{})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestViewSoftDelete(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")

	v, err := s.SaveView(ctx, owner, sk.ID, 0, SaveViewParams{Name: "keep", QueryString: "*"})
	require.NoError(t, err)

	views, err := s.ListViews(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)

	require.NoError(t, s.DeleteView(ctx, owner, sk.ID, v.ID))

	views, err = s.ListViews(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Empty(t, views)

	_, err = s.View(ctx, owner, sk.ID, v.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.DeleteView(ctx, owner, sk.ID, v.ID+1), ErrNotFound)
}

func TestRecordActivityUpsert(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	friend := mustUser(t, s, "friend", false)
	sk := mustSketch(t, s, owner, "case")

	_, err := s.LastActivity(ctx, owner, sk.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RecordActivity(ctx, owner, sk.ID, "first query", nil, nil))
	require.NoError(t, s.RecordActivity(ctx, owner, sk.ID, "second query", nil, nil))
	require.NoError(t, s.Grant(ctx, owner, sk.ID, Principal{UserID: &friend.ID}, PermRead))
	require.NoError(t, s.RecordActivity(ctx, friend, sk.ID, "their query", nil, nil))

	// one marker per (user, sketch), holding the latest query
	last, err := s.LastActivity(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Equal(t, "second query", last.QueryString)

	theirs, err := s.LastActivity(ctx, friend, sk.ID)
	require.NoError(t, err)
	require.Equal(t, "their query", theirs.QueryString)

	// markers never show up as saved views
	views, err := s.ListViews(ctx, owner, sk.ID)
	require.NoError(t, err)
	require.Empty(t, views)
}

func TestSearchTemplates(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")

	tmpl, err := s.CreateSearchTemplate(ctx, &SearchTemplate{
		Name:        "logins by user",
		QueryString: `event_type:login AND username:"{{ .username }}"`,
	})
	require.NoError(t, err)
	require.NotZero(t, tmpl.ID)

	// a template that cannot parse is rejected up front
	_, err = s.CreateSearchTemplate(ctx, &SearchTemplate{
		Name:        "broken",
		QueryString: "{{ .unclosed",
	})
	require.ErrorIs(t, err, ErrInvalid)

	// instantiating a view renders the template into the query string
	v, err := s.SaveView(ctx, owner, sk.ID, 0, SaveViewParams{
		Name:           "mallory logins",
		TemplateID:     &tmpl.ID,
		TemplateParams: map[string]any{"username": "mallory"},
	})
	require.NoError(t, err)
	require.Equal(t, `event_type:login AND username:"mallory"`, v.QueryString)

	// missing parameters fail the render, not silently produce <no value>
	_, err = s.SaveView(ctx, owner, sk.ID, 0, SaveViewParams{
		Name:       "incomplete",
		TemplateID: &tmpl.ID,
	})
	require.ErrorIs(t, err, ErrInvalid)

	list, err := s.ListSearchTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// deleting the template keeps the instantiated view usable
	require.NoError(t, s.DeleteSearchTemplate(ctx, tmpl.ID))
	got, err := s.View(ctx, owner, sk.ID, v.ID)
	require.NoError(t, err)
	require.Equal(t, `event_type:login AND username:"mallory"`, got.QueryString)

	require.ErrorIs(t, s.DeleteSearchTemplate(ctx, tmpl.ID), ErrNotFound)
}

func TestSaveViewTemplateWithSprigFunctions(t *testing.T) {
	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")

	tmpl, err := s.CreateSearchTemplate(ctx, &SearchTemplate{
		Name:        "host search",
		QueryString: `hostname:{{ .host | lower }}`,
	})
	require.NoError(t, err)

	v, err := s.SaveView(ctx, owner, sk.ID, 0, SaveViewParams{
		Name:           "ws1 events",
		TemplateID:     &tmpl.ID,
		TemplateParams: map[string]any{"host": "WS1"},
	})
	require.NoError(t, err)
	require.Equal(t, "hostname:ws1", v.QueryString)
}

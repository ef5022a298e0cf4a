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

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchDecodesResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/idx-a,idx-b/_search", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"took": 12,
			"_scroll_id": "cursor-1",
			"hits": {
				"total": {"value": 2, "relation": "eq"},
				"max_score": 0.9,
				"hits": [
					{"_index": "idx-a", "_id": "1", "_score": 0.9, "_source": {"message": "one"}},
					{"_index": "idx-b", "_id": "2", "_source": {"message": "two"}}
				]
			},
			"aggregations": {"result": {"buckets": []}}
		}`)
	}))

	resp, err := c.Search(context.Background(), SearchRequest{
		Indices: []string{"idx-a", "idx-b"},
		Body:    map[string]any{"query": map[string]any{"match_all": map[string]any{}}},
	})
	require.NoError(t, err)
	require.Equal(t, 12, resp.Took)
	require.Equal(t, "cursor-1", resp.ScrollID)
	require.Equal(t, int64(2), resp.Hits.Total.Value)
	require.Len(t, resp.Hits.Hits, 2)
	require.Equal(t, "one", resp.Hits.Hits[0].Source["message"])
	require.NotNil(t, resp.Hits.MaxScore)
	require.Contains(t, resp.Aggregations, "result")
}

func TestSearchIndexNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"type":"index_not_found_exception","reason":"no such index [gone]"}}`)
	}))

	_, err := c.Search(context.Background(), SearchRequest{Indices: []string{"gone"}})
	require.ErrorIs(t, err, ErrIndexNotFound)

	// the engine's root cause stays available
	var be *BackendError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "index_not_found_exception", be.Type)
}

func TestSearchBackendErrorRootCause(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{
			"type": "search_phase_execution_exception",
			"reason": "all shards failed",
			"root_cause": [{"type": "parsing_exception", "reason": "unbalanced quotes"}]
		}}`)
	}))

	_, err := c.Search(context.Background(), SearchRequest{Indices: []string{"idx"}})
	var be *BackendError
	require.ErrorAs(t, err, &be)
	// the root cause wins over the outer wrapper
	require.Equal(t, "parsing_exception", be.Type)
	require.Equal(t, "unbalanced quotes", be.Reason)
	require.False(t, errors.Is(err, ErrIndexNotFound))
}

func TestCount(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/_count")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"count": 4321}`)
	}))

	n, err := c.Count(context.Background(), []string{"idx"}, map[string]any{
		"query": map[string]any{"match_all": map[string]any{}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(4321), n)
}

func TestGetDocumentExcludesLabelsByDefault(t *testing.T) {
	var gotExcludes []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotExcludes = r.URL.Query()["_source_excludes"]
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"_index":"idx","_id":"1","found":true,"_source":{"message":"hi"}}`)
	}))

	ctx := context.Background()
	_, err := c.GetDocument(ctx, "idx", "1", false)
	require.NoError(t, err)
	require.Equal(t, []string{FieldLabel}, gotExcludes)

	_, err = c.GetDocument(ctx, "idx", "1", true)
	require.NoError(t, err)
	require.Empty(t, gotExcludes)
}

func TestGetDocumentMissing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"_index":"idx","_id":"1","found":false}`)
	}))

	_, err := c.GetDocument(context.Background(), "idx", "1", false)
	require.ErrorIs(t, err, ErrIndexNotFound)
}

func TestCreateIndexDefaultMapping(t *testing.T) {
	var body []byte
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"acknowledged":true}`)
	}))

	require.NoError(t, c.CreateIndex(context.Background(), "fresh", ""))
	require.Contains(t, string(body), `"timesketch_label": {"type": "nested"}`)
	require.Contains(t, string(body), `"datetime": {"type": "date"}`)
}

func TestStats(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"indices": {
			"idx-a": {"total": {"docs": {"count": 100}, "store": {"size_in_bytes": 2048}}}
		}}`)
	}))

	stats, err := c.Stats(context.Background(), []string{"idx-a"})
	require.NoError(t, err)
	require.Equal(t, int64(100), stats["idx-a"].DocCount)
	require.Equal(t, int64(2048), stats["idx-a"].Bytes)
}

func TestUpdateScripted(t *testing.T) {
	var body []byte
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/idx/_update/doc-1", r.URL.Path)
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"result":"updated"}`)
	}))

	err := c.UpdateScripted(context.Background(), "idx", "doc-1", UpdateLabelScript,
		map[string]any{"remove": false})
	require.NoError(t, err)
	require.Contains(t, string(body), `"lang":"painless"`)
	require.Contains(t, string(body), `"remove":false`)
}

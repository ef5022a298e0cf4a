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
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{Addresses: []string{srv.URL}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestIngestBufferAccounting(t *testing.T) {
	// two documents succeed, one fails with the same mapper error twice
	// across batches so the error container must coalesce it
	response := `{
		"errors": true,
		"items": [
			{"index": {"_index": "idx", "status": 201}},
			{"index": {"_index": "idx", "status": 400, "error": {
				"type": "mapper_parsing_exception", "reason": "bad field",
				"caused_by": {"type": "illegal_argument_exception", "reason": "not a date"}
			}}},
			{"index": {"_index": "idx", "status": 400, "error": {
				"type": "mapper_parsing_exception", "reason": "bad field",
				"caused_by": {"type": "illegal_argument_exception", "reason": "not a date"}
			}}}
		]
	}`
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_bulk", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, response)
	}))

	buf := c.NewIngestBuffer(0)
	ctx := context.Background()
	require.NoError(t, buf.Add(ctx, "idx", "1", map[string]any{"message": "ok"}))
	require.NoError(t, buf.Add(ctx, "idx", "2", map[string]any{"message": "bad"}))
	require.NoError(t, buf.Add(ctx, "idx", "", map[string]any{"message": "bad too"}))

	stats, err := buf.Close(ctx)
	require.NoError(t, err)

	require.Equal(t, 3, stats.Total)
	require.Equal(t, 1, stats.Indexed)
	require.Equal(t, 2, stats.Errored)
	require.Equal(t, stats.Total, stats.Indexed+stats.Errored)

	errs := stats.Errors["idx"]
	require.Len(t, errs, 1, "identical errors must coalesce")
	require.Equal(t, 2, errs[0].Count)
	require.Equal(t, "mapper_parsing_exception", errs[0].Type)
	require.Equal(t, "illegal_argument_exception", errs[0].CausedByType)
}

func TestIngestBufferFlushesAtInterval(t *testing.T) {
	var flushes atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flushes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"errors":false,"items":[]}`)
	}))

	buf := c.NewIngestBuffer(2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Add(ctx, "idx", "", map[string]any{"n": i}))
	}
	require.EqualValues(t, 2, flushes.Load(), "two full batches of two should have flushed")

	stats, err := buf.Close(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, flushes.Load(), "close flushes the tail")
	require.Equal(t, 5, stats.Total)
	require.Equal(t, 5, stats.Indexed)
}

func TestIngestBufferPayloadShape(t *testing.T) {
	var payload []byte
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"errors":false,"items":[]}`)
	}))

	buf := c.NewIngestBuffer(0)
	ctx := context.Background()
	require.NoError(t, buf.Add(ctx, "idx", "d1", map[string]any{"message": "hello"}))
	require.NoError(t, buf.AddUpdate(ctx, "idx", "d2", map[string]any{"tag": []string{"t"}}))
	_, err := buf.Close(ctx)
	require.NoError(t, err)

	// NDJSON: alternating action header and document lines
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(payload))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], `"index"`)
	require.Contains(t, lines[0], `"_id":"d1"`)
	require.Contains(t, lines[1], `"message":"hello"`)
	require.Contains(t, lines[2], `"update"`)
	require.Contains(t, lines[3], `"doc"`)
	require.True(t, strings.HasSuffix(string(payload), "\n"), "bulk payload must end with a newline")
}

func TestIngestBufferOnFlushHook(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"errors":false,"items":[]}`)
	}))

	buf := c.NewIngestBuffer(0)
	var hookRuns int
	buf.OnFlush = func(context.Context) error {
		hookRuns++
		return nil
	}

	ctx := context.Background()
	require.NoError(t, buf.Add(ctx, "idx", "", map[string]any{"a": 1}))
	_, err := buf.Close(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, hookRuns)

	// an empty close does not run the hook again
	_, err = buf.Close(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, hookRuns)
}

func TestIngestBufferPermanentErrorDropsBatch(t *testing.T) {
	var requests atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"type":"illegal_argument_exception","reason":"malformed action"}}`)
	}))

	buf := c.NewIngestBuffer(0)
	ctx := context.Background()
	require.NoError(t, buf.Add(ctx, "idx", "1", map[string]any{"a": 1}))
	require.NoError(t, buf.Add(ctx, "idx", "2", map[string]any{"a": 2}))

	stats, err := buf.Close(ctx)
	require.Error(t, err)
	// a 400 is not a timeout, so no retries
	require.EqualValues(t, 1, requests.Load())

	// the dropped batch still shows up in the accounting
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 0, stats.Indexed)
	require.Equal(t, 2, stats.Errored)
	require.Equal(t, stats.Total, stats.Indexed+stats.Errored)

	errs := stats.Errors["idx"]
	require.Len(t, errs, 1)
	require.Equal(t, 2, errs[0].Count)
	require.Equal(t, "batch_dropped", errs[0].Type)
}

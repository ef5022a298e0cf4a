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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// DefaultFlushInterval is how many queued actions trigger a flush.
	DefaultFlushInterval = 1000

	// DefaultFlushRetryLimit bounds whole-batch retries on timeout.
	DefaultFlushRetryLimit = 3

	flushRetryBackoff = 500 * time.Millisecond
)

// BulkError accumulates one distinct per-document failure under an
// index. Per-document errors are never retried, only recorded.
type BulkError struct {
	Count          int    `json:"count"`
	Type           string `json:"type"`
	Reason         string `json:"reason"`
	CausedByType   string `json:"caused_by_type,omitempty"`
	CausedByReason string `json:"caused_by_reason,omitempty"`
}

// BulkStats is the aggregate result of an ingest session. The
// invariant is Total == Indexed + Errored.
type BulkStats struct {
	Total   int                     `json:"total"`
	Indexed int                     `json:"indexed"`
	Errored int                     `json:"errored"`
	Errors  map[string][]*BulkError `json:"error_container,omitempty"` // keyed by index name
}

type bulkItem struct {
	header []byte
	body   []byte
}

// IngestBuffer batches per-document writes into bulk requests. It is a
// per-request object: create one inside an ingest handler, Add
// documents, and Close it when done. It is not safe for concurrent use.
type IngestBuffer struct {
	client        *Client
	log           *zap.Logger
	flushInterval int
	retryLimit    int

	queue []bulkItem
	stats BulkStats

	// OnFlush, if set, runs after every successful flush; the final
	// flush in Close runs it too. Ingest handlers use it to post an
	// analyzer trigger so downstream sketch analyzers can subscribe.
	OnFlush func(ctx context.Context) error
}

// NewIngestBuffer returns a buffer flushing every flushInterval
// actions. flushInterval <= 0 selects the default.
func (c *Client) NewIngestBuffer(flushInterval int) *IngestBuffer {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &IngestBuffer{
		client:        c,
		log:           c.log.Named("ingest"),
		flushInterval: flushInterval,
		retryLimit:    DefaultFlushRetryLimit,
		stats:         BulkStats{Errors: make(map[string][]*BulkError)},
	}
}

// Add queues a document for creation. docID may be empty, in which
// case the engine assigns one.
func (b *IngestBuffer) Add(ctx context.Context, index, docID string, doc map[string]any) error {
	meta := map[string]any{"_index": index}
	if docID != "" {
		meta["_id"] = docID
	}
	return b.enqueue(ctx, map[string]any{"index": meta}, doc)
}

// AddUpdate queues a partial update of an existing document.
func (b *IngestBuffer) AddUpdate(ctx context.Context, index, docID string, patch map[string]any) error {
	return b.enqueue(ctx,
		map[string]any{"update": map[string]any{"_index": index, "_id": docID}},
		map[string]any{"doc": patch},
	)
}

func (b *IngestBuffer) enqueue(ctx context.Context, header, body map[string]any) error {
	h, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding bulk action header: %w", err)
	}
	d, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding bulk document: %w", err)
	}
	b.queue = append(b.queue, bulkItem{header: h, body: d})
	b.stats.Total++

	if len(b.queue) >= b.flushInterval {
		return b.Flush(ctx)
	}
	return nil
}

// Flush sends the queued batch now. On a connection or socket timeout
// the whole batch is retried up to the retry limit; past that the
// batch is dropped and the error returned. Per-document failures are
// recorded in the error container, never raised.
func (b *IngestBuffer) Flush(ctx context.Context) error {
	if len(b.queue) == 0 {
		return nil
	}

	var payload bytes.Buffer
	for _, item := range b.queue {
		payload.Write(item.header)
		payload.WriteByte('\n')
		payload.Write(item.body)
		payload.WriteByte('\n')
	}
	batchSize := len(b.queue)
	dropped := b.queue
	b.queue = nil

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(flushRetryBackoff), uint64(b.retryLimit)),
		ctx)

	var resp *bulkResponse
	err := backoff.Retry(func() error {
		var sendErr error
		resp, sendErr = b.send(ctx, payload.Bytes())
		if sendErr == nil {
			return nil
		}
		if isTimeout(sendErr) {
			b.log.Warn("bulk flush timed out, retrying",
				zap.Int("batch_size", batchSize),
				zap.Error(sendErr))
			return sendErr
		}
		return backoff.Permanent(sendErr)
	}, policy)
	if err != nil {
		b.recordDropped(dropped, err)
		b.log.Error("bulk flush failed, dropping batch",
			zap.Int("batch_size", batchSize),
			zap.Error(err))
		return fmt.Errorf("flushing bulk batch of %d: %w", batchSize, err)
	}

	b.record(resp, batchSize)

	if b.OnFlush != nil {
		if err := b.OnFlush(ctx); err != nil {
			b.log.Warn("post-flush hook failed", zap.Error(err))
		}
	}
	return nil
}

func (b *IngestBuffer) send(ctx context.Context, payload []byte) (*bulkResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, b.client.timeout)
	defer cancel()

	res, err := b.client.os.Bulk(bytes.NewReader(payload),
		b.client.os.Bulk.WithContext(ctx),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, b.client.decodeError(res.StatusCode, res.Body, "bulk indexing")
	}

	var out bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding bulk response: %w", err)
	}
	return &out, nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Index  string `json:"_index"`
		Status int    `json:"status"`
		Error  *struct {
			Type     string `json:"type"`
			Reason   string `json:"reason"`
			CausedBy struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"caused_by"`
		} `json:"error"`
	} `json:"items"`
}

// record tallies per-document outcomes under the affected index name.
func (b *IngestBuffer) record(resp *bulkResponse, batchSize int) {
	if resp == nil {
		return
	}
	if !resp.Errors {
		b.stats.Indexed += batchSize
		return
	}
	for _, item := range resp.Items {
		for _, result := range item { // one key per item: index/update/...
			if result.Error == nil {
				b.stats.Indexed++
				continue
			}
			b.stats.Errored++
			b.addError(result.Index, result.Error.Type, result.Error.Reason,
				result.Error.CausedBy.Type, result.Error.CausedBy.Reason)
		}
	}
}

// recordDropped books a batch that never reached the engine under
// Errored so Total == Indexed + Errored holds for dropped batches too.
func (b *IngestBuffer) recordDropped(items []bulkItem, cause error) {
	for _, item := range items {
		var header map[string]struct {
			Index string `json:"_index"`
		}
		var index string
		if json.Unmarshal(item.header, &header) == nil {
			for _, meta := range header {
				index = meta.Index
			}
		}
		b.stats.Errored++
		b.addError(index, "batch_dropped", cause.Error(), "", "")
	}
}

func (b *IngestBuffer) addError(index, typ, reason, causedByType, causedByReason string) {
	for _, e := range b.stats.Errors[index] {
		if e.Type == typ && e.Reason == reason &&
			e.CausedByType == causedByType && e.CausedByReason == causedByReason {
			e.Count++
			return
		}
	}
	b.stats.Errors[index] = append(b.stats.Errors[index], &BulkError{
		Count:          1,
		Type:           typ,
		Reason:         reason,
		CausedByType:   causedByType,
		CausedByReason: causedByReason,
	})
}

// Close flushes the tail of the queue and returns the aggregate stats.
// The buffer must not be used afterward.
func (b *IngestBuffer) Close(ctx context.Context) (BulkStats, error) {
	err := b.Flush(ctx)
	return b.stats, err
}

// Stats returns a snapshot of the accounting so far.
func (b *IngestBuffer) Stats() BulkStats { return b.stats }

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}

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

// Package eventstore is the sole point of contact with the full-text
// event engine (OpenSearch). Everything above it speaks in terms of
// indices, documents, and query bodies; nothing above it constructs
// HTTP requests to the engine.
package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"go.uber.org/zap"
)

// Defaults that mirror the engine-side limits we run with in production.
const (
	DefaultRequestTimeout = 180 * time.Second
	DefaultPoolSize       = 60
	DefaultScrollTTL      = time.Minute
)

// ErrIndexNotFound is returned when the engine reports a missing index.
// Callers treat it as "the timeline was concurrently archived" and
// shortcircuit to an empty page rather than failing the request.
var ErrIndexNotFound = errors.New("index not found")

// Config holds connection settings for the event store.
type Config struct {
	Addresses []string `json:"addresses,omitempty"`
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`

	// PoolSize bounds concurrent connections to the engine. Sliced
	// export fans out over this same pool, so it must not exceed it.
	PoolSize int `json:"pool_size,omitempty"`

	// RequestTimeout is the overall deadline for a single call.
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
}

func (cfg *Config) fillDefaults() {
	if len(cfg.Addresses) == 0 {
		cfg.Addresses = []string{"http://127.0.0.1:9200"}
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
}

// Client adapts the OpenSearch API for the rest of the server. It is
// safe for concurrent use by multiple request handlers; the underlying
// transport shares one connection pool.
type Client struct {
	os       *opensearch.Client
	log      *zap.Logger
	timeout  time.Duration
	poolSize int

	// small process-wide cache of index field mappings, invalidated
	// on index create/delete
	mappingsMu sync.RWMutex
	mappings   map[string]map[string]string
}

// NewClient connects to the event store. It does not ping the engine;
// the first real call surfaces connectivity problems.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize,
	}
	osClient, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to event store: %w", err)
	}

	return &Client{
		os:       osClient,
		log:      logger.Named("eventstore"),
		timeout:  cfg.RequestTimeout,
		poolSize: cfg.PoolSize,
		mappings: make(map[string]map[string]string),
	}, nil
}

// PoolSize reports the configured connection pool size; export slicing
// uses it as an upper bound on parallelism.
func (c *Client) PoolSize() int { return c.poolSize }

// defaultMapping is applied to every index we create: events sort and
// range on datetime, and labels live in a nested document so that
// (name, sketch_id) pairs can be matched together.
const defaultMapping = `{
	"mappings": {
		"properties": {
			"datetime": {"type": "date"},
			"timesketch_label": {"type": "nested"}
		}
	}
}`

// CreateIndex creates a backing index with the default mapping. A
// custom mapping body may be given instead; it replaces the default
// entirely.
func (c *Client) CreateIndex(ctx context.Context, name string, mapping string) error {
	if mapping == "" {
		mapping = defaultMapping
	}
	res, err := c.os.Indices.Create(name,
		c.os.Indices.Create.WithContext(ctx),
		c.os.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("creating index %s: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return c.decodeError(res.StatusCode, res.Body, "creating index "+name)
	}
	c.invalidateMappings(name)
	return nil
}

// DeleteIndex removes an index and its documents.
func (c *Client) DeleteIndex(ctx context.Context, name string) error {
	res, err := c.os.Indices.Delete([]string{name},
		c.os.Indices.Delete.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("deleting index %s: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return c.decodeError(res.StatusCode, res.Body, "deleting index "+name)
	}
	c.invalidateMappings(name)
	return nil
}

// OpenIndex opens a closed (archived) index.
func (c *Client) OpenIndex(ctx context.Context, name string) error {
	res, err := c.os.Indices.Open([]string{name},
		c.os.Indices.Open.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("opening index %s: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return c.decodeError(res.StatusCode, res.Body, "opening index "+name)
	}
	return nil
}

// CloseIndex closes an index, releasing its in-memory structures.
// Archived timelines keep their data but cannot be searched.
func (c *Client) CloseIndex(ctx context.Context, name string) error {
	res, err := c.os.Indices.Close([]string{name},
		c.os.Indices.Close.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("closing index %s: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return c.decodeError(res.StatusCode, res.Body, "closing index "+name)
	}
	return nil
}

// Refresh makes recent writes visible to search. Used by tests and by
// callers that need read-your-writes after a flush.
func (c *Client) Refresh(ctx context.Context, indices ...string) error {
	res, err := c.os.Indices.Refresh(
		c.os.Indices.Refresh.WithContext(ctx),
		c.os.Indices.Refresh.WithIndex(indices...),
	)
	if err != nil {
		return fmt.Errorf("refreshing indices: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return c.decodeError(res.StatusCode, res.Body, "refreshing indices")
	}
	return nil
}

// SearchRequest describes one search call.
type SearchRequest struct {
	Indices        []string
	Body           map[string]any
	Scroll         time.Duration // if set, opens a scroll cursor
	SourceIncludes []string
}

// Search runs a query against one or more indices.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encoding search body: %w", err)
	}

	opts := []func(*opensearchapi.SearchRequest){
		c.os.Search.WithContext(ctx),
		c.os.Search.WithIndex(req.Indices...),
		c.os.Search.WithBody(bytes.NewReader(body)),
		c.os.Search.WithIgnoreUnavailable(true),
	}
	if req.Scroll > 0 {
		opts = append(opts, c.os.Search.WithScroll(req.Scroll))
	}
	if len(req.SourceIncludes) > 0 {
		opts = append(opts, c.os.Search.WithSourceIncludes(req.SourceIncludes...))
	}
	res, err := c.os.Search(opts...)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, c.decodeError(res.StatusCode, res.Body, "searching")
	}

	var sr SearchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return &sr, nil
}

// Scroll fetches the next page of an open scroll cursor.
func (c *Client) Scroll(ctx context.Context, scrollID string, ttl time.Duration) (*SearchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if ttl <= 0 {
		ttl = DefaultScrollTTL
	}
	res, err := c.os.Scroll(
		c.os.Scroll.WithContext(ctx),
		c.os.Scroll.WithScrollID(scrollID),
		c.os.Scroll.WithScroll(ttl),
	)
	if err != nil {
		return nil, fmt.Errorf("scrolling: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, c.decodeError(res.StatusCode, res.Body, "scrolling")
	}

	var sr SearchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding scroll response: %w", err)
	}
	return &sr, nil
}

// ClearScroll releases a scroll cursor early. Best effort.
func (c *Client) ClearScroll(ctx context.Context, scrollID string) {
	if scrollID == "" {
		return
	}
	res, err := c.os.ClearScroll(
		c.os.ClearScroll.WithContext(ctx),
		c.os.ClearScroll.WithScrollID(scrollID),
	)
	if err != nil {
		c.log.Warn("clearing scroll", zap.Error(err))
		return
	}
	res.Body.Close()
}

// Count returns the number of documents matching body across indices.
// A sort in the body is stripped by the caller; the engine rejects it.
func (c *Client) Count(ctx context.Context, indices []string, body map[string]any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding count body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	res, err := c.os.Count(
		c.os.Count.WithContext(ctx),
		c.os.Count.WithIndex(indices...),
		c.os.Count.WithBody(reader),
	)
	if err != nil {
		return 0, fmt.Errorf("counting: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, c.decodeError(res.StatusCode, res.Body, "counting")
	}

	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decoding count response: %w", err)
	}
	return out.Count, nil
}

// GetDocument fetches a single document. The timesketch_label field is
// excluded by default; it is search-only denormalization and every
// caller that needs labels reads the relational copy instead.
func (c *Client) GetDocument(ctx context.Context, index, id string, includeLabels bool) (*Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	excludes := []string{FieldLabel}
	if includeLabels {
		excludes = nil
	}
	res, err := c.os.Get(index, id,
		c.os.Get.WithContext(ctx),
		c.os.Get.WithSourceExcludes(excludes...),
	)
	if err != nil {
		return nil, fmt.Errorf("getting document %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, c.decodeError(res.StatusCode, res.Body, "getting document "+id)
	}

	var doc struct {
		Index  string         `json:"_index"`
		ID     string         `json:"_id"`
		Found  bool           `json:"found"`
		Source map[string]any `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	if !doc.Found {
		return nil, ErrIndexNotFound
	}
	return &Hit{Index: doc.Index, ID: doc.ID, Source: doc.Source}, nil
}

// UpdateScripted runs a server-side script against one document. It is
// the only path by which events are mutated in place; scripted updates
// avoid lost updates under concurrent annotation.
func (c *Client) UpdateScripted(ctx context.Context, index, id, script string, params map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"script": map[string]any{
			"source": script,
			"lang":   "painless",
			"params": params,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding update script: %w", err)
	}
	res, err := c.os.Update(index, id, bytes.NewReader(body),
		c.os.Update.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("updating document %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return c.decodeError(res.StatusCode, res.Body, "updating document "+id)
	}
	return nil
}

// IndexStats is a per-index size summary for the sketch detail page.
type IndexStats struct {
	DocCount int64 `json:"doc_count"`
	Bytes    int64 `json:"bytes"`
}

// Stats returns document counts and on-disk sizes per index.
func (c *Client) Stats(ctx context.Context, indices []string) (map[string]IndexStats, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.os.Indices.Stats(
		c.os.Indices.Stats.WithContext(ctx),
		c.os.Indices.Stats.WithIndex(indices...),
		c.os.Indices.Stats.WithMetric("docs", "store"),
	)
	if err != nil {
		return nil, fmt.Errorf("getting index stats: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, c.decodeError(res.StatusCode, res.Body, "getting index stats")
	}

	var out struct {
		Indices map[string]struct {
			Total struct {
				Docs struct {
					Count int64 `json:"count"`
				} `json:"docs"`
				Store struct {
					SizeInBytes int64 `json:"size_in_bytes"`
				} `json:"store"`
			} `json:"total"`
		} `json:"indices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding index stats: %w", err)
	}

	stats := make(map[string]IndexStats, len(out.Indices))
	for name, idx := range out.Indices {
		stats[name] = IndexStats{
			DocCount: idx.Total.Docs.Count,
			Bytes:    idx.Total.Store.SizeInBytes,
		}
	}
	return stats, nil
}

// FieldMappings returns a flat field->type map across the given
// indices, used by the UI for column selection. Results are cached per
// index until the index set changes.
func (c *Client) FieldMappings(ctx context.Context, indices []string) (map[string]string, error) {
	merged := make(map[string]string)
	var missing []string

	c.mappingsMu.RLock()
	for _, idx := range indices {
		if cached, ok := c.mappings[idx]; ok {
			for field, typ := range cached {
				merged[field] = typ
			}
		} else {
			missing = append(missing, idx)
		}
	}
	c.mappingsMu.RUnlock()

	if len(missing) == 0 {
		return merged, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.os.Indices.GetMapping(
		c.os.Indices.GetMapping.WithContext(ctx),
		c.os.Indices.GetMapping.WithIndex(missing...),
	)
	if err != nil {
		return nil, fmt.Errorf("getting field mappings: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, c.decodeError(res.StatusCode, res.Body, "getting field mappings")
	}

	var out map[string]struct {
		Mappings struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding field mappings: %w", err)
	}

	c.mappingsMu.Lock()
	for name, idx := range out {
		fields := make(map[string]string, len(idx.Mappings.Properties))
		for field, prop := range idx.Mappings.Properties {
			fields[field] = prop.Type
			merged[field] = prop.Type
		}
		c.mappings[name] = fields
	}
	c.mappingsMu.Unlock()

	return merged, nil
}

func (c *Client) invalidateMappings(index string) {
	c.mappingsMu.Lock()
	delete(c.mappings, index)
	c.mappingsMu.Unlock()
}

// BackendError carries the engine's root cause so the UI can show a
// useful message for e.g. query string parse errors.
type BackendError struct {
	StatusCode int
	Type       string
	Reason     string
	Op         string
}

func (e *BackendError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s: event store returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Type, e.Reason)
}

func (e *BackendError) Is(target error) bool {
	return target == ErrIndexNotFound && e.StatusCode == http.StatusNotFound
}

func (c *Client) decodeError(status int, body io.Reader, op string) error {
	be := &BackendError{StatusCode: status, Op: op}

	var payload struct {
		Error struct {
			Type      string `json:"type"`
			Reason    string `json:"reason"`
			RootCause []struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"root_cause"`
		} `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err == nil {
		be.Type = payload.Error.Type
		be.Reason = payload.Error.Reason
		if len(payload.Error.RootCause) > 0 {
			be.Type = payload.Error.RootCause[0].Type
			be.Reason = payload.Error.RootCause[0].Reason
		}
	}
	if status == http.StatusNotFound {
		c.log.Debug("index not found", zap.String("op", op))
	}
	return be
}

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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultExportSlices is how many parallel partitions a sliced
	// export fans out into. Must not exceed the connection pool size
	// or export would starve interactive traffic.
	DefaultExportSlices = 60

	// exportPageSize bounds memory per slice: the whole export never
	// holds more than slices*exportPageSize hits at once.
	exportPageSize = 1000
)

// SlicedExport streams every document matching body across indices to
// fn, exactly once, without materializing the result set. The work is
// partitioned into n deterministic slices over a scroll context (the
// engine's slicing guarantees the partitions are disjoint and
// complete), each slice paging independently. fn is called from a
// single goroutine, so it needs no locking; if it returns an error, or
// ctx is canceled, all in-flight slices stop and their cursors are
// released.
//
// The body must contain only query/post_filter/_source; sort, from and
// size are owned by the export machinery.
func (c *Client) SlicedExport(ctx context.Context, indices []string, body map[string]any, n int, fn func(Hit) error) error {
	if n <= 0 || n > c.poolSize {
		n = DefaultExportSlices
		if n > c.poolSize {
			n = c.poolSize
		}
	}
	// the engine rejects slicing with max < 2
	if n < 2 {
		return c.exportSingle(ctx, indices, body, fn)
	}

	hits := make(chan Hit, n)

	g, gctx := errgroup.WithContext(ctx)
	for slice := 0; slice < n; slice++ {
		g.Go(func() error {
			return c.exportSlice(gctx, indices, body, slice, n, hits)
		})
	}

	// close the channel once all slices are drained so the consumer
	// below terminates
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(hits)
	}()

	var fnErr error
	for hit := range hits {
		if fnErr != nil {
			continue // drain so producers are not blocked forever
		}
		if err := fn(hit); err != nil {
			fnErr = err
		}
	}
	if err := <-done; err != nil && fnErr == nil {
		fnErr = err
	}
	return fnErr
}

func (c *Client) exportSlice(ctx context.Context, indices []string, body map[string]any, id, max int, out chan<- Hit) error {
	sliced := make(map[string]any, len(body)+3)
	for k, v := range body {
		sliced[k] = v
	}
	sliced["slice"] = map[string]any{"id": id, "max": max}
	sliced["size"] = exportPageSize
	// tie-breaker sort keeps paging deterministic within the slice
	sliced["sort"] = []any{"_doc"}

	resp, err := c.Search(ctx, SearchRequest{
		Indices: indices,
		Body:    sliced,
		Scroll:  DefaultScrollTTL,
	})
	if err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			return nil
		}
		return err
	}
	scrollID := resp.ScrollID
	defer c.ClearScroll(context.WithoutCancel(ctx), scrollID)

	for len(resp.Hits.Hits) > 0 {
		for _, hit := range resp.Hits.Hits {
			select {
			case out <- hit:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		resp, err = c.Scroll(ctx, scrollID, DefaultScrollTTL)
		if err != nil {
			return err
		}
		if resp.ScrollID != "" {
			scrollID = resp.ScrollID
		}
	}
	return nil
}

// exportSingle is the degenerate one-slice case (pool size 1): a plain
// scroll over the whole result set.
func (c *Client) exportSingle(ctx context.Context, indices []string, body map[string]any, fn func(Hit) error) error {
	single := make(map[string]any, len(body)+2)
	for k, v := range body {
		single[k] = v
	}
	single["size"] = exportPageSize
	single["sort"] = []any{"_doc"}

	resp, err := c.Search(ctx, SearchRequest{Indices: indices, Body: single, Scroll: DefaultScrollTTL})
	if err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			return nil
		}
		return err
	}
	scrollID := resp.ScrollID
	defer c.ClearScroll(context.WithoutCancel(ctx), scrollID)

	for len(resp.Hits.Hits) > 0 {
		for _, hit := range resp.Hits.Hits {
			if err := fn(hit); err != nil {
				return err
			}
		}
		resp, err = c.Scroll(ctx, scrollID, DefaultScrollTTL)
		if err != nil {
			c.log.Debug("scroll ended with error", zap.Error(err))
			return err
		}
		if resp.ScrollID != "" {
			scrollID = resp.ScrollID
		}
	}
	return nil
}

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
	"errors"
	"fmt"
	"io"

	"github.com/tracesketch/tracesketch/eventstore"
	"go.uber.org/zap"
)

// StreamExport runs a query and streams every matching event to w as
// NDJSON, one hit per line, using the sliced exporter. Unlike Explore
// it has no paging: result size is bounded only by what the query
// matches. The body sent to the backend is reduced to the query and
// optional field selection so slicing stays valid.
func (s *Service) StreamExport(ctx context.Context, user *User, sketchID int64, req *ExploreRequest, w io.Writer) error {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return err
	}

	compiled, err := s.compileExplore(ctx, user, sketchID, req)
	if err != nil {
		return err
	}
	if len(compiled.indices) == 0 {
		return fmt.Errorf("%w: no ready timelines to export", ErrInvalid)
	}

	body := map[string]any{"query": compiled.body["query"]}
	if len(req.Fields) > 0 {
		body["_source"] = req.Fields
	}

	enc := json.NewEncoder(w)
	count := 0
	err = s.es.SlicedExport(ctx, compiled.indices, body, s.opts.ExportSlices, func(hit eventstore.Hit) error {
		count++
		return enc.Encode(hit)
	})
	if err != nil {
		if errors.Is(err, eventstore.ErrIndexNotFound) {
			return nil
		}
		return s.backendError(err)
	}

	s.log.Info("streamed export finished",
		zap.Int64("sketch_id", sketchID),
		zap.Int("events", count))
	return nil
}

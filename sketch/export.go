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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
	"github.com/tracesketch/tracesketch/eventstore"
	"go.uber.org/zap"
)

// exportManifest is the METADATA file at the root of an export.
type exportManifest struct {
	Sketch    *Sketch     `json:"sketch"`
	Timelines []*Timeline `json:"timelines"`
	Views     []*View     `json:"views"`
	Stories   []*Story    `json:"stories"`
}

// exportCSVColumns is the stable column set of every exported CSV.
var exportCSVColumns = []string{"datetime", "timestamp_desc", "message", "tag", "_id", "_index"}

// ExportSketch writes a ZIP snapshot of the sketch to w:
//
//	METADATA                                  manifest (sketch, timelines, views, stories)
//	events.ndjson                             every event of the sketch's timelines
//	views/{nnnn}_{name}.csv / .meta           result set and definition per saved view
//	events/starred.csv                        starred events
//	events/tagged.csv                         events carrying any tag
//	events/events_with_comments.csv           commented events
//	stories/{nnnn}_{title}.html               rendered stories
//	aggregations/{nnnn}_{name}.csv/.html/.meta  buckets, chart page, and chart JSON
//
// An archived sketch is transparently unarchived for the duration of
// the export and re-archived after.
func (s *Service) ExportSketch(ctx context.Context, user *User, sketchID int64, w io.Writer) error {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return err
	}

	s.archiveMu.Lock(sketchID)
	defer s.archiveMu.Unlock(sketchID)

	sk, err := s.sketchForTransition(ctx, sketchID)
	if err != nil {
		return err
	}
	if sk.Status == StatusArchived {
		if err := s.unarchiveLocked(ctx, sketchID); err != nil {
			return fmt.Errorf("unarchiving for export: %w", err)
		}
		defer func() {
			if err := s.rearchive(ctx, sketchID); err != nil {
				s.log.Error("re-archiving sketch after export",
					zap.Int64("sketch_id", sketchID), zap.Error(err))
			}
		}()
	}

	tmpDir, err := os.MkdirTemp("", "sketch-export-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	// entries maps on-disk staging paths to names inside the archive
	entries := map[string]string{}
	stage := func(archiveName string) (string, error) {
		diskPath := filepath.Join(tmpDir, filepath.FromSlash(archiveName))
		if err := os.MkdirAll(filepath.Dir(diskPath), 0o700); err != nil {
			return "", err
		}
		entries[diskPath] = archiveName
		return diskPath, nil
	}

	if err := s.writeExportManifest(ctx, user, sketchID, sk, stage); err != nil {
		return err
	}
	if err := s.writeExportEvents(ctx, user, sketchID, stage); err != nil {
		return err
	}
	if err := s.writeExportViews(ctx, user, sketchID, stage); err != nil {
		return err
	}
	if err := s.writeExportEventBundles(ctx, user, sketchID, stage); err != nil {
		return err
	}
	if err := s.writeExportStories(ctx, user, sketchID, stage); err != nil {
		return err
	}
	if err := s.writeExportAggregations(ctx, user, sketchID, stage); err != nil {
		return err
	}

	files, err := archives.FilesFromDisk(ctx, nil, entries)
	if err != nil {
		return err
	}
	if err := (archives.Zip{}).Archive(ctx, w, files); err != nil {
		return fmt.Errorf("writing export archive: %w", err)
	}

	s.log.Info("sketch exported",
		zap.Int64("sketch_id", sketchID),
		zap.Int("files", len(entries)))
	return nil
}

func (s *Service) writeExportManifest(ctx context.Context, user *User, sketchID int64, sk *Sketch, stage func(string) (string, error)) error {
	s.dbMu.RLock()
	timelines, err := s.timelinesForSketch(ctx, s.db, sketchID)
	s.dbMu.RUnlock()
	if err != nil {
		return err
	}
	views, err := s.ListViews(ctx, user, sketchID)
	if err != nil {
		return err
	}
	stories, err := s.ListStories(ctx, user, sketchID)
	if err != nil {
		return err
	}

	path, err := stage("METADATA")
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exportManifest{
		Sketch: sk, Timelines: timelines, Views: views, Stories: stories,
	}); err != nil {
		return fmt.Errorf("writing export manifest: %w", err)
	}
	return f.Close()
}

// writeExportEvents streams every event of the sketch to an NDJSON
// file using the sliced exporter.
func (s *Service) writeExportEvents(ctx context.Context, user *User, sketchID int64, stage func(string) (string, error)) error {
	compiled, err := s.compileExplore(ctx, user, sketchID, &ExploreRequest{})
	if err != nil {
		return err
	}

	path, err := stage("events.ndjson")
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(compiled.indices) > 0 {
		body := map[string]any{"query": compiled.body["query"]}
		enc := json.NewEncoder(f)
		err = s.es.SlicedExport(ctx, compiled.indices, body, s.opts.ExportSlices, func(hit eventstore.Hit) error {
			return enc.Encode(hit)
		})
		if err != nil {
			return fmt.Errorf("exporting events: %w", err)
		}
	}
	return f.Close()
}

// writeExportViews runs every saved view and writes its result set as
// CSV next to a .meta file holding the view definition.
func (s *Service) writeExportViews(ctx context.Context, user *User, sketchID int64, stage func(string) (string, error)) error {
	views, err := s.ListViews(ctx, user, sketchID)
	if err != nil {
		return err
	}
	for _, view := range views {
		base := "views/" + exportFilename(view.ID, view.Name)
		if err := s.writeExportCSV(ctx, user, sketchID, &ExploreRequest{ViewID: view.ID}, base+".csv", stage); err != nil {
			return fmt.Errorf("exporting view %d: %w", view.ID, err)
		}
		if err := writeExportJSON(view, base+".meta", stage); err != nil {
			return err
		}
	}
	return nil
}

// writeExportEventBundles writes the three annotation-driven event
// bundles: starred, tagged, and commented.
func (s *Service) writeExportEventBundles(ctx context.Context, user *User, sketchID int64, stage func(string) (string, error)) error {
	labelBundle := func(label string) *ExploreRequest {
		return &ExploreRequest{Filter: Filter{Chips: []Chip{
			{Type: "label", Value: label, Active: true},
		}}}
	}
	taggedDSL, err := json.Marshal(map[string]any{
		"query": map[string]any{"exists": map[string]any{"field": eventstore.FieldTag}},
	})
	if err != nil {
		return err
	}

	for _, bundle := range []struct {
		name string
		req  *ExploreRequest
	}{
		{"starred", labelBundle(LabelStar)},
		{"tagged", &ExploreRequest{DSL: taggedDSL}},
		{"events_with_comments", labelBundle(LabelComment)},
	} {
		if err := s.writeExportCSV(ctx, user, sketchID, bundle.req, "events/"+bundle.name+".csv", stage); err != nil {
			return fmt.Errorf("exporting %s events: %w", bundle.name, err)
		}
	}
	return nil
}

// writeExportCSV streams a query's full result set into a CSV with the
// stable export column set. An empty index set yields a header-only
// file.
func (s *Service) writeExportCSV(ctx context.Context, user *User, sketchID int64, req *ExploreRequest, archiveName string, stage func(string) (string, error)) error {
	compiled, err := s.compileExplore(ctx, user, sketchID, req)
	if err != nil {
		return err
	}

	path, err := stage(archiveName)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(exportCSVColumns); err != nil {
		return err
	}
	if len(compiled.indices) > 0 {
		body := map[string]any{"query": compiled.body["query"]}
		err = s.es.SlicedExport(ctx, compiled.indices, body, s.opts.ExportSlices, func(hit eventstore.Hit) error {
			return cw.Write(exportCSVRow(hit))
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return f.Close()
}

func exportCSVRow(hit eventstore.Hit) []string {
	row := make([]string, 0, len(exportCSVColumns))
	for _, col := range exportCSVColumns {
		switch col {
		case "_id":
			row = append(row, hit.ID)
		case "_index":
			row = append(row, hit.Index)
		default:
			row = append(row, stringifyField(hit.Source[col]))
		}
	}
	return row
}

func stringifyField(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			parts = append(parts, stringifyField(p))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(val)
	}
}

var storyPage = template.Must(template.New("story").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{range .Blocks}}{{if eq .Type "text"}}<p>{{.Value}}</p>
{{else}}<p><em>[{{.Type}}: {{.Value}}]</em></p>
{{end}}{{end}}</body>
</html>
`))

// writeExportStories renders each story's block list to a standalone
// HTML page. Non-text blocks (view and aggregation references) render
// as placeholders; the referenced data is in the sibling directories.
func (s *Service) writeExportStories(ctx context.Context, user *User, sketchID int64, stage func(string) (string, error)) error {
	stories, err := s.ListStories(ctx, user, sketchID)
	if err != nil {
		return err
	}
	for _, summary := range stories {
		story, err := s.Story(ctx, user, sketchID, summary.ID)
		if err != nil {
			return err
		}
		var blocks []struct {
			Type  string `json:"type"`
			Value any    `json:"value"`
		}
		if len(story.Content) > 0 {
			if err := json.Unmarshal(story.Content, &blocks); err != nil {
				return fmt.Errorf("story %d content: %w", story.ID, err)
			}
		}

		path, err := stage("stories/" + exportFilename(story.ID, story.Title) + ".html")
		if err != nil {
			return err
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		err = storyPage.Execute(f, map[string]any{"Title": story.Title, "Blocks": blocks})
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("rendering story %d: %w", story.ID, err)
		}
	}
	return nil
}

var aggregationPage = template.Must(template.New("aggregation").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
<pre id="chart-data">{{.Chart}}</pre>
</body>
</html>
`))

// writeExportAggregations runs each saved aggregation and writes its
// buckets as CSV, a chart page as HTML, and the definition plus raw
// chart JSON as .meta.
func (s *Service) writeExportAggregations(ctx context.Context, user *User, sketchID int64, stage func(string) (string, error)) error {
	aggs, err := s.ListAggregations(ctx, user, sketchID)
	if err != nil {
		return err
	}
	for _, agg := range aggs {
		result, err := s.RunAggregation(ctx, user, sketchID, agg.ID)
		if err != nil {
			return fmt.Errorf("running aggregation %d for export: %w", agg.ID, err)
		}
		chart, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}

		base := "aggregations/" + exportFilename(agg.ID, agg.Name)
		if err := writeAggregationCSV(result, base+".csv", stage); err != nil {
			return fmt.Errorf("aggregation %d buckets: %w", agg.ID, err)
		}

		path, err := stage(base + ".html")
		if err != nil {
			return err
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		err = aggregationPage.Execute(f, map[string]any{"Name": agg.Name, "Chart": string(chart)})
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("rendering aggregation %d: %w", agg.ID, err)
		}

		meta := map[string]any{"aggregation": agg, "chart_data": result}
		if err := writeExportJSON(meta, base+".meta", stage); err != nil {
			return err
		}
	}
	return nil
}

func writeAggregationCSV(result map[string]json.RawMessage, archiveName string, stage func(string) (string, error)) error {
	path, err := stage(archiveName)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"value", "count"}); err != nil {
		return err
	}
	if raw, ok := result["result"]; ok {
		var decoded struct {
			Buckets []struct {
				Key         any    `json:"key"`
				KeyAsString string `json:"key_as_string"`
				DocCount    int64  `json:"doc_count"`
			} `json:"buckets"`
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		for _, bucket := range decoded.Buckets {
			key := bucket.KeyAsString
			if key == "" {
				key = stringifyField(bucket.Key)
			}
			if err := cw.Write([]string{key, fmt.Sprint(bucket.DocCount)}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return f.Close()
}

func writeExportJSON(v any, archiveName string, stage func(string) (string, error)) error {
	path, err := stage(archiveName)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	return f.Close()
}

// exportFilename builds the {nnnn}_{name} stem of an export entry,
// with the name reduced to filesystem-safe characters.
func exportFilename(id int64, name string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-':
			return r
		default:
			return '_'
		}
	}, name)
	return fmt.Sprintf("%04d_%s", id, safe)
}

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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Analyzer inspects one timeline's events and annotates them (tags,
// labels, stars). The returned string is a human-readable result
// summary stored on the analysis row.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, ar *AnalyzerRun) (string, error)
}

// AnalyzerRun is what an analyzer gets to work with: service access
// scoped to one timeline of one sketch.
type AnalyzerRun struct {
	Service    *Service
	User       *User
	SketchID   int64
	TimelineID int64
	IndexName  string
	Parameters json.RawMessage
}

// registration happens in init funcs, before any lookups, so the map
// needs no locking
var analyzers = make(map[string]Analyzer)

// RegisterAnalyzer makes an analyzer available by name. Registration
// happens in init funcs; duplicate names panic.
func RegisterAnalyzer(a Analyzer) {
	name := a.Name()
	if name == "" {
		panic("analyzer has no name")
	}
	if _, ok := analyzers[name]; ok {
		panic(fmt.Sprintf("analyzer %s already registered", name))
	}
	analyzers[name] = a
}

// AnalyzerNames lists the registered analyzers.
func AnalyzerNames() []string {
	names := make([]string, 0, len(analyzers))
	for name := range analyzers {
		names = append(names, name)
	}
	return names
}

// StartAnalysis creates an analysis session running the named
// analyzers against the given timelines. Rows start PENDING; the runs
// execute in the background and the rows transition through STARTED to
// DONE or ERROR. The session is returned immediately.
func (s *Service) StartAnalysis(ctx context.Context, user *User, sketchID int64, timelineIDs []int64, analyzerNames []string, params json.RawMessage) (*AnalysisSession, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermWrite); err != nil {
		return nil, err
	}
	if err := s.requireNotArchived(ctx, sketchID); err != nil {
		return nil, err
	}
	if len(timelineIDs) == 0 || len(analyzerNames) == 0 {
		return nil, fmt.Errorf("%w: timelines and analyzers are both required", ErrInvalid)
	}
	for _, name := range analyzerNames {
		if _, ok := analyzers[name]; !ok {
			return nil, fmt.Errorf("%w: unknown analyzer %q", ErrInvalid, name)
		}
	}

	ready, err := s.readyTimelinesForSketch(ctx, sketchID)
	if err != nil {
		return nil, err
	}
	indexByTimeline := make(map[int64]string, len(ready))
	for _, tl := range ready {
		indexByTimeline[tl.ID] = tl.IndexName
	}
	for _, tlID := range timelineIDs {
		if _, ok := indexByTimeline[tlID]; !ok {
			return nil, fmt.Errorf("timeline %d is not ready: %w", tlID, ErrNotFound)
		}
	}

	s.dbMu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.dbMu.Unlock()
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO analysis_sessions (sketch_id, user_id) VALUES (?, ?)`,
		sketchID, user.ID)
	if err != nil {
		s.dbMu.Unlock()
		return nil, fmt.Errorf("inserting analysis session: %w", err)
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		s.dbMu.Unlock()
		return nil, err
	}

	type pendingRun struct {
		analysisID int64
		analyzer   Analyzer
		timelineID int64
	}
	var runs []pendingRun
	for _, tlID := range timelineIDs {
		for _, name := range analyzerNames {
			r, err := tx.ExecContext(ctx, `
				INSERT INTO analyses (session_id, timeline_id, analyzer_name, parameters, status)
				VALUES (?, ?, ?, ?, ?)`,
				sessionID, tlID, name, nullableJSON(params), AnalysisPending)
			if err != nil {
				s.dbMu.Unlock()
				return nil, fmt.Errorf("inserting analysis row: %w", err)
			}
			analysisID, err := r.LastInsertId()
			if err != nil {
				s.dbMu.Unlock()
				return nil, err
			}
			runs = append(runs, pendingRun{analysisID, analyzers[name], tlID})
		}
	}
	if err := tx.Commit(); err != nil {
		s.dbMu.Unlock()
		return nil, err
	}
	s.dbMu.Unlock()

	// runs execute sequentially per session so analyzers annotating the
	// same documents do not race each other's read-modify-writes
	go func() {
		ctx := context.WithoutCancel(ctx)
		for _, run := range runs {
			s.executeAnalysis(ctx, user, sketchID, run.analysisID, run.analyzer, run.timelineID,
				indexByTimeline[run.timelineID], params)
		}
	}()

	return &AnalysisSession{
		ID: sessionID, SketchID: sketchID, UserID: user.ID, Created: time.Now(),
	}, nil
}

func (s *Service) executeAnalysis(ctx context.Context, user *User, sketchID, analysisID int64, a Analyzer, timelineID int64, indexName string, params json.RawMessage) {
	if err := s.markAnalysis(ctx, analysisID, AnalysisStarted, ""); err != nil {
		s.log.Error("marking analysis started", zap.Int64("analysis_id", analysisID), zap.Error(err))
		return
	}
	s.log.Named("analysis.status").Info("analyzer started",
		zap.Int64("sketch_id", sketchID),
		zap.Int64("timeline_id", timelineID),
		zap.String("analyzer", a.Name()))

	result, err := a.Analyze(ctx, &AnalyzerRun{
		Service: s, User: user, SketchID: sketchID,
		TimelineID: timelineID, IndexName: indexName, Parameters: params,
	})
	status := AnalysisDone
	if err != nil {
		status = AnalysisError
		result = err.Error()
		s.log.Error("analyzer failed",
			zap.String("analyzer", a.Name()),
			zap.Int64("timeline_id", timelineID),
			zap.Error(err))
	}
	if err := s.markAnalysis(ctx, analysisID, status, result); err != nil {
		s.log.Error("marking analysis finished", zap.Int64("analysis_id", analysisID), zap.Error(err))
	}
	s.log.Named("analysis.status").Info("analyzer finished",
		zap.Int64("sketch_id", sketchID),
		zap.Int64("timeline_id", timelineID),
		zap.String("analyzer", a.Name()),
		zap.String("status", status))
}

func (s *Service) markAnalysis(ctx context.Context, analysisID int64, status, result string) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE analyses SET status=?, result=?, updated=unixepoch() WHERE id=?`,
		status, result, analysisID)
	return err
}

// ListAnalyses returns a timeline's analysis history, newest first.
func (s *Service) ListAnalyses(ctx context.Context, user *User, sketchID, timelineID int64) ([]*Analysis, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT analyses.id, analyses.session_id, analyses.timeline_id, analyses.analyzer_name,
			analyses.parameters, analyses.status, COALESCE(analyses.result, ''),
			analyses.created, analyses.updated
		FROM analyses
		JOIN analysis_sessions ON analysis_sessions.id = analyses.session_id
		WHERE analysis_sessions.sketch_id=? AND analyses.timeline_id=?
		ORDER BY analyses.id DESC`, sketchID, timelineID)
	if err != nil {
		return nil, fmt.Errorf("selecting analyses: %w", err)
	}
	defer rows.Close()
	return scanAnalyses(rows)
}

// SessionAnalyses returns all analysis rows of one session.
func (s *Service) SessionAnalyses(ctx context.Context, user *User, sketchID, sessionID int64) ([]*Analysis, error) {
	if err := s.requireAccess(ctx, user, sketchID, PermRead); err != nil {
		return nil, err
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	var owner int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sketch_id FROM analysis_sessions WHERE id=? LIMIT 1`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != sketchID) {
		return nil, fmt.Errorf("analysis session %d: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, timeline_id, analyzer_name, parameters, status,
			COALESCE(result, ''), created, updated
		FROM analyses WHERE session_id=? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("selecting session analyses: %w", err)
	}
	defer rows.Close()
	return scanAnalyses(rows)
}

func scanAnalyses(rows *sql.Rows) ([]*Analysis, error) {
	analyses := []*Analysis{}
	for rows.Next() {
		var a Analysis
		var params sql.NullString
		var created, updated int64
		err := rows.Scan(&a.ID, &a.SessionID, &a.TimelineID, &a.Analyzer, &params,
			&a.Status, &a.Result, &created, &updated)
		if err != nil {
			return nil, err
		}
		if params.Valid {
			a.Parameters = json.RawMessage(params.String)
		}
		a.Created = time.Unix(created, 0)
		a.Updated = time.Unix(updated, 0)
		analyses = append(analyses, &a)
	}
	return analyses, rows.Err()
}

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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubAnalyzer struct {
	name    string
	analyze func(ctx context.Context, ar *AnalyzerRun) (string, error)
}

func (a *stubAnalyzer) Name() string { return a.name }
func (a *stubAnalyzer) Analyze(ctx context.Context, ar *AnalyzerRun) (string, error) {
	return a.analyze(ctx, ar)
}

func TestRegisterAnalyzer(t *testing.T) {
	a := &stubAnalyzer{name: "register_test", analyze: func(context.Context, *AnalyzerRun) (string, error) {
		return "", nil
	}}
	RegisterAnalyzer(a)
	require.Contains(t, AnalyzerNames(), "register_test")

	require.Panics(t, func() { RegisterAnalyzer(a) }, "duplicate registration must panic")
	require.Panics(t, func() {
		RegisterAnalyzer(&stubAnalyzer{name: ""})
	}, "nameless analyzer must panic")
}

func TestStartAnalysisRunsToCompletion(t *testing.T) {
	ran := make(chan *AnalyzerRun, 1)
	RegisterAnalyzer(&stubAnalyzer{
		name: "completion_test",
		analyze: func(_ context.Context, ar *AnalyzerRun) (string, error) {
			ran <- ar
			return "3 events tagged", nil
		},
	})

	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl := mustReadyTimeline(t, s, owner, sk.ID, "laptop")

	session, err := s.StartAnalysis(ctx, owner, sk.ID, []int64{tl.ID}, []string{"completion_test"}, nil)
	require.NoError(t, err)
	require.NotZero(t, session.ID)

	select {
	case ar := <-ran:
		require.Equal(t, sk.ID, ar.SketchID)
		require.Equal(t, tl.ID, ar.TimelineID)
		require.Equal(t, tl.IndexName, ar.IndexName)
		require.Same(t, s, ar.Service)
	case <-time.After(5 * time.Second):
		t.Fatal("analyzer never ran")
	}

	require.Eventually(t, func() bool {
		analyses, err := s.SessionAnalyses(ctx, owner, sk.ID, session.ID)
		return err == nil && len(analyses) == 1 && analyses[0].Status == AnalysisDone
	}, 5*time.Second, 10*time.Millisecond)

	analyses, err := s.SessionAnalyses(ctx, owner, sk.ID, session.ID)
	require.NoError(t, err)
	require.Equal(t, "3 events tagged", analyses[0].Result)

	history, err := s.ListAnalyses(ctx, owner, sk.ID, tl.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestStartAnalysisRecordsFailure(t *testing.T) {
	RegisterAnalyzer(&stubAnalyzer{
		name: "failure_test",
		analyze: func(context.Context, *AnalyzerRun) (string, error) {
			return "", errors.New("index exploded")
		},
	})

	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl := mustReadyTimeline(t, s, owner, sk.ID, "laptop")

	session, err := s.StartAnalysis(ctx, owner, sk.ID, []int64{tl.ID}, []string{"failure_test"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		analyses, err := s.SessionAnalyses(ctx, owner, sk.ID, session.ID)
		return err == nil && len(analyses) == 1 && analyses[0].Status == AnalysisError
	}, 5*time.Second, 10*time.Millisecond)

	analyses, err := s.SessionAnalyses(ctx, owner, sk.ID, session.ID)
	require.NoError(t, err)
	require.Equal(t, "index exploded", analyses[0].Result)
}

func TestStartAnalysisValidation(t *testing.T) {
	RegisterAnalyzer(&stubAnalyzer{
		name: "validation_test",
		analyze: func(context.Context, *AnalyzerRun) (string, error) {
			return "", nil
		},
	})

	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	sk := mustSketch(t, s, owner, "case")
	tl := mustReadyTimeline(t, s, owner, sk.ID, "laptop")

	_, err := s.StartAnalysis(ctx, owner, sk.ID, nil, []string{"anything"}, nil)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = s.StartAnalysis(ctx, owner, sk.ID, []int64{tl.ID}, []string{"never_registered"}, nil)
	require.ErrorIs(t, err, ErrInvalid)

	// a timeline still processing cannot be analyzed
	processing, err := s.AttachTimeline(ctx, owner, sk.ID, AttachTimelineParams{Name: "pending"})
	require.NoError(t, err)
	_, err = s.StartAnalysis(ctx, owner, sk.ID, []int64{processing.ID}, []string{"validation_test"}, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionAnalysesScopedToSketch(t *testing.T) {
	RegisterAnalyzer(&stubAnalyzer{
		name: "scoping_test",
		analyze: func(context.Context, *AnalyzerRun) (string, error) {
			return "", nil
		},
	})

	s := newTestService(t, &fakeEngine{}, Options{})
	ctx := context.Background()
	owner := mustUser(t, s, "owner", false)
	skA := mustSketch(t, s, owner, "case-a")
	tlA := mustReadyTimeline(t, s, owner, skA.ID, "laptop")
	skB := mustSketch(t, s, owner, "case-b")

	session, err := s.StartAnalysis(ctx, owner, skA.ID, []int64{tlA.ID}, []string{"scoping_test"}, nil)
	require.NoError(t, err)

	// a session cannot be read through another sketch
	_, err = s.SessionAnalyses(ctx, owner, skB.ID, session.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

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

package skapp

import "net/http"

// registerRoutes builds the endpoint table. Method+pattern routing;
// every handler returns an error serialized by the envelope in
// errors.go.
func (s *server) registerRoutes() {
	s.mux = http.NewServeMux()

	// identity administration
	s.handle("POST /api/v1/users/", s.handleCreateUser)
	s.handle("POST /api/v1/groups/", s.handleCreateGroup)
	s.handle("POST /api/v1/groups/{gid}/members/", s.handleAddGroupMember)

	// sketches
	s.handle("GET /api/v1/sketches/", s.handleListSketches)
	s.handle("POST /api/v1/sketches/", s.handleCreateSketch)
	s.handle("GET /api/v1/sketches/{id}/", s.handleGetSketch)
	s.handle("POST /api/v1/sketches/{id}/", s.handleUpdateSketch)
	s.handle("DELETE /api/v1/sketches/{id}/", s.handleDeleteSketch)
	s.handle("GET /api/v1/sketches/{id}/stats/", s.handleSketchStats)
	s.handle("POST /api/v1/sketches/{id}/archive/", s.handleArchiveAction)
	s.handle("POST /api/v1/sketches/{id}/collaborators/", s.handleCollaborators)

	// query surface
	s.handle("POST /api/v1/sketches/{id}/explore/", s.handleExplore)
	s.handle("POST /api/v1/sketches/{id}/explore/count/", s.handleCount)
	s.handle("POST /api/v1/sketches/{id}/exportstream/", s.handleExportStream)
	s.handle("POST /api/v1/sketches/{id}/aggregation/explore/", s.handleAggregationExplore)
	s.handle("GET /api/v1/sketches/{id}/labels/reconcile/", s.handleReconcileLabels)

	// events and annotations
	s.handle("GET /api/v1/sketches/{id}/event/", s.handleGetEvent)
	s.handle("POST /api/v1/sketches/{id}/event/annotate/", s.handleAnnotate)
	s.handle("POST /api/v1/sketches/{id}/event/tagging/", s.handleTagging)

	// saved views
	s.handle("GET /api/v1/sketches/{id}/views/", s.handleListViews)
	s.handle("POST /api/v1/sketches/{id}/views/", s.handleSaveView)
	s.handle("GET /api/v1/sketches/{id}/views/{vid}/", s.handleGetView)
	s.handle("POST /api/v1/sketches/{id}/views/{vid}/", s.handleUpdateView)
	s.handle("DELETE /api/v1/sketches/{id}/views/{vid}/", s.handleDeleteView)

	// timelines
	s.handle("POST /api/v1/sketches/{id}/timelines/", s.handleAttachTimeline)
	s.handle("DELETE /api/v1/sketches/{id}/timelines/{tid}/", s.handleDeleteTimeline)
	s.handle("POST /api/v1/sketches/{id}/timelines/{tid}/events/", s.handleIngestEvents)
	s.handle("GET /api/v1/sketches/{id}/timelines/{tid}/analysis/", s.handleListAnalyses)

	// analysis
	s.handle("POST /api/v1/sketches/{id}/analyzer/", s.handleStartAnalysis)
	s.handle("GET /api/v1/sketches/{id}/analyzer/sessions/{sid}/", s.handleSessionAnalyses)

	// stories
	s.handle("GET /api/v1/sketches/{id}/stories/", s.handleListStories)
	s.handle("POST /api/v1/sketches/{id}/stories/", s.handleCreateStory)
	s.handle("GET /api/v1/sketches/{id}/stories/{sid}/", s.handleGetStory)
	s.handle("POST /api/v1/sketches/{id}/stories/{sid}/", s.handleUpdateStory)
	s.handle("DELETE /api/v1/sketches/{id}/stories/{sid}/", s.handleDeleteStory)

	// attributes
	s.handle("GET /api/v1/sketches/{id}/attributes/", s.handleGetAttributes)
	s.handle("POST /api/v1/sketches/{id}/attributes/", s.handleSetAttribute)
	s.handle("DELETE /api/v1/sketches/{id}/attributes/", s.handleDeleteAttribute)

	// stored aggregations
	s.handle("GET /api/v1/sketches/{id}/aggregations/", s.handleListAggregations)
	s.handle("POST /api/v1/sketches/{id}/aggregations/", s.handleSaveAggregation)
	s.handle("GET /api/v1/sketches/{id}/aggregations/{aid}/", s.handleRunAggregation)
	s.handle("DELETE /api/v1/sketches/{id}/aggregations/{aid}/", s.handleDeleteAggregation)
	s.handle("GET /api/v1/sketches/{id}/aggregation_groups/", s.handleListAggregationGroups)
	s.handle("POST /api/v1/sketches/{id}/aggregation_groups/", s.handleSaveAggregationGroup)
	s.handle("DELETE /api/v1/sketches/{id}/aggregation_groups/{gid}/", s.handleDeleteAggregationGroup)

	// search templates (global)
	s.handle("GET /api/v1/searchtemplates/", s.handleListSearchTemplates)
	s.handle("POST /api/v1/searchtemplates/", s.handleCreateSearchTemplate)
	s.handle("GET /api/v1/searchtemplates/{tid}/", s.handleGetSearchTemplate)
	s.handle("DELETE /api/v1/searchtemplates/{tid}/", s.handleDeleteSearchTemplate)

	// live log tail
	s.handle("GET /api/v1/logs/", s.handleLogs)
}

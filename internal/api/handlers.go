package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	ierrors "github.com/ijoka-dev/ijoka/internal/errors"
	"github.com/ijoka-dev/ijoka/internal/attribution"
	"github.com/ijoka-dev/ijoka/internal/ingest"
	"github.com/ijoka-dev/ijoka/internal/legacy"
	"github.com/ijoka-dev/ijoka/internal/model"
	"github.com/ijoka-dev/ijoka/internal/store"
)

const (
	maxBodySize = 1 << 20 // 1MB
	maxLimit    = 1000
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string            `json:"error"`
	Kind  ierrors.ErrorCode `json:"kind"`
}

func (s *Server) writeError(c *gin.Context, err error) {
	code := ierrors.GetCode(err)
	if code == "" {
		code = ierrors.ErrCodeInternal
	}
	status := ierrors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, errorBody{Error: ierrors.Message(err), Kind: code})
}

// readJSON decodes the request body into v. Decoding failures are
// validation errors.
func readJSON(c *gin.Context, v interface{}) error {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
	if err := json.NewDecoder(c.Request.Body).Decode(v); err != nil {
		return ierrors.Validation("body", err.Error())
	}
	return nil
}

// readOptionalJSON is readJSON for endpoints whose body may be absent,
// including chunked requests that turn out to be empty.
func readOptionalJSON(c *gin.Context, v interface{}) error {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
	err := json.NewDecoder(c.Request.Body).Decode(v)
	if err == nil || stderrors.Is(err, io.EOF) {
		return nil
	}
	return ierrors.Validation("body", err.Error())
}

// projectQuery returns the cleaned project_path query parameter. ok is false
// when the parameter is absent.
func projectQuery(c *gin.Context) (path string, ok bool, err error) {
	raw := c.Query("project_path")
	if raw == "" {
		raw = c.Query("projectPath")
	}
	if raw == "" {
		return "", false, nil
	}
	path, valid := model.CleanProjectPath(raw)
	if !valid {
		return "", false, ierrors.Validation("project_path", "must be an absolute path")
	}
	return path, true, nil
}

func limitQuery(c *gin.Context, def int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, ierrors.Validation("limit", "must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	state := "connected"
	if err := s.Store.Ping(c.Request.Context()); err != nil {
		state = "disconnected"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"store":     state,
		"timestamp": s.now().UTC().Format(model.TimestampLayout),
	})
}

// Events

func (s *Server) handleIngest(c *gin.Context) {
	var in ingest.Input
	if err := readJSON(c, &in); err != nil {
		s.writeError(c, err)
		return
	}
	s.ingest(c, in, http.StatusCreated)
}

// ingest runs in through the pipeline and writes the result. A stored event
// whose effects failed answers 202 with the error.
func (s *Server) ingest(c *gin.Context, in ingest.Input, okStatus int) {
	res, err := s.Pipeline.Ingest(c.Request.Context(), in)
	if err != nil {
		if res != nil && ierrors.Is(err, ierrors.ErrCodePartialIngestion) {
			c.JSON(http.StatusAccepted, gin.H{
				"id":     res.ID,
				"status": res.Status,
				"error":  ierrors.Message(err),
			})
			return
		}
		s.writeError(c, err)
		return
	}
	body := gin.H{"id": res.ID, "status": res.Status}
	if res.Conflict {
		body["conflict"] = true
	}
	c.JSON(okStatus, body)
}

func (s *Server) handleListEvents(c *gin.Context) {
	limit, err := limitQuery(c, store.DefaultEventLimit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	project, _, err := projectQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	events, err := s.Store.ListEvents(c.Request.Context(), store.EventQuery{
		Project:   project,
		SessionID: c.Query("session_id"),
		FeatureID: c.Query("feature_id"),
		Limit:     limit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handleRedrive(c *gin.Context) {
	res, err := s.Pipeline.Redrive(c.Request.Context(), c.Param("id"))
	if err != nil {
		if res != nil && ierrors.Is(err, ierrors.ErrCodePartialIngestion) {
			c.JSON(http.StatusAccepted, gin.H{"id": res.ID, "status": res.Status, "error": ierrors.Message(err)})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": res.ID, "status": res.Status})
}

// Projects and stats

func (s *Server) handleProjects(c *gin.Context) {
	projects, err := s.Store.ListProjects(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

func (s *Server) handleStats(c *gin.Context) {
	project, ok, err := projectQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !ok {
		s.writeError(c, ierrors.Validation("project_path", "is required"))
		return
	}
	stats, err := s.Stats.ProjectStats(c.Request.Context(), project)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Features

func (s *Server) handleListFeatures(c *gin.Context) {
	project, ok, err := projectQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, []*model.Feature{})
		return
	}
	features, err := s.Store.ListFeatures(c.Request.Context(), project)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, withStatus(features))
}

// featureView adds the derived status to a feature.
type featureView struct {
	*model.Feature
	Status model.FeatureStatus `json:"status"`
}

func withStatus(features []*model.Feature) []featureView {
	views := make([]featureView, 0, len(features))
	for _, f := range features {
		views = append(views, featureView{Feature: f, Status: f.Status()})
	}
	return views
}

func (s *Server) writeFeature(c *gin.Context, status int, f *model.Feature, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(status, featureView{Feature: f, Status: f.Status()})
}

type createFeatureRequest struct {
	ProjectPath string         `json:"projectPath"`
	Description string         `json:"description"`
	Category    model.Category `json:"category"`
	Priority    int            `json:"priority"`
	Steps       []string       `json:"steps"`
}

func (s *Server) handleCreateFeature(c *gin.Context) {
	var req createFeatureRequest
	if err := readJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	f, err := s.Attributor.CreateFeature(ctx, &model.Feature{
		ProjectPath: req.ProjectPath,
		Description: req.Description,
		Category:    req.Category,
		Priority:    req.Priority,
	})
	if err == nil && len(req.Steps) > 0 {
		steps := make([]model.Step, len(req.Steps))
		for i, text := range req.Steps {
			steps[i] = model.Step{Position: i, Text: text}
		}
		f, err = s.Attributor.ReplaceSteps(ctx, f.ID, steps)
	}
	s.writeFeature(c, http.StatusCreated, f, err)
}

func (s *Server) handleGetFeature(c *gin.Context) {
	f, err := s.Store.GetFeature(c.Request.Context(), c.Param("id"))
	s.writeFeature(c, http.StatusOK, f, err)
}

func (s *Server) handleFeatureEvents(c *gin.Context) {
	limit, err := limitQuery(c, store.DefaultEventLimit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.Store.GetFeature(ctx, id); err != nil {
		s.writeError(c, err)
		return
	}
	events, err := s.Store.ListEvents(ctx, store.EventQuery{FeatureID: id, Limit: limit})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

type startFeatureRequest struct {
	Agent     string `json:"agent"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleStartFeature(c *gin.Context) {
	var req startFeatureRequest
	if err := readOptionalJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	f, err := s.Attributor.StartFeature(c.Request.Context(), c.Param("id"), req.Agent, req.SessionID)
	s.writeFeature(c, http.StatusOK, f, err)
}

type startNextRequest struct {
	ProjectPath string `json:"projectPath"`
	Agent       string `json:"agent"`
	SessionID   string `json:"sessionId"`
}

func (s *Server) handleStartNext(c *gin.Context) {
	var req startNextRequest
	if err := readOptionalJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	if req.ProjectPath == "" {
		req.ProjectPath = c.Query("project_path")
	}
	if req.ProjectPath == "" {
		s.writeError(c, ierrors.Validation("project_path", "is required"))
		return
	}
	f, err := s.Attributor.StartNext(c.Request.Context(), req.ProjectPath, req.Agent, req.SessionID)
	s.writeFeature(c, http.StatusOK, f, err)
}

type updateFeatureRequest struct {
	Description *string         `json:"description"`
	Category    *model.Category `json:"category"`
	Priority    *int            `json:"priority"`
}

func (s *Server) handleUpdateFeature(c *gin.Context) {
	var req updateFeatureRequest
	if err := readJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	f, err := s.Attributor.UpdateFeature(c.Request.Context(), c.Param("id"), attribution.FeatureUpdate{
		Description: req.Description,
		Category:    req.Category,
		Priority:    req.Priority,
	})
	s.writeFeature(c, http.StatusOK, f, err)
}

func (s *Server) handleCompleteFeature(c *gin.Context) {
	f, err := s.Attributor.CompleteFeature(c.Request.Context(), c.Param("id"))
	s.writeFeature(c, http.StatusOK, f, err)
}

type blockFeatureRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleBlockFeature(c *gin.Context) {
	var req blockFeatureRequest
	if err := readOptionalJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	f, err := s.Attributor.BlockFeature(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Reason))
	s.writeFeature(c, http.StatusOK, f, err)
}

func (s *Server) handleReopenFeature(c *gin.Context) {
	f, err := s.Attributor.ReopenFeature(c.Request.Context(), c.Param("id"))
	s.writeFeature(c, http.StatusOK, f, err)
}

type replaceStepsRequest struct {
	Steps []model.Step `json:"steps"`
}

func (s *Server) handleReplaceSteps(c *gin.Context) {
	var req replaceStepsRequest
	if err := readJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	for i := range req.Steps {
		req.Steps[i].Position = i
	}
	f, err := s.Attributor.ReplaceSteps(c.Request.Context(), c.Param("id"), req.Steps)
	s.writeFeature(c, http.StatusOK, f, err)
}

type importRequest struct {
	ProjectPath string           `json:"projectPath"`
	Features    []legacy.Feature `json:"features"`
}

func (s *Server) handleImport(c *gin.Context) {
	var req importRequest
	if err := readJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	report, err := s.Importer.Import(c.Request.Context(), req.ProjectPath, req.Features)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Sessions

func (s *Server) handleListSessions(c *gin.Context) {
	project, _, err := projectQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sessions, err := s.Store.ListSessions(c.Request.Context(), project)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Lifecycle.Derive(sessions))
}

// handleSessionStart records a SessionStart event. Starting a session that is
// already active is a no-op on the session.
func (s *Server) handleSessionStart(c *gin.Context) {
	var in ingest.Input
	if err := readJSON(c, &in); err != nil {
		s.writeError(c, err)
		return
	}
	in.EventType = string(model.EventSessionStart)
	s.ingest(c, in, http.StatusOK)
}

type sessionEndRequest struct {
	SessionID string `json:"sessionId"`
}

// handleSessionEnd records a SessionEnd event for a known session. Ending an
// ended session answers 200 with conflict set.
func (s *Server) handleSessionEnd(c *gin.Context) {
	var req sessionEndRequest
	if err := readJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		s.writeError(c, ierrors.Validation("sessionId", "must not be empty"))
		return
	}
	sess, err := s.Store.GetSession(c.Request.Context(), req.SessionID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.ingest(c, ingest.Input{
		EventType:   string(model.EventSessionEnd),
		SourceAgent: string(sess.SourceAgent),
		SessionID:   sess.ID,
		ProjectPath: sess.ProjectPath,
	}, http.StatusOK)
}

// Insights

type addInsightRequest struct {
	ProjectPath string   `json:"projectPath"`
	Text        string   `json:"text"`
	Tags        []string `json:"tags"`
}

func (s *Server) handleAddInsight(c *gin.Context) {
	var req addInsightRequest
	if err := readJSON(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	in, err := s.Insights.Add(c.Request.Context(), req.ProjectPath, req.Text, req.Tags)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, in)
}

func (s *Server) handleListInsights(c *gin.Context) {
	limit, err := limitQuery(c, 0)
	if err != nil {
		s.writeError(c, err)
		return
	}
	project, _, err := projectQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	insights, err := s.Insights.List(c.Request.Context(), store.InsightQuery{
		Project: project,
		Tag:     c.Query("tag"),
		Limit:   limit,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, insights)
}

func (s *Server) handleExportInsights(c *gin.Context) {
	project, ok, err := projectQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !ok {
		s.writeError(c, ierrors.Validation("project_path", "is required"))
		return
	}
	md, err := s.Insights.ExportMarkdown(c.Request.Context(), project)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(md))
}

package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promptloom/promptloom/internal/apperr"
	"github.com/promptloom/promptloom/store"
	"github.com/promptloom/promptloom/trace"
)

// respondError maps an error to its HTTP status and writes the JSON body.
// Store sentinels take precedence over the error kind so handlers can pass
// store errors through untouched.
func (s *Server) respondError(c *gin.Context, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err),
		)
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusBadRequest
	}
	return apperr.HTTPStatus(err)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

// pathID parses the :id path segment. On failure it writes the 400 itself
// and reports false.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		badRequest(c, "invalid id "+strconv.Quote(c.Param("id")))
		return 0, false
	}
	return id, true
}

// createHTTPTrace ingests one raw provider exchange. A capture whose body
// cannot be parsed is still persisted, and the error body carries its id so
// the payload stays inspectable.
func (s *Server) createHTTPTrace(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid capture payload: "+err.Error())
		return
	}
	tr, ht, err := s.ingest.IngestCapture(c.Request.Context(), req.capture())
	if err != nil {
		resp := errorResponse{Error: err.Error()}
		if ht != nil {
			resp.HTTPTraceID = &ht.ID
		}
		c.JSON(httpStatus(err), resp)
		return
	}
	c.JSON(http.StatusCreated, captureResponse{Trace: tr, HTTPTraceID: ht.ID})
}

// createTrace ingests an already-normalized trace record.
func (s *Server) createTrace(c *gin.Context) {
	var rec trace.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		badRequest(c, "invalid trace payload: "+err.Error())
		return
	}
	tr, err := s.ingest.Ingest(c.Request.Context(), &rec, nil)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tr)
}

func (s *Server) getTrace(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	tr, err := s.store.GetTrace(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

func (s *Server) listTraces(c *gin.Context) {
	var f store.TraceFilter
	if name := strings.TrimSpace(c.Query("project")); name != "" {
		p, err := s.store.GetProjectByName(c.Request.Context(), name)
		if err != nil {
			s.respondError(c, err)
			return
		}
		f.ProjectID = &p.ID
	}
	if path, ok := c.GetQuery("path"); ok {
		f.Path = &path
	}
	if c.Query("unmatched") == "true" {
		f.Unmatched = true
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, "invalid limit "+strconv.Quote(raw))
			return
		}
		f.Limit = n
	}
	traces, err := s.store.ListTraces(c.Request.Context(), f)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, traces)
}

func (s *Server) listTraceExecutions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := s.store.GetTrace(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	execs, err := s.store.ListTraceExecutions(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, execs)
}

// createProject creates a project explicitly. Unlike ingestion, which
// upserts by name, a duplicate name here is an error.
func (s *Server) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid project payload: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(c, "project name is required")
		return
	}
	p, err := s.store.CreateProject(c.Request.Context(), req.Name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid task payload: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(c, "task name is required")
		return
	}
	if _, err := s.store.GetProject(c.Request.Context(), req.ProjectID); err != nil {
		s.respondError(c, err)
		return
	}
	task := &store.Task{
		ProjectID:   req.ProjectID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Path:        req.Path,
	}
	if err := s.store.CreateTask(c.Request.Context(), task); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) listTasks(c *gin.Context) {
	project, err := s.projectFromQuery(c)
	if err != nil {
		return
	}
	tasks, err := s.store.ListTasks(c.Request.Context(), project.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// updateTask applies only the fields present in the payload. Moving the
// production version pointer rides the same PATCH.
func (s *Server) updateTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid task payload: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	if req.Name != nil || req.Description != nil {
		if _, err := s.store.UpdateTask(ctx, id, store.TaskUpdate{
			Name:        req.Name,
			Description: req.Description,
		}); err != nil {
			s.respondError(c, err)
			return
		}
	}
	if req.ProductionVersionID != nil {
		if err := s.store.SetProductionVersion(ctx, id, *req.ProductionVersionID); err != nil {
			s.respondError(c, err)
			return
		}
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) listTaskImplementations(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := s.store.GetTask(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	impls, err := s.store.ListTaskImplementations(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, impls)
}

func (s *Server) createImplementation(c *gin.Context) {
	var req createImplementationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid implementation payload: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		badRequest(c, "implementation prompt is required")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		badRequest(c, "implementation model is required")
		return
	}
	if _, err := s.store.GetTask(c.Request.Context(), req.TaskID); err != nil {
		s.respondError(c, err)
		return
	}
	impl := &store.Implementation{
		TaskID:          req.TaskID,
		Prompt:          req.Prompt,
		Model:           req.Model,
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
		Tools:           req.Tools,
		ToolChoice:      req.ToolChoice,
		Reasoning:       req.Reasoning,
	}
	if err := s.store.CreateImplementation(c.Request.Context(), impl); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, impl)
}

func (s *Server) getImplementation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	impl, err := s.store.GetImplementation(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, impl)
}

func (s *Server) deleteImplementation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteImplementation(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createGrader(c *gin.Context) {
	var req createGraderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid grader payload: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Prompt) == "" || strings.TrimSpace(req.Model) == "" {
		badRequest(c, "grader name, prompt, and model are required")
		return
	}
	if _, err := s.store.GetProject(c.Request.Context(), req.ProjectID); err != nil {
		s.respondError(c, err)
		return
	}
	g := &store.Grader{
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Prompt:    req.Prompt,
		Model:     req.Model,
	}
	if err := s.store.CreateGrader(c.Request.Context(), g); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (s *Server) listGraders(c *gin.Context) {
	project, err := s.projectFromQuery(c)
	if err != nil {
		return
	}
	graders, err := s.store.ListGraders(c.Request.Context(), project.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, graders)
}

func (s *Server) createEvaluationConfig(c *gin.Context) {
	var req evaluationConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid evaluation config payload: "+err.Error())
		return
	}
	cfg := store.EvaluationConfig{
		TaskID:                    req.TaskID,
		ImplementationID:          req.ImplementationID,
		GraderConfigs:             req.GraderConfigs,
		TraceEvaluationPercentage: s.defaultEvalPct,
	}
	if req.TraceEvaluationPercentage != nil {
		cfg.TraceEvaluationPercentage = *req.TraceEvaluationPercentage
	}
	if err := cfg.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.store.CreateEvaluationConfig(c.Request.Context(), &cfg); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

// projectFromQuery resolves the required project query parameter by name.
// On failure it writes the response itself and returns a non-nil error as
// the signal to stop.
func (s *Server) projectFromQuery(c *gin.Context) (*store.Project, error) {
	name := strings.TrimSpace(c.Query("project"))
	if name == "" {
		badRequest(c, "project query parameter is required")
		return nil, errors.New("missing project")
	}
	p, err := s.store.GetProjectByName(c.Request.Context(), name)
	if err != nil {
		s.respondError(c, err)
		return nil, err
	}
	return p, nil
}

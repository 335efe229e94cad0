// Package api serves quantization jobs over HTTP. Jobs run synchronously
// inside the request and are kept in memory until deleted.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qtree/internal/logger"
	"github.com/samcharles93/qtree/internal/pipeline"
	"github.com/samcharles93/qtree/internal/version"
	"github.com/samcharles93/qtree/pkg/modelspec"
)

// RunFunc executes one job.
type RunFunc func(ctx context.Context, req pipeline.Request, log logger.Logger) (*pipeline.Result, error)

type Server struct {
	store *JobStore
	log   logger.Logger
	run   RunFunc
	clock func() time.Time
}

func NewServer(store *JobStore, log logger.Logger) *Server {
	if store == nil {
		store = NewJobStore()
	}
	return &Server{
		store: store,
		log:   logger.OrDiscard(log),
		run:   pipeline.Run,
		clock: time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)

	e.POST("/v1/jobs", s.handleCreateJob)
	e.GET("/v1/jobs", s.handleListJobs)
	e.GET("/v1/jobs/:id", s.handleGetJob)
	e.DELETE("/v1/jobs/:id", s.handleDeleteJob)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.String(),
	})
}

func (s *Server) handleCreateJob(c *echo.Context) error {
	body, err := decodeJSON[JobRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	req, err := s.pipelineRequest(body)
	if err != nil {
		status, e := classify(err)
		return writeError(c, status, e.Type, e.Message, e.Param, e.Code)
	}

	now := s.clock()
	job := Job{
		ID:        newJobID(),
		Object:    "job",
		CreatedAt: now.Unix(),
		Mode:      req.Mode,
		Model:     req.Model.Name,
	}
	log := s.log.With("job", job.ID)

	res, err := s.run(c.Request().Context(), req, log)
	done := s.clock()
	completedAt := done.Unix()
	job.CompletedAt = &completedAt
	job.ElapsedMS = done.Sub(now).Milliseconds()

	status := http.StatusOK
	if err != nil {
		var e ResponseError
		status, e = classify(err)
		job.Status = StatusFailed
		job.Error = &e
		log.Warn("job failed", "status", status, "error", err)
	} else {
		job.Status = StatusCompleted
		tree := res.Tree()
		job.Tree = &tree
		for _, cf := range res.Conflicts {
			job.Conflicts = append(job.Conflicts, JobConflict{
				Path:     cf.Path,
				Chosen:   cf.Chosen.String(),
				Replaced: cf.Replaced.String(),
				Override: cf.Override,
			})
		}
	}
	s.store.Put(job)
	return c.JSON(status, job)
}

// pipelineRequest validates the parts of body that need no engine work.
func (s *Server) pipelineRequest(body JobRequest) (pipeline.Request, error) {
	if len(body.Model) == 0 {
		return pipeline.Request{}, newInvalidRequest("model is required")
	}
	mode, err := pipeline.ParseMode(body.Mode)
	if err != nil {
		return pipeline.Request{}, err
	}
	model, err := modelspec.Parse(body.Model, modelspec.JSON)
	if err != nil {
		return pipeline.Request{}, err
	}
	if body.Calibration.Batches < 0 || body.Calibration.BatchSize < 0 {
		return pipeline.Request{}, newInvalidRequest("calibration sizes must not be negative")
	}
	return pipeline.Request{
		Model:        model,
		Mode:         mode,
		Fuse:         body.Fuse,
		FuseTraining: body.FuseTraining,
		Overrides:    body.Overrides,
		NoAutoStubs:  body.NoAutoStubs,
		Calibration:  body.Calibration,
		Training:     body.Training,
	}, nil
}

func (s *Server) handleListJobs(c *echo.Context) error {
	return c.JSON(http.StatusOK, JobList{
		Object: "list",
		Data:   s.store.List(),
	})
}

func (s *Server) handleGetJob(c *echo.Context) error {
	job, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleDeleteJob(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "job not found")
	}
	return c.JSON(http.StatusOK, DeleteJobResp{
		ID:      id,
		Object:  "job",
		Deleted: true,
	})
}

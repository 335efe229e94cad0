package api

import (
	"github.com/goccy/go-json"

	"github.com/samcharles93/qtree/internal/pipeline"
	"github.com/samcharles93/qtree/pkg/modelspec"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JobRequest is the body of POST /v1/jobs. Model holds a model description
// in its JSON form.
type JobRequest struct {
	Model        json.RawMessage      `json:"model"`
	Mode         string               `json:"mode,omitempty"`
	Fuse         [][]string           `json:"fuse,omitempty"`
	FuseTraining bool                 `json:"fuse_training,omitempty"`
	Overrides    map[string]string    `json:"overrides,omitempty"`
	NoAutoStubs  bool                 `json:"no_auto_stubs,omitempty"`
	Calibration  pipeline.Calibration `json:"calibration"`
	Training     pipeline.Training    `json:"training"`
}

type Job struct {
	ID          string          `json:"id"`
	Object      string          `json:"object"`
	CreatedAt   int64           `json:"created_at"`
	CompletedAt *int64          `json:"completed_at,omitempty"`
	Status      string          `json:"status"`
	Mode        pipeline.Mode   `json:"mode"`
	Model       string          `json:"model,omitempty"`
	ElapsedMS   int64           `json:"elapsed_ms"`
	Conflicts   []JobConflict   `json:"conflicts,omitempty"`
	Tree        *modelspec.Node `json:"tree,omitempty"`
	Error       *ResponseError  `json:"error,omitempty"`
}

// JobConflict reports a path whose configuration replaced another one.
type JobConflict struct {
	Path     string `json:"path"`
	Chosen   string `json:"chosen"`
	Replaced string `json:"replaced"`
	Override bool   `json:"override,omitempty"`
}

type JobList struct {
	Object string `json:"object"`
	Data   []Job  `json:"data"`
}

type DeleteJobResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/qtree/internal/pipeline"
	"github.com/samcharles93/qtree/pkg/modelspec"
	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/quantization"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// engineErrors are the failures a well-formed job can hit inside the
// quantization passes.
var engineErrors = []struct {
	err  error
	code string
}{
	{quantization.ErrPathNotFound, "path_not_found"},
	{quantization.ErrEmptyCalibrationRange, "empty_calibration_range"},
	{quantization.ErrUninitializedBatchNormStats, "uninitialized_batchnorm_stats"},
	{quantization.ErrUnsupportedObserverKind, "unsupported_observer_kind"},
	{quantization.ErrInvalidFusionGroup, "invalid_fusion_group"},
}

// classify maps err to an HTTP status and the error body.
func classify(err error) (int, ResponseError) {
	body := ResponseError{Message: err.Error()}
	var pe *nn.PathError
	if errors.As(err, &pe) {
		body.Param = pe.Path
	}
	for _, e := range engineErrors {
		if errors.Is(err, e.err) {
			body.Type = "quantization_error"
			body.Code = e.code
			return http.StatusUnprocessableEntity, body
		}
	}
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, modelspec.ErrInvalidModel),
		errors.Is(err, modelspec.ErrUnknownLayer),
		errors.Is(err, pipeline.ErrUnknownMode),
		errors.Is(err, pipeline.ErrInvalidOverride):
		body.Type = "invalid_request_error"
		return http.StatusBadRequest, body
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		body.Type = "timeout_error"
		return http.StatusServiceUnavailable, body
	default:
		body.Type = "server_error"
		return http.StatusInternalServerError, body
	}
}

package handler

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/auth"
	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/executor/capture"
)

// Engine runs execution requests. *executor.Engine satisfies it.
type Engine interface {
	Execute(ctx context.Context, req executor.Request) (executor.Result, error)
	ExecuteStream(ctx context.Context, req executor.Request, tap capture.Tap) (executor.Result, error)
}

// VisualizationResponse is one extracted image, base64-encoded.
type VisualizationResponse struct {
	Type string `json:"type"`
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data string `json:"data"`
}

// ExecutionResponse is the JSON shape of an executor.Result.
type ExecutionResponse struct {
	ExecutionID    string                  `json:"executionId"`
	Output         string                  `json:"output"`
	Error          *string                 `json:"error"`
	Stderr         string                  `json:"stderr,omitempty"`
	Visualizations []VisualizationResponse `json:"visualizations"`
	Outcome        string                  `json:"outcome"`
	Resource       string                  `json:"resource,omitempty"`
	Truncated      bool                    `json:"truncated"`
	DurationMs     int64                   `json:"durationMs"`
}

// NewExecutionResponse converts a Result for the wire. Visualizations is
// never null.
func NewExecutionResponse(res executor.Result) ExecutionResponse {
	vis := make([]VisualizationResponse, 0, len(res.Visualizations))
	for _, a := range res.Visualizations {
		vis = append(vis, VisualizationResponse{
			Type: string(a.Kind),
			Name: a.Name,
			MIME: a.MIME,
			Data: base64.StdEncoding.EncodeToString(a.Payload),
		})
	}
	return ExecutionResponse{
		ExecutionID:    res.ExecutionID,
		Output:         res.Output,
		Error:          res.Error,
		Stderr:         res.Stderr,
		Visualizations: vis,
		Outcome:        string(res.Outcome),
		Resource:       string(res.Resource),
		Truncated:      res.Truncated,
		DurationMs:     res.Duration.Milliseconds(),
	}
}

// ExecuteHandler handles code execution requests.
type ExecuteHandler struct {
	engine    Engine
	bodyLimit int64
	logger    *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler. engine may be nil, in
// which case every request is answered with 503. maxCodeBytes sizes the
// request body limit; the engine enforces the code limit itself.
func NewExecuteHandler(engine Engine, maxCodeBytes int, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		engine:    engine,
		bodyLimit: requestBodyLimit(maxCodeBytes),
		logger:    logger,
	}
}

// requestBodyLimit leaves room for JSON escaping of the code, which can
// grow a byte to six ("\u0000").
func requestBodyLimit(maxCodeBytes int) int64 {
	if maxCodeBytes <= 0 {
		return maxBodyBytes
	}
	return int64(maxCodeBytes)*6 + maxBodyBytes
}

// HandleExecute runs the posted code and returns the assembled result.
// Failures of the code itself are reported with 200 and a populated error.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeError(w, apperror.Unavailable("code execution"))
		return
	}

	var req executor.Request
	if err := decodeJSON(w, r, &req, h.bodyLimit); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.engine.Execute(r.Context(), req)
	if err != nil {
		h.logger.Info("execution rejected",
			slog.String("subject", subject(r)),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, NewExecutionResponse(res))
}

// subject names the caller for logs.
func subject(r *http.Request) string {
	if s, ok := auth.SubjectFromContext(r.Context()); ok {
		return s
	}
	return "anonymous"
}

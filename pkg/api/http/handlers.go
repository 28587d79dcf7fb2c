package http

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aescanero/rowflow/internal/application/runs"
	"github.com/aescanero/rowflow/internal/application/workers"
	"github.com/aescanero/rowflow/pkg/domain"
)

// RunSubmitRequest represents a run submission request
type RunSubmitRequest struct {
	Pipeline string `json:"pipeline" binding:"required"`
	RunID    string `json:"run_id"`
}

// RunSubmitResponse represents a run submission response
type RunSubmitResponse struct {
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NodeStateResponse is a node state as served by the API.
type NodeStateResponse struct {
	StateID     string                 `json:"state_id"`
	TokenID     string                 `json:"token_id"`
	NodeID      string                 `json:"node_id"`
	Step        int                    `json:"step"`
	Attempt     int                    `json:"attempt"`
	Status      domain.NodeStateStatus `json:"status"`
	InputHash   string                 `json:"input_hash"`
	OutputHash  *string                `json:"output_hash,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	DurationMS  *float64               `json:"duration_ms,omitempty"`
	Error       *domain.FailureDetail  `json:"error,omitempty"`
}

// OutcomeResponse is a recorded token outcome.
type OutcomeResponse struct {
	TokenID string                `json:"token_id"`
	RowID   string                `json:"row_id"`
	NodeID  string                `json:"node_id"`
	Outcome domain.EncodedOutcome `json:"outcome"`
}

// WorkerResponse is one worker of the pool
type WorkerResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// handleHealth reports unhealthy once the worker pool has stopped workers
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{"api": "ok"}
	healthy := true
	if s.pool != nil {
		status := s.pool.Health().GetStatus()
		checks["workers"] = status
		healthy = status.Healthy
	}

	code := http.StatusOK
	state := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(code, gin.H{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func (s *Server) handleListPipelines(c *gin.Context) {
	names := s.runs.Pipelines()
	c.JSON(http.StatusOK, gin.H{
		"pipelines": names,
		"total":     len(names),
	})
}

func (s *Server) handleGetPipeline(c *gin.Context) {
	def, err := s.runs.Pipeline(c.Param("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// handleSubmitRun handles run submission
func (s *Server) handleSubmitRun(c *gin.Context) {
	var req RunSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	runID, err := s.runs.Submit(c.Request.Context(), runs.SubmitRequest{Pipeline: req.Pipeline, RunID: req.RunID})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, RunSubmitResponse{
		RunID:       runID,
		Status:      string(domain.RunStatusPending),
		SubmittedAt: time.Now().UTC(),
	})
}

func (s *Server) handleListRuns(c *gin.Context) {
	views := s.runs.List()
	if status := c.Query("status"); status != "" {
		filtered := views[:0]
		for _, v := range views {
			if string(v.Status) == status {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":  views,
		"total": len(views),
	})
}

func (s *Server) handleGetRun(c *gin.Context) {
	view, err := s.runs.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleCancelRun interrupts a run; it can be resumed afterwards
func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")
	if err := s.runs.Cancel(c.Request.Context(), runID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"run_id":       runID,
		"status":       "cancelling",
		"requested_at": time.Now().UTC(),
	})
}

func (s *Server) handleResumeRun(c *gin.Context) {
	runID := c.Param("id")
	if err := s.runs.Resume(c.Request.Context(), runID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"run_id": runID,
		"status": string(domain.RunStatusPending),
	})
}

func (s *Server) handleListNodeStates(c *gin.Context) {
	if !s.requireAudit(c) {
		return
	}
	records, err := s.audit.ListNodeStates(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := make([]NodeStateResponse, len(records))
	for i, r := range records {
		out[i] = NodeStateResponse{
			StateID:     r.StateID,
			TokenID:     r.TokenID,
			NodeID:      r.NodeID,
			Step:        r.Step,
			Attempt:     r.Attempt,
			Status:      r.Status,
			InputHash:   r.InputHash,
			OutputHash:  r.OutputHash,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
			DurationMS:  r.DurationMS,
			Error:       r.Error,
		}
	}
	c.JSON(http.StatusOK, gin.H{"node_states": out, "total": len(out)})
}

func (s *Server) handleListOutcomes(c *gin.Context) {
	if !s.requireAudit(c) {
		return
	}
	records, err := s.audit.ListTokenOutcomes(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := make([]OutcomeResponse, 0, len(records))
	for _, r := range records {
		enc, err := domain.EncodeOutcome(r.Outcome)
		if err != nil {
			s.writeError(c, err)
			return
		}
		out = append(out, OutcomeResponse{TokenID: r.TokenID, RowID: r.RowID, NodeID: r.NodeID, Outcome: enc})
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": out, "total": len(out)})
}

func (s *Server) handleListWorkers(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: ErrorDetail{
				Code:    "WORKERS_NOT_AVAILABLE",
				Message: "Worker pool is not configured",
			},
		})
		return
	}

	statuses := s.pool.GetStatus()
	out := make([]WorkerResponse, 0, len(statuses))
	for id, st := range statuses {
		out = append(out, WorkerResponse{ID: id, State: string(st)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, gin.H{
		"data":   out,
		"health": s.pool.Health().GetStatus(),
	})
}

func (s *Server) requireAudit(c *gin.Context) bool {
	if s.audit != nil {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: ErrorDetail{
			Code:    "AUDIT_NOT_AVAILABLE",
			Message: "Audit reader is not configured",
		},
	})
	return false
}

// writeError maps domain and run-manager errors to HTTP responses
func (s *Server) writeError(c *gin.Context, err error) {
	code, status := "INTERNAL", http.StatusInternalServerError
	switch {
	case errors.Is(err, runs.ErrInvalidRequest):
		code, status = "INVALID_REQUEST", http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, runs.ErrUnknownPipeline):
		code, status = "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, runs.ErrRunActive), errors.Is(err, runs.ErrRunNotActive):
		code, status = "CONFLICT", http.StatusConflict
	case errors.Is(err, domain.ErrCheckpointIncompatible), errors.Is(err, domain.ErrInvalidGraph):
		code, status = "UNPROCESSABLE", http.StatusUnprocessableEntity
	case errors.Is(err, runs.ErrShuttingDown), errors.Is(err, workers.ErrQueueFull), errors.Is(err, workers.ErrPoolClosed):
		code, status = "UNAVAILABLE", http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/reflow/internal/core/domain"
	"github.com/vietddude/reflow/internal/flow"
	"github.com/vietddude/reflow/internal/infra/storage"
)

const defaultListLimit = 50

var (
	ErrInvalidJSON  = errors.New("invalid JSON")
	ErrInvalidPlan  = errors.New("invalid flow plan")
	ErrInvalidLimit = errors.New("limit must be a non-negative integer")
	ErrListFlows    = errors.New("failed to list flows")
	ErrGetFlow      = errors.New("failed to get flow")
	ErrStartFlow    = errors.New("failed to start flow")
	ErrFlowNotFound = errors.New("flow not found")
)

// FlowAccepted is returned for a started or still-running flow.
type FlowAccepted struct {
	FlowID string `json:"flow_id"`
	Status string `json:"status"`
}

// FlowsListResponse wraps stored flow results.
type FlowsListResponse struct {
	Flows []*domain.FlowResult `json:"flows"`
	Count int                  `json:"count"`
}

func (s *Server) listFlows(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			abort(c, http.StatusBadRequest, ErrInvalidLimit)
			return
		}
		limit = n
	}

	flows, err := s.results.List(c.Request.Context(), limit)
	if err != nil {
		abort(c, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrListFlows, err))
		return
	}
	c.JSON(http.StatusOK, FlowsListResponse{Flows: flows, Count: len(flows)})
}

func (s *Server) startFlow(c *gin.Context) {
	var plan domain.FlowPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
		return
	}
	if plan.AtomicMode == "" {
		plan.AtomicMode = domain.AtomicModeStrict
	}
	if err := flow.ValidatePlan(&plan); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidPlan, err))
		return
	}

	flowID, err := s.runner.Submit(&plan)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, FlowAccepted{FlowID: flowID, Status: "running"})
	case errors.Is(err, flow.ErrFlowRunning):
		abort(c, http.StatusConflict, err)
	case errors.Is(err, flow.ErrAtCapacity):
		abort(c, http.StatusServiceUnavailable, err)
	default:
		abort(c, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrStartFlow, err))
	}
}

func (s *Server) getFlow(c *gin.Context) {
	flowID := c.Param("flowID")

	res, err := s.results.Get(c.Request.Context(), flowID)
	if err == nil {
		c.JSON(http.StatusOK, res)
		return
	}
	if !errors.Is(err, storage.ErrResultNotFound) {
		abort(c, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrGetFlow, err))
		return
	}
	if s.runner != nil && s.runner.Running(flowID) {
		c.JSON(http.StatusAccepted, FlowAccepted{FlowID: flowID, Status: "running"})
		return
	}
	abort(c, http.StatusNotFound, ErrFlowNotFound)
}

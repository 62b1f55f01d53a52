package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/reflow/internal/interaction"
)

var (
	ErrDecisionsDisabled = errors.New("decisions are not served over HTTP")
	ErrListDecisions     = errors.New("failed to list decisions")
	ErrAnswerDecision    = errors.New("failed to answer decision")
)

// AnswerRequest is the body of POST /decisions/:requestID.
type AnswerRequest struct {
	Reply string `json:"reply"`
}

// AnswerResponse echoes how the reply will be interpreted.
type AnswerResponse struct {
	RequestID string               `json:"request_id"`
	Decision  interaction.Decision `json:"decision"`
}

func (s *Server) listDecisions(c *gin.Context) {
	if s.inbox == nil {
		abort(c, http.StatusNotFound, ErrDecisionsDisabled)
		return
	}
	pending, err := s.inbox.Pending(c.Request.Context())
	if err != nil {
		abort(c, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrListDecisions, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": pending, "count": len(pending)})
}

func (s *Server) answerDecision(c *gin.Context) {
	if s.inbox == nil {
		abort(c, http.StatusNotFound, ErrDecisionsDisabled)
		return
	}
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
		return
	}

	id := c.Param("requestID")
	err := s.inbox.Answer(c.Request.Context(), id, req.Reply)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, AnswerResponse{RequestID: id, Decision: interaction.ParseDecision(req.Reply)})
	case errors.Is(err, interaction.ErrEmptyReply):
		abort(c, http.StatusBadRequest, err)
	case errors.Is(err, interaction.ErrRequestNotFound):
		abort(c, http.StatusNotFound, err)
	case errors.Is(err, interaction.ErrAlreadyAnswered):
		abort(c, http.StatusConflict, err)
	default:
		abort(c, http.StatusInternalServerError, fmt.Errorf("%w: %v", ErrAnswerDecision, err))
	}
}

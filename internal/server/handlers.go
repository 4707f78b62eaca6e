package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agentflow/internal/app"
	aferrors "agentflow/internal/errors"
	"agentflow/internal/flows"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handlePrediction(c *gin.Context) {
	var req app.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Kind: string(aferrors.ValidationInvalidFormat)})
		return
	}
	if c.GetHeader(flowToolHeader) != "" {
		s.logger.Debug("prediction for flow %s called from another flow (chain=%v)", c.Param("flowId"), req.OverrideConfig.CallChain)
	}

	resp, err := s.deps.Predictor.Predict(c.Request.Context(), c.Param("flowId"), req)
	if err != nil {
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("prediction for flow %s failed: %v", c.Param("flowId"), err)
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// errorResponse maps service errors to HTTP. Validation failures never
// reach the model, so their messages are safe to return.
func errorResponse(err error) (int, ErrorResponse) {
	var verr *aferrors.ValidationError
	switch {
	case errors.As(err, &verr):
		status := http.StatusBadRequest
		if verr.Kind == aferrors.ValidationOutOfScope {
			status = http.StatusForbidden
		}
		return status, ErrorResponse{Error: verr.Message, Kind: string(verr.Kind)}
	case errors.Is(err, flows.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error()}
	case errors.Is(err, app.ErrHumanInputUnavailable):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "prediction failed"}
}

func (s *Server) handleSSE(c *gin.Context) {
	if s.sse == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "streaming is disabled"})
		return
	}
	s.sse.Serve(c.Writer, c.Request, c.Param("chatId"))
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if s.ws == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "streaming is disabled"})
		return
	}
	s.ws.Serve(c.Writer, c.Request, c.Param("chatId"))
}

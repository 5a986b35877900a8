package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/convergio/maoc/internal/domain/orchestrator"
)

// OrchestratorHandler streams one C10 conversation turn loop over SSE,
// generalizing AgentHandler's single-agent RunAgent to the multi-agent
// orchestrate()/stream() contract.
type OrchestratorHandler struct {
	orc    *orchestrator.Orchestrator
	logger *zap.Logger
}

func NewOrchestratorHandler(orc *orchestrator.Orchestrator, logger *zap.Logger) *OrchestratorHandler {
	return &OrchestratorHandler{orc: orc, logger: logger.With(zap.String("handler", "orchestrator"))}
}

// OrchestrateRequest is the JSON body for POST /api/v1/orchestrate.
type OrchestrateRequest struct {
	ConvID              string  `json:"conv_id" binding:"required"`
	UserID              string  `json:"user_id,omitempty"`
	Message             string  `json:"message" binding:"required"`
	BudgetLimitUSD      float64 `json:"budget_limit_usd,omitempty"`
	ApprovalTimeoutSecs int     `json:"approval_timeout_secs,omitempty"`
}

// Orchestrate handles POST /api/v1/orchestrate — streams the conversation's
// turn-by-turn StreamEvents via SSE, one event per line, until the terminal
// orchestrator_final event closes the channel.
func (h *OrchestratorHandler) Orchestrate(c *gin.Context) {
	var req OrchestrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()

	var approvalTimeout time.Duration
	if req.ApprovalTimeoutSecs > 0 {
		approvalTimeout = time.Duration(req.ApprovalTimeoutSecs) * time.Second
	}

	events, err := h.orc.Orchestrate(ctx, orchestrator.Request{
		ConvID:          req.ConvID,
		UserID:          req.UserID,
		UserMessage:     req.Message,
		BudgetLimitUSD:  req.BudgetLimitUSD,
		ApprovalTimeout: approvalTimeout,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("orchestrate request started", zap.String("conv_id", req.ConvID), zap.String("user_id", req.UserID))

	flusher, _ := c.Writer.(http.Flusher)
	for event := range events {
		data, _ := json.Marshal(event)
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

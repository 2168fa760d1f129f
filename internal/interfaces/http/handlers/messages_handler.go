// Package handlers holds the gin endpoint implementations.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/domain/service"
	"github.com/lynkr/lynkr/internal/infrastructure/llm"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

// MessageService is the orchestrator surface the handler needs. Satisfied by
// *service.Orchestrator.
type MessageService interface {
	HandleMessage(ctx context.Context, req *entity.Request, sessionID string) (*service.Outcome, error)
}

// MessagesHandler terminates POST /v1/messages.
type MessagesHandler struct {
	svc    MessageService
	logger *zap.Logger
}

// NewMessagesHandler creates the handler.
func NewMessagesHandler(svc MessageService, logger *zap.Logger) *MessagesHandler {
	return &MessagesHandler{svc: svc, logger: logger}
}

// CreateMessage handles one Anthropic-style message request. The response is
// either a canonical JSON message or a raw SSE pass-through when the client
// asked for streaming.
func (h *MessagesHandler) CreateMessage(c *gin.Context) {
	var req entity.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.Wrap(apperrors.CodeInvalidRequest, "malformed request body", err)
		c.JSON(http.StatusBadRequest, appErr.Body())
		return
	}
	if len(req.Messages) == 0 {
		appErr := apperrors.New(apperrors.CodeInvalidRequest, "messages must not be empty")
		c.JSON(http.StatusBadRequest, appErr.Body())
		return
	}

	sessionID := c.GetHeader("X-Session-Id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	outcome, err := h.svc.HandleMessage(c.Request.Context(), &req, sessionID)
	if outcome != nil {
		setRoutingHeaders(c, outcome)
	}

	if err != nil {
		status := http.StatusInternalServerError
		body := apperrors.Wrap(apperrors.CodeInternal, "request failed", err).Body()
		if appErr, ok := apperrors.As(err); ok {
			status = appErr.HTTPStatus()
			body = appErr.Body()
		}
		if outcome != nil && outcome.Status != 0 {
			status = outcome.Status
		}
		h.logger.Warn("Request failed",
			zap.String("session", sessionID),
			zap.Int("status", status),
			zap.Error(err),
		)
		c.JSON(status, body)
		return
	}

	if outcome.Stream != nil {
		h.writeStream(c, outcome.Stream)
		return
	}
	c.JSON(outcome.Status, outcome.Response)
}

// setRoutingHeaders exposes the routing decision so clients can see which
// upstream served them and why.
func setRoutingHeaders(c *gin.Context, outcome *service.Outcome) {
	decision := outcome.Decision
	if outcome.ActualProvider != "" {
		c.Header("X-Lynkr-Provider", outcome.ActualProvider)
	}
	if decision.Method != "" {
		c.Header("X-Lynkr-Routing-Method", decision.Method)
	}
	if decision.Reason != "" {
		c.Header("X-Lynkr-Routing-Reason", decision.Reason)
	}
	if decision.Method == llm.MethodComplexity {
		c.Header("X-Lynkr-Complexity-Score", strconv.FormatFloat(decision.Score, 'f', 3, 64))
		c.Header("X-Lynkr-Complexity-Threshold", strconv.FormatFloat(decision.Threshold, 'f', 3, 64))
	}
	if outcome.TerminationReason != "" {
		c.Header("X-Lynkr-Termination", outcome.TerminationReason)
	}
}

// writeStream relays the upstream SSE body chunk by chunk.
func (h *MessagesHandler) writeStream(c *gin.Context, stream *llm.StreamResult) {
	defer stream.Body.Close()

	contentType := stream.ContentType
	if contentType == "" {
		contentType = "text/event-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-cache")
	c.Status(stream.Status)

	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				h.logger.Debug("Client went away mid-stream", zap.Error(werr))
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			return
		}
	}
}

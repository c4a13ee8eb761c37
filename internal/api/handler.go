package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/iatoolkit/iatoolkit/internal/chat"
	"github.com/iatoolkit/iatoolkit/internal/tenant"
	"github.com/iatoolkit/iatoolkit/pkg/llm"
	"github.com/iatoolkit/iatoolkit/pkg/logging"
)

const maxMessageRunes = 10000

type Handler struct {
	Engine   *chat.Engine
	Resolver *tenant.Resolver
	Logger   logging.Logger
}

func NewHandler(engine *chat.Engine, resolver *tenant.Resolver, logger logging.Logger) *Handler {
	return &Handler{Engine: engine, Resolver: resolver, Logger: logger}
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type QueryRequest struct {
	UserID      string            `json:"user_id"`
	Message     string            `json:"message"`
	Attachments []string          `json:"attachments,omitempty"`
	History     []historyMessage  `json:"history,omitempty"`
	PromptName  string            `json:"prompt_name,omitempty"`
	PromptArgs  map[string]string `json:"prompt_args,omitempty"`
}

type QueryResponse struct {
	Answer     string                `json:"answer"`
	ResponseID string                `json:"response_id"`
	Partial    bool                  `json:"partial,omitempty"`
	ToolCalls  []chat.ToolCallRecord `json:"tool_calls,omitempty"`
}

func RegisterRoutes(router gin.IRoutes, handler *Handler) {
	router.POST("/:tenant/api/llm_query", handler.HandleQuery)
	router.POST("/admin/tenants/reload", handler.HandleReload)
}

func (h *Handler) HandleQuery(c *gin.Context) {
	tenantID := c.Param("tenant")

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	if len([]rune(req.Message)) > maxMessageRunes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is too long"})
		return
	}
	if req.UserID == "" {
		req.UserID = uuid.NewString()
	}

	history := make([]llm.Message, 0, len(req.History))
	for _, msg := range req.History {
		switch msg.Role {
		case llm.RoleUser, llm.RoleAssistant:
			history = append(history, llm.Message{Role: msg.Role, Content: msg.Content})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "history roles must be user or assistant"})
			return
		}
	}

	result, err := h.Engine.RunTurn(c.Request.Context(), tenantID, chat.TurnRequest{
		UserID:      req.UserID,
		Message:     req.Message,
		Attachments: req.Attachments,
		History:     history,
		PromptName:  req.PromptName,
		PromptArgs:  req.PromptArgs,
	})
	if err != nil {
		status, message := statusForError(err)
		h.Logger.WithFields(logging.Fields{
			"tenant": tenantID,
			"error":  err.Error(),
		}).Warn("Query turn failed")
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusOK, QueryResponse{
		Answer:     result.Answer,
		ResponseID: result.ResponseID,
		Partial:    result.Partial,
		ToolCalls:  result.ToolCalls,
	})
}

// HandleReload swaps the tenant catalog on an explicit administrative
// signal; the cache is never invalidated implicitly.
func (h *Handler) HandleReload(c *gin.Context) {
	if err := h.Resolver.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": h.Resolver.IDs()})
}

func statusForError(err error) (int, string) {
	var unknownTenant *tenant.UnknownTenantError
	if errors.As(err, &unknownTenant) {
		return http.StatusNotFound, unknownTenant.Error()
	}
	var unsupported *llm.UnsupportedModelError
	if errors.As(err, &unsupported) {
		return http.StatusBadRequest, unsupported.Error()
	}
	var turnLimit *chat.TurnLimitError
	if errors.As(err, &turnLimit) {
		return http.StatusBadGateway, "the model could not produce an answer within the allowed tool rounds"
	}
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		switch perr.Kind {
		case llm.KindRateLimited:
			return http.StatusTooManyRequests, "the model provider is rate limiting requests"
		case llm.KindInvalidRequest:
			return http.StatusBadRequest, "the model provider rejected the request"
		default:
			return http.StatusBadGateway, "the model provider is unavailable"
		}
	}
	if errors.Is(err, context.Canceled) {
		return 499, "client closed request"
	}
	return http.StatusInternalServerError, "internal error"
}

// Package handlers provides the REST surface for reading conversations
// and fetching attachment content. Writes go over the WebSocket API.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/conversation/store"
	"github.com/confab/confab/internal/orchestrator"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// Handler contains HTTP handlers for the conversation API
type Handler struct {
	service *orchestrator.Service
	store   *store.Store
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(service *orchestrator.Service, st *store.Store, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		store:   st,
		logger:  log.WithFields(zap.String("component", "conversation-api")),
	}
}

// RegisterRoutes adds the REST routes to the Gin engine
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/conversations", h.ListConversations)
		api.GET("/conversations/:id", h.GetConversation)
		api.GET("/conversations/:id/events", h.GetEvents)
		api.GET("/conversations/:id/turns/:turn/events/:event/attachments", h.ListAttachments)
		api.GET("/attachments/:id/content", h.GetAttachmentContent)
	}
}

// ListConversations returns conversations newest first
// GET /api/v1/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	params := v1.ListConversationsParams{
		Query:  c.Query("query"),
		Status: c.Query("status"),
		Limit:  intQuery(c, "limit"),
		Offset: intQuery(c, "offset"),
	}
	convs, err := h.service.ListConversations(c.Request.Context(), params)
	if err != nil {
		h.writeError(c, err)
		return
	}
	result := v1.ListConversationsResult{Conversations: make([]*v1.Conversation, 0, len(convs))}
	for _, conv := range convs {
		result.Conversations = append(result.Conversations, conv.ToAPI())
	}
	c.JSON(http.StatusOK, result)
}

// GetConversation returns a snapshot of one conversation
// GET /api/v1/conversations/:id
func (h *Handler) GetConversation(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.writeError(c, apperrors.Validation("invalid conversation id"))
		return
	}
	snapshot, err := h.service.Snapshot(c.Request.Context(), v1.GetConversationParams{
		Conversation:    id,
		SinceSeq:        int64(intQuery(c, "sinceSeq")),
		Limit:           intQuery(c, "limit"),
		IncludeScenario: c.Query("includeScenario") == "true",
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetEvents returns a page of the conversation log
// GET /api/v1/conversations/:id/events
func (h *Handler) GetEvents(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.writeError(c, apperrors.Validation("invalid conversation id"))
		return
	}
	events, err := h.service.GetEvents(c.Request.Context(), v1.GetEventsParams{
		Conversation: id,
		SinceSeq:     int64(intQuery(c, "sinceSeq")),
		Limit:        intQuery(c, "limit"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	result := v1.GetEventsResult{Events: make([]*v1.Event, 0, len(events))}
	for _, ev := range events {
		result.Events = append(result.Events, ev.ToAPI())
	}
	c.JSON(http.StatusOK, result)
}

// ListAttachments returns the attachment references of one event. Content
// is fetched separately through the content endpoint.
// GET /api/v1/conversations/:id/turns/:turn/events/:event/attachments
func (h *Handler) ListAttachments(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.writeError(c, apperrors.Validation("invalid conversation id"))
		return
	}
	turn, err := strconv.Atoi(c.Param("turn"))
	if err != nil {
		h.writeError(c, apperrors.Validation("invalid turn"))
		return
	}
	event, err := strconv.Atoi(c.Param("event"))
	if err != nil {
		h.writeError(c, apperrors.Validation("invalid event"))
		return
	}

	atts, err := h.store.ListAttachments(c.Request.Context(), id, turn, event)
	if err != nil {
		h.writeError(c, err)
		return
	}
	refs := make([]v1.Attachment, 0, len(atts))
	for _, att := range atts {
		refs = append(refs, v1.Attachment{
			ID:          att.ID,
			Name:        att.Name,
			ContentType: att.ContentType,
			Summary:     att.Summary,
			DocRef:      att.DocRef,
		})
	}
	c.JSON(http.StatusOK, gin.H{"attachments": refs})
}

// GetAttachmentContent streams the stored bytes of one attachment. The
// log itself only carries the attachment reference.
// GET /api/v1/attachments/:id/content
func (h *Handler) GetAttachmentContent(c *gin.Context) {
	att, err := h.store.GetAttachment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, att.Content)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		h.logger.Error("request failed", zap.Error(err))
		appErr = apperrors.Internal("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}

func intQuery(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return v
}

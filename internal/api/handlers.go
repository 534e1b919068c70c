package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/driftbyte/agent-gateway/internal/auth"
	"github.com/driftbyte/agent-gateway/internal/logger"
	"github.com/driftbyte/agent-gateway/internal/store"
	"github.com/driftbyte/agent-gateway/internal/streaming"
	"github.com/gin-gonic/gin"
)

// Handlers exposes the REST surface around the WebSocket core: chat CRUD,
// message history, and stream observability.
type Handlers struct {
	store       *store.Store
	registry    *streaming.Registry
	adminUserID string
	logger      *logger.Logger
}

// NewHandlers wires the REST handlers.
func NewHandlers(st *store.Store, registry *streaming.Registry, adminUserID string, log *logger.Logger) *Handlers {
	return &Handlers{
		store:       st,
		registry:    registry,
		adminUserID: adminUserID,
		logger:      log.WithComponent("api"),
	}
}

// Register mounts the routes on an authenticated router group.
func (h *Handlers) Register(rg *gin.RouterGroup) {
	rg.POST("/chats", h.CreateChat)
	rg.GET("/chats", h.ListChats)
	rg.GET("/chats/:chatId", h.GetChat)
	rg.DELETE("/chats/:chatId", h.DeleteChat)
	rg.GET("/chats/:chatId/messages", h.ListMessages)
	rg.GET("/streams", h.ListStreams)
}

type createChatRequest struct {
	Title string `json:"title"`
}

// CreateChat handles POST /api/v1/chats.
func (h *Handlers) CreateChat(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	chat, err := h.store.CreateChat(c.Request.Context(), userID, req.Title)
	if err != nil {
		h.logger.Error("failed to create chat", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create chat"})
		return
	}

	c.JSON(http.StatusCreated, chat)
}

// ListChats handles GET /api/v1/chats.
func (h *Handlers) ListChats(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	chats, err := h.store.ListChats(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list chats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list chats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetChat handles GET /api/v1/chats/:chatId.
func (h *Handlers) GetChat(c *gin.Context) {
	chat := h.authorizedChat(c)
	if chat == nil {
		return
	}
	c.JSON(http.StatusOK, chat)
}

// DeleteChat handles DELETE /api/v1/chats/:chatId.
func (h *Handlers) DeleteChat(c *gin.Context) {
	chat := h.authorizedChat(c)
	if chat == nil {
		return
	}

	if err := h.store.DeleteChat(c.Request.Context(), chat.ID); err != nil {
		h.logger.Error("failed to delete chat", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete chat"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ListMessages handles GET /api/v1/chats/:chatId/messages.
func (h *Handlers) ListMessages(c *gin.Context) {
	chat := h.authorizedChat(c)
	if chat == nil {
		return
	}

	msgs, err := h.store.ListMessages(c.Request.Context(), chat.ID)
	if err != nil {
		h.logger.Error("failed to list messages", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListStreams handles GET /api/v1/streams. Admin sees every resident
// stream; other users see only their own.
func (h *Handlers) ListStreams(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	infos := h.registry.Snapshot()
	if h.adminUserID == "" || userID != h.adminUserID {
		own := infos[:0]
		for _, info := range infos {
			if info.UserID == userID {
				own = append(own, info)
			}
		}
		infos = own
	}

	c.JSON(http.StatusOK, gin.H{"streams": infos})
}

// authorizedChat loads the chat from the path and enforces ownership (admin
// bypasses). Writes the error response and returns nil on failure.
func (h *Handlers) authorizedChat(c *gin.Context) *store.Chat {
	userID, ok := auth.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return nil
	}

	chatID := c.Param("chatId")
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chatId is required"})
		return nil
	}

	chat, err := h.store.GetChat(c.Request.Context(), chatID)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return nil
		}
		h.logger.Error("failed to load chat", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chat"})
		return nil
	}

	isAdmin := h.adminUserID != "" && userID == h.adminUserID
	if chat.UserID != userID && !isAdmin {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		return nil
	}

	return chat
}

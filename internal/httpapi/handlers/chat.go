package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/projectchat/internal/chat"
	"github.com/suPer8Hu/projectchat/internal/common"
	"github.com/suPer8Hu/projectchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/projectchat/internal/logger"
)

func userID(c *gin.Context) (uint64, bool) {
	return middleware.UserID(c)
}

type createChatReq struct {
	ProjectID    uint64 `json:"project_id"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Title        string `json:"title"`
	Instructions string `json:"instructions"`
}

func (h *Handler) CreateChat(c *gin.Context) {
	uid, _ := userID(c)
	var req createChatReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	ch, err := h.Chats.CreateChat(c.Request.Context(), uid, chat.CreateChatInput{
		ProjectID:    req.ProjectID,
		Provider:     req.Provider,
		Model:        req.Model,
		Title:        req.Title,
		Instructions: req.Instructions,
	})
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"chat": ch})
}

func (h *Handler) ListChats(c *gin.Context) {
	uid, _ := userID(c)
	limit, _ := strconv.Atoi(c.Query("limit"))
	chats, err := h.Chats.ListChats(c.Request.Context(), uid, limit)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"chats": chats})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, _ := userID(c)
	chatID := c.Param("chat_id")
	msgs, err := h.Chats.Messages(c.Request.Context(), uid, chatID)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"chat_id": chatID, "messages": msgs})
}

type renameChatReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) RenameChat(c *gin.Context) {
	uid, _ := userID(c)
	var req renameChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	ch, err := h.Chats.RenameChat(c.Request.Context(), uid, c.Param("chat_id"), req.Title)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"chat": ch})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	uid, _ := userID(c)
	if err := h.Chats.DeleteChat(c.Request.Context(), uid, c.Param("chat_id")); err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

type streamReq struct {
	ChatID    string            `json:"chat_id"`
	ProjectID uint64            `json:"project_id"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Message   string            `json:"message"`
	Images    []chat.ImageInput `json:"images"`
}

// SendChatMessageStream answers with text/event-stream in every case. Even
// rejected requests get an error event and the closing [DONE] frame.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	// Bind before the headers go out: the server drops an unread request
	// body once the response is committed.
	var req streamReq
	bindErr := c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	relay, err := NewRelay(ctx, c.Writer)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming unsupported")
		return
	}
	if bindErr != nil {
		relay.Reject("Invalid request body.")
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go relay.Heartbeat(hbCtx, h.Cfg.HeartbeatInterval)

	uid, _ := userID(c)
	res := h.Orch.Stream(ctx, chat.StreamRequest{
		UserID:    uid,
		ChatID:    strings.TrimSpace(req.ChatID),
		ProjectID: req.ProjectID,
		Provider:  req.Provider,
		Model:     req.Model,
		Message:   req.Message,
		Images:    req.Images,
	}, relay)
	logger.FromContext(ctx).Debug("stream handler returned", "chat_id", res.ChatID, "outcome", res.Outcome)
}

// StreamRateLimited rejects a throttled stream request in the event-stream
// shape, so the browser reader handles it like any other rejection.
func (h *Handler) StreamRateLimited(c *gin.Context) {
	relay, err := NewRelay(c.Request.Context(), c.Writer)
	if err != nil {
		common.Fail(c, http.StatusTooManyRequests, 42900, "too many requests, slow down")
		return
	}
	relay.Reject("You are sending messages too quickly. Please wait a minute and try again.")
}

type asyncReq struct {
	ChatID    string `json:"chat_id"`
	ProjectID uint64 `json:"project_id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Message   string `json:"message" binding:"required"`
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, _ := userID(c)
	var req asyncReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	job, err := h.Chats.SubmitAsync(c.Request.Context(), chat.AsyncRequest{
		UserID:         uid,
		ChatID:         strings.TrimSpace(req.ChatID),
		ProjectID:      req.ProjectID,
		Provider:       req.Provider,
		Model:          req.Model,
		Message:        req.Message,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"job_id": job.ID, "chat_id": job.ChatID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, _ := userID(c)
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}
	j, err := h.Chats.GetJob(c.Request.Context(), uid, jobID)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"job": j})
}

type enhanceReq struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Message  string `json:"message" binding:"required"`
}

func (h *Handler) EnhancePrompt(c *gin.Context) {
	uid, _ := userID(c)
	var req enhanceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	out, err := h.Chats.Enhance(c.Request.Context(), chat.EnhanceRequest{
		UserID:   uid,
		Provider: req.Provider,
		Model:    req.Model,
		Draft:    req.Message,
	})
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"prompt": out})
}

package handlers

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/projectchat/internal/ai"
	"github.com/suPer8Hu/projectchat/internal/chat"
	"github.com/suPer8Hu/projectchat/internal/common"
	"github.com/suPer8Hu/projectchat/internal/config"
	"github.com/suPer8Hu/projectchat/internal/logger"
	"github.com/suPer8Hu/projectchat/internal/project"
)

type Handler struct {
	Cfg      config.Config
	Chats    *chat.Service
	Orch     *chat.Orchestrator
	Projects *project.Store
	Registry *ai.Registry
}

func NewHandler(cfg config.Config, chats *chat.Service, orch *chat.Orchestrator, projects *project.Store, registry *ai.Registry) *Handler {
	return &Handler{Cfg: cfg, Chats: chats, Orch: orch, Projects: projects, Registry: registry}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// fail maps service errors onto the JSON envelope. User errors carry their
// own message; anything else is logged and reported generically.
func fail(c *gin.Context, err error) {
	var ue *common.UserError
	switch {
	case errors.Is(err, chat.ErrChatNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "chat not found")
	case errors.Is(err, chat.ErrJobNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
	case errors.Is(err, project.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40403, "project not found")
	case errors.As(err, &ue):
		common.Fail(c, http.StatusBadRequest, 40001, ue.Msg)
	default:
		logger.FromContext(c.Request.Context()).Error("request failed", "path", c.FullPath(), logger.Err(err))
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

type providerInfo struct {
	ID           string `json:"id"`
	DefaultModel string `json:"default_model"`
	FastModel    string `json:"fast_model"`
}

func (h *Handler) ListProviders(c *gin.Context) {
	names := h.Registry.Names()
	sort.Strings(names)
	out := make([]providerInfo, 0, len(names))
	for _, n := range names {
		out = append(out, providerInfo{ID: n, DefaultModel: ai.DefaultModel(n), FastModel: ai.FastModel(n)})
	}
	common.OK(c, gin.H{"providers": out})
}

func (h *Handler) ListProjects(c *gin.Context) {
	uid, _ := userID(c)
	ps, err := h.Projects.ListAccessible(c.Request.Context(), uid)
	if err != nil {
		fail(c, err)
		return
	}
	common.OK(c, gin.H{"projects": ps})
}

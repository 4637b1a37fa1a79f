package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/linkpilot/pkg/logger"
	"github.com/d60-Lab/linkpilot/pkg/response"
)

// Dashboard 认证状态、今日计数、下次触发、失败动作、最近事件与帖子
// @Summary 仪表盘
// @Tags 状态
// @Produce html
// @Router / [get]
func (h *Handler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()
	cred, authed := h.authenticated(ctx)

	usage, err := h.Gate.Snapshot(ctx)
	if err != nil {
		logger.Warn("dashboard counters", zap.Error(err))
	}
	open, err := h.Store.FailedActions.CountOpen(ctx)
	if err != nil {
		logger.Warn("dashboard failed actions", zap.Error(err))
	}
	actions, _ := h.Store.FailedActions.List(ctx, 20)
	events, _ := h.Store.Events.Recent(ctx, 20)
	posts, _ := h.Store.Posts.List(ctx, 10)

	var expires *time.Time
	if cred != nil {
		expires = &cred.ExpiresAt
	}
	c.HTML(http.StatusOK, "dashboard.tmpl", gin.H{
		"Authenticated": authed,
		"ExpiresAt":     expires,
		"DryRun":        h.DryRun,
		"Today":         h.Gate.Today(),
		"HoursOpen":     h.Gate.HoursOpen(),
		"Usage":         usage,
		"Jobs":          h.Jobs.Entries(),
		"OpenActions":   open,
		"Actions":       actions,
		"Events":        events,
		"Posts":         posts,
		"Location":      h.Gate.Location(),
	})
}

type healthResponse struct {
	Status        string    `json:"status"`
	Authenticated bool      `json:"authenticated"`
	DryRun        bool      `json:"dry_run"`
	Time          time.Time `json:"time"`
}

// Health 存活与认证状态；存储不可用时返回 503
// @Summary 健康检查
// @Tags 状态
// @Produce json
// @Success 200 {object} healthResponse
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	resp := healthResponse{Status: "ok", DryRun: h.DryRun, Time: h.Now().UTC()}
	if err := h.Store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	_, resp.Authenticated = h.authenticated(ctx)
	c.JSON(http.StatusOK, resp)
}

// Diagnostics 平台连通性自检
// @Summary 诊断
// @Tags 状态
// @Success 200 {object} response.Response
// @Router /api/diagnostics [get]
func (h *Handler) Diagnostics(c *gin.Context) {
	if h.Prober == nil {
		response.Error(c, http.StatusNotImplemented, "diagnostics unavailable")
		return
	}
	response.Success(c, gin.H{"dry_run": h.DryRun, "social": h.Prober.Probe(c.Request.Context())})
}

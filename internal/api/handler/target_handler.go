package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/internal/service"
	"github.com/d60-Lab/linkpilot/pkg/response"
)

// Queue 待审批与已审批目标（HTML）
// @Summary 审批队列页面
// @Tags 主动互动
// @Produce html
// @Router /queue [get]
func (h *Handler) Queue(c *gin.Context) {
	targets, err := h.Store.Targets.ListByStatus(c.Request.Context(), model.TargetStatusPending, model.TargetStatusApproved)
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.HTML(http.StatusOK, "queue.tmpl", gin.H{"Targets": targets, "DryRun": h.DryRun, "Location": h.Gate.Location()})
}

// QueueJSON 同 /queue 的 JSON 版本
// @Summary 审批队列
// @Tags 主动互动
// @Produce json
// @Param status query string false "逗号分隔的状态" default(pending,approved)
// @Success 200 {object} response.Response
// @Router /api/queue [get]
func (h *Handler) QueueJSON(c *gin.Context) {
	statuses := strings.Split(c.DefaultQuery("status", model.TargetStatusPending+","+model.TargetStatusApproved), ",")
	targets, err := h.Store.Targets.ListByStatus(c.Request.Context(), statuses...)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": targets})
}

// EnqueueTarget 添加主动评论目标（表单或 JSON）
// @Summary 添加目标
// @Tags 主动互动
// @Accept json
// @Produce json
// @Param request body service.TargetInput true "目标"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /enqueue_target [post]
func (h *Handler) EnqueueTarget(c *gin.Context) {
	var in service.TargetInput
	if err := c.ShouldBind(&in); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(in.TargetURL) == "" && strings.TrimSpace(in.TargetURN) == "" {
		response.BadRequest(c, "target_url or target_urn is required")
		return
	}
	t, err := h.Proactive.EnqueueTarget(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	if !wantsJSON(c) {
		c.Redirect(http.StatusSeeOther, "/queue")
		return
	}
	response.Success(c, t)
}

// Approve 审批通过
// @Summary 审批目标
// @Tags 主动互动
// @Param id path int true "目标ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /approve/{id} [post]
func (h *Handler) Approve(c *gin.Context) {
	h.transition(c, true)
}

// Reject 拒绝
// @Summary 拒绝目标
// @Tags 主动互动
// @Param id path int true "目标ID"
// @Success 200 {object} response.Response
// @Router /reject/{id} [post]
func (h *Handler) Reject(c *gin.Context) {
	h.transition(c, false)
}

func (h *Handler) transition(c *gin.Context, approve bool) {
	id, ok := idParam(c)
	if !ok {
		response.BadRequest(c, "invalid id")
		return
	}
	ctx := c.Request.Context()
	if _, err := h.Store.Targets.Get(ctx, id); err != nil {
		fail(c, err)
		return
	}
	var (
		changed bool
		err     error
	)
	if approve {
		changed, err = h.Store.Targets.Approve(ctx, id, h.Now())
	} else {
		changed, err = h.Store.Targets.Reject(ctx, id, h.Now())
	}
	if err != nil {
		fail(c, err)
		return
	}
	if !changed {
		response.Conflict(c, "target is not in a state that allows this transition")
		return
	}
	if !wantsJSON(c) {
		c.Redirect(http.StatusSeeOther, "/queue")
		return
	}
	t, err := h.Store.Targets.Get(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, t)
}

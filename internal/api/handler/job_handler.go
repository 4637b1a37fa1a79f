package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/linkpilot/internal/scheduler"
	"github.com/d60-Lab/linkpilot/pkg/response"
)

type runJobRequest struct {
	JobID string `json:"job_id" form:"job_id" binding:"required"`
}

type actionRequest struct {
	ID uint `json:"id" form:"id" binding:"required"`
}

// RunJob 立即触发一个任务
// @Summary 手动触发任务
// @Tags 调度
// @Accept json
// @Param request body runJobRequest true "任务"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /api/run_job [post]
func (h *Handler) RunJob(c *gin.Context) {
	var req runJobRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	err := h.Jobs.RunNow(req.JobID)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		response.NotFound(c, err.Error())
		return
	case errors.Is(err, scheduler.ErrBusy):
		response.Conflict(c, err.Error())
		return
	case err != nil:
		response.InternalError(c, err)
		return
	}
	if !wantsJSON(c) {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	response.Success(c, gin.H{"job_id": req.JobID, "queued": true})
}

// ListJobs 调度表
// @Summary 任务列表
// @Tags 调度
// @Success 200 {object} response.Response
// @Router /api/jobs [get]
func (h *Handler) ListJobs(c *gin.Context) {
	response.Success(c, gin.H{"list": h.Jobs.Entries()})
}

// FailedActions 重试队列
// @Summary 失败动作列表
// @Tags 重试
// @Param limit query int false "条数" default(50)
// @Success 200 {object} response.Response
// @Router /api/failed_actions [get]
func (h *Handler) FailedActions(c *gin.Context) {
	list, err := h.Store.FailedActions.List(c.Request.Context(), limitQuery(c, 50, 500))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": list})
}

// RetryAction 重置为待重试，下次 retry 任务立即处理
// @Summary 重试失败动作
// @Tags 重试
// @Param request body actionRequest true "动作ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/retry_action [post]
func (h *Handler) RetryAction(c *gin.Context) {
	h.action(c, h.Retry.Requeue)
}

// DeleteAction 删除失败动作
// @Summary 删除失败动作
// @Tags 重试
// @Param request body actionRequest true "动作ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/delete_action [post]
func (h *Handler) DeleteAction(c *gin.Context) {
	h.action(c, h.Retry.Delete)
}

func (h *Handler) action(c *gin.Context, op func(ctx context.Context, id uint) error) {
	var req actionRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := op(c.Request.Context(), req.ID); err != nil {
		fail(c, err)
		return
	}
	if !wantsJSON(c) {
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	response.Success(c, gin.H{"id": req.ID})
}

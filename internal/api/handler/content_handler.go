package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/linkpilot/internal/service"
	"github.com/d60-Lab/linkpilot/internal/social"
	"github.com/d60-Lab/linkpilot/pkg/response"
)

type manualPostRequest struct {
	Text string `json:"text" form:"text" binding:"required"`
}

type refineRequest struct {
	Text        string `json:"text" form:"text" binding:"required"`
	Instruction string `json:"instruction" form:"instruction"`
}

type incomingCommentRequest struct {
	ObjectURN string    `json:"object_urn" binding:"required"`
	ID        string    `json:"id" binding:"required"`
	URN       string    `json:"urn"`
	Actor     string    `json:"actor"`
	Text      string    `json:"text" binding:"required"`
	ParentURN string    `json:"parent_urn"`
	CreatedAt time.Time `json:"created_at"`
}

type inviteStatusRequest struct {
	Status string `json:"status" form:"status" binding:"required,oneof=pending sent failed accepted rejected"`
}

// Events 最近的系统事件
// @Summary 系统事件
// @Tags 状态
// @Param limit query int false "条数" default(50)
// @Success 200 {object} response.Response
// @Router /api/events [get]
func (h *Handler) Events(c *gin.Context) {
	list, err := h.Store.Events.Recent(c.Request.Context(), limitQuery(c, 50, 500))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": list})
}

// Posts 最近的帖子
// @Summary 帖子列表
// @Tags 发帖
// @Param limit query int false "条数" default(20)
// @Success 200 {object} response.Response
// @Router /api/posts [get]
func (h *Handler) Posts(c *gin.Context) {
	list, err := h.Store.Posts.List(c.Request.Context(), limitQuery(c, 20, 200))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": list})
}

// ManualPost 运营者手写的帖子，照常过门控与审核
// @Summary 手动发帖
// @Tags 发帖
// @Accept json
// @Param request body manualPostRequest true "正文"
// @Success 200 {object} response.Response
// @Failure 422 {object} response.Response
// @Failure 429 {object} response.Response
// @Router /api/manual_post [post]
func (h *Handler) ManualPost(c *gin.Context) {
	var req manualPostRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	out, err := h.Post.PublishManual(c.Request.Context(), req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, out)
}

// Refine 按指令改写草稿，不发布
// @Summary 改写草稿
// @Tags 发帖
// @Accept json
// @Param request body refineRequest true "草稿与指令"
// @Success 200 {object} response.Response
// @Router /api/refine [post]
func (h *Handler) Refine(c *gin.Context) {
	var req refineRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	text, err := h.Post.Refine(c.Request.Context(), req.Text, req.Instruction)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"text": text})
}

// IncomingComment 外部转发的评论，走与轮询相同的观察路径
// @Summary 注入评论
// @Tags 评论
// @Accept json
// @Param request body incomingCommentRequest true "评论"
// @Success 200 {object} response.Response
// @Router /api/incoming_comment [post]
func (h *Handler) IncomingComment(c *gin.Context) {
	var req incomingCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	created, err := h.Reply.Ingest(c.Request.Context(), req.ObjectURN, social.RemoteComment{
		ID:        req.ID,
		URN:       req.URN,
		Actor:     req.Actor,
		Text:      req.Text,
		ParentURN: req.ParentURN,
		CreatedAt: req.CreatedAt,
	})
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"created": created})
}

// Invites 邀请目标列表
// @Summary 邀请列表
// @Tags 邀请
// @Param limit query int false "条数" default(100)
// @Success 200 {object} response.Response
// @Router /api/invites [get]
func (h *Handler) Invites(c *gin.Context) {
	list, err := h.Store.Invites.List(c.Request.Context(), limitQuery(c, 100, 1000))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": list})
}

// EnqueueInvite 添加邀请目标（按成员 URN 幂等）
// @Summary 添加邀请
// @Tags 邀请
// @Accept json
// @Param request body service.InviteInput true "邀请"
// @Success 200 {object} response.Response
// @Router /api/invites [post]
func (h *Handler) EnqueueInvite(c *gin.Context) {
	var in service.InviteInput
	if err := c.ShouldBind(&in); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	inv, created, err := h.Invite.Enqueue(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, response.Response{Code: 0, Message: "ok", Data: gin.H{"invite": inv, "created": created}})
}

// InviteStatus 运营者或外部同步更新邀请状态
// @Summary 更新邀请状态
// @Tags 邀请
// @Param id path int true "邀请ID"
// @Param request body inviteStatusRequest true "状态"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/invites/{id}/status [post]
func (h *Handler) InviteStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		response.BadRequest(c, "invalid id")
		return
	}
	var req inviteStatusRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.Invite.SetStatus(c.Request.Context(), id, req.Status); err != nil {
		fail(c, err)
		return
	}
	inv, err := h.Store.Invites.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, inv)
}

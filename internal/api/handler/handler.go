package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/internal/auth"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/internal/quota"
	"github.com/d60-Lab/linkpilot/internal/repository"
	"github.com/d60-Lab/linkpilot/internal/retry"
	"github.com/d60-Lab/linkpilot/internal/scheduler"
	"github.com/d60-Lab/linkpilot/internal/service"
	"github.com/d60-Lab/linkpilot/internal/social"
	"github.com/d60-Lab/linkpilot/pkg/response"
)

// Jobs 调度器对控制面暴露的部分
type Jobs interface {
	RunNow(id string) error
	Entries() []scheduler.Entry
}

// OAuth 授权码流程
type OAuth interface {
	Configured() bool
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*model.Credential, error)
}

// Identity 登录后预热身份，登出时清缓存
type Identity interface {
	Me(ctx context.Context) (social.Identity, error)
	ForgetIdentity()
}

// Prober 诊断自检
type Prober interface {
	Probe(ctx context.Context) social.Diagnostics
}

type Deps struct {
	Store    *repository.Store
	Gate     *quota.Gate
	Retry    *retry.Queue
	Jobs     Jobs
	OAuth    OAuth
	Identity Identity
	Prober   Prober
	Sessions *auth.Sessions
	States   auth.StateStore

	Post      *service.PostPipeline
	Reply     *service.ReplyPipeline
	Proactive *service.ProactivePipeline
	Invite    *service.InvitePipeline

	DryRun       bool
	SecureCookie bool
	Now          func() time.Time
}

type Handler struct {
	Deps
}

func New(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handler{Deps: d}
}

func (h *Handler) authenticated(ctx context.Context) (*model.Credential, bool) {
	cred, err := h.Store.Tokens.Current(ctx)
	if err != nil {
		return nil, false
	}
	return cred, cred.Valid(h.Now())
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func limitQuery(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// wantsJSON 表单提交走重定向，JSON 调用返回 envelope
func wantsJSON(c *gin.Context) bool {
	return c.ContentType() == gin.MIMEJSON || c.GetHeader("Accept") == gin.MIMEJSON
}

// fail 按错误种类选择状态码
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		response.NotFound(c, err.Error())
	case apperr.Gate(err):
		response.Error(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, apperr.ErrModerationBlocked), errors.Is(err, apperr.ErrLLMEmpty):
		response.Error(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, apperr.ErrNotAuthenticated), errors.Is(err, apperr.ErrTokenExpired):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, apperr.ErrStore):
		response.InternalError(c, err)
	case apperr.Kind(err) == "unknown":
		response.BadRequest(c, err.Error())
	default:
		response.Error(c, http.StatusBadGateway, err.Error())
	}
}

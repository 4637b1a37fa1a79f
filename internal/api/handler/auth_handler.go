package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/linkpilot/internal/auth"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/pkg/logger"
	"github.com/d60-Lab/linkpilot/pkg/response"
)

func (h *Handler) setSession(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, token, maxAge, "/", "", h.SecureCookie, true)
}

// Login 签发会话 cookie，保存一次性 state，跳转授权页
// @Summary OAuth 登录
// @Tags 认证
// @Success 302
// @Failure 503 {object} response.Response
// @Router /login [get]
func (h *Handler) Login(c *gin.Context) {
	if !h.OAuth.Configured() {
		response.Error(c, http.StatusServiceUnavailable, "linkedin client id/secret not configured")
		return
	}
	token, sid, err := h.Sessions.Issue()
	if err != nil {
		response.InternalError(c, err)
		return
	}
	state, err := auth.NewState()
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if err := h.States.Put(c.Request.Context(), sid, state, auth.StateTTL); err != nil {
		response.InternalError(c, err)
		return
	}
	h.setSession(c, token, int(h.Sessions.TTL().Seconds()))
	c.Redirect(http.StatusFound, h.OAuth.AuthCodeURL(state))
}

// Callback 校验 state 后换取令牌
// @Summary OAuth 回调
// @Tags 认证
// @Param code query string true "授权码"
// @Param state query string true "state"
// @Success 302
// @Failure 400 {object} response.Response
// @Router /callback [get]
func (h *Handler) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	if e := c.Query("error"); e != "" {
		response.BadRequest(c, "authorization denied: "+e+" "+c.Query("error_description"))
		return
	}
	cookie, err := c.Cookie(auth.CookieName)
	if err != nil {
		response.BadRequest(c, "missing session")
		return
	}
	sid, err := h.Sessions.Parse(cookie)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	want, err := h.States.Consume(ctx, sid)
	got := c.Query("state")
	if err != nil || got == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		response.BadRequest(c, "oauth state mismatch")
		return
	}
	code := c.Query("code")
	if code == "" {
		response.BadRequest(c, "missing code")
		return
	}

	cred, err := h.OAuth.Exchange(ctx, code)
	if err != nil {
		logger.Warn("oauth exchange failed", zap.Error(err))
		response.Error(c, http.StatusBadGateway, "token exchange failed: "+err.Error())
		return
	}
	if err := h.Store.Tokens.Replace(ctx, cred); err != nil {
		response.InternalError(c, err)
		return
	}
	h.Identity.ForgetIdentity()
	if id, err := h.Identity.Me(ctx); err != nil {
		logger.Warn("identity warm-up failed", zap.Error(err))
	} else {
		logger.Info("operator logged in", zap.String("urn", id.URN))
	}
	_ = h.Store.Events.Append(ctx, model.EventLogin, "credential stored, expires "+cred.ExpiresAt.UTC().Format("2006-01-02"))
	c.Redirect(http.StatusFound, "/")
}

// Logout 删除凭证与会话
// @Summary 登出
// @Tags 认证
// @Success 302
// @Router /logout [get]
func (h *Handler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.Store.Tokens.Clear(ctx); err != nil {
		response.InternalError(c, err)
		return
	}
	h.Identity.ForgetIdentity()
	h.setSession(c, "", -1)
	_ = h.Store.Events.Append(ctx, model.EventLogout, "credential cleared")
	c.Redirect(http.StatusFound, "/")
}

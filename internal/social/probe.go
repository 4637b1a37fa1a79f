package social

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/d60-Lab/linkpilot/internal/apperr"
)

// Diagnostics 连通性自检结果
type Diagnostics struct {
	Authenticated  bool              `json:"authenticated"`
	TokenExpiresAt *time.Time        `json:"token_expires_at,omitempty"`
	Identity       *Identity         `json:"identity,omitempty"`
	V3Disabled     bool              `json:"v3_disabled"`
	Versions       []string          `json:"versions"`
	Surfaces       map[string]string `json:"surfaces"`
	Error          string            `json:"error,omitempty"`
}

// Probe 检查凭证、身份以及各接口面的响应情况（只发 GET）
func (c *Client) Probe(ctx context.Context) Diagnostics {
	d := Diagnostics{V3Disabled: c.V3Disabled(), Versions: c.Versions(), Surfaces: map[string]string{}}

	cred, err := c.tokens.Current(ctx)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		d.Error = apperr.ErrNotAuthenticated.Error()
		return d
	case err != nil:
		d.Error = err.Error()
		return d
	}
	exp := cred.ExpiresAt
	d.TokenExpiresAt = &exp
	if !cred.Valid(c.opts.Now()) {
		d.Error = apperr.ErrTokenExpired.Error()
		return d
	}
	d.Authenticated = true

	check := func(name string, v variant) {
		resp, err := c.send(ctx, cred.AccessToken, v)
		switch {
		case err != nil:
			d.Surfaces[name] = "error: " + err.Error()
		case resp.status >= 200 && resp.status < 300:
			d.Surfaces[name] = "ok"
		default:
			d.Surfaces[name] = "status " + strconv.Itoa(resp.status)
		}
	}
	check("v2/userinfo", variant{method: http.MethodGet, url: c.opts.APIBase + "/userinfo"})
	check("v2/me", variant{method: http.MethodGet, url: c.opts.APIBase + "/me"})

	me, err := c.Me(ctx)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	d.Identity = &me
	if !c.V3Disabled() {
		check("rest/posts", variant{method: http.MethodGet, version: c.opts.Version,
			url: c.opts.RestBase + "/posts?q=author&count=1&author=" + escapeURN(me.URN)})
	}
	return d
}

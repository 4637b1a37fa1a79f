// Package api 控制面：仪表盘、OAuth 登录、审批队列与运维 JSON 接口。
package api

import (
	"embed"
	"html/template"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/linkpilot/internal/api/handler"
	"github.com/d60-Lab/linkpilot/internal/api/middleware"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

type Options struct {
	Mode              string
	ServiceName       string
	BasicAuthUser     string
	BasicAuthPassword string
}

// NewRouter 注册全部路由；/health 与 /callback 不受 BasicAuth 保护
func NewRouter(h *handler.Handler, opts Options) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "linkpilot"
	}
	r := gin.New()
	r.SetHTMLTemplate(templates())
	r.Use(
		middleware.RequestID(),
		middleware.Logger(),
		middleware.Recovery(),
		otelgin.Middleware(opts.ServiceName),
		gzip.Gzip(gzip.DefaultCompression),
		middleware.BasicAuth(opts.BasicAuthUser, opts.BasicAuthPassword, "/health", "/callback"),
	)

	r.GET("/health", h.Health)

	r.GET("/", h.Dashboard)
	r.GET("/login", h.Login)
	r.GET("/callback", h.Callback)
	r.GET("/logout", h.Logout)

	r.GET("/queue", h.Queue)
	r.POST("/enqueue_target", h.EnqueueTarget)
	r.POST("/approve/:id", h.Approve)
	r.POST("/reject/:id", h.Reject)

	api := r.Group("/api")
	{
		api.POST("/run_job", h.RunJob)
		api.GET("/jobs", h.ListJobs)
		api.POST("/retry_action", h.RetryAction)
		api.POST("/delete_action", h.DeleteAction)
		api.GET("/failed_actions", h.FailedActions)

		api.GET("/queue", h.QueueJSON)
		api.GET("/events", h.Events)
		api.GET("/posts", h.Posts)
		api.POST("/manual_post", h.ManualPost)
		api.POST("/refine", h.Refine)
		api.POST("/incoming_comment", h.IncomingComment)

		api.GET("/invites", h.Invites)
		api.POST("/invites", h.EnqueueInvite)
		api.POST("/invites/:id/status", h.InviteStatus)

		api.GET("/diagnostics", h.Diagnostics)
	}
	return r
}

func templates() *template.Template {
	funcs := template.FuncMap{
		"local": localTime,
		"short": short,
	}
	return template.Must(template.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.tmpl"))
}

// localTime 接受 time.Time 或 *time.Time
func localTime(v any, loc *time.Location) string {
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case *time.Time:
		if x == nil {
			return ""
		}
		t = *x
	default:
		return ""
	}
	if t.IsZero() {
		return ""
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("2006-01-02 15:04")
}

func short(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

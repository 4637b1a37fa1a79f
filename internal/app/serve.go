package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d60-Lab/linkpilot/internal/llm"
	"github.com/d60-Lab/linkpilot/internal/social"
	"github.com/d60-Lab/linkpilot/pkg/logger"
)

// Serve 启动调度器与 HTTP 服务，ctx 取消后先停 HTTP 再停调度器，各自等待 ShutdownGrace
func (a *App) Serve(ctx context.Context) error {
	return a.serve(ctx, nil)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	cfg := a.Config
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.Router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Scheduler.Start(ctx)
	logger.Info("linkpilot started",
		zap.String("addr", srv.Addr),
		zap.Bool("dry_run", cfg.DryRun),
		zap.String("timezone", cfg.Location().String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if ln != nil {
			err = srv.Serve(ln)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		httpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownGrace)
		defer cancel()
		herr := srv.Shutdown(httpCtx)
		if herr != nil {
			logger.Warn("http shutdown", zap.Error(herr))
		}

		schedCtx, cancel2 := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownGrace)
		defer cancel2()
		serr := a.Scheduler.Stop(schedCtx)
		if serr != nil {
			logger.Warn("scheduler stop", zap.Error(serr))
		}
		return errors.Join(herr, serr)
	})
	return g.Wait()
}

// Report doctor 命令的输出
type Report struct {
	Time     time.Time           `json:"time"`
	DryRun   bool                `json:"dry_run"`
	Timezone string              `json:"timezone"`
	Store    string              `json:"store"`
	Redis    string              `json:"redis,omitempty"`
	LLM      string              `json:"llm"`
	Social   *social.Diagnostics `json:"social,omitempty"`
	Jobs     map[string]string   `json:"jobs"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Doctor 自检存储、state 存储、模型与平台连通性；不写任何业务数据
func (a *App) Doctor(ctx context.Context) Report {
	r := Report{
		Time:     a.Gate.Now().UTC(),
		DryRun:   a.Config.DryRun,
		Timezone: a.Config.Location().String(),
		Store:    "ok",
		LLM:      "configured",
		Jobs:     map[string]string{},
	}
	if err := a.Store.Ping(ctx); err != nil {
		r.Store = err.Error()
	}
	if p, ok := a.States.(pinger); ok {
		r.Redis = "ok"
		if err := p.Ping(ctx); err != nil {
			r.Redis = err.Error()
		}
	}
	if _, ok := a.LLM.(llm.Unavailable); ok {
		r.LLM = "unavailable: GEMINI_API_KEY not set"
	}
	if a.Client != nil {
		d := a.Client.Probe(ctx)
		r.Social = &d
	}
	for _, e := range a.Scheduler.Entries() {
		if e.Next != nil {
			r.Jobs[e.ID] = e.Next.In(a.Config.Location()).Format(time.RFC3339)
		}
	}
	return r
}

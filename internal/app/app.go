// Package app 按配置组装全部组件：存储、平台客户端、流水线、调度器与控制面。
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/linkpilot/config"
	"github.com/d60-Lab/linkpilot/internal/api"
	"github.com/d60-Lab/linkpilot/internal/api/handler"
	"github.com/d60-Lab/linkpilot/internal/auth"
	"github.com/d60-Lab/linkpilot/internal/feed"
	"github.com/d60-Lab/linkpilot/internal/llm"
	"github.com/d60-Lab/linkpilot/internal/model"
	"github.com/d60-Lab/linkpilot/internal/moderation"
	"github.com/d60-Lab/linkpilot/internal/quota"
	"github.com/d60-Lab/linkpilot/internal/repository"
	"github.com/d60-Lab/linkpilot/internal/retry"
	"github.com/d60-Lab/linkpilot/internal/scheduler"
	"github.com/d60-Lab/linkpilot/internal/service"
	"github.com/d60-Lab/linkpilot/internal/social"
	"github.com/d60-Lab/linkpilot/pkg/alert"
	"github.com/d60-Lab/linkpilot/pkg/database"
	"github.com/d60-Lab/linkpilot/pkg/logger"
	"github.com/d60-Lab/linkpilot/pkg/secure"
	"github.com/d60-Lab/linkpilot/pkg/tracing"
)

// 任务 id
const (
	JobPost      = "post"
	JobFollowUp  = "follow_up"
	JobReply     = "reply"
	JobProactive = "proactive"
	JobInvite    = "invite"
	JobRetry     = "retry"
)

// JobIDs 全部周期任务
var JobIDs = []string{JobPost, JobFollowUp, JobReply, JobProactive, JobInvite, JobRetry}

type App struct {
	Config *config.Config
	Store  *repository.Store
	Gate   *quota.Gate
	Client *social.Client
	Social social.API
	LLM    llm.Generator
	States auth.StateStore

	Post      *service.PostPipeline
	Reply     *service.ReplyPipeline
	Proactive *service.ProactivePipeline
	Invite    *service.InvitePipeline
	Retry     *retry.Worker

	Scheduler *scheduler.Scheduler
	Router    *gin.Engine

	closers []func(context.Context) error
}

// Options 测试时替换外部依赖
type Options struct {
	Now    func() time.Time
	LLM    llm.Generator
	Social social.API
	Feeds  service.FeedSource
}

// New 打开存储并迁移，组装组件；不启动任何后台循环
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	sentrySink, flush, err := alert.InitSentry(cfg.Sentry.DSN, cfg.Sentry.Environment)
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { flush(); return nil })

	if err := a.openStore(cfg); err != nil {
		return nil, err
	}
	alerts := alert.Multi{alert.Log{}, sentrySink}
	// 平台客户端自己发的告警（邀请被拒等）也要出现在仪表盘上
	clientAlerts := alert.Multi{alerts, a.eventSink()}

	a.Gate = quota.New(a.Store.Counters, quota.Options{
		Location: cfg.Location(),
		Start:    cfg.Schedule.OperatingHoursStart,
		End:      cfg.Schedule.OperatingHoursEnd,
		Now:      opts.Now,
		Caps: map[model.CounterKind]int{
			model.CounterPosts:             cfg.Quota.PostsPerDay,
			model.CounterCommentsReplied:   cfg.Quota.CommentsRepliedPerDay,
			model.CounterProactiveComments: cfg.Quota.ProactiveCommentsPerDay,
			model.CounterInvitesSent:       cfg.Quota.InvitesPerDay,
		},
	})

	a.Client = social.NewClient(a.Store.Tokens, social.Options{
		APIBase:          cfg.LinkedIn.APIBase,
		RestBase:         cfg.LinkedIn.RestBase,
		Version:          cfg.LinkedIn.Version,
		FallbackVersions: cfg.LinkedIn.FallbackVersions,
		Timeout:          cfg.LinkedIn.HTTPTimeout,
		RatePerSecond:    cfg.LinkedIn.RatePerSecond,
		RateBurst:        cfg.LinkedIn.RateBurst,
		CommentPages:     cfg.LinkedIn.CommentPages,
		Now:              opts.Now,
		Alerts:           clientAlerts,
	})
	switch {
	case opts.Social != nil:
		a.Social = opts.Social
	case cfg.DryRun:
		a.Social = social.NewDryRun(a.Client)
	default:
		a.Social = a.Client
	}

	a.LLM = opts.LLM
	if a.LLM == nil {
		if a.LLM, err = llm.NewGemini(ctx, llm.Options{
			APIKey:         cfg.LLM.APIKey,
			Models:         cfg.LLM.Models,
			RequestsPerMin: cfg.LLM.RequestsPerMin,
			Timeout:        cfg.LLM.Timeout,
		}); err != nil {
			return nil, err
		}
	}

	feeds := opts.Feeds
	if feeds == nil {
		feeds = feed.NewReader(feed.Options{
			Sources:      cfg.Feeds.Sources,
			ExtraURLs:    cfg.Feeds.ExtraURLs,
			Horizon:      cfg.Feeds.Horizon,
			Interests:    cfg.Persona.Interests,
			DenyKeywords: cfg.Feeds.DenyKeywords,
			Priority:     cfg.Feeds.Priority,
			Parallelism:  cfg.Feeds.Parallelism,
			Timeout:      cfg.LinkedIn.HTTPTimeout,
			Now:          opts.Now,
			OnError: func(source string, err error) {
				_ = a.Store.Events.Append(context.Background(), model.EventFeedFetchFailed, source+": "+err.Error())
			},
		})
	}

	queue := retry.NewQueue(a.Store.FailedActions, retry.Policy{
		Base:        cfg.Retry.Base,
		Cap:         cfg.Retry.Cap,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}, opts.Now)

	deps := service.Deps{
		Store:  a.Store,
		Social: a.Social,
		LLM:    a.LLM,
		Prompts: llm.Prompts{Persona: llm.Persona{
			Name:            cfg.Persona.Name,
			Age:             cfg.Persona.Age,
			Role:            cfg.Persona.Role,
			Interests:       cfg.Persona.Interests,
			SummaryLanguage: cfg.Persona.SummaryLanguage,
		}},
		Feeds: feeds,
		Moderator: moderation.New(moderation.Lists{
			Politics:  cfg.Moderation.Politics,
			Crypto:    cfg.Moderation.Crypto,
			Sensitive: cfg.Moderation.Sensitive,
			Negative:  cfg.Moderation.Negative,
		}),
		Gate:   a.Gate,
		Retry:  queue,
		Alerts: alerts,
		Now:    opts.Now,
	}
	a.Post = service.NewPostPipeline(deps, service.PostOptions{
		FollowUpDelay: cfg.Schedule.FollowUpDelay,
		UseFallback:   cfg.Feeds.UseFallback,
	})
	a.Reply = service.NewReplyPipeline(deps, service.ReplyOptions{
		RecentPosts: cfg.Reply.RecentPosts,
		PeakStart:   cfg.Reply.PeakStart,
		PeakEnd:     cfg.Reply.PeakEnd,
		Peak:        service.DelayWindow{Min: cfg.Reply.PeakDelayMin, Max: cfg.Reply.PeakDelayMax},
		OffPeak:     service.DelayWindow{Min: cfg.Reply.OffPeakDelayMin, Max: cfg.Reply.OffPeakDelayMax},
		BatchSize:   cfg.Reply.BatchSize,
	})
	a.Proactive = service.NewProactivePipeline(deps, service.ProactiveOptions{LikeTargets: cfg.Proactive.LikeTargets})
	a.Invite = service.NewInvitePipeline(deps, service.InviteOptions{StaticNote: cfg.Persona.InviteNote})

	a.Retry = retry.NewWorker(queue, a.Gate, a.Store.Events, alerts, cfg.Retry.BatchSize)
	service.Replayers{Post: a.Post, Reply: a.Reply, Proactive: a.Proactive, Invite: a.Invite}.Register(a.Retry)

	if err := a.buildScheduler(opts.Now); err != nil {
		return nil, err
	}
	if err := a.buildRouter(queue, opts.Now); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *App) openStore(cfg *config.Config) error {
	sealer, err := secure.NewSealer(cfg.Security.TokenKey)
	if err != nil {
		return err
	}
	if !sealer.Enabled() {
		logger.Warn("security.token_key not set, access tokens are stored unencrypted")
	}
	db, err := database.InitDB(cfg)
	if err != nil {
		return err
	}
	a.Store = repository.NewStore(db, sealer)
	a.closers = append(a.closers, func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	return a.Store.Migrate()
}

func (a *App) eventSink() alert.Sink {
	return alert.Func(func(ctx context.Context, kind, detail string) {
		if err := a.Store.Events.Append(context.WithoutCancel(ctx), model.EventAlert, kind+": "+detail); err != nil {
			logger.Warn("record alert event failed", zap.Error(err))
		}
	})
}

func (a *App) buildScheduler(now func() time.Time) error {
	cfg := a.Config
	a.Scheduler = scheduler.New(scheduler.Options{
		Tick:     cfg.Schedule.Tick,
		Workers:  cfg.Schedule.Workers,
		Grace:    cfg.Server.ShutdownGrace,
		Now:      now,
		Recorder: a.Store.Schedules,
	})

	postTrigger, err := scheduler.NewCron(cfg.Schedule.DailyPostTimes, cfg.Location(), cfg.Schedule.PostJitter)
	if err != nil {
		return err
	}
	every := func(d time.Duration) scheduler.Trigger {
		return scheduler.Interval{Every: d, Jitter: cfg.Schedule.IntervalJitter}
	}
	jobs := []struct {
		id      string
		trigger scheduler.Trigger
		fn      scheduler.Func
	}{
		{JobPost, postTrigger, outcomeJob(a.Post.Run)},
		{JobFollowUp, scheduler.Interval{Every: cfg.Schedule.FollowUpCheckInterval}, outcomeJob(a.Post.RunFollowUps)},
		{JobReply, every(cfg.Schedule.CommentCheckInterval), outcomeJob(a.Reply.Run)},
		{JobProactive, every(cfg.Schedule.ProactiveInterval), outcomeJob(a.Proactive.Run)},
		{JobInvite, every(cfg.Schedule.InviteInterval), outcomeJob(a.Invite.Run)},
		{JobRetry, scheduler.Interval{Every: cfg.Schedule.RetryInterval}, a.retryJob},
	}
	for _, j := range jobs {
		if err := a.Scheduler.Register(j.id, j.trigger, j.fn); err != nil {
			return err
		}
	}

	// 一次性任务只负责派发 follow_up，复用其防重入；错过时由 20 秒间隔任务兜底
	a.Post.OnPublished(func(p *model.Post) {
		a.Scheduler.Once(JobFollowUp+":"+strconv.FormatUint(uint64(p.ID), 10), a.Post.FollowUpDelay(), func(context.Context) (string, error) {
			if err := a.Scheduler.RunNow(JobFollowUp); err != nil {
				if errors.Is(err, scheduler.ErrBusy) {
					return "follow_up already running", nil
				}
				return "", err
			}
			return "dispatched follow_up", nil
		})
	})
	return nil
}

func (a *App) retryJob(ctx context.Context) (string, error) {
	res, err := a.Retry.RunOnce(ctx)
	if err != nil {
		return "", err
	}
	if res.Skipped {
		return "skipped: outside operating hours", nil
	}
	return fmt.Sprintf("due=%d ok=%d failed=%d exhausted=%d deferred=%d",
		res.Due, res.Succeeded, res.Failed, res.Exhausted, res.Deferred), nil
}

// outcomeJob 把流水线结果转成 last_status
func outcomeJob(run func(context.Context) (service.Outcome, error)) scheduler.Func {
	return func(ctx context.Context) (string, error) {
		out, err := run(ctx)
		return OutcomeStatus(out), err
	}
}

// OutcomeStatus 如 "done id=3"、"gate: hours_denied"
func OutcomeStatus(out service.Outcome) string {
	s := out.Stage
	if out.Reason != "" {
		s += ": " + out.Reason
	}
	if out.ID != 0 {
		s += " id=" + strconv.FormatUint(uint64(out.ID), 10)
	}
	if out.Count != 0 {
		s += " count=" + strconv.Itoa(out.Count)
	}
	return s
}

func (a *App) buildRouter(queue *retry.Queue, now func() time.Time) error {
	cfg := a.Config
	if cfg.Redis.URL != "" {
		rs, err := auth.NewRedisStatesFromURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		a.States = rs
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })
	} else {
		a.States = auth.NewMemoryStates(now)
	}
	sessions, err := auth.NewSessions(cfg.Server.SessionSecret, 24*time.Hour, now)
	if err != nil {
		return err
	}
	oauth := social.NewOAuth(social.OAuthOptions{
		ClientID:     cfg.LinkedIn.ClientID,
		ClientSecret: cfg.LinkedIn.ClientSecret,
		RedirectURI:  cfg.LinkedIn.RedirectURI,
		Scopes:       cfg.LinkedIn.Scopes,
		AuthURL:      cfg.LinkedIn.AuthURL,
		TokenURL:     cfg.LinkedIn.TokenURL,
		HTTPClient:   &http.Client{Timeout: cfg.LinkedIn.HTTPTimeout},
		Now:          now,
	})

	h := handler.New(handler.Deps{
		Store:        a.Store,
		Gate:         a.Gate,
		Retry:        queue,
		Jobs:         a.Scheduler,
		OAuth:        oauth,
		Identity:     a.Client,
		Prober:       a.Client,
		Sessions:     sessions,
		States:       a.States,
		Post:         a.Post,
		Reply:        a.Reply,
		Proactive:    a.Proactive,
		Invite:       a.Invite,
		DryRun:       cfg.DryRun,
		SecureCookie: strings.HasPrefix(cfg.LinkedIn.RedirectURI, "https://"),
		Now:          now,
	})
	a.Router = api.NewRouter(h, api.Options{
		Mode:              cfg.Server.Mode,
		ServiceName:       cfg.Tracing.ServiceName,
		BasicAuthUser:     cfg.Server.BasicAuthUser,
		BasicAuthPassword: cfg.Server.BasicAuthPassword,
	})
	return nil
}

// Close 逆序释放资源
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

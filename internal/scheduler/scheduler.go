package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/linkpilot/pkg/logger"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
	ErrBusy         = errors.New("job is already running")
)

// Func 任务体；返回的字符串写入 last_status
type Func func(ctx context.Context) (string, error)

// Recorder 持久化下次触发时间与最近一次执行结果
type Recorder interface {
	Upsert(ctx context.Context, jobID string, next *time.Time) error
	MarkRun(ctx context.Context, jobID string, at time.Time, status string) error
}

type Options struct {
	Tick      time.Duration
	Workers   int
	QueueSize int
	// Grace Stop 等待在跑任务的时长，超时后取消它们
	Grace    time.Duration
	Now      func() time.Time
	Recorder Recorder
}

// Entry 仪表盘展示用
type Entry struct {
	ID         string     `json:"id"`
	Next       *time.Time `json:"next,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	Running    bool       `json:"running"`
}

type job struct {
	id      string
	trigger Trigger
	fn      Func
	oneShot bool

	next       time.Time
	lastRun    time.Time
	lastStatus string
	running    atomic.Bool
}

// Scheduler tick 判定到期任务，投递到有界队列，由固定数量的 worker 执行
// 同一个任务不会并发执行
type Scheduler struct {
	opts Options

	mu   sync.Mutex
	jobs map[string]*job

	queue   chan *job
	stopCh  chan struct{}
	started atomic.Bool
	stopped atomic.Bool
	loopWG  sync.WaitGroup
	jobWG   sync.WaitGroup

	runCtx    context.Context
	cancelRun context.CancelFunc
}

func New(opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Workers < 3 {
		opts.Workers = 3
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Grace <= 0 {
		opts.Grace = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:      opts,
		jobs:      map[string]*job{},
		queue:     make(chan *job, opts.QueueSize),
		stopCh:    make(chan struct{}),
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Register 注册周期任务
func (s *Scheduler) Register(id string, trigger Trigger, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	j := &job{id: id, trigger: trigger, fn: fn}
	j.next = trigger.Next(s.opts.Now())
	s.jobs[id] = j
	return nil
}

// Once 注册一次性任务；同 id 的未执行任务会被替换
func (s *Scheduler) Once(id string, delay time.Duration, fn Func) {
	at := s.opts.Now().Add(delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[id]; ok && !old.oneShot {
		logger.Warn("one-shot id collides with a periodic job, ignored", zap.String("job", id))
		return
	}
	s.jobs[id] = &job{id: id, trigger: OneShot{At: at}, fn: fn, oneShot: true, next: at}
	logger.Debug("one-shot job scheduled", zap.String("job", id), zap.Time("at", at))
}

// Has 是否注册了该任务
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Start 启动 worker 与 tick 循环；ctx 结束等同于 Stop
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < s.opts.Workers; i++ {
		s.loopWG.Add(1)
		go s.worker()
	}
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		ticker := time.NewTicker(s.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(s.runCtx)
			}
		}
	}()
	logger.Info("scheduler started", zap.Int("workers", s.opts.Workers), zap.Int("jobs", len(s.Entries())))
}

func (s *Scheduler) worker() {
	defer s.loopWG.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case j := <-s.queue:
			s.execute(s.runCtx, j)
		}
	}
}

// tick 投递到期任务，然后刷新全部 ScheduleEntry
func (s *Scheduler) tick(ctx context.Context) {
	now := s.opts.Now()
	s.mu.Lock()
	var due []*job
	for id, j := range s.jobs {
		if j.next.IsZero() || now.Before(j.next) {
			continue
		}
		due = append(due, j)
		j.next = j.trigger.Next(now)
		if j.oneShot {
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.dispatch(j)
	}
	s.persist(ctx)
}

// dispatch 正在跑的任务直接丢弃；队列满也丢弃
func (s *Scheduler) dispatch(j *job) bool {
	if !j.running.CompareAndSwap(false, true) {
		logger.Warn("job still running, dispatch dropped", zap.String("job", j.id))
		return false
	}
	select {
	case s.queue <- j:
		return true
	default:
		j.running.Store(false)
		logger.Warn("scheduler queue full, dispatch dropped", zap.String("job", j.id))
		return false
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	s.jobWG.Add(1)
	defer s.jobWG.Done()
	defer j.running.Store(false)

	start := s.opts.Now()
	status, err := s.call(ctx, j)
	if err != nil {
		status = "error: " + err.Error()
		logger.Error("job failed", zap.String("job", j.id), zap.Duration("took", time.Since(start)), zap.Error(err))
	} else {
		logger.Info("job finished", zap.String("job", j.id), zap.String("status", status), zap.Duration("took", time.Since(start)))
	}

	s.mu.Lock()
	j.lastRun = start
	j.lastStatus = status
	s.mu.Unlock()
	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.MarkRun(context.WithoutCancel(ctx), j.id, start, truncate(status, 255)); err != nil {
			logger.Warn("record job run failed", zap.String("job", j.id), zap.Error(err))
		}
	}
}

func (s *Scheduler) call(ctx context.Context, j *job) (status string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.id, r)
		}
	}()
	return j.fn(ctx)
}

func (s *Scheduler) persist(ctx context.Context) {
	if s.opts.Recorder == nil {
		return
	}
	for _, e := range s.Entries() {
		if err := s.opts.Recorder.Upsert(ctx, e.ID, e.Next); err != nil {
			logger.Warn("upsert schedule entry failed", zap.String("job", e.ID), zap.Error(err))
			return
		}
	}
}

// RunNow 立即投递；不存在返回 ErrUnknownJob，正在跑返回 ErrBusy
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !s.started.Load() {
		return fmt.Errorf("scheduler not started")
	}
	if !s.dispatch(j) {
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	return nil
}

// RunSync 在当前 goroutine 同步执行一次（CLI run 子命令）
func (s *Scheduler) RunSync(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if !j.running.CompareAndSwap(false, true) {
		return "", fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer j.running.Store(false)
	return s.call(ctx, j)
}

// Entries 按 id 排序的任务快照
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := Entry{ID: j.id, LastStatus: j.lastStatus, Running: j.running.Load()}
		if !j.next.IsZero() {
			next := j.next
			e.Next = &next
		}
		if !j.lastRun.IsZero() {
			last := j.lastRun
			e.LastRun = &last
		}
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// Stop 停止派发，等待在跑任务最多 Grace，超时取消
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	grace, cancel := context.WithTimeout(ctx, s.opts.Grace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		s.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelRun()
		logger.Info("scheduler stopped")
		return nil
	case <-grace.Done():
		s.cancelRun()
		<-done
		logger.Warn("scheduler stop timed out, running jobs cancelled")
		return grace.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

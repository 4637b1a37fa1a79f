// Package feed 并行拉取 RSS/Atom 源，过滤、排序并挑选当天要写的文章。
package feed

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d60-Lab/linkpilot/pkg/logger"
)

// Entry 归一化后的条目
type Entry struct {
	Source    string     `json:"source"`
	Title     string     `json:"title"`
	Summary   string     `json:"summary"`
	Link      string     `json:"link"`
	Published *time.Time `json:"published,omitempty"`
}

// Fallback 源全部为空时的固定条目
var Fallback = Entry{
	Source:  "fallback",
	Title:   "What building in public taught me this week",
	Summary: "Shipping small, talking to users early and keeping the feedback loop short beats polishing in private.",
	Link:    "https://www.indiehackers.com/",
}

// Options FeedReader 配置
type Options struct {
	Sources      map[string]string
	ExtraURLs    []string
	Horizon      time.Duration
	Interests    []string
	DenyKeywords []string
	// Priority 越靠前优先级越高
	Priority    []string
	Parallelism int
	Timeout     time.Duration
	Client      *http.Client
	Now         func() time.Time
	// OnError 单个源失败时回调（记录系统事件），不影响其他源
	OnError func(source string, err error)
}

type Reader struct {
	opts     Options
	priority map[string]int
}

func NewReader(opts Options) *Reader {
	if opts.Horizon <= 0 {
		opts.Horizon = 48 * time.Hour
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	prio := make(map[string]int, len(opts.Priority))
	for i, name := range opts.Priority {
		prio[strings.ToLower(name)] = len(opts.Priority) - i
	}
	return &Reader{opts: opts, priority: prio}
}

type source struct{ name, url string }

func (r *Reader) sources() []source {
	out := make([]source, 0, len(r.opts.Sources)+len(r.opts.ExtraURLs))
	seen := map[string]bool{}
	for name, u := range r.opts.Sources {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, source{name: name, url: u})
	}
	for _, u := range r.opts.ExtraURLs {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		name := u
		if pu, err := url.Parse(u); err == nil && pu.Host != "" {
			name = strings.TrimPrefix(pu.Host, "www.")
		}
		out = append(out, source{name: name, url: u})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// FetchRecent 并行拉取全部源，返回过滤并排好序的条目
func (r *Reader) FetchRecent(ctx context.Context) []Entry {
	srcs := r.sources()
	var (
		mu  sync.Mutex
		all []Entry
	)
	g := new(errgroup.Group)
	g.SetLimit(r.opts.Parallelism)
	for _, s := range srcs {
		s := s
		g.Go(func() error {
			entries, err := r.fetch(ctx, s)
			if err != nil {
				logger.Warn("feed fetch failed", zap.String("source", s.name), zap.String("url", s.url), zap.Error(err))
				if r.opts.OnError != nil {
					r.opts.OnError(s.name, err)
				}
				return nil
			}
			mu.Lock()
			all = append(all, entries...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return r.Rank(r.filter(all))
}

func (r *Reader) fetch(ctx context.Context, s source) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	p := gofeed.NewParser()
	p.Client = r.opts.Client
	f, err := p.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(f.Items))
	for _, it := range f.Items {
		if it == nil {
			continue
		}
		summary := it.Description
		if summary == "" {
			summary = it.Content
		}
		e := Entry{
			Source:  s.name,
			Title:   strings.TrimSpace(it.Title),
			Summary: plainText(summary),
			Link:    CleanURL(it.Link),
		}
		switch {
		case it.PublishedParsed != nil:
			t := it.PublishedParsed.UTC()
			e.Published = &t
		case it.UpdatedParsed != nil:
			t := it.UpdatedParsed.UTC()
			e.Published = &t
		}
		if e.Title == "" || e.Link == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// filter 去掉超出时间窗、命中黑名单和重复链接的条目；无发布时间的条目保留
func (r *Reader) filter(in []Entry) []Entry {
	cutoff := r.opts.Now().Add(-r.opts.Horizon)
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, e := range in {
		if e.Published != nil && e.Published.Before(cutoff) {
			continue
		}
		if hit := matchAny(e.Title+" "+e.Summary, r.opts.DenyKeywords); hit != "" {
			logger.Debug("feed entry denied", zap.String("title", e.Title), zap.String("keyword", hit))
			continue
		}
		if seen[e.Link] {
			continue
		}
		seen[e.Link] = true
		out = append(out, e)
	}
	return out
}

// Score 命中兴趣关键词的个数
func (r *Reader) Score(e Entry) int {
	text := strings.ToLower(e.Title + " " + e.Summary)
	n := 0
	for _, kw := range r.opts.Interests {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

// Rank 按 (兴趣分 desc, 发布时间 desc, 源优先级 desc) 排序
func (r *Reader) Rank(in []Entry) []Entry {
	type scored struct {
		e     Entry
		score int
	}
	xs := make([]scored, len(in))
	for i, e := range in {
		xs[i] = scored{e: e, score: r.Score(e)}
	}
	sort.SliceStable(xs, func(i, j int) bool {
		a, b := xs[i], xs[j]
		if a.score != b.score {
			return a.score > b.score
		}
		at, bt := published(a.e), published(b.e)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		pa, pb := r.priority[strings.ToLower(a.e.Source)], r.priority[strings.ToLower(b.e.Source)]
		if pa != pb {
			return pa > pb
		}
		return a.e.Source < b.e.Source
	})
	out := make([]Entry, len(xs))
	for i, x := range xs {
		out[i] = x.e
	}
	return out
}

// SelectBest 返回排名第一的条目；列表为空时返回 Fallback 与 false
func SelectBest(entries []Entry) (Entry, bool) {
	if len(entries) == 0 {
		return Fallback, false
	}
	return entries[0], true
}

func published(e Entry) time.Time {
	if e.Published == nil {
		return time.Time{}
	}
	return *e.Published
}

func matchAny(text string, keywords []string) string {
	text = strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}

// CleanURL 去掉 utm_* 等跟踪参数
func CleanURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	q := u.Query()
	for k := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") || lk == "ref" || lk == "fbclid" || lk == "gclid" {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String()
}

// plainText 摘要里的 HTML 转成单行纯文本；script/style 内容丢弃，实体解码
func plainText(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

package social

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/pkg/alert"
	"github.com/d60-Lab/linkpilot/pkg/logger"
)

const (
	maxVersionTries = 8
	maxBody         = 1 << 20
	commentPageSize = 50
)

type Options struct {
	APIBase          string
	RestBase         string
	Version          string
	FallbackVersions []string
	HTTPClient       *http.Client
	Timeout          time.Duration
	RatePerSecond    float64
	RateBurst        int
	CommentPages     int
	Now              func() time.Time
	Alerts           alert.Sink
}

// Client LinkedIn 客户端；v3 (/rest) 失败时依次降级到 v2 的 ugcPosts 和 shares
type Client struct {
	opts    Options
	tokens  TokenSource
	http    *http.Client
	limiter *rate.Limiter

	// 426 之后本进程内不再尝试 v3
	v3Disabled atomic.Bool

	mu      sync.Mutex
	learned []string
	me      *Identity
}

func NewClient(tokens TokenSource, opts Options) *Client {
	if opts.APIBase == "" {
		opts.APIBase = "https://api.linkedin.com/v2"
	}
	if opts.RestBase == "" {
		opts.RestBase = "https://api.linkedin.com/rest"
	}
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")
	opts.RestBase = strings.TrimRight(opts.RestBase, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 2
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 4
	}
	if opts.CommentPages <= 0 {
		opts.CommentPages = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Alerts == nil {
		opts.Alerts = alert.Log{}
	}
	return &Client{
		opts:    opts,
		tokens:  tokens,
		http:    opts.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RateBurst),
	}
}

// V3Disabled 是否已因 426 关闭 v3
func (c *Client) V3Disabled() bool { return c.v3Disabled.Load() }

// Versions 当前会尝试的版本序列
func (c *Client) Versions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return versionList(c.opts.Version, c.opts.FallbackVersions, c.learned)
}

func (c *Client) learn(body []byte) {
	found := ExtractVersions(body)
	if len(found) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range found {
		if len(c.learned) >= maxLearned {
			break
		}
		if !slices.Contains(c.learned, v) {
			c.learned = append(c.learned, v)
		}
	}
}

func (c *Client) nextVersion(tried map[string]bool) (string, bool) {
	for _, v := range c.Versions() {
		if !tried[v] {
			return v, true
		}
	}
	return "", false
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	cred, err := c.tokens.Current(ctx)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", apperr.Wrapf(apperr.ErrNotAuthenticated, "no access credential")
	}
	if err != nil {
		return "", apperr.Store(err)
	}
	if !cred.Valid(c.opts.Now()) {
		return "", apperr.Wrapf(apperr.ErrTokenExpired, "credential expired at %s", cred.ExpiresAt.Format(time.RFC3339))
	}
	return cred.AccessToken, nil
}

// variant 级联中的一个候选请求
type variant struct {
	name    string
	method  string
	url     string
	version string
	body    any
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) send(ctx context.Context, token string, v variant) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var rd io.Reader
	if v.body != nil {
		buf, err := json.Marshal(v.body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, v.method, v.url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
	req.Header.Set("Accept", "application/json")
	if v.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if v.version != "" {
		req.Header.Set("LinkedIn-Version", v.version)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, err
	}
	return &response{status: res.StatusCode, header: res.Header, body: body}, nil
}

// attempts 级联过程中的失败记录，用于最终归类
type attempts struct {
	statuses  []int
	transient bool
	last      error
}

func (a *attempts) observe(name string, resp *response, err error) bool {
	if err != nil {
		a.transient = true
		a.last = fmt.Errorf("%s: %w", name, err)
		return false
	}
	if resp.status >= 200 && resp.status < 300 {
		return true
	}
	a.statuses = append(a.statuses, resp.status)
	if resp.status == http.StatusTooManyRequests || resp.status >= 500 {
		a.transient = true
	}
	a.last = fmt.Errorf("%s: status %d: %s", name, resp.status, snippet(resp.body))
	return false
}

// classify 全是 401 -> token_expired；无瞬时失败且 403 -> forbidden；其余 -> failed
func (a *attempts) classify(forbidden, failed error, every403 bool) error {
	if a.last == nil {
		return apperr.Wrapf(failed, "no variant attempted")
	}
	if len(a.statuses) > 0 && !a.transient && all(a.statuses, http.StatusUnauthorized) {
		return apperr.Wrap(apperr.ErrTokenExpired, a.last)
	}
	if !a.transient {
		if every403 && len(a.statuses) > 0 && all(a.statuses, http.StatusForbidden) {
			return apperr.Wrap(forbidden, a.last)
		}
		if !every403 && slices.Contains(a.statuses, http.StatusForbidden) {
			return apperr.Wrap(forbidden, a.last)
		}
	}
	return apperr.Wrap(failed, a.last)
}

type cascade struct {
	op    string
	v3    func(version string) variant
	v2    []variant
	fails attempts
}

// run 先按版本序列尝试 v3，再依次尝试 v2 候选
func (c *Client) run(ctx context.Context, token string, cs *cascade) (*response, bool) {
	if cs.v3 != nil && !c.v3Disabled.Load() {
		tried := map[string]bool{}
		for n := 0; n < maxVersionTries; n++ {
			ver, ok := c.nextVersion(tried)
			if !ok {
				break
			}
			tried[ver] = true
			v := cs.v3(ver)
			resp, err := c.send(ctx, token, v)
			if cs.fails.observe(v.name, resp, err) {
				return resp, true
			}
			if ctx.Err() != nil {
				return nil, false
			}
			if resp == nil {
				continue
			}
			if resp.status == http.StatusUpgradeRequired {
				c.v3Disabled.Store(true)
				logger.Warn("linkedin v3 rejected with 426, disabled for this process", zap.String("op", cs.op))
				break
			}
			if resp.status >= 400 && resp.status < 500 {
				c.learn(resp.body)
			}
		}
	}
	for _, v := range cs.v2 {
		resp, err := c.send(ctx, token, v)
		if cs.fails.observe(v.name, resp, err) {
			return resp, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
	}
	return nil, false
}

// Me 获取并缓存认证用户
func (c *Client) Me(ctx context.Context) (Identity, error) {
	c.mu.Lock()
	if c.me != nil {
		id := *c.me
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	token, err := c.bearer(ctx)
	if err != nil {
		return Identity{}, err
	}
	var fails attempts

	resp, err := c.send(ctx, token, variant{name: "userinfo", method: http.MethodGet, url: c.opts.APIBase + "/userinfo"})
	if fails.observe("userinfo", resp, err) {
		var ui struct {
			Sub  string `json:"sub"`
			Name string `json:"name"`
		}
		if json.Unmarshal(resp.body, &ui) == nil && ui.Sub != "" {
			return c.cacheMe(Identity{ID: ui.Sub, URN: PersonURN(ui.Sub), Name: ui.Name}), nil
		}
	}
	resp, err = c.send(ctx, token, variant{name: "me", method: http.MethodGet, url: c.opts.APIBase + "/me"})
	if fails.observe("me", resp, err) {
		var me struct {
			ID        string `json:"id"`
			FirstName string `json:"localizedFirstName"`
			LastName  string `json:"localizedLastName"`
		}
		if json.Unmarshal(resp.body, &me) == nil && me.ID != "" {
			name := strings.TrimSpace(me.FirstName + " " + me.LastName)
			return c.cacheMe(Identity{ID: me.ID, URN: PersonURN(me.ID), Name: name}), nil
		}
		fails.last = errors.New("me: response without id")
	}
	return Identity{}, fails.classify(apperr.ErrPublishForbidden, apperr.ErrPublishFailed, false)
}

func (c *Client) cacheMe(id Identity) Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.me = &id
	return id
}

// ForgetIdentity 登出或换号后清掉缓存
func (c *Client) ForgetIdentity() {
	c.mu.Lock()
	c.me = nil
	c.mu.Unlock()
}

func (c *Client) PublishPost(ctx context.Context, text string) (Ref, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return Ref{}, err
	}
	me, err := c.Me(ctx)
	if err != nil {
		return Ref{}, err
	}
	cs := &cascade{
		op: "publish_post",
		v3: func(ver string) variant {
			return variant{name: "rest/posts@" + ver, method: http.MethodPost, url: c.opts.RestBase + "/posts", version: ver, body: map[string]any{
				"author":     me.URN,
				"commentary": text,
				"visibility": "PUBLIC",
				"distribution": map[string]any{
					"feedDistribution":               "MAIN_FEED",
					"targetEntities":                 []any{},
					"thirdPartyDistributionChannels": []any{},
				},
				"lifecycleState":            "PUBLISHED",
				"isReshareDisabledByAuthor": false,
			}}
		},
		v2: []variant{
			{name: "v2/ugcPosts", method: http.MethodPost, url: c.opts.APIBase + "/ugcPosts", body: map[string]any{
				"author":         me.URN,
				"lifecycleState": "PUBLISHED",
				"specificContent": map[string]any{
					"com.linkedin.ugc.ShareContent": map[string]any{
						"shareCommentary":    map[string]any{"text": text},
						"shareMediaCategory": "NONE",
					},
				},
				"visibility": map[string]any{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
			}},
			{name: "v2/shares", method: http.MethodPost, url: c.opts.APIBase + "/shares", body: map[string]any{
				"owner":        me.URN,
				"text":         map[string]any{"text": text},
				"distribution": map[string]any{"linkedInDistributionTarget": map[string]any{}},
			}},
		},
	}
	resp, ok := c.run(ctx, token, cs)
	if !ok {
		return Ref{}, c.ctxErr(ctx, cs.fails.classify(apperr.ErrPublishForbidden, apperr.ErrPublishFailed, false))
	}
	return refFrom(resp, "share"), nil
}

func (c *Client) PublishComment(ctx context.Context, objectURN, text, parentURN string) (Ref, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return Ref{}, err
	}
	me, err := c.Me(ctx)
	if err != nil {
		return Ref{}, err
	}
	body := map[string]any{
		"actor":   me.URN,
		"object":  objectURN,
		"message": map[string]any{"text": text},
	}
	if parentURN != "" {
		body["parentComment"] = parentURN
	}
	path := "/socialActions/" + escapeURN(objectURN) + "/comments"
	cs := &cascade{
		op: "publish_comment",
		v3: func(ver string) variant {
			return variant{name: "rest/comments@" + ver, method: http.MethodPost, url: c.opts.RestBase + path, version: ver, body: body}
		},
		v2: []variant{{name: "v2/comments", method: http.MethodPost, url: c.opts.APIBase + path, body: body}},
	}
	resp, ok := c.run(ctx, token, cs)
	if !ok {
		return Ref{}, c.ctxErr(ctx, cs.fails.classify(apperr.ErrPublishForbidden, apperr.ErrPublishFailed, false))
	}
	ref := refFrom(resp, "comment")
	// 裸 id 补成 urn:li:comment:(<object>,<id>)
	if ref.URN == "urn:li:comment:"+ref.ID {
		ref.URN = "urn:li:comment:(" + objectURN + "," + ref.ID + ")"
	}
	return ref, nil
}

func (c *Client) ListComments(ctx context.Context, objectURN string) ([]RemoteComment, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	path := "/socialActions/" + escapeURN(objectURN) + "/comments"
	var out []RemoteComment
	for page := 0; page < c.opts.CommentPages; page++ {
		query := "?start=" + strconv.Itoa(page*commentPageSize) + "&count=" + strconv.Itoa(commentPageSize)
		cs := &cascade{
			op: "list_comments",
			v3: func(ver string) variant {
				return variant{name: "rest/comments@" + ver, method: http.MethodGet, url: c.opts.RestBase + path + query, version: ver}
			},
			v2: []variant{{name: "v2/comments", method: http.MethodGet, url: c.opts.APIBase + path + query}},
		}
		resp, ok := c.run(ctx, token, cs)
		if !ok {
			return out, c.ctxErr(ctx, cs.fails.classify(apperr.ErrPublishForbidden, apperr.ErrPublishFailed, false))
		}
		elems, err := parseComments(resp.body, objectURN)
		if err != nil {
			return out, apperr.Wrap(apperr.ErrPublishFailed, err)
		}
		out = append(out, elems...)
		if len(elems) < commentPageSize {
			break
		}
	}
	return out, nil
}

func (c *Client) Like(ctx context.Context, objectURN string) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	me, err := c.Me(ctx)
	if err != nil {
		return err
	}
	cs := &cascade{
		op: "like",
		v3: func(ver string) variant {
			return variant{name: "rest/reactions@" + ver, method: http.MethodPost, url: c.opts.RestBase + "/reactions?actor=" + escapeURN(me.URN), version: ver,
				body: map[string]any{"root": objectURN, "reactionType": "LIKE"}}
		},
		v2: []variant{{name: "v2/likes", method: http.MethodPost, url: c.opts.APIBase + "/socialActions/" + escapeURN(objectURN) + "/likes",
			body: map[string]any{"actor": me.URN, "object": objectURN}}},
	}
	if _, ok := c.run(ctx, token, cs); !ok {
		return c.ctxErr(ctx, cs.fails.classify(apperr.ErrPublishForbidden, apperr.ErrPublishFailed, false))
	}
	return nil
}

// SendInvite 全部 403 -> invite_forbidden，否则 invite_failed；两者都会告警
func (c *Client) SendInvite(ctx context.Context, personURN, message string) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	me, err := c.Me(ctx)
	if err != nil {
		return err
	}
	personURN = PersonURN(personURN)
	restBody := map[string]any{"invitee": personURN, "inviter": me.URN}
	v2Body := map[string]any{"invitee": personURN, "actor": me.URN}
	if message != "" {
		restBody["message"] = message
		v2Body["message"] = map[string]any{"com.linkedin.invitations.InvitationMessage": map[string]any{"body": message}}
	}
	cs := &cascade{
		op: "send_invite",
		v3: func(ver string) variant {
			return variant{name: "rest/invitations@" + ver, method: http.MethodPost, url: c.opts.RestBase + "/invitations", version: ver, body: restBody}
		},
		v2: []variant{
			{name: "rest/growth/invitations", method: http.MethodPost, url: c.opts.RestBase + "/growth/invitations", version: c.opts.Version, body: restBody},
			{name: "v2/invitations", method: http.MethodPost, url: c.opts.APIBase + "/invitations", body: v2Body},
			{name: "v2/growth/invitations", method: http.MethodPost, url: c.opts.APIBase + "/growth/invitations", body: v2Body},
		},
	}
	if _, ok := c.run(ctx, token, cs); ok {
		return nil
	}
	err = c.ctxErr(ctx, cs.fails.classify(apperr.ErrInviteForbidden, apperr.ErrInviteFailed, true))
	if !errors.Is(err, context.Canceled) {
		c.opts.Alerts.Notify(ctx, apperr.Kind(err), "invite to "+personURN+": "+err.Error())
	}
	return err
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %w", err, ctx.Err())
	}
	return err
}

func refFrom(resp *response, kind string) Ref {
	id := resp.header.Get("x-restli-id")
	if id == "" {
		var body struct {
			ID       string `json:"id"`
			Activity string `json:"activity"`
			URN      string `json:"$URN"`
		}
		if json.Unmarshal(resp.body, &body) == nil {
			switch {
			case body.ID != "":
				id = body.ID
			case body.URN != "":
				id = body.URN
			case body.Activity != "":
				id = body.Activity
			}
		}
	}
	urn := NormalizeURN(id, kind)
	return Ref{ID: LastSegment(urn), URN: urn}
}

type commentElement struct {
	ID            string `json:"id"`
	URN           string `json:"$URN"`
	CommentURN    string `json:"commentUrn"`
	Actor         string `json:"actor"`
	ParentComment string `json:"parentComment"`
	Message       struct {
		Text string `json:"text"`
	} `json:"message"`
	Created struct {
		Time int64 `json:"time"`
	} `json:"created"`
}

func parseComments(body []byte, objectURN string) ([]RemoteComment, error) {
	var page struct {
		Elements []commentElement `json:"elements"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}
	out := make([]RemoteComment, 0, len(page.Elements))
	for _, e := range page.Elements {
		urn := e.URN
		if urn == "" {
			urn = e.CommentURN
		}
		id := e.ID
		if id == "" && urn != "" {
			id = LastSegment(urn)
		}
		if id == "" {
			continue
		}
		if urn == "" {
			urn = "urn:li:comment:(" + objectURN + "," + id + ")"
		}
		rc := RemoteComment{ID: id, URN: urn, Actor: e.Actor, Text: e.Message.Text, ParentURN: e.ParentComment}
		if e.Created.Time > 0 {
			rc.CreatedAt = time.UnixMilli(e.Created.Time).UTC()
		}
		out = append(out, rc)
	}
	return out, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func all(xs []int, v int) bool {
	for _, x := range xs {
		if x != v {
			return false
		}
	}
	return true
}

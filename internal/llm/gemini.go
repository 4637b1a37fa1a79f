// Package llm 对外部大模型的无状态封装：prompt -> text，以及人设提示词模板。
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/d60-Lab/linkpilot/internal/apperr"
	"github.com/d60-Lab/linkpilot/pkg/logger"
)

// Generator prompt -> text
type Generator interface {
	Generate(ctx context.Context, prompt string, temperature float32, maxTokens int) (string, error)
}

// GeneratorFunc 函数适配器
type GeneratorFunc func(ctx context.Context, prompt string, temperature float32, maxTokens int) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, temperature float32, maxTokens int) (string, error) {
	return f(ctx, prompt, temperature, maxTokens)
}

// Unavailable 未配置 API key 时使用
type Unavailable struct{}

func (Unavailable) Generate(context.Context, string, float32, int) (string, error) {
	return "", apperr.Wrapf(apperr.ErrLLMUnavailable, "no api key configured")
}

// contentGenerator genai.Models 的最小子集，便于替换
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Options struct {
	APIKey string
	Models []string
	// RequestsPerMin 每个模型的本地限速
	RequestsPerMin int
	Timeout        time.Duration
}

// Gemini 按顺序尝试模型列表，瞬时错误落到下一个模型
type Gemini struct {
	backend  contentGenerator
	models   []string
	limiters map[string]*rate.Limiter
	timeout  time.Duration
}

// NewGemini APIKey 为空返回 Unavailable
func NewGemini(ctx context.Context, opts Options) (Generator, error) {
	if opts.APIKey == "" {
		return Unavailable{}, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: opts.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return newGemini(client.Models, opts), nil
}

func newGemini(backend contentGenerator, opts Options) *Gemini {
	if len(opts.Models) == 0 {
		opts.Models = []string{"gemini-2.5-flash", "gemini-2.5-flash-lite"}
	}
	if opts.RequestsPerMin <= 0 {
		opts.RequestsPerMin = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	lim := make(map[string]*rate.Limiter, len(opts.Models))
	for _, m := range opts.Models {
		lim[m] = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMin)/60.0), opts.RequestsPerMin)
	}
	return &Gemini{backend: backend, models: opts.Models, limiters: lim, timeout: opts.Timeout}
}

func (g *Gemini) Generate(ctx context.Context, prompt string, temperature float32, maxTokens int) (string, error) {
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(temperature)}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	var lastErr error
	for _, model := range g.models {
		if !g.limiters[model].Allow() {
			lastErr = fmt.Errorf("model %s: local rate limit", model)
			continue
		}
		text, err := g.call(ctx, model, prompt, cfg)
		if err == nil {
			return text, nil
		}
		if errors.Is(err, apperr.ErrLLMTransient) {
			logger.Warn("llm model failed, trying next", zap.String("model", model), zap.Error(err))
			lastErr = err
			continue
		}
		return "", err
	}
	if lastErr == nil {
		lastErr = errors.New("no model configured")
	}
	return "", apperr.Wrap(apperr.ErrLLMTransient, lastErr)
}

func (g *Gemini) call(ctx context.Context, model, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	res, err := g.backend.GenerateContent(ctx, model, genai.Text(prompt), cfg)
	if err != nil {
		return "", classify(err)
	}
	text := strings.TrimSpace(responseText(res))
	if text == "" {
		return "", apperr.Wrapf(apperr.ErrLLMEmpty, "model %s returned no text", model)
	}
	return text, nil
}

func responseText(res *genai.GenerateContentResponse) string {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0] == nil || res.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range res.Candidates[0].Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// classify 把 genai/网络错误映射为 llm_transient 或 llm_unavailable
func classify(err error) error {
	if apperr.IsNetwork(err) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.ErrLLMTransient, err)
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"api key", "api_key", "permission", "error 401", "error 403", "unauthenticated"} {
		if strings.Contains(msg, s) {
			return apperr.Wrap(apperr.ErrLLMUnavailable, err)
		}
	}
	return apperr.Wrap(apperr.ErrLLMTransient, err)
}

// Package moderation 关键词审核、负面情绪判断与语言识别。
package moderation

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

type Kind string

const (
	Clean     Kind = "clean"
	Blocked   Kind = "blocked"
	Sensitive Kind = "sensitive"
)

// Verdict 审核结果；Reason 为命中的列表与关键词
type Verdict struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

type Lists struct {
	Politics  []string
	Crypto    []string
	Sensitive []string
	Negative  []string
}

type Moderator struct {
	politics  []string
	crypto    []string
	sensitive []string
	negative  []string
}

func New(l Lists) *Moderator {
	return &Moderator{
		politics:  normalize(l.Politics),
		crypto:    normalize(l.Crypto),
		sensitive: normalize(l.Sensitive),
		negative:  normalize(l.Negative),
	}
}

// Classify 大小写不敏感子串匹配；blocked 优先于 sensitive
func (m *Moderator) Classify(text string) Verdict {
	lower := strings.ToLower(text)
	if kw := firstHit(lower, m.politics); kw != "" {
		return Verdict{Kind: Blocked, Reason: "politics: " + kw}
	}
	if kw := firstHit(lower, m.crypto); kw != "" {
		return Verdict{Kind: Blocked, Reason: "crypto: " + kw}
	}
	if kw := firstHit(lower, m.sensitive); kw != "" {
		return Verdict{Kind: Sensitive, Reason: "sensitive: " + kw}
	}
	return Verdict{Kind: Clean}
}

// IsNegative 命中负面词表即视为负面
func (m *Moderator) IsNegative(text string) bool {
	return firstHit(strings.ToLower(text), m.negative) != ""
}

func firstHit(lower string, list []string) string {
	for _, kw := range list {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DetectLanguage 返回 ISO 639-1 代码；识别不可靠时为 en
func DetectLanguage(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "en"
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return "en"
	}
	code := info.Lang.Iso6391()
	if code == "" {
		return "en"
	}
	return code
}

var languageNames = map[string]string{
	"en": "English", "tr": "Turkish", "es": "Spanish", "fr": "French", "de": "German",
	"it": "Italian", "pt": "Portuguese", "nl": "Dutch", "ru": "Russian", "ar": "Arabic",
	"ja": "Japanese", "ko": "Korean", "zh": "Chinese", "hi": "Hindi", "pl": "Polish",
}

// LanguageName 用于提示词的语言名
func LanguageName(code string) string {
	if n, ok := languageNames[strings.ToLower(code)]; ok {
		return n
	}
	return "English"
}

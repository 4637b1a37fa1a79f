package llm

import (
	"fmt"
	"strings"
)

const (
	ToneFriendly = "friendly"
	ToneWitty    = "light witty correction"
)

// 生成参数（温度, 最大 token）
const (
	PostTemperature      float32 = 0.8
	PostMaxTokens                = 600
	SummaryTemperature   float32 = 0.4
	SummaryMaxTokens             = 500
	ReplyTemperature     float32 = 0.7
	ReplyMaxTokens               = 200
	ProactiveTemperature float32 = 0.7
	ProactiveMaxTokens           = 220
	InviteTemperature    float32 = 0.6
	InviteMaxTokens              = 120
	RefineTemperature    float32 = 0.6
)

// InviteNoteLimit 平台对邀请附言的长度限制
const InviteNoteLimit = 300

// Tone 负面评论用轻松的纠正口吻
func Tone(negative bool) string {
	if negative {
		return ToneWitty
	}
	return ToneFriendly
}

type Persona struct {
	Name            string
	Age             int
	Role            string
	Interests       []string
	SummaryLanguage string
}

// Prompts 人设 + 任务块
type Prompts struct {
	Persona Persona
}

func (p Prompts) persona() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", p.Persona.Name)
	if p.Persona.Age > 0 {
		fmt.Fprintf(&b, ", %d years old", p.Persona.Age)
	}
	if p.Persona.Role != "" {
		fmt.Fprintf(&b, ", a %s", p.Persona.Role)
	}
	b.WriteString(", writing on LinkedIn under your own name.\n")
	if len(p.Persona.Interests) > 0 {
		fmt.Fprintf(&b, "You care about: %s.\n", strings.Join(p.Persona.Interests, ", "))
	}
	b.WriteString(`Voice: professional, knowledgeable and warm, with a dry sense of humour. Short sentences, no buzzword salad.
Rules:
- Never reveal that you are an AI, a bot, an assistant or an automated account.
- Never write phrases like "As an AI", "as a language model", "I was generated" or "I cannot browse".
- No hashtag walls (at most two hashtags), no emoji spam (at most one emoji).
- Do not invent facts, numbers or quotes that are not in the material given to you.
- Output only the text to publish. No preamble, no quotes around it, no markdown headings.
`)
	return b.String()
}

// Post 基于文章写一条帖子
func (p Prompts) Post(title, summary, link string) string {
	return fmt.Sprintf(`%s
Task: write a LinkedIn post (80-180 words, in English) reacting to this article.
Open with a sharp hook line, add one personal takeaway for builders and end with a question that invites comments.
Do not paste the link; it will be shared separately.

Article title: %s
Article summary: %s
Article link: %s
`, p.persona(), title, summary, link)
}

// FollowUpSummary 第一条评论：译成 SummaryLanguage 的要点摘要，末尾标注来源
func (p Prompts) FollowUpSummary(post, sourceURL string) string {
	lang := p.Persona.SummaryLanguage
	if lang == "" {
		lang = "Turkish"
	}
	return fmt.Sprintf(`%s
Task: write the first comment under your own post: a %s summary of the article's main ideas in 3-5 short sentences.
Write it entirely in %s. End with a final line exactly in the form "Kaynak: %s".

Your post:
%s
`, p.persona(), lang, lang, sourceURL, post)
}

// Reply 回复评论；language 为评论者的语言名
func (p Prompts) Reply(comment, language string, negative bool) string {
	if language == "" {
		language = "English"
	}
	tone := Tone(negative)
	guide := "Thank them naturally and add one small, concrete thought."
	if negative {
		guide = "They disagree or criticise. Stay kind, correct the point with facts and a light touch of humour, never be defensive or sarcastic."
	}
	return fmt.Sprintf(`%s
Task: reply to a comment on your post in %s. Tone: %s.
%s
Keep it to 1-3 sentences.

Comment:
%s
`, p.persona(), language, tone, guide, comment)
}

// ProactiveComment 对他人帖子的主动评论
func (p Prompts) ProactiveComment(context string) string {
	return fmt.Sprintf(`%s
Task: write a comment on someone else's LinkedIn post. Add value: a concrete experience, a counter-point or a sharp question.
Never write generic praise like "great post" or "thanks for sharing". 1-3 sentences.

Post / context:
%s
`, p.persona(), context)
}

// InviteMessage 连接邀请附言（不超过 InviteNoteLimit 字符）
func (p Prompts) InviteMessage(name, rationale string) string {
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(`%s
Task: write a LinkedIn connection request note to %s, under %d characters.
Mention the reason to connect if given, be specific and human, no sales pitch.

Reason to connect: %s
`, p.persona(), name, InviteNoteLimit, rationale)
}

// Refine 按指示改写帖子
func (p Prompts) Refine(post, instruction string) string {
	return fmt.Sprintf(`%s
Task: rewrite your draft post following the instruction. Keep the meaning and the language of the draft.

Instruction: %s

Draft:
%s
`, p.persona(), instruction, post)
}

var leakPrefixes = []string{"as an ai", "as a language model", "as an assistant", "i am an ai"}

// Sanitize 去掉代码块围栏、外层引号和暴露自动化身份的句子
func Sanitize(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```text")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if len(text) >= 2 {
		if (text[0] == '"' && text[len(text)-1] == '"') || (text[0] == '\'' && text[len(text)-1] == '\'') {
			text = strings.TrimSpace(text[1 : len(text)-1])
		}
	}
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, ln := range lines {
		l := strings.ToLower(strings.TrimSpace(ln))
		leak := false
		for _, pfx := range leakPrefixes {
			if strings.HasPrefix(l, pfx) {
				leak = true
				break
			}
		}
		if !leak {
			out = append(out, ln)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Truncate 按 rune 截断
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

package config

import (
	"time"

	"github.com/spf13/viper"
)

// 所有键都必须有默认值，否则 AutomaticEnv 在 Unmarshal 时不可见
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.session_secret", "")
	v.SetDefault("server.basic_auth_user", "")
	v.SetDefault("server.basic_auth_password", "")
	v.SetDefault("server.shutdown_grace", 30*time.Second)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/linkpilot.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("linkedin.client_id", "")
	v.SetDefault("linkedin.client_secret", "")
	v.SetDefault("linkedin.redirect_uri", "http://localhost:8000/callback")
	v.SetDefault("linkedin.scopes", []string{"openid", "profile", "email", "w_member_social"})
	v.SetDefault("linkedin.auth_url", "https://www.linkedin.com/oauth/v2/authorization")
	v.SetDefault("linkedin.token_url", "https://www.linkedin.com/oauth/v2/accessToken")
	v.SetDefault("linkedin.api_base", "https://api.linkedin.com/v2")
	v.SetDefault("linkedin.rest_base", "https://api.linkedin.com/rest")
	v.SetDefault("linkedin.version", "202405")
	v.SetDefault("linkedin.fallback_versions", []string{"202404", "202401", "202312"})
	v.SetDefault("linkedin.http_timeout", 30*time.Second)
	v.SetDefault("linkedin.rate_per_second", 2.0)
	v.SetDefault("linkedin.rate_burst", 4)
	v.SetDefault("linkedin.comment_pages", 4)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.models", []string{"gemini-2.5-flash", "gemini-2.5-flash-lite"})
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.requests_per_min", 10)

	v.SetDefault("persona.name", "Kürşat")
	v.SetDefault("persona.age", 21)
	v.SetDefault("persona.role", "Product Builder")
	v.SetDefault("persona.interests", []string{"ai", "llm", "product", "saas", "startup", "founder", "ux", "devtools", "infra"})
	v.SetDefault("persona.summary_language", "Turkish")
	v.SetDefault("persona.invite_note", "Hi! I enjoy following builders in product and AI. Would be great to connect.")

	v.SetDefault("feeds.sources", map[string]string{
		"techcrunch":   "https://techcrunch.com/feed/",
		"ycombinator":  "https://news.ycombinator.com/rss",
		"indiehackers": "https://www.indiehackers.com/feed",
		"producthunt":  "https://www.producthunt.com/feed",
	})
	v.SetDefault("feeds.extra_urls", []string{})
	v.SetDefault("feeds.horizon", 48*time.Hour)
	v.SetDefault("feeds.deny_keywords", []string{
		"trump", "biden", "election", "politics", "political",
		"cryptocurrency", "crypto", "bitcoin", "ethereum", "speculative", "meme coin", "nft",
	})
	v.SetDefault("feeds.priority", []string{"producthunt", "indiehackers", "ycombinator", "techcrunch"})
	v.SetDefault("feeds.parallelism", 4)
	v.SetDefault("feeds.use_fallback", false)

	v.SetDefault("moderation.politics", []string{"election", "politics", "political", "parliament", "president", "senate", "referendum"})
	v.SetDefault("moderation.crypto", []string{"bitcoin", "ethereum", "crypto", "altcoin", "memecoin", "meme coin", "nft", "ico", "token sale"})
	v.SetDefault("moderation.sensitive", []string{"layoff", "lawsuit", "war", "religion", "death", "tragedy", "scandal"})
	v.SetDefault("moderation.negative", []string{
		"wrong", "bad", "terrible", "awful", "disagree", "hate", "stupid",
		"nonsense", "ridiculous", "false", "misleading",
		"yanlış", "kötü", "berbat", "katılmıyorum", "saçma",
	})

	v.SetDefault("schedule.timezone", "Europe/Istanbul")
	v.SetDefault("schedule.operating_hours_start", 7)
	v.SetDefault("schedule.operating_hours_end", 22)
	v.SetDefault("schedule.daily_post_times", []string{"09:00", "14:00", "19:00"})
	v.SetDefault("schedule.post_jitter", 30*time.Minute)
	v.SetDefault("schedule.comment_check_interval", 7*time.Minute)
	v.SetDefault("schedule.proactive_interval", 30*time.Minute)
	v.SetDefault("schedule.invite_interval", 60*time.Minute)
	v.SetDefault("schedule.retry_interval", time.Minute)
	v.SetDefault("schedule.follow_up_delay", 66*time.Second)
	v.SetDefault("schedule.follow_up_check_interval", 20*time.Second)
	v.SetDefault("schedule.interval_jitter", 0)
	v.SetDefault("schedule.workers", 3)
	v.SetDefault("schedule.tick", 5*time.Second)

	v.SetDefault("quota.posts_per_day", 3)
	v.SetDefault("quota.proactive_comments_per_day", 9)
	v.SetDefault("quota.invites_per_day", 7)
	v.SetDefault("quota.comments_replied_per_day", 40)

	v.SetDefault("reply.recent_posts", 10)
	v.SetDefault("reply.peak_start", 9)
	v.SetDefault("reply.peak_end", 17)
	v.SetDefault("reply.peak_delay_min", 5*time.Minute)
	v.SetDefault("reply.peak_delay_max", 15*time.Minute)
	v.SetDefault("reply.offpeak_delay_min", 15*time.Minute)
	v.SetDefault("reply.offpeak_delay_max", 30*time.Minute)
	v.SetDefault("reply.batch_size", 20)

	v.SetDefault("proactive.like_targets", true)

	v.SetDefault("retry.base", 60*time.Second)
	v.SetDefault("retry.cap", time.Hour)
	v.SetDefault("retry.max_attempts", 8)
	v.SetDefault("retry.batch_size", 50)

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "linkpilot")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")

	v.SetDefault("redis.url", "")
	v.SetDefault("security.token_key", "")

	v.SetDefault("dry_run", true)
}

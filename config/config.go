package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config 应用配置（defaults < config.yaml < .env < 环境变量）
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	LinkedIn   LinkedInConfig   `mapstructure:"linkedin"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Persona    PersonaConfig    `mapstructure:"persona"`
	Feeds      FeedsConfig      `mapstructure:"feeds"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Reply      ReplyConfig      `mapstructure:"reply"`
	Proactive  ProactiveConfig  `mapstructure:"proactive"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Security   SecurityConfig   `mapstructure:"security"`
	DryRun     bool             `mapstructure:"dry_run"`

	loc *time.Location
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	Mode              string        `mapstructure:"mode" validate:"oneof=debug release test"`
	SessionSecret     string        `mapstructure:"session_secret"`
	BasicAuthUser     string        `mapstructure:"basic_auth_user"`
	BasicAuthPassword string        `mapstructure:"basic_auth_password"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace" validate:"gt=0"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	Path         string `mapstructure:"path"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type LinkedInConfig struct {
	ClientID         string        `mapstructure:"client_id"`
	ClientSecret     string        `mapstructure:"client_secret"`
	RedirectURI      string        `mapstructure:"redirect_uri"`
	Scopes           []string      `mapstructure:"scopes"`
	AuthURL          string        `mapstructure:"auth_url" validate:"url"`
	TokenURL         string        `mapstructure:"token_url" validate:"url"`
	APIBase          string        `mapstructure:"api_base" validate:"url"`
	RestBase         string        `mapstructure:"rest_base" validate:"url"`
	Version          string        `mapstructure:"version" validate:"len=6,numeric"`
	FallbackVersions []string      `mapstructure:"fallback_versions" validate:"dive,len=6,numeric"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
	RatePerSecond    float64       `mapstructure:"rate_per_second" validate:"gt=0"`
	RateBurst        int           `mapstructure:"rate_burst" validate:"gte=1"`
	CommentPages     int           `mapstructure:"comment_pages" validate:"gte=1"`
}

type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	Models         []string      `mapstructure:"models" validate:"min=1"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RequestsPerMin int           `mapstructure:"requests_per_min" validate:"gte=1"`
}

type PersonaConfig struct {
	Name            string   `mapstructure:"name" validate:"required"`
	Age             int      `mapstructure:"age"`
	Role            string   `mapstructure:"role"`
	Interests       []string `mapstructure:"interests"`
	SummaryLanguage string   `mapstructure:"summary_language"`
	InviteNote      string   `mapstructure:"invite_note" validate:"max=300"`
}

type FeedsConfig struct {
	Sources      map[string]string `mapstructure:"sources"`
	ExtraURLs    []string          `mapstructure:"extra_urls"`
	Horizon      time.Duration     `mapstructure:"horizon" validate:"gt=0"`
	DenyKeywords []string          `mapstructure:"deny_keywords"`
	Priority     []string          `mapstructure:"priority"`
	Parallelism  int               `mapstructure:"parallelism" validate:"gte=1"`
	UseFallback  bool              `mapstructure:"use_fallback"`
}

type ModerationConfig struct {
	Politics  []string `mapstructure:"politics"`
	Crypto    []string `mapstructure:"crypto"`
	Sensitive []string `mapstructure:"sensitive"`
	Negative  []string `mapstructure:"negative"`
}

type ScheduleConfig struct {
	Timezone              string        `mapstructure:"timezone" validate:"required"`
	OperatingHoursStart   int           `mapstructure:"operating_hours_start" validate:"gte=0,lte=23"`
	OperatingHoursEnd     int           `mapstructure:"operating_hours_end" validate:"gte=1,lte=24,gtfield=OperatingHoursStart"`
	DailyPostTimes        []string      `mapstructure:"daily_post_times" validate:"min=1,dive,hhmm"`
	PostJitter            time.Duration `mapstructure:"post_jitter" validate:"gte=0"`
	CommentCheckInterval  time.Duration `mapstructure:"comment_check_interval" validate:"gt=0"`
	ProactiveInterval     time.Duration `mapstructure:"proactive_interval" validate:"gt=0"`
	InviteInterval        time.Duration `mapstructure:"invite_interval" validate:"gt=0"`
	RetryInterval         time.Duration `mapstructure:"retry_interval" validate:"gt=0"`
	FollowUpDelay         time.Duration `mapstructure:"follow_up_delay" validate:"gte=0"`
	FollowUpCheckInterval time.Duration `mapstructure:"follow_up_check_interval" validate:"gt=0"`
	IntervalJitter        time.Duration `mapstructure:"interval_jitter" validate:"gte=0"`
	Workers               int           `mapstructure:"workers" validate:"gte=3"`
	Tick                  time.Duration `mapstructure:"tick" validate:"gt=0"`
}

type QuotaConfig struct {
	PostsPerDay             int `mapstructure:"posts_per_day" validate:"gte=0"`
	ProactiveCommentsPerDay int `mapstructure:"proactive_comments_per_day" validate:"gte=0"`
	InvitesPerDay           int `mapstructure:"invites_per_day" validate:"gte=0"`
	CommentsRepliedPerDay   int `mapstructure:"comments_replied_per_day" validate:"gte=0"`
}

// ReplyConfig 回复延迟：高峰 [PeakStart,PeakEnd) 取 [PeakDelayMin,PeakDelayMax]，否则取 OffPeak 区间
type ReplyConfig struct {
	RecentPosts     int           `mapstructure:"recent_posts" validate:"gte=1"`
	PeakStart       int           `mapstructure:"peak_start" validate:"gte=0,lte=23"`
	PeakEnd         int           `mapstructure:"peak_end" validate:"gte=1,lte=24,gtfield=PeakStart"`
	PeakDelayMin    time.Duration `mapstructure:"peak_delay_min" validate:"gte=0"`
	PeakDelayMax    time.Duration `mapstructure:"peak_delay_max" validate:"gtefield=PeakDelayMin"`
	OffPeakDelayMin time.Duration `mapstructure:"offpeak_delay_min" validate:"gte=0"`
	OffPeakDelayMax time.Duration `mapstructure:"offpeak_delay_max" validate:"gtefield=OffPeakDelayMin"`
	BatchSize       int           `mapstructure:"batch_size" validate:"gte=1"`
}

type ProactiveConfig struct {
	// LikeTargets 评论前先点赞目标帖子（失败不影响评论）
	LikeTargets bool `mapstructure:"like_targets"`
}

type RetryConfig struct {
	Base        time.Duration `mapstructure:"base" validate:"gt=0"`
	Cap         time.Duration `mapstructure:"cap" validate:"gtefield=Base"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	BatchSize   int           `mapstructure:"batch_size" validate:"gte=1"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type SecurityConfig struct {
	TokenKey string `mapstructure:"token_key"`
}

// 固定的环境变量名（其余键走 AutomaticEnv：server.port -> SERVER_PORT）
var envBindings = map[string]string{
	"linkedin.client_id":               "LINKEDIN_CLIENT_ID",
	"linkedin.client_secret":           "LINKEDIN_CLIENT_SECRET",
	"linkedin.redirect_uri":            "LINKEDIN_REDIRECT_URI",
	"llm.api_key":                      "GEMINI_API_KEY",
	"database.path":                    "DATABASE_PATH",
	"schedule.timezone":                "TZ",
	"schedule.operating_hours_start":   "OPERATING_HOURS_START",
	"schedule.operating_hours_end":     "OPERATING_HOURS_END",
	"schedule.daily_post_times":        "DAILY_POST_TIMES",
	"schedule.comment_check_interval":  "COMMENT_CHECK_INTERVAL",
	"reply.peak_delay_min":             "COMMENT_DELAY_MIN",
	"quota.proactive_comments_per_day": "PROACTIVE_COMMENTS_PER_DAY",
	"quota.invites_per_day":            "INVITES_PER_DAY",
	"dry_run":                          "DRY_RUN",
}

// Load 读取默认位置的配置；LINKPILOT_CONFIG 可指定文件
func Load() (*Config, error) {
	return LoadFile(os.Getenv("LINKPILOT_CONFIG"))
}

// LoadFile 读取指定配置文件（为空时在 ./ 与 ./config 下查找 config.yaml，找不到不报错）
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finalize() error {
	c.LinkedIn.Scopes = trimAll(c.LinkedIn.Scopes)
	c.Schedule.DailyPostTimes = trimAll(c.Schedule.DailyPostTimes)
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return errors.New("database.path is required for sqlite")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return errors.New("database.dsn is required for postgres")
	}
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Schedule.Timezone, err)
	}
	c.loc = loc
	return nil
}

// Location 运营者所在时区
func (c *Config) Location() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}

// SetLocation 测试或嵌入场景下直接指定时区
func (c *Config) SetLocation(loc *time.Location) { c.loc = loc }

// Validate 重新校验（测试里手工构造 Config 时使用）
func (c *Config) Validate() error { return c.finalize() }

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, _, err := ParseClock(fl.Field().String())
		return err == nil
	})
	return v
}

// ParseClock 解析 "HH:MM"
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// ParseMinutes 纯数字按分钟解释，其余按 Go duration 解析（"7" == 7m, "90s" == 90s）
func ParseMinutes(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Minute)), nil
	}
	return time.ParseDuration(s)
}

func durationHook() mapstructure.DecodeHookFuncType {
	durType := reflect.TypeOf(time.Duration(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durType {
			return data, nil
		}
		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			return ParseMinutes(v)
		case int:
			return time.Duration(v) * time.Minute, nil
		case int64:
			return time.Duration(v) * time.Minute, nil
		case float64:
			return time.Duration(v * float64(time.Minute)), nil
		}
		return data, nil
	}
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/twitch-gpt-bot-go/internal/prompt"
)

type Config struct {
	Twitch     TwitchConfig        `mapstructure:"twitch"`
	OpenAI     OpenAIConfig        `mapstructure:"openai"`
	Completion CompletionConfig    `mapstructure:"completion"`
	History    HistoryConfig       `mapstructure:"history"`
	Bots       map[string][]string `mapstructure:"bots"`
	Features   FeaturesConfig      `mapstructure:"features"`
	Chat       ChatConfig          `mapstructure:"chat"`
	Story      StoryConfig         `mapstructure:"story"`
	Articles   ArticlesConfig      `mapstructure:"articles"`
	Speech     SpeechConfig        `mapstructure:"speech"`
	Analytics  AnalyticsConfig     `mapstructure:"analytics"`
	Storage    StorageConfig       `mapstructure:"storage"`
	Chatters   ChattersConfig      `mapstructure:"chatters"`
	RateLimit  RateLimitConfig     `mapstructure:"rate_limit"`
	Logging    LoggingConfig       `mapstructure:"logging"`
	Monitoring MonitoringConfig    `mapstructure:"monitoring"`
	I18n       I18nConfig          `mapstructure:"i18n"`
}

type TwitchConfig struct {
	Token         string   `mapstructure:"token"`
	BotUsername   string   `mapstructure:"bot_username"`
	Channel       string   `mapstructure:"channel"`
	URL           string   `mapstructure:"url"`
	CommandPrefix string   `mapstructure:"command_prefix"`
	Moderators    []string `mapstructure:"moderators"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type CompletionConfig struct {
	TokenCeiling          int           `mapstructure:"token_ceiling"`
	MaxEvictions          int           `mapstructure:"max_evictions"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	MaxOutputChars        int           `mapstructure:"max_output_chars"`
	Temperature           float64       `mapstructure:"temperature"`
	FrequencyPenalty      float64       `mapstructure:"frequency_penalty"`
	PresencePenalty       float64       `mapstructure:"presence_penalty"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	RetryBackoff          time.Duration `mapstructure:"retry_backoff"`
	ShortenResponsePrompt string        `mapstructure:"shorten_response_prompt"`
}

type HistoryConfig struct {
	// Limits maps queue name to its retained message count.
	Limits       map[string]int `mapstructure:"limits"`
	DefaultLimit int            `mapstructure:"default_limit"`
}

type FeaturesConfig struct {
	Story bool `mapstructure:"story"`
	Sound bool `mapstructure:"sound"`
}

type ChatConfig struct {
	PromptName        string            `mapstructure:"prompt_name"`
	BotthotPromptName string            `mapstructure:"botthot_prompt_name"`
	PromptPrefix      string            `mapstructure:"prompt_prefix"`
	PromptSuffix      string            `mapstructure:"prompt_suffix"`
	Prompts           map[string]string `mapstructure:"prompts"`
	MessageWordcount  int               `mapstructure:"message_wordcount"`
	NumBotResponses   int               `mapstructure:"num_bot_responses"`
}

type StoryConfig struct {
	PromptName           string            `mapstructure:"prompt_name"`
	Prompts              map[string]string `mapstructure:"prompts"`
	StartPrompt          string            `mapstructure:"start_prompt"`
	ProgressionPrompt    string            `mapstructure:"progression_prompt"`
	EndPrompt            string            `mapstructure:"end_prompt"`
	ArticleSummaryPrompt string            `mapstructure:"article_summary_prompt"`
	ProgressionThreshold int               `mapstructure:"progression_threshold"`
	MaxCounter           int               `mapstructure:"max_counter"`
	Wordcount            int               `mapstructure:"wordcount"`
	TickInterval         time.Duration     `mapstructure:"tick_interval"`
	IdleInterval         time.Duration     `mapstructure:"idle_interval"`
	MaxOutputChars       int               `mapstructure:"max_output_chars"`
	WritingStyles        []string          `mapstructure:"writing_styles"`
	WritingTones         []string          `mapstructure:"writing_tones"`
	Themes               []string          `mapstructure:"themes"`
}

type ArticlesConfig struct {
	Directory       string `mapstructure:"directory"`
	ExcerptChars    int    `mapstructure:"excerpt_chars"`
	SummaryMaxChars int    `mapstructure:"summary_max_chars"`
}

type SpeechConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	VoiceID   string        `mapstructure:"voice_id"`
	BaseURL   string        `mapstructure:"base_url"`
	ModelID   string        `mapstructure:"model_id"`
	OutputDir string        `mapstructure:"output_dir"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type AnalyticsConfig struct {
	Type      string         `mapstructure:"type"`
	BatchSize int            `mapstructure:"batch_size"`
	SQLite    SQLiteConfig   `mapstructure:"sqlite"`
	BigQuery  BigQueryConfig `mapstructure:"bigquery"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type BigQueryConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	Dataset         string `mapstructure:"dataset"`
	Table           string `mapstructure:"table"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type MemoryConfig struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

type ChattersConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

// KnownBots returns the deduplicated union of every configured bot group.
func (c *Config) KnownBots() []string {
	seen := make(map[string]struct{})
	var bots []string
	for _, group := range c.Bots {
		for _, name := range group {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			bots = append(bots, name)
		}
	}
	return bots
}

// QueueLimit returns the configured limit for a history queue.
func (c *Config) QueueLimit(queue string) int {
	if n, ok := c.History.Limits[queue]; ok && n > 0 {
		return n
	}
	return c.History.DefaultLimit
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("twitch.url", "wss://irc-ws.chat.twitch.tv:443")
	v.SetDefault("twitch.command_prefix", "!")

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")

	v.SetDefault("completion.token_ceiling", 2000)
	v.SetDefault("completion.max_evictions", 10)
	v.SetDefault("completion.max_attempts", 3)
	v.SetDefault("completion.max_output_chars", 300)
	v.SetDefault("completion.temperature", 0.6)
	v.SetDefault("completion.frequency_penalty", 1.0)
	v.SetDefault("completion.presence_penalty", 1.0)
	v.SetDefault("completion.request_timeout", 30*time.Second)
	v.SetDefault("completion.retry_backoff", 2*time.Second)
	v.SetDefault("completion.shorten_response_prompt", "Shorten this message to fewer characters while keeping its meaning")

	v.SetDefault("history.default_limit", 10)

	v.SetDefault("chat.prompt_name", "standard")
	v.SetDefault("chat.botthot_prompt_name", "botthot")
	v.SetDefault("chat.message_wordcount", 20)
	v.SetDefault("chat.num_bot_responses", 1)

	v.SetDefault("story.progression_threshold", 3)
	v.SetDefault("story.max_counter", 6)
	v.SetDefault("story.wordcount", 40)
	v.SetDefault("story.tick_interval", 30*time.Second)
	v.SetDefault("story.idle_interval", 4*time.Second)
	v.SetDefault("story.max_output_chars", 300)

	v.SetDefault("articles.excerpt_chars", 300)
	v.SetDefault("articles.summary_max_chars", 1200)

	v.SetDefault("speech.base_url", "https://api.elevenlabs.io/v1")
	v.SetDefault("speech.model_id", "eleven_monolingual_v1")
	v.SetDefault("speech.output_dir", "audio")
	v.SetDefault("speech.timeout", 30*time.Second)

	v.SetDefault("analytics.type", "none")
	v.SetDefault("analytics.batch_size", 3)
	v.SetDefault("analytics.sqlite.path", "data/interactions.db")

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.redis.key_prefix", "story_transcript")
	v.SetDefault("storage.memory.default_expiration", 24*time.Hour)
	v.SetDefault("storage.memory.cleanup_interval", time.Hour)

	v.SetDefault("chatters.ttl", time.Hour)

	v.SetDefault("rate_limit.requests_per_minute", 6)
	v.SetDefault("rate_limit.burst", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file.path", "logs/bot.log")
	v.SetDefault("logging.file.max_size", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age", 30)

	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en"})
}

// LoadConfig loads configuration from file and environment variables.
// Every call builds an independent snapshot.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.BindEnv("twitch.token", "TWITCH_TOKEN")
	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("speech.api_key", "ELEVENLABS_XI_API_KEY")
	v.BindEnv("speech.voice_id", "ELEVENLABS_XI_VOICE")
	v.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.redis.db", "REDIS_DB")
	v.BindEnv("analytics.bigquery.credentials_file", "GOOGLE_APPLICATION_CREDENTIALS")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Handle Redis address special case
	if redisHost := v.GetString("REDIS_HOST"); redisHost != "" {
		redisPort := v.GetString("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	config.Twitch.Channel = strings.TrimPrefix(strings.ToLower(config.Twitch.Channel), "#")
	config.Twitch.BotUsername = strings.ToLower(config.Twitch.BotUsername)

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Placeholders each prompt family is rendered with.
var (
	chatPlaceholders = []string{
		"twitch_bot_username", "num_bot_responses", "request_user_name",
		"users_in_messages_list_text", "chatforme_message_wordcount",
	}
	storyPlaceholders = []string{
		"story_wordcount", "twitch_bot_username", "num_bot_responses",
		"article_plot", "writing_style", "writing_tone", "writing_theme",
	}
	articlePlaceholders = []string{"random_article_content", "user_requested_plotline"}
)

// checkPlaceholders rejects a template referencing a field it is never given.
func checkPlaceholders(name, tmpl string, allowed []string) error {
	for _, field := range prompt.Placeholders(tmpl) {
		if !slices.Contains(allowed, field) {
			return fmt.Errorf("%s uses unknown placeholder {%s}", name, field)
		}
	}
	return nil
}

func validatePrompts(cfg *Config) error {
	for name, p := range cfg.Chat.Prompts {
		if err := checkPlaceholders("chat prompt "+name, cfg.Chat.PromptPrefix+p+cfg.Chat.PromptSuffix, chatPlaceholders); err != nil {
			return err
		}
	}
	story := map[string]string{
		"story start prompt":       cfg.Story.StartPrompt,
		"story progression prompt": cfg.Story.ProgressionPrompt,
		"story end prompt":         cfg.Story.EndPrompt,
	}
	for name, p := range cfg.Story.Prompts {
		story["story prompt "+name] = p
	}
	for name, p := range story {
		if err := checkPlaceholders(name, p, storyPlaceholders); err != nil {
			return err
		}
	}
	return checkPlaceholders("article summary prompt", cfg.Story.ArticleSummaryPrompt, articlePlaceholders)
}

// Validate checks required fields and cross-field constraints.
func Validate(cfg *Config) error {
	if cfg.Twitch.Token == "" {
		return fmt.Errorf("twitch token is required")
	}
	if cfg.Twitch.BotUsername == "" {
		return fmt.Errorf("twitch bot username is required")
	}
	if cfg.Twitch.Channel == "" {
		return fmt.Errorf("twitch channel is required")
	}
	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("openai api key is required")
	}
	if cfg.History.DefaultLimit <= 0 {
		return fmt.Errorf("history default limit must be positive, got %d", cfg.History.DefaultLimit)
	}
	if cfg.Completion.TokenCeiling <= 0 {
		return fmt.Errorf("completion token ceiling must be positive")
	}
	if cfg.Completion.MaxAttempts <= 0 {
		return fmt.Errorf("completion max attempts must be positive")
	}
	if _, ok := cfg.Chat.Prompts[cfg.Chat.PromptName]; !ok && len(cfg.Chat.Prompts) > 0 {
		return fmt.Errorf("chat prompt %q is not defined", cfg.Chat.PromptName)
	}
	if err := validatePrompts(cfg); err != nil {
		return err
	}
	if cfg.Features.Story {
		if cfg.Story.MaxCounter < 0 || cfg.Story.ProgressionThreshold < 0 {
			return fmt.Errorf("story counters must not be negative")
		}
		if cfg.Story.ProgressionThreshold > cfg.Story.MaxCounter {
			return fmt.Errorf("story progression threshold %d exceeds max counter %d",
				cfg.Story.ProgressionThreshold, cfg.Story.MaxCounter)
		}
		if cfg.Story.ProgressionPrompt == "" || cfg.Story.EndPrompt == "" {
			return fmt.Errorf("story progression and end prompts are required")
		}
	}
	if cfg.Features.Sound && (cfg.Speech.APIKey == "" || cfg.Speech.VoiceID == "") {
		return fmt.Errorf("speech api key and voice id are required when sound is enabled")
	}
	switch cfg.Analytics.Type {
	case "none", "sqlite":
	case "bigquery":
		if cfg.Analytics.BigQuery.ProjectID == "" || cfg.Analytics.BigQuery.Dataset == "" || cfg.Analytics.BigQuery.Table == "" {
			return fmt.Errorf("bigquery project, dataset and table are required")
		}
	default:
		return fmt.Errorf("unsupported analytics type: %s", cfg.Analytics.Type)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all twin configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Judge    JudgeConfig    `mapstructure:"judge"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LLMConfig struct {
	Provider     string  `mapstructure:"provider"` // "openai", "anthropic", "ollama", "none"
	Model        string  `mapstructure:"model"`
	BaseURL      string  `mapstructure:"base_url"` // OpenAI-compatible endpoint override
	OpenAIKey    string  `mapstructure:"openai_key"`
	AnthropicKey string  `mapstructure:"anthropic_key"`
	OllamaURL    string  `mapstructure:"ollama_url"`
	Temperature  float32 `mapstructure:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Timeout      int     `mapstructure:"timeout"` // seconds, per request
}

type JudgeConfig struct {
	Mode        string        `mapstructure:"mode"` // "llm" or "lexical"
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
	RatePerSec  float64       `mapstructure:"rate_per_sec"` // 0 disables limiting
	Burst       int           `mapstructure:"burst"`
	Concurrency int           `mapstructure:"concurrency"`
	// how often the lexical judge reloads stored candidates; 0 never
	CorpusRefresh time.Duration `mapstructure:"corpus_refresh"`
}

type EngineConfig struct {
	ConceptDecayThreshold int           `mapstructure:"concept_decay_threshold"`
	RepetitionPenaltyBase float64       `mapstructure:"repetition_penalty_base"`
	UsageHistory          int           `mapstructure:"usage_history"`
	TopicCap              int           `mapstructure:"topic_cap"`
	IntentCap             int           `mapstructure:"intent_cap"`
	MinFinalScore         float64       `mapstructure:"min_final_score"`
	RankLimit             int           `mapstructure:"rank_limit"`
	ItemStrategy          string        `mapstructure:"item_strategy"` // "judge" or "rank"
	StoreTimeout          time.Duration `mapstructure:"store_timeout"`
	Summarize             bool          `mapstructure:"summarize"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			OllamaURL:   "http://localhost:11434",
			Temperature: 0.2,
			MaxTokens:   512,
			Timeout:     60,
		},
		Judge: JudgeConfig{
			Mode:          "llm",
			Timeout:       30 * time.Second,
			Retries:       1,
			RatePerSec:    0,
			Burst:         4,
			Concurrency:   4,
			CorpusRefresh: 30 * time.Second,
		},
		Engine: EngineConfig{
			ConceptDecayThreshold: 5,
			RepetitionPenaltyBase: 2.0,
			UsageHistory:          20,
			TopicCap:              5,
			IntentCap:             5,
			MinFinalScore:         1.0,
			RankLimit:             3,
			ItemStrategy:          "judge",
			StoreTimeout:          5 * time.Second,
			Summarize:             true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Load reads configuration from defaults, an optional file, a .env file and
// TWIN_* environment variables, in increasing order of precedence.
// An empty path searches ./twin.{toml,yaml} and ~/.twin/.
func Load(path string) (Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("twin")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional provider variables, honoured without the prefix.
	_ = v.BindEnv("llm.openai_key", "TWIN_LLM_OPENAI_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.anthropic_key", "TWIN_LLM_ANTHROPIC_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("database.path", "TWIN_DATABASE_PATH", "TWIN_DB")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("twin")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.twin")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Judge.Mode {
	case "llm", "lexical":
	default:
		return fmt.Errorf("judge.mode must be llm or lexical, got %q", c.Judge.Mode)
	}
	switch c.Engine.ItemStrategy {
	case "judge", "rank":
	default:
		return fmt.Errorf("engine.item_strategy must be judge or rank, got %q", c.Engine.ItemStrategy)
	}
	if c.Engine.RepetitionPenaltyBase <= 0 {
		return fmt.Errorf("engine.repetition_penalty_base must be positive")
	}
	if c.Engine.ConceptDecayThreshold < 0 {
		return fmt.Errorf("engine.concept_decay_threshold must not be negative")
	}
	if c.Judge.Retries < 0 {
		return fmt.Errorf("judge.retries must not be negative")
	}
	if c.Judge.CorpusRefresh < 0 {
		return fmt.Errorf("judge.corpus_refresh must not be negative")
	}
	for _, limit := range []struct {
		key string
		n   int
	}{
		{"engine.topic_cap", c.Engine.TopicCap},
		{"engine.intent_cap", c.Engine.IntentCap},
		{"engine.usage_history", c.Engine.UsageHistory},
	} {
		if limit.n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", limit.key, limit.n)
		}
	}
	return nil
}

// setDefaults registers every default key so env overrides and Unmarshal see them.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.bind", d.Server.Bind)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.openai_key", d.LLM.OpenAIKey)
	v.SetDefault("llm.anthropic_key", d.LLM.AnthropicKey)
	v.SetDefault("llm.ollama_url", d.LLM.OllamaURL)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.timeout", d.LLM.Timeout)

	v.SetDefault("judge.mode", d.Judge.Mode)
	v.SetDefault("judge.timeout", d.Judge.Timeout)
	v.SetDefault("judge.retries", d.Judge.Retries)
	v.SetDefault("judge.rate_per_sec", d.Judge.RatePerSec)
	v.SetDefault("judge.burst", d.Judge.Burst)
	v.SetDefault("judge.concurrency", d.Judge.Concurrency)
	v.SetDefault("judge.corpus_refresh", d.Judge.CorpusRefresh)

	v.SetDefault("engine.concept_decay_threshold", d.Engine.ConceptDecayThreshold)
	v.SetDefault("engine.repetition_penalty_base", d.Engine.RepetitionPenaltyBase)
	v.SetDefault("engine.usage_history", d.Engine.UsageHistory)
	v.SetDefault("engine.topic_cap", d.Engine.TopicCap)
	v.SetDefault("engine.intent_cap", d.Engine.IntentCap)
	v.SetDefault("engine.min_final_score", d.Engine.MinFinalScore)
	v.SetDefault("engine.rank_limit", d.Engine.RankLimit)
	v.SetDefault("engine.item_strategy", d.Engine.ItemStrategy)
	v.SetDefault("engine.store_timeout", d.Engine.StoreTimeout)
	v.SetDefault("engine.summarize", d.Engine.Summarize)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

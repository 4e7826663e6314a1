package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Paths      PathsConfig      `yaml:"paths" mapstructure:"paths"`
	Dataset    DatasetConfig    `yaml:"dataset" mapstructure:"dataset"`
	News       NewsConfig       `yaml:"news" mapstructure:"news"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the durable fingerprint cache backend. The
// "memory" driver keeps entries for the life of the process only.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=memory sqlite postgres badger"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required_if=Driver postgres"`
	Path        string `yaml:"path" mapstructure:"path" validate:"required_if=Driver sqlite,required_if=Driver badger"`
}

// PathsConfig locates on-disk artifacts.
type PathsConfig struct {
	DataDir   string `yaml:"data_dir" mapstructure:"data_dir" validate:"required"`
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir" validate:"required"`
}

// DatasetConfig selects and configures the dataset source.
type DatasetConfig struct {
	Source     string `yaml:"source" mapstructure:"source" validate:"oneof=ckan dir"`
	SourceID   string `yaml:"source_id" mapstructure:"source_id" validate:"required"`
	PageURL    string `yaml:"page_url" mapstructure:"page_url" validate:"omitempty,url"`
	LocalDir   string `yaml:"local_dir" mapstructure:"local_dir" validate:"required_if=Source dir"`
	SchemaFile string `yaml:"schema_file" mapstructure:"schema_file"`
	Mapper     string `yaml:"mapper" mapstructure:"mapper" validate:"oneof=llm exact fallback"`
}

// NewsConfig configures the news branch.
type NewsConfig struct {
	DefaultTopic       string   `yaml:"default_topic" mapstructure:"default_topic" validate:"required"`
	Expander           string   `yaml:"expander" mapstructure:"expander" validate:"oneof=llm static"`
	Synonyms           []string `yaml:"synonyms" mapstructure:"synonyms"`
	Searcher           string   `yaml:"searcher" mapstructure:"searcher" validate:"oneof=jina perplexity"`
	MaxTerms           int      `yaml:"max_terms" mapstructure:"max_terms" validate:"min=1"`
	MaxResultsPerTerm  int      `yaml:"max_results_per_term" mapstructure:"max_results_per_term" validate:"min=1"`
	Concurrency        int      `yaml:"concurrency" mapstructure:"concurrency" validate:"min=1"`
	Region             string   `yaml:"region" mapstructure:"region"`
	MinArticleChars    int      `yaml:"min_article_chars" mapstructure:"min_article_chars" validate:"min=0"`
	MaxEvaluationChars int      `yaml:"max_evaluation_chars" mapstructure:"max_evaluation_chars" validate:"min=1"`
}

// LLMConfig selects the language model backend shared by the mapper, the
// expander and the evaluator.
type LLMConfig struct {
	Provider       string  `yaml:"provider" mapstructure:"provider" validate:"oneof=anthropic openai perplexity"`
	Temperature    float64 `yaml:"temperature" mapstructure:"temperature" validate:"min=0,max=2"`
	MaxTokens      int     `yaml:"max_tokens" mapstructure:"max_tokens" validate:"min=1"`
	CallsPerMinute int     `yaml:"calls_per_minute" mapstructure:"calls_per_minute" validate:"min=0"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina AI Reader and Search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// FetchConfig configures raw HTTP/FTP downloads and article scraping.
type FetchConfig struct {
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"min=1"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries" validate:"min=0"`
}

// RetryConfig holds the executor retry policy per collaborator class.
type RetryConfig struct {
	Network RetryPolicy `yaml:"network" mapstructure:"network"`
	Model   RetryPolicy `yaml:"model" mapstructure:"model"`
}

// RetryPolicy mirrors resilience.RetryConfig in config units.
type RetryPolicy struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"min=0"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"min=0"`
	MaxElapsedSecs   int     `yaml:"max_elapsed_secs" mapstructure:"max_elapsed_secs" validate:"min=0"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier" validate:"min=0"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction" validate:"min=0,max=1"`
}

// CircuitConfig configures the per-service circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"min=0"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs" validate:"min=0"`
}

// PipelineConfig bounds task and run durations.
type PipelineConfig struct {
	TaskTimeoutSecs int `yaml:"task_timeout_secs" mapstructure:"task_timeout_secs" validate:"min=1"`
	JoinTimeoutSecs int `yaml:"join_timeout_secs" mapstructure:"join_timeout_secs" validate:"min=1"`
	JoinGraceSecs   int `yaml:"join_grace_secs" mapstructure:"join_grace_secs" validate:"min=0"`
	RunTimeoutSecs  int `yaml:"run_timeout_secs" mapstructure:"run_timeout_secs" validate:"min=0"`
}

// TaskTimeout returns the per-attempt timeout.
func (p PipelineConfig) TaskTimeout() time.Duration {
	return time.Duration(p.TaskTimeoutSecs) * time.Second
}

// JoinTimeout returns the overall join wait bound.
func (p PipelineConfig) JoinTimeout() time.Duration {
	return time.Duration(p.JoinTimeoutSecs) * time.Second
}

// JoinGrace returns how long the join waits for cancelled branches.
func (p PipelineConfig) JoinGrace() time.Duration {
	return time.Duration(p.JoinGraceSecs) * time.Second
}

// RunTimeout returns the bound on the branch phase of a run, zero meaning none.
func (p PipelineConfig) RunTimeout() time.Duration {
	return time.Duration(p.RunTimeoutSecs) * time.Second
}

// ReportConfig configures rendering and artifact retention.
type ReportConfig struct {
	Keep         int    `yaml:"keep" mapstructure:"keep" validate:"min=1"`
	TemplateFile string `yaml:"template_file" mapstructure:"template_file"`
	Title        string `yaml:"title" mapstructure:"title"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment variables: HEALTHREPORT_STORE_DRIVER, etc.
	v.SetEnvPrefix("HEALTHREPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/cache.db")
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.output_dir", "output")
	v.SetDefault("dataset.source", "ckan")
	v.SetDefault("dataset.source_id", "srag-2021-a-2024")
	v.SetDefault("dataset.page_url", "https://opendatasus.saude.gov.br/dataset/srag-2021-a-2024")
	v.SetDefault("dataset.mapper", "fallback")
	v.SetDefault("news.default_topic", "SRAG")
	v.SetDefault("news.expander", "llm")
	v.SetDefault("news.searcher", "jina")
	v.SetDefault("news.max_terms", 3)
	v.SetDefault("news.max_results_per_term", 5)
	v.SetDefault("news.concurrency", 4)
	v.SetDefault("news.region", "br-pt")
	v.SetDefault("news.min_article_chars", 100)
	v.SetDefault("news.max_evaluation_chars", 5000)
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.calls_per_minute", 30)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("fetch.user_agent", "health-report/1.0")
	v.SetDefault("fetch.timeout_secs", 120)
	v.SetDefault("fetch.max_retries", 1)
	v.SetDefault("retry.network.max_attempts", 3)
	v.SetDefault("retry.network.initial_backoff_ms", 2000)
	v.SetDefault("retry.network.max_backoff_ms", 30000)
	v.SetDefault("retry.network.max_elapsed_secs", 120)
	v.SetDefault("retry.network.multiplier", 2.0)
	v.SetDefault("retry.network.jitter_fraction", 0.25)
	v.SetDefault("retry.model.max_attempts", 3)
	v.SetDefault("retry.model.initial_backoff_ms", 1000)
	v.SetDefault("retry.model.max_backoff_ms", 20000)
	v.SetDefault("retry.model.max_elapsed_secs", 90)
	v.SetDefault("retry.model.multiplier", 2.0)
	v.SetDefault("retry.model.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("pipeline.task_timeout_secs", 300)
	v.SetDefault("pipeline.join_timeout_secs", 1800)
	v.SetDefault("pipeline.join_grace_secs", 10)
	v.SetDefault("pipeline.run_timeout_secs", 0)
	v.SetDefault("report.keep", 3)
	v.SetDefault("report.title", "Relatório SRAG")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks struct-tag constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrap(err, "config: validate")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

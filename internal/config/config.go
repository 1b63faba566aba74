package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Probe     ProbeConfig     `yaml:"probe" mapstructure:"probe"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Vision    VisionConfig    `yaml:"vision" mapstructure:"vision"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the metadata datastore.
type StoreConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL    string `yaml:"database_url" mapstructure:"database_url"`
	BatchSize      int    `yaml:"batch_size" mapstructure:"batch_size"`
	ProvidersTable string `yaml:"providers_table" mapstructure:"providers_table"`
	ImagesTable    string `yaml:"images_table" mapstructure:"images_table"`
	MaxConns       int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// ProbeConfig configures URL probing.
type ProbeConfig struct {
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RangeBytes  int     `yaml:"range_bytes" mapstructure:"range_bytes"`
	PerHostRPS  float64 `yaml:"per_host_rps" mapstructure:"per_host_rps"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// PipelineConfig configures the main pass.
type PipelineConfig struct {
	PageSize       int    `yaml:"page_size" mapstructure:"page_size"`
	CheckpointFile string `yaml:"checkpoint_file" mapstructure:"checkpoint_file"`
}

// VisionConfig configures the reclassification pass.
type VisionConfig struct {
	Provider            string  `yaml:"provider" mapstructure:"provider"`
	BatchSize           int     `yaml:"batch_size" mapstructure:"batch_size"`
	PageSize            int     `yaml:"page_size" mapstructure:"page_size"`
	MaxImageBytes       int64   `yaml:"max_image_bytes" mapstructure:"max_image_bytes"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	MinHeroQuality      float64 `yaml:"min_hero_quality" mapstructure:"min_hero_quality"`
	MaxTokens           int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs         int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts         int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// OpenAIConfig holds settings for an OpenAI-compatible vision endpoint.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// MetricsConfig configures the end-of-run metrics export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Vision service providers.
const (
	VisionProviderAnthropic = "anthropic"
	VisionProviderOpenAI    = "openai"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LISTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.batch_size", 500)
	v.SetDefault("store.providers_table", "providers")
	v.SetDefault("store.images_table", "provider_image_metadata")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("probe.timeout_secs", 8)
	v.SetDefault("probe.range_bytes", 16384)
	v.SetDefault("probe.per_host_rps", 10.0)
	v.SetDefault("probe.user_agent", "listing-images/1.0")
	v.SetDefault("probe.concurrency", 20)
	v.SetDefault("pipeline.page_size", 100)
	v.SetDefault("pipeline.checkpoint_file", ".listing-images-checkpoint.json")
	v.SetDefault("vision.provider", VisionProviderAnthropic)
	v.SetDefault("vision.batch_size", 5)
	v.SetDefault("vision.page_size", 100)
	v.SetDefault("vision.max_image_bytes", 512*1024)
	v.SetDefault("vision.confidence_threshold", 0.7)
	v.SetDefault("vision.min_hero_quality", 0.5)
	v.SetDefault("vision.max_tokens", 1024)
	v.SetDefault("vision.timeout_secs", 60)
	v.SetDefault("vision.max_attempts", 3)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Env-only keys need explicit binding for Unmarshal to see them.
	for _, key := range []string{"store.database_url", "anthropic.key", "openai.key", "metrics.textfile"} {
		_ = v.BindEnv(key)
	}

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

	return &cfg, nil
}

// Validate checks that the settings a mode depends on are present and sane.
// Mode is "run" for the main pass, "vision" when the vision pass will
// execute, or "checkpoint" for checkpoint maintenance.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "checkpoint":
		if c.Pipeline.CheckpointFile == "" {
			errs = append(errs, "pipeline.checkpoint_file is required")
		}
	case "run", "vision":
		errs = append(errs, c.validateStore()...)
		if c.Probe.Concurrency < 1 || c.Probe.Concurrency > 200 {
			errs = append(errs, "probe.concurrency must be between 1 and 200")
		}
		if c.Pipeline.PageSize <= 0 {
			errs = append(errs, "pipeline.page_size must be > 0")
		}
		if mode == "vision" {
			errs = append(errs, c.validateVision()...)
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.BatchSize <= 0 {
		errs = append(errs, "store.batch_size must be > 0")
	}
	return errs
}

func (c *Config) validateVision() []string {
	var errs []string
	switch c.Vision.Provider {
	case VisionProviderAnthropic:
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case VisionProviderOpenAI:
		if c.OpenAI.Key == "" {
			errs = append(errs, "openai.key is required")
		}
	default:
		errs = append(errs, "vision.provider must be anthropic or openai")
	}
	if c.Vision.BatchSize <= 0 {
		errs = append(errs, "vision.batch_size must be > 0")
	}
	if c.Vision.ConfidenceThreshold < 0 || c.Vision.ConfidenceThreshold > 1 {
		errs = append(errs, "vision.confidence_threshold must be between 0 and 1")
	}
	if c.Vision.MinHeroQuality < 0 || c.Vision.MinHeroQuality > 1 {
		errs = append(errs, "vision.min_hero_quality must be between 0 and 1")
	}
	return errs
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

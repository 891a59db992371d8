// Package config はアプリケーション設定を読み込みます。
//
// 優先順位は 環境変数（STORYBOOK_ 接頭辞）> 設定ファイル（YAML）> 既定値 です。
// .env の読み込みは cmd 側で godotenv が行います。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "STORYBOOK"

// Config は全設定です。
type Config struct {
	Addr           string        `mapstructure:"addr"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	StoryDir       string        `mapstructure:"story_dir"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	Concurrency    int           `mapstructure:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`

	Database    DatabaseConfig    `mapstructure:"database"`
	Assets      AssetsConfig      `mapstructure:"assets"`
	Gemini      GeminiConfig      `mapstructure:"gemini"`
	PostProcess PostProcessConfig `mapstructure:"postprocess"`
}

// DatabaseConfig はセッション・バージョンを保存する DB です。
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// AssetsConfig は画像の保存先です。Backend は fs / memory / gcs のいずれかです。
type AssetsConfig struct {
	Backend  string `mapstructure:"backend"`
	Dir      string `mapstructure:"dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	// Endpoint は GCS の接続先を差し替えます（エミュレーター用、認証なし）。
	Endpoint string `mapstructure:"endpoint"`
}

// GeminiConfig は生成モデルの設定です。
type GeminiConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	ImageModel       string        `mapstructure:"image_model"`
	TextModel        string        `mapstructure:"text_model"`
	MaxRetries       int           `mapstructure:"max_retries"`
	FallbackAttempts int           `mapstructure:"fallback_attempts"`
	RateInterval     time.Duration `mapstructure:"rate_interval"`
	RateBurst        int           `mapstructure:"rate_burst"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
}

// PostProcessConfig は顔の同一性転写と復元サービスの接続先です。空なら無効です。
type PostProcessConfig struct {
	IdentityEndpoint    string        `mapstructure:"identity_endpoint"`
	RestorationEndpoint string        `mapstructure:"restoration_endpoint"`
	APIKey              string        `mapstructure:"api_key"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	// AllowPrivateNetwork はループバックや社内ネットワーク上のエンドポイントを許可します。
	// 応答の output_url は常に検証されます。
	AllowPrivateNetwork bool          `mapstructure:"allow_private_network"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("story_dir", "./stories")
	v.SetDefault("session_ttl", 24*time.Hour)
	v.SetDefault("concurrency", 3)
	v.SetDefault("request_timeout", 5*time.Minute)
	v.SetDefault("sweep_schedule", "@every 15m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/storybook.db")

	v.SetDefault("assets.backend", "fs")
	v.SetDefault("assets.dir", "./data/assets")
	v.SetDefault("assets.bucket", "")
	v.SetDefault("assets.prefix", "")
	v.SetDefault("assets.endpoint", "")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.image_model", "gemini-2.5-flash-image")
	v.SetDefault("gemini.text_model", "gemini-2.5-flash")
	v.SetDefault("gemini.max_retries", 3)
	v.SetDefault("gemini.fallback_attempts", 2)
	v.SetDefault("gemini.rate_interval", 2*time.Second)
	v.SetDefault("gemini.rate_burst", 2)
	v.SetDefault("gemini.cache_ttl", 5*time.Minute)
	v.SetDefault("gemini.http_timeout", 30*time.Second)

	v.SetDefault("postprocess.identity_endpoint", "")
	v.SetDefault("postprocess.restoration_endpoint", "")
	v.SetDefault("postprocess.api_key", "")
	v.SetDefault("postprocess.timeout", 60*time.Second)
	v.SetDefault("postprocess.max_retries", 3)
	v.SetDefault("postprocess.allow_private_network", false)
}

// Load は設定を読み込みます。file が空なら カレントディレクトリの storybook.yaml を探し、なければ既定値と環境変数のみを使います。
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Gemini SDK と同じ変数名も受け付ける
	if err := v.BindEnv("gemini.api_key", EnvPrefix+"_GEMINI_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("storybook")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate は設定値の整合性を検証します。API キーは生成を行うコマンドで個別に確認します。
func (c *Config) Validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	switch c.Assets.Backend {
	case "fs":
		if c.Assets.Dir == "" {
			errs = append(errs, "assets.dir is required for fs backend")
		}
	case "memory":
	case "gcs":
		if c.Assets.Bucket == "" {
			errs = append(errs, "assets.bucket is required for gcs backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("assets.backend %q must be fs, memory or gcs", c.Assets.Backend))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log_format %q must be json or text", c.LogFormat))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, "session_ttl must be positive")
	}
	if c.Concurrency <= 0 {
		errs = append(errs, "concurrency must be positive")
	}
	if c.Gemini.MaxRetries <= 0 || c.Gemini.FallbackAttempts <= 0 {
		errs = append(errs, "gemini.max_retries and gemini.fallback_attempts must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// RequireAPIKey は Gemini の API キーが設定されているかを確認します。
func (c *Config) RequireAPIKey() error {
	if strings.TrimSpace(c.Gemini.APIKey) == "" {
		return fmt.Errorf("gemini api key is not set (%s_GEMINI_API_KEY or GEMINI_API_KEY)", EnvPrefix)
	}
	return nil
}

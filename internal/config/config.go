// Package config は環境変数からゲートウェイの設定を読み込みます。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrConfiguration は設定の欠落・不正を表します。起動時は致命的エラーです。
var ErrConfiguration = errors.New("configuration error")

const (
	StoreLocal = "local"
	StoreRedis = "redis"

	EnvProduction = "production"
)

// Config はゲートウェイの設定値を保持します。
type Config struct {
	// IdP（Logto）
	LogtoAppID       string `env:"LOGTO_APP_ID"`
	LogtoAppSecret   string `env:"LOGTO_APP_SECRET"`
	LogtoEndpoint    string `env:"LOGTO_ENDPOINT"`
	LogtoRedirectURI string `env:"LOGTO_REDIRECT_URI"`

	// セッション
	SessionSecret       string        `env:"SESSION_SECRET"`
	SessionStoreType    string        `env:"SESSION_STORE_TYPE" envDefault:"local"`
	RedisURL            string        `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	SessionCookieName   string        `env:"SESSION_COOKIE_NAME" envDefault:"diagram_session"`
	SessionMaxAgeHours  int           `env:"SESSION_MAX_AGE_HOURS" envDefault:"24"`
	SessionSweepEvery   time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1m"`
	CSRFEnforce         bool          `env:"CSRF_ENFORCE" envDefault:"false"`
	RedisMonitorEvery   time.Duration `env:"REDIS_MONITOR_INTERVAL" envDefault:"5s"`
	FrontendURL         string        `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`
	ErrorRedirectPath   string        `env:"AUTH_ERROR_PATH" envDefault:"/auth/error"`
	UserDatabaseURL     string        `env:"DATABASE_URL"`
	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"10s"`

	// サーバー
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Warnings は読み込み時に行った致命的でない補正を集めます。
	Warnings []string
}

// Load は .env.local（存在する場合）と環境変数を読み込み、検証します。
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

func (c *Config) normalize() {
	c.SessionStoreType = strings.ToLower(strings.TrimSpace(c.SessionStoreType))
	if c.SessionStoreType == "remote" {
		c.SessionStoreType = StoreRedis
	}
	if c.SessionStoreType != StoreLocal && c.SessionStoreType != StoreRedis {
		c.Warnings = append(c.Warnings,
			fmt.Sprintf("invalid SESSION_STORE_TYPE %q, defaulting to %q", c.SessionStoreType, StoreLocal))
		c.SessionStoreType = StoreLocal
	}
	if c.SessionMaxAgeHours <= 0 {
		c.SessionMaxAgeHours = 24
	}
	if c.SessionSweepEvery <= 0 {
		c.SessionSweepEvery = time.Minute
	}
	if c.RedisMonitorEvery <= 0 {
		c.RedisMonitorEvery = 5 * time.Second
	}
	c.LogtoEndpoint = strings.TrimRight(c.LogtoEndpoint, "/")
}

// Validate は必須項目をチェックします。
func (c *Config) Validate() error {
	var missing []string
	required := []struct {
		key   string
		value string
	}{
		{"LOGTO_APP_ID", c.LogtoAppID},
		{"LOGTO_APP_SECRET", c.LogtoAppSecret},
		{"LOGTO_ENDPOINT", c.LogtoEndpoint},
		{"LOGTO_REDIRECT_URI", c.LogtoRedirectURI},
		{"SESSION_SECRET", c.SessionSecret},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required settings: %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	if c.SessionStoreType == StoreRedis && c.RedisURL == "" {
		return fmt.Errorf("%w: REDIS_URL is required when SESSION_STORE_TYPE=redis", ErrConfiguration)
	}
	return nil
}

// IsProduction は本番環境（Secure クッキー・本番ログ）かどうかを返します。
func (c *Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

// SessionMaxAge はクッキーの max-age を time.Duration で返します。
func (c *Config) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeHours) * time.Hour
}

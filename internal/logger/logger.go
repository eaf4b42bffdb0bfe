// Package logger はプロセス共通の zap ロガーとリクエスト単位の子ロガーを提供します。
//
// main で一度だけ初期化します:
//
//	logger.Init(logger.Config{Env: cfg.AppEnv, Level: cfg.LogLevel})
//	defer logger.Sync()
//
// ハンドラーは logger.From(ctx) を使います（未設定ならシングルトンを返す）。
package logger

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config はロガーの設定です。
type Config struct {
	// Env はエンコーダーを選びます: "production" なら JSON、それ以外はコンソール。
	Env string
	// Level は最小ログレベルです（debug, info, warn, error）。
	Level string
	// ServiceName は設定時に全エントリへ付与されます。
	ServiceName string
}

var (
	once     sync.Once
	instance *zap.Logger
)

// Init はシングルトンを構築します。最初の呼び出しのみ有効です。
func Init(cfg Config) {
	once.Do(func() {
		instance = build(cfg)
	})
}

// L はシングルトンを返します。未初期化なら開発用ロガーを作ります。
func L() *zap.Logger {
	if instance == nil {
		Init(Config{Env: "development", Level: "info"})
	}
	return instance
}

// Named はコンポーネント用の子ロガーを返します。
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync はバッファ済みのエントリを書き出します。
func Sync() error {
	if instance != nil {
		return instance.Sync()
	}
	return nil
}

type ctxKey struct{}

// ToContext はロガーを ctx に格納します。
func ToContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From は ctx に格納されたロガー、なければシングルトンを返します。
func From(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return L()
	}
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return L()
}

func build(cfg Config) *zap.Logger {
	level := parseLevel(cfg.Level)

	var zcfg zap.Config
	if strings.EqualFold(cfg.Env, "production") || strings.EqualFold(cfg.Env, "prod") {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		l, _ = zap.NewProduction()
	}
	if cfg.ServiceName != "" {
		l = l.With(zap.String("service", cfg.ServiceName))
	}
	return l
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

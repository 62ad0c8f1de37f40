// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// base 是进程级别的根 Logger，通过 Init 初始化。
// 使用 atomic.Pointer 保证并发安全的热替换（例如运行时调整日志级别）。
var base atomic.Pointer[zerolog.Logger]

func init() {
	// 在 Init 被调用之前提供一个可用的默认 Logger，避免空指针
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	base.Store(&l)
}

// Init 初始化全局 Logger。
// service 会作为固定字段附加到每一条日志上。
// 当 LOG_FORMAT=console 时输出人类可读格式，否则输出 JSON。
func Init(service string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil && lv != zerolog.NoLevel {
		level = lv
	}

	var l zerolog.Logger
	if os.Getenv("LOG_FORMAT") == "console" {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		l = zerolog.New(os.Stderr)
	}
	l = l.Level(level).With().Timestamp().Str("service", service).Logger()
	base.Store(&l)
}

// Logger 返回全局根 Logger。
func Logger() *zerolog.Logger {
	return base.Load()
}

// Ctx 返回一个与追踪上下文关联的 Logger。
// 如果 ctx 中存在有效的 Span，会自动附加 trace_id / span_id 字段，
// 方便在日志系统中与 Jaeger 链路互相跳转。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := base.Load()
	if ctx == nil {
		return l
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	child := l.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
	return &child
}

// internal/pkg/tracing/tracer.go
package tracing

import (
	"os"
	"strconv"

	"atelier/internal/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitTracerProvider initializes and registers a Jaeger TraceProvider.
func InitTracerProvider(serviceName, jaegerEndpoint string) (*sdktrace.TracerProvider, error) {
	// 创建 Jaeger Exporter，用于将 Span 数据发送到 Jaeger
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		// 采样率可通过环境变量调整，默认全采样
		sdktrace.WithSampler(samplerFromEnv()),
		// 使用批处理 Span 处理器，提高性能
		sdktrace.WithBatcher(exporter),
		// 设置服务名等资源属性，用于在 Jaeger UI 中识别服务
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)

	otel.SetTracerProvider(tp)
	// 设置全局的 TextMapPropagator，用于在服务间传递上下文
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Logger().Info().
		Str("service", serviceName).
		Str("endpoint", jaegerEndpoint).
		Msg("Tracing initialized")
	return tp, nil
}

// samplerFromEnv 从 TRACE_SAMPLE_RATIO 读取采样率。
// 生产环境通常配置为 0.01 ~ 0.1 之间。
func samplerFromEnv() sdktrace.Sampler {
	if v := os.Getenv("TRACE_SAMPLE_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio > 0 && ratio < 1 {
			return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
		}
	}
	return sdktrace.AlwaysSample()
}

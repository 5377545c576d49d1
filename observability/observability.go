// Package observability 提供 Trace 与 Metrics 支持
// 未调用 Init 时所有记录函数都是空操作，组件可以无条件调用
package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

const (
	// ServiceName 服务名称
	ServiceName = "pulse"

	// TracerName Tracer 名称
	TracerName = "pulse-core"
)

var (
	meter         metrics.Meter
	initOnce      sync.Once
	traceShutdown func(context.Context) error

	// 在线状态
	presenceTransitions metrics.Counter
	presenceSwept       metrics.Counter

	// 限流
	rateLimitRejected metrics.Counter
	rateLimitFailOpen metrics.Counter

	// 投递状态
	deliveryWrites    metrics.Counter
	deliveryBuffered  metrics.Gauge
	reconcileRecords  metrics.Counter
	reconcileDuration metrics.Histogram

	// 通话
	callTransitions metrics.Counter

	// 事件与后台任务
	eventsEmitted metrics.Counter
	eventsFailed  metrics.Counter
	jobDuration   metrics.Histogram
	jobFailures   metrics.Counter
)

// Init 初始化可观测性组件
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var initErr error
	initOnce.Do(func() {
		shutdownFunc, err := initTrace(cfg)
		if err != nil {
			initErr = fmt.Errorf("init trace: %w", err)
			return
		}
		traceShutdown = shutdownFunc

		if cfg.Metrics.Disable {
			return
		}
		meter, err = initMetrics(cfg)
		if err != nil {
			initErr = fmt.Errorf("init metrics: %w", err)
			return
		}
		initBusinessMetrics()
	})

	return initErr
}

// Shutdown 优雅关闭 Trace 与 Metrics
func Shutdown(ctx context.Context) error {
	var errs []error
	if traceShutdown != nil {
		errs = append(errs, traceShutdown(ctx))
	}
	if meter != nil {
		errs = append(errs, meter.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func initTrace(cfg *Config) (func(context.Context) error, error) {
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)

	if cfg.Trace.Disable {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String(ServiceName),
			)),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagator)
		return tp.Shutdown, nil
	}

	endpoint := cfg.Trace.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	sampler := cfg.Trace.Sampler
	if sampler == 0 {
		sampler = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithTimeout(5 * time.Second),
	}
	if cfg.Trace.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampler))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	return tp.Shutdown, nil
}

func initMetrics(cfg *Config) (metrics.Meter, error) {
	metricsCfg := &metrics.Config{
		ServiceName:   ServiceName,
		Port:          cfg.Metrics.Port,
		Path:          cfg.Metrics.Path,
		EnableRuntime: cfg.Metrics.EnableRuntime,
	}
	if metricsCfg.Port == 0 {
		metricsCfg.Port = 9091
	}
	if metricsCfg.Path == "" {
		metricsCfg.Path = "/metrics"
	}
	return metrics.New(metricsCfg)
}

func initBusinessMetrics() {
	presenceTransitions, _ = meter.Counter(
		"pulse_presence_transitions_total",
		"User-level presence transitions (first online, last offline, status change)",
	)
	presenceSwept, _ = meter.Counter(
		"pulse_presence_swept_total",
		"Users forced offline by the stale sweep",
	)

	rateLimitRejected, _ = meter.Counter(
		"pulse_ratelimit_rejected_total",
		"Requests rejected by the fixed-window limiter",
	)
	rateLimitFailOpen, _ = meter.Counter(
		"pulse_ratelimit_fail_open_total",
		"Requests allowed because the ephemeral store was unreachable",
	)

	deliveryWrites, _ = meter.Counter(
		"pulse_delivery_writes_total",
		"Delivery status writes by outcome",
	)
	deliveryBuffered, _ = meter.Gauge(
		"pulse_delivery_buffered",
		"Status writes waiting in the in-process fallback buffer",
	)
	reconcileRecords, _ = meter.Counter(
		"pulse_delivery_reconciled_total",
		"Delivery records flushed to the durable store",
	)
	reconcileDuration, _ = meter.Histogram(
		"pulse_delivery_reconcile_duration_seconds",
		"Reconciliation batch duration",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}),
	)

	callTransitions, _ = meter.Counter(
		"pulse_call_transitions_total",
		"Call session state transitions",
	)

	eventsEmitted, _ = meter.Counter(
		"pulse_events_emitted_total",
		"Outbound events published",
	)
	eventsFailed, _ = meter.Counter(
		"pulse_events_failed_total",
		"Outbound events that failed to publish",
	)
	jobDuration, _ = meter.Histogram(
		"pulse_job_duration_seconds",
		"Background job run duration",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}),
	)
	jobFailures, _ = meter.Counter(
		"pulse_job_failures_total",
		"Background job runs that returned an error or panicked",
	)
}

// ============================================================================
// Trace 辅助函数
// ============================================================================

// StartSpan 开始一个新的 Span，返回带 Span 的 Context 和结束函数
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, func() {
		span.End()
	}
}

// ExtractTraceContext 从 map 中还原上游链路信息，用于 MQ 消费者
func ExtractTraceContext(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

// InjectTraceContext 将当前链路信息注入 map，用于 MQ 生产者
func InjectTraceContext(ctx context.Context, carrier map[string]string) {
	if carrier == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(carrier))
}

// ============================================================================
// Metrics 记录函数
// ============================================================================

// RecordPresenceTransition 记录用户级在线状态变化
func RecordPresenceTransition(ctx context.Context, status, reason string) {
	if presenceTransitions != nil {
		presenceTransitions.Inc(ctx, metrics.L("status", status), metrics.L("reason", reason))
	}
}

// RecordPresenceSwept 记录扫描下线的用户数
func RecordPresenceSwept(ctx context.Context, n int) {
	if presenceSwept != nil {
		for i := 0; i < n; i++ {
			presenceSwept.Inc(ctx)
		}
	}
}

// RecordRateLimitRejected 记录被限流的请求
func RecordRateLimitRejected(ctx context.Context, action string) {
	if rateLimitRejected != nil {
		rateLimitRejected.Inc(ctx, metrics.L("action", action))
	}
}

// RecordRateLimitFailOpen 记录降级放行
func RecordRateLimitFailOpen(ctx context.Context, action string) {
	if rateLimitFailOpen != nil {
		rateLimitFailOpen.Inc(ctx, metrics.L("action", action))
	}
}

// RecordDeliveryWrite 记录投递状态写入
// outcome: applied / ignored / buffered / durable
func RecordDeliveryWrite(ctx context.Context, status, outcome string) {
	if deliveryWrites != nil {
		deliveryWrites.Inc(ctx, metrics.L("status", status), metrics.L("outcome", outcome))
	}
}

// SetDeliveryBuffered 设置进程内缓冲的待写入数量
func SetDeliveryBuffered(ctx context.Context, n int) {
	if deliveryBuffered != nil {
		deliveryBuffered.Set(ctx, float64(n))
	}
}

// RecordReconcile 记录一次对账批次
func RecordReconcile(ctx context.Context, records int, duration time.Duration) {
	if reconcileDuration != nil {
		reconcileDuration.Record(ctx, duration.Seconds())
	}
	if reconcileRecords != nil {
		for i := 0; i < records; i++ {
			reconcileRecords.Inc(ctx)
		}
	}
}

// RecordCallTransition 记录通话状态迁移
func RecordCallTransition(ctx context.Context, state, reason string) {
	if callTransitions != nil {
		callTransitions.Inc(ctx, metrics.L("state", state), metrics.L("reason", reason))
	}
}

// RecordEventEmitted 记录事件发布结果
func RecordEventEmitted(ctx context.Context, eventType string, err error) {
	if err != nil {
		if eventsFailed != nil {
			eventsFailed.Inc(ctx, metrics.L("type", eventType))
		}
		return
	}
	if eventsEmitted != nil {
		eventsEmitted.Inc(ctx, metrics.L("type", eventType))
	}
}

// RecordJob 记录后台任务执行
func RecordJob(ctx context.Context, name string, duration time.Duration, failed bool) {
	if jobDuration != nil {
		jobDuration.Record(ctx, duration.Seconds(), metrics.L("job", name))
	}
	if failed && jobFailures != nil {
		jobFailures.Inc(ctx, metrics.L("job", name))
	}
}

// ============================================================================
// Logger 创建辅助函数
// ============================================================================

// NewLogger 创建带有 Trace Context 的 Logger
func NewLogger(cfg *clog.Config) (clog.Logger, error) {
	return clog.New(cfg, clog.WithTraceContext())
}

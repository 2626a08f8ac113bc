package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	metricsNamespace = "mileage"
	unmatchedRoute   = "unmatched"
)

// Metrics owns a dedicated registry so tests and multiple servers never collide on the global one.
type Metrics struct {
	registry          *prometheus.Registry
	ledgerOperations  *prometheus.CounterVec
	ledgerMileage     *prometheus.CounterVec
	ledgerAttempts    prometheus.Histogram
	inconsistencies   prometheus.Counter
	skippedAudits     prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	rateLimitRejected prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		ledgerOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name, transaction type and outcome.",
		}, []string{"operation", "type", "status"}),
		ledgerMileage: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "mileage_total",
			Help:      "Mileage moved by committed transactions.",
		}, []string{"type"}),
		ledgerAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "commit_attempts",
			Help:      "Attempts needed per mutation, including balance-conflict retries.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		inconsistencies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "balance_inconsistencies_total",
			Help:      "Stored balances that disagreed with the transaction history.",
		}),
		skippedAudits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "skipped_audits_total",
			Help:      "Post-commit balance audits that could not read their snapshot.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimitRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// LogOperation implements mileage.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry mileage.OperationLog) {
	metrics.ledgerOperations.WithLabelValues(entry.Operation, entry.Type.String(), entry.Status).Inc()
	if entry.Attempts > 0 {
		metrics.ledgerAttempts.Observe(float64(entry.Attempts))
	}
	if entry.Error == nil && entry.Amount > 0 && entry.Type.String() != "" {
		metrics.ledgerMileage.WithLabelValues(entry.Type.String()).Add(float64(entry.Amount))
	}
	if errors.Is(entry.Error, mileage.ErrBalanceInconsistency) {
		metrics.inconsistencies.Inc()
	}
	if errors.Is(entry.Error, mileage.ErrAuditSkipped) {
		metrics.skippedAudits.Inc()
	}
}

// RecordRateLimited counts a rejected request.
func (metrics *Metrics) RecordRateLimited() {
	metrics.rateLimitRejected.Inc()
}

func (metrics *Metrics) observeRequest(method string, route string, status int, elapsed time.Duration) {
	metrics.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	metrics.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ZapOperationLogger writes ledger operations as structured log lines.
type ZapOperationLogger struct {
	logger *zap.Logger
}

func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry mileage.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
	}
	if entry.Type.String() != "" {
		fields = append(fields, zap.String("type", entry.Type.String()))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Description != "" {
		fields = append(fields, zap.String("description", entry.Description))
	}
	if entry.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", entry.ResourceID))
	}
	if entry.Attempts > 0 {
		fields = append(fields, zap.Int("attempts", entry.Attempts))
	}
	if entry.Error == nil {
		fields = append(fields, zap.Int64("balance", entry.Balance.Int64()))
		operationLogger.logger.Info("ledger operation", fields...)
		return
	}
	fields = append(fields, zap.Error(entry.Error))
	switch {
	case errors.Is(entry.Error, mileage.ErrBalanceInconsistency), errors.Is(entry.Error, mileage.ErrStoreUnavailable):
		operationLogger.logger.Error("ledger operation failed", fields...)
	default:
		operationLogger.logger.Warn("ledger operation rejected", fields...)
	}
}

type multiOperationLogger []mileage.OperationLogger

// MultiOperationLogger fans every entry out to each non-nil logger.
func MultiOperationLogger(loggers ...mileage.OperationLogger) mileage.OperationLogger {
	combined := make(multiOperationLogger, 0, len(loggers))
	for _, logger := range loggers {
		if logger != nil {
			combined = append(combined, logger)
		}
	}
	return combined
}

func (loggers multiOperationLogger) LogOperation(ctx context.Context, entry mileage.OperationLog) {
	for _, logger := range loggers {
		logger.LogOperation(ctx, entry)
	}
}

// GinMiddleware logs each request and records its latency. metrics may be nil.
func GinMiddleware(logger *zap.Logger, metrics *Metrics) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx *gin.Context) {
		startedAt := time.Now()
		ctx.Next()
		elapsed := time.Since(startedAt)
		route := ctx.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := ctx.Writer.Status()
		if metrics != nil {
			metrics.observeRequest(ctx.Request.Method, route, status, elapsed)
		}
		fields := []zap.Field{
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.Request.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.String("client_ip", ctx.ClientIP()),
		}
		if len(ctx.Errors) > 0 {
			fields = append(fields, zap.String("errors", ctx.Errors.String()))
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}

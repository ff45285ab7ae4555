// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package sqlrpcotel provides OpenTelemetry instrumentation for sqlrpc
// clients. It implements the [sqlrpc.CommandHook] interface to add
// distributed tracing and metrics to every command.
//
// Usage:
//
//	client, err := sqlrpc.Dial(addr, sqlrpc.WithInsecure(),
//		sqlrpc.WithCommandHook(sqlrpcotel.NewHook(sqlrpcotel.DefaultConfig())))
package sqlrpcotel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"
)

const instrumentationName = "sqlrpc"

// OtelConfig configures OpenTelemetry instrumentation for a sqlrpc client.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator injects trace context into outgoing call metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed commands.
	// Default true.
	RecordExceptions bool
	// RecordStatements adds the SQL text as db.query.text. Default false.
	RecordStatements bool
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with sensible defaults.
// TracerProvider, MeterProvider, and Propagator are resolved from the
// global OTel SDK when the hook is built.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// Hook implements sqlrpc.CommandHook with OpenTelemetry tracing and metrics.
type Hook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	commandCounter    metric.Int64Counter
	rowCounter        metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

var _ sqlrpc.CommandHook = (*Hook)(nil)

// NewHook builds a hook for sqlrpc.WithCommandHook.
func NewHook(cfg OtelConfig) *Hook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}

	h := &Hook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		h.commandCounter, _ = meter.Int64Counter("db.client.commands",
			metric.WithUnit("{command}"),
			metric.WithDescription("Number of commands sent"),
		)
		h.rowCounter, _ = meter.Int64Counter("db.client.rows",
			metric.WithUnit("{row}"),
			metric.WithDescription("Number of rows received"),
		)
		h.durationHistogram, _ = meter.Float64Histogram("db.client.operation.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of commands"),
		)
	}
	return h
}

// spanToken is the HookToken returned by OnCommandStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnCommandStart starts a client span and injects its context into the
// outgoing call metadata.
func (h *Hook) OnCommandStart(ctx context.Context, info sqlrpc.CommandInfo) (context.Context, sqlrpc.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("db.system.name", "sqlite"),
		attribute.String("db.namespace", info.Database),
		attribute.String("db.operation.name", string(info.Kind)),
	}
	if info.SessionID != "" {
		attrs = append(attrs, attribute.String("sqlrpc.session_id", info.SessionID))
	}
	if info.TransactionID != "" {
		attrs = append(attrs, attribute.String("sqlrpc.transaction_id", info.TransactionID))
	}
	if h.cfg.RecordStatements && info.SQL != "" {
		attrs = append(attrs, attribute.String("db.query.text", info.SQL))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("sqlrpc/%s", info.Kind),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	// Propagate traceparent/tracestate as gRPC metadata.
	if h.cfg.Propagator != nil {
		carrier := propagation.MapCarrier{}
		h.cfg.Propagator.Inject(ctx, carrier)
		for k, v := range carrier {
			ctx = metadata.AppendToOutgoingContext(ctx, k, v)
		}
	}

	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnCommandEnd records span attributes, metrics, and ends the span.
func (h *Hook) OnCommandEnd(ctx context.Context, token sqlrpc.HookToken, info sqlrpc.CommandInfo, stats *sqlrpc.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("db.system.name", "sqlite"),
			attribute.String("db.operation.name", string(info.Kind)),
			attribute.String("status", status),
		)
		if h.commandCounter != nil {
			h.commandCounter.Add(ctx, 1, metricAttrs)
		}
		if h.rowCounter != nil && stats != nil && stats.Rows > 0 {
			h.rowCounter.Add(ctx, stats.Rows, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("sqlrpc.batches", stats.Batches),
			attribute.Int64("sqlrpc.rows", stats.Rows),
			attribute.Int64("sqlrpc.rows_affected", stats.RowsAffected),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		st.span.SetAttributes(attribute.String("error.type", errorType(err)))
		var serr *sqlrpc.ServerError
		if errors.As(err, &serr) && serr.Code != 0 {
			st.span.SetAttributes(attribute.Int("db.response.status_code", int(serr.Code)))
		}
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}

func errorType(err error) string {
	switch {
	case errors.Is(err, sqlrpc.ErrServer):
		return "server"
	case errors.Is(err, sqlrpc.ErrTransport):
		return "transport"
	case errors.Is(err, sqlrpc.ErrUsage):
		return "usage"
	case errors.Is(err, sqlrpc.ErrProtocol):
		return "protocol"
	case errors.Is(err, sqlrpc.ErrTransaction):
		return "transaction"
	}
	return fmt.Sprintf("%T", err)
}

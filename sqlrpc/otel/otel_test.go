// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpcotel

import (
	"context"
	"testing"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc/metadata"
)

func newTestHook(t *testing.T, mutate func(*OtelConfig)) (*Hook, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	cfg := DefaultConfig()
	cfg.TracerProvider = tp
	cfg.MeterProvider = mp
	cfg.Propagator = propagation.TraceContext{}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewHook(cfg), exp, reader
}

func spanAttr(span tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestHookRecordsSuccessfulCommand(t *testing.T) {
	hook, exp, reader := newTestHook(t, func(c *OtelConfig) { c.RecordStatements = true })
	ctx := context.Background()
	info := sqlrpc.CommandInfo{
		Kind:          sqlrpc.CommandQuery,
		Database:      "app.db",
		SessionID:     "s-1",
		TransactionID: "tx-1",
		SQL:           "SELECT 1",
	}

	callCtx, token := hook.OnCommandStart(ctx, info)
	md, ok := metadata.FromOutgoingContext(callCtx)
	require.True(t, ok)
	assert.NotEmpty(t, md.Get("traceparent"), "trace context is propagated as call metadata")

	hook.OnCommandEnd(callCtx, token, info, &sqlrpc.CallStatistics{Batches: 1, Rows: 3}, nil)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "sqlrpc/query", span.Name)
	assert.Equal(t, codes.Ok, span.Status.Code)

	v, ok := spanAttr(span, "db.query.text")
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", v.AsString())
	v, _ = spanAttr(span, "sqlrpc.transaction_id")
	assert.Equal(t, "tx-1", v.AsString())
	v, _ = spanAttr(span, "sqlrpc.rows")
	assert.Equal(t, int64(3), v.AsInt64())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), sums["db.client.commands"])
	assert.Equal(t, int64(3), sums["db.client.rows"])
}

func TestHookRecordsServerError(t *testing.T) {
	hook, exp, _ := newTestHook(t, nil)
	info := sqlrpc.CommandInfo{Kind: sqlrpc.CommandCommit, Database: "app.db", SQL: "COMMIT"}

	ctx, token := hook.OnCommandStart(context.Background(), info)
	hook.OnCommandEnd(ctx, token, info, &sqlrpc.CallStatistics{}, &sqlrpc.ServerError{Code: 5, Message: "database is locked"})

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, codes.Error, span.Status.Code)
	_, ok := spanAttr(span, "db.query.text")
	assert.False(t, ok, "statements are not recorded by default")
	v, _ := spanAttr(span, "error.type")
	assert.Equal(t, "server", v.AsString())
	v, _ = spanAttr(span, "db.response.status_code")
	assert.Equal(t, int64(5), v.AsInt64())
	require.Len(t, span.Events, 1, "the error is recorded as an exception event")
}

func TestHookWithTracingDisabled(t *testing.T) {
	hook, exp, reader := newTestHook(t, func(c *OtelConfig) { c.EnableTracing = false })
	info := sqlrpc.CommandInfo{Kind: sqlrpc.CommandBegin}

	ctx, token := hook.OnCommandStart(context.Background(), info)
	hook.OnCommandEnd(ctx, token, info, nil, nil)
	assert.Empty(t, exp.GetSpans())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.NotEmpty(t, rm.ScopeMetrics, "metrics are still recorded")

	// A foreign token is ignored.
	hook.OnCommandEnd(ctx, "not a token", info, nil, nil)
}

// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"

	sqlrpcotel "github.com/dilipvamsi/sqlite-server-go/sqlrpc/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// setupTelemetry builds a command hook that exports spans and metrics to w.
// The returned function flushes and shuts both providers down.
func setupTelemetry(w io.Writer) (*sqlrpcotel.Hook, func(context.Context), error) {
	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))

	cfg := sqlrpcotel.DefaultConfig()
	cfg.TracerProvider = tp
	cfg.MeterProvider = mp
	cfg.Propagator = propagation.TraceContext{}
	cfg.RecordStatements = true

	stop := func(ctx context.Context) {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
	}
	return sqlrpcotel.NewHook(cfg), stop, nil
}

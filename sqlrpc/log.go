// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"context"
	"log/slog"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"google.golang.org/grpc"
)

// discardLogger is used when a nil logger is configured.
var discardLogger = slog.New(slog.DiscardHandler)

// InterceptorLogger adapts a slog.Logger to the go-grpc-middleware logging
// interface.
func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}

// loggingInterceptors returns the dial options that log every call start and
// finish through l.
func loggingInterceptors(l *slog.Logger) []grpc.DialOption {
	opts := []logging.Option{
		logging.WithLogOnEvents(logging.StartCall, logging.FinishCall),
	}
	return []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(logging.UnaryClientInterceptor(InterceptorLogger(l), opts...)),
		grpc.WithChainStreamInterceptor(logging.StreamClientInterceptor(InterceptorLogger(l), opts...)),
	}
}

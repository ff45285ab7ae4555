// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// Option configures a Client.
type Option func(*config)

type config struct {
	insecure    bool
	creds       credentials.TransportCredentials
	auth        credentials.PerRPCCredentials
	compression string
	logger      *slog.Logger
	rpcLogging  bool
	hook        CommandHook
	dateMode    DateMode
	high, low   int
	dialOpts    []grpc.DialOption
}

func newConfig(opts []Option) *config {
	cfg := &config{
		logger: slog.Default(),
		high:   DefaultHighWater,
		low:    DefaultLowWater,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = discardLogger
	}
	return cfg
}

// WithInsecure dials without TLS.
func WithInsecure() Option {
	return func(c *config) { c.insecure = true }
}

// WithTransportCredentials dials with the given transport credentials.
func WithTransportCredentials(creds credentials.TransportCredentials) Option {
	return func(c *config) { c.creds = creds }
}

// WithBasicAuth sends "authorization: Basic base64(user:password)" with every
// call.
func WithBasicAuth(user, password string) Option {
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	return func(c *config) { c.auth = authCredentials{value: "Basic " + token} }
}

// WithBearerToken sends "authorization: Bearer token" with every call.
func WithBearerToken(token string) Option {
	return func(c *config) { c.auth = authCredentials{value: "Bearer " + token} }
}

// WithCompression compresses every call with the named compressor, "zstd" or
// "gzip".
func WithCompression(name string) Option {
	return func(c *config) { c.compression = name }
}

// WithLogger sets the logger. A nil logger discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithRPCLogging logs the start and finish of every gRPC call. It applies to
// connections made by Dial.
func WithRPCLogging() Option {
	return func(c *config) { c.rpcLogging = true }
}

// WithCommandHook installs a hook called around every command.
func WithCommandHook(h CommandHook) Option {
	return func(c *config) { c.hook = h }
}

// WithDateMode selects how DATE columns are decoded.
func WithDateMode(m DateMode) Option {
	return func(c *config) { c.dateMode = m }
}

// WithQueueWatermarks sets the number of buffered batches at which a streamed
// result pauses delivery, and the depth at which it resumes. Values that do
// not satisfy 0 < low < high are ignored.
func WithQueueWatermarks(high, low int) Option {
	return func(c *config) {
		if low > 0 && low < high {
			c.high, c.low = high, low
		}
	}
}

// WithDialOptions appends raw gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *config) { c.dialOpts = append(c.dialOpts, opts...) }
}

// authCredentials carries the authorization header as call metadata.
type authCredentials struct {
	value string
}

func (a authCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{MetaAuthorization: a.value}, nil
}

// RequireTransportSecurity allows plaintext connections; TLS is the caller's
// choice through WithTransportCredentials.
func (a authCredentials) RequireTransportSecurity() bool { return false }

// Client issues stateless queries and opens transaction sessions. It is safe
// for concurrent use; every Session owns its own stream.
type Client struct {
	conn     grpc.ClientConnInterface
	closer   io.Closer
	log      *slog.Logger
	hook     CommandHook
	decoder  ValueDecoder
	flow     FlowControl
	callOpts []grpc.CallOption
}

// Dial connects to a database server. The connection is established lazily,
// on the first call.
func Dial(target string, opts ...Option) (*Client, error) {
	cfg := newConfig(opts)
	if cfg.compression != "" && encoding.GetCompressor(cfg.compression) == nil {
		return nil, usageErrorf("dial", ErrInvalidParameter, "unknown compressor %q", cfg.compression)
	}

	var dialOpts []grpc.DialOption
	switch {
	case cfg.creds != nil:
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(cfg.creds))
	case cfg.insecure:
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	default:
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	if cfg.rpcLogging {
		dialOpts = append(dialOpts, loggingInterceptors(cfg.logger)...)
	}
	dialOpts = append(dialOpts, cfg.dialOpts...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, &TransportError{Op: "dial " + target, Err: err}
	}
	c := newClient(cc, cfg)
	c.closer = cc
	return c, nil
}

// NewClient wraps an existing connection. Close does not close conn.
func NewClient(conn grpc.ClientConnInterface, opts ...Option) *Client {
	return newClient(conn, newConfig(opts))
}

func newClient(conn grpc.ClientConnInterface, cfg *config) *Client {
	c := &Client{
		conn:    conn,
		log:     cfg.logger,
		hook:    cfg.hook,
		decoder: ValueDecoder{DateMode: cfg.dateMode},
		flow:    FlowControl{High: cfg.high, Low: cfg.low},
	}
	c.callOpts = append(c.callOpts, grpc.ForceCodec(Codec{}))
	if cfg.auth != nil {
		c.callOpts = append(c.callOpts, grpc.PerRPCCredentials(cfg.auth))
	}
	if cfg.compression != "" {
		c.callOpts = append(c.callOpts, grpc.UseCompressor(cfg.compression))
	}
	return c
}

func (c *Client) callOptions(extra ...grpc.CallOption) []grpc.CallOption {
	opts := make([]grpc.CallOption, 0, len(c.callOpts)+len(extra))
	opts = append(opts, c.callOpts...)
	return append(opts, extra...)
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func newSessionID() string {
	return uuid.NewString()
}

// Begin opens a transaction on its own stream. The returned Session must be
// finished with Commit, Rollback, or Close.
func (c *Client) Begin(ctx context.Context, database string, mode TransactionMode) (*Session, error) {
	s := newSession(c, database, mode)
	open := func(ctx context.Context) (transactionStream, error) {
		cs, err := c.conn.NewStream(ctx, &transactionStreamDesc, MethodTransaction, c.callOptions()...)
		if err != nil {
			return nil, err
		}
		return grpcTransactionStream{cs: cs}, nil
	}
	if err := s.e.begin(ctx, open); err != nil {
		s.cleanup.Stop()
		return nil, err
	}
	return s, nil
}

// Transaction runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back when fn returns an error or panics; a panic is
// re-raised after the rollback.
func (c *Client) Transaction(ctx context.Context, database string, mode TransactionMode, fn func(ctx context.Context, s *Session) error) error {
	s, err := c.Begin(ctx, database, mode)
	if err != nil {
		return err
	}
	defer func() {
		if rv := recover(); rv != nil {
			if cerr := s.Close(); cerr != nil {
				c.log.Warn("rollback after panic failed", "err", cerr, "session", s.ID())
			}
			panic(rv)
		}
	}()
	if err := fn(ctx, s); err != nil {
		if cerr := s.Close(); cerr != nil {
			c.log.Warn("rollback failed", "err", cerr, "session", s.ID())
		}
		return err
	}
	if err := s.Commit(ctx); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

// ExecuteScript runs statements in order inside one IMMEDIATE transaction.
// If any statement fails, the transaction is rolled back and the returned
// *ScriptError names the failing statement.
func (c *Client) ExecuteScript(ctx context.Context, database string, stmts []Statement) ([]*Result, error) {
	for i, stmt := range stmts {
		if _, err := BuildParameters(stmt); err != nil {
			return nil, &ScriptError{Index: i, Err: err}
		}
	}
	results := make([]*Result, 0, len(stmts))
	err := c.Transaction(ctx, database, ModeImmediate, func(ctx context.Context, s *Session) error {
		for i, stmt := range stmts {
			res, err := s.Query(ctx, stmt)
			if err != nil {
				return &ScriptError{Index: i, Err: err}
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		var serr *ScriptError
		if !errors.As(err, &serr) {
			err = fmt.Errorf("execute script: %w", err)
		}
		return nil, err
	}
	return results, nil
}

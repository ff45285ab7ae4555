// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultBatchSize is the number of rows per streamed batch.
const DefaultBatchSize = 500

// databaseService is the handler interface behind serviceDesc.
type databaseService interface {
	Query(context.Context, *sqlrpc.QueryRequest) (*sqlrpc.QueryResult, error)
	QueryStream(*sqlrpc.QueryRequest, grpc.ServerStream) error
	Transaction(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: sqlrpc.ServiceName,
	HandlerType: (*databaseService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: queryHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "QueryStream", Handler: queryStreamHandler, ServerStreams: true},
		{StreamName: "Transaction", Handler: transactionHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "sqlrpc/v1/sqlrpc.proto",
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(sqlrpc.QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(databaseService).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sqlrpc.MethodQuery}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(databaseService).Query(ctx, req.(*sqlrpc.QueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func queryStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(sqlrpc.QueryRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(databaseService).QueryStream(in, stream)
}

func transactionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(databaseService).Transaction(stream)
}

// Server serves the database service over a Backend.
type Server struct {
	backend   *Backend
	batchSize int
	log       *slog.Logger
	users     map[string]string
	secret    []byte
}

var _ databaseService = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithBatchSize sets the number of rows per streamed batch.
func WithBatchSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithBasicUsers enables basic authentication against a user → password map.
func WithBasicUsers(users map[string]string) Option {
	return func(s *Server) { s.users = users }
}

// WithJWTSecret enables bearer authentication with HS256 tokens signed by
// secret.
func WithJWTSecret(secret []byte) Option {
	return func(s *Server) { s.secret = secret }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer creates a Server over backend.
func NewServer(backend *Backend, opts ...Option) *Server {
	s := &Server{
		backend:   backend,
		batchSize: DefaultBatchSize,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register registers the service on r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

// ServerOptions returns the codec and interceptor options the service needs.
// Authentication is enforced only when basic users or a JWT secret are
// configured.
func (s *Server) ServerOptions() []grpc.ServerOption {
	logger := sqlrpc.InterceptorLogger(s.log)
	logOpts := []logging.Option{logging.WithLogOnEvents(logging.FinishCall)}
	unary := []grpc.UnaryServerInterceptor{logging.UnaryServerInterceptor(logger, logOpts...)}
	stream := []grpc.StreamServerInterceptor{logging.StreamServerInterceptor(logger, logOpts...)}
	if len(s.users) > 0 || len(s.secret) > 0 {
		fn := authFunc(s.users, s.secret)
		unary = append(unary, auth.UnaryServerInterceptor(fn))
		stream = append(stream, auth.StreamServerInterceptor(fn))
	}
	return []grpc.ServerOption{
		grpc.ForceServerCodec(sqlrpc.Codec{}),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}
}

// NewGRPCServer builds a grpc.Server with the service registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(append(s.ServerOptions(), opts...)...)
	s.Register(gs)
	return gs
}

// Query runs one statement and returns its materialized result. SQL
// failures are reported as a status with the SQLite code and failing SQL in
// the trailers.
func (s *Server) Query(ctx context.Context, req *sqlrpc.QueryRequest) (*sqlrpc.QueryResult, error) {
	db, err := s.backend.DB(req.Database)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	var sink bufferSink
	if err := execute(ctx, db, req.SQL, bindArgs(req.Parameters), s.batchSize, &sink); err != nil {
		return nil, statusError(ctx, err, req.SQL)
	}
	return &sqlrpc.QueryResult{Result: sink.result}, nil
}

// QueryStream runs one statement and streams its result. SQL failures are
// sent in-band as an error response and end the stream.
func (s *Server) QueryStream(req *sqlrpc.QueryRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	send := func(v sqlrpc.QueryStreamVariant) error {
		return stream.SendMsg(&sqlrpc.QueryStreamResponse{Response: v})
	}
	db, err := s.backend.DB(req.Database)
	if err != nil {
		return send(&sqlrpc.ErrorResponse{Message: err.Error()})
	}
	sink := &streamSink{send: func(v sqlrpc.StreamResultVariant) error {
		return send(v.(sqlrpc.QueryStreamVariant))
	}}
	err = execute(ctx, db, req.SQL, bindArgs(req.Parameters), s.batchSize, sink)
	if err == nil {
		return nil
	}
	var se *sendError
	if errors.As(err, &se) {
		return se.err
	}
	s.log.DebugContext(ctx, "query stream failed", "sql", req.SQL, "err", err)
	return send(errorResponse(err, req.SQL))
}

// Transaction serves one transaction session.
func (s *Server) Transaction(stream grpc.ServerStream) error {
	ctx := stream.Context()
	t := &txSession{
		srv:    s,
		stream: stream,
		log:    s.log.With("session", sessionID(ctx)),
	}
	return t.serve(ctx)
}

// sendError marks a failure to write to the stream, as opposed to a SQL
// failure that should be reported in-band.
type sendError struct{ err error }

func (e *sendError) Error() string { return e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

// streamSink forwards a result to a stream as header, batches and a
// terminator.
type streamSink struct {
	send func(sqlrpc.StreamResultVariant) error
}

func (s *streamSink) emit(v sqlrpc.StreamResultVariant) error {
	if err := s.send(v); err != nil {
		return &sendError{err: err}
	}
	return nil
}

func (s *streamSink) header(cols []string, types []sqlrpc.ColumnType) error {
	return s.emit(&sqlrpc.ResultHeader{Columns: cols, ColumnTypes: types})
}

func (s *streamSink) batch(rows []*structpb.ListValue) error {
	return s.emit(&sqlrpc.ResultBatch{Rows: rows})
}

func (s *streamSink) dml(res *sqlrpc.DMLResult) error { return s.emit(res) }

func (s *streamSink) done() error { return s.emit(&sqlrpc.ResultComplete{}) }

func statusError(ctx context.Context, err error, query string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	resp := errorResponse(err, query)
	md := metadata.Pairs(sqlrpc.MetaSQLiteFailedSQL, query)
	if resp.SQLiteErrorCode != 0 {
		md.Set(sqlrpc.MetaSQLiteErrorCode, strconv.Itoa(int(resp.SQLiteErrorCode)))
	}
	_ = grpc.SetTrailer(ctx, md)
	code := codes.InvalidArgument
	if primary := resp.SQLiteErrorCode & 0xff; primary == 5 || primary == 6 {
		code = codes.Aborted
	}
	return status.Error(code, resp.Message)
}

func sessionID(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(sqlrpc.MetaSessionID); len(v) > 0 {
		return v[0]
	}
	return ""
}

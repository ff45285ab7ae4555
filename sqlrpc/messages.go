// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// ColumnType is the declared wire value-kind of a column or parameter.
type ColumnType int32

const (
	ColumnTypeUnspecified ColumnType = iota
	ColumnTypeNull
	ColumnTypeInteger
	ColumnTypeFloat
	ColumnTypeText
	ColumnTypeBlob
	ColumnTypeBoolean
	ColumnTypeDate
	ColumnTypeJSON
)

var columnTypeNames = map[ColumnType]string{
	ColumnTypeUnspecified: "UNSPECIFIED",
	ColumnTypeNull:        "NULL",
	ColumnTypeInteger:     "INTEGER",
	ColumnTypeFloat:       "FLOAT",
	ColumnTypeText:        "TEXT",
	ColumnTypeBlob:        "BLOB",
	ColumnTypeBoolean:     "BOOLEAN",
	ColumnTypeDate:        "DATE",
	ColumnTypeJSON:        "JSON",
}

func (t ColumnType) String() string {
	if s, ok := columnTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ColumnType(%d)", int32(t))
}

// ParseColumnType accepts a kind name such as "blob" or "INTEGER".
func ParseColumnType(s string) (ColumnType, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range columnTypeNames {
		if name == up {
			return t, nil
		}
	}
	return ColumnTypeUnspecified, fmt.Errorf("unknown column type %q", s)
}

// TransactionMode is the SQLite lock mode a transaction begins with.
type TransactionMode int32

const (
	ModeUnspecified TransactionMode = iota
	ModeDeferred
	ModeImmediate
	ModeExclusive
)

func (m TransactionMode) String() string {
	switch m {
	case ModeDeferred:
		return "DEFERRED"
	case ModeImmediate:
		return "IMMEDIATE"
	case ModeExclusive:
		return "EXCLUSIVE"
	default:
		return "UNSPECIFIED"
	}
}

// ParseTransactionMode accepts "deferred", "immediate", "exclusive" or "".
func ParseTransactionMode(s string) (TransactionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unspecified":
		return ModeUnspecified, nil
	case "deferred":
		return ModeDeferred, nil
	case "immediate":
		return ModeImmediate, nil
	case "exclusive":
		return ModeExclusive, nil
	}
	return ModeUnspecified, fmt.Errorf("unknown transaction mode %q", s)
}

// SavepointAction selects what a savepoint command does.
type SavepointAction int32

const (
	SavepointUnspecified SavepointAction = iota
	SavepointCreate
	SavepointRelease
	SavepointRollbackTo
)

func (a SavepointAction) String() string {
	switch a {
	case SavepointCreate:
		return "CREATE"
	case SavepointRelease:
		return "RELEASE"
	case SavepointRollbackTo:
		return "ROLLBACK_TO"
	default:
		return "UNSPECIFIED"
	}
}

// --- shared payloads ---

// Parameters is the wire parameter envelope.
type Parameters struct {
	Positional      []*structpb.Value
	Named           map[string]*structpb.Value
	PositionalHints map[int32]ColumnType
	NamedHints      map[string]ColumnType
}

func (p *Parameters) appendFields(b []byte) ([]byte, error) {
	var err error
	for _, v := range p.Positional {
		if v == nil {
			v = structpb.NewNullValue()
		}
		if b, err = appendProto(b, 1, v); err != nil {
			return nil, err
		}
	}
	if b, err = appendValueMap(b, 2, p.Named); err != nil {
		return nil, err
	}
	b = appendIndexHints(b, 3, p.PositionalHints)
	b = appendNameHints(b, 4, p.NamedHints)
	return b, nil
}

func (p *Parameters) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		switch d.num {
		case 1:
			v, err := d.value()
			if err != nil {
				return true, err
			}
			p.Positional = append(p.Positional, v)
		case 2:
			entry, err := d.bytes()
			if err != nil {
				return true, err
			}
			k, v, err := decodeValueEntry(entry)
			if err != nil {
				return true, err
			}
			if p.Named == nil {
				p.Named = make(map[string]*structpb.Value)
			}
			p.Named[k] = v
		case 3:
			entry, err := d.bytes()
			if err != nil {
				return true, err
			}
			k, v, err := decodeIndexHintEntry(entry)
			if err != nil {
				return true, err
			}
			if p.PositionalHints == nil {
				p.PositionalHints = make(map[int32]ColumnType)
			}
			p.PositionalHints[k] = v
		case 4:
			entry, err := d.bytes()
			if err != nil {
				return true, err
			}
			k, v, err := decodeNameHintEntry(entry)
			if err != nil {
				return true, err
			}
			if p.NamedHints == nil {
				p.NamedHints = make(map[string]ColumnType)
			}
			p.NamedHints[k] = v
		default:
			return false, nil
		}
		return true, nil
	})
}

func appendParameters(b []byte, num int32, p *Parameters) ([]byte, error) {
	if p == nil {
		return b, nil
	}
	inner, err := p.appendFields(nil)
	if err != nil {
		return nil, err
	}
	return appendMessage(b, protoNum(num), inner), nil
}

func decodeParameters(d *fieldDecoder) (*Parameters, error) {
	data, err := d.bytes()
	if err != nil {
		return nil, err
	}
	p := &Parameters{}
	return p, p.decode(data)
}

// SelectResult is a fully materialized row set.
type SelectResult struct {
	Columns     []string
	ColumnTypes []ColumnType
	Rows        []*structpb.ListValue
}

func (r *SelectResult) appendFields(b []byte) ([]byte, error) {
	b = appendStrings(b, 1, r.Columns)
	b = appendColumnTypes(b, 2, r.ColumnTypes)
	return appendRows(b, 3, r.Rows)
}

func (r *SelectResult) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			var s string
			s, err = d.string()
			r.Columns = append(r.Columns, s)
		case 2:
			r.ColumnTypes, err = d.columnTypes(r.ColumnTypes)
		case 3:
			var row *structpb.ListValue
			row, err = d.listValue()
			r.Rows = append(r.Rows, row)
		default:
			return false, nil
		}
		return true, err
	})
}

// DMLResult is the write-summary returned for statements without a result set.
type DMLResult struct {
	RowsAffected int64
	LastInsertID int64
}

func (r *DMLResult) appendFields(b []byte) ([]byte, error) {
	b = appendInt64(b, 1, r.RowsAffected)
	return appendInt64(b, 2, r.LastInsertID), nil
}

func (r *DMLResult) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			r.RowsAffected, err = d.int64()
		case 2:
			r.LastInsertID, err = d.int64()
		default:
			return false, nil
		}
		return true, err
	})
}

// ResultHeader opens a streamed result.
type ResultHeader struct {
	Columns     []string
	ColumnTypes []ColumnType
}

func (h *ResultHeader) appendFields(b []byte) ([]byte, error) {
	b = appendStrings(b, 1, h.Columns)
	return appendColumnTypes(b, 2, h.ColumnTypes), nil
}

func (h *ResultHeader) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			var s string
			s, err = d.string()
			h.Columns = append(h.Columns, s)
		case 2:
			h.ColumnTypes, err = d.columnTypes(h.ColumnTypes)
		default:
			return false, nil
		}
		return true, err
	})
}

// ResultBatch carries one group of streamed rows.
type ResultBatch struct {
	Rows []*structpb.ListValue
}

func (r *ResultBatch) appendFields(b []byte) ([]byte, error) {
	return appendRows(b, 1, r.Rows)
}

func (r *ResultBatch) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		if d.num != 1 {
			return false, nil
		}
		row, err := d.listValue()
		r.Rows = append(r.Rows, row)
		return true, err
	})
}

// ResultComplete terminates a streamed result that produced rows.
type ResultComplete struct{}

func (*ResultComplete) appendFields(b []byte) ([]byte, error) { return b, nil }
func (*ResultComplete) decode(data []byte) error {
	return decodeMessage(data, func(*fieldDecoder) (bool, error) { return false, nil })
}

// ErrorResponse is the server's tagged error variant.
type ErrorResponse struct {
	Message         string
	SQLiteErrorCode int32
	FailedSQL       string
}

func (e *ErrorResponse) appendFields(b []byte) ([]byte, error) {
	b = appendString(b, 1, e.Message)
	b = appendInt32(b, 2, e.SQLiteErrorCode)
	return appendString(b, 3, e.FailedSQL), nil
}

func (e *ErrorResponse) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			e.Message, err = d.string()
		case 2:
			e.SQLiteErrorCode, err = d.int32()
		case 3:
			e.FailedSQL, err = d.string()
		default:
			return false, nil
		}
		return true, err
	})
}

// AsError converts the envelope into a *ServerError.
func (e *ErrorResponse) AsError() *ServerError {
	return &ServerError{Code: e.SQLiteErrorCode, Message: e.Message, FailedSQL: e.FailedSQL}
}

// --- stateless requests and responses ---

// QueryRequest is the request of both stateless calls.
type QueryRequest struct {
	Database   string
	SQL        string
	Parameters *Parameters
}

func (r *QueryRequest) marshalWire() ([]byte, error) {
	b := appendString(nil, 1, r.Database)
	b = appendString(b, 2, r.SQL)
	return appendParameters(b, 3, r.Parameters)
}

func (r *QueryRequest) unmarshalWire(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			r.Database, err = d.string()
		case 2:
			r.SQL, err = d.string()
		case 3:
			r.Parameters, err = decodeParameters(d)
		default:
			return false, nil
		}
		return true, err
	})
}

// QueryResultVariant is the closed set of QueryResult payloads.
type QueryResultVariant interface{ isQueryResult() }

func (*SelectResult) isQueryResult() {}
func (*DMLResult) isQueryResult()    {}

// QueryResult is the unary response and the buffered-query response of a
// transaction.
type QueryResult struct {
	Result QueryResultVariant
}

func (r *QueryResult) appendFields(b []byte) ([]byte, error) {
	var (
		inner []byte
		num   int32
		err   error
	)
	switch v := r.Result.(type) {
	case *SelectResult:
		num = 1
		inner, err = v.appendFields(nil)
	case *DMLResult:
		num = 2
		inner, err = v.appendFields(nil)
	case nil:
		return b, nil
	default:
		return nil, fmt.Errorf("unknown query result variant %T", v)
	}
	if err != nil {
		return nil, err
	}
	return appendMessage(b, protoNum(num), inner), nil
}

func (r *QueryResult) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		switch d.num {
		case 1:
			inner, err := d.bytes()
			if err != nil {
				return true, err
			}
			v := &SelectResult{}
			r.Result = v
			return true, v.decode(inner)
		case 2:
			inner, err := d.bytes()
			if err != nil {
				return true, err
			}
			v := &DMLResult{}
			r.Result = v
			return true, v.decode(inner)
		}
		return false, nil
	})
}

func (r *QueryResult) marshalWire() ([]byte, error)    { return r.appendFields(nil) }
func (r *QueryResult) unmarshalWire(data []byte) error { return r.decode(data) }

// StreamResultVariant is the closed set of stream sub-tags inside a
// transaction's streamResult.
type StreamResultVariant interface{ isStreamResult() }

func (*ResultHeader) isStreamResult()   {}
func (*ResultBatch) isStreamResult()    {}
func (*DMLResult) isStreamResult()      {}
func (*ResultComplete) isStreamResult() {}

// QueryStreamVariant is the closed set of server-stream payloads of the
// stateless streaming call.
type QueryStreamVariant interface{ isQueryStreamResponse() }

func (*ResultHeader) isQueryStreamResponse()   {}
func (*ResultBatch) isQueryStreamResponse()    {}
func (*DMLResult) isQueryStreamResponse()      {}
func (*ResultComplete) isQueryStreamResponse() {}
func (*ErrorResponse) isQueryStreamResponse()  {}

// fieldAppender is implemented by every payload message.
type fieldAppender interface {
	appendFields([]byte) ([]byte, error)
}

func appendVariant(b []byte, num int32, v fieldAppender) ([]byte, error) {
	inner, err := v.appendFields(nil)
	if err != nil {
		return nil, err
	}
	return appendMessage(b, protoNum(num), inner), nil
}

// streamNumbers is shared by StreamResult and QueryStreamResponse: both use
// header=1, batch=2, dml=3, complete=4.
func streamVariantNumber(v any) (int32, fieldAppender, bool) {
	switch x := v.(type) {
	case *ResultHeader:
		return 1, x, true
	case *ResultBatch:
		return 2, x, true
	case *DMLResult:
		return 3, x, true
	case *ResultComplete:
		return 4, x, true
	}
	return 0, nil, false
}

// decodeStreamVariant decodes header/batch/dml/complete by field number.
func decodeStreamVariant(d *fieldDecoder) (any, bool, error) {
	var target interface{ decode([]byte) error }
	switch d.num {
	case 1:
		target = &ResultHeader{}
	case 2:
		target = &ResultBatch{}
	case 3:
		target = &DMLResult{}
	case 4:
		target = &ResultComplete{}
	default:
		return nil, false, nil
	}
	inner, err := d.bytes()
	if err != nil {
		return nil, true, err
	}
	return target, true, target.decode(inner)
}

// QueryStreamResponse is one message of the stateless server stream.
type QueryStreamResponse struct {
	Response QueryStreamVariant
}

func (r *QueryStreamResponse) marshalWire() ([]byte, error) {
	if e, ok := r.Response.(*ErrorResponse); ok {
		return appendVariant(nil, 5, e)
	}
	num, v, ok := streamVariantNumber(r.Response)
	if !ok {
		return nil, fmt.Errorf("unknown query stream variant %T", r.Response)
	}
	return appendVariant(nil, num, v)
}

func (r *QueryStreamResponse) unmarshalWire(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		if d.num == 5 {
			inner, err := d.bytes()
			if err != nil {
				return true, err
			}
			e := &ErrorResponse{}
			r.Response = e
			return true, e.decode(inner)
		}
		v, handled, err := decodeStreamVariant(d)
		if handled && err == nil {
			r.Response = v.(QueryStreamVariant)
		}
		return handled, err
	})
}

// --- transaction stream: client → server ---

// TransactionRequestVariant is the closed set of commands a client may send
// on a transaction stream.
type TransactionRequestVariant interface{ isTransactionRequest() }

// BeginRequest opens the transaction.
type BeginRequest struct {
	Database string
	Mode     TransactionMode
}

// QueryCommand runs a buffered query.
type QueryCommand struct {
	SQL        string
	Parameters *Parameters
}

// QueryStreamCommand runs a streamed query.
type QueryStreamCommand struct {
	SQL        string
	Parameters *Parameters
}

// SavepointRequest creates, releases, or rolls back to a savepoint.
type SavepointRequest struct {
	Name   string
	Action SavepointAction
}

// CommitRequest commits the transaction.
type CommitRequest struct{}

// RollbackRequest rolls the transaction back.
type RollbackRequest struct{}

func (*BeginRequest) isTransactionRequest()       {}
func (*QueryCommand) isTransactionRequest()       {}
func (*QueryStreamCommand) isTransactionRequest() {}
func (*SavepointRequest) isTransactionRequest()   {}
func (*CommitRequest) isTransactionRequest()      {}
func (*RollbackRequest) isTransactionRequest()    {}

func (r *BeginRequest) appendFields(b []byte) ([]byte, error) {
	b = appendString(b, 1, r.Database)
	return appendInt32(b, 2, int32(r.Mode)), nil
}

func (r *BeginRequest) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			r.Database, err = d.string()
		case 2:
			var m int32
			m, err = d.int32()
			r.Mode = TransactionMode(m)
		default:
			return false, nil
		}
		return true, err
	})
}

func appendSQLCommand(b []byte, sql string, p *Parameters) ([]byte, error) {
	b = appendString(b, 1, sql)
	return appendParameters(b, 2, p)
}

func decodeSQLCommand(data []byte, sql *string, p **Parameters) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			*sql, err = d.string()
		case 2:
			*p, err = decodeParameters(d)
		default:
			return false, nil
		}
		return true, err
	})
}

func (c *QueryCommand) appendFields(b []byte) ([]byte, error) {
	return appendSQLCommand(b, c.SQL, c.Parameters)
}
func (c *QueryCommand) decode(data []byte) error {
	return decodeSQLCommand(data, &c.SQL, &c.Parameters)
}
func (c *QueryStreamCommand) appendFields(b []byte) ([]byte, error) {
	return appendSQLCommand(b, c.SQL, c.Parameters)
}
func (c *QueryStreamCommand) decode(data []byte) error {
	return decodeSQLCommand(data, &c.SQL, &c.Parameters)
}

func (r *SavepointRequest) appendFields(b []byte) ([]byte, error) {
	b = appendString(b, 1, r.Name)
	return appendInt32(b, 2, int32(r.Action)), nil
}

func (r *SavepointRequest) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			r.Name, err = d.string()
		case 2:
			var a int32
			a, err = d.int32()
			r.Action = SavepointAction(a)
		default:
			return false, nil
		}
		return true, err
	})
}

func (*CommitRequest) appendFields(b []byte) ([]byte, error)   { return b, nil }
func (*CommitRequest) decode([]byte) error                     { return nil }
func (*RollbackRequest) appendFields(b []byte) ([]byte, error) { return b, nil }
func (*RollbackRequest) decode([]byte) error                   { return nil }

// TransactionRequest is one client → server message on the transaction stream.
type TransactionRequest struct {
	Request TransactionRequestVariant
}

func (r *TransactionRequest) marshalWire() ([]byte, error) {
	switch v := r.Request.(type) {
	case *BeginRequest:
		return appendVariant(nil, 1, v)
	case *QueryCommand:
		return appendVariant(nil, 2, v)
	case *QueryStreamCommand:
		return appendVariant(nil, 3, v)
	case *SavepointRequest:
		return appendVariant(nil, 4, v)
	case *CommitRequest:
		return appendVariant(nil, 5, v)
	case *RollbackRequest:
		return appendVariant(nil, 6, v)
	default:
		return nil, fmt.Errorf("unknown transaction request variant %T", v)
	}
}

func (r *TransactionRequest) unmarshalWire(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var target interface {
			TransactionRequestVariant
			decode([]byte) error
		}
		switch d.num {
		case 1:
			target = &BeginRequest{}
		case 2:
			target = &QueryCommand{}
		case 3:
			target = &QueryStreamCommand{}
		case 4:
			target = &SavepointRequest{}
		case 5:
			target = &CommitRequest{}
		case 6:
			target = &RollbackRequest{}
		default:
			return false, nil
		}
		inner, err := d.bytes()
		if err != nil {
			return true, err
		}
		r.Request = target
		return true, target.decode(inner)
	})
}

// --- transaction stream: server → client ---

// TransactionResponseVariant is the closed set of server messages on the
// transaction stream.
type TransactionResponseVariant interface{ isTransactionResponse() }

// BeginResponse acknowledges a BeginRequest.
type BeginResponse struct {
	Success       bool
	TransactionID string
}

// StreamResult wraps one stream sub-tag.
type StreamResult struct {
	Result StreamResultVariant
}

// SavepointResponse acknowledges a SavepointRequest.
type SavepointResponse struct {
	Success bool
	Name    string
	Action  SavepointAction
}

// CommitResponse acknowledges a CommitRequest.
type CommitResponse struct {
	Success bool
}

// RollbackResponse acknowledges a RollbackRequest.
type RollbackResponse struct {
	Success bool
}

func (*BeginResponse) isTransactionResponse()     {}
func (*QueryResult) isTransactionResponse()       {}
func (*StreamResult) isTransactionResponse()      {}
func (*SavepointResponse) isTransactionResponse() {}
func (*CommitResponse) isTransactionResponse()    {}
func (*RollbackResponse) isTransactionResponse()  {}
func (*ErrorResponse) isTransactionResponse()     {}

func (r *BeginResponse) appendFields(b []byte) ([]byte, error) {
	b = appendBool(b, 1, r.Success)
	return appendString(b, 2, r.TransactionID), nil
}

func (r *BeginResponse) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			r.Success, err = d.bool()
		case 2:
			r.TransactionID, err = d.string()
		default:
			return false, nil
		}
		return true, err
	})
}

func (r *StreamResult) appendFields(b []byte) ([]byte, error) {
	num, v, ok := streamVariantNumber(r.Result)
	if !ok {
		return nil, fmt.Errorf("unknown stream result variant %T", r.Result)
	}
	return appendVariant(b, num, v)
}

func (r *StreamResult) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		v, handled, err := decodeStreamVariant(d)
		if handled && err == nil {
			r.Result = v.(StreamResultVariant)
		}
		return handled, err
	})
}

func (r *SavepointResponse) appendFields(b []byte) ([]byte, error) {
	b = appendBool(b, 1, r.Success)
	b = appendString(b, 2, r.Name)
	return appendInt32(b, 3, int32(r.Action)), nil
}

func (r *SavepointResponse) decode(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var err error
		switch d.num {
		case 1:
			r.Success, err = d.bool()
		case 2:
			r.Name, err = d.string()
		case 3:
			var a int32
			a, err = d.int32()
			r.Action = SavepointAction(a)
		default:
			return false, nil
		}
		return true, err
	})
}

func decodeSuccess(data []byte, success *bool) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		if d.num != 1 {
			return false, nil
		}
		var err error
		*success, err = d.bool()
		return true, err
	})
}

func (r *CommitResponse) appendFields(b []byte) ([]byte, error) {
	return appendBool(b, 1, r.Success), nil
}
func (r *CommitResponse) decode(data []byte) error { return decodeSuccess(data, &r.Success) }

func (r *RollbackResponse) appendFields(b []byte) ([]byte, error) {
	return appendBool(b, 1, r.Success), nil
}
func (r *RollbackResponse) decode(data []byte) error { return decodeSuccess(data, &r.Success) }

// TransactionResponse is one server → client message on the transaction stream.
type TransactionResponse struct {
	Response TransactionResponseVariant
}

func (r *TransactionResponse) marshalWire() ([]byte, error) {
	switch v := r.Response.(type) {
	case *BeginResponse:
		return appendVariant(nil, 1, v)
	case *QueryResult:
		return appendVariant(nil, 2, v)
	case *StreamResult:
		return appendVariant(nil, 3, v)
	case *SavepointResponse:
		return appendVariant(nil, 4, v)
	case *CommitResponse:
		return appendVariant(nil, 5, v)
	case *RollbackResponse:
		return appendVariant(nil, 6, v)
	case *ErrorResponse:
		return appendVariant(nil, 7, v)
	default:
		return nil, fmt.Errorf("unknown transaction response variant %T", v)
	}
}

func (r *TransactionResponse) unmarshalWire(data []byte) error {
	return decodeMessage(data, func(d *fieldDecoder) (bool, error) {
		var target interface {
			TransactionResponseVariant
			decode([]byte) error
		}
		switch d.num {
		case 1:
			target = &BeginResponse{}
		case 2:
			target = &QueryResult{}
		case 3:
			target = &StreamResult{}
		case 4:
			target = &SavepointResponse{}
		case 5:
			target = &CommitResponse{}
		case 6:
			target = &RollbackResponse{}
		case 7:
			target = &ErrorResponse{}
		default:
			return false, nil
		}
		inner, err := d.bytes()
		if err != nil {
			return true, err
		}
		r.Response = target
		return true, target.decode(inner)
	})
}

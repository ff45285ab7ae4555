// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"math/big"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// maxSafeInteger is the largest integer a float64 represents exactly
// (2^53 - 1). Integers beyond it travel as decimal text.
const maxSafeInteger = 1<<53 - 1

// DateMode selects how DATE columns are rendered.
type DateMode int

const (
	// DateAsTime renders dates as time.Time.
	DateAsTime DateMode = iota
	// DateAsISOString renders dates as ISO-8601 strings in UTC with
	// millisecond precision.
	DateAsISOString
	// DateAsEpochMillis renders dates as int64 milliseconds since the epoch.
	DateAsEpochMillis
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// dateLayouts are tried in order when parsing date text.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ValueDecoder converts wire values to native Go values using the declared
// column kinds.
//
// INTEGER columns decode numbers to int64 and text to *big.Int (the server
// sends text only when the value is outside float64's exact range). BLOB
// columns decode base64 text to []byte. DATE columns are rendered per
// DateMode, falling back to the raw value when parsing fails. JSON columns
// holding valid JSON text decode to json.RawMessage. Everything else maps
// structurally: null → nil, bool, number → float64, string, list → []any,
// struct → map[string]any.
type ValueDecoder struct {
	DateMode DateMode
}

// DecodeRows decodes every row of a result against cols.
func (d ValueDecoder) DecodeRows(rows []*structpb.ListValue, cols ColumnMetadata) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = d.DecodeRow(r, cols)
	}
	return out
}

// DecodeRow decodes one wire row.
func (d ValueDecoder) DecodeRow(row *structpb.ListValue, cols ColumnMetadata) Row {
	values := row.GetValues()
	out := make(Row, len(values))
	for i, v := range values {
		out[i] = d.Decode(v, cols.Type(i))
	}
	return out
}

// Decode converts a single wire value of the given declared kind.
func (d ValueDecoder) Decode(v *structpb.Value, kind ColumnType) any {
	if v == nil {
		return nil
	}
	switch x := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return nil
	case *structpb.Value_NumberValue:
		return d.decodeNumber(x.NumberValue, kind)
	case *structpb.Value_StringValue:
		return d.decodeString(x.StringValue, kind)
	case *structpb.Value_BoolValue:
		return x.BoolValue
	case *structpb.Value_ListValue:
		items := x.ListValue.GetValues()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = d.Decode(item, ColumnTypeUnspecified)
		}
		return out
	case *structpb.Value_StructValue:
		fields := x.StructValue.GetFields()
		out := make(map[string]any, len(fields))
		for k, item := range fields {
			out[k] = d.Decode(item, ColumnTypeUnspecified)
		}
		return out
	}
	return nil
}

func (d ValueDecoder) decodeNumber(f float64, kind ColumnType) any {
	switch kind {
	case ColumnTypeInteger:
		if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger {
			return int64(f)
		}
	case ColumnTypeBoolean:
		return f != 0
	case ColumnTypeDate:
		return d.renderDate(time.UnixMilli(int64(f)).UTC())
	}
	return f
}

func (d ValueDecoder) decodeString(s string, kind ColumnType) any {
	switch kind {
	case ColumnTypeInteger:
		if n, ok := new(big.Int).SetString(s, 10); ok {
			return n
		}
	case ColumnTypeBlob:
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b
		}
	case ColumnTypeDate:
		if t, ok := parseDate(s); ok {
			return d.renderDate(t)
		}
	case ColumnTypeJSON:
		if json.Valid([]byte(s)) {
			return json.RawMessage(s)
		}
	}
	return s
}

func (d ValueDecoder) renderDate(t time.Time) any {
	switch d.DateMode {
	case DateAsISOString:
		return t.UTC().Format(isoMillis)
	case DateAsEpochMillis:
		return t.UnixMilli()
	default:
		return t
	}
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

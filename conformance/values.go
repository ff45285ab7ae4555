// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const maxSafeInteger = 1<<53 - 1

// bindArgs converts the wire parameter envelope into driver arguments.
// Positional values come first, then named values as sql.NamedArg with the
// ":", "@" or "$" prefix removed.
func bindArgs(p *sqlrpc.Parameters) []any {
	if p == nil {
		return nil
	}
	args := make([]any, 0, len(p.Positional)+len(p.Named))
	for i, v := range p.Positional {
		args = append(args, driverValue(v, p.PositionalHints[int32(i)]))
	}
	for name, v := range p.Named {
		bare := strings.TrimLeft(name, ":@$")
		hint, ok := p.NamedHints[name]
		if !ok {
			hint = p.NamedHints[bare]
		}
		args = append(args, sql.Named(bare, driverValue(v, hint)))
	}
	return args
}

func driverValue(v *structpb.Value, hint sqlrpc.ColumnType) any {
	switch x := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return nil
	case *structpb.Value_BoolValue:
		return x.BoolValue
	case *structpb.Value_NumberValue:
		f := x.NumberValue
		if hint != sqlrpc.ColumnTypeFloat && f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger {
			return int64(f)
		}
		return f
	case *structpb.Value_StringValue:
		s := x.StringValue
		switch hint {
		case sqlrpc.ColumnTypeInteger:
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		case sqlrpc.ColumnTypeBlob:
			if b, err := base64.StdEncoding.DecodeString(s); err == nil {
				return b
			}
		}
		return s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(b)
	}
}

// wireValue converts a scanned SQLite value to its wire form.
func wireValue(v any) *structpb.Value {
	switch x := v.(type) {
	case nil:
		return structpb.NewNullValue()
	case int64:
		if x > maxSafeInteger || x < -maxSafeInteger {
			return structpb.NewStringValue(strconv.FormatInt(x, 10))
		}
		return structpb.NewNumberValue(float64(x))
	case float64:
		return structpb.NewNumberValue(x)
	case bool:
		return structpb.NewBoolValue(x)
	case string:
		return structpb.NewStringValue(x)
	case []byte:
		return structpb.NewStringValue(base64.StdEncoding.EncodeToString(x))
	case time.Time:
		return structpb.NewStringValue(x.UTC().Format(time.RFC3339Nano))
	}
	return structpb.NewNullValue()
}

// declaredType maps a column's declared SQL type to a wire kind using SQLite
// affinity rules, with DATE, BOOLEAN and JSON recognised by name.
func declaredType(decl string) sqlrpc.ColumnType {
	d := strings.ToUpper(decl)
	switch {
	case d == "":
		return sqlrpc.ColumnTypeUnspecified
	case strings.Contains(d, "BOOL"):
		return sqlrpc.ColumnTypeBoolean
	case strings.Contains(d, "DATE"), strings.Contains(d, "TIME"):
		return sqlrpc.ColumnTypeDate
	case strings.Contains(d, "JSON"):
		return sqlrpc.ColumnTypeJSON
	case strings.Contains(d, "INT"):
		return sqlrpc.ColumnTypeInteger
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return sqlrpc.ColumnTypeText
	case strings.Contains(d, "BLOB"):
		return sqlrpc.ColumnTypeBlob
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return sqlrpc.ColumnTypeFloat
	}
	return sqlrpc.ColumnTypeText
}

// valueType infers the kind of an expression column from a scanned value.
func valueType(v any) sqlrpc.ColumnType {
	switch v.(type) {
	case int64:
		return sqlrpc.ColumnTypeInteger
	case float64:
		return sqlrpc.ColumnTypeFloat
	case string:
		return sqlrpc.ColumnTypeText
	case []byte:
		return sqlrpc.ColumnTypeBlob
	case bool:
		return sqlrpc.ColumnTypeBoolean
	case time.Time:
		return sqlrpc.ColumnTypeDate
	}
	return sqlrpc.ColumnTypeUnspecified
}

// returnsRows reports whether a statement produces a result set.
func returnsRows(query string) bool {
	q := strings.TrimSpace(stripComments(query))
	end := strings.IndexFunc(q, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end < 0 {
		end = len(q)
	}
	switch strings.ToUpper(q[:end]) {
	case "SELECT", "WITH", "PRAGMA", "VALUES", "EXPLAIN":
		return true
	}
	for _, word := range strings.Fields(strings.ToUpper(q)) {
		if word == "RETURNING" {
			return true
		}
	}
	return false
}

func stripComments(q string) string {
	for {
		q = strings.TrimSpace(q)
		switch {
		case strings.HasPrefix(q, "--"):
			i := strings.IndexByte(q, '\n')
			if i < 0 {
				return ""
			}
			q = q[i+1:]
		case strings.HasPrefix(q, "/*"):
			i := strings.Index(q, "*/")
			if i < 0 {
				return ""
			}
			q = q[i+2:]
		default:
			return q
		}
	}
}

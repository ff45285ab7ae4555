// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ArrowColumnTypeKey is the field metadata key holding the declared column
// kind of an exported column.
const ArrowColumnTypeKey = "sqlrpc.column_type"

// RecordBatch exports a row-set result as an Arrow record batch. The caller
// must Release it.
func (r *Result) RecordBatch(mem memory.Allocator) (arrow.RecordBatch, error) {
	if r.write {
		return nil, fmt.Errorf("sqlrpc: write result has no rows to export")
	}
	return NewRecordBatch(mem, r.Columns, r.Rows), nil
}

// NewRecordBatch builds an Arrow record batch from decoded rows. Each column's
// Arrow type follows its declared kind: INTEGER → int64 (utf8 if a value does
// not fit), FLOAT → float64, BLOB → binary, BOOLEAN → bool, DATE →
// timestamp[ms, UTC] (utf8 for ISO-string dates), anything else → utf8.
// Values that do not match the column type are stored as null, or as their
// text form in utf8 columns.
func NewRecordBatch(mem memory.Allocator, cols ColumnMetadata, rows []Row) arrow.RecordBatch {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	fields := make([]arrow.Field, cols.Len())
	arrays := make([]arrow.Array, cols.Len())
	for i := range fields {
		vals := make([]any, len(rows))
		for j, row := range rows {
			if i < len(row) {
				vals[j] = row[i]
			}
		}
		kind := cols.Type(i)
		dt := arrowType(kind, vals)
		fields[i] = arrow.Field{
			Name:     cols.Names[i],
			Type:     dt,
			Nullable: true,
			Metadata: arrow.NewMetadata([]string{ArrowColumnTypeKey}, []string{kind.String()}),
		}
		arrays[i] = buildArray(mem, dt, vals)
	}
	schema := arrow.NewSchema(fields, nil)
	batch := array.NewRecordBatch(schema, arrays, int64(len(rows)))
	for _, a := range arrays {
		a.Release()
	}
	return batch
}

var timestampMillis = &arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: "UTC"}

func arrowType(kind ColumnType, vals []any) arrow.DataType {
	switch kind {
	case ColumnTypeInteger:
		for _, v := range vals {
			if n, ok := v.(*big.Int); ok && !n.IsInt64() {
				return arrow.BinaryTypes.String
			}
		}
		return arrow.PrimitiveTypes.Int64
	case ColumnTypeFloat:
		return arrow.PrimitiveTypes.Float64
	case ColumnTypeBlob:
		return arrow.BinaryTypes.Binary
	case ColumnTypeBoolean:
		return arrow.FixedWidthTypes.Boolean
	case ColumnTypeDate:
		for _, v := range vals {
			if _, ok := v.(string); ok {
				return arrow.BinaryTypes.String
			}
		}
		return timestampMillis
	}
	return arrow.BinaryTypes.String
}

func buildArray(mem memory.Allocator, dt arrow.DataType, vals []any) arrow.Array {
	switch dt.ID() {
	case arrow.INT64:
		b := array.NewInt64Builder(mem)
		defer b.Release()
		for _, v := range vals {
			switch val := v.(type) {
			case int64:
				b.Append(val)
			case *big.Int:
				b.Append(val.Int64())
			case float64:
				b.Append(int64(val))
			default:
				b.AppendNull()
			}
		}
		return b.NewArray()
	case arrow.FLOAT64:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for _, v := range vals {
			switch val := v.(type) {
			case float64:
				b.Append(val)
			case int64:
				b.Append(float64(val))
			default:
				b.AppendNull()
			}
		}
		return b.NewArray()
	case arrow.BINARY:
		b := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
		defer b.Release()
		for _, v := range vals {
			switch val := v.(type) {
			case []byte:
				b.Append(val)
			case string:
				b.AppendString(val)
			default:
				b.AppendNull()
			}
		}
		return b.NewArray()
	case arrow.BOOL:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		for _, v := range vals {
			if val, ok := v.(bool); ok {
				b.Append(val)
			} else {
				b.AppendNull()
			}
		}
		return b.NewArray()
	case arrow.TIMESTAMP:
		b := array.NewTimestampBuilder(mem, timestampMillis)
		defer b.Release()
		for _, v := range vals {
			switch val := v.(type) {
			case time.Time:
				b.Append(arrow.Timestamp(val.UnixMilli()))
			case int64:
				b.Append(arrow.Timestamp(val))
			default:
				b.AppendNull()
			}
		}
		return b.NewArray()
	default:
		b := array.NewStringBuilder(mem)
		defer b.Release()
		for _, v := range vals {
			if s, ok := textValue(v); ok {
				b.Append(s)
			} else {
				b.AppendNull()
			}
		}
		return b.NewArray()
	}
}

func textValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case json.RawMessage:
		return string(val), true
	case *big.Int:
		return val.String(), true
	case []any, map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(b), true
	default:
		return fmt.Sprint(val), true
	}
}

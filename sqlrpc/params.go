// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Statement is one SQL statement with its parameters.
type Statement struct {
	SQL        string
	Positional []any
	Named      map[string]any
	Hints      Hints
}

// SQL builds a statement with positional arguments.
func SQL(query string, args ...any) Statement {
	return Statement{SQL: query, Positional: args}
}

// NamedSQL builds a statement with named arguments. Names are passed to the
// server as given, so include the prefix (":", "@" or "$") the SQL uses.
func NamedSQL(query string, args map[string]any) Statement {
	return Statement{SQL: query, Named: args}
}

// WithHints returns a copy of s carrying h.
func (s Statement) WithHints(h Hints) Statement {
	s.Hints = h
	return s
}

// Hints declares the wire value-kind of individual parameters. They are only
// needed for values the builder cannot classify itself, such as a decimal
// string that must be stored as a 64-bit integer.
//
// Flat is an unpartitioned map: its keys are indexes ("0", "1", ...) when the
// statement has positional arguments and names when it has named arguments.
// Giving Flat alongside both kinds of argument is rejected.
type Hints struct {
	Positional map[int]ColumnType
	Named      map[string]ColumnType
	Flat       map[string]ColumnType
}

func (h Hints) empty() bool {
	return len(h.Positional) == 0 && len(h.Named) == 0 && len(h.Flat) == 0
}

// BuildParameters converts the statement's arguments and hints into the wire
// parameter envelope. It returns nil when the statement has neither.
//
// Values whose native form is lossy on the wire get a hint automatically:
// integers outside ±(2^53-1) and *big.Int travel as decimal text with an
// INTEGER hint, []byte as base64 with a BLOB hint, time.Time as RFC 3339 text
// with a DATE hint and json.RawMessage as text with a JSON hint. An explicit
// hint overrides the automatic one.
func BuildParameters(stmt Statement) (*Parameters, error) {
	const op = "build parameters"
	if len(stmt.Positional) == 0 && len(stmt.Named) == 0 {
		if !stmt.Hints.empty() {
			return nil, usageErrorf(op, ErrInvalidParameter, "hints given for a statement without parameters")
		}
		return nil, nil
	}

	posHints, namedHints, err := partitionHints(stmt)
	if err != nil {
		return nil, err
	}

	p := &Parameters{}
	if len(stmt.Positional) > 0 {
		p.Positional = make([]*structpb.Value, len(stmt.Positional))
		for i, arg := range stmt.Positional {
			v, auto, err := encodeParameter(arg)
			if err != nil {
				return nil, usageErrorf(op, ErrInvalidParameter, "positional parameter %d: %v", i, err)
			}
			p.Positional[i] = v
			if hint, ok := posHints[i]; ok {
				auto = hint
			}
			if auto != ColumnTypeUnspecified {
				if p.PositionalHints == nil {
					p.PositionalHints = make(map[int32]ColumnType)
				}
				p.PositionalHints[int32(i)] = auto
			}
		}
	}
	if len(stmt.Named) > 0 {
		p.Named = make(map[string]*structpb.Value, len(stmt.Named))
		for name, arg := range stmt.Named {
			v, auto, err := encodeParameter(arg)
			if err != nil {
				return nil, usageErrorf(op, ErrInvalidParameter, "named parameter %q: %v", name, err)
			}
			p.Named[name] = v
			if hint, ok := namedHints[name]; ok {
				auto = hint
			}
			if auto != ColumnTypeUnspecified {
				if p.NamedHints == nil {
					p.NamedHints = make(map[string]ColumnType)
				}
				p.NamedHints[name] = auto
			}
		}
	}
	return p, nil
}

// partitionHints merges the explicit hint maps with the flat map, placing
// flat hints by which kind of argument the statement carries.
func partitionHints(stmt Statement) (map[int]ColumnType, map[string]ColumnType, error) {
	const op = "build parameters"
	hasPos, hasNamed := len(stmt.Positional) > 0, len(stmt.Named) > 0

	pos := make(map[int]ColumnType, len(stmt.Hints.Positional))
	for i, t := range stmt.Hints.Positional {
		if i < 0 || i >= len(stmt.Positional) {
			return nil, nil, usageErrorf(op, ErrInvalidParameter, "hint for positional parameter %d out of range", i)
		}
		pos[i] = t
	}
	named := make(map[string]ColumnType, len(stmt.Hints.Named))
	for name, t := range stmt.Hints.Named {
		if _, ok := stmt.Named[name]; !ok {
			return nil, nil, usageErrorf(op, ErrInvalidParameter, "hint for unknown named parameter %q", name)
		}
		named[name] = t
	}

	if len(stmt.Hints.Flat) == 0 {
		return pos, named, nil
	}
	switch {
	case hasPos && hasNamed:
		return nil, nil, &UsageError{Op: op, Err: ErrAmbiguousHints}
	case hasPos:
		for key, t := range stmt.Hints.Flat {
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(stmt.Positional) {
				return nil, nil, usageErrorf(op, ErrInvalidParameter, "hint key %q is not a positional index", key)
			}
			if _, dup := pos[i]; !dup {
				pos[i] = t
			}
		}
	default:
		for key, t := range stmt.Hints.Flat {
			if _, ok := stmt.Named[key]; !ok {
				return nil, nil, usageErrorf(op, ErrInvalidParameter, "hint for unknown named parameter %q", key)
			}
			if _, dup := named[key]; !dup {
				named[key] = t
			}
		}
	}
	return pos, named, nil
}

// encodeParameter converts one native value into its wire form and the hint
// it needs, ColumnTypeUnspecified when none.
func encodeParameter(arg any) (*structpb.Value, ColumnType, error) {
	switch v := arg.(type) {
	case nil:
		return structpb.NewNullValue(), ColumnTypeUnspecified, nil
	case *structpb.Value:
		if v == nil {
			return structpb.NewNullValue(), ColumnTypeUnspecified, nil
		}
		return v, ColumnTypeUnspecified, nil
	case bool:
		return structpb.NewBoolValue(v), ColumnTypeUnspecified, nil
	case string:
		return structpb.NewStringValue(v), ColumnTypeUnspecified, nil
	case []byte:
		if v == nil {
			return structpb.NewNullValue(), ColumnTypeUnspecified, nil
		}
		return structpb.NewStringValue(base64.StdEncoding.EncodeToString(v)), ColumnTypeBlob, nil
	case json.RawMessage:
		return structpb.NewStringValue(string(v)), ColumnTypeJSON, nil
	case time.Time:
		return structpb.NewStringValue(v.UTC().Format(time.RFC3339Nano)), ColumnTypeDate, nil
	case *big.Int:
		if v == nil {
			return structpb.NewNullValue(), ColumnTypeUnspecified, nil
		}
		return encodeBigInt(v)
	case big.Int:
		return encodeBigInt(&v)
	case float64:
		return encodeFloat(v)
	case float32:
		return encodeFloat(float64(v))
	case int:
		return encodeInt(int64(v))
	case int64:
		return encodeInt(v)
	case int32:
		return encodeInt(int64(v))
	case uint64:
		return encodeUint(v)
	case driver.Valuer:
		dv, err := v.Value()
		if err != nil {
			return nil, ColumnTypeUnspecified, err
		}
		return encodeParameter(dv)
	}
	return encodeReflect(reflect.ValueOf(arg))
}

// encodeReflect handles named basic types, pointers, slices and maps.
func encodeReflect(rv reflect.Value) (*structpb.Value, ColumnType, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return structpb.NewNullValue(), ColumnTypeUnspecified, nil
		}
		return encodeParameter(rv.Elem().Interface())
	case reflect.Bool:
		return structpb.NewBoolValue(rv.Bool()), ColumnTypeUnspecified, nil
	case reflect.String:
		return structpb.NewStringValue(rv.String()), ColumnTypeUnspecified, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return encodeInt(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return encodeUint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return encodeFloat(rv.Float())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return structpb.NewNullValue(), ColumnTypeUnspecified, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return encodeParameter(b)
		}
		items := make([]*structpb.Value, rv.Len())
		for i := range items {
			v, _, err := encodeParameter(rv.Index(i).Interface())
			if err != nil {
				return nil, ColumnTypeUnspecified, err
			}
			items[i] = v
		}
		return structpb.NewListValue(&structpb.ListValue{Values: items}), ColumnTypeUnspecified, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		fields := make(map[string]*structpb.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, _, err := encodeParameter(iter.Value().Interface())
			if err != nil {
				return nil, ColumnTypeUnspecified, err
			}
			fields[iter.Key().String()] = v
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields}), ColumnTypeUnspecified, nil
	case reflect.Invalid:
		return structpb.NewNullValue(), ColumnTypeUnspecified, nil
	}
	return nil, ColumnTypeUnspecified, &unsupportedTypeError{t: rv.Type()}
}

type unsupportedTypeError struct{ t reflect.Type }

func (e *unsupportedTypeError) Error() string {
	return "unsupported type " + e.t.String()
}

func encodeInt(n int64) (*structpb.Value, ColumnType, error) {
	if n > maxSafeInteger || n < -maxSafeInteger {
		return structpb.NewStringValue(strconv.FormatInt(n, 10)), ColumnTypeInteger, nil
	}
	return structpb.NewNumberValue(float64(n)), ColumnTypeUnspecified, nil
}

func encodeUint(n uint64) (*structpb.Value, ColumnType, error) {
	if n > maxSafeInteger {
		return structpb.NewStringValue(strconv.FormatUint(n, 10)), ColumnTypeInteger, nil
	}
	return structpb.NewNumberValue(float64(n)), ColumnTypeUnspecified, nil
}

func encodeBigInt(n *big.Int) (*structpb.Value, ColumnType, error) {
	return structpb.NewStringValue(n.String()), ColumnTypeInteger, nil
}

func encodeFloat(f float64) (*structpb.Value, ColumnType, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ColumnTypeUnspecified, &unsupportedValueError{v: f}
	}
	return structpb.NewNumberValue(f), ColumnTypeUnspecified, nil
}

type unsupportedValueError struct{ v float64 }

func (e *unsupportedValueError) Error() string {
	return "unsupported value " + strconv.FormatFloat(e.v, 'g', -1, 64)
}

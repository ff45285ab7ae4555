// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestDecodeIntegers(t *testing.T) {
	d := ValueDecoder{}

	assert.Equal(t, int64(42), d.Decode(structpb.NewNumberValue(42), ColumnTypeInteger))
	assert.Equal(t, 42.0, d.Decode(structpb.NewNumberValue(42), ColumnTypeFloat))
	assert.Equal(t, 1.5, d.Decode(structpb.NewNumberValue(1.5), ColumnTypeInteger), "fractional value is left as float")

	got := d.Decode(structpb.NewStringValue("9007199254740993"), ColumnTypeInteger)
	n, ok := got.(*big.Int)
	require.True(t, ok, "large integer text decodes to *big.Int, got %T", got)
	assert.Equal(t, "9007199254740993", n.String())

	assert.Equal(t, "abc", d.Decode(structpb.NewStringValue("abc"), ColumnTypeInteger))
}

func TestDecodeBlobAndJSON(t *testing.T) {
	d := ValueDecoder{}
	raw := []byte{0x00, 0xff, 0x10}

	v, hint, err := encodeParameter(raw)
	require.NoError(t, err)
	assert.Equal(t, ColumnTypeBlob, hint)
	assert.Equal(t, raw, d.Decode(v, ColumnTypeBlob))

	assert.Equal(t, "not base64!", d.Decode(structpb.NewStringValue("not base64!"), ColumnTypeBlob))

	assert.Equal(t, json.RawMessage(`{"a":1}`), d.Decode(structpb.NewStringValue(`{"a":1}`), ColumnTypeJSON))
	assert.Equal(t, "{oops", d.Decode(structpb.NewStringValue("{oops"), ColumnTypeJSON))
}

func TestDecodeDates(t *testing.T) {
	ts := time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC)

	asTime := ValueDecoder{}
	assert.True(t, ts.Equal(asTime.Decode(structpb.NewNumberValue(float64(ts.UnixMilli())), ColumnTypeDate).(time.Time)))
	assert.True(t, ts.Equal(asTime.Decode(structpb.NewStringValue("2024-03-09 12:30:00"), ColumnTypeDate).(time.Time)))
	assert.Equal(t, "yesterday", asTime.Decode(structpb.NewStringValue("yesterday"), ColumnTypeDate))

	iso := ValueDecoder{DateMode: DateAsISOString}
	assert.Equal(t, "2024-03-09T12:30:00.000Z", iso.Decode(structpb.NewStringValue("2024-03-09T12:30:00Z"), ColumnTypeDate))

	epoch := ValueDecoder{DateMode: DateAsEpochMillis}
	assert.Equal(t, ts.UnixMilli(), epoch.Decode(structpb.NewStringValue("2024-03-09T12:30:00Z"), ColumnTypeDate))
}

func TestDecodeStructural(t *testing.T) {
	d := ValueDecoder{}
	assert.Nil(t, d.Decode(structpb.NewNullValue(), ColumnTypeText))
	assert.Nil(t, d.Decode(nil, ColumnTypeText))
	assert.Equal(t, true, d.Decode(structpb.NewNumberValue(1), ColumnTypeBoolean))
	assert.Equal(t, false, d.Decode(structpb.NewBoolValue(false), ColumnTypeBoolean))

	list, err := structpb.NewList([]any{1, "x", nil})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, "x", nil}, d.Decode(structpb.NewListValue(list), ColumnTypeUnspecified))

	st, err := structpb.NewStruct(map[string]any{"k": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": true}, d.Decode(structpb.NewStructValue(st), ColumnTypeUnspecified))
}

func TestDecodeRowUsesColumnKinds(t *testing.T) {
	cols := ColumnMetadata{Names: []string{"id", "name", "extra"}, Types: []ColumnType{ColumnTypeInteger, ColumnTypeText}}
	row := &structpb.ListValue{Values: []*structpb.Value{
		structpb.NewNumberValue(7),
		structpb.NewStringValue("ann"),
		structpb.NewNumberValue(3),
	}}
	got := ValueDecoder{}.DecodeRow(row, cols)
	assert.Equal(t, Row{int64(7), "ann", 3.0}, got)
	assert.Equal(t, map[string]any{"id": int64(7), "name": "ann", "extra": 3.0}, got.Map(cols))
	assert.Equal(t, 1, cols.Index("name"))
	assert.Equal(t, -1, cols.Index("missing"))
}

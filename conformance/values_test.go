// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"database/sql"
	"testing"
	"time"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestReturnsRows(t *testing.T) {
	for query, want := range map[string]bool{
		"SELECT 1":                              true,
		"  select * from t":                     true,
		"-- leading comment\nSELECT 1":          true,
		"/**/ WITH x AS (SELECT 1) SELECT 2":    true,
		"PRAGMA table_info(t)":                  true,
		"VALUES (1), (2)":                       true,
		"INSERT INTO t VALUES (1) RETURNING id": true,
		"INSERT INTO t VALUES (1)":              false,
		"UPDATE t SET returning_flag = 1":       false,
		"CREATE TABLE t (id INTEGER)":           false,
		"-- only a comment":                     false,
		"":                                      false,
	} {
		assert.Equal(t, want, returnsRows(query), "%q", query)
	}
}

func TestDeclaredType(t *testing.T) {
	for decl, want := range map[string]sqlrpc.ColumnType{
		"":              sqlrpc.ColumnTypeUnspecified,
		"INTEGER":       sqlrpc.ColumnTypeInteger,
		"BIGINT":        sqlrpc.ColumnTypeInteger,
		"VARCHAR(20)":   sqlrpc.ColumnTypeText,
		"BLOB":          sqlrpc.ColumnTypeBlob,
		"DOUBLE":        sqlrpc.ColumnTypeFloat,
		"BOOLEAN":       sqlrpc.ColumnTypeBoolean,
		"DATETIME":      sqlrpc.ColumnTypeDate,
		"TIMESTAMP":     sqlrpc.ColumnTypeDate,
		"JSON":          sqlrpc.ColumnTypeJSON,
		"NUMERIC":       sqlrpc.ColumnTypeText,
		"decimal(10,2)": sqlrpc.ColumnTypeText,
	} {
		assert.Equal(t, want, declaredType(decl), "%q", decl)
	}
}

func TestBindArgs(t *testing.T) {
	assert.Nil(t, bindArgs(nil))

	args := bindArgs(&sqlrpc.Parameters{
		Positional: []*structpb.Value{
			structpb.NewStringValue("9007199254740993"),
			structpb.NewStringValue("AP8="),
			structpb.NewNumberValue(3),
			structpb.NewNumberValue(3),
			structpb.NewNullValue(),
		},
		PositionalHints: map[int32]sqlrpc.ColumnType{
			0: sqlrpc.ColumnTypeInteger,
			1: sqlrpc.ColumnTypeBlob,
			3: sqlrpc.ColumnTypeFloat,
		},
		Named:      map[string]*structpb.Value{"@flag": structpb.NewBoolValue(true)},
		NamedHints: map[string]sqlrpc.ColumnType{"@flag": sqlrpc.ColumnTypeBoolean},
	})
	require.Len(t, args, 6)
	assert.Equal(t, int64(9007199254740993), args[0])
	assert.Equal(t, []byte{0x00, 0xff}, args[1])
	assert.Equal(t, int64(3), args[2])
	assert.Equal(t, 3.0, args[3], "a FLOAT hint keeps integral numbers as floats")
	assert.Nil(t, args[4])
	assert.Equal(t, sql.Named("flag", true), args[5])
}

func TestDriverValueStructural(t *testing.T) {
	list, err := structpb.NewList([]any{1, "a"})
	require.NoError(t, err)
	assert.Equal(t, `[1,"a"]`, driverValue(structpb.NewListValue(list), sqlrpc.ColumnTypeJSON))
	assert.Equal(t, "not base64!", driverValue(structpb.NewStringValue("not base64!"), sqlrpc.ColumnTypeBlob))
	assert.Equal(t, 1.5, driverValue(structpb.NewNumberValue(1.5), sqlrpc.ColumnTypeInteger))
}

func TestWireValue(t *testing.T) {
	assert.Equal(t, 42.0, wireValue(int64(42)).GetNumberValue())
	assert.Equal(t, "9007199254740993", wireValue(int64(9007199254740993)).GetStringValue())
	assert.Equal(t, "-9007199254740993", wireValue(int64(-9007199254740993)).GetStringValue())
	assert.Equal(t, "AP8=", wireValue([]byte{0x00, 0xff}).GetStringValue())
	when := time.Date(2024, 2, 3, 4, 5, 6, 7, time.FixedZone("X", 3600))
	assert.Equal(t, "2024-02-03T03:05:06.000000007Z", wireValue(when).GetStringValue())
	_, isNull := wireValue(nil).GetKind().(*structpb.Value_NullValue)
	assert.True(t, isNull)
	assert.Equal(t, sqlrpc.ColumnTypeBlob, valueType([]byte{1}))
	assert.Equal(t, sqlrpc.ColumnTypeUnspecified, valueType(nil))
}

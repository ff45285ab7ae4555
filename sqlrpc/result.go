// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import "fmt"

// Row is one decoded result row, in column order.
type Row []any

// ColumnMetadata holds the ordered column names of a result set and the
// parallel declared value-kinds. It is produced once per query and shared by
// every row of that result.
type ColumnMetadata struct {
	Names []string
	Types []ColumnType
}

// Len returns the number of columns.
func (m ColumnMetadata) Len() int { return len(m.Names) }

// Index returns the position of the named column, or -1.
func (m ColumnMetadata) Index(name string) int {
	for i, n := range m.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Type returns the declared kind of column i, or ColumnTypeUnspecified when
// the server sent fewer kinds than names.
func (m ColumnMetadata) Type(i int) ColumnType {
	if i < 0 || i >= len(m.Types) {
		return ColumnTypeUnspecified
	}
	return m.Types[i]
}

func newColumnMetadata(names []string, types []ColumnType) ColumnMetadata {
	return ColumnMetadata{Names: names, Types: types}
}

// Map returns the row keyed by column name.
func (r Row) Map(cols ColumnMetadata) map[string]any {
	m := make(map[string]any, len(r))
	for i, v := range r {
		if i < len(cols.Names) {
			m[cols.Names[i]] = v
		}
	}
	return m
}

// WriteSummary is the rows-affected / generated-id pair returned for
// statements that do not produce a result set.
type WriteSummary struct {
	RowsAffected int64
	LastInsertID int64
}

// Result is a fully materialized query result: either a row set with its
// column metadata, or a write-summary.
type Result struct {
	Columns      ColumnMetadata
	Rows         []Row
	RowsAffected int64
	LastInsertID int64
	write        bool
}

// IsWrite reports whether the result is a write-summary.
func (r *Result) IsWrite() bool { return r.write }

// Summary returns the write-summary of a write result.
func (r *Result) Summary() WriteSummary {
	return WriteSummary{RowsAffected: r.RowsAffected, LastInsertID: r.LastInsertID}
}

// decodeQueryResult materializes a buffered response.
func decodeQueryResult(qr *QueryResult, dec ValueDecoder) (*Result, error) {
	switch v := qr.Result.(type) {
	case *SelectResult:
		cols := newColumnMetadata(v.Columns, v.ColumnTypes)
		return &Result{Columns: cols, Rows: dec.DecodeRows(v.Rows, cols)}, nil
	case *DMLResult:
		return &Result{RowsAffected: v.RowsAffected, LastInsertID: v.LastInsertID, write: true}, nil
	case nil:
		return nil, &ProtocolError{Message: "query result without a payload"}
	default:
		return nil, &ProtocolError{Message: fmt.Sprintf("unexpected query result %T", v)}
	}
}

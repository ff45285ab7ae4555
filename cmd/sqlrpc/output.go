// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
)

// tableWriter prints rows as tab-aligned columns.
type tableWriter struct {
	tw *tabwriter.Writer
}

func newTableWriter(w io.Writer, cols sqlrpc.ColumnMetadata) *tableWriter {
	t := &tableWriter{tw: tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)}
	fmt.Fprintln(t.tw, strings.Join(cols.Names, "\t"))
	return t
}

func (t *tableWriter) write(rows []sqlrpc.Row) {
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatValue(v)
		}
		fmt.Fprintln(t.tw, strings.Join(cells, "\t"))
	}
}

func (t *tableWriter) flush() error { return t.tw.Flush() }

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case *big.Int:
		return x.String()
	case json.RawMessage:
		return string(x)
	case []any, map[string]any:
		b, _ := json.Marshal(x)
		return string(b)
	}
	return fmt.Sprint(v)
}

func printSummary(w io.Writer, s sqlrpc.WriteSummary) {
	fmt.Fprintf(w, "rows affected: %d, last insert id: %d\n", s.RowsAffected, s.LastInsertID)
}

// arrowSink writes record batches to an Arrow IPC stream file. The schema is
// fixed by the first batch.
type arrowSink struct {
	f      *os.File
	w      *ipc.Writer
	schema *arrow.Schema
	mem    memory.Allocator
}

func newArrowSink(path string) (*arrowSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &arrowSink{f: f, mem: memory.NewGoAllocator()}, nil
}

func (s *arrowSink) write(cols sqlrpc.ColumnMetadata, rows []sqlrpc.Row) error {
	batch := sqlrpc.NewRecordBatch(s.mem, cols, rows)
	defer batch.Release()
	return s.writeBatch(batch)
}

func (s *arrowSink) writeBatch(batch arrow.RecordBatch) error {
	if s.w == nil {
		s.schema = batch.Schema()
		s.w = ipc.NewWriter(s.f, ipc.WithSchema(s.schema), ipc.WithAllocator(s.mem))
	} else if !s.schema.Equal(batch.Schema()) {
		return fmt.Errorf("arrow: column types changed mid-stream")
	}
	return s.w.Write(batch)
}

func (s *arrowSink) close() error {
	var err error
	if s.w != nil {
		err = s.w.Close()
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

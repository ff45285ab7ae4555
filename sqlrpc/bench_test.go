// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"context"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func BenchmarkRowQueueThroughput(b *testing.B) {
	for _, tc := range []struct {
		name string
		high int
	}{
		{"unbounded", 0},
		{"flow-1024", 1024},
	} {
		b.Run(tc.name, func(b *testing.B) {
			ctx := context.Background()
			const items = 10000
			b.ReportAllocs()
			for b.Loop() {
				gate := newFlowGate(ctx)
				q := NewRowQueue[Row](FlowControl{High: tc.high, Pause: gate.pause, Resume: gate.resume})
				go func() {
					row := Row{int64(1), "x"}
					for range items {
						gate.wait()
						q.Push(row)
					}
					q.Close()
				}()
				n := 0
				for {
					if _, err := q.Next(ctx); err != nil {
						break
					}
					n++
				}
				if n != items {
					b.Fatalf("got %d items", n)
				}
			}
		})
	}
}

func BenchmarkDecodeRows(b *testing.B) {
	cols := ColumnMetadata{
		Names: []string{"id", "label", "price", "created"},
		Types: []ColumnType{ColumnTypeInteger, ColumnTypeText, ColumnTypeFloat, ColumnTypeDate},
	}
	rows := make([]*structpb.ListValue, 500)
	for i := range rows {
		rows[i] = &structpb.ListValue{Values: []*structpb.Value{
			structpb.NewNumberValue(float64(i)),
			structpb.NewStringValue("label"),
			structpb.NewNumberValue(1.5),
			structpb.NewStringValue("2024-01-02T03:04:05Z"),
		}}
	}
	var d ValueDecoder
	b.ReportAllocs()
	for b.Loop() {
		if got := d.DecodeRows(rows, cols); len(got) != len(rows) {
			b.Fatalf("decoded %d rows", len(got))
		}
	}
}

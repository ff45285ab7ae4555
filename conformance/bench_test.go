// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"testing"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
)

func benchClient(b *testing.B) *sqlrpc.Client {
	b.Helper()
	c := startServer(b, WithBatchSize(500)).dial()
	mustScript(b, c, "bench.db",
		"CREATE TABLE n (x INTEGER PRIMARY KEY, label TEXT)",
		"INSERT INTO n WITH RECURSIVE s(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM s WHERE x < 10000) SELECT x, 'row ' || x FROM s",
	)
	return c
}

func BenchmarkQueryPoint(b *testing.B) {
	c := benchClient(b)
	ctx := context.Background()
	b.ReportAllocs()
	for i := 0; b.Loop(); i++ {
		if _, err := c.Query(ctx, "bench.db", sqlrpc.SQL("SELECT label FROM n WHERE x = ?", int64(i%10000+1))); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkQueryStreamScan(b *testing.B) {
	c := benchClient(b)
	ctx := context.Background()
	b.ReportAllocs()
	for b.Loop() {
		rows, err := c.QueryStream(ctx, "bench.db", sqlrpc.SQL("SELECT x, label FROM n"))
		if err != nil {
			b.Fatal(err)
		}
		n := 0
		for _, err := range rows.All(ctx) {
			if err != nil {
				b.Fatal(err)
			}
			n++
		}
		if n != 10000 {
			b.Fatalf("got %d rows", n)
		}
	}
}

func BenchmarkTransactionRoundTrip(b *testing.B) {
	c := benchClient(b)
	ctx := context.Background()
	b.ReportAllocs()
	for b.Loop() {
		err := c.Transaction(ctx, "bench.db", sqlrpc.ModeDeferred, func(ctx context.Context, s *sqlrpc.Session) error {
			_, err := s.Query(ctx, sqlrpc.SQL("SELECT count(*) FROM n"))
			return err
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

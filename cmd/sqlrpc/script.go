// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
	"github.com/spf13/cobra"
)

var errDryRun = errors.New("dry run")

func newScriptCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "script FILE",
		Short: "Run a SQL file atomically in one IMMEDIATE transaction",
		Long:  "Run every statement of FILE (\"-\" for stdin) in one transaction. The first failure rolls everything back.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(args[0])
			if err != nil {
				return err
			}
			var stmts []sqlrpc.Statement
			for _, s := range splitStatements(src) {
				stmts = append(stmts, sqlrpc.SQL(s))
			}
			if len(stmts) == 0 {
				return errors.New("no statements")
			}
			client, cleanup, err := connect(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := client.ExecuteScript(cmd.Context(), g.database, stmts)
			if err != nil {
				var se *sqlrpc.ScriptError
				if errors.As(err, &se) {
					return fmt.Errorf("statement %d (%s): %w", se.Index+1, stmts[se.Index].SQL, se.Err)
				}
				return err
			}
			for i, res := range results {
				if res.IsWrite() {
					fmt.Fprintf(cmd.OutOrStdout(), "%d: ", i+1)
					printSummary(cmd.OutOrStdout(), res.Summary())
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%d: %d rows\n", i+1, len(res.Rows))
				}
			}
			return nil
		},
	}
}

func newTxCmd(g *globalFlags) *cobra.Command {
	var (
		mode   string
		dryRun bool
		batch  int
	)
	cmd := &cobra.Command{
		Use:   "tx SQL...",
		Short: "Run statements in one transaction and commit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := sqlrpc.ParseTransactionMode(mode)
			if err != nil {
				return err
			}
			client, cleanup, err := connect(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			err = client.Transaction(cmd.Context(), g.database, m, func(ctx context.Context, s *sqlrpc.Session) error {
				for _, q := range args {
					if batch > 0 {
						if err := streamInSession(ctx, out, s, q, batch); err != nil {
							return err
						}
						continue
					}
					res, err := s.Query(ctx, sqlrpc.SQL(q))
					if err != nil {
						return err
					}
					if err := printResult(cmd, g, res); err != nil {
						return err
					}
				}
				if dryRun {
					return errDryRun
				}
				return nil
			})
			if errors.Is(err, errDryRun) {
				fmt.Fprintln(out, "rolled back (dry run)")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "deferred", "transaction mode: deferred, immediate or exclusive")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "roll back instead of committing")
	cmd.Flags().IntVar(&batch, "batch", 0, "stream each statement in batches of this many rows")
	return cmd
}

func streamInSession(ctx context.Context, out io.Writer, s *sqlrpc.Session, q string, size int) error {
	batches, err := s.QueryStream(ctx, sqlrpc.SQL(q), size)
	if err != nil {
		return err
	}
	defer batches.Close()
	var table *tableWriter
	if batches.Columns().Len() > 0 {
		table = newTableWriter(out, batches.Columns())
	}
	for batches.Next(ctx) && table != nil {
		table.write(batches.Batch())
		if err := table.flush(); err != nil {
			return err
		}
	}
	if err := batches.Err(); err != nil {
		return err
	}
	if sum, ok := batches.Summary(); ok {
		printSummary(out, sum)
	}
	return nil
}

func readSource(name string) (string, error) {
	if name == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(name)
	return string(b), err
}

// splitStatements splits a SQL script on semicolons outside quotes and
// comments. Empty statements are dropped.
func splitStatements(src string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	emit := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	rs := []rune(src)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
			cur.WriteRune(r)
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
			cur.WriteRune('\n')
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			i += 2
			for i+1 < len(rs) && !(rs[i] == '*' && rs[i+1] == '/') {
				i++
			}
			i++
			cur.WriteRune(' ')
		case r == ';':
			emit()
		default:
			cur.WriteRune(r)
		}
	}
	emit()
	return out
}

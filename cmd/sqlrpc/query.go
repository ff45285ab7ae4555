// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
	"github.com/spf13/cobra"
)

const arrowChunkRows = 1024

func newQueryCmd(g *globalFlags) *cobra.Command {
	var named []string
	cmd := &cobra.Command{
		Use:   "query SQL [ARG...]",
		Short: "Run one statement and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stmt, err := statementFromArgs(args, named)
			if err != nil {
				return err
			}
			client, cleanup, err := connect(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := client.Query(cmd.Context(), g.database, stmt)
			if err != nil {
				return err
			}
			return printResult(cmd, g, res)
		},
	}
	cmd.Flags().StringArrayVarP(&named, "param", "p", nil, "named parameter as name=value (repeatable)")
	return cmd
}

func newStreamCmd(g *globalFlags) *cobra.Command {
	var named []string
	cmd := &cobra.Command{
		Use:   "stream SQL [ARG...]",
		Short: "Run one statement and print rows as they arrive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stmt, err := statementFromArgs(args, named)
			if err != nil {
				return err
			}
			client, cleanup, err := connect(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			rows, err := client.QueryStream(ctx, g.database, stmt)
			if err != nil {
				return err
			}
			defer rows.Close()

			var sink *arrowSink
			if g.arrowOut != "" {
				if sink, err = newArrowSink(g.arrowOut); err != nil {
					return err
				}
				defer sink.close()
			}
			var table *tableWriter
			if sink == nil && rows.Columns().Len() > 0 {
				table = newTableWriter(cmd.OutOrStdout(), rows.Columns())
			}

			chunk := make([]sqlrpc.Row, 0, arrowChunkRows)
			flush := func() error {
				if len(chunk) == 0 {
					return nil
				}
				var err error
				if sink != nil {
					err = sink.write(rows.Columns(), chunk)
				} else if table != nil {
					table.write(chunk)
					err = table.flush()
				}
				chunk = chunk[:0]
				return err
			}
			for row, err := range rows.All(ctx) {
				if err != nil {
					return err
				}
				chunk = append(chunk, row)
				if len(chunk) == cap(chunk) {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			if err := flush(); err != nil {
				return err
			}
			if table != nil {
				if err := table.flush(); err != nil {
					return err
				}
			}
			if s, ok := rows.Summary(); ok {
				printSummary(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&named, "param", "p", nil, "named parameter as name=value (repeatable)")
	return cmd
}

func printResult(cmd *cobra.Command, g *globalFlags, res *sqlrpc.Result) error {
	if res.IsWrite() {
		printSummary(cmd.OutOrStdout(), res.Summary())
		return nil
	}
	if g.arrowOut != "" {
		sink, err := newArrowSink(g.arrowOut)
		if err != nil {
			return err
		}
		if err := sink.write(res.Columns, res.Rows); err != nil {
			sink.close()
			return err
		}
		return sink.close()
	}
	t := newTableWriter(cmd.OutOrStdout(), res.Columns)
	t.write(res.Rows)
	return t.flush()
}

// statementFromArgs builds a statement from the SQL text, positional
// arguments and name=value pairs.
func statementFromArgs(args, named []string) (sqlrpc.Statement, error) {
	stmt := sqlrpc.Statement{SQL: args[0]}
	for _, a := range args[1:] {
		stmt.Positional = append(stmt.Positional, parseArg(a))
	}
	if len(named) > 0 {
		stmt.Named = make(map[string]any, len(named))
		for _, kv := range named {
			name, value, ok := strings.Cut(kv, "=")
			if !ok || name == "" {
				return stmt, fmt.Errorf("invalid --param %q, want name=value", kv)
			}
			stmt.Named[name] = parseArg(value)
		}
	}
	return stmt, nil
}

// parseArg reads a command-line argument as NULL, a boolean, an integer, a
// float, or text, in that order.
func parseArg(s string) any {
	switch strings.ToLower(s) {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

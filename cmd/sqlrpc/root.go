// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

var version = "dev"

// globalFlags are shared by every subcommand. Each falls back to a SQLRPC_*
// environment variable, which may come from a .env file.
type globalFlags struct {
	addr        string
	database    string
	user        string
	password    string
	token       string
	compression string
	insecure    bool
	trace       bool
	verbose     bool
	dateMode    string
	arrowOut    string
}

var envFallback = map[string]string{
	"addr":        "SQLRPC_ADDR",
	"database":    "SQLRPC_DATABASE",
	"user":        "SQLRPC_USER",
	"password":    "SQLRPC_PASSWORD",
	"token":       "SQLRPC_TOKEN",
	"compression": "SQLRPC_COMPRESSION",
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "sqlrpc",
		Short:         "Run SQL against a remote SQLite database service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			return applyEnv(cmd.Flags())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.addr, "addr", "localhost:50051", "server address")
	pf.StringVarP(&g.database, "database", "d", "", "database name")
	pf.StringVarP(&g.user, "user", "u", "", "basic auth user")
	pf.StringVar(&g.password, "password", "", "basic auth password (prompted when omitted)")
	pf.StringVar(&g.token, "token", "", "bearer token")
	pf.StringVar(&g.compression, "compression", "", `call compression: "zstd" or "gzip"`)
	pf.BoolVar(&g.insecure, "insecure", false, "use a plaintext connection")
	pf.BoolVar(&g.trace, "trace", false, "print OpenTelemetry spans and metrics to stderr")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log every RPC")
	pf.StringVar(&g.dateMode, "dates", "time", `DATE rendering: "time", "iso" or "epoch"`)
	pf.StringVar(&g.arrowOut, "arrow", "", "write results as an Arrow IPC stream to this file")

	root.AddCommand(
		newQueryCmd(g),
		newStreamCmd(g),
		newScriptCmd(g),
		newTxCmd(g),
		newVersionCmd(),
	)
	return root
}

func applyEnv(fs *pflag.FlagSet) error {
	for name, env := range envFallback {
		f := fs.Lookup(name)
		if f == nil || f.Changed {
			continue
		}
		if v, ok := os.LookupEnv(env); ok {
			if err := f.Value.Set(v); err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}

// connect dials the server described by g. The returned cleanup closes the
// client and flushes telemetry.
func connect(ctx context.Context, g *globalFlags) (*sqlrpc.Client, func(), error) {
	if g.database == "" {
		return nil, nil, errors.New("a database name is required (--database or SQLRPC_DATABASE)")
	}
	opts := []sqlrpc.Option{
		sqlrpc.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(g.verbose)}))),
	}
	if g.insecure {
		opts = append(opts, sqlrpc.WithInsecure())
	}
	if g.verbose {
		opts = append(opts, sqlrpc.WithRPCLogging())
	}
	if g.compression != "" {
		opts = append(opts, sqlrpc.WithCompression(g.compression))
	}
	switch strings.ToLower(g.dateMode) {
	case "", "time":
	case "iso":
		opts = append(opts, sqlrpc.WithDateMode(sqlrpc.DateAsISOString))
	case "epoch":
		opts = append(opts, sqlrpc.WithDateMode(sqlrpc.DateAsEpochMillis))
	default:
		return nil, nil, fmt.Errorf("unknown date mode %q", g.dateMode)
	}
	switch {
	case g.token != "":
		opts = append(opts, sqlrpc.WithBearerToken(g.token))
	case g.user != "":
		password := g.password
		if password == "" {
			p, err := promptPassword()
			if err != nil {
				return nil, nil, err
			}
			password = p
		}
		opts = append(opts, sqlrpc.WithBasicAuth(g.user, password))
	}

	shutdown := func() {}
	if g.trace {
		hook, stop, err := setupTelemetry(os.Stderr)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sqlrpc.WithCommandHook(hook))
		shutdown = func() { stop(context.WithoutCancel(ctx)) }
	}

	client, err := sqlrpc.Dial(g.addr, opts...)
	if err != nil {
		shutdown()
		return nil, nil, err
	}
	return client, func() {
		client.Close()
		shutdown()
	}, nil
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dilipvamsi/sqlite-server-go/conformance"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	root := os.Getenv("SQLRPC_ROOT")
	if root == "" {
		dir, err := os.MkdirTemp("", "sqlrpc-conformance-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create data dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		root = dir
	}
	backend, err := conformance.NewBackend(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	opts := []conformance.Option{
		conformance.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))),
	}
	if users := parseUsers(os.Getenv("SQLRPC_USERS")); len(users) > 0 {
		opts = append(opts, conformance.WithBasicUsers(users))
	}
	if secret := os.Getenv("SQLRPC_JWT_SECRET"); secret != "" {
		opts = append(opts, conformance.WithJWTSecret([]byte(secret)))
	}
	server := conformance.NewServer(backend, opts...)
	gs := server.NewGRPCServer()

	var listener net.Listener
	if len(os.Args) > 2 && os.Args[1] == "--unix" {
		path := os.Args[2]
		os.Remove(path)
		defer os.Remove(path)

		listener, err = net.Listen("unix", path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to listen on unix socket: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("UNIX:%s\n", path)
	} else {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to listen: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PORT:%d\n", listener.Addr().(*net.TCPAddr).Port)
	}
	os.Stdout.Sync()

	// Catch SIGTERM/SIGINT so deferred cleanup runs and coverage data is
	// flushed when built with -cover.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		gs.GracefulStop()
	}()

	if err := gs.Serve(listener); err != nil {
		fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
	}
}

// parseUsers reads "user:password" pairs separated by commas.
func parseUsers(s string) map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		user, pass, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if ok && user != "" {
			users[user] = pass
		}
	}
	return users
}

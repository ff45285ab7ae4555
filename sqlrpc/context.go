// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"context"
	"log/slog"
	"sync"
)

// commandScope brackets one command with hook callpoints. end is idempotent
// so a streaming command can be ended by whichever of close, fail, or
// abandonment happens first.
type commandScope struct {
	hook   CommandHook
	log    *slog.Logger
	info   CommandInfo
	ctx    context.Context
	token  HookToken
	active bool
	once   sync.Once
	stats  CallStatistics
}

func startCommand(ctx context.Context, hook CommandHook, log *slog.Logger, info CommandInfo) *commandScope {
	sc := &commandScope{hook: hook, log: log, info: info, ctx: ctx}
	if hook == nil {
		return sc
	}
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				log.Error("command hook start panic", "err", rv, "command", info.Kind)
			}
		}()
		hookCtx, token := hook.OnCommandStart(ctx, info)
		if hookCtx != nil {
			sc.ctx = hookCtx
		}
		sc.token = token
		sc.active = true
	}()
	return sc
}

// Context returns the context produced by the hook, for outgoing calls.
func (sc *commandScope) Context() context.Context {
	return sc.ctx
}

func (sc *commandScope) end(err error) {
	sc.once.Do(func() {
		if !sc.active {
			return
		}
		defer func() {
			if rv := recover(); rv != nil {
				sc.log.Error("command hook end panic", "err", rv, "command", sc.info.Kind)
			}
		}()
		stats := sc.stats
		sc.hook.OnCommandEnd(sc.ctx, sc.token, sc.info, &stats, err)
	})
}

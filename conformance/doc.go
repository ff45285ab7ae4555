// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance is a reference server for the sqlrpc database service,
// backed by SQLite files through database/sql. It exists to exercise the
// client end to end. The test suites, the quickstart and bank_transfer
// programs, and the sqlrpc-conformance binary all run against it.
//
// Each database name maps to one file under the [Backend] root. Names that
// contain path separators are rejected. A Transaction stream pins one
// connection for its lifetime; any SQL failure rolls the transaction back,
// is reported as an error response and ends the stream.
//
// Authentication is optional. [WithBasicUsers] checks "Basic" credentials
// against a user map and [WithJWTSecret] verifies HS256 "Bearer" tokens;
// see [SignToken].
package conformance

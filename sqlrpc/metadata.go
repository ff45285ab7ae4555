// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

// Service and method names of the wire contract.
const (
	ServiceName = "sqlrpc.v1.DatabaseService"

	MethodQuery       = "/" + ServiceName + "/Query"
	MethodQueryStream = "/" + ServiceName + "/QueryStream"
	MethodTransaction = "/" + ServiceName + "/Transaction"
)

// Well-known gRPC metadata keys. Authentication travels out of band as call
// metadata, never inside message bodies.
const (
	MetaAuthorization   = "authorization"
	MetaSessionID       = "x-sqlrpc-session"
	MetaSQLiteErrorCode = "sqlite-error-code"
	MetaSQLiteFailedSQL = "sqlite-failed-sql-bin"
)

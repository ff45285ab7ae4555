// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Claims is the JWT payload accepted by bearer authentication.
type Claims struct {
	jwt.RegisteredClaims
}

type principalKey struct{}

// Principal returns the authenticated user name stored by the auth
// interceptors, or "" when the call was not authenticated.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// SignToken issues an HS256 token for subject, for tests and the CLI.
func SignToken(secret []byte, subject string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	})
	return tok.SignedString(secret)
}

// authFunc builds the auth.AuthFunc for the configured credentials. Basic
// credentials are checked against users and bearer tokens are verified with
// secret; either may be empty to disable that scheme.
func authFunc(users map[string]string, secret []byte) auth.AuthFunc {
	return func(ctx context.Context) (context.Context, error) {
		if len(users) > 0 {
			if token, err := auth.AuthFromMD(ctx, "basic"); err == nil {
				user, ok := checkBasic(users, token)
				if !ok {
					return nil, status.Error(codes.Unauthenticated, "invalid username or password")
				}
				return context.WithValue(ctx, principalKey{}, user), nil
			}
		}
		if len(secret) > 0 {
			if token, err := auth.AuthFromMD(ctx, "bearer"); err == nil {
				var claims Claims
				_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
					return secret, nil
				}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
				if err != nil {
					return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
				}
				return context.WithValue(ctx, principalKey{}, claims.Subject), nil
			}
		}
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
}

func checkBasic(users map[string]string, token string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", false
	}
	want, found := users[user]
	if !found || subtle.ConstantTimeCompare([]byte(want), []byte(pass)) != 1 {
		return "", false
	}
	return user, true
}

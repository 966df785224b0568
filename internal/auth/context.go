// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated request identity through the
// request context: the user behind the token and the sync origin (the
// device the token was issued to).
package auth

import "context"

type ctxKey int

const (
	userKey ctxKey = iota
	originKey
)

// WithIdentity stores the authenticated user and sync origin.
func WithIdentity(ctx context.Context, userID, originID string) context.Context {
	ctx = context.WithValue(ctx, userKey, userID)
	return context.WithValue(ctx, originKey, originID)
}

// UserID returns the authenticated user id, if the request carried one.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey).(string)
	return id, ok
}

// OriginID returns the sync origin (device) id, if the request carried
// one.
func OriginID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(originKey).(string)
	return id, ok
}

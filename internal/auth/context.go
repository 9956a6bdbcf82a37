// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"strings"
)

type tenantIDContextKey struct{}
type idempotencyKeyContextKey struct{}

var ctxTenantIDKey tenantIDContextKey
var ctxIdempotencyKey idempotencyKeyContextKey

// WithTenantID stores the resolved tenant id on the request context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxTenantIDKey, tenantID)
}

// TenantIDFromContext reads the tenant id from context.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxTenantIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxIdempotencyKey, key)
}

func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxIdempotencyKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

package calsync

import "context"

type idempotencyKey struct{}

// WithIdempotencyKey tags the adapter calls made under ctx with key. The
// scheduler uses the action id, so every retry of a create carries the same
// key and a provider that honours it will not create a second copy.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey, if any.
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

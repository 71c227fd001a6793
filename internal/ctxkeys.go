package internal

import (
	"context"
	"fmt"
)

// Key is a typed context key. Two keys only collide if both the name and the value type match, so packages can
// declare keys without coordinating on an unexported key type.
type Key[T any] struct {
	name string
}

// NewKey creates a new typed context key
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

func (k Key[T]) String() string {
	return fmt.Sprintf("Key[%T](%s)", *new(T), k.name)
}

// WithValue returns a copy of ctx carrying value under key
func WithValue[T any](ctx context.Context, key Key[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

// Value returns the value stored under key, and whether it was present
func Value[T any](ctx context.Context, key Key[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}

// ValueOr returns the value stored under key, or fallback when it is missing
func ValueOr[T any](ctx context.Context, key Key[T], fallback T) T {
	if value, ok := Value(ctx, key); ok {
		return value
	}
	return fallback
}

package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage is a hash-per-key store with TTL semantics. The anomaly counters
// (known-IP set, velocity window, concurrent-IP set) and rate limiters are
// built on it; any conforming backend satisfies the contract.
type Storage interface {
	Get(ctx context.Context, key string, val any) error
	Set(ctx context.Context, key string, val any, expiresIn time.Duration) error
	Save(ctx context.Context, key string, val any) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, expiresAt time.Time) error
	SetAttr(ctx context.Context, key string, field string, val any) error
	SetAttrEx(ctx context.Context, key string, field string, val any, expiresIn time.Duration) error
	GetAttr(ctx context.Context, key, field string, val any) error
	DelAttr(ctx context.Context, key string, field string) error
	IncrAttr(ctx context.Context, key, field string, delta int64) (int64, error)
	AttrCount(ctx context.Context, key string) (int64, error)
	ExpireAttr(ctx context.Context, key string, expires time.Time, fields ...string) error
}

type Store[T any] interface {
	Storage() Storage
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, val T, expiresIn time.Duration) error
	Save(ctx context.Context, key string, val T) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, expiresAt time.Time) error
	SetAttr(ctx context.Context, key string, field string, val any) error
	SetAttrEx(ctx context.Context, key string, field string, val any, expiresIn time.Duration) error
	GetAttr(ctx context.Context, key, field string, val any) error
	DelAttr(ctx context.Context, key string, field string) error
	IncrAttr(ctx context.Context, key string, field string, delta int64) (int64, error)
	AttrCount(ctx context.Context, key string) (int64, error)
	ExpireAttr(ctx context.Context, key string, expiresAt time.Time, fields ...string) error
}

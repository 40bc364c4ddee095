// Package bus provides the keyspace data bus client. The bus is the single
// source of truth shared by all telecore components: point maps, model
// views, rules, alarms and command queues all live in it as plain keys.
package bus

import (
	"context"
	"time"
)

// OpKind identifies a mutation inside a Batch.
type OpKind int

// Supported batch mutation kinds
const (
	OpSet OpKind = iota
	OpHSet
	OpHDel
	OpDelete
	OpSAdd
	OpSRem
	OpRPush
	OpExpire
)

// Op is a single mutation applied as part of an atomic Batch.
type Op struct {
	Kind   OpKind
	Key    string
	Value  string            // OpSet, OpRPush
	Fields map[string]string // OpHSet
	Names  []string          // OpHDel fields, OpSAdd/OpSRem members
	TTL    time.Duration     // OpSet (0 = no expiry), OpExpire
}

// Keyspace is the data bus contract. Implementations must guarantee
// per-key atomicity for single operations and all-or-nothing application
// of a Batch. Missing keys and fields are reported via errors.ErrKeyNotFound.
type Keyspace interface {
	// Scalar keys
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Map-like keys
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error

	// List-like keys (command queues)
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, error)
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// Set-like keys (indexes)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Key discovery
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Batch applies all ops atomically.
	Batch(ctx context.Context, ops []Op) error

	Ping(ctx context.Context) error
	Close() error
}

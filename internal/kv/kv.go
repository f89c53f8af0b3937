// Package kv abstracts the shared key-value and pub/sub layer. The Redis
// implementation backs production; the in-memory one backs tests and
// single-node development.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Messages are delivered on C
// until Close is called or the context passed to Subscribe ends; the channel
// is closed afterwards.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Store is the key-value surface used by the event bus and run controller:
// plain keys with TTLs, append-only lists, sets, and pub/sub fan-out.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key with an optional TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key only if absent; reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// RPush appends values to the list at key and returns the new length.
	RPush(ctx context.Context, key string, values ...string) (int64, error)

	// LRange returns list elements in [start, stop], inclusive, with
	// negative indexes counting from the tail.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LLen returns the list length (0 for a missing key).
	LLen(ctx context.Context, key string) (int64, error)

	// LTrim keeps only [start, stop] of the list.
	LTrim(ctx context.Context, key string, start, stop int64) error

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Publish sends payload to all current subscribers of channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe opens a subscription on the given channels. The
	// subscription ends when ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Close releases the store's resources.
	Close() error
}

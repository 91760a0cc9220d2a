// Package idempotency records "already processed" markers in Redis so that
// broker redeliveries collapse into no-ops.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a marker suppresses redeliveries.
const DefaultTTL = 24 * time.Hour

const (
	keyPrefix = "goxec:idempotency:"
	sentinel  = "1"
)

// Guard is a marker store over Redis. Only the presence of a key matters.
type Guard struct {
	client *redis.Client
}

// NewGuard wraps an existing client. The caller owns the client lifecycle.
func NewGuard(client *redis.Client) *Guard {
	return &Guard{client: client}
}

func markerKey(key string) string { return keyPrefix + key }

// Exists reports whether a marker is set for key.
func (g *Guard) Exists(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, markerKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: exists %q: %w", key, err)
	}
	return n > 0, nil
}

// Mark sets the marker unconditionally; the last writer wins.
func (g *Guard) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := g.client.Set(ctx, markerKey(key), sentinel, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: mark %q: %w", key, err)
	}
	return nil
}

// Claim sets the marker only if it is absent (SET NX). It reports whether this
// caller set it, which makes check-and-mark atomic across competing consumers.
func (g *Guard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	err := g.client.SetArgs(ctx, markerKey(key), sentinel, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency: claim %q: %w", key, err)
	}
	return true, nil
}

// Release deletes the marker.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, markerKey(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release %q: %w", key, err)
	}
	return nil
}

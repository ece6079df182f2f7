// Package store abstracts the shared key-value and publish/subscribe
// backing service the cluster uses to coordinate session ownership,
// retained-message coherence, and broker-to-broker traffic. A Redis-backed
// implementation is the cluster-mode default; a local, single-process
// implementation is the fallback when cluster mode is disabled or the
// shared store is unreachable at startup.
package store

import (
	"context"
	"time"
)

// KeyPrefix is prepended to every key this package touches.
const KeyPrefix = "dynamq:"

// Message is one publish/subscribe delivery on a named channel.
type Message struct {
	Channel string
	Payload []byte
}

// Store is the shared coordination surface: a key-value store with
// optional TTLs, plus named publish/subscribe channels.
type Store interface {
	// Set upserts key with an optional TTL (ttl<=0 means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets key only if absent, returning whether it was set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete removes key; no error if absent.
	Delete(ctx context.Context, key string) error
	// Keys lists keys matching a prefix (used by getMatching enumeration).
	Keys(ctx context.Context, prefix string) ([]string, error)

	// SAdd adds a member to a set.
	SAdd(ctx context.Context, key, member string) error
	// SRem removes a member from a set.
	SRem(ctx context.Context, key, member string) error
	// SMembers lists all members of a set.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Publish emits payload on channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of messages for the given channels.
	// The returned func unsubscribes and releases resources.
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, func() error, error)

	// Close releases the underlying connection.
	Close() error
}

// Cluster channel and key names, per the shared key layout.
const (
	ChannelPublish      = KeyPrefix + "cluster:publish"
	ChannelKick         = KeyPrefix + "cluster:kick"
	ChannelRetainSync   = KeyPrefix + "retain:sync"
	ChannelSubSync      = KeyPrefix + "subscriptions:channel"
	ChannelRoutesSync   = KeyPrefix + "routes:sync"
	KeyActiveNodes      = KeyPrefix + "nodes:active"
	KeyClusterStartTime = KeyPrefix + "cluster:start-time"
	KeyACLRules         = KeyPrefix + "acl:rules"
	KeyRoutes           = KeyPrefix + "routes"
)

func SessionKey(clientID string) string       { return KeyPrefix + "session:" + clientID }
func ConnectionKey(clientID string) string     { return KeyPrefix + "connection:" + clientID }
func SubscriptionsKey(clientID string) string  { return KeyPrefix + "subscriptions:" + clientID }
func RetainKey(topic string) string            { return KeyPrefix + "retain:" + topic }
func NodeHeartbeatKey(nodeID string) string    { return KeyPrefix + "node:" + nodeID }
func NodeMetricsKey(nodeID string) string      { return KeyPrefix + "node:metrics:" + nodeID }
func NodeChannel(nodeID string) string         { return KeyPrefix + "node:" + nodeID }
func MetricKey(name string) string             { return KeyPrefix + "metrics:" + name }

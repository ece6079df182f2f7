// Package retained implements the Retained Message Store: the last
// publication to a topic with retain=true, delivered once to every new
// matching subscriber. Two implementations share one contract — a local,
// in-memory map, and a shared implementation backed by internal/store with
// a per-process read-through cache kept coherent across nodes by a
// broadcast-invalidation channel.
package retained

import (
	"context"

	"github.com/dynamq/dynamq/internal/packet"
	"github.com/dynamq/dynamq/internal/topic"
)

// Message is one retained publication.
type Message struct {
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
}

// Store is the Retained Message Store contract.
type Store interface {
	// Store upserts topic's retained message; an empty payload deletes it.
	Store(ctx context.Context, topicName string, payload []byte, qos packet.QoSLevel) error
	// Get returns at most one retained message for topicName.
	Get(ctx context.Context, topicName string) (*Message, bool, error)
	// Remove deletes the retained message for topicName.
	Remove(ctx context.Context, topicName string) error
	// GetMatching returns every retained message whose topic matches filter.
	GetMatching(ctx context.Context, filter string) ([]*Message, error)
}

func matchesFilter(filter, topicName string) bool {
	return topic.Matches(filter, topicName)
}

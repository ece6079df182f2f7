package broker

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/dynamq/dynamq/internal/packet"
)

// trieNode is one level of the Subscription Index trie. children and
// subscribers are xsync.Map so that concurrent add/remove/match never
// take a global lock — each node's mutation is independently lock-free,
// satisfying the "appears to happen instantaneously" requirement without
// a coarse mutex across the whole tree.
type trieNode struct {
	children    *xsync.Map[string, *trieNode]
	subscribers *xsync.Map[string, packet.QoSLevel] // clientID -> grantedQoS
}

func newTrieNode() *trieNode {
	return &trieNode{
		children:    xsync.NewMap[string, *trieNode](),
		subscribers: xsync.NewMap[string, packet.QoSLevel](),
	}
}

// SubscriptionIndex maintains the set of active subscriptions and answers,
// for any concrete topic, which clients are subscribed and at what
// granted QoS.
type SubscriptionIndex struct {
	root *trieNode

	// byClient tracks filter ownership for removeAll/subscriptionsOf
	// without walking the whole trie.
	byClient *xsync.Map[string, *xsync.Map[string, struct{}]]
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		root:     newTrieNode(),
		byClient: xsync.NewMap[string, *xsync.Map[string, struct{}]](),
	}
}

// Add registers (clientID, filter, qos), idempotently replacing any prior
// grant for the exact same filter.
func (idx *SubscriptionIndex) Add(clientID, filter string, qos packet.QoSLevel) {
	node := idx.root
	for _, level := range strings.Split(filter, "/") {
		child, _ := node.children.LoadOrStore(level, newTrieNode())
		node = child
	}
	node.subscribers.Store(clientID, qos)

	filters, _ := idx.byClient.LoadOrStore(clientID, xsync.NewMap[string, struct{}]())
	filters.Store(filter, struct{}{})
}

// Remove unregisters (clientID, filter); a no-op if absent.
func (idx *SubscriptionIndex) Remove(clientID, filter string) {
	node := idx.root
	for _, level := range strings.Split(filter, "/") {
		child, ok := node.children.Load(level)
		if !ok {
			return
		}
		node = child
	}
	node.subscribers.Delete(clientID)

	if filters, ok := idx.byClient.Load(clientID); ok {
		filters.Delete(filter)
	}
}

// RemoveAll unregisters every subscription owned by clientID.
func (idx *SubscriptionIndex) RemoveAll(clientID string) {
	filters, ok := idx.byClient.Load(clientID)
	if !ok {
		return
	}
	filters.Range(func(filter string, _ struct{}) bool {
		idx.Remove(clientID, filter)
		return true
	})
	idx.byClient.Delete(clientID)
}

// SubscriptionsOf enumerates clientID's current filters.
func (idx *SubscriptionIndex) SubscriptionsOf(clientID string) []string {
	filters, ok := idx.byClient.Load(clientID)
	if !ok {
		return nil
	}
	var out []string
	filters.Range(func(filter string, _ struct{}) bool {
		out = append(out, filter)
		return true
	})
	return out
}

// Match traverses every trie path consistent with topicName and returns
// clientID -> grantedQoS. When a client matches under multiple filters,
// the highest QoS wins.
func (idx *SubscriptionIndex) Match(topicName string) map[string]packet.QoSLevel {
	levels := strings.Split(topicName, "/")
	result := make(map[string]packet.QoSLevel)

	isSystemTopic := strings.HasPrefix(levels[0], "$")

	grant := func(node *trieNode) {
		node.subscribers.Range(func(clientID string, qos packet.QoSLevel) bool {
			if existing, ok := result[clientID]; !ok || qos > existing {
				result[clientID] = qos
			}
			return true
		})
	}

	var walk func(node *trieNode, depth int)
	walk = func(node *trieNode, depth int) {
		// '#' matches zero or more remaining levels from here, never at
		// depth 0 of a $-prefixed topic (system-topic convention).
		if !(depth == 0 && isSystemTopic) {
			if child, ok := node.children.Load("#"); ok {
				grant(child)
			}
		}

		if depth == len(levels) {
			grant(node)
			return
		}

		level := levels[depth]

		if child, ok := node.children.Load(level); ok {
			walk(child, depth+1)
		}

		// '+' never matches the leading level of a $-prefixed topic.
		if !(depth == 0 && isSystemTopic) {
			if child, ok := node.children.Load("+"); ok {
				walk(child, depth+1)
			}
		}
	}

	walk(idx.root, 0)
	return result
}

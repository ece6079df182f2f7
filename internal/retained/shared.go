package retained

import (
	"context"
	"encoding/json"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dynamq/dynamq/internal/logger"
	"github.com/dynamq/dynamq/internal/packet"
	"github.com/dynamq/dynamq/internal/store"
)

// invalidation is the wire shape broadcast on store.ChannelRetainSync.
type invalidation struct {
	Action     string `json:"action"` // "store" or "remove"
	Topic      string `json:"topic"`
	SourceNode string `json:"sourceNode"`
}

// record is the wire shape persisted under store.RetainKey(topic).
type record struct {
	Payload []byte          `json:"payload"`
	QoS     packet.QoSLevel `json:"qos"`
}

// SharedStore persists retained messages in the shared store under the
// dynamq:retain: prefix and keeps a read-through LRU cache coherent across
// nodes via a broadcast invalidation channel. The node that made a change
// never invalidates its own cache entry — it already updated it locally.
type SharedStore struct {
	backend store.Store
	nodeID  string
	cache   *lru.Cache[string, *Message]
	logger  *logger.Logger

	unsubscribe func() error
}

// NewShared builds a SharedStore and starts its invalidation listener.
// cacheSize bounds the local read-through cache.
func NewShared(ctx context.Context, backend store.Store, nodeID string, cacheSize int, logger *logger.Logger) (*SharedStore, error) {
	cache, err := lru.New[string, *Message](cacheSize)
	if err != nil {
		return nil, err
	}

	s := &SharedStore{backend: backend, nodeID: nodeID, cache: cache, logger: logger}

	msgs, unsubscribe, err := backend.Subscribe(ctx, store.ChannelRetainSync)
	if err != nil {
		return nil, err
	}
	s.unsubscribe = unsubscribe

	go s.listen(msgs)
	return s, nil
}

func (s *SharedStore) listen(msgs <-chan store.Message) {
	for msg := range msgs {
		var inv invalidation
		if err := json.Unmarshal(msg.Payload, &inv); err != nil {
			s.logger.Warn("retained: malformed invalidation message", slog.String("error", err.Error()))
			continue
		}
		if inv.SourceNode == s.nodeID {
			continue
		}
		s.cache.Remove(inv.Topic)
	}
}

func (s *SharedStore) Close() error {
	if s.unsubscribe != nil {
		return s.unsubscribe()
	}
	return nil
}

func (s *SharedStore) Store(ctx context.Context, topicName string, payload []byte, qos packet.QoSLevel) error {
	key := store.RetainKey(topicName)

	if len(payload) == 0 {
		if err := s.backend.Delete(ctx, key); err != nil {
			return err
		}
		s.cache.Remove(topicName)
		return s.announce(ctx, "remove", topicName)
	}

	rec := record{Payload: payload, QoS: qos}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, key, encoded, 0); err != nil {
		return err
	}

	s.cache.Add(topicName, &Message{Topic: topicName, Payload: payload, QoS: qos})
	return s.announce(ctx, "store", topicName)
}

func (s *SharedStore) Get(ctx context.Context, topicName string) (*Message, bool, error) {
	if m, ok := s.cache.Get(topicName); ok {
		return m, true, nil
	}

	raw, ok, err := s.backend.Get(ctx, store.RetainKey(topicName))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}

	m := &Message{Topic: topicName, Payload: rec.Payload, QoS: rec.QoS}
	s.cache.Add(topicName, m)
	return m, true, nil
}

func (s *SharedStore) Remove(ctx context.Context, topicName string) error {
	return s.Store(ctx, topicName, nil, 0)
}

// GetMatching enumerates keys under the retain prefix and filters in
// memory — the accepted design cost of wildcard-filter subscription
// replay against a shared store with no native topic-aware index.
func (s *SharedStore) GetMatching(ctx context.Context, filter string) ([]*Message, error) {
	keys, err := s.backend.Keys(ctx, store.KeyPrefix+"retain:")
	if err != nil {
		return nil, err
	}

	var out []*Message
	for _, key := range keys {
		topicName := key[len(store.KeyPrefix+"retain:"):]
		if !matchesFilter(filter, topicName) {
			continue
		}
		if m, ok, err := s.Get(ctx, topicName); err == nil && ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *SharedStore) announce(ctx context.Context, action, topicName string) error {
	payload, err := json.Marshal(invalidation{Action: action, Topic: topicName, SourceNode: s.nodeID})
	if err != nil {
		return err
	}
	return s.backend.Publish(ctx, store.ChannelRetainSync, payload)
}

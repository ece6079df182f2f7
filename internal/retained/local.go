package retained

import (
	"context"
	"sync"

	"github.com/dynamq/dynamq/internal/packet"
)

// LocalStore keeps retained messages in a plain map guarded by a mutex —
// the single-node / cluster-disabled fallback.
type LocalStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

func NewLocal() *LocalStore {
	return &LocalStore{messages: make(map[string]*Message)}
}

func (s *LocalStore) Store(_ context.Context, topicName string, payload []byte, qos packet.QoSLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(payload) == 0 {
		delete(s.messages, topicName)
		return nil
	}

	s.messages[topicName] = &Message{Topic: topicName, Payload: payload, QoS: qos}
	return nil
}

func (s *LocalStore) Get(_ context.Context, topicName string) (*Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[topicName]
	return m, ok, nil
}

func (s *LocalStore) Remove(_ context.Context, topicName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, topicName)
	return nil
}

func (s *LocalStore) GetMatching(_ context.Context, filter string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for t, m := range s.messages {
		if matchesFilter(filter, t) {
			out = append(out, m)
		}
	}
	return out, nil
}

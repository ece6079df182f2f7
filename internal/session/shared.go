package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dynamq/dynamq/internal/logger"
	"github.com/dynamq/dynamq/internal/packet"
	"github.com/dynamq/dynamq/internal/store"
)

// defaultConnectionTTL backs sessions with no keep-alive hint yet (the
// CONNECT KeepAlive field defaulting to 0, meaning "no timeout").
// Sessions with a real keep-alive get ≈ 2x it instead — see connectionTTL.
const defaultConnectionTTL = 2 * time.Minute

// sessionRecord is the wire shape persisted under store.SessionKey.
type sessionRecord struct {
	ClientID      string                     `json:"clientId"`
	CleanSession  bool                       `json:"cleanSession"`
	KeepAlive     uint16                     `json:"keepAlive"`
	ConnectedAt   int64                      `json:"connectedAtMillis"`
	LastActivity  int64                      `json:"lastActivityMillis"`
	Username      string                     `json:"username,omitempty"`
	Will          *Will                      `json:"will,omitempty"`
	ProtocolLevel byte                       `json:"protocolLevel"`
	RemoteAddr    string                     `json:"remoteAddr,omitempty"`
	Subscriptions map[string]packet.QoSLevel `json:"subscriptions"`
}

// SharedStore coordinates session ownership across nodes via
// internal/store: a session record (TTL-bounded for persistent sessions)
// and a short-TTL connection record mapping clientId→nodeId, refreshed by
// the owning node. A local read-through cache accelerates GetSession.
type SharedStore struct {
	backend        store.Store
	nodeID         string
	sessionExpiry  time.Duration
	cache          *lru.Cache[string, *ClientSession]
	logger         *logger.Logger
	liveSessions   map[string]*ClientSession // clientId -> in-memory session object for this node's live connections
}

func NewShared(backend store.Store, nodeID string, sessionExpiry time.Duration, cacheSize int, logger *logger.Logger) (*SharedStore, error) {
	cache, err := lru.New[string, *ClientSession](cacheSize)
	if err != nil {
		return nil, err
	}
	return &SharedStore{
		backend:       backend,
		nodeID:        nodeID,
		sessionExpiry: sessionExpiry,
		cache:         cache,
		logger:        logger,
		liveSessions:  make(map[string]*ClientSession),
	}, nil
}

func (s *SharedStore) CreateSession(ctx context.Context, clientID string, cleanSession bool) (*ClientSession, bool, error) {
	if cleanSession {
		_ = s.backend.Delete(ctx, store.SessionKey(clientID))
		_ = s.backend.Delete(ctx, store.SubscriptionsKey(clientID))
		s.cache.Remove(clientID)

		fresh := New(clientID, true, 0)
		fresh.NodeID = s.nodeID
		s.liveSessions[clientID] = fresh
		return fresh, false, s.persist(ctx, fresh)
	}

	existing, found, err := s.GetSession(ctx, clientID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		fresh := New(clientID, false, 0)
		fresh.NodeID = s.nodeID
		s.liveSessions[clientID] = fresh
		return fresh, false, s.persist(ctx, fresh)
	}

	existing.NodeID = s.nodeID
	s.liveSessions[clientID] = existing
	return existing, true, s.persist(ctx, existing)
}

func (s *SharedStore) GetSession(ctx context.Context, clientID string) (*ClientSession, bool, error) {
	if live, ok := s.liveSessions[clientID]; ok {
		return live, true, nil
	}
	if cached, ok := s.cache.Get(clientID); ok {
		return cached, true, nil
	}

	raw, ok, err := s.backend.Get(ctx, store.SessionKey(clientID))
	if err != nil || !ok {
		return nil, false, err
	}

	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}

	sess := New(rec.ClientID, rec.CleanSession, rec.KeepAlive)
	sess.ConnectedAt = time.UnixMilli(rec.ConnectedAt)
	sess.LastActivity = time.UnixMilli(rec.LastActivity)
	sess.Username = rec.Username
	sess.Will = rec.Will
	sess.ProtocolLevel = rec.ProtocolLevel
	sess.RemoteAddr = rec.RemoteAddr
	for filter, qos := range rec.Subscriptions {
		sess.AddSubscription(filter, qos)
	}

	s.cache.Add(clientID, sess)
	return sess, true, nil
}

func (s *SharedStore) UpdateSession(ctx context.Context, sess *ClientSession) error {
	s.cache.Add(sess.ClientID, sess)
	s.liveSessions[sess.ClientID] = sess
	return s.persist(ctx, sess)
}

func (s *SharedStore) RemoveSession(ctx context.Context, clientID string, permanent bool) error {
	delete(s.liveSessions, clientID)
	s.cache.Remove(clientID)

	if err := s.backend.Delete(ctx, store.ConnectionKey(clientID)); err != nil {
		return err
	}
	if !permanent {
		return nil
	}
	if err := s.backend.Delete(ctx, store.SessionKey(clientID)); err != nil {
		return err
	}
	return s.backend.Delete(ctx, store.SubscriptionsKey(clientID))
}

func (s *SharedStore) IsClientConnected(ctx context.Context, clientID string) (bool, error) {
	_, ok, err := s.backend.Get(ctx, store.ConnectionKey(clientID))
	return ok, err
}

func (s *SharedStore) GetClientNode(ctx context.Context, clientID string) (string, bool, error) {
	raw, ok, err := s.backend.Get(ctx, store.ConnectionKey(clientID))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

// ForceDisconnect evicts the connection wherever it lives: locally if this
// node owns the live connection, otherwise by publishing an eviction
// command that the owning peer's cluster router acts on.
func (s *SharedStore) ForceDisconnect(ctx context.Context, clientID string) error {
	if live, ok := s.liveSessions[clientID]; ok && live.Conn != nil {
		return live.Conn.Close()
	}

	targetNode, ok, err := s.GetClientNode(ctx, clientID)
	if err != nil || !ok {
		return err
	}

	payload, err := json.Marshal(map[string]string{
		"action":     "kick",
		"clientId":   clientID,
		"targetNode": targetNode,
		"sourceNode": s.nodeID,
	})
	if err != nil {
		return err
	}
	return s.backend.Publish(ctx, store.ChannelKick, payload)
}

func (s *SharedStore) ListLocal(_ context.Context) []*ClientSession {
	out := make([]*ClientSession, 0, len(s.liveSessions))
	for _, sess := range s.liveSessions {
		out = append(out, sess)
	}
	return out
}

func (s *SharedStore) GetSessionCount(ctx context.Context) (int, error) {
	keys, err := s.backend.Keys(ctx, store.KeyPrefix+"session:")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// RefreshConnection renews this node's ownership TTL for sess — called on
// persist (CreateSession/UpdateSession) and on any traffic that proves the
// client is still alive (PINGREQ), so a silent death eventually lets the
// record expire even on a session that never re-subscribes or re-publishes.
func (s *SharedStore) RefreshConnection(ctx context.Context, sess *ClientSession) error {
	return s.backend.Set(ctx, store.ConnectionKey(sess.ClientID), []byte(s.nodeID), connectionTTL(sess.KeepAlive))
}

// connectionTTL sizes the ownership-record TTL at roughly 2x the client's
// keep-alive interval, per the documented TTL-refresh contract; a session
// with no keep-alive hint yet (not established, or KeepAlive==0 meaning
// "no timeout") falls back to defaultConnectionTTL.
func connectionTTL(keepAlive uint16) time.Duration {
	if keepAlive == 0 {
		return defaultConnectionTTL
	}
	return 2 * time.Duration(keepAlive) * time.Second
}

func (s *SharedStore) persist(ctx context.Context, sess *ClientSession) error {
	rec := sessionRecord{
		ClientID:      sess.ClientID,
		CleanSession:  sess.CleanSession,
		KeepAlive:     sess.KeepAlive,
		ConnectedAt:   sess.ConnectedAt.UnixMilli(),
		LastActivity:  sess.LastActivity.UnixMilli(),
		Username:      sess.Username,
		Will:          sess.Will,
		ProtocolLevel: sess.ProtocolLevel,
		RemoteAddr:    sess.RemoteAddr,
		Subscriptions: sess.Subscriptions(),
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !sess.CleanSession {
		ttl = s.sessionExpiry
	}
	if err := s.backend.Set(ctx, store.SessionKey(sess.ClientID), encoded, ttl); err != nil {
		return err
	}

	return s.RefreshConnection(ctx, sess)
}

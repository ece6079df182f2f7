// Package session implements the ClientSession data model and the Session
// Store contract (local in-memory and shared cluster-coordinated
// variants), including single-owner enforcement across nodes.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/dynamq/dynamq/internal/packet"
)

// PendingMessage is an in-flight QoS 1 or QoS 2 outbound delivery awaiting
// its terminal acknowledgement.
type PendingMessage struct {
	MessageID uint16
	Topic     string
	Payload   []byte
	QoS       packet.QoSLevel
	Retain    bool
	SentAt    time.Time
	RetryCount int
}

// Will is the message a session asks the broker to publish on abnormal
// disconnect.
type Will struct {
	Topic   string
	Payload string
	QoS     packet.QoSLevel
	Retain  bool
}

// ClientSession is the broker's per-client state: identity, subscriptions,
// pending QoS tables, and will message. At most one session may exist per
// clientID globally — enforced by single-owner eviction in the Session
// Store, not by this type.
type ClientSession struct {
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	ConnectedAt  time.Time
	LastActivity time.Time
	NodeID       string
	Username     string
	Will         *Will

	ProtocolLevel byte
	RemoteAddr    string

	mu            sync.Mutex
	lastMessageID uint16
	subscriptions map[string]packet.QoSLevel
	pendingQoS1   map[uint16]*PendingMessage
	pendingQoS2   map[uint16]*PendingMessage
	inboundQoS2   map[uint16]struct{} // dedup set: messageIds received but not yet PUBCOMP'd

	// Conn is the live transport; nil once the handler disconnects. It is
	// a callback reference only — nothing but the owning handler treats it
	// as owned, so the session record survives Conn going nil.
	Conn net.Conn
}

// New creates a fresh session for clientID.
func New(clientID string, cleanSession bool, keepAlive uint16) *ClientSession {
	now := time.Now()
	return &ClientSession{
		ClientID:      clientID,
		CleanSession:  cleanSession,
		KeepAlive:     keepAlive,
		ConnectedAt:   now,
		LastActivity:  now,
		subscriptions: make(map[string]packet.QoSLevel),
		pendingQoS1:   make(map[uint16]*PendingMessage),
		pendingQoS2:   make(map[uint16]*PendingMessage),
		inboundQoS2:   make(map[uint16]struct{}),
	}
}

// NextMessageID returns the next value in the 1..65535 wrapping sequence;
// it never returns 0.
func (s *ClientSession) NextMessageID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastMessageID++
	if s.lastMessageID == 0 {
		s.lastMessageID = 1
	}
	return s.lastMessageID
}

func (s *ClientSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// AddSubscription records filter→qos, replacing any prior grant.
func (s *ClientSession) AddSubscription(filter string, qos packet.QoSLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = qos
}

func (s *ClientSession) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// Subscriptions returns a snapshot copy of the filter→qos map.
func (s *ClientSession) Subscriptions() map[string]packet.QoSLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]packet.QoSLevel, len(s.subscriptions))
	for k, v := range s.subscriptions {
		out[k] = v
	}
	return out
}

func (s *ClientSession) AddPendingQoS1(msg *PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingQoS1[msg.MessageID] = msg
}

func (s *ClientSession) ResolvePubAck(messageID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingQoS1[messageID]; ok {
		delete(s.pendingQoS1, messageID)
		return true
	}
	return false
}

func (s *ClientSession) AddPendingQoS2(msg *PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingQoS2[msg.MessageID] = msg
}

func (s *ClientSession) ResolvePubRec(messageID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingQoS2[messageID]; ok {
		return true
	}
	return false
}

func (s *ClientSession) ResolvePubComp(messageID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pendingQoS2[messageID]; ok {
		delete(s.pendingQoS2, messageID)
		return true
	}
	return false
}

// PendingForRetry returns a snapshot of every QoS1/QoS2 pending message
// whose SentAt predates the cutoff, for the retry sweep to act on.
func (s *ClientSession) PendingForRetry(cutoff time.Time) []*PendingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PendingMessage
	for _, m := range s.pendingQoS1 {
		if m.SentAt.Before(cutoff) {
			out = append(out, m)
		}
	}
	for _, m := range s.pendingQoS2 {
		if m.SentAt.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// MarkRetried bumps retryCount and refreshes SentAt on a pending entry, or
// discards it from its table when maxRetries is exceeded.
func (s *ClientSession) MarkRetried(messageID uint16, qos packet.QoSLevel, maxRetries int) (retry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.pendingQoS1
	if qos == packet.QoSExactlyOnce {
		table = s.pendingQoS2
	}

	m, ok := table[messageID]
	if !ok {
		return false
	}
	if m.RetryCount >= maxRetries {
		delete(table, messageID)
		return false
	}
	m.RetryCount++
	m.SentAt = time.Now()
	return true
}

// MarkInboundQoS2 records that messageID was received inbound at QoS 2,
// returning true if this is the first time (caller should fan out),
// false if it's a duplicate arriving before the PUBREL/PUBCOMP handshake
// completed (caller must re-ack but not fan out again).
func (s *ClientSession) MarkInboundQoS2(messageID uint16) (first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inboundQoS2[messageID]; seen {
		return false
	}
	s.inboundQoS2[messageID] = struct{}{}
	return true
}

// ClearInboundQoS2 releases dedup state once PUBREL/PUBCOMP completes.
func (s *ClientSession) ClearInboundQoS2(messageID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inboundQoS2, messageID)
}

// Clear resets subscriptions, pending tables and the inbound QoS 2 dedup
// set. The stores do not call it: clean-session teardown removes the
// record and a fresh session is built as a new ClientSession.
func (s *ClientSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = make(map[string]packet.QoSLevel)
	s.pendingQoS1 = make(map[uint16]*PendingMessage)
	s.pendingQoS2 = make(map[uint16]*PendingMessage)
	s.inboundQoS2 = make(map[uint16]struct{})
}

// Store is the Session Store contract shared by the local and shared
// implementations.
type Store interface {
	CreateSession(ctx context.Context, clientID string, cleanSession bool) (*ClientSession, bool, error)
	GetSession(ctx context.Context, clientID string) (*ClientSession, bool, error)
	UpdateSession(ctx context.Context, s *ClientSession) error
	RemoveSession(ctx context.Context, clientID string, permanent bool) error
	IsClientConnected(ctx context.Context, clientID string) (bool, error)
	GetClientNode(ctx context.Context, clientID string) (string, bool, error)
	ForceDisconnect(ctx context.Context, clientID string) error
	GetSessionCount(ctx context.Context) (int, error)

	// RefreshConnection renews this node's ownership TTL for sess, sized
	// off sess.KeepAlive. Called on any traffic that proves the client is
	// still alive (PINGREQ, in addition to the CreateSession/UpdateSession
	// persist path) so a long-idle-but-connected session doesn't have its
	// ownership record expire out from under it.
	RefreshConnection(ctx context.Context, sess *ClientSession) error

	// ListLocal returns every session object live in this node's memory —
	// the set RetrySweep walks each tick. It never reaches into the shared
	// backend: a session owned by another node isn't this node's to retry.
	ListLocal(ctx context.Context) []*ClientSession
}

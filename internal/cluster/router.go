// Package cluster implements the Cluster Router and Node Health &
// Membership components: broker-to-broker traffic over the shared store's
// publish/subscribe channels, and a periodic heartbeat/membership sweep.
package cluster

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dynamq/dynamq/internal/logger"
	"github.com/dynamq/dynamq/internal/packet"
	"github.com/dynamq/dynamq/internal/store"
)

// BroadcastMessage is emitted on the broadcast channel after local fan-out.
type BroadcastMessage struct {
	Topic           string          `json:"topic"`
	Payload         []byte          `json:"payload"`
	QoS             packet.QoSLevel `json:"qos"`
	Retain          bool            `json:"retain"`
	ExcludeClientID string          `json:"excludeClientId"`
	SourceNode      string          `json:"sourceNode"`
}

// UnicastMessage is addressed delivery to one client on its owning node.
type UnicastMessage struct {
	ClientID   string          `json:"clientId"`
	Topic      string          `json:"topic"`
	Payload    []byte          `json:"payload"`
	QoS        packet.QoSLevel `json:"qos"`
	Retain     bool            `json:"retain"`
	SourceNode string          `json:"sourceNode"`
}

// EvictionMessage asks targetNode to drop its connection for clientID.
type EvictionMessage struct {
	Action     string `json:"action"`
	ClientID   string `json:"clientId"`
	TargetNode string `json:"targetNode"`
	SourceNode string `json:"sourceNode"`
}

// Router routes broker-to-broker traffic. The local-only fallback
// (cluster mode disabled) makes Broadcast a no-op and Unicast skip
// straight to the caller's own delivery path, since there is no peer.
type Router struct {
	backend  store.Store
	nodeID   string
	enabled  bool
	logger   *logger.Logger

	onBroadcast func(ctx context.Context, msg BroadcastMessage)
	onUnicast   func(ctx context.Context, msg UnicastMessage)
	onEviction  func(ctx context.Context, msg EvictionMessage)

	unsubBroadcast func() error
	unsubUnicast   func() error
	unsubEviction  func() error
}

// NewRouter builds a Router. enabled=false yields the local-only fallback:
// no subscriptions are started, Broadcast is a no-op, and Unicast hands the
// message straight to the onUnicast callback registered by Start.
func NewRouter(backend store.Store, nodeID string, enabled bool, logger *logger.Logger) *Router {
	return &Router{backend: backend, nodeID: nodeID, enabled: enabled, logger: logger}
}

// Start subscribes to the broadcast, per-node, and eviction channels and
// invokes the given callbacks as messages arrive. When disabled it only
// records the callbacks and subscribes to nothing.
func (r *Router) Start(ctx context.Context, onBroadcast func(context.Context, BroadcastMessage), onUnicast func(context.Context, UnicastMessage), onEviction func(context.Context, EvictionMessage)) error {
	r.onBroadcast = onBroadcast
	r.onUnicast = onUnicast
	r.onEviction = onEviction

	if !r.enabled {
		return nil
	}

	broadcastCh, unsubBroadcast, err := r.backend.Subscribe(ctx, store.ChannelPublish)
	if err != nil {
		return err
	}
	r.unsubBroadcast = unsubBroadcast
	go r.consume(ctx, broadcastCh, r.handleBroadcast)

	nodeCh, unsubUnicast, err := r.backend.Subscribe(ctx, store.NodeChannel(r.nodeID))
	if err != nil {
		return err
	}
	r.unsubUnicast = unsubUnicast
	go r.consume(ctx, nodeCh, r.handleUnicast)

	evictCh, unsubEviction, err := r.backend.Subscribe(ctx, store.ChannelKick)
	if err != nil {
		return err
	}
	r.unsubEviction = unsubEviction
	go r.consume(ctx, evictCh, r.handleEviction)

	return nil
}

func (r *Router) Stop() {
	for _, unsub := range []func() error{r.unsubBroadcast, r.unsubUnicast, r.unsubEviction} {
		if unsub != nil {
			_ = unsub()
		}
	}
}

func (r *Router) consume(ctx context.Context, msgs <-chan store.Message, handle func(context.Context, []byte)) {
	for msg := range msgs {
		handle(ctx, msg.Payload)
	}
}

func (r *Router) handleBroadcast(ctx context.Context, payload []byte) {
	var msg BroadcastMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Warn("cluster: malformed broadcast message", slog.String("error", err.Error()))
		return
	}
	if msg.SourceNode == r.nodeID {
		return
	}
	r.logger.LogClusterEvent("broadcast", msg.SourceNode, slog.String("topic", msg.Topic))
	if r.onBroadcast != nil {
		r.onBroadcast(ctx, msg)
	}
}

func (r *Router) handleUnicast(ctx context.Context, payload []byte) {
	var msg UnicastMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Warn("cluster: malformed unicast message", slog.String("error", err.Error()))
		return
	}
	r.logger.LogClusterEvent("unicast", msg.SourceNode, slog.String("client_id", msg.ClientID))
	if r.onUnicast != nil {
		r.onUnicast(ctx, msg)
	}
}

func (r *Router) handleEviction(ctx context.Context, payload []byte) {
	var msg EvictionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Warn("cluster: malformed eviction message", slog.String("error", err.Error()))
		return
	}
	if msg.TargetNode != r.nodeID {
		return
	}
	r.logger.LogClusterEvent("eviction", msg.SourceNode, slog.String("client_id", msg.ClientID))
	if r.onEviction != nil {
		r.onEviction(ctx, msg)
	}
}

// Broadcast serializes and emits msg on the broadcast channel. A no-op in
// the local-only fallback.
func (r *Router) Broadcast(ctx context.Context, msg BroadcastMessage) error {
	if !r.enabled {
		return nil
	}
	msg.SourceNode = r.nodeID
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.backend.Publish(ctx, store.ChannelPublish, payload)
}

// Unicast addresses msg to its owning node's per-node channel. In the
// local-only fallback it calls the onUnicast callback directly instead.
func (r *Router) Unicast(ctx context.Context, targetNode string, msg UnicastMessage) error {
	if !r.enabled {
		if r.onUnicast != nil {
			msg.SourceNode = r.nodeID
			r.onUnicast(ctx, msg)
		}
		return nil
	}
	msg.SourceNode = r.nodeID
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.backend.Publish(ctx, store.NodeChannel(targetNode), payload)
}

// Enabled reports whether cluster mode is active.
func (r *Router) Enabled() bool { return r.enabled }

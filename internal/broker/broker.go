// Package broker implements the broker core: the Subscription Index, the
// Connection Handler / Client Session state machine, and the Broker
// Context that wires them to the Retained Store, Session Store, Cluster
// Router, Permission Provider, and Sink. One Context is instantiated per
// process and threaded into every accepted connection — the idiomatic Go
// stand-in for the source's global mutable process state (static metric
// counters, a static shared-store client reference).
package broker

import (
	"context"
	"log/slog"

	"github.com/dynamq/dynamq/internal/auth"
	"github.com/dynamq/dynamq/internal/cluster"
	"github.com/dynamq/dynamq/internal/logger"
	"github.com/dynamq/dynamq/internal/packet"
	"github.com/dynamq/dynamq/internal/retained"
	"github.com/dynamq/dynamq/internal/session"
	"github.com/dynamq/dynamq/internal/sink"
)

// Context is the Broker Context: every shared collaborator a Connection
// Handler needs, instantiated once at startup.
type Context struct {
	NodeID string

	Subscriptions *SubscriptionIndex
	Retained      retained.Store
	Sessions      session.Store
	Cluster       *cluster.Router
	Perms         auth.PermissionProvider
	Sink          sink.Sink
	Admission     *Admission

	Logger *logger.Logger
}

// New builds a Context. perm and snk may be nil, in which case CONNECT is
// always authorized and publishes are not forwarded to an external sink.
func New(nodeID string, subs *SubscriptionIndex, retainedStore retained.Store, sessions session.Store, router *cluster.Router, perms auth.PermissionProvider, snk sink.Sink, admission *Admission, logger *logger.Logger) *Context {
	if perms == nil {
		perms = noopPermissions{}
	}
	if snk == nil {
		snk = sink.Noop{}
	}
	return &Context{
		NodeID:        nodeID,
		Subscriptions: subs,
		Retained:      retainedStore,
		Sessions:      sessions,
		Cluster:       router,
		Perms:         perms,
		Sink:          snk,
		Admission:     admission,
		Logger:        logger,
	}
}

type noopPermissions struct{}

func (noopPermissions) Check(context.Context, string, string, auth.Action, string) (bool, error) {
	return true, nil
}

// deliverLocal fans payload out to every local subscriber matching topicName.
func (c *Context) deliverLocal(ctx context.Context, topicName string, payload []byte, publishQoS packet.QoSLevel, retain bool, excludeClientID string) {
	matches := c.Subscriptions.Match(topicName)

	for clientID, grantedQoS := range matches {
		if clientID == excludeClientID {
			continue
		}

		sess, ok, err := c.Sessions.GetSession(ctx, clientID)
		if err != nil || !ok || sess.Conn == nil {
			continue
		}

		deliveryQoS := minQoS(publishQoS, grantedQoS)
		if err := deliverWithQoS(ctx, sess, topicName, payload, deliveryQoS, retain); err != nil {
			c.Logger.Warn("delivery failed", slog.String("client_id", clientID), slog.String("error", err.Error()))
		}
	}
}

func minQoS(a, b packet.QoSLevel) packet.QoSLevel {
	if a < b {
		return a
	}
	return b
}

// WireCluster starts the Cluster Router with callbacks that fold incoming
// broker-to-broker traffic back into this node's local delivery path. It is
// a no-op when Cluster is nil or disabled.
func (c *Context) WireCluster(ctx context.Context) error {
	if c.Cluster == nil {
		return nil
	}

	return c.Cluster.Start(ctx,
		func(ctx context.Context, msg cluster.BroadcastMessage) {
			c.deliverLocal(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retain, msg.ExcludeClientID)
		},
		func(ctx context.Context, msg cluster.UnicastMessage) {
			sess, ok, err := c.Sessions.GetSession(ctx, msg.ClientID)
			if err != nil || !ok || sess.Conn == nil {
				return
			}
			if err := deliverWithQoS(ctx, sess, msg.Topic, msg.Payload, msg.QoS, msg.Retain); err != nil {
				c.Logger.Warn("cluster unicast delivery failed", slog.String("client_id", msg.ClientID), slog.String("error", err.Error()))
			}
		},
		func(ctx context.Context, msg cluster.EvictionMessage) {
			sess, ok, err := c.Sessions.GetSession(ctx, msg.ClientID)
			if err != nil || !ok || sess.Conn == nil {
				return
			}
			sess.Conn.Close()
		},
	)
}

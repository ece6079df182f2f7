package broker

import (
	"context"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/dynamq/dynamq/internal/auth"
	"github.com/dynamq/dynamq/internal/cluster"
	"github.com/dynamq/dynamq/internal/packet"
	"github.com/dynamq/dynamq/internal/session"
)

// ConnectResult carries the outcome of HandleConnect: the CONNACK bytes
// to write, the live session (nil on rejection), and whether the caller
// should close the connection after writing the CONNACK.
type ConnectResult struct {
	Connack []byte
	Session *session.ClientSession
	Close   bool
}

// HandleConnect validates and admits a CONNECT, enforcing single-owner
// eviction, (re)creating the ClientSession, and producing the CONNACK.
func (c *Context) HandleConnect(ctx context.Context, cp *packet.ConnectPacket, conn net.Conn, remoteAddr string) ConnectResult {
	clientID := cp.ClientID
	if clientID == "" {
		clientID = generateClientID()
	}

	if cp.UsernameFlag && cp.PasswordFlag {
		if store, ok := c.Perms.(interface {
			Authenticate(ctx context.Context, username, password string) error
		}); ok {
			if err := store.Authenticate(ctx, cp.Username, cp.Password); err != nil {
				return ConnectResult{Connack: packet.EncodeConnack(false, packet.ConnackBadUsernameOrPassword), Close: true}
			}
		}
	}

	// Single-owner enforcement (§4.4): evict wherever the prior owner is,
	// whether that's a stale local connection or a peer node.
	if _, owned, err := c.Sessions.GetClientNode(ctx, clientID); err == nil && owned {
		_ = c.Sessions.ForceDisconnect(ctx, clientID)
	}

	sess, restored, err := c.Sessions.CreateSession(ctx, clientID, cp.CleanSession)
	if err != nil {
		return ConnectResult{Connack: packet.EncodeConnack(false, packet.ConnackServerUnavailable), Close: true}
	}

	sess.Conn = conn
	sess.Username = cp.Username
	sess.ProtocolLevel = cp.ProtocolLevel
	sess.RemoteAddr = remoteAddr
	sess.KeepAlive = cp.KeepAlive
	if cp.WillFlag {
		sess.Will = &session.Will{
			Topic:   cp.WillTopic,
			Payload: cp.WillMessage,
			QoS:     cp.WillQoS,
			Retain:  cp.WillRetain,
		}
	}

	sessionPresent := restored && !cp.CleanSession && len(sess.Subscriptions()) > 0
	if restored && !cp.CleanSession {
		for filter, qos := range sess.Subscriptions() {
			c.Subscriptions.Add(clientID, filter, qos)
		}
	}

	_ = c.Sessions.UpdateSession(ctx, sess)

	return ConnectResult{
		Connack: packet.EncodeConnack(sessionPresent, packet.ConnackAccepted),
		Session: sess,
	}
}

// HandlePublish processes an inbound PUBLISH. This method prepares the QoS
// acknowledgement (ack bytes) and, unless permission is denied, performs
// the retain/fan-out/cluster/sink side effects before it returns. The
// caller writes the ack only after the return, so the publisher receives
// it after those side effects, not before them.
type PublishResult struct {
	Ack []byte // PUBACK, PUBREC, or nil for QoS 0
}

func (c *Context) HandlePublish(ctx context.Context, sess *session.ClientSession, pp *packet.PublishPacket) PublishResult {
	var ack []byte
	switch pp.QoS {
	case packet.QoSAtLeastOnce:
		ack = (&packet.PubAckPacket{PacketID: pp.PacketID}).Encode()
	case packet.QoSExactlyOnce:
		if !sess.MarkInboundQoS2(pp.PacketID) {
			// duplicate before PUBCOMP: re-ack only, no second fan-out
			return PublishResult{Ack: (&packet.PubRecPacket{PacketID: pp.PacketID}).Encode()}
		}
		ack = (&packet.PubRecPacket{PacketID: pp.PacketID}).Encode()
	}

	allowed, err := c.Perms.Check(ctx, sess.ClientID, sess.Username, auth.ActionPublish, pp.Topic)
	if err != nil {
		c.Logger.Warn("permission check failed", slog.String("error", err.Error()))
	}
	if !allowed {
		return PublishResult{Ack: ack}
	}

	c.fanOutPublish(ctx, sess.ClientID, pp.Topic, pp.Payload, pp.QoS, pp.Retain)

	return PublishResult{Ack: ack}
}

func (c *Context) fanOutPublish(ctx context.Context, sourceClientID, topicName string, payload []byte, qos packet.QoSLevel, retain bool) {
	if retain {
		if err := c.Retained.Store(ctx, topicName, payload, qos); err != nil {
			c.Logger.Warn("retained store failed", slog.String("error", err.Error()))
		}
	}

	c.deliverLocal(ctx, topicName, payload, qos, retain, "")

	if c.Cluster != nil && c.Cluster.Enabled() {
		_ = c.Cluster.Broadcast(ctx, cluster.BroadcastMessage{
			Topic:           topicName,
			Payload:         payload,
			QoS:             qos,
			Retain:          retain,
			ExcludeClientID: sourceClientID,
		})
	}

	if err := c.Sink.Publish(ctx, sourceClientID, topicName, payload); err != nil {
		c.Logger.Warn("sink publish failed", slog.String("error", err.Error()))
	}
}

// HandlePubAck completes the outbound QoS 1 flow.
func (c *Context) HandlePubAck(_ context.Context, sess *session.ClientSession, ack *packet.PubAckPacket) {
	sess.ResolvePubAck(ack.PacketID)
}

// HandlePubRec replies with PUBREL, keeping the entry pending until PUBCOMP.
func (c *Context) HandlePubRec(_ context.Context, sess *session.ClientSession, rec *packet.PubRecPacket) []byte {
	sess.ResolvePubRec(rec.PacketID)
	return (&packet.PubRelPacket{PacketID: rec.PacketID}).Encode()
}

// HandlePubComp completes the outbound QoS 2 flow.
func (c *Context) HandlePubComp(_ context.Context, sess *session.ClientSession, comp *packet.PubCompPacket) {
	sess.ResolvePubComp(comp.PacketID)
}

// HandlePubRel completes an inbound QoS 2 handshake, replying PUBCOMP and
// clearing the dedup entry for that messageId.
func (c *Context) HandlePubRel(_ context.Context, sess *session.ClientSession, rel *packet.PubRelPacket) []byte {
	sess.ClearInboundQoS2(rel.PacketID)
	return (&packet.PubCompPacket{PacketID: rel.PacketID}).Encode()
}

// HandleSubscribe grants each requested filter in order and returns the
// SUBACK bytes plus the set of newly-successful filters (for retained
// replay, which the caller performs after writing the SUBACK).
type SubscribeResult struct {
	Suback  []byte
	Granted []packet.SubscriptionRequest
}

func (c *Context) HandleSubscribe(ctx context.Context, sess *session.ClientSession, sp *packet.SubscribePacket) SubscribeResult {
	codes := make([]packet.SubackReturnCode, len(sp.Subscriptions))
	var granted []packet.SubscriptionRequest

	for i, req := range sp.Subscriptions {
		allowed, err := c.Perms.Check(ctx, sess.ClientID, sess.Username, auth.ActionSubscribe, req.Filter)
		if err != nil || !allowed {
			codes[i] = packet.SubackFailure
			continue
		}

		c.Subscriptions.Add(sess.ClientID, req.Filter, req.QoS)
		sess.AddSubscription(req.Filter, req.QoS)
		codes[i] = subackCodeForQoS(req.QoS)
		granted = append(granted, req)
	}

	_ = c.Sessions.UpdateSession(ctx, sess)

	return SubscribeResult{
		Suback:  packet.EncodeSuback(sp.PacketID, codes),
		Granted: granted,
	}
}

// ReplayRetained delivers every retained message matching filter to sess,
// called after the SUBACK for each newly-granted filter.
func (c *Context) ReplayRetained(ctx context.Context, sess *session.ClientSession, filter string, grantedQoS packet.QoSLevel) {
	messages, err := c.Retained.GetMatching(ctx, filter)
	if err != nil {
		c.Logger.Warn("retained replay failed", slog.String("error", err.Error()))
		return
	}

	for _, m := range messages {
		deliveryQoS := minQoS(m.QoS, grantedQoS)
		if err := deliverWithQoS(ctx, sess, m.Topic, m.Payload, deliveryQoS, true); err != nil {
			c.Logger.Warn("retained delivery failed", slog.String("error", err.Error()))
		}
	}
}

func (c *Context) HandleUnsubscribe(ctx context.Context, sess *session.ClientSession, up *packet.UnsubscribePacket) []byte {
	for _, filter := range up.Filters {
		c.Subscriptions.Remove(sess.ClientID, filter)
		sess.RemoveSubscription(filter)
	}
	_ = c.Sessions.UpdateSession(ctx, sess)
	return packet.EncodeUnsuback(up.PacketID)
}

// HandlePingreq answers a keep-alive ping and refreshes this node's
// ownership TTL on the session — a PINGREQ is proof of life even for a
// session that never re-subscribes or re-publishes between connects.
func (c *Context) HandlePingreq(ctx context.Context, sess *session.ClientSession) []byte {
	sess.Touch()
	if err := c.Sessions.RefreshConnection(ctx, sess); err != nil {
		c.Logger.Warn("failed to refresh connection ownership on pingreq", slog.String("client_id", sess.ClientID), slog.String("error", err.Error()))
	}
	return packet.EncodePingresp()
}

// HandleDisconnect tears down a session on DISCONNECT or abnormal
// transport close. When abnormal is true and a will was set, it is
// published as if from this client before cleanup.
func (c *Context) HandleDisconnect(ctx context.Context, sess *session.ClientSession, abnormal bool) {
	if abnormal && sess.Will != nil {
		c.fanOutPublish(ctx, sess.ClientID, sess.Will.Topic, []byte(sess.Will.Payload), sess.Will.QoS, sess.Will.Retain)
	}

	c.Subscriptions.RemoveAll(sess.ClientID)
	sess.Conn = nil

	if sess.CleanSession {
		_ = c.Sessions.RemoveSession(ctx, sess.ClientID, true)
		return
	}

	_ = c.Sessions.UpdateSession(ctx, sess)
	_ = c.Sessions.RemoveSession(ctx, sess.ClientID, false)
}

func subackCodeForQoS(qos packet.QoSLevel) packet.SubackReturnCode {
	switch qos {
	case packet.QoSAtLeastOnce:
		return packet.SubackMaxQoS1
	case packet.QoSExactlyOnce:
		return packet.SubackMaxQoS2
	default:
		return packet.SubackMaxQoS0
	}
}

func generateClientID() string {
	return "auto-" + uuid.NewString()
}

package broker

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamq/dynamq/internal/auth"
	"github.com/dynamq/dynamq/internal/logger"
	"github.com/dynamq/dynamq/internal/packet"
	"github.com/dynamq/dynamq/internal/retained"
	"github.com/dynamq/dynamq/internal/session"
	"github.com/dynamq/dynamq/internal/sink"
	"github.com/dynamq/dynamq/internal/topic"
)

func newTestContext() *Context {
	return New("node-a", NewSubscriptionIndex(), retained.NewLocal(), session.NewLocal("node-a"), nil, nil, sink.Noop{}, NewAdmission(0, 0),
		logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard}))
}

func TestHandleConnectFreshSession(t *testing.T) {
	c := newTestContext()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cp := &packet.ConnectPacket{ClientID: "c1", CleanSession: true, ProtocolLevel: 4}
	result := c.HandleConnect(context.Background(), cp, server, "127.0.0.1:1")

	require.NotNil(t, result.Session)
	assert.False(t, result.Close)
	require.Len(t, result.Connack, 4)
	assert.Equal(t, byte(packet.CONNACK), result.Connack[0])
	assert.Equal(t, byte(packet.ConnackAccepted), result.Connack[3])
}

func TestHandleConnectEmptyClientIDGeneratesOne(t *testing.T) {
	c := newTestContext()
	_, server := net.Pipe()
	defer server.Close()

	cp := &packet.ConnectPacket{ClientID: "", CleanSession: true, ProtocolLevel: 4}
	result := c.HandleConnect(context.Background(), cp, server, "127.0.0.1:1")

	require.NotNil(t, result.Session)
	assert.NotEmpty(t, result.Session.ClientID)
}

func TestHandleConnectSessionPresentOnRestore(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()

	client1, server1 := net.Pipe()
	defer client1.Close()
	defer server1.Close()
	cp := &packet.ConnectPacket{ClientID: "c1", CleanSession: false, ProtocolLevel: 4}
	first := c.HandleConnect(ctx, cp, server1, "127.0.0.1:1")
	require.NotNil(t, first.Session)
	first.Session.AddSubscription("a/b", packet.QoSAtLeastOnce)
	c.Sessions.UpdateSession(ctx, first.Session)
	c.HandleDisconnect(ctx, first.Session, false)

	client2, server2 := net.Pipe()
	defer client2.Close()
	defer server2.Close()
	second := c.HandleConnect(ctx, cp, server2, "127.0.0.1:2")

	require.Len(t, second.Connack, 4)
	sessionPresentFlag := second.Connack[2] & 0x01
	assert.Equal(t, byte(1), sessionPresentFlag, "restoring a persistent session with prior subscriptions must set the session-present flag")
}

func TestHandleConnectEvictsPriorOwner(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()

	client1, server1 := net.Pipe()
	defer client1.Close()
	defer server1.Close()
	cp := &packet.ConnectPacket{ClientID: "c1", CleanSession: true, ProtocolLevel: 4}
	first := c.HandleConnect(ctx, cp, server1, "127.0.0.1:1")
	require.NotNil(t, first.Session)

	readDone := make(chan struct{})
	go func() {
		buf := make([]byte, 16)
		client1.Read(buf)
		close(readDone)
	}()

	client2, server2 := net.Pipe()
	defer client2.Close()
	defer server2.Close()
	second := c.HandleConnect(ctx, cp, server2, "127.0.0.1:2")
	require.NotNil(t, second.Session)

	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("prior connection was not closed on single-owner eviction")
	}
}

func TestHandlePublishQoS0NoAck(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()
	sess := session.New("pub1", true, 0)

	result := c.HandlePublish(ctx, sess, &packet.PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: packet.QoSAtMostOnce})
	assert.Nil(t, result.Ack)
}

func TestHandlePublishQoS1Ack(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()
	sess := session.New("pub1", true, 0)

	result := c.HandlePublish(ctx, sess, &packet.PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: packet.QoSAtLeastOnce, PacketID: 5})
	require.NotNil(t, result.Ack)
	parsed, err := packet.Parse(result.Ack)
	require.NoError(t, err)
	require.NotNil(t, parsed.PubAck)
	assert.Equal(t, uint16(5), parsed.PubAck.PacketID)
}

func TestHandlePublishQoS2DedupsBeforePubRel(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()
	sess := session.New("pub1", true, 0)

	pp := &packet.PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: packet.QoSExactlyOnce, PacketID: 9}
	first := c.HandlePublish(ctx, sess, pp)
	second := c.HandlePublish(ctx, sess, pp)

	require.NotNil(t, first.Ack)
	require.NotNil(t, second.Ack)

	parsed, err := packet.Parse(second.Ack)
	require.NoError(t, err)
	require.NotNil(t, parsed.PubRec)
}

func TestHandlePublishFansOutToSubscriber(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()

	subClient, subServer := net.Pipe()
	defer subClient.Close()
	defer subServer.Close()
	sub := session.New("sub1", true, 0)
	sub.Conn = subServer
	c.Subscriptions.Add("sub1", "a/b", packet.QoSAtMostOnce)
	c.Sessions.UpdateSession(ctx, sub)

	pub := session.New("pub1", true, 0)

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := subClient.Read(buf)
		received <- buf[:n]
	}()

	c.HandlePublish(ctx, pub, &packet.PublishPacket{Topic: "a/b", Payload: []byte("hi"), QoS: packet.QoSAtMostOnce})

	select {
	case raw := <-received:
		parsed, err := packet.Parse(raw)
		require.NoError(t, err)
		require.NotNil(t, parsed.Publish)
		assert.Equal(t, "hi", string(parsed.Publish.Payload))
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive fanned-out publish")
	}
}

func TestHandlePublishRetainedStoresAndReplays(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()
	pub := session.New("pub1", true, 0)

	c.HandlePublish(ctx, pub, &packet.PublishPacket{Topic: "a/b", Payload: []byte("retained"), QoS: packet.QoSAtMostOnce, Retain: true})

	msg, ok, err := c.Retained.Get(ctx, "a/b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "retained", string(msg.Payload))

	subClient, subServer := net.Pipe()
	defer subClient.Close()
	defer subServer.Close()
	sub := session.New("sub1", true, 0)
	sub.Conn = subServer

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := subClient.Read(buf)
		received <- buf[:n]
	}()

	c.ReplayRetained(ctx, sub, "a/b", packet.QoSAtMostOnce)

	select {
	case raw := <-received:
		parsed, err := packet.Parse(raw)
		require.NoError(t, err)
		require.True(t, parsed.Publish.Retain)
	case <-time.After(time.Second):
		t.Fatal("retained replay did not deliver")
	}
}

func TestHandleSubscribeGrantsAndDenies(t *testing.T) {
	c := newTestContext()
	c.Perms = denyFilter{filter: "forbidden/#"}
	ctx := context.Background()
	sess := session.New("c1", true, 0)

	sp := &packet.SubscribePacket{
		PacketID: 1,
		Subscriptions: []packet.SubscriptionRequest{
			{Filter: "a/b", QoS: packet.QoSAtLeastOnce},
			{Filter: "forbidden/x", QoS: packet.QoSAtMostOnce},
		},
	}
	result := c.HandleSubscribe(ctx, sess, sp)

	require.Len(t, result.Granted, 1)
	assert.Equal(t, "a/b", result.Granted[0].Filter)

	require.Len(t, result.Suback, 6)
	assert.Equal(t, byte(packet.SubackMaxQoS1), result.Suback[4])
	assert.Equal(t, byte(packet.SubackFailure), result.Suback[5])
}

func TestHandleUnsubscribeRemoves(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()
	sess := session.New("c1", true, 0)
	c.Subscriptions.Add("c1", "a/b", packet.QoSAtMostOnce)
	sess.AddSubscription("a/b", packet.QoSAtMostOnce)

	c.HandleUnsubscribe(ctx, sess, &packet.UnsubscribePacket{PacketID: 1, Filters: []string{"a/b"}})

	assert.Empty(t, c.Subscriptions.SubscriptionsOf("c1"))
	assert.Empty(t, sess.Subscriptions())
}

func TestHandleDisconnectPublishesWillOnAbnormal(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()

	subClient, subServer := net.Pipe()
	defer subClient.Close()
	defer subServer.Close()
	sub := session.New("sub1", true, 0)
	sub.Conn = subServer
	c.Subscriptions.Add("sub1", "last/will", packet.QoSAtMostOnce)
	c.Sessions.UpdateSession(ctx, sub)

	dying := session.New("dying1", true, 0)
	dying.Will = &session.Will{Topic: "last/will", Payload: "goodbye", QoS: packet.QoSAtMostOnce}

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := subClient.Read(buf)
		received <- buf[:n]
	}()

	c.HandleDisconnect(ctx, dying, true)

	select {
	case raw := <-received:
		parsed, err := packet.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, "goodbye", string(parsed.Publish.Payload))
	case <-time.After(time.Second):
		t.Fatal("will message was not published on abnormal disconnect")
	}
}

func TestHandleDisconnectCleanSessionRemovesRecord(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()

	sess, _, err := c.Sessions.CreateSession(ctx, "c1", true)
	require.NoError(t, err)

	c.HandleDisconnect(ctx, sess, false)

	_, ok, err := c.Sessions.GetSession(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok, "a clean session must be fully removed on disconnect")
}

func TestHandleDisconnectPersistentSessionSurvives(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()

	sess, _, err := c.Sessions.CreateSession(ctx, "c1", false)
	require.NoError(t, err)

	c.HandleDisconnect(ctx, sess, false)

	_, ok, err := c.Sessions.GetSession(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok, "a persistent session must survive a normal disconnect")
}

func TestHandlePingreqTouchesSession(t *testing.T) {
	c := newTestContext()
	ctx := context.Background()
	sess := session.New("c1", true, 0)
	before := sess.LastActivity

	time.Sleep(time.Millisecond)
	ack := c.HandlePingreq(ctx, sess)

	assert.Equal(t, []byte{byte(packet.PINGRESP), 0x00}, ack)
	assert.True(t, sess.LastActivity.After(before))
}

// denyFilter is a test-only PermissionProvider that rejects any topic
// matching filter and allows everything else.
type denyFilter struct {
	filter string
}

func (d denyFilter) Check(_ context.Context, _, _ string, _ auth.Action, topicName string) (bool, error) {
	return !topic.Matches(d.filter, topicName), nil
}

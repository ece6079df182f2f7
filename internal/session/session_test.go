package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamq/dynamq/internal/packet"
)

func TestNextMessageIDWraps(t *testing.T) {
	sess := New("c1", true, 0)
	sess.lastMessageID = 65535

	first := sess.NextMessageID()
	second := sess.NextMessageID()

	assert.Equal(t, uint16(1), first, "wrapping must skip zero")
	assert.Equal(t, uint16(2), second)
}

func TestSubscriptionsSnapshotIsIndependent(t *testing.T) {
	sess := New("c1", true, 0)
	sess.AddSubscription("a/b", packet.QoSAtLeastOnce)

	snap := sess.Subscriptions()
	snap["a/b"] = packet.QoSExactlyOnce

	assert.Equal(t, packet.QoSAtLeastOnce, sess.Subscriptions()["a/b"], "mutating a snapshot must not affect live state")
}

func TestResolvePubAck(t *testing.T) {
	sess := New("c1", true, 0)
	sess.AddPendingQoS1(&PendingMessage{MessageID: 1})

	assert.True(t, sess.ResolvePubAck(1))
	assert.False(t, sess.ResolvePubAck(1), "resolving twice should fail the second time")
}

func TestQoS2Handshake(t *testing.T) {
	sess := New("c1", true, 0)
	sess.AddPendingQoS2(&PendingMessage{MessageID: 5})

	require.True(t, sess.ResolvePubRec(5))
	require.True(t, sess.ResolvePubComp(5))
	assert.False(t, sess.ResolvePubComp(5))
}

func TestMarkInboundQoS2Dedup(t *testing.T) {
	sess := New("c1", true, 0)

	assert.True(t, sess.MarkInboundQoS2(9), "first delivery should fan out")
	assert.False(t, sess.MarkInboundQoS2(9), "duplicate before PUBREL must not fan out again")

	sess.ClearInboundQoS2(9)
	assert.True(t, sess.MarkInboundQoS2(9), "after PUBREL clears dedup state, the id can be reused")
}

func TestPendingForRetryFiltersByCutoff(t *testing.T) {
	sess := New("c1", true, 0)
	now := time.Now()

	sess.AddPendingQoS1(&PendingMessage{MessageID: 1, SentAt: now.Add(-time.Hour)})
	sess.AddPendingQoS1(&PendingMessage{MessageID: 2, SentAt: now})

	stale := sess.PendingForRetry(now.Add(-time.Minute))
	require.Len(t, stale, 1)
	assert.Equal(t, uint16(1), stale[0].MessageID)
}

func TestMarkRetriedDropsAfterMaxRetries(t *testing.T) {
	sess := New("c1", true, 0)
	sess.AddPendingQoS1(&PendingMessage{MessageID: 1, RetryCount: 3})

	retry := sess.MarkRetried(1, packet.QoSAtLeastOnce, 3)
	assert.False(t, retry)

	stillPending := sess.PendingForRetry(time.Now().Add(time.Hour))
	assert.Empty(t, stillPending)
}

func TestClearResetsState(t *testing.T) {
	sess := New("c1", true, 0)
	sess.AddSubscription("a/b", packet.QoSAtLeastOnce)
	sess.AddPendingQoS1(&PendingMessage{MessageID: 1})
	sess.MarkInboundQoS2(1)

	sess.Clear()

	assert.Empty(t, sess.Subscriptions())
	assert.Empty(t, sess.PendingForRetry(time.Now().Add(time.Hour)))
}

package cluster

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dynamq/dynamq/internal/logger"
	"github.com/dynamq/dynamq/internal/packet"
	"github.com/dynamq/dynamq/internal/store"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard})
}

type callbackRecorder struct {
	mu         sync.Mutex
	broadcasts []BroadcastMessage
	unicasts   []UnicastMessage
	evictions  []EvictionMessage
}

func (r *callbackRecorder) onBroadcast(_ context.Context, msg BroadcastMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, msg)
}

func (r *callbackRecorder) onUnicast(_ context.Context, msg UnicastMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unicasts = append(r.unicasts, msg)
}

func (r *callbackRecorder) onEviction(_ context.Context, msg EvictionMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictions = append(r.evictions, msg)
}

func (r *callbackRecorder) broadcastCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.broadcasts)
}

func (r *callbackRecorder) unicastCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unicasts)
}

func (r *callbackRecorder) evictionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evictions)
}

func TestRouterBroadcastDeliveredToPeer(t *testing.T) {
	backend := store.NewLocal()
	ctx := context.Background()

	nodeA := NewRouter(backend, "node-a", true, testLogger())
	nodeB := NewRouter(backend, "node-b", true, testLogger())

	recB := &callbackRecorder{}
	require.NoError(t, nodeA.Start(ctx, func(context.Context, BroadcastMessage) {}, func(context.Context, UnicastMessage) {}, func(context.Context, EvictionMessage) {}))
	require.NoError(t, nodeB.Start(ctx, recB.onBroadcast, recB.onUnicast, recB.onEviction))
	defer nodeA.Stop()
	defer nodeB.Stop()

	require.NoError(t, nodeA.Broadcast(ctx, BroadcastMessage{Topic: "a/b", Payload: []byte("hi"), QoS: packet.QoSAtMostOnce}))

	require.Eventually(t, func() bool { return recB.broadcastCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRouterBroadcastSkipsSelf(t *testing.T) {
	backend := store.NewLocal()
	ctx := context.Background()

	nodeA := NewRouter(backend, "node-a", true, testLogger())
	recA := &callbackRecorder{}
	require.NoError(t, nodeA.Start(ctx, recA.onBroadcast, recA.onUnicast, recA.onEviction))
	defer nodeA.Stop()

	require.NoError(t, nodeA.Broadcast(ctx, BroadcastMessage{Topic: "a/b"}))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, recA.broadcastCount(), "a node must not process its own broadcast")
}

func TestRouterUnicastOnlyReachesTargetNode(t *testing.T) {
	backend := store.NewLocal()
	ctx := context.Background()

	nodeA := NewRouter(backend, "node-a", true, testLogger())
	nodeB := NewRouter(backend, "node-b", true, testLogger())
	nodeC := NewRouter(backend, "node-c", true, testLogger())

	recB := &callbackRecorder{}
	recC := &callbackRecorder{}
	require.NoError(t, nodeA.Start(ctx, func(context.Context, BroadcastMessage) {}, func(context.Context, UnicastMessage) {}, func(context.Context, EvictionMessage) {}))
	require.NoError(t, nodeB.Start(ctx, recB.onBroadcast, recB.onUnicast, recB.onEviction))
	require.NoError(t, nodeC.Start(ctx, recC.onBroadcast, recC.onUnicast, recC.onEviction))
	defer nodeA.Stop()
	defer nodeB.Stop()
	defer nodeC.Stop()

	require.NoError(t, nodeA.Unicast(ctx, "node-b", UnicastMessage{ClientID: "c1", Topic: "a/b"}))

	require.Eventually(t, func() bool { return recB.unicastCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, recC.unicastCount(), "unicast must not reach a node it wasn't addressed to")
}

func TestRouterEvictionTargetedToNode(t *testing.T) {
	backend := store.NewLocal()
	ctx := context.Background()

	nodeA := NewRouter(backend, "node-a", true, testLogger())
	nodeB := NewRouter(backend, "node-b", true, testLogger())

	recB := &callbackRecorder{}
	require.NoError(t, nodeA.Start(ctx, func(context.Context, BroadcastMessage) {}, func(context.Context, UnicastMessage) {}, func(context.Context, EvictionMessage) {}))
	require.NoError(t, nodeB.Start(ctx, recB.onBroadcast, recB.onUnicast, recB.onEviction))
	defer nodeA.Stop()
	defer nodeB.Stop()

	payload := EvictionMessage{Action: "kick", ClientID: "c1", TargetNode: "node-b"}
	encoded, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, backend.Publish(ctx, store.ChannelKick, encoded))

	require.Eventually(t, func() bool { return recB.evictionCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRouterDisabledIsNoop(t *testing.T) {
	backend := store.NewLocal()
	ctx := context.Background()

	r := NewRouter(backend, "node-a", false, testLogger())
	require.NoError(t, r.Start(ctx, nil, nil, nil))
	require.NoError(t, r.Broadcast(ctx, BroadcastMessage{Topic: "a/b"}))
	require.False(t, r.Enabled())
}

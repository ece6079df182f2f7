package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamq/dynamq/internal/store"
)

func TestMembershipHeartbeatRegistersNode(t *testing.T) {
	backend := store.NewLocal()
	ctx := context.Background()

	m := NewMembership(backend, "node-a", testLogger())
	m.heartbeat(ctx)

	members, err := backend.SMembers(ctx, store.KeyActiveNodes)
	require.NoError(t, err)
	assert.Contains(t, members, "node-a")

	_, alive, err := backend.Get(ctx, store.NodeHeartbeatKey("node-a"))
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestMembershipReconcileDetectsJoin(t *testing.T) {
	backend := store.NewLocal()
	ctx := context.Background()

	peer := NewMembership(backend, "node-b", testLogger())
	peer.heartbeat(ctx)

	m := NewMembership(backend, "node-a", testLogger())

	var mu sync.Mutex
	var joined []string
	m.OnNodeJoined(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		joined = append(joined, id)
	})

	m.reconcile(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, joined, "node-b")
}

func TestMembershipReconcileDetectsLeaveAfterHeartbeatExpires(t *testing.T) {
	backend := store.NewLocal()
	ctx := context.Background()

	require.NoError(t, backend.SAdd(ctx, store.KeyActiveNodes, "node-b"))
	require.NoError(t, backend.Set(ctx, store.NodeHeartbeatKey("node-b"), []byte("0"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	m := NewMembership(backend, "node-a", testLogger())
	m.known["node-b"] = struct{}{}

	var mu sync.Mutex
	var left []string
	m.OnNodeLeft(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		left = append(left, id)
	})

	m.reconcile(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, left, "node-b")
}

func TestMembershipStopClearsOwnRecords(t *testing.T) {
	backend := store.NewLocal()
	ctx := context.Background()

	m := NewMembership(backend, "node-a", testLogger())
	m.heartbeat(ctx)
	m.Start(ctx)
	m.Stop(ctx)

	_, ok, err := backend.Get(ctx, store.NodeHeartbeatKey("node-a"))
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := backend.SMembers(ctx, store.KeyActiveNodes)
	require.NoError(t, err)
	assert.NotContains(t, members, "node-a")
}

func TestMembershipIgnoresOwnNodeID(t *testing.T) {
	backend := store.NewLocal()
	ctx := context.Background()

	m := NewMembership(backend, "node-a", testLogger())
	m.heartbeat(ctx)

	called := false
	m.OnNodeJoined(func(string) { called = true })
	m.reconcile(ctx)

	assert.False(t, called, "a node must never fire nodeJoined for itself")
}

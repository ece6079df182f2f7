package cluster

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	gopsutilmem "github.com/shirou/gopsutil/v3/mem"

	"github.com/dynamq/dynamq/internal/logger"
	"github.com/dynamq/dynamq/internal/store"
)

const (
	heartbeatInterval = 5 * time.Second
	heartbeatTTL      = 15 * time.Second
)

// MemorySnapshot is the per-node metrics payload recorded each heartbeat.
type MemorySnapshot struct {
	UsedBytes    uint64  `json:"usedBytes"`
	TotalBytes   uint64  `json:"totalBytes"`
	UsedPercent  float64 `json:"usedPercent"`
	TimestampMs  int64   `json:"timestampMs"`
}

// Membership runs the node-health ticker: heartbeat + memory snapshot
// publication, and active-node-set bookkeeping that raises nodeJoined /
// nodeLeft events.
type Membership struct {
	backend store.Store
	nodeID  string
	logger  *logger.Logger

	onNodeJoined func(nodeID string)
	onNodeLeft   func(nodeID string)

	mu      sync.Mutex
	known   map[string]struct{}
	stopCh  chan struct{}
	ticker  *time.Ticker
}

func NewMembership(backend store.Store, nodeID string, logger *logger.Logger) *Membership {
	return &Membership{
		backend: backend,
		nodeID:  nodeID,
		logger:  logger,
		known:   make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// OnNodeJoined / OnNodeLeft register membership-change callbacks. Must be
// called before Start.
func (m *Membership) OnNodeJoined(fn func(nodeID string)) { m.onNodeJoined = fn }
func (m *Membership) OnNodeLeft(fn func(nodeID string))   { m.onNodeLeft = fn }

// Start begins the 5s heartbeat/membership ticker. The cluster's start
// time is recorded once, by whichever node races to SETNX it first —
// every later node's Start is then a no-op against an already-populated
// key, so the value reflects the cluster's age, not this node's.
func (m *Membership) Start(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if _, err := m.backend.SetNX(ctx, store.KeyClusterStartTime, []byte(now), 0); err != nil {
		m.logger.Warn("membership: cluster start-time SETNX failed", slog.String("error", err.Error()))
	}

	m.ticker = time.NewTicker(heartbeatInterval)
	go m.loop(ctx)
}

// Stop cancels the ticker and deletes this node's heartbeat and
// active-set entries.
func (m *Membership) Stop(ctx context.Context) {
	close(m.stopCh)
	if m.ticker != nil {
		m.ticker.Stop()
	}
	_ = m.backend.Delete(ctx, store.NodeHeartbeatKey(m.nodeID))
	_ = m.backend.Delete(ctx, store.NodeMetricsKey(m.nodeID))
	_ = m.backend.SRem(ctx, store.KeyActiveNodes, m.nodeID)
}

func (m *Membership) loop(ctx context.Context) {
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Membership) tick(ctx context.Context) {
	m.heartbeat(ctx)
	m.reconcile(ctx)
}

func (m *Membership) heartbeat(ctx context.Context) {
	now := time.Now().UnixMilli()
	if err := m.backend.Set(ctx, store.NodeHeartbeatKey(m.nodeID), []byte(strconv.FormatInt(now, 10)), heartbeatTTL); err != nil {
		m.logger.Warn("membership: heartbeat write failed", slog.String("error", err.Error()))
		return
	}

	snapshot := m.memorySnapshot(now)
	if encoded, err := json.Marshal(snapshot); err == nil {
		_ = m.backend.Set(ctx, store.NodeMetricsKey(m.nodeID), encoded, heartbeatTTL)
	}

	_ = m.backend.SAdd(ctx, store.KeyActiveNodes, m.nodeID)
}

func (m *Membership) memorySnapshot(now int64) MemorySnapshot {
	vm, err := gopsutilmem.VirtualMemory()
	if err != nil {
		return MemorySnapshot{TimestampMs: now}
	}
	return MemorySnapshot{
		UsedBytes:   vm.Used,
		TotalBytes:  vm.Total,
		UsedPercent: vm.UsedPercent,
		TimestampMs: now,
	}
}

func (m *Membership) reconcile(ctx context.Context) {
	members, err := m.backend.SMembers(ctx, store.KeyActiveNodes)
	if err != nil {
		m.logger.Warn("membership: failed to list active nodes", slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	present := make(map[string]struct{}, len(members))
	for _, id := range members {
		if id == m.nodeID {
			continue
		}
		present[id] = struct{}{}

		if _, alive, _ := m.backend.Get(ctx, store.NodeHeartbeatKey(id)); alive {
			if _, known := m.known[id]; !known {
				m.known[id] = struct{}{}
				m.logger.LogNodeHealth(id, "joined")
				if m.onNodeJoined != nil {
					m.onNodeJoined(id)
				}
			}
		} else {
			m.expire(ctx, id)
		}
	}

	for id := range m.known {
		if _, ok := present[id]; !ok {
			m.expire(ctx, id)
		}
	}
}

func (m *Membership) expire(ctx context.Context, id string) {
	if _, known := m.known[id]; !known {
		return
	}
	delete(m.known, id)
	_ = m.backend.SRem(ctx, store.KeyActiveNodes, id)
	m.logger.LogNodeHealth(id, "left")
	if m.onNodeLeft != nil {
		m.onNodeLeft(id)
	}
}

// Package coordinator keeps the process-scoped cluster view up to date.
// This file implements the heartbeat monitor that drives node liveness.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/metrics"
)

// NodeHealth tracks the heartbeat results of a single node.
// Thread-safe: Protected by HeartbeatMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time        // Timestamp of the last probe
	LastHealthy      time.Time        // Timestamp of the last successful probe
	NodeID           string           // Unique identifier of the node
	Liveness         cluster.Liveness // Current liveness
	ConsecutiveFails int              // Number of consecutive failed probes
}

// ProbeFunc checks one node, nil means alive.
type ProbeFunc func(ctx context.Context, node cluster.NodeInfo) error

// HeartbeatConfig configures the probe loop.
type HeartbeatConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

// HeartbeatMonitor probes every configured node on a fixed interval and
// publishes liveness changes to the State, which rebuilds the shard map.
// Thread-safe: All methods are safe for concurrent access.
type HeartbeatMonitor struct {
	state   *State
	cfg     HeartbeatConfig
	probe   ProbeFunc
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	health map[string]*NodeHealth

	rounds    *atomic.Int64
	ready     chan struct{}
	readyOnce sync.Once
}

// NewHeartbeatMonitor creates a monitor for all nodes of the state.
// A node is marked dead after cfg.MaxFailures consecutive failed probes and
// alive again on the first successful one. The local node is never probed.
//
// Parameters:
//   - state: Cluster view receiving the liveness updates
//   - cfg: Probe interval, per-probe timeout and failure threshold
//   - probe: Function probing one node, usually cluster.Client.Ping
//   - clock: Clock driving the ticker, a fake clock in tests
//
// Example:
//
//	monitor := NewHeartbeatMonitor(state, cfg, client.Ping, clockwork.NewRealClock(), logger, m)
//	go monitor.Run(ctx)
//	if err := monitor.Ready(ctx); err != nil {
//	    return err
//	}
func NewHeartbeatMonitor(state *State, cfg HeartbeatConfig, probe ProbeFunc, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) *HeartbeatMonitor {
	h := &HeartbeatMonitor{
		state:   state,
		cfg:     cfg,
		probe:   probe,
		clock:   clock,
		logger:  logger,
		metrics: m,
		health:  make(map[string]*NodeHealth),
		rounds:  atomic.NewInt64(0),
		ready:   make(chan struct{}),
	}
	now := clock.Now()
	for _, n := range state.Nodes() {
		h.health[n.ID] = &NodeHealth{
			NodeID:      n.ID,
			Liveness:    state.Liveness(n.ID),
			LastCheck:   now,
			LastHealthy: now,
		}
	}
	return h
}

// Run performs a probe round immediately and then every interval.
// It blocks until the context is canceled.
func (h *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.logger.Info("heartbeat monitor started", zap.Duration("interval", h.cfg.Interval))

	h.probeAll(ctx)

	for {
		select {
		case <-ticker.Chan():
			h.probeAll(ctx)
		case <-ctx.Done():
			h.logger.Info("heartbeat monitor stopped")
			return
		}
	}
}

// Ready blocks until the first full probe round has completed.
func (h *HeartbeatMonitor) Ready(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReady reports whether the first probe round has completed.
func (h *HeartbeatMonitor) IsReady() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

// probeAll probes all remote nodes concurrently and applies the results.
//
// Implementation:
//  1. Probe every remote node in its own goroutine with the per-probe timeout
//  2. Update the failure counters of every node
//  3. Publish the liveness transitions to the state in one batch
//  4. Close the ready channel after the first round
func (h *HeartbeatMonitor) probeAll(ctx context.Context) {
	nodes := h.state.Nodes()
	results := make([]error, len(nodes))

	grp, grpCtx := errgroup.WithContext(ctx)
	for i, node := range nodes {
		if node.ID == h.state.LocalID() {
			continue
		}
		grp.Go(func() error {
			probeCtx, cancel := context.WithTimeout(grpCtx, h.cfg.Timeout)
			defer cancel()
			results[i] = h.probe(probeCtx, node)
			return nil
		})
	}
	_ = grp.Wait()

	if ctx.Err() != nil {
		// Shutdown, results are not meaningful
		return
	}

	now := h.clock.Now()
	updates := make(map[string]cluster.Liveness)

	h.mu.Lock()
	for i, node := range nodes {
		if node.ID == h.state.LocalID() {
			continue
		}
		if l, changed := h.record(node.ID, results[i], now); changed {
			updates[node.ID] = l
		}
	}
	h.mu.Unlock()

	if len(updates) > 0 {
		if _, err := h.state.SetLiveness(updates); err != nil {
			h.logger.Error("cannot rebuild shard map", zap.Error(err))
		}
	}

	h.rounds.Inc()
	h.readyOnce.Do(func() {
		h.logger.Info("first heartbeat round completed")
		close(h.ready)
	})
}

// record updates the health of one node, must be called with the lock held.
// Returns the new liveness and whether it changed.
func (h *HeartbeatMonitor) record(nodeID string, err error, now time.Time) (cluster.Liveness, bool) {
	health := h.health[nodeID]
	health.LastCheck = now
	previous := health.Liveness
	h.metrics.Probe(nodeID, err == nil)

	if err != nil {
		health.ConsecutiveFails++
		h.logger.Debug("heartbeat failed",
			zap.String("node", nodeID),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("maxFailures", h.cfg.MaxFailures),
			zap.Error(err),
		)
		if health.ConsecutiveFails >= h.cfg.MaxFailures {
			health.Liveness = cluster.LivenessDead
		}
	} else {
		if previous == cluster.LivenessDead {
			h.logger.Info("node recovered", zap.String("node", nodeID))
		}
		health.Liveness = cluster.LivenessAlive
		health.ConsecutiveFails = 0
		health.LastHealthy = now
	}

	return health.Liveness, health.Liveness != previous
}

// GetNodeHealth returns the current health of a node, nil if not monitored.
// Returns a copy to prevent external modification.
func (h *HeartbeatMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.health[nodeID]
	if !exists {
		return nil
	}
	out := *health
	return &out
}

// ConsecutiveFails returns the number of failed probes since the node's last success.
func (h *HeartbeatMonitor) ConsecutiveFails(nodeID string) int {
	if health := h.GetNodeHealth(nodeID); health != nil {
		return health.ConsecutiveFails
	}
	return 0
}

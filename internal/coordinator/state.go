package coordinator

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/metrics"
	"github.com/dreamware/shardq/internal/shardmap"
	"github.com/dreamware/shardq/internal/svcerrors"
)

// StateConfig is the static part of the cluster view.
type StateConfig struct {
	LocalID           string
	Nodes             []cluster.NodeInfo
	ReplicationFactor int
	BucketCount       int
}

// State is the process-scoped view of the cluster: node liveness and the
// current shard map. The heartbeat monitor is its only writer. Readers get
// immutable snapshots and never block on the network.
//
// Thread-safe: All methods are safe for concurrent access.
type State struct {
	cfg     StateConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	liveness map[string]cluster.Liveness

	current   *atomic.Pointer[shardmap.Map]
	listeners []func(*shardmap.Map)
}

// NewState validates the node list and builds the initial map, in which only
// the local node is alive.
//
// Returns svcerrors.ConfigError if the local node is not in the list, ids are
// not unique or the node count is not a multiple of the replication factor.
//
// Example:
//
//	state, err := coordinator.NewState(coordinator.StateConfig{
//	    LocalID:           "n1",
//	    Nodes:             nodes,
//	    ReplicationFactor: 1,
//	    BucketCount:       256,
//	}, logger, m)
func NewState(cfg StateConfig, logger *zap.Logger, m *metrics.Metrics) (*State, error) {
	seen := make(map[string]bool)
	for _, n := range cfg.Nodes {
		if n.ID == "" {
			return nil, svcerrors.NewConfigErrorf("node id must not be empty")
		}
		if seen[n.ID] {
			return nil, svcerrors.NewConfigErrorf(`duplicate node id "%s"`, n.ID)
		}
		seen[n.ID] = true
	}
	if !seen[cfg.LocalID] {
		return nil, svcerrors.NewConfigErrorf(`local node "%s" is not in the node list`, cfg.LocalID)
	}

	s := &State{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		liveness: make(map[string]cluster.Liveness),
	}
	for _, n := range cfg.Nodes {
		s.liveness[n.ID] = cluster.LivenessUnknown
	}
	s.liveness[cfg.LocalID] = cluster.LivenessAlive

	initial, err := shardmap.Build(cfg.Nodes, s.aliveSet(), cfg.ReplicationFactor, cfg.BucketCount)
	if err != nil {
		return nil, err
	}
	s.current = atomic.NewPointer(initial)
	return s, nil
}

// OnChange registers a callback invoked with every newly published map.
// Must be called before the heartbeat monitor starts.
func (s *State) OnChange(fn func(*shardmap.Map)) {
	s.listeners = append(s.listeners, fn)
}

// LocalID returns the id of this node.
func (s *State) LocalID() string {
	return s.cfg.LocalID
}

// Local returns this node.
func (s *State) Local() cluster.NodeInfo {
	n, _ := s.Node(s.cfg.LocalID)
	return n
}

// Nodes returns the configured node list in config order.
func (s *State) Nodes() []cluster.NodeInfo {
	return append([]cluster.NodeInfo(nil), s.cfg.Nodes...)
}

// Node returns the configured node by id.
func (s *State) Node(id string) (cluster.NodeInfo, bool) {
	for _, n := range s.cfg.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return cluster.NodeInfo{}, false
}

// NodeIndex returns the position of the node in the configured list, -1 if missing.
func (s *State) NodeIndex(id string) int {
	for i, n := range s.cfg.Nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// Map returns the current shard map snapshot.
func (s *State) Map() *shardmap.Map {
	return s.current.Load()
}

// Route resolves the key against the current snapshot.
func (s *State) Route(key any) (shardmap.Shard, error) {
	return s.Map().Route(key)
}

// Shard returns the shard by index from the current snapshot.
func (s *State) Shard(index int) (shardmap.Shard, error) {
	return s.Map().Shard(index)
}

// Liveness returns the current liveness of the node.
func (s *State) Liveness(id string) cluster.Liveness {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.liveness[id]; ok {
		return l
	}
	return cluster.LivenessUnknown
}

// IsAlive returns whether the node is currently considered alive.
func (s *State) IsAlive(id string) bool {
	return s.Liveness(id) == cluster.LivenessAlive
}

// SetLiveness applies a batch of liveness updates. If the alive set changed,
// the map is rebuilt and published, and the listeners are notified.
func (s *State) SetLiveness(updates map[string]cluster.Liveness) (changed bool, err error) {
	s.mu.Lock()
	for id, l := range updates {
		if id == s.cfg.LocalID {
			// The local node is always alive
			continue
		}
		prev, ok := s.liveness[id]
		if !ok || prev == l {
			continue
		}
		s.liveness[id] = l
		s.logger.Info("node liveness changed",
			zap.String("node", id),
			zap.String("from", string(prev)),
			zap.String("to", string(l)),
		)
		s.metrics.Alive(id, l == cluster.LivenessAlive)
		if prev == cluster.LivenessAlive || l == cluster.LivenessAlive {
			changed = true
		}
	}
	alive := s.aliveSet()
	s.mu.Unlock()

	if !changed {
		return false, nil
	}

	next, err := shardmap.Build(s.cfg.Nodes, alive, s.cfg.ReplicationFactor, s.cfg.BucketCount)
	if err != nil {
		return false, err
	}
	s.current.Store(next)
	s.metrics.Rebuild()
	s.logger.Info("shard map rebuilt",
		zap.Int("routable", len(next.RoutableShards())),
		zap.Int("shards", next.ShardCount()),
		zap.String("checksum", next.Checksum()),
	)
	for _, fn := range s.listeners {
		fn(next)
	}
	return true, nil
}

// Statuses returns every configured node with its liveness, in config order.
func (s *State) Statuses() []cluster.NodeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cluster.NodeStatus, 0, len(s.cfg.Nodes))
	for _, n := range s.cfg.Nodes {
		out = append(out, cluster.NodeStatus{NodeInfo: n, Liveness: s.liveness[n.ID]})
	}
	return out
}

// aliveSet must be called with the lock held.
func (s *State) aliveSet() map[string]bool {
	out := make(map[string]bool, len(s.liveness))
	for id, l := range s.liveness {
		if l == cluster.LivenessAlive {
			out[id] = true
		}
	}
	return out
}

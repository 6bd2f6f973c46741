package shard

import (
	"go.uber.org/atomic"

	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/shardmap"
	"github.com/dreamware/shardq/internal/storage"
)

// View is the cluster view the router reads. It is implemented by coordinator.State.
type View interface {
	LocalID() string
	Map() *shardmap.Map
}

// Router resolves keys to the ordered replica list of their shard.
// It never blocks on the network, every call reads the current map snapshot.
type Router struct {
	view View
}

// NewRouter creates a router over the cluster view.
func NewRouter(view View) *Router {
	return &Router{view: view}
}

// Route returns the shard owning the key, primary first.
// Integer keys and their canonical string form route identically.
//
// Returns svcerrors.RoutingError when the key's bucket has no live shard.
//
// Example:
//
//	shard, err := router.Route(10)
//	same, _ := router.Route("10") // same.Index == shard.Index
func (r *Router) Route(key any) (shardmap.Shard, error) {
	return r.view.Map().Route(key)
}

// Shard returns the shard by index.
func (r *Router) Shard(index int) (shardmap.Shard, error) {
	return r.view.Map().Shard(index)
}

// Dump returns the full bucket table of the current map.
func (r *Router) Dump() shardmap.Dump {
	return r.view.Map().Dump()
}

// IsLocal reports whether the replica is this node.
func (r *Router) IsLocal(nodeID string) bool {
	return nodeID == r.view.LocalID()
}

// Stats tracks operation counts of one space.
// Thread-safe: counters are updated atomically.
type Stats struct {
	inserts  atomic.Uint64
	replaces atomic.Uint64
	updates  atomic.Uint64
	deletes  atomic.Uint64
	selects  atomic.Uint64
}

// OperationStats is a snapshot of Stats.
type OperationStats struct {
	Inserts  uint64 `json:"inserts"`
	Replaces uint64 `json:"replaces"`
	Updates  uint64 `json:"updates"`
	Deletes  uint64 `json:"deletes"`
	Selects  uint64 `json:"selects"`
}

// SpaceStats combines the operation counts with the storage statistics.
type SpaceStats struct {
	Space   string         `json:"space"`
	Ops     OperationStats `json:"ops"`
	Storage storage.Stats  `json:"storage"`
}

func (s *Stats) record(kind model.Kind) {
	switch kind {
	case model.KindInsert, model.KindAutoIncrement:
		s.inserts.Inc()
	case model.KindReplace:
		s.replaces.Inc()
	case model.KindUpdate:
		s.updates.Inc()
	case model.KindDelete:
		s.deletes.Inc()
	}
}

func (s *Stats) recordSelect() {
	s.selects.Inc()
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() OperationStats {
	return OperationStats{
		Inserts:  s.inserts.Load(),
		Replaces: s.replaces.Load(),
		Updates:  s.updates.Load(),
		Deletes:  s.deletes.Load(),
		Selects:  s.selects.Load(),
	}
}

// Package shardmap computes the bucket to replica set table from the static
// node list and the set of alive nodes.
//
// A Map is immutable. The heartbeat monitor builds a new one on every
// liveness change and publishes it by pointer swap.
package shardmap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/lafikl/consistent"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/svcerrors"
)

// NoShard marks a bucket without a routable shard.
const NoShard = -1

// Shard is one replica set.
type Shard struct {
	Index int `json:"index"`
	// Replicas are the alive members, primary eligible first. Empty when unroutable.
	Replicas []cluster.NodeInfo `json:"replicas"`
	// Members are all configured members in config order.
	Members []cluster.NodeInfo `json:"members"`
}

// Routable reports whether the shard has an alive primary eligible replica.
func (s Shard) Routable() bool {
	return len(s.Replicas) > 0
}

// Primary returns the first live replica.
func (s Shard) Primary() (cluster.NodeInfo, bool) {
	if !s.Routable() {
		return cluster.NodeInfo{}, false
	}
	return s.Replicas[0], true
}

// Targets returns the live replicas followed by the members that are down.
func (s Shard) Targets() []cluster.NodeInfo {
	out := make([]cluster.NodeInfo, 0, len(s.Members))
	out = append(out, s.Replicas...)
	for _, m := range s.Members {
		if !containsNode(s.Replicas, m.ID) {
			out = append(out, m)
		}
	}
	return out
}

// Has reports whether the node is a member of the shard.
func (s Shard) Has(nodeID string) bool {
	return containsNode(s.Members, nodeID)
}

// Map is a total mapping from bucket to shard index.
type Map struct {
	bucketCount int
	shards      []Shard
	buckets     []int
	checksum    string
}

// Dump is the serializable form of a Map.
type Dump struct {
	BucketCount int           `json:"bucketCount"`
	Shards      []Shard       `json:"shards"`
	Buckets     []BucketEntry `json:"buckets"`
	Checksum    string        `json:"checksum"`
}

type BucketEntry struct {
	Bucket   int      `json:"bucket"`
	Shard    int      `json:"shard"`
	Replicas []string `json:"replicas"`
}

// Shards groups the node list into replica sets of replicationFactor
// consecutive nodes.
func Shards(nodes []cluster.NodeInfo, replicationFactor int) ([][]cluster.NodeInfo, error) {
	if len(nodes) == 0 {
		return nil, svcerrors.NewConfigErrorf("node list is empty")
	}
	if replicationFactor < 1 {
		return nil, svcerrors.NewConfigErrorf("replication factor must be positive, got %d", replicationFactor)
	}
	if len(nodes)%replicationFactor != 0 {
		return nil, svcerrors.NewConfigErrorf("node count %d is not a multiple of replication factor %d", len(nodes), replicationFactor)
	}
	groups := make([][]cluster.NodeInfo, 0, len(nodes)/replicationFactor)
	for i := 0; i < len(nodes); i += replicationFactor {
		groups = append(groups, nodes[i:i+replicationFactor])
	}
	return groups, nil
}

// Build computes the map for the alive set.
// The result depends only on the node list, the alive set and the bucket count.
func Build(nodes []cluster.NodeInfo, alive map[string]bool, replicationFactor, bucketCount int) (*Map, error) {
	if bucketCount < 1 {
		return nil, svcerrors.NewConfigErrorf("bucket count must be positive, got %d", bucketCount)
	}
	groups, err := Shards(nodes, replicationFactor)
	if err != nil {
		return nil, err
	}

	m := &Map{
		bucketCount: bucketCount,
		shards:      make([]Shard, len(groups)),
		buckets:     make([]int, bucketCount),
	}

	ring := consistent.New()
	for i, members := range groups {
		shard := Shard{Index: i, Members: append([]cluster.NodeInfo(nil), members...)}
		shard.Replicas = liveReplicas(members, alive)
		m.shards[i] = shard
		if shard.Routable() {
			ring.Add(shardName(i))
		}
	}

	for b := range m.buckets {
		name, err := ring.Get(bucketName(b))
		if err != nil {
			// consistent.ErrNoHosts, nothing is routable
			m.buckets[b] = NoShard
			continue
		}
		m.buckets[b] = shardIndex(name)
	}

	m.checksum = m.computeChecksum()
	return m, nil
}

// liveReplicas orders alive members: primary eligible first, then standby, each in config order.
// Returns nil when no eligible member is alive.
func liveReplicas(members []cluster.NodeInfo, alive map[string]bool) []cluster.NodeInfo {
	var eligible, standby []cluster.NodeInfo
	for _, n := range members {
		if !alive[n.ID] {
			continue
		}
		if n.PrimaryEligible {
			eligible = append(eligible, n)
		} else {
			standby = append(standby, n)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return append(eligible, standby...)
}

// BucketCount returns the number of buckets.
func (m *Map) BucketCount() int {
	return m.bucketCount
}

// ShardCount returns the number of configured shards, routable or not.
func (m *Map) ShardCount() int {
	return len(m.shards)
}

// Checksum identifies the map content, equal maps have equal checksums.
func (m *Map) Checksum() string {
	return m.checksum
}

// Route returns the shard serving the key.
func (m *Map) Route(key any) (Shard, error) {
	normalized, err := NormalizeKey(key)
	if err != nil {
		return Shard{}, svcerrors.NewBadRequestError(err)
	}
	bucket := Bucket(normalized, m.bucketCount)
	idx := m.buckets[bucket]
	if idx == NoShard {
		return Shard{}, svcerrors.NewRoutingError(normalized, bucket)
	}
	return m.shards[idx], nil
}

// Shard returns the shard by index, routable or not.
func (m *Map) Shard(index int) (Shard, error) {
	if index < 0 || index >= len(m.shards) {
		return Shard{}, svcerrors.NewNotFoundError("shard", strconv.Itoa(index))
	}
	return m.shards[index], nil
}

// RoutableShards returns the shards with at least one live primary eligible replica.
func (m *Map) RoutableShards() []Shard {
	var out []Shard
	for _, s := range m.shards {
		if s.Routable() {
			out = append(out, s)
		}
	}
	return out
}

// Dump returns the full table.
func (m *Map) Dump() Dump {
	d := Dump{
		BucketCount: m.bucketCount,
		Shards:      append([]Shard(nil), m.shards...),
		Buckets:     make([]BucketEntry, len(m.buckets)),
		Checksum:    m.checksum,
	}
	for b, idx := range m.buckets {
		entry := BucketEntry{Bucket: b, Shard: idx, Replicas: []string{}}
		if idx != NoShard {
			for _, r := range m.shards[idx].Replicas {
				entry.Replicas = append(entry.Replicas, r.ID)
			}
		}
		d.Buckets[b] = entry
	}
	return d
}

func (m *Map) computeChecksum() string {
	var sb strings.Builder
	for b, idx := range m.buckets {
		fmt.Fprintf(&sb, "%d:%d", b, idx)
		if idx != NoShard {
			for _, r := range m.shards[idx].Replicas {
				sb.WriteByte(',')
				sb.WriteString(r.ID)
			}
		}
		sb.WriteByte(';')
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(sb.String()))
}

func shardName(i int) string {
	return "shard-" + strconv.Itoa(i)
}

func bucketName(b int) string {
	return "bucket-" + strconv.Itoa(b)
}

func shardIndex(name string) int {
	i, err := strconv.Atoi(strings.TrimPrefix(name, "shard-"))
	if err != nil {
		panic(fmt.Errorf(`unexpected ring host "%s"`, name))
	}
	return i
}

func containsNode(nodes []cluster.NodeInfo, id string) bool {
	return slices.ContainsFunc(nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
}

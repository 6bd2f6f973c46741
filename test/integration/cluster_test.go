package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardq/internal/apiclient"
	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/config"
	"github.com/dreamware/shardq/internal/merger"
	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/node"
	"github.com/dreamware/shardq/internal/servicectx"
	"github.com/dreamware/shardq/internal/storage"
	"github.com/dreamware/shardq/internal/svcerrors"
)

const (
	nodeCount         = 4
	replicationFactor = 2
	space             = "demo"
)

// testCluster runs every node of a cluster in the test process.
type testCluster struct {
	t       *testing.T
	procs   []*servicectx.Process
	clients []*apiclient.Client
}

// freeAddrs reserves loopback ports. The ports are released before the
// nodes listen, the cluster list needs them up front.
func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, 0, n)
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, l)
		addrs = append(addrs, l.Addr().String())
	}
	for _, l := range listeners {
		require.NoError(t, l.Close())
	}
	return addrs
}

func startCluster(t *testing.T) *testCluster {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	addrs := freeAddrs(t, nodeCount)
	specs := make([]config.NodeSpec, nodeCount)
	for i, addr := range addrs {
		specs[i] = config.NodeSpec{ID: fmt.Sprintf("n%d", i+1), Addr: "http://" + addr}
	}

	tc := &testCluster{t: t}
	for i, addr := range addrs {
		cfg := config.NewConfig()
		cfg.Node.ID = specs[i].ID
		cfg.Node.Listen = addr
		cfg.Cluster.Nodes = specs
		cfg.Cluster.ReplicationFactor = replicationFactor
		cfg.Cluster.BucketCount = 64
		cfg.Heartbeat.Interval = 50 * time.Millisecond
		cfg.Heartbeat.Timeout = 40 * time.Millisecond
		cfg.Queue.RetryInitialInterval = 20 * time.Millisecond
		cfg.Queue.RetryMaxInterval = 200 * time.Millisecond
		cfg.Queue.IdleInterval = 50 * time.Millisecond
		cfg.Storage.Driver = "memory"
		cfg.Spaces = []string{space}

		logger := zaptest.NewLogger(t).Named(cfg.Node.ID)
		ctx, cancel := context.WithCancel(context.Background())
		proc := servicectx.New(ctx, cancel, logger, servicectx.WithoutSignals())

		n, err := node.New(ctx, cfg, logger, proc.Shutdown)
		require.NoError(t, err)
		require.NoError(t, n.Start(proc))

		tc.procs = append(tc.procs, proc)
		tc.clients = append(tc.clients, apiclient.New(addr, 5*time.Second))
	}
	t.Cleanup(tc.stop)

	require.Eventually(t, tc.converged, 10*time.Second, 50*time.Millisecond, "cluster did not converge")
	return tc
}

func (tc *testCluster) stop() {
	var g errgroup.Group
	for _, proc := range tc.procs {
		proc := proc
		g.Go(func() error {
			proc.Shutdown(errors.New("test done"))
			_ = proc.WaitForShutdown()
			return nil
		})
	}
	_ = g.Wait()
}

// converged reports whether every node is ready, sees every node alive
// and holds the same shard map.
func (tc *testCluster) converged() bool {
	ctx := context.Background()
	var checksum string
	for i, c := range tc.clients {
		ready, err := c.Ready(ctx)
		if err != nil || !ready {
			return false
		}
		nodes, err := c.Nodes(ctx)
		if err != nil || len(nodes) != nodeCount {
			return false
		}
		for _, n := range nodes {
			if n.Liveness != cluster.LivenessAlive {
				return false
			}
		}
		dump, err := c.ShardMap(ctx)
		if err != nil {
			return false
		}
		if i == 0 {
			checksum = dump.Checksum
		} else if dump.Checksum != checksum {
			return false
		}
	}
	return true
}

func TestCluster_ShardMap(t *testing.T) {
	tc := startCluster(t)
	ctx := context.Background()

	dump, err := tc.clients[0].ShardMap(ctx)
	require.NoError(t, err)
	assert.Len(t, dump.Shards, nodeCount/replicationFactor)
	for _, s := range dump.Shards {
		assert.Len(t, s.Replicas, replicationFactor)
	}

	// Every node answers the same replica set for the same key.
	want, err := tc.clients[0].Shard(ctx, "10")
	require.NoError(t, err)
	for _, c := range tc.clients[1:] {
		got, err := c.Shard(ctx, "10")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCluster_SinglePhase(t *testing.T) {
	tc := startCluster(t)
	ctx := context.Background()

	// Write through every node, keys land on both shards.
	for i := 1; i <= 8; i++ {
		c := tc.clients[i%nodeCount]
		tuple, err := c.Write(ctx, space, model.Mutation{
			Kind:  model.KindInsert,
			Tuple: storage.Tuple{int64(i), fmt.Sprintf("value %d", i)},
		})
		require.NoError(t, err)
		assert.Equal(t, storage.Tuple{int64(i), fmt.Sprintf("value %d", i)}, tuple)
	}

	_, err := tc.clients[0].Write(ctx, space, model.Mutation{Kind: model.KindInsert, Tuple: storage.Tuple{int64(1), "again"}})
	require.Error(t, err)
	assert.Equal(t, "conflict", svcerrors.ErrorName(err))

	updated, err := tc.clients[2].Write(ctx, space, model.Update(storage.IntKey(3), storage.UpdateOp{Op: "=", Field: 2, Value: "changed"}))
	require.NoError(t, err)
	assert.Equal(t, storage.Tuple{int64(3), "changed"}, updated)

	_, err = tc.clients[3].Write(ctx, space, model.Delete(storage.IntKey(8)))
	require.NoError(t, err)

	// Any node reads any key.
	got, err := tc.clients[1].Get(ctx, space, storage.IntKey(3))
	require.NoError(t, err)
	assert.Equal(t, storage.Tuple{int64(3), "changed"}, got)

	all, err := tc.clients[0].Select(ctx, space, merger.Desc)
	require.NoError(t, err)
	keys := make([]any, 0, len(all))
	for _, tuple := range all {
		keys = append(keys, tuple[0])
	}
	assert.Equal(t, []any{int64(7), int64(6), int64(5), int64(4), int64(3), int64(2), int64(1)}, keys)
}

func TestCluster_AutoIncrementUnique(t *testing.T) {
	tc := startCluster(t)
	ctx := context.Background()

	seen := map[any]bool{}
	for i := 0; i < 12; i++ {
		tuple, err := tc.clients[i%nodeCount].Write(ctx, space, model.Mutation{
			Kind:   model.KindAutoIncrement,
			Fields: storage.Tuple{fmt.Sprintf("row %d", i)},
		})
		require.NoError(t, err)
		require.Len(t, tuple, 2)
		assert.False(t, seen[tuple[0]], "duplicate id %v", tuple[0])
		seen[tuple[0]] = true
	}

	all, err := tc.clients[0].Select(ctx, space, merger.Asc)
	require.NoError(t, err)
	assert.Len(t, all, 12)
}

func TestCluster_Queue(t *testing.T) {
	tc := startCluster(t)
	ctx := context.Background()
	c := tc.clients[0]

	submissions := []struct {
		id storage.Key
		m  model.Mutation
	}{
		{storage.IntKey(1), model.Mutation{Kind: model.KindInsert, Tuple: storage.Tuple{int64(0), "test"}}},
		{storage.IntKey(2), model.Mutation{Kind: model.KindReplace, Tuple: storage.Tuple{int64(0), "test2"}}},
		{storage.IntKey(3), model.Update(storage.IntKey(0), storage.UpdateOp{Op: "=", Field: 2, Value: "test3"})},
		{storage.IntKey(4), model.Mutation{Kind: model.KindAutoIncrement, Fields: storage.Tuple{"test3"}}},
		{storage.StringKey("5"), model.Mutation{Kind: model.KindAutoIncrement, Fields: storage.Tuple{"test4"}}},
	}
	for _, s := range submissions {
		created, err := c.Enqueue(ctx, space, s.id, s.m)
		require.NoError(t, err)
		assert.True(t, created, "operation %s", s.id)
	}

	// Resubmission is accepted without effect.
	created, err := c.Enqueue(ctx, space, storage.IntKey(1), model.Mutation{
		Kind:  model.KindInsert,
		Tuple: storage.Tuple{int64(0), "other"},
	})
	require.NoError(t, err)
	assert.False(t, created)

	var all []storage.Tuple
	require.Eventually(t, func() bool {
		all, err = tc.clients[3].Select(ctx, space, merger.Asc)
		return err == nil && len(all) == 3
	}, 10*time.Second, 50*time.Millisecond)

	// Operations were applied in id order: the update saw the replace,
	// the auto-increment of 4 got the lower id.
	assert.Equal(t, storage.Tuple{int64(0), "test3"}, all[0])
	require.Len(t, all[1], 2)
	require.Len(t, all[2], 2)
	assert.Equal(t, "test3", all[1][1])
	assert.Equal(t, "test4", all[2][1])

	// The primary of the tuple's shard knows the operation.
	target, err := c.Shard(ctx, "0")
	require.NoError(t, err)
	status, err := c.CheckOperation(ctx, space, storage.IntKey(1), target.Index)
	require.NoError(t, err)
	assert.True(t, status.Found)
	assert.Contains(t, []string{"applied", "done"}, status.Status)

	status, err = c.CheckOperation(ctx, space, storage.StringKey("12345"), target.Index)
	require.NoError(t, err)
	assert.False(t, status.Found)
}

// Package coordinator maintains the cluster view every shardq node routes by.
//
// # Overview
//
// There is no central coordinator process. Each node runs its own
// HeartbeatMonitor over the same static node list, and each node's State
// converges to the same shard map because the map is a pure function of the
// alive set (see package shardmap).
//
// # Core Components
//
// State: process-scoped cluster view
//   - Static node list, local node id, replication factor, bucket count
//   - Liveness per node, the local node is always alive
//   - Current shard map behind an atomic pointer, readers load snapshots
//   - Rebuilds and publishes the map whenever the alive set changes
//
// HeartbeatMonitor: liveness detection
//   - Probes all remote nodes concurrently every interval
//   - Each probe is bounded by the per-probe timeout
//   - Dead after MaxFailures consecutive failures, alive on first success
//   - Ready closes once the first full round has completed
//
// # Failure Detection Bound
//
// With interval I and threshold F, a node that stops answering is removed
// from the map within F*I plus one probe timeout. A node that comes back is
// routable again after the next round.
//
// # Usage Example
//
//	state, err := coordinator.NewState(coordinator.StateConfig{
//	    LocalID:           cfg.Node.ID,
//	    Nodes:             nodes,
//	    ReplicationFactor: cfg.Cluster.ReplicationFactor,
//	    BucketCount:       cfg.Cluster.BucketCount,
//	}, logger, m)
//	if err != nil {
//	    return err
//	}
//
//	monitor := coordinator.NewHeartbeatMonitor(state, hbCfg, client.Ping, clock, logger, m)
//	go monitor.Run(ctx)
//
//	shard, err := state.Route(key)
package coordinator

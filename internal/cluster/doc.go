// Package cluster holds the static node list types and the node-to-node
// RPC client of shardq.
//
// # Overview
//
// Membership is static: every node reads the same ordered list of NodeInfo
// from its configuration. Nodes are never added or removed at runtime, the
// heartbeat monitor only flips their Liveness between alive and dead.
// A node marked standby in the configuration has PrimaryEligible=false and
// is ordered after eligible replicas of its shard.
//
// # Communication Protocol
//
// All inter-node traffic is HTTP/JSON:
//
// Heartbeat (GET /health):
//   - Periodic liveness probe, any 2xx answer counts as alive
//
// Single-phase write (POST /internal/spaces/:space/exec):
//   - Applies an ExecRequest to the receiver's engine, no retry on failure
//
// Queued write (POST /internal/spaces/:space/replicate):
//   - Applies a ReplicateRequest and records its id in one transaction
//   - Skipped when the id is already recorded, so delivery is idempotent
//
// Operation lookup (GET /internal/spaces/:space/operations?id=&type=):
//   - Returns the receiver's own OperationStatus
//
// Shard read (GET /internal/spaces/:space/select):
//   - Returns the receiver's tuples of the space ordered by key
//
// # Failure Handling
//
// Client maps failures to two kinds:
//   - transport errors and 5xx answers: svcerrors.ReplicaUnreachableError,
//     the queue retries these with backoff
//   - other non-2xx answers: ResponseError carrying the remote error name
//
// # Usage Example
//
//	client := cluster.NewClient(5*time.Second, logger)
//	if err := client.Ping(ctx, node); err != nil {
//	    // count a heartbeat failure
//	}
//
//	tuple, err := client.Exec(ctx, node, "demo", model.Mutation{
//	    Kind:  model.KindReplace,
//	    Tuple: storage.Tuple{int64(1), "a"},
//	})
package cluster

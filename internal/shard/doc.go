// Package shard routes keys to replica sets and runs the single-phase
// write discipline against them.
//
// # Overview
//
// A shard is a replica set: an ordered list of nodes, primary first. Which
// shard owns a key is decided by the current shard map (package shardmap),
// which every node computes from the same static node list and the alive set
// published by its heartbeat monitor.
//
// # Core Components
//
// Router: key to replica list
//   - Reads the current map snapshot, never blocks on the network
//   - Integer keys and their canonical string form route identically
//   - Dump returns the full bucket table with its checksum
//
// Executor: single-phase writes and reads
//   - ApplySingle writes to every live replica, primary first, synchronously
//   - The first replica error is returned at once, no retry, no rollback
//   - Auto-increment reserves an id from the local stripe, then inserts
//   - Select reads one key from the shard primary
//   - SelectAll reads every shard primary concurrently and merges the
//     results with package merger
//
// Stats: per-space operation counters
//   - Insert, replace, update, delete and select counts
//   - Lock-free, updated atomically
//
// # Key Routing
//
//	key ──► normalize ──► xxhash64 % buckets ──► bucket table ──► shard
//	 10        "10"            bucket 17            shard 1       [n3, n4]
//	"10"       "10"            bucket 17            shard 1       [n3, n4]
//
// # Single-Phase Writes
//
// Local replicas are written in one engine transaction, remote replicas via
// the exec RPC of package cluster. A failed write leaves the replicas that
// already applied it in place, callers that need durability and ordering use
// the two-phase queue instead.
//
// # Error Mapping
//
//	storage.ErrDuplicateKey            ──► svcerrors.ConflictError (409)
//	invalid key, invalid update        ──► svcerrors.BadRequestError (400)
//	no live shard for the bucket       ──► svcerrors.RoutingError (503)
//	replica down or failing            ──► svcerrors.ReplicaUnreachableError (502)
//
// # Usage Example
//
//	router := shard.NewRouter(state)
//	executor := shard.NewExecutor(cfg.Spaces, router, engine, client, ids, logger, m)
//
//	tuple, err := executor.ApplySingle(ctx, "demo", model.Mutation{
//	    Kind:   model.KindAutoIncrement,
//	    Fields: storage.Tuple{"test3"},
//	})
//
//	all, err := executor.SelectAll(ctx, "demo", merger.Desc)
package shard

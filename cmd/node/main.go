// Package main implements the shardq node, one member of a statically
// configured cluster that stores tuples and routes every key to its shard.
//
// Every node is equal. Each one:
//   - Probes all configured nodes and keeps its own shard map
//   - Serves the client API and routes writes to the key's replica set
//   - Runs the durable two-phase queue for the operations it accepted
//   - Applies writes and replicated operations sent by other nodes
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                      │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health         - Heartbeat probe    │
//	│    /metrics        - Prometheus         │
//	│    /v1/...         - Client API         │
//	│    /internal/...   - Node to node RPC   │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    HeartbeatMonitor - Liveness          │
//	│    State            - Shard map         │
//	│    Executor         - Single-phase      │
//	│    Queue            - Two-phase         │
//	│    Engine           - SQLite or memory  │
//	└─────────────────────────────────────────┘
//
// Configuration is read from the YAML file given by --config, then from
// SHARDQ_* environment variables, then from flags.
//
// Example usage:
//
//	# Start a node
//	shardq-node --config cluster.yaml --node-id n1 --listen :8081
//
//	# Override a key by environment
//	SHARDQ_LOG_LEVEL=debug shardq-node --config cluster.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/shardq/internal/config"
	"github.com/dreamware/shardq/internal/logger"
	"github.com/dreamware/shardq/internal/node"
	"github.com/dreamware/shardq/internal/servicectx"
	"github.com/dreamware/shardq/internal/svcerrors"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(opts ...servicectx.Option) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "shardq-node",
		Short:         "Run a shardq node",
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts...)
		},
	}
	config.Flags(cmd.Flags())
	return cmd
}

// run blocks until the node is stopped by a signal, the command context or a fatal error.
func run(cmd *cobra.Command, opts ...servicectx.Option) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log, cfg.Node.ID, cmd.ErrOrStderr())
	if err != nil {
		return svcerrors.NewConfigError(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	proc := servicectx.New(ctx, cancel, log, opts...)

	n, err := node.New(ctx, cfg, log, proc.Shutdown)
	if err != nil {
		log.Error("cannot create node", zap.Error(err))
		proc.Shutdown(err)
		_ = proc.WaitForShutdown()
		return err
	}
	if err := n.Start(proc); err != nil {
		log.Error("cannot start node", zap.Error(err))
		proc.Shutdown(err)
		_ = proc.WaitForShutdown()
		return err
	}
	log.Info("node started",
		zap.String("listen", n.Addr()),
		zap.Int("nodes", len(cfg.Cluster.Nodes)),
		zap.Int("replicationFactor", cfg.Cluster.ReplicationFactor),
		zap.Strings("spaces", cfg.Spaces),
	)

	cause := proc.WaitForShutdown()
	if svcerrors.IsFatal(cause) {
		return fmt.Errorf("node stopped: %w", cause)
	}
	if errors.Is(cause, context.Canceled) {
		return nil
	}
	log.Info("node stopped", zap.NamedError("cause", cause))
	return nil
}

// Package node wires the components of one shardq node together.
//
// Startup order: lock the data directory, open the storage engine, build the
// cluster view, then start the HTTP listener and the heartbeat monitor. The
// queue apply loops start only after the first heartbeat round, so they never
// deliver against a cluster view in which every peer is still unknown.
// Shutdown runs in reverse order.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/shardq/internal/autoinc"
	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/config"
	"github.com/dreamware/shardq/internal/coordinator"
	"github.com/dreamware/shardq/internal/metrics"
	"github.com/dreamware/shardq/internal/queue"
	"github.com/dreamware/shardq/internal/server"
	"github.com/dreamware/shardq/internal/servicectx"
	"github.com/dreamware/shardq/internal/shard"
	"github.com/dreamware/shardq/internal/shardmap"
	"github.com/dreamware/shardq/internal/storage"
)

const (
	lockFile        = ".shardq.lock"
	shutdownTimeout = 10 * time.Second
)

// Node is a running shardq node.
type Node struct {
	cfg    config.Config
	logger *zap.Logger
	clock  clockwork.Clock

	lock     *flock.Flock
	engine   storage.Engine
	metrics  *metrics.Metrics
	state    *coordinator.State
	monitor  *coordinator.HeartbeatMonitor
	client   *cluster.Client
	ids      *autoinc.Coordinator
	router   *shard.Router
	executor *shard.Executor
	queue    *queue.Queue
	server   *server.Server

	listener   net.Listener
	httpServer *http.Server
	// loops tracks the goroutines that use the engine
	loops sync.WaitGroup
}

// Option customizes a Node, used by tests.
type Option func(n *Node)

// WithClock replaces the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(n *Node) {
		n.clock = clock
	}
}

// New opens the storage engine and builds all components.
// onFatal is called when the node must stop, for example when its
// auto-increment stripe is exhausted.
//
// Returns svcerrors.ConfigError for an invalid configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, onFatal func(error), opts ...Option) (_ *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, logger: logger, clock: clockwork.NewRealClock(), metrics: metrics.New()}
	for _, o := range opts {
		o(n)
	}

	// Release everything opened so far on error
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.close())
		}
	}()

	if err := n.openStorage(ctx); err != nil {
		return nil, err
	}

	nodes := cfg.ClusterNodes()
	n.state, err = coordinator.NewState(coordinator.StateConfig{
		LocalID:           cfg.Node.ID,
		Nodes:             nodes,
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		BucketCount:       cfg.Cluster.BucketCount,
	}, logger.Named("state"), n.metrics)
	if err != nil {
		return nil, err
	}

	n.client = cluster.NewClient(cfg.RPC.Timeout, logger.Named("client"))
	n.monitor = coordinator.NewHeartbeatMonitor(n.state, coordinator.HeartbeatConfig{
		Interval:    cfg.Heartbeat.Interval,
		Timeout:     cfg.Heartbeat.Timeout,
		MaxFailures: cfg.Heartbeat.MaxFailures,
	}, n.client.Ping, n.clock, logger.Named("heartbeat"), n.metrics)

	n.ids, err = autoinc.New(cfg.NodeIndex(), len(nodes), logger.Named("autoinc"), onFatal)
	if err != nil {
		return nil, err
	}

	n.router = shard.NewRouter(n.state)
	n.executor = shard.NewExecutor(cfg.Spaces, n.router, n.engine, n.client, n.ids, logger.Named("executor"), n.metrics)
	n.queue = queue.New(queue.Config{
		Spaces:               cfg.Spaces,
		Retention:            cfg.Queue.Retention,
		CleanupInterval:      cfg.Queue.CleanupInterval,
		RetryInitialInterval: cfg.Queue.RetryInitialInterval,
		RetryMaxInterval:     cfg.Queue.RetryMaxInterval,
		IdleInterval:         cfg.Queue.IdleInterval,
	}, n.engine, n.state, n.client, n.ids, n.clock, logger.Named("queue"), n.metrics)

	n.server = server.New(server.Dependencies{
		Nodes:     n.state,
		Readiness: n.monitor,
		Router:    n.router,
		Executor:  n.executor,
		Queue:     n.queue,
		Metrics:   n.metrics,
	}, logger.Named("http"))

	n.state.OnChange(func(m *shardmap.Map) {
		logger.Info("shard map changed", zap.String("checksum", m.Checksum()), zap.Int("routableShards", len(m.RoutableShards())))
	})
	return n, nil
}

func (n *Node) openStorage(ctx context.Context) error {
	switch n.cfg.Storage.Driver {
	case config.StorageMemory:
		n.engine = storage.NewMemoryEngine()
	case config.StorageSQLite:
		dir := filepath.Dir(n.cfg.Storage.Path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf(`cannot create data directory "%s": %w`, dir, err)
		}

		// Only one process may own the database
		n.lock = flock.New(filepath.Join(dir, lockFile))
		if locked, err := n.lock.TryLock(); err != nil {
			return fmt.Errorf(`cannot acquire lock "%s": %w`, n.lock.Path(), err)
		} else if !locked {
			return fmt.Errorf(`cannot acquire lock "%s": already locked`, n.lock.Path())
		}

		engine, err := storage.OpenSQLite(ctx, n.cfg.Storage.Path)
		if err != nil {
			return err
		}
		n.engine = engine
	default:
		return fmt.Errorf(`unknown storage driver "%s"`, n.cfg.Storage.Driver)
	}
	n.logger.Info("storage opened", zap.String("driver", n.cfg.Storage.Driver), zap.String("path", n.cfg.Storage.Path))
	return nil
}

// Start listens on the configured address and starts the background loops
// as operations of the process. Resources are released on process shutdown.
func (n *Node) Start(proc *servicectx.Process) error {
	listener, err := net.Listen("tcp", n.cfg.Node.Listen)
	if err != nil {
		return multierr.Append(fmt.Errorf(`cannot listen on "%s": %w`, n.cfg.Node.Listen, err), n.close())
	}
	n.listener = listener
	n.httpServer = &http.Server{
		Handler:           n.server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// OnShutdown callbacks run in LIFO order: the HTTP server stops first
	proc.OnShutdown(func() {
		n.loops.Wait()
		if err := n.close(); err != nil {
			n.logger.Error("cannot close node", zap.Error(err))
		}
	})
	proc.OnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.httpServer.Shutdown(ctx); err != nil {
			n.logger.Error("cannot shutdown HTTP server", zap.Error(err))
		}
	})

	proc.Add(func(_ context.Context, errCh chan<- error) {
		n.logger.Info("listening", zap.String("addr", listener.Addr().String()))
		if err := n.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	})
	n.loops.Add(2)
	proc.Add(func(ctx context.Context, _ chan<- error) {
		defer n.loops.Done()
		n.monitor.Run(ctx)
	})
	proc.Add(func(ctx context.Context, errCh chan<- error) {
		defer n.loops.Done()
		if err := n.monitor.Ready(ctx); err != nil {
			return
		}
		n.logger.Info("cluster view ready", zap.String("checksum", n.state.Map().Checksum()))
		if err := n.queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	})
	return nil
}

// Addr returns the address the node listens on, once started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Handler returns the HTTP API of the node.
func (n *Node) Handler() http.Handler {
	return n.server
}

// State returns the cluster view of the node.
func (n *Node) State() *coordinator.State {
	return n.state
}

// Monitor returns the heartbeat monitor of the node.
func (n *Node) Monitor() *coordinator.HeartbeatMonitor {
	return n.monitor
}

// Queue returns the operation queue of the node.
func (n *Node) Queue() *queue.Queue {
	return n.queue
}

// Executor returns the single-phase executor of the node.
func (n *Node) Executor() *shard.Executor {
	return n.executor
}

func (n *Node) close() error {
	var errs error
	if n.engine != nil {
		if err := n.engine.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cannot close storage: %w", err))
		}
		n.engine = nil
	}
	if n.lock != nil {
		if err := n.lock.Unlock(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf(`cannot release lock "%s": %w`, n.lock.Path(), err))
		}
		n.lock = nil
	}
	return errs
}

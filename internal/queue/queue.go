// Package queue implements the two-phase durable operation queue.
//
// Phase one, Enqueue, persists the operation in the local operation log and
// returns. Phase two runs in one apply goroutine per space: it picks the
// lowest pending id, resolves its target shard once, and drives it to Done by
// applying it to every replica of the shard. Each replica records the id in
// the same transaction that mutates its data, so an operation replayed after
// a crash never mutates twice.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardq/internal/autoinc"
	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/metrics"
	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/shardmap"
	"github.com/dreamware/shardq/internal/storage"
	"github.com/dreamware/shardq/internal/svcerrors"
)

// Cluster is the read side of the cluster view the queue routes by.
// It is implemented by coordinator.State.
type Cluster interface {
	LocalID() string
	Node(id string) (cluster.NodeInfo, bool)
	IsAlive(id string) bool
	Route(key any) (shardmap.Shard, error)
	Shard(index int) (shardmap.Shard, error)
}

// Transport delivers operations to other nodes.
// It is implemented by cluster.Client.
type Transport interface {
	Replicate(ctx context.Context, node cluster.NodeInfo, space string, req cluster.ReplicateRequest) (cluster.ReplicateResponse, error)
	OperationStatus(ctx context.Context, node cluster.NodeInfo, space string, id storage.Key) (cluster.OperationStatus, error)
}

// Config of the queue.
type Config struct {
	Spaces               []string
	Retention            time.Duration
	CleanupInterval      time.Duration
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	IdleInterval         time.Duration
}

// Queue is the operation queue of one node.
// Thread-safe: All methods are safe for concurrent access.
type Queue struct {
	cfg       Config
	engine    storage.Engine
	cluster   Cluster
	transport Transport
	ids       *autoinc.Coordinator
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	loops map[string]*applyLoop
}

// New creates the queue. Nothing is applied until Run is called.
func New(cfg Config, engine storage.Engine, c Cluster, transport Transport, ids *autoinc.Coordinator, clock clockwork.Clock, logger *zap.Logger, m *metrics.Metrics) *Queue {
	q := &Queue{
		cfg:       cfg,
		engine:    engine,
		cluster:   c,
		transport: transport,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		metrics:   m,
		loops:     make(map[string]*applyLoop, len(cfg.Spaces)),
	}
	for _, space := range cfg.Spaces {
		q.loops[space] = &applyLoop{
			queue:  q,
			space:  space,
			wake:   make(chan struct{}, 1),
			logger: logger.With(zap.String("space", space)),
		}
	}
	return q
}

// Run starts the apply loops and the cleanup loop and blocks until ctx is canceled.
// Each loop first resumes at the lowest id that is not done.
func (q *Queue) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	for _, loop := range q.loops {
		grp.Go(func() error {
			loop.run(ctx)
			return nil
		})
	}
	grp.Go(func() error {
		q.runCleanup(ctx)
		return nil
	})
	q.logger.Info("queue started", zap.Int("spaces", len(q.loops)))
	err := grp.Wait()
	q.logger.Info("queue stopped")
	return err
}

// Enqueue persists the operation with status queued and wakes the space's apply loop.
// Enqueuing an id that is already in the log is a successful no-op, the
// returned flag is false in that case.
//
// Returns svcerrors.BadRequestError for an unknown space or an invalid mutation.
//
// Example:
//
//	created, err := q.Enqueue(ctx, "demo", queue.IntegerID(1), model.Mutation{
//	    Kind:  model.KindInsert,
//	    Tuple: storage.Tuple{int64(1), "test"},
//	})
func (q *Queue) Enqueue(ctx context.Context, space string, id OperationID, m model.Mutation) (created bool, err error) {
	loop, err := q.loop(space)
	if err != nil {
		return false, err
	}
	if err := m.Validate(); err != nil {
		return false, svcerrors.NewBadRequestError(err)
	}

	op := &Operation{
		ID:       id,
		Kind:     m.Kind,
		Space:    space,
		Status:   StatusQueued,
		Payload:  m,
		QueuedAt: q.clock.Now(),
		origin:   q.cluster.LocalID(),
	}
	rec, err := op.record()
	if err != nil {
		return false, err
	}

	err = q.engine.Atomic(ctx, func(tx storage.Tx) error {
		existing, err := tx.GetOperation(ctx, space, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		created = true
		return tx.PutOperation(ctx, rec)
	})
	if err != nil {
		return false, fmt.Errorf("cannot enqueue operation %s: %w", id, err)
	}

	if !created {
		q.logger.Debug("duplicate submission", zap.String("space", space), zap.Stringer("id", id))
		return false, nil
	}
	q.logger.Debug("operation queued", zap.String("space", space), zap.Stringer("id", id), zap.String("kind", string(m.Kind)))
	loop.notify()
	q.updatePending(ctx, space)
	return true, nil
}

// Get returns the local log entry, or nil if the id is unknown.
func (q *Queue) Get(ctx context.Context, space string, id OperationID) (*Operation, error) {
	if _, err := q.loop(space); err != nil {
		return nil, err
	}
	rec, err := q.engine.GetOperation(ctx, space, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return fromRecord(*rec)
}

// Pending returns the number of operations of the space that are not done.
func (q *Queue) Pending(ctx context.Context, space string) (int, error) {
	if _, err := q.loop(space); err != nil {
		return 0, err
	}
	recs, err := q.engine.ListOperations(ctx, space, storage.OperationQueued, storage.OperationApplied)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// LocalStatus returns this node's own view of the operation.
// An unknown id is not an error, Found is false.
func (q *Queue) LocalStatus(ctx context.Context, space string, id OperationID) (cluster.OperationStatus, error) {
	op, err := q.Get(ctx, space, id)
	if err != nil {
		return cluster.OperationStatus{}, err
	}
	if op == nil {
		return cluster.OperationStatus{Found: false}, nil
	}
	return cluster.OperationStatus{Found: true, Status: string(op.Status)}, nil
}

// CheckOperation asks the primary of the shard for its view of the operation.
// The local log answers when this node is a member of the shard.
// An unknown id is not an error, Found is false.
//
// Returns svcerrors.NotFoundError for an unknown shard and
// svcerrors.RoutingError when the shard has no live replica.
func (q *Queue) CheckOperation(ctx context.Context, space string, id OperationID, shardIndex int) (cluster.OperationStatus, error) {
	if _, err := q.loop(space); err != nil {
		return cluster.OperationStatus{}, err
	}
	shard, err := q.cluster.Shard(shardIndex)
	if err != nil {
		return cluster.OperationStatus{}, err
	}
	if shard.Has(q.cluster.LocalID()) {
		return q.LocalStatus(ctx, space, id)
	}
	primary, ok := shard.Primary()
	if !ok {
		return cluster.OperationStatus{}, svcerrors.NewRoutingError(id.String(), shardmap.NoShard)
	}
	return q.transport.OperationStatus(ctx, primary, space, id)
}

func (q *Queue) loop(space string) (*applyLoop, error) {
	loop, ok := q.loops[space]
	if !ok {
		return nil, svcerrors.NewBadRequestError(fmt.Errorf(`unknown space "%s"`, space))
	}
	return loop, nil
}

func (q *Queue) updatePending(ctx context.Context, space string) {
	if q.metrics == nil {
		return
	}
	n, err := q.Pending(ctx, space)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			q.logger.Warn("cannot count pending operations", zap.String("space", space), zap.Error(err))
		}
		return
	}
	q.metrics.Pending(space, n)
}

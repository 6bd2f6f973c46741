package shard

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardq/internal/autoinc"
	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/merger"
	"github.com/dreamware/shardq/internal/metrics"
	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/shardmap"
	"github.com/dreamware/shardq/internal/storage"
	"github.com/dreamware/shardq/internal/svcerrors"
)

// Transport executes requests on other nodes. It is implemented by cluster.Client.
type Transport interface {
	Exec(ctx context.Context, node cluster.NodeInfo, space string, m model.Mutation) (storage.Tuple, error)
	Get(ctx context.Context, node cluster.NodeInfo, space string, key storage.Key) (storage.Tuple, error)
	Select(ctx context.Context, node cluster.NodeInfo, space string) ([]storage.Tuple, error)
}

// Executor runs single-phase writes and reads against the shard replicas.
// Thread-safe: All methods are safe for concurrent access.
type Executor struct {
	router    *Router
	engine    storage.Engine
	transport Transport
	ids       *autoinc.Coordinator
	logger    *zap.Logger
	metrics   *metrics.Metrics
	stats     map[string]*Stats
}

// NewExecutor creates an executor for the configured spaces.
func NewExecutor(spaces []string, router *Router, engine storage.Engine, transport Transport, ids *autoinc.Coordinator, logger *zap.Logger, m *metrics.Metrics) *Executor {
	e := &Executor{
		router:    router,
		engine:    engine,
		transport: transport,
		ids:       ids,
		logger:    logger,
		metrics:   m,
		stats:     make(map[string]*Stats, len(spaces)),
	}
	for _, space := range spaces {
		e.stats[space] = &Stats{}
	}
	return e
}

// ApplySingle applies the mutation synchronously to every live replica of the
// key's shard, primary first. The first replica error is returned at once:
// there is no retry and replicas that already applied are not rolled back.
// An auto-increment first reserves an id and then runs as an insert.
//
// Returns the primary's result tuple.
//
// Example:
//
//	tuple, err := executor.ApplySingle(ctx, "demo", model.Mutation{
//	    Kind:  model.KindInsert,
//	    Tuple: storage.Tuple{int64(1), "test"},
//	})
func (e *Executor) ApplySingle(ctx context.Context, space string, m model.Mutation) (result storage.Tuple, err error) {
	if err := e.checkSpace(space); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, svcerrors.NewBadRequestError(err)
	}
	kind := m.Kind
	defer func() {
		e.metrics.Single(space, string(kind), err == nil)
	}()

	if m.Kind == model.KindAutoIncrement {
		id, err := e.ids.Next(ctx, e.engine, space)
		if err != nil {
			return nil, err
		}
		m = m.Resolve(id)
	}

	key, err := m.RoutingKey()
	if err != nil {
		return nil, svcerrors.NewBadRequestError(err)
	}
	shard, err := e.router.Route(key.Value())
	if err != nil {
		return nil, err
	}

	for i, replica := range shard.Replicas {
		var tuple storage.Tuple
		if e.router.IsLocal(replica.ID) {
			tuple, err = e.ExecLocal(ctx, space, m)
		} else {
			tuple, err = e.transport.Exec(ctx, replica, space, m)
		}
		if err != nil {
			e.logger.Warn("single-phase write failed",
				zap.String("space", space),
				zap.String("node", replica.ID),
				zap.Int("replica", i),
				zap.Stringer("key", key),
				zap.Error(err),
			)
			return nil, err
		}
		if i == 0 {
			result = tuple
		}
	}
	return result, nil
}

// ExecLocal applies the mutation to the local engine in one transaction.
// Storage refusals are mapped to client errors: a duplicate key to
// svcerrors.ConflictError, invalid keys and updates to svcerrors.BadRequestError.
func (e *Executor) ExecLocal(ctx context.Context, space string, m model.Mutation) (storage.Tuple, error) {
	if err := e.checkSpace(space); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, svcerrors.NewBadRequestError(err)
	}

	var out storage.Tuple
	err := e.engine.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		out, err = m.Apply(ctx, tx, space)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrDuplicateKey):
		return nil, svcerrors.NewConflictError(err)
	case model.IsRejection(err), errors.Is(err, model.ErrUnresolved):
		return nil, svcerrors.NewBadRequestError(err)
	case err != nil:
		return nil, fmt.Errorf("cannot apply %s to space %q: %w", m.Kind, space, err)
	}
	e.stats[space].record(m.Kind)
	return out, nil
}

// Select returns the tuple with the key from the shard primary, nil if it doesn't exist.
func (e *Executor) Select(ctx context.Context, space string, key any) (storage.Tuple, error) {
	if err := e.checkSpace(space); err != nil {
		return nil, err
	}
	k, err := storage.KeyOf(key)
	if err != nil {
		return nil, svcerrors.NewBadRequestError(err)
	}
	shard, err := e.router.Route(k.Value())
	if err != nil {
		return nil, err
	}
	primary, _ := shard.Primary()
	if e.router.IsLocal(primary.ID) {
		return e.GetLocal(ctx, space, k)
	}
	return e.transport.Get(ctx, primary, space, k)
}

// GetLocal returns the tuple from the local engine, nil if it doesn't exist.
func (e *Executor) GetLocal(ctx context.Context, space string, key storage.Key) (storage.Tuple, error) {
	if err := e.checkSpace(space); err != nil {
		return nil, err
	}
	e.stats[space].recordSelect()
	return e.engine.Get(ctx, space, key)
}

// SelectLocal returns all tuples of the space stored on this node, ordered by key.
func (e *Executor) SelectLocal(ctx context.Context, space string) ([]storage.Tuple, error) {
	if err := e.checkSpace(space); err != nil {
		return nil, err
	}
	e.stats[space].recordSelect()
	return e.engine.Select(ctx, space)
}

// SelectAll reads the space from the primary of every routable shard
// concurrently and merges the results in the requested order.
//
// Returns svcerrors.RoutingError if any shard is unroutable, the result
// would silently miss its tuples otherwise.
func (e *Executor) SelectAll(ctx context.Context, space string, order merger.Order) ([]storage.Tuple, error) {
	if err := e.checkSpace(space); err != nil {
		return nil, err
	}
	m := e.router.view.Map()
	routable := m.RoutableShards()
	if len(routable) < m.ShardCount() {
		return nil, svcerrors.NewRoutingError("*", shardmap.NoShard)
	}

	results := make([][]storage.Tuple, len(routable))
	grp, grpCtx := errgroup.WithContext(ctx)
	for i, s := range routable {
		primary, _ := s.Primary()
		grp.Go(func() error {
			var err error
			if e.router.IsLocal(primary.ID) {
				results[i], err = e.SelectLocal(grpCtx, space)
			} else {
				results[i], err = e.transport.Select(grpCtx, primary, space)
			}
			if err != nil {
				return fmt.Errorf("shard %d: %w", s.Index, err)
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return merger.Merge(order, results...)
}

// Stats returns the operation counts and storage statistics of the space.
func (e *Executor) Stats(ctx context.Context, space string) (SpaceStats, error) {
	if err := e.checkSpace(space); err != nil {
		return SpaceStats{}, err
	}
	storageStats, err := e.engine.Stats(ctx)
	if err != nil {
		return SpaceStats{}, err
	}
	return SpaceStats{Space: space, Ops: e.stats[space].Snapshot(), Storage: storageStats}, nil
}

func (e *Executor) checkSpace(space string) error {
	if _, ok := e.stats[space]; !ok {
		return svcerrors.NewBadRequestError(fmt.Errorf(`unknown space "%s"`, space))
	}
	return nil
}

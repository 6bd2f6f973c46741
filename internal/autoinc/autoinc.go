// Package autoinc generates cluster-unique integer primary keys.
//
// Every node owns one stripe of the id space: the node at position i of the
// configured node list hands out ids with id%len(nodes) == i. Reservations are
// durable in the storage engine, so a restarted node never repeats an id.
//
// Stripes follow nodes, not shards. Ids grow per node, a shard written through
// several nodes sees interleaved stripes.
package autoinc

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/shardq/internal/storage"
	"github.com/dreamware/shardq/internal/svcerrors"
)

// Coordinator reserves ids from the local node's stripe.
// Thread-safe: ReserveID is serialized by the storage engine.
type Coordinator struct {
	stripe  int64
	stride  int64
	logger  *zap.Logger
	onFatal func(error)
}

// New creates a coordinator for the stripe.
// onFatal is called once per exhausted reservation, usually to stop the node.
//
// Example:
//
//	ids, err := autoinc.New(state.NodeIndex(state.LocalID()), len(state.Nodes()), logger, proc.Shutdown)
func New(stripe, stride int, logger *zap.Logger, onFatal func(error)) (*Coordinator, error) {
	if stride < 1 || stripe < 0 || stripe >= stride {
		return nil, svcerrors.NewConfigErrorf("invalid auto-increment stripe %d of %d", stripe, stride)
	}
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Coordinator{
		stripe:  int64(stripe),
		stride:  int64(stride),
		logger:  logger,
		onFatal: onFatal,
	}, nil
}

// Stripe returns the residue of all ids handed out by this coordinator.
func (c *Coordinator) Stripe() int64 {
	return c.stripe
}

// Stride returns the distance between two consecutive ids of the stripe.
func (c *Coordinator) Stride() int64 {
	return c.stride
}

// Next reserves the next id of the space.
// w is either the engine or a transaction, in which case the reservation
// commits together with everything else the transaction does.
//
// Returns svcerrors.ExhaustedError when the stripe has no ids left.
func (c *Coordinator) Next(ctx context.Context, w storage.Writer, space string) (int64, error) {
	id, err := w.ReserveID(ctx, space, c.stripe, c.stride)
	if errors.Is(err, storage.ErrIDSpaceExhausted) {
		exhausted := svcerrors.NewExhaustedError(space, c.stripe)
		c.logger.Error("auto-increment exhausted", zap.String("space", space), zap.Int64("stripe", c.stripe))
		c.onFatal(exhausted)
		return 0, exhausted
	}
	if err != nil {
		return 0, fmt.Errorf("cannot reserve id in space %q: %w", space, err)
	}
	c.logger.Debug("id reserved", zap.String("space", space), zap.Int64("id", id))
	return id, nil
}

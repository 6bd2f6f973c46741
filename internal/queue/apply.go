package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/storage"
	"github.com/dreamware/shardq/internal/svcerrors"
)

// applyLoop drives the operations of one space to Done.
//
// An operation becomes Applied only after every lower id did. Once it is
// Applied the loop moves on, the remaining replicas are retried on later
// passes. A replica never receives an id before the lower ids it missed.
type applyLoop struct {
	queue  *Queue
	space  string
	wake   chan struct{}
	logger *zap.Logger

	// last is the highest id applied by this process
	last *OperationID
}

func (l *applyLoop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *applyLoop) run(ctx context.Context) {
	l.logger.Info("apply loop started")
	defer l.logger.Info("apply loop stopped")

	b := l.queue.newBackoff()
	for {
		progressed, remaining, err := l.step(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.logger.Error("apply step failed", zap.Error(err))
		} else if progressed {
			b.Reset()
			continue
		}

		delay := l.queue.cfg.IdleInterval
		if remaining > 0 || err != nil {
			delay = b.NextBackOff()
		}
		select {
		case <-l.wake:
		case <-l.queue.clock.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// step makes one pass over the pending operations, lowest id first.
//
// Returns whether any operation moved and how many are still pending.
func (l *applyLoop) step(ctx context.Context) (progressed bool, remaining int, err error) {
	defer l.queue.updatePending(ctx, l.space)

	recs, err := l.queue.engine.ListOperations(ctx, l.space, storage.OperationQueued, storage.OperationApplied)
	if err != nil {
		return false, 0, fmt.Errorf("cannot list pending operations: %w", err)
	}

	// Replicas that missed an id in this pass, higher ids wait for the retry
	blocked := make(map[string]bool)
	for i, rec := range recs {
		op, err := fromRecord(rec)
		if err != nil {
			return progressed, len(recs) - i, err
		}
		op, moved, err := l.advance(ctx, op, blocked)
		if moved {
			progressed = true
		}
		if err != nil {
			return progressed, len(recs) - i, err
		}
		if op.Status != StatusDone {
			remaining++
		}
		if op.Status == StatusQueued {
			// Nothing above an unapplied id may be applied
			remaining += len(recs) - i - 1
			break
		}
	}
	return progressed, remaining, nil
}

// advance resolves the operation and tries each replica not blocked in this pass once.
func (l *applyLoop) advance(ctx context.Context, op *Operation, blocked map[string]bool) (*Operation, bool, error) {
	moved := false
	if !op.resolved {
		next, err := l.resolve(ctx, op)
		if ctx.Err() != nil {
			return op, false, ctx.Err()
		}
		if err != nil {
			if svcerrors.IsFatal(err) {
				return op, false, err
			}
			l.logger.Warn("cannot resolve operation", zap.Stringer("id", op.ID), zap.Error(err))
			return op, false, nil
		}
		op, moved = next, true
	}

	wasQueued := op.Status == StatusQueued
	acked := len(op.Acked)
	op, err := l.deliver(ctx, op, blocked)
	if len(op.Acked) > acked {
		moved = true
	}
	if err != nil {
		return op, moved, err
	}
	if wasQueued && op.Status == StatusApplied {
		if l.last != nil && op.ID.Compare(*l.last) < 0 {
			l.logger.Warn("operation arrived after a higher id was applied",
				zap.Stringer("id", op.ID),
				zap.Stringer("last", *l.last),
			)
		} else {
			id := op.ID
			l.last = &id
		}
	}

	if len(op.Pending()) == 0 {
		if op, err = l.finish(ctx, op); err != nil {
			return op, moved, err
		}
		moved = true
	}
	return op, moved, nil
}

// resolve reserves the auto-increment id and fixes the target replica set.
// Both are persisted, so a restarted loop resumes with the same targets.
func (l *applyLoop) resolve(ctx context.Context, op *Operation) (*Operation, error) {
	return l.update(ctx, op, func(tx storage.Tx, op *Operation) error {
		if op.resolved {
			return nil
		}
		if op.Payload.Kind == model.KindAutoIncrement {
			id, err := l.queue.ids.Next(ctx, tx, l.space)
			if err != nil {
				return err
			}
			op.ReservedID = id
			op.Payload = op.Payload.Resolve(id)
		}
		key, err := op.Payload.RoutingKey()
		if err != nil {
			return err
		}
		shard, err := l.queue.cluster.Route(key.Value())
		if err != nil {
			return err
		}
		op.Targets = op.Targets[:0]
		for _, n := range shard.Targets() {
			op.Targets = append(op.Targets, n.ID)
		}
		op.shardIndex = shard.Index
		op.resolved = true
		l.logger.Debug("operation resolved",
			zap.Stringer("id", op.ID),
			zap.Int("shard", shard.Index),
			zap.Strings("targets", op.Targets),
		)
		return nil
	})
}

// deliver tries every target that has not acknowledged yet, once, in target order.
// A target that fails is added to blocked. Delivery failures are logged and
// left for the next pass, only storage and context errors are returned.
func (l *applyLoop) deliver(ctx context.Context, op *Operation, blocked map[string]bool) (*Operation, error) {
	local := l.queue.cluster.LocalID()
	for _, nodeID := range op.Pending() {
		if nodeID == local {
			next, err := l.applyLocal(ctx, op)
			if err != nil {
				return op, err
			}
			op = next
			continue
		}
		if blocked[nodeID] {
			continue
		}

		next, err := l.applyRemote(ctx, op, nodeID)
		if ctx.Err() != nil {
			return op, ctx.Err()
		}
		if err != nil {
			blocked[nodeID] = true
			l.queue.metrics.Retry(l.space, nodeID)
			l.logger.Warn("replica did not acknowledge",
				zap.Stringer("id", op.ID),
				zap.String("node", nodeID),
				zap.Error(err),
			)
			continue
		}
		op = next
	}
	return op, nil
}

// applyLocal applies the mutation to the local engine and acks the local
// node in the same transaction.
func (l *applyLoop) applyLocal(ctx context.Context, op *Operation) (*Operation, error) {
	local := l.queue.cluster.LocalID()
	return l.update(ctx, op, func(tx storage.Tx, op *Operation) error {
		if !op.appliedLocally {
			if _, err := op.Payload.Apply(ctx, tx, l.space); err != nil {
				if !model.IsRejection(err) {
					return err
				}
				l.rejected(op, local, err.Error(), alreadyApplied(op.Payload, err))
			}
			op.appliedLocally = true
		}
		op.ack(local, l.queue.clock.Now())
		return nil
	})
}

// applyRemote sends the operation to a replica and persists the acknowledgement.
func (l *applyLoop) applyRemote(ctx context.Context, op *Operation, nodeID string) (*Operation, error) {
	node, ok := l.queue.cluster.Node(nodeID)
	if !ok {
		return op, fmt.Errorf(`target node "%s" is not configured`, nodeID)
	}
	if !l.queue.cluster.IsAlive(nodeID) {
		return op, svcerrors.NewReplicaUnreachableError(nodeID, errors.New("node is not alive"))
	}

	resp, err := l.queue.transport.Replicate(ctx, node, l.space, cluster.ReplicateRequest{
		ID:       op.ID,
		Origin:   l.queue.cluster.LocalID(),
		Mutation: op.Payload,
	})
	if err != nil {
		return op, err
	}

	return l.update(ctx, op, func(_ storage.Tx, op *Operation) error {
		switch resp.Result {
		case cluster.ReplicateRejected:
			l.rejected(op, nodeID, resp.Error, false)
		case cluster.ReplicateConflict:
			// Retrying cannot change the receiver's log
			op.LastError = resp.Error
			l.logger.Error("replica holds a different operation under the same id",
				zap.Stringer("id", op.ID),
				zap.String("node", nodeID),
				zap.String("reason", resp.Error),
			)
		}
		op.ack(nodeID, l.queue.clock.Now())
		return nil
	})
}

func (l *applyLoop) finish(ctx context.Context, op *Operation) (*Operation, error) {
	op, err := l.update(ctx, op, func(_ storage.Tx, op *Operation) error {
		op.Status = StatusDone
		op.DoneAt = l.queue.clock.Now()
		return nil
	})
	if err != nil {
		return op, err
	}
	l.queue.metrics.Done(l.space)
	l.logger.Debug("operation done",
		zap.Stringer("id", op.ID),
		zap.Strings("acked", op.Acked),
		zap.Duration("took", op.DoneAt.Sub(op.QueuedAt)),
	)
	return op, nil
}

// rejected records a deterministic storage refusal. Every replica refuses the
// same mutation, so the operation still counts as applied.
func (l *applyLoop) rejected(op *Operation, nodeID, reason string, applied bool) {
	if applied {
		l.logger.Debug("insert already applied", zap.Stringer("id", op.ID), zap.String("node", nodeID))
		return
	}
	op.LastError = reason
	l.logger.Error("operation rejected by storage",
		zap.Stringer("id", op.ID),
		zap.String("node", nodeID),
		zap.String("kind", string(op.Kind)),
		zap.String("reason", reason),
	)
}

// update re-reads the operation inside a transaction, applies fn and stores the result.
// On error the operation passed in is returned unchanged.
func (l *applyLoop) update(ctx context.Context, op *Operation, fn func(tx storage.Tx, op *Operation) error) (*Operation, error) {
	var out *Operation
	err := l.queue.engine.Atomic(ctx, func(tx storage.Tx) error {
		rec, err := tx.GetOperation(ctx, l.space, op.ID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("operation %s is not in the log", op.ID)
		}
		current, err := fromRecord(*rec)
		if err != nil {
			return err
		}
		if err := fn(tx, current); err != nil {
			return err
		}
		next, err := current.record()
		if err != nil {
			return err
		}
		if err := tx.PutOperation(ctx, next); err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		return op, err
	}
	return out, nil
}

func (q *Queue) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = q.cfg.RetryInitialInterval
	b.Multiplier = 2
	b.MaxInterval = q.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0 // never stop
	b.Reset()
	return b
}

// alreadyApplied reports whether a queued insert met its own earlier application.
func alreadyApplied(m model.Mutation, err error) bool {
	return m.Kind == model.KindInsert && errors.Is(err, storage.ErrDuplicateKey)
}

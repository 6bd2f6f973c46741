package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/storage"
	"github.com/dreamware/shardq/internal/svcerrors"
)

// ApplyReplicated applies an operation delivered by another node.
//
// The mutation and the log record are written in one transaction. If the log
// already shows the id as applied on this node the mutation is skipped, so a
// replayed delivery never mutates twice. The record is kept as a replica
// entry: CheckOperation reports it as applied and the apply loop ignores it.
//
// An id already in the log is merged or skipped only when both payloads are
// equal. Otherwise nothing is applied and the result is ReplicateConflict.
func (q *Queue) ApplyReplicated(ctx context.Context, space string, req cluster.ReplicateRequest) (cluster.ReplicateResponse, error) {
	if _, err := q.loop(space); err != nil {
		return cluster.ReplicateResponse{}, err
	}
	if req.Mutation.Kind == model.KindAutoIncrement {
		return cluster.ReplicateResponse{}, svcerrors.NewBadRequestError(model.ErrUnresolved)
	}
	if err := req.Mutation.Validate(); err != nil {
		return cluster.ReplicateResponse{}, svcerrors.NewBadRequestError(err)
	}

	now := q.clock.Now()
	resp := cluster.ReplicateResponse{Result: cluster.ReplicateApplied}
	err := q.engine.Atomic(ctx, func(tx storage.Tx) error {
		resp = cluster.ReplicateResponse{Result: cluster.ReplicateApplied}

		var op *Operation
		rec, err := tx.GetOperation(ctx, space, req.ID)
		if err != nil {
			return err
		}
		if rec != nil {
			if op, err = fromRecord(*rec); err != nil {
				return err
			}
			same, err := samePayload(op, req.Mutation)
			if err != nil {
				return err
			}
			if !same {
				// The local operation keeps its own payload
				resp = cluster.ReplicateResponse{
					Result: cluster.ReplicateConflict,
					Error:  svcerrors.NewConflictError(fmt.Errorf(`operation %s from "%s" differs from the one queued on this node`, req.ID, req.Origin)).Error(),
				}
				return nil
			}
			if op.appliedLocally {
				resp.Result = cluster.ReplicateSkipped
				return nil
			}
			if op.Payload.Kind == model.KindAutoIncrement {
				if id, ok := req.Mutation.Tuple[0].(int64); ok {
					op.ReservedID = id
				}
			}
			op.Payload = req.Mutation
		} else {
			op = &Operation{
				ID:        req.ID,
				Kind:      req.Mutation.Kind,
				Space:     space,
				Status:    StatusApplied,
				Payload:   req.Mutation,
				QueuedAt:  now,
				AppliedAt: now,
				DoneAt:    now,
				origin:    req.Origin,
				resolved:  true,
				replica:   true,
			}
		}

		if _, err := req.Mutation.Apply(ctx, tx, space); err != nil {
			if !model.IsRejection(err) {
				return err
			}
			if !alreadyApplied(req.Mutation, err) {
				resp = cluster.ReplicateResponse{Result: cluster.ReplicateRejected, Error: err.Error()}
				op.LastError = err.Error()
			}
		}
		op.appliedLocally = true
		if !op.replica {
			// The id is also queued on this node, its own loop must not apply it again
			op.ack(q.cluster.LocalID(), now)
		}

		next, err := op.record()
		if err != nil {
			return err
		}
		return tx.PutOperation(ctx, next)
	})
	if err != nil {
		return cluster.ReplicateResponse{}, fmt.Errorf("cannot apply replicated operation %s: %w", req.ID, err)
	}

	q.logger.Debug("replicated operation",
		zap.String("space", space),
		zap.Stringer("id", req.ID),
		zap.String("origin", req.Origin),
		zap.String("result", resp.Result),
	)
	switch resp.Result {
	case cluster.ReplicateRejected:
		q.logger.Error("replicated operation rejected by storage",
			zap.String("space", space),
			zap.Stringer("id", req.ID),
			zap.String("reason", resp.Error),
		)
	case cluster.ReplicateConflict:
		q.logger.Error("replicated operation conflicts with a local one",
			zap.String("space", space),
			zap.Stringer("id", req.ID),
			zap.String("origin", req.Origin),
		)
	}
	return resp, nil
}

// samePayload reports whether a delivered mutation is the operation already
// queued here. An unresolved local auto-increment matches the insert it
// resolves to on any id.
func samePayload(op *Operation, m model.Mutation) (bool, error) {
	local := op.Payload
	if local.Kind == model.KindAutoIncrement && m.Kind == model.KindInsert && len(m.Tuple) > 0 {
		local = model.Mutation{Kind: model.KindInsert, Tuple: append(storage.Tuple{m.Tuple[0]}, local.Fields...)}
	}
	a, err := json.Marshal(local)
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}

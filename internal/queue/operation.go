package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/storage"
)

// OperationID is a caller assigned operation identifier, either an integer
// or a text. The two are distinct namespaces: IntegerID(5) and TextID("5")
// are different operations. All integer ids sort before all text ids.
type OperationID = storage.Key

// IntegerID returns an integer operation id.
func IntegerID(v int64) OperationID {
	return storage.IntKey(v)
}

// TextID returns a text operation id.
func TextID(v string) OperationID {
	return storage.StringKey(v)
}

// Status of an operation as seen by the node that accepted it.
type Status string

const (
	StatusQueued  Status = storage.OperationQueued
	StatusApplied Status = storage.OperationApplied
	StatusDone    Status = storage.OperationDone
)

// Operation is one entry of a space's queue.
type Operation struct {
	ID     OperationID `json:"id"`
	Kind   model.Kind  `json:"kind"`
	Space  string      `json:"space"`
	Status Status      `json:"status"`
	// Payload is the mutation, an auto-increment is replaced by its insert once resolved.
	Payload   model.Mutation `json:"payload"`
	QueuedAt  time.Time      `json:"queuedAt"`
	AppliedAt time.Time      `json:"appliedAt"`
	DoneAt    time.Time      `json:"doneAt"`
	// ReservedID is the id reserved for an auto-increment, 0 otherwise.
	ReservedID int64 `json:"reservedId,omitempty"`
	// Targets are the node ids of the target shard, resolved once.
	Targets []string `json:"targets,omitempty"`
	// Acked are the targets that applied the operation.
	Acked     []string `json:"acked,omitempty"`
	LastError string   `json:"lastError,omitempty"`

	origin         string
	appliedLocally bool
	resolved       bool
	shardIndex     int
	// replica marks a record created by a replicate call from another node
	replica bool
}

// operationMeta is the part of the operation stored in OperationRecord.Meta.
type operationMeta struct {
	ReservedID     int64    `json:"reservedId,omitempty"`
	Targets        []string `json:"targets,omitempty"`
	Acked          []string `json:"acked,omitempty"`
	LastError      string   `json:"lastError,omitempty"`
	Origin         string   `json:"origin,omitempty"`
	AppliedLocally bool     `json:"appliedLocally,omitempty"`
	Resolved       bool     `json:"resolved,omitempty"`
	Shard          int      `json:"shard,omitempty"`
}

// Resolved reports whether the target shard has been fixed.
func (op *Operation) Resolved() bool {
	return op.resolved
}

// IsAcked reports whether the node acknowledged the operation.
func (op *Operation) IsAcked(nodeID string) bool {
	return slices.Contains(op.Acked, nodeID)
}

// Pending returns the targets that have not acknowledged yet, in target order.
func (op *Operation) Pending() []string {
	var out []string
	for _, id := range op.Targets {
		if !op.IsAcked(id) {
			out = append(out, id)
		}
	}
	return out
}

func (op *Operation) ack(nodeID string, now time.Time) {
	if !op.IsAcked(nodeID) {
		op.Acked = append(op.Acked, nodeID)
	}
	if op.Status == StatusQueued {
		op.Status = StatusApplied
		op.AppliedAt = now
	}
}

func (op *Operation) record() (storage.OperationRecord, error) {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return storage.OperationRecord{}, fmt.Errorf("cannot encode operation payload: %w", err)
	}
	status := string(op.Status)
	if op.replica {
		status = storage.OperationReplicated
	}
	meta, err := json.Marshal(operationMeta{
		ReservedID:     op.ReservedID,
		Targets:        op.Targets,
		Acked:          op.Acked,
		LastError:      op.LastError,
		Origin:         op.origin,
		AppliedLocally: op.appliedLocally,
		Resolved:       op.resolved,
		Shard:          op.shardIndex,
	})
	if err != nil {
		return storage.OperationRecord{}, fmt.Errorf("cannot encode operation meta: %w", err)
	}
	return storage.OperationRecord{
		Space:     op.Space,
		ID:        op.ID,
		Kind:      string(op.Kind),
		Payload:   payload,
		Status:    status,
		QueuedAt:  op.QueuedAt,
		AppliedAt: op.AppliedAt,
		DoneAt:    op.DoneAt,
		Meta:      meta,
	}, nil
}

func fromRecord(rec storage.OperationRecord) (*Operation, error) {
	op := &Operation{
		ID:        rec.ID,
		Kind:      model.Kind(rec.Kind),
		Space:     rec.Space,
		Status:    Status(rec.Status),
		QueuedAt:  rec.QueuedAt,
		AppliedAt: rec.AppliedAt,
		DoneAt:    rec.DoneAt,
	}
	if err := json.Unmarshal(rec.Payload, &op.Payload); err != nil {
		return nil, fmt.Errorf(`cannot decode payload of operation %s: %w`, rec.ID, err)
	}
	if len(rec.Meta) > 0 {
		var meta operationMeta
		if err := json.Unmarshal(rec.Meta, &meta); err != nil {
			return nil, fmt.Errorf(`cannot decode meta of operation %s: %w`, rec.ID, err)
		}
		op.ReservedID = meta.ReservedID
		op.Targets = meta.Targets
		op.Acked = meta.Acked
		op.LastError = meta.LastError
		op.origin = meta.Origin
		op.appliedLocally = meta.AppliedLocally
		op.resolved = meta.Resolved
		op.shardIndex = meta.Shard
	}
	// A record created by a replicate call is applied from the point of view of this node
	if rec.Status == storage.OperationReplicated {
		op.Status = StatusApplied
		op.replica = true
	}
	return op, nil
}

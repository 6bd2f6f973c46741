package storage

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// ErrDuplicateKey is returned by Insert when a tuple with the same primary key exists.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrIDSpaceExhausted is returned by ReserveID when the stripe has no ids left.
var ErrIDSpaceExhausted = errors.New("id space exhausted")

// Operation log statuses as persisted by the engine.
// The queue package gives them meaning, the engine only stores and filters them.
// Done and replicated entries are finished, DoneAt is set for both.
const (
	OperationQueued     = "queued"
	OperationApplied    = "applied"
	OperationDone       = "done"
	OperationReplicated = "replicated"
)

// OperationRecord is one entry of the per-space operation log.
// It lives in the same durable medium as the tuples, so a single
// transaction can mutate data and record the operation.
type OperationRecord struct {
	Space     string
	ID        Key
	Kind      string
	Payload   json.RawMessage
	Status    string
	QueuedAt  time.Time
	AppliedAt time.Time
	DoneAt    time.Time
	Meta      json.RawMessage
}

// Reader defines read access to tuples and the operation log.
type Reader interface {
	// Get returns the tuple with the key, or nil if it doesn't exist.
	Get(ctx context.Context, space string, key Key) (Tuple, error)

	// Select returns all tuples of the space ordered by primary key.
	Select(ctx context.Context, space string) ([]Tuple, error)

	// GetOperation returns the log entry, or nil if it doesn't exist.
	GetOperation(ctx context.Context, space string, id Key) (*OperationRecord, error)

	// ListOperations returns log entries ordered by id.
	// If statuses are given, only entries in one of them are returned.
	ListOperations(ctx context.Context, space string, statuses ...string) ([]OperationRecord, error)
}

// Writer defines the mutations. Engine methods run each call in its own
// transaction, Tx methods run inside the enclosing Atomic call.
type Writer interface {
	Reader

	// Insert stores a new tuple, ErrDuplicateKey if the key exists.
	Insert(ctx context.Context, space string, t Tuple) (Tuple, error)

	// Replace stores the tuple, overwriting any existing one.
	Replace(ctx context.Context, space string, t Tuple) (Tuple, error)

	// Update applies ops to the tuple with the key.
	// Returns nil without error if the key doesn't exist.
	Update(ctx context.Context, space string, key Key, ops []UpdateOp) (Tuple, error)

	// Delete removes the tuple and returns it, nil if it didn't exist.
	Delete(ctx context.Context, space string, key Key) (Tuple, error)

	// ReserveID durably reserves the next id of the stripe:
	// the smallest positive id with id%stride == stripe that is greater than
	// both the last reserved id and the largest integer key in the space.
	ReserveID(ctx context.Context, space string, stripe, stride int64) (int64, error)

	// PutOperation creates or overwrites a log entry.
	PutOperation(ctx context.Context, rec OperationRecord) error

	// DeleteOperationsBefore removes finished entries with DoneAt before the time.
	DeleteOperationsBefore(ctx context.Context, space string, doneBefore time.Time) (int, error)
}

// Tx is a Writer bound to one transaction.
type Tx interface {
	Writer
}

// Engine is a storage backend.
// All implementations must be safe for concurrent use.
type Engine interface {
	Writer

	// Atomic runs fn in one transaction. If fn returns an error,
	// nothing fn did is persisted.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// Stats returns storage statistics.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Stats contains statistics about the engine.
type Stats struct {
	Tuples     int `json:"tuples"`
	Operations int `json:"operations"`
}

// nextStripeID returns the smallest positive id greater than floor with id%stride == stripe.
func nextStripeID(floor, stripe, stride int64) (int64, error) {
	if stride < 1 || stripe < 0 || stripe >= stride {
		return 0, errors.New("invalid stripe")
	}
	if floor < 0 {
		floor = 0
	}
	if floor > math.MaxInt64-stride {
		return 0, ErrIDSpaceExhausted
	}
	next := floor + 1
	r := next % stride
	if r <= stripe {
		next += stripe - r
	} else {
		next += stride - r + stripe
	}
	return next, nil
}

// Package model holds the write requests shared by the single-phase and
// the queued paths.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/shardq/internal/storage"
)

// Kind is the type of write.
type Kind string

const (
	KindInsert        Kind = "insert"
	KindReplace       Kind = "replace"
	KindUpdate        Kind = "update"
	KindDelete        Kind = "delete"
	KindAutoIncrement Kind = "auto-increment"
)

// Kinds lists all kinds in the order they are documented.
var Kinds = []Kind{KindInsert, KindReplace, KindUpdate, KindDelete, KindAutoIncrement}

// ParseKind converts the wire name to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf(`unknown operation kind "%s"`, s)
}

// Mutation is one write against a space.
//
//   - insert, replace: Tuple is the whole tuple, field 1 is the key
//   - update: Key and Ops
//   - delete: Key
//
// Key is a pointer so a request without one is told apart from key 0.
//   - auto-increment: Fields are the tuple without the key,
//     Resolve turns it into an insert once the id is known
type Mutation struct {
	Kind   Kind               `json:"kind"`
	Tuple  storage.Tuple      `json:"tuple,omitempty"`
	Key    *storage.Key       `json:"key,omitempty"`
	Ops    []storage.UpdateOp `json:"ops,omitempty"`
	Fields storage.Tuple      `json:"fields,omitempty"`
}

type applyFn func(ctx context.Context, w storage.Writer, space string, m Mutation) (storage.Tuple, error)

// appliers is the static dispatch table from kind to storage call.
// Auto-increment is missing on purpose, it must be resolved first.
var appliers = map[Kind]applyFn{
	KindInsert: func(ctx context.Context, w storage.Writer, space string, m Mutation) (storage.Tuple, error) {
		return w.Insert(ctx, space, m.Tuple)
	},
	KindReplace: func(ctx context.Context, w storage.Writer, space string, m Mutation) (storage.Tuple, error) {
		return w.Replace(ctx, space, m.Tuple)
	},
	KindUpdate: func(ctx context.Context, w storage.Writer, space string, m Mutation) (storage.Tuple, error) {
		return w.Update(ctx, space, *m.Key, m.Ops)
	},
	KindDelete: func(ctx context.Context, w storage.Writer, space string, m Mutation) (storage.Tuple, error) {
		return w.Delete(ctx, space, *m.Key)
	},
}

// Update builds an update of the tuple with the given key.
func Update(key storage.Key, ops ...storage.UpdateOp) Mutation {
	return Mutation{Kind: KindUpdate, Key: &key, Ops: ops}
}

// Delete builds a delete of the tuple with the given key.
func Delete(key storage.Key) Mutation {
	return Mutation{Kind: KindDelete, Key: &key}
}

// ErrUnresolved is returned when an auto-increment mutation is applied before Resolve.
var ErrUnresolved = errors.New("auto-increment mutation has no id yet")

// Validate checks the shape of the mutation.
func (m Mutation) Validate() error {
	switch m.Kind {
	case KindInsert, KindReplace:
		if _, err := m.Tuple.PrimaryKey(); err != nil {
			return fmt.Errorf("%s: %w", m.Kind, err)
		}
		if _, err := m.Tuple.Normalize(); err != nil {
			return fmt.Errorf("%s: %w", m.Kind, err)
		}
	case KindUpdate:
		if m.Key == nil {
			return fmt.Errorf(`%s: missing "key"`, m.Kind)
		}
		if err := storage.ValidateUpdate(m.Ops); err != nil {
			return fmt.Errorf("%s: %w", m.Kind, err)
		}
	case KindDelete:
		if m.Key == nil {
			return fmt.Errorf(`%s: missing "key"`, m.Kind)
		}
	case KindAutoIncrement:
		if _, err := m.Fields.Normalize(); err != nil {
			return fmt.Errorf("%s: %w", m.Kind, err)
		}
	default:
		return fmt.Errorf(`unknown operation kind "%s"`, m.Kind)
	}
	return nil
}

// RoutingKey returns the primary key the mutation touches.
func (m Mutation) RoutingKey() (storage.Key, error) {
	switch m.Kind {
	case KindInsert, KindReplace:
		return m.Tuple.PrimaryKey()
	case KindUpdate, KindDelete:
		if m.Key == nil {
			return storage.Key{}, fmt.Errorf(`%s: missing "key"`, m.Kind)
		}
		return *m.Key, nil
	case KindAutoIncrement:
		return storage.Key{}, ErrUnresolved
	default:
		return storage.Key{}, fmt.Errorf(`unknown operation kind "%s"`, m.Kind)
	}
}

// Resolve turns an auto-increment mutation into the insert of [id, fields...].
// Other kinds are returned unchanged.
func (m Mutation) Resolve(id int64) Mutation {
	if m.Kind != KindAutoIncrement {
		return m
	}
	tuple := make(storage.Tuple, 0, len(m.Fields)+1)
	tuple = append(tuple, id)
	tuple = append(tuple, m.Fields...)
	return Mutation{Kind: KindInsert, Tuple: tuple}
}

// Apply runs the mutation against a writer, usually an engine transaction.
func (m Mutation) Apply(ctx context.Context, w storage.Writer, space string) (storage.Tuple, error) {
	fn, ok := appliers[m.Kind]
	if !ok {
		if m.Kind == KindAutoIncrement {
			return nil, ErrUnresolved
		}
		return nil, fmt.Errorf(`unknown operation kind "%s"`, m.Kind)
	}
	if (m.Kind == KindUpdate || m.Kind == KindDelete) && m.Key == nil {
		return nil, fmt.Errorf(`%s: missing "key"`, m.Kind)
	}
	return fn(ctx, w, space, m)
}

// IsRejection reports whether err is a deterministic refusal by the storage engine.
// Every replica refuses the same mutation the same way, so retrying is pointless.
func IsRejection(err error) bool {
	return errors.Is(err, storage.ErrDuplicateKey) ||
		errors.Is(err, storage.ErrInvalidUpdate) ||
		errors.Is(err, storage.ErrInvalidKey)
}

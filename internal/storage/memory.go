package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryEngine implements Engine with in-memory maps.
// Uses sync.RWMutex for thread-safe concurrent access; Atomic holds the
// write lock for the whole transaction and rolls back through an undo journal.
type MemoryEngine struct {
	mu sync.RWMutex
	st memState
}

type seqKey struct {
	space  string
	stripe int64
}

type memState struct {
	tuples     map[string]map[Key]Tuple
	sequences  map[seqKey]int64
	operations map[string]map[Key]OperationRecord
}

// memTx is the transaction view, every mutation pushes an undo step.
type memTx struct {
	st   *memState
	undo []func()
}

// NewMemoryEngine creates a new in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		st: memState{
			tuples:     make(map[string]map[Key]Tuple),
			sequences:  make(map[seqKey]int64),
			operations: make(map[string]map[Key]OperationRecord),
		},
	}
}

func (m *MemoryEngine) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{st: &m.st}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func (m *MemoryEngine) Get(ctx context.Context, space string, key Key) (Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.get(space, key), nil
}

func (m *MemoryEngine) Select(ctx context.Context, space string) ([]Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.selectAll(space), nil
}

func (m *MemoryEngine) GetOperation(ctx context.Context, space string, id Key) (*OperationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getOperation(space, id), nil
}

func (m *MemoryEngine) ListOperations(ctx context.Context, space string, statuses ...string) ([]OperationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listOperations(space, statuses), nil
}

func (m *MemoryEngine) Insert(ctx context.Context, space string, t Tuple) (out Tuple, err error) {
	err = m.Atomic(ctx, func(tx Tx) error {
		out, err = tx.Insert(ctx, space, t)
		return err
	})
	return out, err
}

func (m *MemoryEngine) Replace(ctx context.Context, space string, t Tuple) (out Tuple, err error) {
	err = m.Atomic(ctx, func(tx Tx) error {
		out, err = tx.Replace(ctx, space, t)
		return err
	})
	return out, err
}

func (m *MemoryEngine) Update(ctx context.Context, space string, key Key, ops []UpdateOp) (out Tuple, err error) {
	err = m.Atomic(ctx, func(tx Tx) error {
		out, err = tx.Update(ctx, space, key, ops)
		return err
	})
	return out, err
}

func (m *MemoryEngine) Delete(ctx context.Context, space string, key Key) (out Tuple, err error) {
	err = m.Atomic(ctx, func(tx Tx) error {
		out, err = tx.Delete(ctx, space, key)
		return err
	})
	return out, err
}

func (m *MemoryEngine) ReserveID(ctx context.Context, space string, stripe, stride int64) (id int64, err error) {
	err = m.Atomic(ctx, func(tx Tx) error {
		id, err = tx.ReserveID(ctx, space, stripe, stride)
		return err
	})
	return id, err
}

func (m *MemoryEngine) PutOperation(ctx context.Context, rec OperationRecord) error {
	return m.Atomic(ctx, func(tx Tx) error {
		return tx.PutOperation(ctx, rec)
	})
}

func (m *MemoryEngine) DeleteOperationsBefore(ctx context.Context, space string, doneBefore time.Time) (n int, err error) {
	err = m.Atomic(ctx, func(tx Tx) error {
		n, err = tx.DeleteOperationsBefore(ctx, space, doneBefore)
		return err
	})
	return n, err
}

// Stats returns storage statistics.
func (m *MemoryEngine) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats Stats
	for _, tuples := range m.st.tuples {
		stats.Tuples += len(tuples)
	}
	for _, ops := range m.st.operations {
		stats.Operations += len(ops)
	}
	return stats, nil
}

func (m *MemoryEngine) Close() error {
	return nil
}

func (tx *memTx) Get(_ context.Context, space string, key Key) (Tuple, error) {
	return tx.st.get(space, key), nil
}

func (tx *memTx) Select(_ context.Context, space string) ([]Tuple, error) {
	return tx.st.selectAll(space), nil
}

func (tx *memTx) GetOperation(_ context.Context, space string, id Key) (*OperationRecord, error) {
	return tx.st.getOperation(space, id), nil
}

func (tx *memTx) ListOperations(_ context.Context, space string, statuses ...string) ([]OperationRecord, error) {
	return tx.st.listOperations(space, statuses), nil
}

func (tx *memTx) Insert(_ context.Context, space string, t Tuple) (Tuple, error) {
	t, key, err := prepareTuple(t)
	if err != nil {
		return nil, err
	}
	if tx.st.get(space, key) != nil {
		return nil, fmt.Errorf(`%w %s in space "%s"`, ErrDuplicateKey, key, space)
	}
	tx.put(space, key, t)
	return t.Clone(), nil
}

func (tx *memTx) Replace(_ context.Context, space string, t Tuple) (Tuple, error) {
	t, key, err := prepareTuple(t)
	if err != nil {
		return nil, err
	}
	tx.put(space, key, t)
	return t.Clone(), nil
}

func (tx *memTx) Update(_ context.Context, space string, key Key, ops []UpdateOp) (Tuple, error) {
	old := tx.st.get(space, key)
	if old == nil {
		return nil, nil
	}
	updated, err := ApplyUpdate(old, ops)
	if err != nil {
		return nil, err
	}
	tx.put(space, key, updated)
	return updated.Clone(), nil
}

func (tx *memTx) Delete(_ context.Context, space string, key Key) (Tuple, error) {
	old := tx.st.get(space, key)
	if old == nil {
		return nil, nil
	}
	delete(tx.st.tuples[space], key)
	tx.undo = append(tx.undo, func() { tx.st.tuples[space][key] = old })
	return old, nil
}

func (tx *memTx) ReserveID(_ context.Context, space string, stripe, stride int64) (int64, error) {
	sk := seqKey{space: space, stripe: stripe}
	last, found := tx.st.sequences[sk]
	floor := last
	for key := range tx.st.tuples[space] {
		if !key.IsString() && key.Int() > floor {
			floor = key.Int()
		}
	}
	id, err := nextStripeID(floor, stripe, stride)
	if err != nil {
		return 0, err
	}
	tx.st.sequences[sk] = id
	tx.undo = append(tx.undo, func() {
		if found {
			tx.st.sequences[sk] = last
		} else {
			delete(tx.st.sequences, sk)
		}
	})
	return id, nil
}

func (tx *memTx) PutOperation(_ context.Context, rec OperationRecord) error {
	ops := tx.st.operations[rec.Space]
	if ops == nil {
		ops = make(map[Key]OperationRecord)
		tx.st.operations[rec.Space] = ops
	}
	old, found := ops[rec.ID]
	ops[rec.ID] = rec
	tx.undo = append(tx.undo, func() {
		if found {
			ops[rec.ID] = old
		} else {
			delete(ops, rec.ID)
		}
	})
	return nil
}

func (tx *memTx) DeleteOperationsBefore(_ context.Context, space string, doneBefore time.Time) (int, error) {
	ops := tx.st.operations[space]
	n := 0
	for id, rec := range ops {
		if (rec.Status == OperationDone || rec.Status == OperationReplicated) && rec.DoneAt.Before(doneBefore) {
			delete(ops, id)
			tx.undo = append(tx.undo, func() { ops[id] = rec })
			n++
		}
	}
	return n, nil
}

func (tx *memTx) put(space string, key Key, t Tuple) {
	tuples := tx.st.tuples[space]
	if tuples == nil {
		tuples = make(map[Key]Tuple)
		tx.st.tuples[space] = tuples
	}
	old, found := tuples[key]
	tuples[key] = t
	tx.undo = append(tx.undo, func() {
		if found {
			tuples[key] = old
		} else {
			delete(tuples, key)
		}
	})
}

func (st *memState) get(space string, key Key) Tuple {
	// Return a copy to prevent external modification
	return st.tuples[space][key].Clone()
}

func (st *memState) selectAll(space string) []Tuple {
	tuples := st.tuples[space]
	keys := make([]Key, 0, len(tuples))
	for key := range tuples {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	out := make([]Tuple, 0, len(keys))
	for _, key := range keys {
		out = append(out, tuples[key].Clone())
	}
	return out
}

func (st *memState) getOperation(space string, id Key) *OperationRecord {
	rec, found := st.operations[space][id]
	if !found {
		return nil
	}
	return &rec
}

func (st *memState) listOperations(space string, statuses []string) []OperationRecord {
	out := make([]OperationRecord, 0)
	for _, rec := range st.operations[space] {
		if matchStatus(rec.Status, statuses) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out
}

func matchStatus(status string, statuses []string) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// prepareTuple normalizes the fields and extracts the primary key.
// Makes a copy to prevent external modification.
func prepareTuple(t Tuple) (Tuple, Key, error) {
	normalized, err := t.Normalize()
	if err != nil {
		return nil, Key{}, err
	}
	key, err := normalized.PrimaryKey()
	if err != nil {
		return nil, Key{}, err
	}
	return normalized, key, nil
}

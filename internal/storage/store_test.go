package storage

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type engineFactory func(t *testing.T) Engine

func engines() map[string]engineFactory {
	return map[string]engineFactory{
		"memory": func(t *testing.T) Engine {
			t.Helper()
			return NewMemoryEngine()
		},
		"sqlite": func(t *testing.T) Engine {
			t.Helper()
			e, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
			if err != nil {
				t.Fatalf("Failed to open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = e.Close() })
			return e
		},
	}
}

// TestEngine runs the same checks against every engine implementation
func TestEngine(t *testing.T) {
	for name, factory := range engines() {
		t.Run(name, func(t *testing.T) {
			testEngine(t, factory)
		})
	}
}

func testEngine(t *testing.T, newEngine engineFactory) {
	ctx := context.Background()

	t.Run("new engine is empty", func(t *testing.T) {
		e := newEngine(t)

		tuples, err := e.Select(ctx, "demo")
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		if len(tuples) != 0 {
			t.Errorf("Expected empty space, got %d tuples", len(tuples))
		}

		got, err := e.Get(ctx, "demo", IntKey(1))
		if err != nil || got != nil {
			t.Errorf("Expected nil tuple, got %v, %v", got, err)
		}
	})

	t.Run("insert and get", func(t *testing.T) {
		e := newEngine(t)

		if _, err := e.Insert(ctx, "demo", Tuple{1, "a", 2.5}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		got, err := e.Get(ctx, "demo", IntKey(1))
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(got) != 3 || got[0] != int64(1) || got[1] != "a" || got[2] != 2.5 {
			t.Errorf("Unexpected tuple %#v", got)
		}
	})

	t.Run("insert duplicate key", func(t *testing.T) {
		e := newEngine(t)

		if _, err := e.Insert(ctx, "demo", Tuple{1, "a"}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		_, err := e.Insert(ctx, "demo", Tuple{1, "b"})
		if !errors.Is(err, ErrDuplicateKey) {
			t.Errorf("Expected ErrDuplicateKey, got %v", err)
		}

		got, _ := e.Get(ctx, "demo", IntKey(1))
		if got[1] != "a" {
			t.Errorf("Duplicate insert must not overwrite, got %v", got)
		}
	})

	t.Run("integer and string keys are distinct", func(t *testing.T) {
		e := newEngine(t)

		if _, err := e.Insert(ctx, "demo", Tuple{5, "int"}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if _, err := e.Insert(ctx, "demo", Tuple{"5", "str"}); err != nil {
			t.Fatalf("Insert of string key failed: %v", err)
		}

		got, _ := e.Get(ctx, "demo", StringKey("5"))
		if got[1] != "str" {
			t.Errorf("Expected string keyed tuple, got %v", got)
		}
	})

	t.Run("replace overwrites", func(t *testing.T) {
		e := newEngine(t)

		if _, err := e.Replace(ctx, "demo", Tuple{"k", 1}); err != nil {
			t.Fatalf("Replace failed: %v", err)
		}
		if _, err := e.Replace(ctx, "demo", Tuple{"k", 2}); err != nil {
			t.Fatalf("Replace failed: %v", err)
		}

		got, _ := e.Get(ctx, "demo", StringKey("k"))
		if got[1] != int64(2) {
			t.Errorf("Expected 2, got %v", got[1])
		}
	})

	t.Run("update applies operations", func(t *testing.T) {
		e := newEngine(t)

		if _, err := e.Insert(ctx, "demo", Tuple{1, "a", 10}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		got, err := e.Update(ctx, "demo", IntKey(1), []UpdateOp{
			{Op: "=", Field: 2, Value: "b"},
			{Op: "+", Field: 3, Value: 5},
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if got[1] != "b" || got[2] != int64(15) {
			t.Errorf("Unexpected tuple %#v", got)
		}

		stored, _ := e.Get(ctx, "demo", IntKey(1))
		if stored[2] != int64(15) {
			t.Errorf("Update not persisted, got %#v", stored)
		}
	})

	t.Run("update and delete of missing key", func(t *testing.T) {
		e := newEngine(t)

		got, err := e.Update(ctx, "demo", IntKey(1), []UpdateOp{{Op: "=", Field: 2, Value: 1}})
		if err != nil || got != nil {
			t.Errorf("Expected nil result, got %v, %v", got, err)
		}
		got, err = e.Delete(ctx, "demo", IntKey(1))
		if err != nil || got != nil {
			t.Errorf("Expected nil result, got %v, %v", got, err)
		}
	})

	t.Run("delete returns old tuple", func(t *testing.T) {
		e := newEngine(t)

		if _, err := e.Insert(ctx, "demo", Tuple{1, "a"}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		got, err := e.Delete(ctx, "demo", IntKey(1))
		if err != nil || got == nil || got[1] != "a" {
			t.Errorf("Expected deleted tuple, got %v, %v", got, err)
		}
		if stored, _ := e.Get(ctx, "demo", IntKey(1)); stored != nil {
			t.Errorf("Tuple still present: %v", stored)
		}
	})

	t.Run("select is ordered by key", func(t *testing.T) {
		e := newEngine(t)

		for _, tuple := range []Tuple{{"b"}, {10}, {"a"}, {2}, {-1}} {
			if _, err := e.Insert(ctx, "demo", tuple); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}
		if _, err := e.Insert(ctx, "other", Tuple{1}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		tuples, err := e.Select(ctx, "demo")
		if err != nil {
			t.Fatalf("Select failed: %v", err)
		}
		want := []any{int64(-1), int64(2), int64(10), "a", "b"}
		if len(tuples) != len(want) {
			t.Fatalf("Expected %d tuples, got %d", len(want), len(tuples))
		}
		for i, tuple := range tuples {
			if tuple[0] != want[i] {
				t.Errorf("Position %d: expected %v, got %v", i, want[i], tuple[0])
			}
		}
	})

	t.Run("atomic rolls back on error", func(t *testing.T) {
		e := newEngine(t)

		if _, err := e.Insert(ctx, "demo", Tuple{1, "keep"}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		boom := errors.New("boom")
		err := e.Atomic(ctx, func(tx Tx) error {
			if _, err := tx.Insert(ctx, "demo", Tuple{2, "new"}); err != nil {
				return err
			}
			if _, err := tx.Replace(ctx, "demo", Tuple{1, "changed"}); err != nil {
				return err
			}
			if _, err := tx.ReserveID(ctx, "demo", 0, 3); err != nil {
				return err
			}
			if err := tx.PutOperation(ctx, OperationRecord{Space: "demo", ID: IntKey(7), Kind: "insert", Status: OperationQueued}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Expected boom, got %v", err)
		}

		if got, _ := e.Get(ctx, "demo", IntKey(2)); got != nil {
			t.Errorf("Insert not rolled back: %v", got)
		}
		if got, _ := e.Get(ctx, "demo", IntKey(1)); got[1] != "keep" {
			t.Errorf("Replace not rolled back: %v", got)
		}
		if rec, _ := e.GetOperation(ctx, "demo", IntKey(7)); rec != nil {
			t.Errorf("Operation not rolled back: %v", rec)
		}
		// Sequence rolled back, so the first id is handed out again
		if id, _ := e.ReserveID(ctx, "demo", 0, 3); id != 3 {
			t.Errorf("Expected id 3, got %d", id)
		}
	})

	t.Run("atomic commits", func(t *testing.T) {
		e := newEngine(t)

		err := e.Atomic(ctx, func(tx Tx) error {
			if _, err := tx.Insert(ctx, "demo", Tuple{1}); err != nil {
				return err
			}
			return tx.PutOperation(ctx, OperationRecord{Space: "demo", ID: StringKey("op"), Kind: "insert", Status: OperationApplied})
		})
		if err != nil {
			t.Fatalf("Atomic failed: %v", err)
		}
		if got, _ := e.Get(ctx, "demo", IntKey(1)); got == nil {
			t.Error("Tuple not committed")
		}
		if rec, _ := e.GetOperation(ctx, "demo", StringKey("op")); rec == nil || rec.Status != OperationApplied {
			t.Errorf("Operation not committed: %v", rec)
		}
	})

	t.Run("reserve id follows stripe", func(t *testing.T) {
		e := newEngine(t)

		var ids []int64
		for i := 0; i < 3; i++ {
			id, err := e.ReserveID(ctx, "demo", 1, 3)
			if err != nil {
				t.Fatalf("ReserveID failed: %v", err)
			}
			ids = append(ids, id)
		}
		want := []int64{1, 4, 7}
		for i := range want {
			if ids[i] != want[i] {
				t.Errorf("Expected %v, got %v", want, ids)
				break
			}
		}
	})

	t.Run("reserve id skips existing keys", func(t *testing.T) {
		e := newEngine(t)

		if _, err := e.Insert(ctx, "demo", Tuple{100}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if _, err := e.Insert(ctx, "demo", Tuple{"zzz"}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		id, err := e.ReserveID(ctx, "demo", 0, 3)
		if err != nil {
			t.Fatalf("ReserveID failed: %v", err)
		}
		if id != 102 {
			t.Errorf("Expected 102, got %d", id)
		}
	})

	t.Run("reserve id exhausted", func(t *testing.T) {
		e := newEngine(t)

		if _, err := e.Insert(ctx, "demo", Tuple{int64(math.MaxInt64 - 1)}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		_, err := e.ReserveID(ctx, "demo", 0, 3)
		if !errors.Is(err, ErrIDSpaceExhausted) {
			t.Errorf("Expected ErrIDSpaceExhausted, got %v", err)
		}
	})

	t.Run("operation log", func(t *testing.T) {
		e := newEngine(t)
		now := time.Now().UTC().Truncate(time.Millisecond)

		recs := []OperationRecord{
			{Space: "demo", ID: StringKey("5"), Kind: "insert", Payload: []byte(`{"tuple":[5]}`), Status: OperationQueued, QueuedAt: now},
			{Space: "demo", ID: IntKey(2), Kind: "delete", Status: OperationDone, QueuedAt: now, AppliedAt: now, DoneAt: now},
			{Space: "demo", ID: IntKey(1), Kind: "replace", Status: OperationApplied, QueuedAt: now, AppliedAt: now},
			{Space: "other", ID: IntKey(1), Kind: "replace", Status: OperationQueued, QueuedAt: now},
		}
		for _, rec := range recs {
			if err := e.PutOperation(ctx, rec); err != nil {
				t.Fatalf("PutOperation failed: %v", err)
			}
		}

		all, err := e.ListOperations(ctx, "demo")
		if err != nil {
			t.Fatalf("ListOperations failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("Expected 3 records, got %d", len(all))
		}
		if all[0].ID != IntKey(1) || all[1].ID != IntKey(2) || all[2].ID != StringKey("5") {
			t.Errorf("Unexpected order: %v, %v, %v", all[0].ID, all[1].ID, all[2].ID)
		}

		pending, err := e.ListOperations(ctx, "demo", OperationQueued, OperationApplied)
		if err != nil {
			t.Fatalf("ListOperations failed: %v", err)
		}
		if len(pending) != 2 {
			t.Errorf("Expected 2 pending records, got %d", len(pending))
		}

		rec, err := e.GetOperation(ctx, "demo", StringKey("5"))
		if err != nil || rec == nil {
			t.Fatalf("GetOperation failed: %v, %v", rec, err)
		}
		if string(rec.Payload) != `{"tuple":[5]}` || !rec.QueuedAt.Equal(now) || !rec.AppliedAt.IsZero() {
			t.Errorf("Unexpected record %+v", rec)
		}

		n, err := e.DeleteOperationsBefore(ctx, "demo", now.Add(time.Second))
		if err != nil {
			t.Fatalf("DeleteOperationsBefore failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 deleted record, got %d", n)
		}
		if rec, _ := e.GetOperation(ctx, "demo", IntKey(2)); rec != nil {
			t.Errorf("Done record not deleted: %v", rec)
		}

		stats, err := e.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.Operations != 3 {
			t.Errorf("Expected 3 operations, got %d", stats.Operations)
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		e := newEngine(t)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					if _, err := e.Replace(ctx, "demo", Tuple{i*100 + j}); err != nil {
						t.Errorf("Replace failed: %v", err)
					}
					if _, err := e.Select(ctx, "demo"); err != nil {
						t.Errorf("Select failed: %v", err)
					}
				}
			}(i)
		}
		wg.Wait()

		stats, _ := e.Stats(ctx)
		if stats.Tuples != 200 {
			t.Errorf("Expected 200 tuples, got %d", stats.Tuples)
		}
	})
}

// TestSQLiteEngineReopen verifies data, sequences and the log survive a restart
func TestSQLiteEngineReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")

	e, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if _, err := e.Insert(ctx, "demo", Tuple{1, "a"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := e.ReserveID(ctx, "demo", 2, 3); err != nil {
		t.Fatalf("ReserveID failed: %v", err)
	}
	if err := e.PutOperation(ctx, OperationRecord{Space: "demo", ID: IntKey(9), Kind: "insert", Status: OperationQueued}); err != nil {
		t.Fatalf("PutOperation failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	e, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer e.Close()

	if got, _ := e.Get(ctx, "demo", IntKey(1)); got == nil {
		t.Error("Tuple lost after reopen")
	}
	if rec, _ := e.GetOperation(ctx, "demo", IntKey(9)); rec == nil {
		t.Error("Operation lost after reopen")
	}
	// First reservation was 2, the next one must be 5
	id, err := e.ReserveID(ctx, "demo", 2, 3)
	if err != nil || id != 5 {
		t.Errorf("Expected id 5, got %d, %v", id, err)
	}
}

func TestNextStripeID(t *testing.T) {
	tests := []struct {
		floor, stripe, stride int64
		want                  int64
		wantErr               error
	}{
		{floor: 0, stripe: 0, stride: 3, want: 3},
		{floor: 0, stripe: 1, stride: 3, want: 1},
		{floor: 0, stripe: 2, stride: 3, want: 2},
		{floor: 3, stripe: 0, stride: 3, want: 6},
		{floor: 4, stripe: 1, stride: 3, want: 7},
		{floor: 4, stripe: 2, stride: 3, want: 5},
		{floor: -10, stripe: 0, stride: 1, want: 1},
		{floor: math.MaxInt64 - 3, stripe: 0, stride: 3, want: math.MaxInt64 - 1},
		{floor: math.MaxInt64 - 2, stripe: 0, stride: 3, wantErr: ErrIDSpaceExhausted},
	}

	for _, tt := range tests {
		got, err := nextStripeID(tt.floor, tt.stripe, tt.stride)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("nextStripeID(%d, %d, %d): expected %v, got %v", tt.floor, tt.stripe, tt.stride, tt.wantErr, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("nextStripeID(%d, %d, %d) = %d, %v; want %d", tt.floor, tt.stripe, tt.stride, got, err, tt.want)
		}
	}

	if _, err := nextStripeID(0, 3, 3); err == nil {
		t.Error("Expected error for stripe outside stride")
	}
}

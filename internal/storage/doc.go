// Package storage is the local storage engine of a shardq node.
//
// # Overview
//
// Every node keeps the tuples of the shards it replicates in one Engine.
// Tuples are grouped into named spaces. Field 0 of a tuple is its primary
// key, which is either an integer or a string (see Key).
//
// Next to the tuples the engine keeps two pieces of bookkeeping:
//
//   - the operation log: one OperationRecord per queued operation,
//     used by the queue package for durability and idempotence
//   - the auto-increment sequences: the last id reserved per space and stripe
//
// Both live in the same durable medium as the tuples, so Atomic can apply a
// mutation and record the operation that caused it in one transaction.
//
// # Implementations
//
// MemoryEngine: maps guarded by sync.RWMutex
//   - No persistence, used in tests and with storage.driver=memory
//   - Atomic takes the write lock and rolls back through an undo journal
//
// SQLiteEngine: a single SQLite database file (github.com/mattn/go-sqlite3)
//   - WAL journal, transactions begin IMMEDIATE
//   - One open connection, so transactions never interleave
//   - Survives restarts, the queue resumes from the persisted log
//
// # Semantics
//
//   - Insert fails with ErrDuplicateKey when the key exists
//   - Replace always stores the tuple
//   - Update and Delete of a missing key return nil and no error
//   - Select returns tuples ordered by primary key, integer keys first
//   - ReserveID returns ids above both the last reserved id and the largest
//     integer key of the space, ErrIDSpaceExhausted when none is left
//
// # Usage
//
//	engine, err := storage.OpenSQLite(ctx, "/var/lib/shardq/node.db")
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	err = engine.Atomic(ctx, func(tx storage.Tx) error {
//	    if _, err := tx.Insert(ctx, "demo", storage.Tuple{int64(1), "a"}); err != nil {
//	        return err
//	    }
//	    return tx.PutOperation(ctx, rec)
//	})
package storage

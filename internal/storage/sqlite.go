package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tuples (
	space   TEXT    NOT NULL,
	pk_type INTEGER NOT NULL,
	pk_num  INTEGER NOT NULL,
	pk_str  TEXT    NOT NULL,
	data    TEXT    NOT NULL,
	PRIMARY KEY (space, pk_type, pk_num, pk_str)
);
CREATE TABLE IF NOT EXISTS sequences (
	space  TEXT    NOT NULL,
	stripe INTEGER NOT NULL,
	last   INTEGER NOT NULL,
	PRIMARY KEY (space, stripe)
);
CREATE TABLE IF NOT EXISTS operations (
	space      TEXT    NOT NULL,
	id_type    INTEGER NOT NULL,
	id_num     INTEGER NOT NULL,
	id_str     TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	payload    BLOB,
	status     TEXT    NOT NULL,
	queued_at  INTEGER NOT NULL,
	applied_at INTEGER NOT NULL,
	done_at    INTEGER NOT NULL,
	meta       BLOB,
	PRIMARY KEY (space, id_type, id_num, id_str)
);
CREATE INDEX IF NOT EXISTS operations_status ON operations (space, status);
`

const (
	keyTypeInt = 0
	keyTypeStr = 1
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteEngine implements Engine on a single SQLite database file.
//
// The pool is limited to one connection, so transactions are serialized.
// Code running inside Atomic must only use the given Tx.
type SQLiteEngine struct {
	db *sql.DB
	r  sqliteTx
}

type sqliteTx struct {
	q querier
}

// OpenSQLite opens or creates the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteEngine, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf(`cannot open database "%s": %w`, path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf(`cannot open database "%s": %w`, path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cannot create schema: %w", err)
	}

	return &SQLiteEngine{db: db, r: sqliteTx{q: db}}, nil
}

func (e *SQLiteEngine) Atomic(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *SQLiteEngine) Get(ctx context.Context, space string, key Key) (Tuple, error) {
	return e.r.Get(ctx, space, key)
}

func (e *SQLiteEngine) Select(ctx context.Context, space string) ([]Tuple, error) {
	return e.r.Select(ctx, space)
}

func (e *SQLiteEngine) GetOperation(ctx context.Context, space string, id Key) (*OperationRecord, error) {
	return e.r.GetOperation(ctx, space, id)
}

func (e *SQLiteEngine) ListOperations(ctx context.Context, space string, statuses ...string) ([]OperationRecord, error) {
	return e.r.ListOperations(ctx, space, statuses...)
}

func (e *SQLiteEngine) Insert(ctx context.Context, space string, t Tuple) (out Tuple, err error) {
	err = e.Atomic(ctx, func(tx Tx) error {
		out, err = tx.Insert(ctx, space, t)
		return err
	})
	return out, err
}

func (e *SQLiteEngine) Replace(ctx context.Context, space string, t Tuple) (out Tuple, err error) {
	err = e.Atomic(ctx, func(tx Tx) error {
		out, err = tx.Replace(ctx, space, t)
		return err
	})
	return out, err
}

func (e *SQLiteEngine) Update(ctx context.Context, space string, key Key, ops []UpdateOp) (out Tuple, err error) {
	err = e.Atomic(ctx, func(tx Tx) error {
		out, err = tx.Update(ctx, space, key, ops)
		return err
	})
	return out, err
}

func (e *SQLiteEngine) Delete(ctx context.Context, space string, key Key) (out Tuple, err error) {
	err = e.Atomic(ctx, func(tx Tx) error {
		out, err = tx.Delete(ctx, space, key)
		return err
	})
	return out, err
}

func (e *SQLiteEngine) ReserveID(ctx context.Context, space string, stripe, stride int64) (id int64, err error) {
	err = e.Atomic(ctx, func(tx Tx) error {
		id, err = tx.ReserveID(ctx, space, stripe, stride)
		return err
	})
	return id, err
}

func (e *SQLiteEngine) PutOperation(ctx context.Context, rec OperationRecord) error {
	return e.Atomic(ctx, func(tx Tx) error {
		return tx.PutOperation(ctx, rec)
	})
}

func (e *SQLiteEngine) DeleteOperationsBefore(ctx context.Context, space string, doneBefore time.Time) (n int, err error) {
	err = e.Atomic(ctx, func(tx Tx) error {
		n, err = tx.DeleteOperationsBefore(ctx, space, doneBefore)
		return err
	})
	return n, err
}

func (e *SQLiteEngine) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tuples`).Scan(&stats.Tuples); err != nil {
		return Stats{}, err
	}
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&stats.Operations); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (e *SQLiteEngine) Close() error {
	return e.db.Close()
}

func (tx *sqliteTx) Get(ctx context.Context, space string, key Key) (Tuple, error) {
	typ, num, str := encodeKey(key)
	var data []byte
	err := tx.q.QueryRowContext(ctx,
		`SELECT data FROM tuples WHERE space = ? AND pk_type = ? AND pk_num = ? AND pk_str = ?`,
		space, typ, num, str,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return decodeTuple(data)
}

func (tx *sqliteTx) Select(ctx context.Context, space string) ([]Tuple, error) {
	rows, err := tx.q.QueryContext(ctx,
		`SELECT data FROM tuples WHERE space = ? ORDER BY pk_type, pk_num, pk_str`,
		space,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Tuple, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeTuple(data)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (tx *sqliteTx) Insert(ctx context.Context, space string, t Tuple) (Tuple, error) {
	t, key, err := prepareTuple(t)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	typ, num, str := encodeKey(key)
	_, err = tx.q.ExecContext(ctx,
		`INSERT INTO tuples (space, pk_type, pk_num, pk_str, data) VALUES (?, ?, ?, ?, ?)`,
		space, typ, num, str, string(data),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return nil, fmt.Errorf(`%w %s in space "%s"`, ErrDuplicateKey, key, space)
	} else if err != nil {
		return nil, err
	}
	return t, nil
}

func (tx *sqliteTx) Replace(ctx context.Context, space string, t Tuple) (Tuple, error) {
	t, key, err := prepareTuple(t)
	if err != nil {
		return nil, err
	}
	if err := tx.put(ctx, space, key, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (tx *sqliteTx) Update(ctx context.Context, space string, key Key, ops []UpdateOp) (Tuple, error) {
	old, err := tx.Get(ctx, space, key)
	if err != nil || old == nil {
		return nil, err
	}
	updated, err := ApplyUpdate(old, ops)
	if err != nil {
		return nil, err
	}
	if err := tx.put(ctx, space, key, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (tx *sqliteTx) Delete(ctx context.Context, space string, key Key) (Tuple, error) {
	old, err := tx.Get(ctx, space, key)
	if err != nil || old == nil {
		return nil, err
	}
	typ, num, str := encodeKey(key)
	_, err = tx.q.ExecContext(ctx,
		`DELETE FROM tuples WHERE space = ? AND pk_type = ? AND pk_num = ? AND pk_str = ?`,
		space, typ, num, str,
	)
	if err != nil {
		return nil, err
	}
	return old, nil
}

func (tx *sqliteTx) ReserveID(ctx context.Context, space string, stripe, stride int64) (int64, error) {
	var last int64
	err := tx.q.QueryRowContext(ctx,
		`SELECT last FROM sequences WHERE space = ? AND stripe = ?`,
		space, stripe,
	).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var maxKey int64
	err = tx.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(pk_num), 0) FROM tuples WHERE space = ? AND pk_type = ?`,
		space, keyTypeInt,
	).Scan(&maxKey)
	if err != nil {
		return 0, err
	}

	id, err := nextStripeID(max(last, maxKey), stripe, stride)
	if err != nil {
		return 0, err
	}

	_, err = tx.q.ExecContext(ctx,
		`INSERT INTO sequences (space, stripe, last) VALUES (?, ?, ?)
		 ON CONFLICT (space, stripe) DO UPDATE SET last = excluded.last`,
		space, stripe, id,
	)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (tx *sqliteTx) GetOperation(ctx context.Context, space string, id Key) (*OperationRecord, error) {
	typ, num, str := encodeKey(id)
	rows, err := tx.q.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations
		 WHERE space = ? AND id_type = ? AND id_num = ? AND id_str = ?`,
		space, typ, num, str,
	)
	if err != nil {
		return nil, err
	}
	recs, err := scanOperations(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (tx *sqliteTx) ListOperations(ctx context.Context, space string, statuses ...string) ([]OperationRecord, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE space = ?`
	args := []any{space}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY id_type, id_num, id_str`

	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanOperations(rows)
}

func (tx *sqliteTx) PutOperation(ctx context.Context, rec OperationRecord) error {
	typ, num, str := encodeKey(rec.ID)
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO operations (space, id_type, id_num, id_str, kind, payload, status, queued_at, applied_at, done_at, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (space, id_type, id_num, id_str) DO UPDATE SET
			kind = excluded.kind, payload = excluded.payload, status = excluded.status,
			queued_at = excluded.queued_at, applied_at = excluded.applied_at,
			done_at = excluded.done_at, meta = excluded.meta`,
		rec.Space, typ, num, str, rec.Kind, []byte(rec.Payload), rec.Status,
		encodeTime(rec.QueuedAt), encodeTime(rec.AppliedAt), encodeTime(rec.DoneAt), []byte(rec.Meta),
	)
	return err
}

func (tx *sqliteTx) DeleteOperationsBefore(ctx context.Context, space string, doneBefore time.Time) (int, error) {
	res, err := tx.q.ExecContext(ctx,
		`DELETE FROM operations WHERE space = ? AND status IN (?, ?) AND done_at < ?`,
		space, OperationDone, OperationReplicated, encodeTime(doneBefore),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (tx *sqliteTx) put(ctx context.Context, space string, key Key, t Tuple) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	typ, num, str := encodeKey(key)
	_, err = tx.q.ExecContext(ctx,
		`INSERT INTO tuples (space, pk_type, pk_num, pk_str, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (space, pk_type, pk_num, pk_str) DO UPDATE SET data = excluded.data`,
		space, typ, num, str, string(data),
	)
	return err
}

const operationColumns = `space, id_type, id_num, id_str, kind, payload, status, queued_at, applied_at, done_at, meta`

func scanOperations(rows *sql.Rows) ([]OperationRecord, error) {
	defer rows.Close()

	out := make([]OperationRecord, 0)
	for rows.Next() {
		var (
			rec                         OperationRecord
			typ                         int
			num                         int64
			str                         string
			payload, meta               []byte
			queuedAt, appliedAt, doneAt int64
		)
		err := rows.Scan(&rec.Space, &typ, &num, &str, &rec.Kind, &payload, &rec.Status, &queuedAt, &appliedAt, &doneAt, &meta)
		if err != nil {
			return nil, err
		}
		rec.ID = decodeKey(typ, num, str)
		rec.QueuedAt = decodeTime(queuedAt)
		rec.AppliedAt = decodeTime(appliedAt)
		rec.DoneAt = decodeTime(doneAt)
		if len(payload) > 0 {
			rec.Payload = payload
		}
		if len(meta) > 0 {
			rec.Meta = meta
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeKey(k Key) (typ int, num int64, str string) {
	if k.IsString() {
		return keyTypeStr, 0, k.Text()
	}
	return keyTypeInt, k.Int(), ""
}

func decodeKey(typ int, num int64, str string) Key {
	if typ == keyTypeStr {
		return StringKey(str)
	}
	return IntKey(num)
}

// encodeTime stores zero time as 0.
func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func decodeTuple(data []byte) (Tuple, error) {
	var t Tuple
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("corrupted tuple: %w", err)
	}
	return t, nil
}

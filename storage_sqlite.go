package worldstate

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite compares BLOBs with memcmp, which gives the same order as Bolt's
// byte-wise key order.
const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	k BLOB NOT NULL PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID`

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

type sqliteStorage struct {
	db *sql.DB
}

func openSQLiteStorage(path string) (storage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: connecting: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: applying schema: %w", err)
	}
	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) BeginTx(writable bool) (storageTx, error) {
	stx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{ReadOnly: !writable})
	if err != nil {
		return nil, err
	}
	return &sqliteStorageTx{stx: stx, writable: writable}, nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

type sqliteStorageTx struct {
	stx      *sql.Tx
	writable bool
}

func (tx *sqliteStorageTx) Writable() bool { return tx.writable }

func (tx *sqliteStorageTx) Get(key []byte) ([]byte, error) {
	var v []byte
	err := tx.stx.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (tx *sqliteStorageTx) Put(key, value []byte) error {
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if value == nil {
		value = []byte{}
	}
	_, err := tx.stx.Exec(`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`, key, value)
	return err
}

func (tx *sqliteStorageTx) Delete(key []byte) error {
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	_, err := tx.stx.Exec(`DELETE FROM kv WHERE k = ?`, key)
	return err
}

func (tx *sqliteStorageTx) Scan(prefix []byte, f func(k, v []byte) error) error {
	var rows *sql.Rows
	var err error
	upper := prefixUpperBound(prefix)
	switch {
	case len(prefix) == 0:
		rows, err = tx.stx.Query(`SELECT k, v FROM kv ORDER BY k`)
	case upper == nil:
		rows, err = tx.stx.Query(`SELECT k, v FROM kv WHERE k >= ? ORDER BY k`, prefix)
	default:
		rows, err = tx.stx.Query(`SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k`, prefix, upper)
	}
	if err != nil {
		return err
	}
	defer rows.Close()

	// Materialize first: callbacks may write through the same transaction,
	// and the connection is busy while rows are open.
	var items []memKV
	for rows.Next() {
		var kv memKV
		if err := rows.Scan(&kv.key, &kv.value); err != nil {
			return err
		}
		if !bytes.HasPrefix(kv.key, prefix) {
			break
		}
		items = append(items, kv)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, kv := range items {
		if err := f(kv.key, kv.value); err != nil {
			return scanStopped(err)
		}
	}
	return nil
}

func (tx *sqliteStorageTx) Commit() error {
	return tx.stx.Commit()
}

func (tx *sqliteStorageTx) Rollback() error {
	err := tx.stx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

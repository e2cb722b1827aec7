package worldstate

import (
	"errors"
	"fmt"
)

// errStopScan can be returned from a scan callback to end the scan early
// without failing it.
var errStopScan = errors.New("stop scan")

var errNotWritable = errors.New("storage returned a read-only transaction for a write")

// storage represents an ordered key-value backend (Bolt, SQLite, in-memory).
// All documents of a store live in a single keyspace; the key codec provides
// the collection and tenant structure.
type storage interface {
	// BeginTx starts a new transaction.
	BeginTx(writable bool) (storageTx, error)
	// Close closes the storage.
	Close() error
}

// storageTx represents a storage transaction. Byte slices returned by Get and
// passed to Scan callbacks are only valid until the transaction ends.
type storageTx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) ([]byte, error)

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Scan calls f for every key starting with prefix, in ascending key order.
	// An empty prefix scans the whole keyspace.
	Scan(prefix []byte, f func(k, v []byte) error) error

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times.
	Rollback() error
}

type Backend string

const (
	BackendBolt   Backend = "bolt"
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

func openStorage(opt *Options) (storage, error) {
	switch opt.Backend {
	case BackendBolt, "":
		return openBoltStorage(opt.Path, opt.IsTesting)
	case BackendSQLite:
		return openSQLiteStorage(opt.Path)
	case BackendMemory:
		return newMemStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opt.Backend)
	}
}

// scanStopped maps errStopScan to a normal scan end.
func scanStopped(err error) error {
	if errors.Is(err, errStopScan) {
		return nil
	}
	return err
}

// view runs f in a read-only transaction.
func view(st storage, f func(tx storageTx) error) error {
	tx, err := st.BeginTx(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return f(tx)
}

// update runs f in a writable transaction, committing if f succeeds.
func update(st storage, f func(tx storageTx) error) error {
	tx, err := st.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if !tx.Writable() {
		return errNotWritable
	}
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

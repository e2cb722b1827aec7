package worldstate

import (
	"bytes"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var boltBucketName = []byte("worldstate")

type boltStorage struct {
	bdb *bbolt.DB
}

func openBoltStorage(path string, testing bool) (storage, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if testing {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.FreelistType = bbolt.FreelistMapType
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("bolt: %w", err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(boltBucketName)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("bolt: creating bucket: %w", err)
	}
	return newBoltStorage(bdb), nil
}

func newBoltStorage(bdb *bbolt.DB) storage {
	return &boltStorage{bdb: bdb}
}

func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltStorageTx{btx: btx, b: btx.Bucket(boltBucketName)}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltStorageTx struct {
	btx *bbolt.Tx
	b   *bbolt.Bucket
}

func (tx *boltStorageTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltStorageTx) Get(key []byte) ([]byte, error) { return tx.b.Get(key), nil }

func (tx *boltStorageTx) Put(key, value []byte) error { return tx.b.Put(key, value) }

func (tx *boltStorageTx) Delete(key []byte) error { return tx.b.Delete(key) }

func (tx *boltStorageTx) Scan(prefix []byte, f func(k, v []byte) error) error {
	c := tx.b.Cursor()
	var k, v []byte
	if len(prefix) == 0 {
		k, v = c.First()
	} else {
		k, v = c.Seek(prefix)
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := f(k, v); err != nil {
			return scanStopped(err)
		}
	}
	return nil
}

func (tx *boltStorageTx) Commit() error { return tx.btx.Commit() }

func (tx *boltStorageTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

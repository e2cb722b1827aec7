package worldstate

import (
	"bytes"
	"fmt"
	"slices"
	"sort"
	"sync"
)

type memStorage struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []memKV // sorted by key
	closed bool
	writer bool
}

// newMemStorage returns a transient in-memory storage, used for tests and for
// stores that need no durability.
func newMemStorage() storage {
	s := &memStorage{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, ErrClosed
		}
		s.writer = true
	}

	// Snapshot the entire keyspace for transactional isolation (simplicity over efficiency).
	var snap []memKV
	if writable {
		snap = make([]memKV, len(s.items))
		for i, kv := range s.items {
			snap[i] = memKV{key: slices.Clone(kv.key), value: slices.Clone(kv.value)}
		}
	} else {
		// Committed slices are never mutated in place, so readers can share them.
		snap = s.items
	}

	return &memTx{
		writable: writable,
		base:     s,
		items:    snap,
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = nil
	if s.cond != nil {
		s.cond.Broadcast()
	}
	return nil
}

type memKV struct {
	key   []byte
	value []byte
}

type memTx struct {
	base     *memStorage
	writable bool
	items    []memKV
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) find(key []byte) (idx int, ok bool) {
	items := tx.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

func (tx *memTx) Get(key []byte) ([]byte, error) {
	if tx.closed {
		return nil, fmt.Errorf("tx is closed")
	}
	i, ok := tx.find(key)
	if !ok {
		return nil, nil
	}
	return tx.items[i].value, nil
}

func (tx *memTx) Put(key, value []byte) error {
	if tx.closed {
		return fmt.Errorf("tx is closed")
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	key = slices.Clone(key)
	value = slices.Clone(value)

	i, ok := tx.find(key)
	if ok {
		tx.items[i].value = value
		return nil
	}
	tx.items = slices.Insert(tx.items, i, memKV{key: key, value: value})
	return nil
}

func (tx *memTx) Delete(key []byte) error {
	if tx.closed {
		return fmt.Errorf("tx is closed")
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	i, ok := tx.find(key)
	if !ok {
		return nil
	}
	tx.items = slices.Delete(tx.items, i, i+1)
	return nil
}

func (tx *memTx) Scan(prefix []byte, f func(k, v []byte) error) error {
	if tx.closed {
		return fmt.Errorf("tx is closed")
	}
	i, _ := tx.find(prefix)
	items := tx.items
	for ; i < len(items) && bytes.HasPrefix(items[i].key, prefix); i++ {
		if err := f(items[i].key, items[i].value); err != nil {
			return scanStopped(err)
		}
	}
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return ErrClosed
	}
	tx.base.items = tx.items
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

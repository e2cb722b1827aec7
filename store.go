package worldstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SystemCollection holds one empty marker document per collection.
const SystemCollection = "$syscollections"

// Store owns the collections of one tenant scope (or of the global scope when
// no tenant is configured) over a single storage backend.
type Store struct {
	st      storage
	tenant  string
	codec   valueCodec
	logger  *slog.Logger
	verbose bool
	events  *eventBus

	mu         sync.Mutex
	autocommit bool
	readOnly   bool
	pending    []Action
	closed     bool
}

func Open(opt Options) (*Store, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	st, err := openStorage(&opt)
	if err != nil {
		return nil, fmt.Errorf("worldstate: %w", err)
	}
	s, err := newStore(st, opt)
	if err != nil {
		st.Close()
		return nil, err
	}
	return s, nil
}

func newStore(st storage, opt Options) (*Store, error) {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus, err := newEventBus(logger)
	if err != nil {
		return nil, err
	}
	return &Store{
		st:         st,
		tenant:     opt.Tenant,
		codec:      opt.valueCodec(),
		logger:     logger,
		verbose:    opt.Verbose,
		events:     bus,
		autocommit: opt.Autocommit,
	}, nil
}

// Tenant returns the tenant scope of the store, empty if unscoped.
func (s *Store) Tenant() string {
	return s.tenant
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	s.events.close()
	return s.st.Close()
}

func (s *Store) markerKey(id string) []byte {
	return EncodeKey(Key{Tenant: s.tenant, Collection: SystemCollection, ID: id})
}

func (s *Store) collection(id string) *Collection {
	return &Collection{store: s, id: id, prefix: KeyPrefix(s.tenant, id)}
}

// CreateCollection registers a collection and returns its handle. Unless
// force is set, it fails with AlreadyExistsError if the collection exists.
// The marker write goes through HandleAction.
func (s *Store) CreateCollection(ctx context.Context, id string, force bool) (*Collection, error) {
	if id == "" || id == SystemCollection {
		return nil, fmt.Errorf("worldstate: invalid collection id %q", id)
	}
	if !force {
		exists, err := s.ExistsCollection(ctx, id)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, alreadyExistsErrf(SystemCollection, id, "collection %s already exists", id)
		}
	}
	err := s.HandleAction(ctx, func(ctx context.Context) error {
		err := update(s.st, func(tx storageTx) error {
			return s.putDocument(tx, Key{Tenant: s.tenant, Collection: SystemCollection, ID: id}, Document{})
		})
		if err == nil {
			s.publish(ctx, EventCollectionCreated, id, "", nil)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.collection(id), nil
}

// DeleteCollection removes every document of the collection, then its
// marker. Fails with NotFoundError if the collection does not exist.
func (s *Store) DeleteCollection(ctx context.Context, id string) error {
	exists, err := s.ExistsCollection(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return notFoundErrf(SystemCollection, id, "collection %s does not exist", id)
	}
	return s.HandleAction(ctx, func(ctx context.Context) error {
		err := update(s.st, func(tx storageTx) error {
			if _, err := s.clearRange(tx, KeyPrefix(s.tenant, id)); err != nil {
				return err
			}
			s.debug(ctx, "worldstate: DELETE", slog.String("collection", SystemCollection), slog.String("id", id))
			return tx.Delete(s.markerKey(id))
		})
		if err == nil {
			s.publish(ctx, EventCollectionDeleted, id, "", nil)
		}
		return err
	})
}

func (s *Store) GetCollection(ctx context.Context, id string) (*Collection, error) {
	exists, err := s.ExistsCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFoundErrf(SystemCollection, id, "collection %s does not exist", id)
	}
	return s.collection(id), nil
}

// ExistsCollection reports whether the collection marker exists. Absence is
// not an error; storage failures are.
func (s *Store) ExistsCollection(ctx context.Context, id string) (bool, error) {
	var found bool
	err := view(s.st, func(tx storageTx) error {
		v, err := tx.Get(s.markerKey(id))
		found = v != nil
		return err
	})
	if err != nil {
		return false, err
	}
	s.debug(ctx, "worldstate: EXISTS", slog.String("collection", SystemCollection), slog.String("id", id), slog.Bool("found", found))
	return found, nil
}

// Collections lists the ids of all collections of the store's scope in key order.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	var ids []string
	err := view(s.st, func(tx storageTx) error {
		return tx.Scan(KeyPrefix(s.tenant, SystemCollection), func(k, v []byte) error {
			key, err := DecodeKey(k)
			if err != nil {
				return err
			}
			ids = append(ids, key.ID)
			return nil
		})
	})
	return ids, err
}

// ClearCollection removes every document of the collection. The collection
// itself stays registered.
func (s *Store) ClearCollection(ctx context.Context, id string) error {
	if id == "" || id == SystemCollection {
		return fmt.Errorf("worldstate: invalid collection id %q", id)
	}
	return s.HandleAction(ctx, func(ctx context.Context) error {
		prefix := KeyPrefix(s.tenant, id)
		return update(s.st, func(tx storageTx) error {
			n, err := s.clearRange(tx, prefix)
			if err == nil {
				s.debug(ctx, "worldstate: CLEAR", slog.String("collection", id), hexAttr("prefix", prefix), slog.Int("removed", n))
			}
			return err
		})
	})
}

func (s *Store) clearRange(tx storageTx, prefix []byte) (int, error) {
	var keys [][]byte
	err := tx.Scan(prefix, func(k, v []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// getDocument returns the stored document including internal fields, or nil.
func (s *Store) getDocument(tx storageTx, key Key) (Document, error) {
	raw, err := tx.Get(EncodeKey(key))
	if err != nil || raw == nil {
		return nil, err
	}
	doc, err := s.codec.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", key, err)
	}
	return normalizeValue(doc).(Document), nil
}

// putDocument stores doc under key, assigning the next revision.
func (s *Store) putDocument(tx storageTx, key Key, doc Document) error {
	prev, err := s.getDocument(tx, key)
	if err != nil {
		return err
	}
	rev := uint64(1)
	if prev != nil {
		rev = revisionOf(prev) + 1
	}
	stored := cloneDocument(doc)
	stored[fieldID] = key.ID
	stored[fieldRevision] = rev
	raw, err := s.codec.encode(stored)
	if err != nil {
		return err
	}
	if s.verbose {
		s.debug(context.Background(), "worldstate: PUT", slog.String("key", key.String()), slog.String("rev", formatRevision(rev)), slog.String("doc", loggableDoc(doc)))
	}
	return tx.Put(EncodeKey(key), raw)
}

func (s *Store) debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	if !s.verbose {
		return
	}
	s.logger.LogAttrs(ctx, slog.LevelDebug, msg, attrs...)
}

package worldstate

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

var allBackends = []Backend{BackendMemory, BackendBolt, BackendSQLite}

func setup(t testing.TB) *Store {
	t.Helper()
	return setupWith(t, Options{Backend: BackendBolt, Autocommit: true})
}

func setupWith(t testing.TB, opt Options) *Store {
	t.Helper()
	switch opt.Backend {
	case BackendBolt, "":
		opt.Path = filepath.Join(t.TempDir(), "state.db")
	case BackendSQLite:
		opt.Path = filepath.Join(t.TempDir(), "state.sqlite")
	}
	opt.IsTesting = true
	opt.Verbose = true
	s := must(Open(opt))
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachBackend(t *testing.T, f func(t *testing.T, s *Store)) {
	for _, b := range allBackends {
		t.Run(string(b), func(t *testing.T) {
			f(t, setupWith(t, Options{Backend: b, Autocommit: true}))
		})
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isErr(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, target)
	}
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Helper()
		t.Fatalf("** unexpected error: %v", err)
	}
}

func TestStore_getAllStripsMetadata(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		cars := must(s.CreateCollection(ctx, "cars", false))

		d1 := Document{"make": "Volvo", "year": int64(1999), "tags": []any{"a", "b"}, "spec": map[string]any{"doors": int64(4)}}
		d2 := Document{"make": "Saab", "price": 1.5, "ok": true, "none": nil}
		ok(t, cars.Add(ctx, "b", d2, false))
		ok(t, cars.Add(ctx, "a", d1, false))

		all := must(cars.GetAll(ctx))
		deepEqual(t, all, []Document{d1, d2})

		got := must(cars.Get(ctx, "a"))
		deepEqual(t, got, d1)
		if _, found := got[fieldRevision]; found {
			t.Errorf("Get returned internal field %s", fieldRevision)
		}
	})
}

func TestStore_addForce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		c := must(s.CreateCollection(ctx, "c", false))

		ok(t, c.Add(ctx, "x", Document{"v": int64(1)}, false))
		err := c.Add(ctx, "x", Document{"v": int64(2)}, false)
		var ae *AlreadyExistsError
		if !errors.As(err, &ae) || ae.ID != "x" || ae.Collection != "c" {
			t.Fatalf("Add duplicate = %v, wanted *AlreadyExistsError for c/x", err)
		}
		isErr(t, err, ErrAlreadyExists)

		ok(t, c.Add(ctx, "x", Document{"v": int64(2)}, true))
		deepEqual(t, must(c.Get(ctx, "x")), Document{"v": int64(2)})
	})
}

func TestStore_goValuesReadBackCanonical(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		c := must(s.CreateCollection(ctx, "c", false))
		got := make(chan ChangeEvent, 1)
		s.Subscribe(EventDocumentAdded, func(ctx context.Context, e ChangeEvent) error {
			got <- e
			return nil
		})

		ok(t, c.Add(ctx, "x", Document{"n": 1, "tags": []string{"a"}}, false))
		want := Document{"n": int64(1), "tags": []any{"a"}}
		deepEqual(t, must(c.Get(ctx, "x")), want)
		deepEqual(t, waitEvent(t, got).Document, want)
	})
}

func TestStore_missingDocuments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		c := must(s.CreateCollection(ctx, "c", false))

		var nf *NotFoundError
		if err := c.Update(ctx, "nope", Document{}); !errors.As(err, &nf) {
			t.Errorf("Update missing = %v, wanted *NotFoundError", err)
		}
		if err := c.Remove(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Remove missing = %v, wanted ErrNotFound", err)
		}
		if _, err := c.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get missing = %v, wanted ErrNotFound", err)
		}
		if found, err := c.Exists(ctx, "nope"); found || err != nil {
			t.Errorf("Exists missing = (%v, %v), wanted (false, nil)", found, err)
		}
	})
}

func TestStore_updateRemove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		c := must(s.CreateCollection(ctx, "c", false))
		ok(t, c.Add(ctx, "x", Document{"v": "one"}, false))
		ok(t, c.Update(ctx, "x", Document{"v": "two", "_rev": "bogus", "_id": "y"}))
		deepEqual(t, must(c.Get(ctx, "x")), Document{"v": "two"})

		ok(t, c.Remove(ctx, "x"))
		if found := must(c.Exists(ctx, "x")); found {
			t.Errorf("Exists after Remove = true")
		}
	})
}

func TestStore_callerMutationsDoNotLeak(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	c := must(s.CreateCollection(ctx, "c", false))
	s.SetAutocommit(false)

	doc := Document{"nested": map[string]any{"v": "before"}}
	ok(t, c.Add(ctx, "x", doc, false))
	doc["nested"].(map[string]any)["v"] = "after"
	ok(t, s.TransactionPrepare(ctx))

	deepEqual(t, must(c.Get(ctx, "x")), Document{"nested": map[string]any{"v": "before"}})
}

func TestStore_collections(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		if found := must(s.ExistsCollection(ctx, "cars")); found {
			t.Fatalf("ExistsCollection before create = true")
		}
		if _, err := s.GetCollection(ctx, "cars"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetCollection missing = %v, wanted ErrNotFound", err)
		}
		must(s.CreateCollection(ctx, "cars", false))
		must(s.CreateCollection(ctx, "boats", false))
		if _, err := s.CreateCollection(ctx, "cars", false); !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("CreateCollection duplicate = %v, wanted ErrAlreadyExists", err)
		}
		must(s.CreateCollection(ctx, "cars", true))
		if _, err := s.CreateCollection(ctx, SystemCollection, true); err == nil {
			t.Fatalf("CreateCollection(%s) succeeded", SystemCollection)
		}

		deepEqual(t, must(s.Collections(ctx)), []string{"boats", "cars"})
		c := must(s.GetCollection(ctx, "cars"))
		deepEqual(t, c.ID(), "cars")
		deepEqual(t, c.Tenant(), "")

		// markers are not documents of any user collection
		deepEqual(t, len(must(c.GetAll(ctx))), 0)
	})
}

func TestStore_clearAndDeleteTouchOneCollection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		car := must(s.CreateCollection(ctx, "car", false))
		cars := must(s.CreateCollection(ctx, "cars", false))
		ok(t, car.Add(ctx, "1", Document{"n": int64(1)}, false))
		ok(t, car.Add(ctx, "2", Document{"n": int64(2)}, false))
		ok(t, cars.Add(ctx, "1", Document{"n": int64(3)}, false))

		ok(t, s.ClearCollection(ctx, "car"))
		deepEqual(t, len(must(car.GetAll(ctx))), 0)
		deepEqual(t, must(cars.GetAll(ctx)), []Document{{"n": int64(3)}})
		if !must(s.ExistsCollection(ctx, "car")) {
			t.Errorf("ClearCollection removed the collection marker")
		}

		ok(t, car.Add(ctx, "3", Document{}, false))
		ok(t, s.DeleteCollection(ctx, "car"))
		if must(s.ExistsCollection(ctx, "car")) {
			t.Errorf("DeleteCollection left the collection marker")
		}
		deepEqual(t, len(must(car.GetAll(ctx))), 0)
		deepEqual(t, must(cars.GetAll(ctx)), []Document{{"n": int64(3)}})

		isErr(t, s.DeleteCollection(ctx, "car"), ErrNotFound)

		if err := s.ClearCollection(ctx, SystemCollection); err == nil {
			t.Errorf("ClearCollection(%s) succeeded", SystemCollection)
		}
		deepEqual(t, must(s.Collections(ctx)), []string{"cars"})
	})
}

func TestStore_tenantScopesAreDisjoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")
	tenantA, tenantB := NewTenantID(), NewTenantID()

	global := must(Open(Options{Path: path, Autocommit: true, IsTesting: true}))
	ctx := context.Background()
	c := must(global.CreateCollection(ctx, "cars", false))
	ok(t, c.Add(ctx, "1", Document{"owner": "nobody"}, false))
	ok(t, global.Close())

	a := must(Open(Options{Path: path, Tenant: tenantA, Autocommit: true, IsTesting: true}))
	if must(a.ExistsCollection(ctx, "cars")) {
		t.Fatalf("tenant sees global collection")
	}
	ca := must(a.CreateCollection(ctx, "cars", false))
	ok(t, ca.Add(ctx, "1", Document{"owner": "a"}, false))
	deepEqual(t, must(ca.Get(ctx, "1")), Document{"owner": "a", FieldTenant: tenantA})
	deepEqual(t, ca.Tenant(), tenantA)
	ok(t, a.Close())

	b := must(Open(Options{Path: path, Tenant: tenantB, Autocommit: true, IsTesting: true}))
	deepEqual(t, len(must(b.Collections(ctx))), 0)
	ok(t, b.Close())

	global = must(Open(Options{Path: path, Autocommit: true, IsTesting: true}))
	defer global.Close()
	deepEqual(t, must(must(global.GetCollection(ctx, "cars")).GetAll(ctx)), []Document{{"owner": "nobody"}})
	deepEqual(t, len(must(global.ExecuteQuery(ctx, Query{}))), 1)
}

func TestStore_pendingActionsFIFO(t *testing.T) {
	s := setupWith(t, Options{Backend: BackendMemory})
	ctx := context.Background()
	if s.Autocommit() {
		t.Fatalf("Autocommit = true, wanted false")
	}
	ok(t, s.TransactionStart(ctx, false))

	var ran []int
	boom := errors.New("boom")
	ok(t, s.HandleAction(ctx, func(ctx context.Context) error { ran = append(ran, 1); return nil }))
	ok(t, s.HandleAction(ctx, func(ctx context.Context) error { ran = append(ran, 2); return boom }))
	ok(t, s.HandleAction(ctx, func(ctx context.Context) error { ran = append(ran, 3); return nil }))
	deepEqual(t, s.PendingActions(), 3)
	deepEqual(t, len(ran), 0)

	err := s.TransactionPrepare(ctx)
	if err != boom {
		t.Fatalf("TransactionPrepare = %v, wanted %v", err, boom)
	}
	deepEqual(t, ran, []int{1, 2})
	deepEqual(t, s.PendingActions(), 0)
}

func TestStore_autocommitRunsImmediately(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	boom := errors.New("boom")
	var ran bool
	ok(t, s.HandleAction(ctx, func(ctx context.Context) error { ran = true; return nil }))
	if !ran {
		t.Fatalf("action did not run under autocommit")
	}
	if err := s.HandleAction(ctx, func(ctx context.Context) error { return boom }); err != boom {
		t.Fatalf("HandleAction = %v, wanted %v", err, boom)
	}
	deepEqual(t, s.PendingActions(), 0)
}

func TestStore_actionPanicsBecomeErrors(t *testing.T) {
	s := setup(t)
	err := s.HandleAction(context.Background(), func(ctx context.Context) error { panic("kaboom") })
	var p panicked
	if !errors.As(err, &p) || p.reason != "kaboom" {
		t.Fatalf("HandleAction = %v, wanted panicked{kaboom}", err)
	}
}

func TestStore_queuedWritesApplyAtPrepare(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		c := must(s.CreateCollection(ctx, "c", false))
		s.SetAutocommit(false)
		ok(t, s.TransactionStart(ctx, false))

		ok(t, c.Add(ctx, "x", Document{"v": int64(1)}, false))
		if must(c.Exists(ctx, "x")) {
			t.Fatalf("queued Add visible before prepare")
		}
		ok(t, s.TransactionPrepare(ctx))
		ok(t, s.TransactionCommit(ctx))
		ok(t, s.TransactionCleanup(ctx))
		deepEqual(t, must(c.Get(ctx, "x")), Document{"v": int64(1)})
	})
}

func TestStore_rollbackDropsQueue(t *testing.T) {
	s := setupWith(t, Options{Backend: BackendMemory})
	ctx := context.Background()
	s.SetAutocommit(true)
	c := must(s.CreateCollection(ctx, "c", false))
	s.SetAutocommit(false)

	ok(t, s.TransactionStart(ctx, false))
	ok(t, c.Add(ctx, "x", Document{}, false))
	ok(t, s.TransactionRollback(ctx))
	deepEqual(t, s.PendingActions(), 0)
	ok(t, s.TransactionPrepare(ctx))
	if must(c.Exists(ctx, "x")) {
		t.Fatalf("rolled back Add was applied")
	}

	ok(t, c.Add(ctx, "y", Document{}, false))
	ok(t, s.TransactionStart(ctx, false))
	deepEqual(t, s.PendingActions(), 0)
}

func TestStore_queuedWritesRevalidate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		c := must(s.CreateCollection(ctx, "c", false))
		ok(t, c.Add(ctx, "upd", Document{"v": int64(1)}, false))
		ok(t, c.Add(ctx, "del", Document{"v": int64(1)}, false))

		s.SetAutocommit(false)
		ok(t, c.Add(ctx, "new", Document{"v": int64(1)}, false))
		ok(t, c.Update(ctx, "upd", Document{"v": int64(2)}))
		ok(t, c.Remove(ctx, "del"))
		queued := s.pending
		s.pending = nil

		// concurrent writers get there first
		s.SetAutocommit(true)
		ok(t, c.Add(ctx, "new", Document{"v": int64(9)}, false))
		ok(t, c.Update(ctx, "upd", Document{"v": int64(9)}))
		ok(t, c.Remove(ctx, "del"))

		isErr(t, safelyCall(ctx, queued[0]), ErrAlreadyExists)
		isErr(t, safelyCall(ctx, queued[1]), ErrAlreadyExists)
		isErr(t, safelyCall(ctx, queued[2]), ErrNotFound)

		deepEqual(t, must(c.Get(ctx, "new")), Document{"v": int64(9)})
		deepEqual(t, must(c.Get(ctx, "upd")), Document{"v": int64(9)})
	})
}

func TestStore_readOnlyTransaction(t *testing.T) {
	s := setup(t)
	ctx := context.Background()
	c := must(s.CreateCollection(ctx, "c", false))
	ok(t, c.Add(ctx, "x", Document{}, false))

	ok(t, s.TransactionStart(ctx, true))
	isErr(t, c.Add(ctx, "y", Document{}, false), ErrReadOnly)
	isErr(t, c.Update(ctx, "x", Document{"v": true}), ErrReadOnly)
	isErr(t, c.Remove(ctx, "x"), ErrReadOnly)
	isErr(t, s.ClearCollection(ctx, "c"), ErrReadOnly)
	if _, err := s.CreateCollection(ctx, "d", false); !errors.Is(err, ErrReadOnly) {
		t.Errorf("CreateCollection in read-only tx = %v, wanted ErrReadOnly", err)
	}
	deepEqual(t, must(c.Get(ctx, "x")), Document{})
	ok(t, s.TransactionCleanup(ctx))

	ok(t, c.Add(ctx, "y", Document{}, false))
}

func TestStore_closed(t *testing.T) {
	s := setupWith(t, Options{Backend: BackendMemory, Autocommit: true})
	ctx := context.Background()
	c := must(s.CreateCollection(ctx, "c", false))
	ok(t, s.Close())
	ok(t, s.Close())
	isErr(t, c.Add(ctx, "x", Document{}, true), ErrClosed)
	isErr(t, s.TransactionStart(ctx, false), ErrClosed)
	if _, err := c.Get(ctx, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v, wanted ErrClosed", err)
	}
}

func TestStore_events(t *testing.T) {
	s := setupWith(t, Options{Backend: BackendMemory, Autocommit: true})
	ctx := context.Background()

	got := make(chan ChangeEvent, 16)
	handler := func(ctx context.Context, e ChangeEvent) error {
		got <- e
		return nil
	}
	created := s.Subscribe(EventCollectionCreated, handler)
	added := s.Subscribe(EventDocumentAdded, handler)
	s.Subscribe(EventDocumentRemoved, handler)

	c := must(s.CreateCollection(ctx, "c", false))
	e := waitEvent(t, got)
	deepEqual(t, e.Type, EventCollectionCreated)
	deepEqual(t, e.Collection, "c")

	s.SetAutocommit(false)
	ok(t, c.Add(ctx, "x", Document{"v": "1"}, false))
	select {
	case e := <-got:
		t.Fatalf("event %v published before the write was applied", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
	ok(t, s.TransactionPrepare(ctx))
	e = waitEvent(t, got)
	deepEqual(t, e.Type, EventDocumentAdded)
	deepEqual(t, e.ID, "x")
	deepEqual(t, e.Document, Document{"v": "1"})

	s.Unsubscribe(created)
	s.Unsubscribe(added)
	s.SetAutocommit(true)
	ok(t, c.Add(ctx, "y", Document{}, false))
	ok(t, c.Remove(ctx, "y"))
	e = waitEvent(t, got)
	deepEqual(t, e.Type, EventDocumentRemoved)
	deepEqual(t, e.ID, "y")
}

func TestStore_eventHandlerErrors(t *testing.T) {
	s := setupWith(t, Options{Backend: BackendMemory, Autocommit: true})
	ctx := context.Background()
	c := must(s.CreateCollection(ctx, "c", false))

	var calls atomic.Int32
	got := make(chan ChangeEvent, 16)
	s.Subscribe(EventDocumentAdded, func(ctx context.Context, e ChangeEvent) error {
		calls.Add(1)
		got <- e
		return errors.New("subscriber failed")
	})
	s.Subscribe(EventDocumentUpdated, func(ctx context.Context, e ChangeEvent) error {
		time.Sleep(time.Second)
		return nil
	})

	start := time.Now()
	ok(t, c.Add(ctx, "x", Document{}, false))
	ok(t, c.Update(ctx, "x", Document{"v": int64(1)}))
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("writes took %v with failing and slow subscribers", d)
	}

	deepEqual(t, waitEvent(t, got).ID, "x")
	time.Sleep(300 * time.Millisecond)
	deepEqual(t, calls.Load(), int32(1))
	deepEqual(t, must(c.Get(ctx, "x")), Document{"v": int64(1)})
}

func waitEvent(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an event")
		return ChangeEvent{}
	}
}

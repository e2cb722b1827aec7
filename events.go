package worldstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/uuid"
)

type EventType string

const (
	EventDocumentAdded     EventType = "document.added"
	EventDocumentUpdated   EventType = "document.updated"
	EventDocumentRemoved   EventType = "document.removed"
	EventCollectionCreated EventType = "collection.created"
	EventCollectionDeleted EventType = "collection.deleted"
)

// ChangeEvent describes a write after it has been applied to storage.
// Queued writes publish when TransactionPrepare applies them.
type ChangeEvent struct {
	Type       EventType
	Tenant     string
	Collection string
	ID         string
	Document   Document
	Timestamp  time.Time
}

type EventHandler func(ctx context.Context, event ChangeEvent) error

type eventBus struct {
	bus *events.TypedEventBus[ChangeEvent]

	mu   sync.Mutex
	subs map[string]func()
}

const eventQueueSize = 1024

// newEventBus delivers events on a single background worker, in publish
// order. A handler runs once per event; its error is logged, never retried.
// Events published while the queue is full are dropped with a warning.
func newEventBus(logger *slog.Logger) (*eventBus, error) {
	cfg := &events.EventBusConfig{
		Async:               true,
		AsyncWorkerPoolSize: 1,
		BatchSize:           64,
		BatchDelay:          time.Millisecond,
		MaxQueueSize:        eventQueueSize,
		BlockOnFullQueue:    false,
		MaxRetries:          0,
		ShutdownTimeout:     time.Second,
		Logger:              logger,
		ErrorHandler: func(err *events.EventError) {
			logger.LogAttrs(context.Background(), slog.LevelWarn, "worldstate: event handler failed", slog.String("event", err.EventName), slog.Any("err", err.Err))
		},
		DeadLetterHandler: func(ctx context.Context, event events.Event, finalErr error) {
			logger.LogAttrs(ctx, slog.LevelDebug, "worldstate: event not delivered", slog.String("event", event.Name))
		},
	}
	bus, err := events.NewTypedEventBus[ChangeEvent](cfg)
	if err != nil {
		return nil, fmt.Errorf("worldstate: could not initialize event bus: %w", err)
	}
	return &eventBus{bus: bus, subs: make(map[string]func())}, nil
}

func (eb *eventBus) close() {
	eb.mu.Lock()
	for id, unsubscribe := range eb.subs {
		unsubscribe()
		delete(eb.subs, id)
	}
	eb.mu.Unlock()
	eb.bus.Close()
}

// Subscribe registers fn for one event type and returns a subscription id
// for Unsubscribe. Handlers run on the event bus worker after the write has
// returned; their errors are logged and never affect the write.
func (s *Store) Subscribe(event EventType, fn EventHandler) string {
	unsubscribe := s.events.bus.Subscribe(string(event), func(ctx context.Context, e ChangeEvent) error {
		return fn(ctx, e)
	})
	id := uuid.NewString()

	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	s.events.subs[id] = unsubscribe
	return id
}

func (s *Store) Unsubscribe(id string) {
	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	if unsubscribe, ok := s.events.subs[id]; ok {
		unsubscribe()
		delete(s.events.subs, id)
	}
}

func (s *Store) publish(ctx context.Context, typ EventType, collection, id string, doc Document) {
	s.events.mu.Lock()
	n := len(s.events.subs)
	s.events.mu.Unlock()
	if n == 0 {
		return
	}
	var body Document
	if doc != nil {
		body = cloneDocument(doc)
	}
	s.events.bus.Emit(string(typ), ChangeEvent{
		Type:       typ,
		Tenant:     s.tenant,
		Collection: collection,
		ID:         id,
		Document:   body,
		Timestamp:  time.Now(),
	})
}

package worldstate

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Action is a deferred write. With autocommit off, mutating calls queue
// actions instead of running them; TransactionPrepare replays the queue.
type Action func(ctx context.Context) error

// A store transaction has the following lifecycle:
//
//	TransactionStart → mutating calls (queued) → TransactionPrepare →
//	TransactionCommit or TransactionRollback → TransactionCleanup
//
// Prepare is where queued writes reach storage, one storage transaction per
// action, in the order they were queued. A failing action stops the replay
// and the error is returned; actions that already ran stay applied. Callers
// must be prepared for such partial application.

func (s *Store) SetAutocommit(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autocommit = enabled
}

func (s *Store) Autocommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autocommit
}

// HandleAction runs fn immediately in autocommit mode and returns its error.
// Otherwise it appends fn to the pending queue and returns nil without
// running it.
func (s *Store) HandleAction(ctx context.Context, fn Action) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.readOnly {
		s.mu.Unlock()
		return ErrReadOnly
	}
	if !s.autocommit {
		s.pending = append(s.pending, fn)
		n := len(s.pending)
		s.mu.Unlock()
		s.debug(ctx, "worldstate: QUEUE", slog.Int("pending", n))
		return nil
	}
	s.mu.Unlock()
	return safelyCall(ctx, fn)
}

// PendingActions returns the number of queued actions.
func (s *Store) PendingActions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// TransactionStart begins a new transaction scope, dropping any queued
// actions of a previous one.
func (s *Store) TransactionStart(ctx context.Context, readOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending = nil
	s.readOnly = readOnly
	return nil
}

// TransactionPrepare applies the queued actions strictly in FIFO order, each
// one finishing before the next starts. The queue is consumed even when an
// action fails.
func (s *Store) TransactionPrepare(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	actions := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i, fn := range actions {
		if err := safelyCall(ctx, fn); err != nil {
			s.logger.LogAttrs(ctx, slog.LevelWarn, "worldstate: prepare failed", slog.Int("action", i), slog.Int("queued", len(actions)), slog.Any("err", err))
			return err
		}
	}
	s.debug(ctx, "worldstate: PREPARED", slog.Int("actions", len(actions)))
	return nil
}

// TransactionCommit ends a prepared transaction. Writes were applied during
// prepare; anything queued since then is discarded.
func (s *Store) TransactionCommit(ctx context.Context) error {
	return s.endTransaction(ctx, "COMMIT")
}

// TransactionRollback drops all queued actions. Writes already applied by
// TransactionPrepare are not undone.
func (s *Store) TransactionRollback(ctx context.Context) error {
	return s.endTransaction(ctx, "ROLLBACK")
}

func (s *Store) TransactionCleanup(ctx context.Context) error {
	return s.endTransaction(ctx, "CLEANUP")
}

func (s *Store) endTransaction(ctx context.Context, phase string) error {
	s.mu.Lock()
	dropped := len(s.pending)
	s.pending = nil
	s.readOnly = false
	s.mu.Unlock()
	s.debug(ctx, "worldstate: "+phase, slog.Int("dropped", dropped))
	return nil
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(ctx context.Context, fn Action) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(ctx)
}

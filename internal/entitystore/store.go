// Package entitystore is a versioned in-memory key/value store for session
// entities, with optimistic-concurrency updates and staged multi-key
// transactions. Business logic passes pure state-transition handlers; the
// store owns the read-invoke-write retry loop.
package entitystore

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
)

// Status reports what a mutation did.
type Status int

const (
	// StatusSaved means a new value was written.
	StatusSaved Status = iota
	// StatusDeleted means the entity was removed.
	StatusDeleted
	// StatusNoOp means nothing changed (delete of an absent key).
	StatusNoOp
	// StatusWaitingForTransaction means the mutation is staged and becomes
	// visible only when the transaction's Execute succeeds.
	StatusWaitingForTransaction
)

func (s Status) String() string {
	switch s {
	case StatusSaved:
		return "Saved"
	case StatusDeleted:
		return "Deleted"
	case StatusNoOp:
		return "NoOp"
	case StatusWaitingForTransaction:
		return "WaitingForTransaction"
	}
	return "Unknown"
}

// ErrConflict is returned when an update loses the version race more times
// than the configured bound. The caller sees a transient failure, never
// silent data loss.
var ErrConflict = errors.New("entitystore: update retries exhausted")

const defaultMaxRetries = 16

// Handler computes the next value from the current one (nil when absent).
// Returning nil deletes the entity. Handlers may run more than once and must
// not have external side effects before their result is committed.
type Handler func(current any) (any, error)

// entry values are never removed from the map on delete; a nil value with a
// bumped version acts as a tombstone so a concurrent writer that read the
// live value still loses its version check.
type entry struct {
	value   any
	version uint64
}

// Store holds versioned entities keyed by opaque string keys.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]entry
	maxRetries int
	logger     *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRetries bounds the automatic retry loop for conflicting updates.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// WithLogger enables verbose logging of retries.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entries:    make(map[string]entry),
		maxRetries: defaultMaxRetries,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the current value for key, or (nil, false) if absent.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || e.value == nil {
		return nil, false
	}
	return e.value, true
}

// AddOrUpdate reads the current value, invokes fn, and writes the result
// guarded by the version read at the start. A concurrent commit in between
// retries the whole read-invoke-write cycle, up to the configured bound.
// With a non-nil txn the mutation is staged instead and applied on Execute.
func (s *Store) AddOrUpdate(key string, fn Handler, txn *Transaction) (Status, error) {
	if txn != nil {
		txn.stage(key, fn)
		return StatusWaitingForTransaction, nil
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		s.mu.RLock()
		cur := s.entries[key]
		s.mu.RUnlock()

		next, err := fn(cur.value)
		if err != nil {
			return StatusNoOp, err
		}
		if isNil(next) {
			next = nil
		}

		s.mu.Lock()
		if s.entries[key].version != cur.version {
			s.mu.Unlock()
			s.logf("conflict on %s, retrying (attempt %d)", key, attempt+1)
			continue
		}
		status := s.applyLocked(key, next)
		s.mu.Unlock()
		return status, nil
	}
	return StatusNoOp, fmt.Errorf("%w: key %s", ErrConflict, key)
}

// Delete removes the entity at key. With a non-nil txn the delete is staged.
func (s *Store) Delete(key string, txn *Transaction) (Status, error) {
	return s.AddOrUpdate(key, func(any) (any, error) { return nil, nil }, txn)
}

// applyLocked writes next (or a tombstone) and reports what happened.
func (s *Store) applyLocked(key string, next any) Status {
	cur := s.entries[key]
	if next == nil {
		if cur.value == nil {
			return StatusNoOp
		}
		s.entries[key] = entry{value: nil, version: cur.version + 1}
		return StatusDeleted
	}
	s.entries[key] = entry{value: next, version: cur.version + 1}
	return StatusSaved
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("entitystore: "+format, args...)
	}
}

// Get returns the typed value for key, or (zero, false) if absent or of a
// different type.
func Get[T any](s *Store, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Update is a typed wrapper around AddOrUpdate. The handler receives the
// current value (zero when absent, with present=false) and returns the next
// value; returning the zero of a pointer type deletes.
func Update[T any](s *Store, key string, fn func(current T, present bool) (T, error), txn *Transaction) (Status, error) {
	return s.AddOrUpdate(key, func(current any) (any, error) {
		var cur T
		present := false
		if current != nil {
			cur, present = current.(T), true
		}
		next, err := fn(cur, present)
		if err != nil {
			return nil, err
		}
		// A typed nil pointer must become an untyped nil to mean delete.
		if isNil(next) {
			return nil, nil
		}
		return next, nil
	}, txn)
}

// isNil catches typed nil pointers, which would otherwise survive the
// interface conversion and be stored instead of deleting.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

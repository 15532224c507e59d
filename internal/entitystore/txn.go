package entitystore

import (
	"errors"
	"sync"
)

// ErrExecuted is returned when a transaction is executed twice.
var ErrExecuted = errors.New("entitystore: transaction already executed")

// Transaction batches mutations on different keys so that either all become
// visible together or none do. Mutations are staged as (key, handler) pairs;
// the handlers run at Execute time under the store lock, so later handlers
// observe the staged results of earlier ones.
type Transaction struct {
	store    *Store
	mu       sync.Mutex
	ops      []txnOp
	executed bool
}

type txnOp struct {
	key string
	fn  Handler
}

// OpenTransaction starts an empty transaction against the store.
func (s *Store) OpenTransaction() *Transaction {
	return &Transaction{store: s}
}

func (t *Transaction) stage(key string, fn Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ops = append(t.ops, txnOp{key: key, fn: fn})
}

// Execute runs every staged handler in order against an overlay of the
// current state and commits all results atomically. A handler error aborts
// the whole transaction with no visible change. Callers must not trigger any
// externally visible side effect before Execute returns successfully.
func (t *Transaction) Execute() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.executed {
		return ErrExecuted
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// Handlers run under the store lock, so the whole batch is serialized
	// against concurrent AddOrUpdate calls and needs no version retry.
	overlay := make(map[string]any, len(t.ops))
	for _, op := range t.ops {
		cur, staged := overlay[op.key]
		if !staged {
			cur = s.entries[op.key].value
		}
		next, err := op.fn(cur)
		if err != nil {
			return err
		}
		if isNil(next) {
			next = nil
		}
		overlay[op.key] = next
	}
	for _, op := range t.ops {
		if v, ok := overlay[op.key]; ok {
			s.applyLocked(op.key, v)
			delete(overlay, op.key)
		}
	}
	t.executed = true
	return nil
}

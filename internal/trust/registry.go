package trust

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gwillem/peersync-go/internal/wire"
)

// ErrExpectedAlreadySet is returned when SetExpectedMembers is called twice.
var ErrExpectedAlreadySet = errors.New("trust: expected members already set")

// JoinerRegistry collects the check data a joiner receives from session
// members. Confirmations and the "who do I need to check" response race
// independently; confirmations arriving first are buffered and replayed once
// the expected set is known, so neither ordering can deadlock the join.
type JoinerRegistry struct {
	mu          sync.Mutex
	expectedSet bool
	expected    []string
	slots       []*wire.PublicKeyCheckData // one per expected member, in order
	buffer      []*wire.PublicKeyCheckData // received before expected was known
	complete    chan struct{}
}

// NewJoinerRegistry creates an empty registry.
func NewJoinerRegistry() *JoinerRegistry {
	return &JoinerRegistry{complete: make(chan struct{})}
}

// Store records a member's check data. Before the expected set is known the
// item is buffered; afterwards it is placed at its issuer's position,
// overwriting any previous entry for that issuer.
func (r *JoinerRegistry) Store(cd *wire.PublicKeyCheckData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.expectedSet {
		r.buffer = append(r.buffer, cd)
		return
	}
	r.placeLocked(cd)
	r.checkCompleteLocked()
}

// SetExpectedMembers fixes the expected member list exactly once, replays
// every buffered item into its position and re-checks completion.
func (r *JoinerRegistry) SetExpectedMembers(ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.expectedSet {
		return ErrExpectedAlreadySet
	}
	r.expectedSet = true
	r.expected = append([]string(nil), ids...)
	r.slots = make([]*wire.PublicKeyCheckData, len(r.expected))
	for _, cd := range r.buffer {
		r.placeLocked(cd)
	}
	r.buffer = nil
	r.checkCompleteLocked()
	return nil
}

// AwaitComplete blocks until every expected position is filled, the timeout
// elapses, or ctx is cancelled. It reports whether the registry completed.
func (r *JoinerRegistry) AwaitComplete(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.complete:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Received returns the collected check data in expected-member order.
// Positions not yet filled are nil.
func (r *JoinerRegistry) Received() []*wire.PublicKeyCheckData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*wire.PublicKeyCheckData(nil), r.slots...)
}

// placeLocked puts cd at its issuer's position. Check data from an issuer
// outside the expected set is dropped.
func (r *JoinerRegistry) placeLocked(cd *wire.PublicKeyCheckData) {
	for i, id := range r.expected {
		if id == cd.IssuerClientInstanceID {
			r.slots[i] = cd
			return
		}
	}
}

func (r *JoinerRegistry) checkCompleteLocked() {
	for _, s := range r.slots {
		if s == nil {
			return
		}
	}
	select {
	case <-r.complete:
	default:
		close(r.complete)
	}
}

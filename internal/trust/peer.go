// Package trust implements the mutual public-key confirmation exchanged
// between a joining client and every existing session member: the per-pair
// confirmation state machine, the joiner-side registry that reconciles
// incoming confirmations against the expected member set, the member-side
// ledger of local decisions, and the safety key derivation.
package trust

import (
	"context"
	"sync"
	"time"
)

// Outcome is the closed set of results a peer confirmation can end with.
type Outcome int

const (
	// OutcomeSuccess means both sides validated and nobody cancelled.
	OutcomeSuccess Outcome = iota
	// OutcomeMismatch means both sides reported but at least one rejected.
	OutcomeMismatch
	// OutcomeCancelled means the local user aborted the confirmation.
	OutcomeCancelled
	// OutcomeTimedOut means the decisions did not both resolve in time.
	OutcomeTimedOut
	// OutcomeIncompatible means a protocol version mismatch was detected
	// or relayed; terminal regardless of any in-flight decisions.
	OutcomeIncompatible
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomeMismatch:
		return "Mismatch"
	case OutcomeCancelled:
		return "Cancelled"
	case OutcomeTimedOut:
		return "TimedOut"
	case OutcomeIncompatible:
		return "Incompatible"
	}
	return "Unknown"
}

// PeerSession tracks one (local client, other session member) confirmation.
// It is mutated by the coroutine driving the local decision and the one
// receiving relayed pushes, and observed by the one blocked in AwaitOutcome.
type PeerSession struct {
	mu           sync.Mutex
	otherPartyID string

	localValidated  *bool
	remoteValidated *bool
	cancelled       bool
	incompatible    bool

	bothDecided chan struct{} // closed once both decisions are present
	aborted     chan struct{} // closed on cancel or incompatibility
}

// NewPeerSession creates the confirmation state for the given peer.
func NewPeerSession(otherPartyID string) *PeerSession {
	return &PeerSession{
		otherPartyID: otherPartyID,
		bothDecided:  make(chan struct{}),
		aborted:      make(chan struct{}),
	}
}

// OtherPartyID returns the peer this session confirms against.
func (s *PeerSession) OtherPartyID() string { return s.otherPartyID }

// SetLocalDecision records the local user's validation decision. Sending the
// decision to the peer is the caller's responsibility, done afterwards.
func (s *PeerSession) SetLocalDecision(validated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := validated
	s.localValidated = &v
	s.signalIfDecidedLocked()
}

// SetRemoteDecision records the peer's relayed validation decision.
func (s *PeerSession) SetRemoteDecision(validated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := validated
	s.remoteValidated = &v
	s.signalIfDecidedLocked()
}

// Cancel aborts the confirmation. Cancellation wins over any decision that
// resolves afterwards.
func (s *PeerSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.incompatible {
		return
	}
	s.cancelled = true
	close(s.aborted)
}

// MarkIncompatible records a protocol version mismatch for this pair. The
// outcome is terminal regardless of in-flight decisions.
func (s *PeerSession) MarkIncompatible() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.incompatible {
		return
	}
	s.incompatible = true
	close(s.aborted)
}

func (s *PeerSession) signalIfDecidedLocked() {
	if s.localValidated == nil || s.remoteValidated == nil {
		return
	}
	select {
	case <-s.bothDecided:
	default:
		close(s.bothDecided)
	}
}

// AwaitOutcome blocks until both decisions are present, the session is
// aborted, the timeout elapses, or ctx is cancelled, then evaluates the
// outcome. Context cancellation counts as user cancellation.
func (s *PeerSession) AwaitOutcome(ctx context.Context, timeout time.Duration) Outcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-s.bothDecided:
	case <-s.aborted:
	case <-ctx.Done():
		s.Cancel()
	case <-timer.C:
		timedOut = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.incompatible:
		return OutcomeIncompatible
	case s.cancelled:
		return OutcomeCancelled
	case s.localValidated != nil && s.remoteValidated != nil:
		if *s.localValidated && *s.remoteValidated {
			return OutcomeSuccess
		}
		return OutcomeMismatch
	case timedOut:
		return OutcomeTimedOut
	default:
		// Woken without a resolving signal; treat as timeout.
		return OutcomeTimedOut
	}
}

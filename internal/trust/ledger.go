package trust

import (
	"sync"

	"github.com/gwillem/peersync-go/internal/wire"
)

// Ledger stores a member's locally computed check data per known joiner, so
// repeated or retried queries about the same joiner get a consistent answer
// without recomputation. Last write wins.
type Ledger struct {
	mu        sync.RWMutex
	decisions map[string]*wire.PublicKeyCheckData
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{decisions: make(map[string]*wire.PublicKeyCheckData)}
}

// RecordLocalDecision stores the check data computed for a joiner.
func (l *Ledger) RecordLocalDecision(joinerID string, cd *wire.PublicKeyCheckData) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decisions[joinerID] = cd
}

// GetLocalDecision returns the stored check data for a joiner, if any.
func (l *Ledger) GetLocalDecision(joinerID string) (*wire.PublicKeyCheckData, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cd, ok := l.decisions[joinerID]
	return cd, ok
}

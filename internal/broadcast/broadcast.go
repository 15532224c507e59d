// Package broadcast is the server's push address book: it maps live
// connections to named groups (per session, per lobby, per client) and
// fans envelopes out to a group, a group minus one connection, or named
// clients. Delivery is fire-and-forget; per-recipient ordering is preserved
// by a FIFO queue and a single writer goroutine per connection.
package broadcast

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gwillem/peersync-go/internal/wire"
)

// Group ids are namespaced by kind so session, lobby and client ids can
// never collide.

// SessionGroup returns the group id for a session's members.
func SessionGroup(sessionID string) string { return "session:" + sessionID }

// LobbyGroup returns the group id for a lobby's members.
func LobbyGroup(lobbyID string) string { return "lobby:" + lobbyID }

// ClientGroup returns the group id holding one client instance's connections.
func ClientGroup(clientInstanceID string) string { return "client:" + clientInstanceID }

// Sender delivers one marshaled envelope to a connection.
// The broadcaster serializes calls per connection.
type Sender interface {
	Send(data []byte) error
}

const defaultQueueSize = 64

type connState struct {
	id     string
	queue  chan []byte
	groups map[string]struct{}
}

// Broadcaster routes push envelopes to subscribed connections.
type Broadcaster struct {
	mu        sync.Mutex
	conns     map[string]*connState
	groups    map[string]map[string]struct{} // group id -> connection id set
	logger    *log.Logger
	queueSize int
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger enables logging of dropped or failed deliveries.
func WithLogger(l *log.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// WithQueueSize sets the per-connection outbound queue length.
func WithQueueSize(n int) Option {
	return func(b *Broadcaster) { b.queueSize = n }
}

// New creates an empty broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		conns:     make(map[string]*connState),
		groups:    make(map[string]map[string]struct{}),
		queueSize: defaultQueueSize,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register adds a connection and starts its writer goroutine.
func (b *Broadcaster) Register(connID string, s Sender) {
	cs := &connState{
		id:     connID,
		queue:  make(chan []byte, b.queueSize),
		groups: make(map[string]struct{}),
	}
	b.mu.Lock()
	b.conns[connID] = cs
	b.mu.Unlock()

	go func() {
		for data := range cs.queue {
			if err := s.Send(data); err != nil {
				b.logf("send to %s: %v", connID, err)
			}
		}
	}()
}

// Deregister removes a connection from every group and stops its writer.
func (b *Broadcaster) Deregister(connID string) {
	b.mu.Lock()
	cs, ok := b.conns[connID]
	if ok {
		delete(b.conns, connID)
		for g := range cs.groups {
			delete(b.groups[g], connID)
			if len(b.groups[g]) == 0 {
				delete(b.groups, g)
			}
		}
	}
	b.mu.Unlock()
	if ok {
		close(cs.queue)
	}
}

// Subscribe adds a connection to a group. Subscribing an unknown connection
// is a logged no-op; the client is assumed to reconnect and resync.
func (b *Broadcaster) Subscribe(connID, groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.conns[connID]
	if !ok {
		b.logf("subscribe %s to %s: connection not registered", connID, groupID)
		return
	}
	cs.groups[groupID] = struct{}{}
	set, ok := b.groups[groupID]
	if !ok {
		set = make(map[string]struct{})
		b.groups[groupID] = set
	}
	set[connID] = struct{}{}
}

// Unsubscribe removes a connection from a group.
func (b *Broadcaster) Unsubscribe(connID, groupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cs, ok := b.conns[connID]; ok {
		delete(cs.groups, groupID)
	}
	if set, ok := b.groups[groupID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(b.groups, groupID)
		}
	}
}

// AddressGroup sends env to every connection subscribed to the group.
func (b *Broadcaster) AddressGroup(groupID string, env *wire.Envelope) {
	b.AddressGroupExcept(groupID, "", env)
}

// AddressGroupExcept sends env to every group member except the given
// connection, so an actor never receives its own notification.
func (b *Broadcaster) AddressGroupExcept(groupID, exceptConnID string, env *wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.logf("marshal push %s: %v", env.Op, err)
		return
	}
	b.mu.Lock()
	var targets []*connState
	for connID := range b.groups[groupID] {
		if connID == exceptConnID {
			continue
		}
		if cs, ok := b.conns[connID]; ok {
			targets = append(targets, cs)
		}
	}
	b.mu.Unlock()

	for _, cs := range targets {
		b.enqueue(cs, data, env.Op)
	}
}

// AddressClient sends env to every connection of one client instance.
func (b *Broadcaster) AddressClient(clientInstanceID string, env *wire.Envelope) {
	b.AddressGroup(ClientGroup(clientInstanceID), env)
}

// AddressClients sends env to every connection of the named client instances.
func (b *Broadcaster) AddressClients(clientInstanceIDs []string, env *wire.Envelope) {
	for _, id := range clientInstanceIDs {
		b.AddressClient(id, env)
	}
}

// enqueue never blocks the caller; a full queue drops the push and logs it.
func (b *Broadcaster) enqueue(cs *connState, data []byte, op string) {
	defer func() {
		// The queue may close concurrently with Deregister.
		if recover() != nil {
			b.logf("push %s to %s: connection closed", op, cs.id)
		}
	}()
	select {
	case cs.queue <- data:
	default:
		b.logf("push %s to %s: queue full, dropped", op, cs.id)
	}
}

func (b *Broadcaster) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf("broadcast: "+format, args...)
	}
}

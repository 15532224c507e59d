// Package gateway is the server-side protocol handler for trust checks and
// lobby/session admission. Every state change goes through the entity store;
// no push is sent until the corresponding mutation is committed, and pushes
// never go back to the acting connection.
package gateway

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gwillem/peersync-go/internal/broadcast"
	"github.com/gwillem/peersync-go/internal/entitystore"
	"github.com/gwillem/peersync-go/internal/trust"
	"github.com/gwillem/peersync-go/internal/wire"
)

// Notifier is the push fan-out the gateway drives after commits.
type Notifier interface {
	Subscribe(connID, groupID string)
	Unsubscribe(connID, groupID string)
	AddressGroup(groupID string, env *wire.Envelope)
	AddressGroupExcept(groupID, exceptConnID string, env *wire.Envelope)
	AddressClient(clientInstanceID string, env *wire.Envelope)
	AddressClients(clientInstanceIDs []string, env *wire.Envelope)
}

var _ Notifier = (*broadcast.Broadcaster)(nil)

// Requester identifies the acting client instance and the connection the
// request arrived on.
type Requester struct {
	ClientInstanceID string
	ConnectionID     string
}

// Business failures inside transaction handlers. They abort the transaction
// and are mapped to response statuses by the caller.
var (
	errUnknownProfile         = errors.New("gateway: unknown cloud session profile")
	errUnknownProfileClientID = errors.New("gateway: unknown profile client id")
	errBadJoinMode            = errors.New("gateway: unexpected lobby join mode")
	errStaleRead              = errors.New("gateway: stale read, retry")
)

const joinRetryLimit = 16

// Gateway drives admission workflows against the entity store and notifier.
type Gateway struct {
	store           *entitystore.Store
	notifier        Notifier
	protocolVersion int
	logger          *log.Logger
	now             func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithProtocolVersion sets the server-wide protocol version used to gate
// trust checks before a session exists.
func WithProtocolVersion(v int) Option {
	return func(g *Gateway) { g.protocolVersion = v }
}

// WithLogger enables verbose logging.
func WithLogger(l *log.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a gateway over the given store and notifier.
func New(store *entitystore.Store, notifier Notifier, opts ...Option) *Gateway {
	g := &Gateway{
		store:           store,
		notifier:        notifier,
		protocolVersion: trust.CurrentProtocolVersion,
		now:             time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf("gateway: "+format, args...)
	}
}

// StartTrustCheck gates a joiner on protocol version compatibility and
// returns the current member set. A snapshot read; no entity is mutated,
// and on mismatch the member list stays empty.
func (g *Gateway) StartTrustCheck(req wire.StartTrustCheckRequest) wire.StartTrustCheckResponse {
	expected := g.protocolVersion
	sess, ok := entitystore.Get[*CloudSessionData](g.store, sessionKey(req.SessionID))
	if ok && !sess.IsRemoved {
		expected = sess.ProtocolVersion
	}

	if !trust.Compatible(req.ProtocolVersion, expected) {
		g.logf("trust check %s: version %d incompatible with %d", req.SessionID, req.ProtocolVersion, expected)
		return wire.StartTrustCheckResponse{
			IsProtocolVersionIncompatible: true,
			ExpectedProtocolVersion:       expected,
		}
	}

	resp := wire.StartTrustCheckResponse{IsOK: true}
	if ok && !sess.IsRemoved {
		resp.MemberInstanceIDs = sess.MemberInstanceIDs()
	}
	return resp
}

// InformProtocolIncompatible relays a detected version mismatch to the other
// side of the pair, one-way.
func (g *Gateway) InformProtocolIncompatible(p wire.InformIncompatibleParams, requester Requester) {
	target := p.JoinerInstanceID
	if requester.ClientInstanceID == p.JoinerInstanceID {
		target = p.MemberInstanceID
	}
	env, err := wire.NewPush(wire.PushProtocolIncompatible, p)
	if err != nil {
		g.logf("inform incompatible: %v", err)
		return
	}
	g.notifier.AddressClient(target, env)
}

// RelayTrust forwards a trust push to the target client instance. The first
// AskPublicKeyCheckData for a session also records the joiner as a
// provisional pre-member.
func (g *Gateway) RelayTrust(rel wire.TrustRelay, requester Requester) error {
	switch rel.Push {
	case wire.PushAskPublicKeyCheckData,
		wire.PushGiveMemberPublicKeyCheckData,
		wire.PushRequestTrustPublicKey,
		wire.PushValidationFinished:
	default:
		return fmt.Errorf("gateway: refusing to relay %q", rel.Push)
	}

	if rel.Push == wire.PushAskPublicKeyCheckData {
		var params wire.AskPublicKeyCheckDataParams
		if err := wire.DecodeBody(&wire.Envelope{Op: rel.Push, Body: rel.Body}, &params); err == nil {
			g.registerPreMember(rel.SessionID, params)
		}
	}

	env := &wire.Envelope{Type: wire.TypePush, Op: rel.Push, Body: rel.Body}
	g.notifier.AddressClient(rel.TargetInstanceID, env)
	return nil
}

// registerPreMember adds the joiner to the session's provisional list while
// its handshake runs. Idempotent; absent sessions are left alone.
func (g *Gateway) registerPreMember(sessionID string, params wire.AskPublicKeyCheckDataParams) {
	_, err := entitystore.Update(g.store, sessionKey(sessionID),
		func(sess *CloudSessionData, ok bool) (*CloudSessionData, error) {
			if !ok || sess.IsRemoved {
				return sess, nil
			}
			if sess.HasMember(params.ClientInstanceID) || sess.hasPreMember(params.ClientInstanceID) {
				return sess, nil
			}
			next := sess.clone()
			next.PreMembers = append(next.PreMembers, SessionMemberData{
				ClientInstanceID: params.ClientInstanceID,
				ClientID:         params.PublicKeyInfo.ClientID,
				PublicKeyInfo:    params.PublicKeyInfo,
				JoinedOn:         g.now(),
			})
			return next, nil
		}, nil)
	if err != nil {
		g.logf("register pre-member %s: %v", params.ClientInstanceID, err)
	}
}

// TryJoinLobby connects the requester to its slot in the profile's current
// lobby, creating the lobby inside the same transaction if the profile has
// none. A stale profile read retries the whole read-handler-write cycle.
// The joined push goes out only after the transaction committed, and never
// to the actor.
func (g *Gateway) TryJoinLobby(req wire.JoinLobbyRequest, requester Requester) (*wire.JoinLobbyResponse, error) {
	if !req.JoinMode.Valid() {
		return &wire.JoinLobbyResponse{Status: wire.UnexpectedLobbyJoinMode}, nil
	}

	for attempt := 0; attempt < joinRetryLimit; attempt++ {
		prof, ok := entitystore.Get[*CloudSessionProfile](g.store, profileKey(req.ProfileID))
		if !ok {
			return &wire.JoinLobbyResponse{Status: wire.UnknownCloudSessionProfile}, nil
		}

		creating := prof.CurrentLobbyID == ""
		lobbyID := prof.CurrentLobbyID
		if creating {
			lobbyID = uuid.NewString()
		}

		var (
			fresh     bool
			snapshot  *Lobby
			memberNow wire.LobbyMemberInfo
		)

		txn := g.store.OpenTransaction()

		// Read-or-create the lobby id on the profile. The handler re-checks
		// the assumption made outside the transaction; a concurrent creator
		// aborts the batch and the full cycle retries.
		entitystore.Update(g.store, profileKey(req.ProfileID),
			func(p *CloudSessionProfile, ok bool) (*CloudSessionProfile, error) {
				if !ok {
					return nil, errUnknownProfile
				}
				if creating {
					if p.CurrentLobbyID != "" {
						return nil, errStaleRead
					}
					next := p.clone()
					next.CurrentLobbyID = lobbyID
					return next, nil
				}
				if p.CurrentLobbyID != lobbyID {
					return nil, errStaleRead
				}
				return p, nil
			}, txn)

		// Connect the requester's cell in the same transaction.
		entitystore.Update(g.store, lobbyKey(lobbyID),
			func(l *Lobby, ok bool) (*Lobby, error) {
				if !ok {
					if !creating {
						return nil, errStaleRead
					}
					l = newLobby(lobbyID, prof, g.now())
				}
				idx := l.cellIndex(req.ProfileClientID)
				if idx < 0 {
					return nil, errUnknownProfileClientID
				}
				if !joinModeAllowed(idx, req.JoinMode) {
					return nil, errBadJoinMode
				}
				if l.Cells[idx].ClientInstanceID != "" {
					// Reconnecting an already-connected cell is a replay.
					fresh = false
					snapshot = l
					memberNow = wire.LobbyMemberInfo{
						ProfileClientID:  l.Cells[idx].ProfileClientID,
						ClientInstanceID: l.Cells[idx].ClientInstanceID,
						JoinMode:         l.Cells[idx].JoinMode,
						PublicKeyInfo:    l.Cells[idx].PublicKeyInfo,
					}
					return l, nil
				}
				next := l.clone()
				next.Cells[idx].ClientInstanceID = requester.ClientInstanceID
				next.Cells[idx].JoinMode = req.JoinMode
				next.Cells[idx].PublicKeyInfo = req.PublicKeyInfo
				next.Cells[idx].JoinedOn = g.now()
				fresh = true
				snapshot = next
				memberNow = wire.LobbyMemberInfo{
					ProfileClientID:  req.ProfileClientID,
					ClientInstanceID: requester.ClientInstanceID,
					JoinMode:         req.JoinMode,
					PublicKeyInfo:    req.PublicKeyInfo,
				}
				return next, nil
			}, txn)

		err := txn.Execute()
		switch {
		case errors.Is(err, errStaleRead):
			continue
		case errors.Is(err, errUnknownProfile):
			return &wire.JoinLobbyResponse{Status: wire.UnknownCloudSessionProfile}, nil
		case errors.Is(err, errUnknownProfileClientID):
			return &wire.JoinLobbyResponse{Status: wire.UnknownProfileClientID}, nil
		case errors.Is(err, errBadJoinMode):
			return &wire.JoinLobbyResponse{Status: wire.UnexpectedLobbyJoinMode}, nil
		case err != nil:
			return nil, fmt.Errorf("gateway: join lobby: %w", err)
		}

		// Committed. Side effects are safe now.
		group := broadcast.LobbyGroup(lobbyID)
		g.notifier.Subscribe(requester.ConnectionID, group)
		g.trackSubscription(requester, group)
		status := wire.LobbyPreviouslyJoined
		if fresh {
			status = wire.LobbyJoinedSuccessfully
			push, perr := wire.NewPush(wire.PushMemberJoinedLobby, wire.MemberJoinedLobbyPush{
				LobbyID:    lobbyID,
				MemberInfo: memberNow,
			})
			if perr != nil {
				g.logf("member joined push: %v", perr)
			} else {
				g.notifier.AddressGroupExcept(group, requester.ConnectionID, push)
			}
		}
		return &wire.JoinLobbyResponse{Status: status, LobbyInfo: snapshot.info()}, nil
	}
	return nil, fmt.Errorf("gateway: join lobby %s: %w", req.ProfileID, entitystore.ErrConflict)
}

// QuitLobby disconnects the requester's cell; a lobby with no connected cell
// left is deleted and unhooked from its profile in the same transaction.
// Broadcasts go out after commit, excluding the actor, and the actor's
// connection is unsubscribed last.
func (g *Gateway) QuitLobby(lobbyID string, requester Requester) (*wire.QuitLobbyResponse, error) {
	for attempt := 0; attempt < joinRetryLimit; attempt++ {
		lobby, ok := entitystore.Get[*Lobby](g.store, lobbyKey(lobbyID))
		if !ok {
			return &wire.QuitLobbyResponse{Status: "NotFound"}, nil
		}
		profileID := lobby.ProfileID

		deleted := false
		found := false

		txn := g.store.OpenTransaction()
		entitystore.Update(g.store, lobbyKey(lobbyID),
			func(l *Lobby, ok bool) (*Lobby, error) {
				if !ok {
					return nil, errStaleRead
				}
				next := l.clone()
				for i := range next.Cells {
					if next.Cells[i].ClientInstanceID == requester.ClientInstanceID {
						next.Cells[i] = LobbyMemberCell{ProfileClientID: next.Cells[i].ProfileClientID}
						found = true
					}
				}
				if !found {
					return l, nil
				}
				if next.connectedCount() == 0 {
					deleted = true
					return nil, nil
				}
				return next, nil
			}, txn)
		entitystore.Update(g.store, profileKey(profileID),
			func(p *CloudSessionProfile, ok bool) (*CloudSessionProfile, error) {
				if !ok || !deleted || p.CurrentLobbyID != lobbyID {
					return p, nil
				}
				next := p.clone()
				next.CurrentLobbyID = ""
				return next, nil
			}, txn)

		err := txn.Execute()
		if errors.Is(err, errStaleRead) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("gateway: quit lobby: %w", err)
		}
		if !found {
			return &wire.QuitLobbyResponse{Status: "NotFound"}, nil
		}

		group := broadcast.LobbyGroup(lobbyID)
		push, perr := wire.NewPush(wire.PushMemberQuittedLobby, wire.MemberQuittedLobbyPush{
			LobbyID:          lobbyID,
			ClientInstanceID: requester.ClientInstanceID,
			LobbyClosed:      deleted,
		})
		if perr != nil {
			g.logf("member quitted push: %v", perr)
		} else {
			g.notifier.AddressGroupExcept(group, requester.ConnectionID, push)
		}
		g.notifier.Unsubscribe(requester.ConnectionID, group)
		g.untrackSubscription(requester, group)

		status := "Removed"
		if deleted {
			status = "Deleted"
		}
		return &wire.QuitLobbyResponse{Status: status}, nil
	}
	return nil, fmt.Errorf("gateway: quit lobby %s: %w", lobbyID, entitystore.ErrConflict)
}

// CreateSession creates a cloud session with the requester as sole member at
// position 0 and subscribes its connection to the session group.
func (g *Gateway) CreateSession(req wire.CreateSessionRequest, requester Requester) (*wire.CreateSessionResponse, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	_, err := entitystore.Update(g.store, sessionKey(sessionID),
		func(sess *CloudSessionData, ok bool) (*CloudSessionData, error) {
			if ok && !sess.IsRemoved {
				return nil, fmt.Errorf("gateway: session %s already exists", sessionID)
			}
			return &CloudSessionData{
				SessionID:         sessionID,
				LobbyID:           req.LobbyID,
				EncryptedSettings: req.EncryptedSettings,
				ProtocolVersion:   g.protocolVersion,
				IsActivated:       true,
				CreatorInstanceID: requester.ClientInstanceID,
				Members: []SessionMemberData{{
					ClientInstanceID: requester.ClientInstanceID,
					ClientID:         req.PublicKeyInfo.ClientID,
					PublicKeyInfo:    req.PublicKeyInfo,
					ProfileClientID:  req.ProfileClientID,
					JoinedOn:         g.now(),
					PositionInList:   0,
				}},
			}, nil
		}, nil)
	if err != nil {
		return nil, err
	}

	group := broadcast.SessionGroup(sessionID)
	g.notifier.Subscribe(requester.ConnectionID, group)
	g.trackSubscription(requester, group)
	return &wire.CreateSessionResponse{SessionID: sessionID}, nil
}

// FinalizeJoinSession promotes a joiner whose trust handshake succeeded into
// the member list, assigning the next position. The joined push goes to the
// rest of the session group after commit.
func (g *Gateway) FinalizeJoinSession(req wire.FinalizeJoinSessionRequest, requester Requester) (*wire.FinalizeJoinSessionResponse, error) {
	var member SessionMemberData
	status := "OK"

	_, err := entitystore.Update(g.store, sessionKey(req.SessionID),
		func(sess *CloudSessionData, ok bool) (*CloudSessionData, error) {
			if !ok || sess.IsRemoved {
				status = "UnknownSession"
				return sess, nil
			}
			if sess.HasMember(requester.ClientInstanceID) {
				status = "AlreadyMember"
				for _, m := range sess.Members {
					if m.ClientInstanceID == requester.ClientInstanceID {
						member = m
					}
				}
				return sess, nil
			}
			status = "OK"
			next := sess.clone()
			next.dropPreMember(requester.ClientInstanceID)
			member = SessionMemberData{
				ClientInstanceID: requester.ClientInstanceID,
				ClientID:         req.PublicKeyInfo.ClientID,
				PublicKeyInfo:    req.PublicKeyInfo,
				ProfileClientID:  req.ProfileClientID,
				JoinedOn:         g.now(),
				PositionInList:   len(next.Members),
			}
			next.Members = append(next.Members, member)
			return next, nil
		}, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: finalize join: %w", err)
	}
	if status != "OK" {
		return &wire.FinalizeJoinSessionResponse{Status: status}, nil
	}

	group := broadcast.SessionGroup(req.SessionID)
	g.notifier.Subscribe(requester.ConnectionID, group)
	g.trackSubscription(requester, group)
	push, perr := wire.NewPush(wire.PushMemberJoinedSession, wire.SessionMemberPush{
		SessionID:        req.SessionID,
		ClientInstanceID: member.ClientInstanceID,
		ClientID:         member.ClientID,
		PositionInList:   member.PositionInList,
		JoinedOn:         member.JoinedOn,
	})
	if perr != nil {
		g.logf("member joined session push: %v", perr)
	} else {
		g.notifier.AddressGroupExcept(group, requester.ConnectionID, push)
	}
	return &wire.FinalizeJoinSessionResponse{Status: status, PositionInList: member.PositionInList}, nil
}

// QuitSession removes the requester from the member and pre-member lists and
// renumbers the remaining members.
func (g *Gateway) QuitSession(sessionID string, requester Requester) error {
	found := false
	_, err := entitystore.Update(g.store, sessionKey(sessionID),
		func(sess *CloudSessionData, ok bool) (*CloudSessionData, error) {
			if !ok || sess.IsRemoved {
				return sess, nil
			}
			next := sess.clone()
			next.dropPreMember(requester.ClientInstanceID)
			kept := next.Members[:0]
			for _, m := range next.Members {
				if m.ClientInstanceID != requester.ClientInstanceID {
					kept = append(kept, m)
				} else {
					found = true
				}
			}
			next.Members = kept
			next.renumberMembers()
			if len(next.Members) == 0 {
				next.IsRemoved = true
			}
			return next, nil
		}, nil)
	if err != nil {
		return fmt.Errorf("gateway: quit session: %w", err)
	}
	if !found {
		return nil
	}

	group := broadcast.SessionGroup(sessionID)
	push, perr := wire.NewPush(wire.PushMemberQuittedSession, wire.SessionMemberPush{
		SessionID:        sessionID,
		ClientInstanceID: requester.ClientInstanceID,
	})
	if perr != nil {
		g.logf("member quitted session push: %v", perr)
	} else {
		g.notifier.AddressGroupExcept(group, requester.ConnectionID, push)
	}
	g.notifier.Unsubscribe(requester.ConnectionID, group)
	g.untrackSubscription(requester, group)
	return nil
}

// trackSubscription mirrors a group subscription onto the Client entity so
// state can be replayed after a reconnect.
func (g *Gateway) trackSubscription(requester Requester, groupID string) {
	_, err := entitystore.Update(g.store, clientKey(requester.ClientInstanceID),
		func(c *Client, ok bool) (*Client, error) {
			if !ok {
				return nil, nil
			}
			for _, gid := range c.SubscribedGroups {
				if gid == groupID {
					return c, nil
				}
			}
			next := c.clone()
			next.SubscribedGroups = append(next.SubscribedGroups, groupID)
			return next, nil
		}, nil)
	if err != nil {
		g.logf("track subscription %s: %v", groupID, err)
	}
}

func (g *Gateway) untrackSubscription(requester Requester, groupID string) {
	_, err := entitystore.Update(g.store, clientKey(requester.ClientInstanceID),
		func(c *Client, ok bool) (*Client, error) {
			if !ok {
				return nil, nil
			}
			next := c.clone()
			kept := next.SubscribedGroups[:0]
			for _, gid := range next.SubscribedGroups {
				if gid != groupID {
					kept = append(kept, gid)
				}
			}
			next.SubscribedGroups = kept
			return next, nil
		}, nil)
	if err != nil {
		g.logf("untrack subscription %s: %v", groupID, err)
	}
}

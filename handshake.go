package peersync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gwillem/peersync-go/internal/store"
	"github.com/gwillem/peersync-go/internal/trust"
	"github.com/gwillem/peersync-go/internal/wire"
)

// TrustResult is the aggregated outcome of a trust check across all session
// members, plus the per-peer breakdown.
type TrustResult struct {
	Outcome trust.Outcome
	PerPeer map[string]trust.Outcome // by member client instance id
	Members []*wire.PublicKeyCheckData
}

// joinerHandshake is the joiner-side state for one trust check: the registry
// collecting member check data and one peer session per expected member.
type joinerHandshake struct {
	sessionID string
	registry  *trust.JoinerRegistry

	mu    sync.Mutex
	peers map[string]*trust.PeerSession // by member instance id
}

func (hs *joinerHandshake) peer(memberID string) *trust.PeerSession {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.peers[memberID]
}

func (hs *joinerHandshake) allPeers() []*trust.PeerSession {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	out := make([]*trust.PeerSession, 0, len(hs.peers))
	for _, p := range hs.peers {
		out = append(out, p)
	}
	return out
}

// memberHandshake is the member-side state for one joiner's trust check.
type memberHandshake struct {
	sessionID string
	joinerID  string
	joinerKey wire.PublicKeyInfo
	peer      *trust.PeerSession
}

// StartTrustCheck runs the full joiner-side handshake for a session: it asks
// the server for the member set, exchanges check data with every member,
// applies the local trust decision, and waits for all pairs to resolve.
// The handshake state is registered before the request goes out, since member
// answers can arrive before the server's response.
func (c *Client) StartTrustCheck(ctx context.Context, sessionID string) (*TrustResult, error) {
	hs := &joinerHandshake{
		sessionID: sessionID,
		registry:  trust.NewJoinerRegistry(),
		peers:     make(map[string]*trust.PeerSession),
	}
	c.hsMu.Lock()
	if _, busy := c.joiners[sessionID]; busy {
		c.hsMu.Unlock()
		return nil, fmt.Errorf("client: trust check for session %s already running", sessionID)
	}
	c.joiners[sessionID] = hs
	c.hsMu.Unlock()
	defer func() {
		c.hsMu.Lock()
		delete(c.joiners, sessionID)
		c.hsMu.Unlock()
	}()

	resp, err := c.request(ctx, wire.OpStartTrustCheck, wire.StartTrustCheckRequest{
		SessionID:        sessionID,
		ClientInstanceID: c.instanceID,
		ProtocolVersion:  c.protocolVersion,
	})
	if err != nil {
		return nil, err
	}
	var start wire.StartTrustCheckResponse
	if err := wire.DecodeBody(resp, &start); err != nil {
		return nil, err
	}
	if start.IsProtocolVersionIncompatible {
		c.logf("trust check %s: server expects protocol %d, we speak %d",
			sessionID, start.ExpectedProtocolVersion, c.protocolVersion)
		return &TrustResult{Outcome: trust.OutcomeIncompatible}, nil
	}
	if !start.IsOK {
		return nil, fmt.Errorf("client: trust check %s refused", sessionID)
	}

	if err := hs.registry.SetExpectedMembers(start.MemberInstanceIDs); err != nil {
		return nil, err
	}
	hs.mu.Lock()
	for _, id := range start.MemberInstanceIDs {
		hs.peers[id] = trust.NewPeerSession(id)
	}
	hs.mu.Unlock()

	// An empty session has nobody to confirm against.
	if len(start.MemberInstanceIDs) == 0 {
		return &TrustResult{Outcome: trust.OutcomeSuccess, PerPeer: map[string]trust.Outcome{}}, nil
	}

	ask := wire.AskPublicKeyCheckDataParams{
		SessionID:        sessionID,
		ClientInstanceID: c.instanceID,
		PublicKeyInfo:    c.PublicKeyInfo(),
	}
	for _, memberID := range start.MemberInstanceIDs {
		if err := c.relayTrust(ctx, sessionID, memberID, wire.PushAskPublicKeyCheckData, ask); err != nil {
			return nil, err
		}
	}

	if !hs.registry.AwaitComplete(ctx, c.trustTimeout) {
		for _, ps := range hs.allPeers() {
			if ctx.Err() != nil {
				ps.Cancel()
			}
		}
		if ctx.Err() != nil {
			return &TrustResult{Outcome: trust.OutcomeCancelled}, nil
		}
		return &TrustResult{Outcome: trust.OutcomeTimedOut}, nil
	}

	received := hs.registry.Received()
	for _, cd := range received {
		ps := hs.peer(cd.IssuerClientInstanceID)
		if ps == nil {
			continue
		}
		if !trust.Compatible(cd.IssuerPublicKeyInfo.ProtocolVersion, c.protocolVersion) {
			c.informIncompatible(ctx, sessionID, cd.IssuerClientInstanceID,
				cd.IssuerPublicKeyInfo.ProtocolVersion)
			ps.MarkIncompatible()
			continue
		}

		localOK := c.validateCheckData(cd)
		ps.SetLocalDecision(localOK)
		if err := c.relayTrust(ctx, sessionID, cd.IssuerClientInstanceID,
			wire.PushValidationFinished, wire.ValidationFinishedParams{
				SessionID:        sessionID,
				IssuerInstanceID: c.instanceID,
				IsValidated:      localOK,
			}); err != nil {
			return nil, err
		}
	}

	// Every pair resolves independently; collect them in parallel.
	perPeer := make(map[string]trust.Outcome, len(received))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, ps := range hs.allPeers() {
		wg.Add(1)
		go func(ps *trust.PeerSession) {
			defer wg.Done()
			out := ps.AwaitOutcome(ctx, c.trustTimeout)
			mu.Lock()
			perPeer[ps.OtherPartyID()] = out
			mu.Unlock()
		}(ps)
	}
	wg.Wait()

	result := &TrustResult{
		Outcome: aggregateOutcomes(perPeer),
		PerPeer: perPeer,
		Members: received,
	}
	if result.Outcome == trust.OutcomeSuccess {
		for _, cd := range received {
			c.rememberPeer(cd)
		}
	}
	return result, nil
}

// CancelTrustCheck aborts a running trust check for the session. Cancellation
// wins over any decision still in flight.
func (c *Client) CancelTrustCheck(sessionID string) {
	c.hsMu.Lock()
	hs := c.joiners[sessionID]
	c.hsMu.Unlock()
	if hs == nil {
		return
	}
	for _, ps := range hs.allPeers() {
		ps.Cancel()
	}
}

// aggregateOutcomes folds per-peer outcomes into one. Incompatibility and
// cancellation dominate; a single rejection fails the whole check.
func aggregateOutcomes(perPeer map[string]trust.Outcome) trust.Outcome {
	agg := trust.OutcomeSuccess
	rank := func(o trust.Outcome) int {
		switch o {
		case trust.OutcomeIncompatible:
			return 4
		case trust.OutcomeCancelled:
			return 3
		case trust.OutcomeMismatch:
			return 2
		case trust.OutcomeTimedOut:
			return 1
		}
		return 0
	}
	for _, o := range perPeer {
		if rank(o) > rank(agg) {
			agg = o
		}
	}
	return agg
}

// validateCheckData recomputes the safety key for a peer's check data and
// applies the trust decision. A safety key that does not match our own
// derivation is rejected outright.
func (c *Client) validateCheckData(cd *wire.PublicKeyCheckData) bool {
	sk := trust.ComputeSafetyKey(
		c.clientID, c.identityPub,
		cd.IssuerPublicKeyInfo.ClientID, cd.IssuerPublicKeyInfo.PublicKey)
	if sk != cd.SafetyKey {
		c.logf("safety key mismatch for %s", cd.IssuerPublicKeyInfo.ClientID)
		return false
	}
	return c.decideTrust(cd, sk)
}

// decideTrust applies the remembered-key check and, for unknown or changed
// keys, the configured decision callback. Without a callback, first contact
// is trusted and a changed key is rejected.
func (c *Client) decideTrust(cd *wire.PublicKeyCheckData, safetyKey string) bool {
	info := cd.IssuerPublicKeyInfo
	trusted, known, err := c.store.IsTrustedKey(info.ClientID, info.PublicKey)
	if err != nil {
		c.logf("trusted key lookup for %s: %v", info.ClientID, err)
		known = false
	}
	if trusted {
		return true
	}
	if c.decide != nil {
		return c.decide(cd, safetyKey, known)
	}
	if known {
		c.logf("key changed for %s, rejecting", info.ClientID)
		return false
	}
	return true
}

// rememberPeer persists a successfully validated peer key.
func (c *Client) rememberPeer(cd *wire.PublicKeyCheckData) {
	err := c.store.SaveTrustedPeer(&store.TrustedPeer{
		ClientID:    cd.IssuerPublicKeyInfo.ClientID,
		PublicKey:   cd.IssuerPublicKeyInfo.PublicKey,
		SafetyKey:   cd.SafetyKey,
		ValidatedOn: time.Now(),
	})
	if err != nil {
		c.logf("remember peer %s: %v", cd.IssuerPublicKeyInfo.ClientID, err)
	}
}

// SafetyKeyWith returns the 60-digit safety key shared with a remembered
// peer, for out-of-band comparison.
func (c *Client) SafetyKeyWith(peerClientID string) (string, error) {
	p, err := c.store.GetTrustedPeer(peerClientID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", fmt.Errorf("client: no remembered key for %s", peerClientID)
	}
	return trust.ComputeSafetyKey(c.clientID, c.identityPub, p.ClientID, p.PublicKey), nil
}

// SafetyKeyFor computes the safety key against an explicit peer key.
func (c *Client) SafetyKeyFor(peerClientID string, peerKey []byte) string {
	return trust.ComputeSafetyKey(c.clientID, c.identityPub, peerClientID, peerKey)
}

// informIncompatible reports a detected version mismatch to the server, which
// relays it to the other side of the pair.
func (c *Client) informIncompatible(ctx context.Context, sessionID, memberID string, memberVersion int) {
	_, err := c.request(ctx, wire.OpInformIncompatible, wire.InformIncompatibleParams{
		SessionID:             sessionID,
		JoinerInstanceID:      c.instanceID,
		MemberInstanceID:      memberID,
		JoinerProtocolVersion: c.protocolVersion,
		MemberProtocolVersion: memberVersion,
	})
	if err != nil {
		c.logf("inform incompatible: %v", err)
	}
}

// handlePush dispatches server pushes: trust relays feed the handshake state,
// lobby and session membership pushes go to the configured callback.
func (c *Client) handlePush(ctx context.Context, env *wire.Envelope) {
	switch env.Op {
	case wire.PushAskPublicKeyCheckData:
		var p wire.AskPublicKeyCheckDataParams
		if err := wire.DecodeBody(env, &p); err != nil {
			c.logf("ask push: %v", err)
			return
		}
		c.handleAsk(ctx, p)

	case wire.PushGiveMemberPublicKeyCheckData:
		var p wire.GiveMemberPublicKeyCheckDataParams
		if err := wire.DecodeBody(env, &p); err != nil {
			c.logf("give push: %v", err)
			return
		}
		c.hsMu.Lock()
		hs := c.joiners[p.SessionID]
		c.hsMu.Unlock()
		if hs == nil {
			c.logf("check data for unknown session %s", p.SessionID)
			return
		}
		cd := p.PublicKeyCheckData
		hs.registry.Store(&cd)

	case wire.PushRequestTrustPublicKey:
		var p wire.RequestTrustPublicKeyParams
		if err := wire.DecodeBody(env, &p); err != nil {
			c.logf("request key push: %v", err)
			return
		}
		c.hsMu.Lock()
		hs := c.joiners[p.SessionID]
		c.hsMu.Unlock()
		if hs == nil {
			return
		}
		// A member missed our ask; repeat it, idempotently.
		err := c.relayTrust(ctx, p.SessionID, p.RequesterInstanceID,
			wire.PushAskPublicKeyCheckData, wire.AskPublicKeyCheckDataParams{
				SessionID:        p.SessionID,
				ClientInstanceID: c.instanceID,
				PublicKeyInfo:    c.PublicKeyInfo(),
			})
		if err != nil {
			c.logf("repeat ask: %v", err)
		}

	case wire.PushValidationFinished:
		var p wire.ValidationFinishedParams
		if err := wire.DecodeBody(env, &p); err != nil {
			c.logf("validation push: %v", err)
			return
		}
		c.handleValidationFinished(p)

	case wire.PushProtocolIncompatible:
		var p wire.InformIncompatibleParams
		if err := wire.DecodeBody(env, &p); err != nil {
			c.logf("incompatible push: %v", err)
			return
		}
		c.handleIncompatible(p)

	case wire.PushMemberJoinedLobby, wire.PushMemberQuittedLobby,
		wire.PushMemberJoinedSession, wire.PushMemberQuittedSession:
		if c.onPush != nil {
			c.onPush(env)
		}

	default:
		c.logf("unknown push %q", env.Op)
	}
}

// handleAsk runs the member side of the handshake for one joiner: answer with
// our check data, decide locally, report the decision, and wait out the pair
// in the background.
func (c *Client) handleAsk(ctx context.Context, p wire.AskPublicKeyCheckDataParams) {
	if !trust.Compatible(p.PublicKeyInfo.ProtocolVersion, c.protocolVersion) {
		_, err := c.request(ctx, wire.OpInformIncompatible, wire.InformIncompatibleParams{
			SessionID:             p.SessionID,
			JoinerInstanceID:      p.ClientInstanceID,
			MemberInstanceID:      c.instanceID,
			JoinerProtocolVersion: p.PublicKeyInfo.ProtocolVersion,
			MemberProtocolVersion: c.protocolVersion,
		})
		if err != nil {
			c.logf("inform incompatible: %v", err)
		}
		return
	}

	// Repeated asks for the same joiner reuse the recorded check data, so
	// retries get a byte-identical answer.
	cd, ok := c.ledger.GetLocalDecision(p.ClientInstanceID)
	if !ok {
		cd = &wire.PublicKeyCheckData{
			IssuerClientInstanceID: c.instanceID,
			IssuerPublicKeyInfo:    c.PublicKeyInfo(),
			SafetyKey: trust.ComputeSafetyKey(
				c.clientID, c.identityPub,
				p.PublicKeyInfo.ClientID, p.PublicKeyInfo.PublicKey),
		}
		c.ledger.RecordLocalDecision(p.ClientInstanceID, cd)
	}

	c.hsMu.Lock()
	mh := c.members[p.ClientInstanceID]
	fresh := mh == nil
	if fresh {
		mh = &memberHandshake{
			sessionID: p.SessionID,
			joinerID:  p.ClientInstanceID,
			joinerKey: p.PublicKeyInfo,
			peer:      trust.NewPeerSession(p.ClientInstanceID),
		}
		c.members[p.ClientInstanceID] = mh
	}
	c.hsMu.Unlock()

	err := c.relayTrust(ctx, p.SessionID, p.ClientInstanceID,
		wire.PushGiveMemberPublicKeyCheckData, wire.GiveMemberPublicKeyCheckDataParams{
			SessionID:          p.SessionID,
			PublicKeyCheckData: *cd,
		})
	if err != nil {
		c.logf("give check data: %v", err)
		return
	}
	if !fresh {
		return
	}

	joinerCD := &wire.PublicKeyCheckData{
		IssuerClientInstanceID: p.ClientInstanceID,
		IssuerPublicKeyInfo:    p.PublicKeyInfo,
		SafetyKey:              cd.SafetyKey,
	}
	localOK := c.decideTrust(joinerCD, cd.SafetyKey)
	mh.peer.SetLocalDecision(localOK)
	err = c.relayTrust(ctx, p.SessionID, p.ClientInstanceID,
		wire.PushValidationFinished, wire.ValidationFinishedParams{
			SessionID:        p.SessionID,
			IssuerInstanceID: c.instanceID,
			IsValidated:      localOK,
		})
	if err != nil {
		c.logf("report decision: %v", err)
	}

	go func() {
		out := mh.peer.AwaitOutcome(context.Background(), c.trustTimeout)
		c.logf("trust with joiner %s: %s", mh.joinerID, out)
		if out == trust.OutcomeSuccess {
			c.rememberPeer(joinerCD)
		}
		c.hsMu.Lock()
		delete(c.members, mh.joinerID)
		c.hsMu.Unlock()
	}()
}

// handleValidationFinished routes a peer's decision to whichever side of the
// handshake knows the issuer.
func (c *Client) handleValidationFinished(p wire.ValidationFinishedParams) {
	c.hsMu.Lock()
	hs := c.joiners[p.SessionID]
	mh := c.members[p.IssuerInstanceID]
	c.hsMu.Unlock()

	if hs != nil {
		if ps := hs.peer(p.IssuerInstanceID); ps != nil {
			ps.SetRemoteDecision(p.IsValidated)
			return
		}
	}
	if mh != nil {
		mh.peer.SetRemoteDecision(p.IsValidated)
		return
	}
	c.logf("decision from unknown peer %s", p.IssuerInstanceID)
}

// handleIncompatible marks the affected pair incompatible on whichever side
// we hold.
func (c *Client) handleIncompatible(p wire.InformIncompatibleParams) {
	c.hsMu.Lock()
	hs := c.joiners[p.SessionID]
	mh := c.members[p.JoinerInstanceID]
	c.hsMu.Unlock()

	if hs != nil {
		if ps := hs.peer(p.MemberInstanceID); ps != nil {
			ps.MarkIncompatible()
		}
	}
	if mh != nil {
		mh.peer.MarkIncompatible()
	}
}

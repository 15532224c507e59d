package gateway

import (
	"sync"
	"testing"

	"github.com/gwillem/peersync-go/internal/entitystore"
	"github.com/gwillem/peersync-go/internal/trust"
	"github.com/gwillem/peersync-go/internal/wire"
)

// notifierCall records one push fan-out invocation.
type notifierCall struct {
	method string
	group  string
	except string
	op     string
}

// recordingNotifier captures every notifier invocation instead of delivering.
// An optional hook runs inside AddressGroupExcept, which the premature
// broadcast tests use to inspect store state at send time.
type recordingNotifier struct {
	mu     sync.Mutex
	calls  []notifierCall
	onSend func(group, except string, env *wire.Envelope)
}

func (n *recordingNotifier) record(c notifierCall) {
	n.mu.Lock()
	n.calls = append(n.calls, c)
	n.mu.Unlock()
}

func (n *recordingNotifier) Subscribe(connID, groupID string) {
	n.record(notifierCall{method: "subscribe", group: groupID, except: connID})
}

func (n *recordingNotifier) Unsubscribe(connID, groupID string) {
	n.record(notifierCall{method: "unsubscribe", group: groupID, except: connID})
}

func (n *recordingNotifier) AddressGroup(groupID string, env *wire.Envelope) {
	n.AddressGroupExcept(groupID, "", env)
}

func (n *recordingNotifier) AddressGroupExcept(groupID, exceptConnID string, env *wire.Envelope) {
	if n.onSend != nil {
		n.onSend(groupID, exceptConnID, env)
	}
	n.record(notifierCall{method: "send", group: groupID, except: exceptConnID, op: env.Op})
}

func (n *recordingNotifier) AddressClient(clientInstanceID string, env *wire.Envelope) {
	n.record(notifierCall{method: "client", group: clientInstanceID, op: env.Op})
}

func (n *recordingNotifier) AddressClients(ids []string, env *wire.Envelope) {
	for _, id := range ids {
		n.AddressClient(id, env)
	}
}

func (n *recordingNotifier) sends() []notifierCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notifierCall
	for _, c := range n.calls {
		if c.method == "send" || c.method == "client" {
			out = append(out, c)
		}
	}
	return out
}

func newTestGateway(t *testing.T, opts ...Option) (*Gateway, *entitystore.Store, *recordingNotifier) {
	t.Helper()
	store := entitystore.New()
	notifier := &recordingNotifier{}
	return New(store, notifier, opts...), store, notifier
}

func seedProfile(t *testing.T, store *entitystore.Store, profileID string, slots ...string) {
	t.Helper()
	_, err := entitystore.Update(store, profileKey(profileID),
		func(p *CloudSessionProfile, ok bool) (*CloudSessionProfile, error) {
			return &CloudSessionProfile{ProfileID: profileID, SlotProfileClientIDs: slots}, nil
		}, nil)
	if err != nil {
		t.Fatal(err)
	}
}

func rq(instanceID string) Requester {
	return Requester{ClientInstanceID: instanceID, ConnectionID: "conn-" + instanceID}
}

func joinReq(profileID, profileClientID string, mode wire.JoinMode) wire.JoinLobbyRequest {
	return wire.JoinLobbyRequest{
		ProfileID:       profileID,
		ProfileClientID: profileClientID,
		JoinMode:        mode,
		PublicKeyInfo:   wire.PublicKeyInfo{ClientID: "ck-" + profileClientID, ProtocolVersion: trust.CurrentProtocolVersion},
	}
}

func TestJoinLobbyCreatesAndConnects(t *testing.T) {
	g, store, _ := newTestGateway(t)
	seedProfile(t, store, "prof", "owner", "guest")

	resp, err := g.TryJoinLobby(joinReq("prof", "owner", wire.JoinModeRunInventory), rq("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != wire.LobbyJoinedSuccessfully {
		t.Fatalf("status: got %v, want %v", resp.Status, wire.LobbyJoinedSuccessfully)
	}
	if resp.LobbyInfo == nil || resp.LobbyInfo.LobbyID == "" {
		t.Fatal("missing lobby info")
	}
	if len(resp.LobbyInfo.Members) != 1 {
		t.Fatalf("members: got %d, want 1", len(resp.LobbyInfo.Members))
	}

	prof, _ := entitystore.Get[*CloudSessionProfile](store, profileKey("prof"))
	if prof.CurrentLobbyID != resp.LobbyInfo.LobbyID {
		t.Fatalf("profile lobby id: got %q, want %q", prof.CurrentLobbyID, resp.LobbyInfo.LobbyID)
	}
	lobby, ok := entitystore.Get[*Lobby](store, lobbyKey(resp.LobbyInfo.LobbyID))
	if !ok {
		t.Fatal("lobby entity missing")
	}
	if lobby.Cells[0].ClientInstanceID != "alice" {
		t.Fatalf("cell 0: got %q, want alice", lobby.Cells[0].ClientInstanceID)
	}
}

func TestJoinLobbySecondMemberReusesLobby(t *testing.T) {
	g, store, notifier := newTestGateway(t)
	seedProfile(t, store, "prof", "owner", "guest")

	first, err := g.TryJoinLobby(joinReq("prof", "owner", wire.JoinModeRunSynchronization), rq("alice"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.TryJoinLobby(joinReq("prof", "guest", wire.JoinModeJoin), rq("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != wire.LobbyJoinedSuccessfully {
		t.Fatalf("status: got %v, want %v", second.Status, wire.LobbyJoinedSuccessfully)
	}
	if second.LobbyInfo.LobbyID != first.LobbyInfo.LobbyID {
		t.Fatal("second joiner got a different lobby")
	}
	if len(second.LobbyInfo.Members) != 2 {
		t.Fatalf("members: got %d, want 2", len(second.LobbyInfo.Members))
	}

	// The joined push must exclude the actor's own connection.
	var joined []notifierCall
	for _, c := range notifier.sends() {
		if c.op == wire.PushMemberJoinedLobby {
			joined = append(joined, c)
		}
	}
	if len(joined) != 2 {
		t.Fatalf("joined pushes: got %d, want 2", len(joined))
	}
	if joined[1].except != rq("bob").ConnectionID {
		t.Fatalf("push except: got %q, want %q", joined[1].except, rq("bob").ConnectionID)
	}
}

func TestJoinLobbyReplayIsIdempotent(t *testing.T) {
	g, store, notifier := newTestGateway(t)
	seedProfile(t, store, "prof", "owner", "guest")

	if _, err := g.TryJoinLobby(joinReq("prof", "owner", wire.JoinModeRunInventory), rq("alice")); err != nil {
		t.Fatal(err)
	}
	before := len(notifier.sends())

	resp, err := g.TryJoinLobby(joinReq("prof", "owner", wire.JoinModeRunInventory), rq("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != wire.LobbyPreviouslyJoined {
		t.Fatalf("status: got %v, want %v", resp.Status, wire.LobbyPreviouslyJoined)
	}
	if resp.LobbyInfo == nil {
		t.Fatal("replay must still return the lobby snapshot")
	}
	if got := len(notifier.sends()); got != before {
		t.Fatalf("replay broadcast a push: %d sends, want %d", got, before)
	}
}

func TestJoinLobbyUnknownProfile(t *testing.T) {
	g, _, _ := newTestGateway(t)
	resp, err := g.TryJoinLobby(joinReq("ghost", "owner", wire.JoinModeRunInventory), rq("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != wire.UnknownCloudSessionProfile {
		t.Fatalf("status: got %v, want %v", resp.Status, wire.UnknownCloudSessionProfile)
	}
}

func TestJoinLobbyUnknownProfileClientID(t *testing.T) {
	g, store, _ := newTestGateway(t)
	seedProfile(t, store, "prof", "owner", "guest")

	resp, err := g.TryJoinLobby(joinReq("prof", "stranger", wire.JoinModeJoin), rq("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != wire.UnknownProfileClientID {
		t.Fatalf("status: got %v, want %v", resp.Status, wire.UnknownProfileClientID)
	}
}

func TestJoinModePolicy(t *testing.T) {
	cases := []struct {
		name string
		slot string
		mode wire.JoinMode
		want wire.JoinLobbyStatus
	}{
		{"owner may run inventory", "owner", wire.JoinModeRunInventory, wire.LobbyJoinedSuccessfully},
		{"owner may run synchronization", "owner", wire.JoinModeRunSynchronization, wire.LobbyJoinedSuccessfully},
		{"owner may not plain-join", "owner", wire.JoinModeJoin, wire.UnexpectedLobbyJoinMode},
		{"guest may join", "guest", wire.JoinModeJoin, wire.LobbyJoinedSuccessfully},
		{"guest may not run inventory", "guest", wire.JoinModeRunInventory, wire.UnexpectedLobbyJoinMode},
		{"guest may not run synchronization", "guest", wire.JoinModeRunSynchronization, wire.UnexpectedLobbyJoinMode},
		{"unknown mode rejected", "owner", wire.JoinMode("Fly"), wire.UnexpectedLobbyJoinMode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, store, _ := newTestGateway(t)
			seedProfile(t, store, "prof", "owner", "guest")

			resp, err := g.TryJoinLobby(joinReq("prof", tc.slot, tc.mode), rq("alice"))
			if err != nil {
				t.Fatal(err)
			}
			if resp.Status != tc.want {
				t.Fatalf("status: got %v, want %v", resp.Status, tc.want)
			}
		})
	}
}

func TestJoinRejectionLeavesNoLobbyBehind(t *testing.T) {
	g, store, _ := newTestGateway(t)
	seedProfile(t, store, "prof", "owner", "guest")

	// A rejected create-join must roll back both the profile pointer and the
	// lobby entity.
	if resp, _ := g.TryJoinLobby(joinReq("prof", "owner", wire.JoinModeJoin), rq("alice")); resp.Status != wire.UnexpectedLobbyJoinMode {
		t.Fatalf("status: got %v", resp.Status)
	}
	prof, _ := entitystore.Get[*CloudSessionProfile](store, profileKey("prof"))
	if prof.CurrentLobbyID != "" {
		t.Fatalf("profile points at lobby %q after rejected join", prof.CurrentLobbyID)
	}
}

func TestNoBroadcastBeforeCommit(t *testing.T) {
	g, store, notifier := newTestGateway(t)
	seedProfile(t, store, "prof", "owner", "guest")

	if _, err := g.TryJoinLobby(joinReq("prof", "owner", wire.JoinModeRunInventory), rq("alice")); err != nil {
		t.Fatal(err)
	}

	// At push time the committed state must already be readable: if the push
	// went out before Execute, the guest cell would still be empty here.
	checked := false
	notifier.onSend = func(group, except string, env *wire.Envelope) {
		if env.Op != wire.PushMemberJoinedLobby {
			return
		}
		checked = true
		var p wire.MemberJoinedLobbyPush
		if err := wire.DecodeBody(env, &p); err != nil {
			t.Errorf("decode push: %v", err)
			return
		}
		lobby, ok := entitystore.Get[*Lobby](store, lobbyKey(p.LobbyID))
		if !ok {
			t.Error("push sent before the lobby was committed")
			return
		}
		idx := lobby.cellIndex(p.MemberInfo.ProfileClientID)
		if idx < 0 || lobby.Cells[idx].ClientInstanceID != p.MemberInfo.ClientInstanceID {
			t.Error("push sent before the member's cell was committed")
		}
	}

	if _, err := g.TryJoinLobby(joinReq("prof", "guest", wire.JoinModeJoin), rq("bob")); err != nil {
		t.Fatal(err)
	}
	if !checked {
		t.Fatal("joined push never observed")
	}
}

func TestQuitLobby(t *testing.T) {
	g, store, notifier := newTestGateway(t)
	seedProfile(t, store, "prof", "owner", "guest")

	first, _ := g.TryJoinLobby(joinReq("prof", "owner", wire.JoinModeRunInventory), rq("alice"))
	g.TryJoinLobby(joinReq("prof", "guest", wire.JoinModeJoin), rq("bob"))
	lobbyID := first.LobbyInfo.LobbyID

	resp, err := g.QuitLobby(lobbyID, rq("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "Removed" {
		t.Fatalf("status: got %q, want Removed", resp.Status)
	}

	resp, err = g.QuitLobby(lobbyID, rq("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "Deleted" {
		t.Fatalf("status: got %q, want Deleted", resp.Status)
	}
	if _, ok := entitystore.Get[*Lobby](store, lobbyKey(lobbyID)); ok {
		t.Fatal("lobby survived last quit")
	}
	prof, _ := entitystore.Get[*CloudSessionProfile](store, profileKey("prof"))
	if prof.CurrentLobbyID != "" {
		t.Fatalf("profile still points at %q", prof.CurrentLobbyID)
	}

	var quits []notifierCall
	for _, c := range notifier.sends() {
		if c.op == wire.PushMemberQuittedLobby {
			quits = append(quits, c)
		}
	}
	if len(quits) != 2 {
		t.Fatalf("quit pushes: got %d, want 2", len(quits))
	}
	if quits[0].except != rq("bob").ConnectionID {
		t.Fatalf("quit push except: got %q, want %q", quits[0].except, rq("bob").ConnectionID)
	}
}

func TestQuitLobbyNotFound(t *testing.T) {
	g, _, _ := newTestGateway(t)
	resp, err := g.QuitLobby("ghost", rq("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "NotFound" {
		t.Fatalf("status: got %q, want NotFound", resp.Status)
	}
}

func pki(clientID string) wire.PublicKeyInfo {
	return wire.PublicKeyInfo{ClientID: clientID, PublicKey: []byte(clientID), ProtocolVersion: trust.CurrentProtocolVersion}
}

func TestCreateSessionAndPositions(t *testing.T) {
	g, _, _ := newTestGateway(t)

	created, err := g.CreateSession(wire.CreateSessionRequest{PublicKeyInfo: pki("alice-key")}, rq("alice"))
	if err != nil {
		t.Fatal(err)
	}

	second, err := g.FinalizeJoinSession(wire.FinalizeJoinSessionRequest{
		SessionID: created.SessionID, PublicKeyInfo: pki("bob-key"),
	}, rq("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != "OK" || second.PositionInList != 1 {
		t.Fatalf("second member: got %q pos %d, want OK pos 1", second.Status, second.PositionInList)
	}

	third, err := g.FinalizeJoinSession(wire.FinalizeJoinSessionRequest{
		SessionID: created.SessionID, PublicKeyInfo: pki("carol-key"),
	}, rq("carol"))
	if err != nil {
		t.Fatal(err)
	}
	if third.PositionInList != 2 {
		t.Fatalf("third member pos: got %d, want 2", third.PositionInList)
	}

	// Replay keeps the original position.
	again, err := g.FinalizeJoinSession(wire.FinalizeJoinSessionRequest{
		SessionID: created.SessionID, PublicKeyInfo: pki("bob-key"),
	}, rq("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != "AlreadyMember" || again.PositionInList != 1 {
		t.Fatalf("replay: got %q pos %d, want AlreadyMember pos 1", again.Status, again.PositionInList)
	}
}

func TestFinalizeJoinUnknownSession(t *testing.T) {
	g, _, _ := newTestGateway(t)
	resp, err := g.FinalizeJoinSession(wire.FinalizeJoinSessionRequest{
		SessionID: "ghost", PublicKeyInfo: pki("bob-key"),
	}, rq("bob"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "UnknownSession" {
		t.Fatalf("status: got %q, want UnknownSession", resp.Status)
	}
}

func TestQuitSessionRenumbers(t *testing.T) {
	g, store, _ := newTestGateway(t)

	created, _ := g.CreateSession(wire.CreateSessionRequest{PublicKeyInfo: pki("alice-key")}, rq("alice"))
	g.FinalizeJoinSession(wire.FinalizeJoinSessionRequest{SessionID: created.SessionID, PublicKeyInfo: pki("bob-key")}, rq("bob"))
	g.FinalizeJoinSession(wire.FinalizeJoinSessionRequest{SessionID: created.SessionID, PublicKeyInfo: pki("carol-key")}, rq("carol"))

	if err := g.QuitSession(created.SessionID, rq("bob")); err != nil {
		t.Fatal(err)
	}
	sess, _ := entitystore.Get[*CloudSessionData](store, sessionKey(created.SessionID))
	if len(sess.Members) != 2 {
		t.Fatalf("members: got %d, want 2", len(sess.Members))
	}
	for i, m := range sess.Members {
		if m.PositionInList != i {
			t.Fatalf("member %s position: got %d, want %d", m.ClientInstanceID, m.PositionInList, i)
		}
	}

	g.QuitSession(created.SessionID, rq("alice"))
	g.QuitSession(created.SessionID, rq("carol"))
	sess, _ = entitystore.Get[*CloudSessionData](store, sessionKey(created.SessionID))
	if !sess.IsRemoved {
		t.Fatal("empty session not flagged removed")
	}
}

func TestStartTrustCheckReturnsMembers(t *testing.T) {
	g, _, _ := newTestGateway(t)
	created, _ := g.CreateSession(wire.CreateSessionRequest{PublicKeyInfo: pki("alice-key")}, rq("alice"))
	g.FinalizeJoinSession(wire.FinalizeJoinSessionRequest{SessionID: created.SessionID, PublicKeyInfo: pki("bob-key")}, rq("bob"))

	resp := g.StartTrustCheck(wire.StartTrustCheckRequest{
		SessionID:        created.SessionID,
		ClientInstanceID: "carol",
		ProtocolVersion:  trust.CurrentProtocolVersion,
	})
	if !resp.IsOK || resp.IsProtocolVersionIncompatible {
		t.Fatalf("response: %+v", resp)
	}
	if len(resp.MemberInstanceIDs) != 2 {
		t.Fatalf("members: got %v, want [alice bob]", resp.MemberInstanceIDs)
	}
	if resp.MemberInstanceIDs[0] != "alice" || resp.MemberInstanceIDs[1] != "bob" {
		t.Fatalf("member order: got %v", resp.MemberInstanceIDs)
	}
}

func TestStartTrustCheckVersionGate(t *testing.T) {
	g, store, _ := newTestGateway(t)
	created, _ := g.CreateSession(wire.CreateSessionRequest{PublicKeyInfo: pki("alice-key")}, rq("alice"))

	before, _ := entitystore.Get[*CloudSessionData](store, sessionKey(created.SessionID))
	resp := g.StartTrustCheck(wire.StartTrustCheckRequest{
		SessionID:        created.SessionID,
		ClientInstanceID: "carol",
		ProtocolVersion:  trust.CurrentProtocolVersion + 1,
	})
	if !resp.IsProtocolVersionIncompatible {
		t.Fatal("version mismatch not reported")
	}
	if resp.ExpectedProtocolVersion != trust.CurrentProtocolVersion {
		t.Fatalf("expected version: got %d, want %d", resp.ExpectedProtocolVersion, trust.CurrentProtocolVersion)
	}
	if len(resp.MemberInstanceIDs) != 0 {
		t.Fatalf("incompatible check leaked members: %v", resp.MemberInstanceIDs)
	}

	// The gate is a read; nothing may change.
	after, _ := entitystore.Get[*CloudSessionData](store, sessionKey(created.SessionID))
	if len(after.Members) != len(before.Members) || len(after.PreMembers) != len(before.PreMembers) {
		t.Fatal("version gate mutated the session")
	}
}

func TestStartTrustCheckUnknownSessionUsesServerVersion(t *testing.T) {
	g, _, _ := newTestGateway(t, WithProtocolVersion(7))
	resp := g.StartTrustCheck(wire.StartTrustCheckRequest{SessionID: "ghost", ProtocolVersion: 7})
	if !resp.IsOK || len(resp.MemberInstanceIDs) != 0 {
		t.Fatalf("response: %+v", resp)
	}
	resp = g.StartTrustCheck(wire.StartTrustCheckRequest{SessionID: "ghost", ProtocolVersion: 6})
	if !resp.IsProtocolVersionIncompatible || resp.ExpectedProtocolVersion != 7 {
		t.Fatalf("response: %+v", resp)
	}
}

func TestRelayTrustRegistersPreMember(t *testing.T) {
	g, store, notifier := newTestGateway(t)
	created, _ := g.CreateSession(wire.CreateSessionRequest{PublicKeyInfo: pki("alice-key")}, rq("alice"))

	ask, _ := wire.NewPush(wire.PushAskPublicKeyCheckData, wire.AskPublicKeyCheckDataParams{
		SessionID:        created.SessionID,
		ClientInstanceID: "bob",
		PublicKeyInfo:    pki("bob-key"),
	})
	err := g.RelayTrust(wire.TrustRelay{
		SessionID:        created.SessionID,
		TargetInstanceID: "alice",
		Push:             wire.PushAskPublicKeyCheckData,
		Body:             ask.Body,
	}, rq("bob"))
	if err != nil {
		t.Fatal(err)
	}

	sess, _ := entitystore.Get[*CloudSessionData](store, sessionKey(created.SessionID))
	if !sess.hasPreMember("bob") {
		t.Fatal("joiner not registered as pre-member")
	}

	sends := notifier.sends()
	last := sends[len(sends)-1]
	if last.method != "client" || last.group != "alice" || last.op != wire.PushAskPublicKeyCheckData {
		t.Fatalf("relay target: %+v", last)
	}
}

func TestRelayTrustRefusesUnknownPush(t *testing.T) {
	g, _, _ := newTestGateway(t)
	err := g.RelayTrust(wire.TrustRelay{Push: "stealCookies", TargetInstanceID: "alice"}, rq("bob"))
	if err == nil {
		t.Fatal("unknown push kind relayed")
	}
}

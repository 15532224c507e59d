package gateway

import (
	"time"

	"github.com/gwillem/peersync-go/internal/wire"
)

// Entity keys are namespaced per kind so ids can never collide in the store.

func sessionKey(sessionID string) string { return "cloudSession:" + sessionID }
func profileKey(profileID string) string { return "profile:" + profileID }
func lobbyKey(lobbyID string) string     { return "lobby:" + lobbyID }
func clientKey(instanceID string) string { return "client:" + instanceID }

// ClientStatus tracks a connection entity's lifecycle.
type ClientStatus string

const (
	ClientCreated      ClientStatus = "Created"
	ClientConnected    ClientStatus = "Connected"
	ClientDisconnected ClientStatus = "Disconnected"
)

// Client is one process's live presence on the relay: its connection ids and
// the groups those connections are subscribed to.
type Client struct {
	ClientInstanceID string
	ClientID         string
	ConnectionIDs    []string
	Status           ClientStatus
	SubscribedGroups []string
}

func (c *Client) clone() *Client {
	next := *c
	next.ConnectionIDs = append([]string(nil), c.ConnectionIDs...)
	next.SubscribedGroups = append([]string(nil), c.SubscribedGroups...)
	return &next
}

func (c *Client) hasConnection(connID string) bool {
	for _, id := range c.ConnectionIDs {
		if id == connID {
			return true
		}
	}
	return false
}

// SessionMemberData is one admitted (or provisional) session member.
// PositionInList follows membership order and drives the addressing letters
// used by dependent features.
type SessionMemberData struct {
	ClientInstanceID string
	ClientID         string
	PublicKeyInfo    wire.PublicKeyInfo
	ProfileClientID  string
	JoinedOn         time.Time
	PositionInList   int
}

// CloudSessionData is the root aggregate for a synchronization session.
// PreMembers hold provisional entries while a joiner's trust handshake is
// still in flight.
type CloudSessionData struct {
	SessionID         string
	LobbyID           string
	EncryptedSettings []byte
	ProtocolVersion   int
	IsActivated       bool
	Members           []SessionMemberData
	PreMembers        []SessionMemberData
	CreatorInstanceID string
	IsRemoved         bool
}

func (s *CloudSessionData) clone() *CloudSessionData {
	next := *s
	next.EncryptedSettings = append([]byte(nil), s.EncryptedSettings...)
	next.Members = append([]SessionMemberData(nil), s.Members...)
	next.PreMembers = append([]SessionMemberData(nil), s.PreMembers...)
	return &next
}

// HasMember reports whether instanceID is already an admitted member.
func (s *CloudSessionData) HasMember(instanceID string) bool {
	for _, m := range s.Members {
		if m.ClientInstanceID == instanceID {
			return true
		}
	}
	return false
}

func (s *CloudSessionData) hasPreMember(instanceID string) bool {
	for _, m := range s.PreMembers {
		if m.ClientInstanceID == instanceID {
			return true
		}
	}
	return false
}

// MemberInstanceIDs returns the admitted member ids in position order.
func (s *CloudSessionData) MemberInstanceIDs() []string {
	ids := make([]string, len(s.Members))
	for i, m := range s.Members {
		ids[i] = m.ClientInstanceID
	}
	return ids
}

func (s *CloudSessionData) dropPreMember(instanceID string) {
	kept := s.PreMembers[:0]
	for _, m := range s.PreMembers {
		if m.ClientInstanceID != instanceID {
			kept = append(kept, m)
		}
	}
	s.PreMembers = kept
}

// renumberMembers re-derives PositionInList from membership order.
func (s *CloudSessionData) renumberMembers() {
	for i := range s.Members {
		s.Members[i].PositionInList = i
	}
}

// CloudSessionProfile names the fixed participant set of a synchronization
// profile. Slot 0 is the profile owner. CurrentLobbyID points at the lobby
// for the profile's current matchmaking round, if one is open.
type CloudSessionProfile struct {
	ProfileID            string
	SlotProfileClientIDs []string
	CurrentLobbyID       string
}

func (p *CloudSessionProfile) clone() *CloudSessionProfile {
	next := *p
	next.SlotProfileClientIDs = append([]string(nil), p.SlotProfileClientIDs...)
	return &next
}

// LobbyMemberCell is one reserved position in a lobby. A cell transitions
// from unconnected to connected exactly once per join round.
type LobbyMemberCell struct {
	ProfileClientID  string
	ClientInstanceID string // empty until connected
	JoinMode         wire.JoinMode
	PublicKeyInfo    wire.PublicKeyInfo
	JoinedOn         time.Time
}

// Lobby coordinates one join round for a profile, with one cell per profile
// slot.
type Lobby struct {
	LobbyID   string
	ProfileID string
	Cells     []LobbyMemberCell
	CreatedOn time.Time
}

func newLobby(lobbyID string, p *CloudSessionProfile, now time.Time) *Lobby {
	l := &Lobby{
		LobbyID:   lobbyID,
		ProfileID: p.ProfileID,
		Cells:     make([]LobbyMemberCell, len(p.SlotProfileClientIDs)),
		CreatedOn: now,
	}
	for i, pcid := range p.SlotProfileClientIDs {
		l.Cells[i] = LobbyMemberCell{ProfileClientID: pcid}
	}
	return l
}

func (l *Lobby) clone() *Lobby {
	next := *l
	next.Cells = append([]LobbyMemberCell(nil), l.Cells...)
	return &next
}

// cellIndex returns the slot of the given profile-client id, or -1.
func (l *Lobby) cellIndex(profileClientID string) int {
	for i, c := range l.Cells {
		if c.ProfileClientID == profileClientID {
			return i
		}
	}
	return -1
}

func (l *Lobby) connectedCount() int {
	n := 0
	for _, c := range l.Cells {
		if c.ClientInstanceID != "" {
			n++
		}
	}
	return n
}

// info builds the wire snapshot of the connected cells.
func (l *Lobby) info() *wire.LobbyInfo {
	info := &wire.LobbyInfo{LobbyID: l.LobbyID, ProfileID: l.ProfileID}
	for _, c := range l.Cells {
		if c.ClientInstanceID == "" {
			continue
		}
		info.Members = append(info.Members, wire.LobbyMemberInfo{
			ProfileClientID:  c.ProfileClientID,
			ClientInstanceID: c.ClientInstanceID,
			JoinMode:         c.JoinMode,
			PublicKeyInfo:    c.PublicKeyInfo,
		})
	}
	return info
}

// joinModeAllowed checks the slot/mode policy: the profile owner at slot 0
// starts inventories or synchronizations, every other slot may only join.
func joinModeAllowed(slot int, mode wire.JoinMode) bool {
	if slot == 0 {
		return mode == wire.JoinModeRunInventory || mode == wire.JoinModeRunSynchronization
	}
	return mode == wire.JoinModeJoin
}

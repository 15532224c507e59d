// Package wire defines the JSON message types exchanged between clients
// and the relay server: request/response envelopes, trust-handshake pushes,
// and the lobby/session admission protocol.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the framing for every websocket message. Requests carry an Op
// and an ID; the matching response echoes the ID. Pushes carry an Op and no ID.
type Envelope struct {
	Type    string          `json:"type"` // TypeRequest, TypeResponse or TypePush
	ID      uint64          `json:"id,omitempty"`
	Op      string          `json:"op,omitempty"`
	Status  int             `json:"status,omitempty"` // responses only, HTTP-style
	Message string          `json:"message,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypePush     = "push"
)

// Request operations.
const (
	OpConnect             = "connect"
	OpKeepAlive           = "keepalive"
	OpStartTrustCheck     = "startTrustCheck"
	OpInformIncompatible  = "informProtocolVersionIncompatible"
	OpJoinLobby           = "joinLobby"
	OpQuitLobby           = "quitLobby"
	OpCreateSession       = "createCloudSession"
	OpFinalizeJoinSession = "finalizeJoinSession"
	OpQuitSession         = "quitSession"
	OpRelayTrust          = "relayTrustMessage"
)

// Push operations.
const (
	PushAskPublicKeyCheckData        = "askPublicKeyCheckData"
	PushGiveMemberPublicKeyCheckData = "giveMemberPublicKeyCheckData"
	PushRequestTrustPublicKey        = "requestTrustPublicKey"
	PushValidationFinished           = "informPublicKeyValidationIsFinished"
	PushProtocolIncompatible         = "informProtocolVersionIncompatible"
	PushMemberJoinedLobby            = "memberJoinedLobby"
	PushMemberQuittedLobby           = "memberQuittedLobby"
	PushMemberJoinedSession          = "memberJoinedSession"
	PushMemberQuittedSession         = "memberQuittedSession"
)

// PublicKeyInfo identifies a client by its public signing key. Produced once
// per client and never mutated.
type PublicKeyInfo struct {
	ClientID        string `json:"clientId"`
	PublicKey       []byte `json:"publicKey"`
	ProtocolVersion int    `json:"protocolVersion"`
}

// PublicKeyCheckData is a directed trust payload: the issuer's identity plus
// the safety key derived from both parties' public keys. Immutable after
// creation.
type PublicKeyCheckData struct {
	IssuerClientInstanceID string        `json:"issuerClientInstanceId"`
	IssuerPublicKeyInfo    PublicKeyInfo `json:"issuerPublicKeyInfo"`
	SafetyKey              string        `json:"safetyKey"`
}

// ConnectRequest is the first request on a fresh connection. It binds the
// websocket connection to a client instance on the server.
type ConnectRequest struct {
	ClientInstanceID string        `json:"clientInstanceId"`
	ClientID         string        `json:"clientId"`
	PublicKeyInfo    PublicKeyInfo `json:"publicKeyInfo"`
}

// ConnectResponse reports the server's protocol version and the connection id
// assigned to this socket.
type ConnectResponse struct {
	ConnectionID          string `json:"connectionId"`
	ServerProtocolVersion int    `json:"serverProtocolVersion"`
}

// StartTrustCheckRequest asks the server for the member set of a session,
// gated on protocol version compatibility.
type StartTrustCheckRequest struct {
	SessionID        string `json:"sessionId"`
	ClientInstanceID string `json:"clientInstanceId"`
	ProtocolVersion  int    `json:"protocolVersion"`
}

// StartTrustCheckResponse carries the member instance ids the joiner must
// exchange check data with. On version mismatch IsOK is false and the member
// list is empty.
type StartTrustCheckResponse struct {
	IsOK                          bool     `json:"isOK"`
	IsProtocolVersionIncompatible bool     `json:"isProtocolVersionIncompatible"`
	ExpectedProtocolVersion       int      `json:"expectedProtocolVersion,omitempty"`
	MemberInstanceIDs             []string `json:"memberInstanceIds,omitempty"`
}

// InformIncompatibleParams is the one-way relay sent by whichever side
// detected a protocol version mismatch mid-handshake.
type InformIncompatibleParams struct {
	SessionID             string `json:"sessionId"`
	JoinerInstanceID      string `json:"joinerInstanceId"`
	MemberInstanceID      string `json:"memberInstanceId"`
	JoinerProtocolVersion int    `json:"joinerProtocolVersion"`
	MemberProtocolVersion int    `json:"memberProtocolVersion"`
}

// TrustRelay wraps a trust push for server-side routing: the server delivers
// Push with Body to the client group of TargetInstanceID.
type TrustRelay struct {
	SessionID        string          `json:"sessionId"`
	TargetInstanceID string          `json:"targetInstanceId"`
	Push             string          `json:"push"`
	Body             json.RawMessage `json:"body"`
}

// AskPublicKeyCheckDataParams is sent by a joiner to each session member,
// announcing its public key and asking for the member's check data in return.
type AskPublicKeyCheckDataParams struct {
	SessionID        string        `json:"sessionId"`
	ClientInstanceID string        `json:"clientInstanceId"`
	PublicKeyInfo    PublicKeyInfo `json:"publicKeyInfo"`
}

// GiveMemberPublicKeyCheckDataParams is the member's answer: its own check
// data for the joiner to place in its registry.
type GiveMemberPublicKeyCheckDataParams struct {
	SessionID          string             `json:"sessionId"`
	PublicKeyCheckData PublicKeyCheckData `json:"publicKeyCheckData"`
}

// RequestTrustPublicKeyParams asks a peer to (re)send its check data for the
// given handshake. Used on retry; answered idempotently from the ledger.
type RequestTrustPublicKeyParams struct {
	SessionID           string `json:"sessionId"`
	RequesterInstanceID string `json:"requesterInstanceId"`
}

// ValidationFinishedParams carries one side's final local decision for a
// (joiner, member) pair.
type ValidationFinishedParams struct {
	SessionID        string `json:"sessionId"`
	IssuerInstanceID string `json:"issuerInstanceId"`
	IsValidated      bool   `json:"isValidated"`
}

// JoinMode says what the caller intends to do once connected to a lobby slot.
// Slot 0 (the profile owner) runs inventories and synchronizations; every
// other slot may only join.
type JoinMode string

const (
	JoinModeJoin               JoinMode = "Join"
	JoinModeRunInventory       JoinMode = "RunInventory"
	JoinModeRunSynchronization JoinMode = "RunSynchronization"
)

// Valid reports whether m is one of the defined join modes.
func (m JoinMode) Valid() bool {
	switch m {
	case JoinModeJoin, JoinModeRunInventory, JoinModeRunSynchronization:
		return true
	}
	return false
}

// JoinLobbyRequest asks the server to connect the caller to its slot in the
// profile's current lobby, creating the lobby first if needed.
type JoinLobbyRequest struct {
	ProfileID       string        `json:"profileId"`
	ProfileClientID string        `json:"profileClientId"`
	JoinMode        JoinMode      `json:"joinMode"`
	PublicKeyInfo   PublicKeyInfo `json:"publicKeyInfo"`
}

// JoinLobbyStatus is the closed set of join outcomes.
type JoinLobbyStatus string

const (
	LobbyJoinedSuccessfully    JoinLobbyStatus = "LobbyJoinedSuccessfully"
	LobbyPreviouslyJoined      JoinLobbyStatus = "LobbyPreviouslyJoined"
	UnknownCloudSessionProfile JoinLobbyStatus = "UnknownCloudSessionProfile"
	UnknownProfileClientID     JoinLobbyStatus = "UnknownProfileClientId"
	UnexpectedLobbyJoinMode    JoinLobbyStatus = "UnexpectedLobbyJoinMode"
)

// LobbyMemberInfo describes one connected lobby slot for pushes and responses.
type LobbyMemberInfo struct {
	ProfileClientID  string        `json:"profileClientId"`
	ClientInstanceID string        `json:"clientInstanceId"`
	JoinMode         JoinMode      `json:"joinMode"`
	PublicKeyInfo    PublicKeyInfo `json:"publicKeyInfo"`
}

// LobbyInfo is the snapshot returned to a successful joiner.
type LobbyInfo struct {
	LobbyID   string            `json:"lobbyId"`
	ProfileID string            `json:"profileId"`
	Members   []LobbyMemberInfo `json:"members"`
}

// JoinLobbyResponse reports the join outcome. LobbyInfo is set for the two
// success statuses only.
type JoinLobbyResponse struct {
	Status    JoinLobbyStatus `json:"status"`
	LobbyInfo *LobbyInfo      `json:"lobbyInfo,omitempty"`
}

// QuitLobbyRequest removes the caller from a lobby.
type QuitLobbyRequest struct {
	LobbyID string `json:"lobbyId"`
}

// QuitLobbyResponse reports whether the member was removed, the lobby deleted
// with it, or the lobby was not found.
type QuitLobbyResponse struct {
	Status string `json:"status"` // "Removed", "Deleted" or "NotFound"
}

// MemberJoinedLobbyPush notifies the rest of a lobby group about a fresh join.
type MemberJoinedLobbyPush struct {
	LobbyID    string          `json:"lobbyId"`
	MemberInfo LobbyMemberInfo `json:"memberInfo"`
}

// MemberQuittedLobbyPush notifies the rest of a lobby group about a quit.
type MemberQuittedLobbyPush struct {
	LobbyID          string `json:"lobbyId"`
	ClientInstanceID string `json:"clientInstanceId"`
	LobbyClosed      bool   `json:"lobbyClosed"`
}

// CreateSessionRequest creates a new cloud session with the caller as sole
// member at position 0.
type CreateSessionRequest struct {
	SessionID         string        `json:"sessionId,omitempty"` // server assigns if empty
	LobbyID           string        `json:"lobbyId,omitempty"`
	EncryptedSettings []byte        `json:"encryptedSettings,omitempty"`
	ProfileClientID   string        `json:"profileClientId,omitempty"`
	PublicKeyInfo     PublicKeyInfo `json:"publicKeyInfo"`
}

// CreateSessionResponse returns the created session id.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// FinalizeJoinSessionRequest promotes a joiner into the session member list
// after its trust handshake succeeded.
type FinalizeJoinSessionRequest struct {
	SessionID       string        `json:"sessionId"`
	ProfileClientID string        `json:"profileClientId,omitempty"`
	PublicKeyInfo   PublicKeyInfo `json:"publicKeyInfo"`
}

// FinalizeJoinSessionResponse reports the member's assigned position, or a
// non-OK status ("UnknownSession", "AlreadyMember").
type FinalizeJoinSessionResponse struct {
	Status         string `json:"status"` // "OK", "UnknownSession" or "AlreadyMember"
	PositionInList int    `json:"positionInList"`
}

// QuitSessionRequest removes the caller from a session's member list.
type QuitSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionMemberPush notifies a session group about membership changes.
type SessionMemberPush struct {
	SessionID        string    `json:"sessionId"`
	ClientInstanceID string    `json:"clientInstanceId"`
	ClientID         string    `json:"clientId,omitempty"`
	PositionInList   int       `json:"positionInList,omitempty"`
	JoinedOn         time.Time `json:"joinedOn,omitempty"`
}

// NewRequest builds a request envelope with a marshaled body.
func NewRequest(id uint64, op string, body any) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s request: %w", op, err)
	}
	return &Envelope{Type: TypeRequest, ID: id, Op: op, Body: raw}, nil
}

// NewResponse builds a response envelope for the given request id.
func NewResponse(id uint64, status int, body any) (*Envelope, error) {
	env := &Envelope{Type: TypeResponse, ID: id, Status: status}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal response: %w", err)
		}
		env.Body = raw
	}
	return env, nil
}

// NewPush builds a push envelope with a marshaled body.
func NewPush(op string, body any) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s push: %w", op, err)
	}
	return &Envelope{Type: TypePush, Op: op, Body: raw}, nil
}

// DecodeBody unmarshals an envelope body into dst.
func DecodeBody(env *Envelope, dst any) error {
	if err := json.Unmarshal(env.Body, dst); err != nil {
		return fmt.Errorf("wire: decode %s body: %w", env.Op, err)
	}
	return nil
}

// Package peersync provides a client for the peersync relay protocol: it
// establishes mutual public-key trust with the members of a synchronization
// session and drives lobby/session admission through the relay server.
package peersync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gwillem/peersync-go/internal/relayws"
	"github.com/gwillem/peersync-go/internal/store"
	"github.com/gwillem/peersync-go/internal/trust"
	"github.com/gwillem/peersync-go/internal/wire"
)

const defaultTrustTimeout = 60 * time.Second

// DecisionFunc decides whether a peer's key is trusted. It receives the
// peer's check data and the locally computed safety key for out-of-band
// comparison. knownChanged is true when a different key was remembered for
// this peer before.
type DecisionFunc func(cd *wire.PublicKeyCheckData, safetyKey string, knownChanged bool) bool

// Client is the main entry point for interacting with a peersync relay.
type Client struct {
	serverURL       string
	tlsConfig       *tls.Config
	dbPath          string
	logger          *log.Logger
	trustTimeout    time.Duration
	protocolVersion int
	decide          DecisionFunc
	onPush          func(env *wire.Envelope)

	store        *store.Store
	clientID     string
	instanceID   string
	identityPub  ed25519.PublicKey
	identityPriv ed25519.PrivateKey

	conn       *relayws.PersistentConn
	connID     string
	readCancel context.CancelFunc

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *wire.Envelope

	ledger *trust.Ledger

	hsMu    sync.Mutex
	joiners map[string]*joinerHandshake // by session id, when acting as joiner
	members map[string]*memberHandshake // by joiner instance id, when acting as member
}

// Option configures a Client.
type Option func(*Client)

// WithTLSConfig overrides the TLS configuration used for connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/peersync/default.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTrustTimeout sets the deadline for trust confirmations.
func WithTrustTimeout(d time.Duration) Option {
	return func(c *Client) { c.trustTimeout = d }
}

// WithDecisionFunc sets the callback deciding whether a peer key is trusted.
// Without it, remembered keys are trusted, changed keys rejected, and
// first-seen keys accepted.
func WithDecisionFunc(fn DecisionFunc) Option {
	return func(c *Client) { c.decide = fn }
}

// WithPushHandler sets a callback for lobby/session membership pushes.
func WithPushHandler(fn func(env *wire.Envelope)) Option {
	return func(c *Client) { c.onPush = fn }
}

// WithProtocolVersion overrides the advertised protocol version (tests).
func WithProtocolVersion(v int) Option {
	return func(c *Client) { c.protocolVersion = v }
}

// NewClient creates a new client for the given relay server URL.
func NewClient(serverURL string, opts ...Option) *Client {
	c := &Client{
		serverURL:       serverURL,
		trustTimeout:    defaultTrustTimeout,
		protocolVersion: trust.CurrentProtocolVersion,
		pending:         make(map[uint64]chan *wire.Envelope),
		ledger:          trust.NewLedger(),
		joiners:         make(map[string]*joinerHandshake),
		members:         make(map[string]*memberHandshake),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Load opens the store and loads the account identity, generating a fresh
// client id and ed25519 key pair on first use. A new client instance id is
// minted per process.
func (c *Client) Load() error {
	s, err := store.Open(c.dbPath)
	if err != nil {
		return fmt.Errorf("client: open store: %w", err)
	}
	c.store = s

	acct, err := s.LoadAccount()
	if err != nil {
		return fmt.Errorf("client: load account: %w", err)
	}
	if acct == nil {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("client: generate identity key: %w", err)
		}
		acct = &store.Account{
			ClientID:           uuid.NewString(),
			IdentityKeyPublic:  pub,
			IdentityKeyPrivate: priv,
			CreatedOn:          time.Now().Unix(),
		}
		if err := s.SaveAccount(acct); err != nil {
			return fmt.Errorf("client: save account: %w", err)
		}
		c.logf("created identity clientId=%s", acct.ClientID)
	}

	c.clientID = acct.ClientID
	c.identityPub = ed25519.PublicKey(acct.IdentityKeyPublic)
	c.identityPriv = ed25519.PrivateKey(acct.IdentityKeyPrivate)
	c.instanceID = uuid.NewString()
	return nil
}

// Close stops the read loop, closes the connection and the store.
func (c *Client) Close() error {
	if c.readCancel != nil {
		c.readCancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// ClientID returns the stable account id.
func (c *Client) ClientID() string { return c.clientID }

// InstanceID returns this process's client instance id.
func (c *Client) InstanceID() string { return c.instanceID }

// PublicKeyInfo returns this client's identity payload.
func (c *Client) PublicKeyInfo() wire.PublicKeyInfo {
	return wire.PublicKeyInfo{
		ClientID:        c.clientID,
		PublicKey:       append([]byte(nil), c.identityPub...),
		ProtocolVersion: c.protocolVersion,
	}
}

// Connect dials the relay, binds this client instance and starts the read
// loop. Reconnects replay the bind automatically.
func (c *Client) Connect(ctx context.Context) error {
	if c.store == nil {
		return fmt.Errorf("client: not loaded (call Load first)")
	}

	hello := func(conn *relayws.Conn) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		id := c.nextID.Add(1)
		env, err := wire.NewRequest(id, wire.OpConnect, wire.ConnectRequest{
			ClientInstanceID: c.instanceID,
			ClientID:         c.clientID,
			PublicKeyInfo:    c.PublicKeyInfo(),
		})
		if err != nil {
			return err
		}
		if err := conn.WriteEnvelope(ctx, env); err != nil {
			return err
		}
		resp, err := conn.ReadEnvelope(ctx)
		if err != nil {
			return err
		}
		if resp.Status != http.StatusOK {
			return fmt.Errorf("client: connect rejected: %s", resp.Message)
		}
		var cr wire.ConnectResponse
		if err := wire.DecodeBody(resp, &cr); err != nil {
			return err
		}
		c.mu.Lock()
		c.connID = cr.ConnectionID
		c.mu.Unlock()
		return nil
	}

	conn, err := relayws.DialPersistent(ctx, c.serverURL, c.tlsConfig,
		relayws.WithReconnectHook(hello))
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	c.conn = conn

	// Bind the initial connection by hand; the hook only covers reconnects.
	if err := hello(conn.Raw()); err != nil {
		conn.Close()
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.readCancel = cancel
	go c.readLoop(readCtx)
	return nil
}

// request sends a request envelope and waits for its response.
func (c *Client) request(ctx context.Context, op string, body any) (*wire.Envelope, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("client: not connected (call Connect first)")
	}
	id := c.nextID.Add(1)
	env, err := wire.NewRequest(id, op, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan *wire.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.conn.WriteEnvelope(ctx, env); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		if resp.Status != http.StatusOK {
			return nil, fmt.Errorf("client: %s failed: %s", op, resp.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// relayTrust asks the server to forward a trust push to a client instance.
func (c *Client) relayTrust(ctx context.Context, sessionID, targetInstanceID, push string, body any) error {
	env, err := wire.NewPush(push, body)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, wire.OpRelayTrust, wire.TrustRelay{
		SessionID:        sessionID,
		TargetInstanceID: targetInstanceID,
		Push:             push,
		Body:             env.Body,
	})
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		env, err := c.conn.ReadEnvelope(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logf("read loop ended: %v", err)
			}
			return
		}
		switch env.Type {
		case wire.TypeResponse:
			c.mu.Lock()
			ch := c.pending[env.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- env
			} else {
				c.logf("unmatched response id=%d", env.ID)
			}
		case wire.TypePush:
			// Pushes run off the read loop: handlers issue requests of their
			// own and must not block response dispatch.
			go c.handlePush(ctx, env)
		default:
			c.logf("unexpected envelope type %q", env.Type)
		}
	}
}

// JoinLobby connects to the caller's slot in the profile's current lobby.
func (c *Client) JoinLobby(ctx context.Context, profileID, profileClientID string, mode wire.JoinMode) (*wire.JoinLobbyResponse, error) {
	resp, err := c.request(ctx, wire.OpJoinLobby, wire.JoinLobbyRequest{
		ProfileID:       profileID,
		ProfileClientID: profileClientID,
		JoinMode:        mode,
		PublicKeyInfo:   c.PublicKeyInfo(),
	})
	if err != nil {
		return nil, err
	}
	out := new(wire.JoinLobbyResponse)
	if err := wire.DecodeBody(resp, out); err != nil {
		return nil, err
	}
	return out, nil
}

// QuitLobby leaves a lobby.
func (c *Client) QuitLobby(ctx context.Context, lobbyID string) (*wire.QuitLobbyResponse, error) {
	resp, err := c.request(ctx, wire.OpQuitLobby, wire.QuitLobbyRequest{LobbyID: lobbyID})
	if err != nil {
		return nil, err
	}
	out := new(wire.QuitLobbyResponse)
	if err := wire.DecodeBody(resp, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession creates a cloud session with this client as first member.
func (c *Client) CreateSession(ctx context.Context, lobbyID string, encryptedSettings []byte) (string, error) {
	resp, err := c.request(ctx, wire.OpCreateSession, wire.CreateSessionRequest{
		LobbyID:           lobbyID,
		EncryptedSettings: encryptedSettings,
		PublicKeyInfo:     c.PublicKeyInfo(),
	})
	if err != nil {
		return "", err
	}
	var out wire.CreateSessionResponse
	if err := wire.DecodeBody(resp, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// FinalizeJoinSession promotes this client into the session's member list.
// Call only after a successful trust check.
func (c *Client) FinalizeJoinSession(ctx context.Context, sessionID, profileClientID string) (*wire.FinalizeJoinSessionResponse, error) {
	resp, err := c.request(ctx, wire.OpFinalizeJoinSession, wire.FinalizeJoinSessionRequest{
		SessionID:       sessionID,
		ProfileClientID: profileClientID,
		PublicKeyInfo:   c.PublicKeyInfo(),
	})
	if err != nil {
		return nil, err
	}
	out := new(wire.FinalizeJoinSessionResponse)
	if err := wire.DecodeBody(resp, out); err != nil {
		return nil, err
	}
	return out, nil
}

// QuitSession leaves a session.
func (c *Client) QuitSession(ctx context.Context, sessionID string) error {
	_, err := c.request(ctx, wire.OpQuitSession, wire.QuitSessionRequest{SessionID: sessionID})
	return err
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf("peersync: "+format, args...)
	}
}

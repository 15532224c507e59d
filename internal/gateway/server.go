package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gwillem/peersync-go/internal/broadcast"
	"github.com/gwillem/peersync-go/internal/entitystore"
	"github.com/gwillem/peersync-go/internal/relayws"
	"github.com/gwillem/peersync-go/internal/wire"
)

const writeTimeout = 10 * time.Second

// Server accepts relay websocket connections, binds them to client
// instances, and routes wire requests to the gateway. Unclassified handler
// panics are caught at the protocol boundary and reported as failed
// responses instead of killing the connection's read loop.
type Server struct {
	store    *entitystore.Store
	bcast    *broadcast.Broadcaster
	gw       *Gateway
	logger   *log.Logger
	gwOpts   []Option
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger enables verbose logging on the server and its parts.
func WithServerLogger(l *log.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithGatewayOptions forwards options to the embedded gateway.
func WithGatewayOptions(opts ...Option) ServerOption {
	return func(s *Server) { s.gwOpts = append(s.gwOpts, opts...) }
}

// NewServer builds a relay server with its own entity store and broadcaster.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{}
	for _, o := range opts {
		o(s)
	}
	s.store = entitystore.New(entitystore.WithLogger(s.logger))
	s.bcast = broadcast.New(broadcast.WithLogger(s.logger))
	gwOpts := s.gwOpts
	if s.logger != nil {
		gwOpts = append(gwOpts, WithLogger(s.logger))
	}
	s.gw = New(s.store, s.bcast, gwOpts...)
	return s
}

// Gateway exposes the underlying gateway (tests, seeding profiles).
func (s *Server) Gateway() *Gateway { return s.gw }

// Store exposes the underlying entity store (tests, seeding profiles).
func (s *Server) Store() *entitystore.Store { return s.store }

// SeedProfile registers a cloud session profile. Profile provisioning is an
// out-of-band concern; this is the hook for it.
func (s *Server) SeedProfile(profileID string, slotProfileClientIDs []string) error {
	_, err := entitystore.Update(s.store, profileKey(profileID),
		func(p *CloudSessionProfile, ok bool) (*CloudSessionProfile, error) {
			if ok {
				return p, nil
			}
			return &CloudSessionProfile{
				ProfileID:            profileID,
				SlotProfileClientIDs: append([]string(nil), slotProfileClientIDs...),
			}, nil
		}, nil)
	return err
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := relayws.Accept(w, r)
	if err != nil {
		s.logf("accept: %v", err)
		return
	}
	s.serveConn(r.Context(), conn)
}

// serverConn serializes writes: responses come from the read loop while
// pushes come from the broadcaster's writer goroutine.
type serverConn struct {
	mu   sync.Mutex
	conn *relayws.Conn
}

func (sc *serverConn) Send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteRaw(ctx, data)
}

func (sc *serverConn) writeEnvelope(ctx context.Context, env *wire.Envelope) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteEnvelope(ctx, env)
}

func (sc *serverConn) sendError(ctx context.Context, id uint64, status int, message string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.SendError(ctx, id, status, message)
}

func (s *Server) serveConn(ctx context.Context, conn *relayws.Conn) {
	defer conn.CloseNow()
	sc := &serverConn{conn: conn}
	connID := uuid.NewString()

	// The first request must bind the connection to a client instance.
	env, err := conn.ReadEnvelope(ctx)
	if err != nil {
		return
	}
	if env.Op != wire.OpConnect {
		_ = conn.SendError(ctx, env.ID, http.StatusBadRequest, "expected connect")
		return
	}
	var hello wire.ConnectRequest
	if err := wire.DecodeBody(env, &hello); err != nil {
		_ = conn.SendError(ctx, env.ID, http.StatusBadRequest, err.Error())
		return
	}

	s.bcast.Register(connID, sc)
	s.bindClient(hello, connID)
	s.bcast.Subscribe(connID, broadcast.ClientGroup(hello.ClientInstanceID))
	defer func() {
		s.unbindClient(hello.ClientInstanceID, connID)
		s.bcast.Deregister(connID)
	}()

	requester := Requester{ClientInstanceID: hello.ClientInstanceID, ConnectionID: connID}
	resp, _ := wire.NewResponse(env.ID, http.StatusOK, wire.ConnectResponse{
		ConnectionID:          connID,
		ServerProtocolVersion: s.gw.protocolVersion,
	})
	if err := sc.writeEnvelope(ctx, resp); err != nil {
		return
	}
	s.logf("client %s connected as %s", hello.ClientInstanceID, connID)

	for {
		env, err := conn.ReadEnvelope(ctx)
		if err != nil {
			s.logf("client %s disconnected: %v", hello.ClientInstanceID, err)
			return
		}
		s.handleRequest(ctx, sc, requester, env)
	}
}

// handleRequest dispatches one request and always answers it, converting
// errors and panics into failure responses.
func (s *Server) handleRequest(ctx context.Context, sc *serverConn, requester Requester, env *wire.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logf("panic handling %s: %v", env.Op, rec)
			_ = sc.sendError(ctx, env.ID, http.StatusInternalServerError, "internal error")
		}
	}()

	body, err := s.dispatch(env, requester)
	if err != nil {
		s.logf("%s from %s: %v", env.Op, requester.ClientInstanceID, err)
		if werr := sc.sendError(ctx, env.ID, http.StatusInternalServerError, err.Error()); werr != nil {
			s.logf("send error response: %v", werr)
		}
		return
	}
	resp, err := wire.NewResponse(env.ID, http.StatusOK, body)
	if err != nil {
		s.logf("build response: %v", err)
		return
	}
	if err := sc.writeEnvelope(ctx, resp); err != nil {
		s.logf("send response: %v", err)
	}
}

func (s *Server) dispatch(env *wire.Envelope, requester Requester) (any, error) {
	switch env.Op {
	case wire.OpKeepAlive:
		return nil, nil

	case wire.OpStartTrustCheck:
		var req wire.StartTrustCheckRequest
		if err := wire.DecodeBody(env, &req); err != nil {
			return nil, err
		}
		return s.gw.StartTrustCheck(req), nil

	case wire.OpInformIncompatible:
		var p wire.InformIncompatibleParams
		if err := wire.DecodeBody(env, &p); err != nil {
			return nil, err
		}
		s.gw.InformProtocolIncompatible(p, requester)
		return nil, nil

	case wire.OpRelayTrust:
		var rel wire.TrustRelay
		if err := wire.DecodeBody(env, &rel); err != nil {
			return nil, err
		}
		return nil, s.gw.RelayTrust(rel, requester)

	case wire.OpJoinLobby:
		var req wire.JoinLobbyRequest
		if err := wire.DecodeBody(env, &req); err != nil {
			return nil, err
		}
		return s.gw.TryJoinLobby(req, requester)

	case wire.OpQuitLobby:
		var req wire.QuitLobbyRequest
		if err := wire.DecodeBody(env, &req); err != nil {
			return nil, err
		}
		return s.gw.QuitLobby(req.LobbyID, requester)

	case wire.OpCreateSession:
		var req wire.CreateSessionRequest
		if err := wire.DecodeBody(env, &req); err != nil {
			return nil, err
		}
		return s.gw.CreateSession(req, requester)

	case wire.OpFinalizeJoinSession:
		var req wire.FinalizeJoinSessionRequest
		if err := wire.DecodeBody(env, &req); err != nil {
			return nil, err
		}
		return s.gw.FinalizeJoinSession(req, requester)

	case wire.OpQuitSession:
		var req wire.QuitSessionRequest
		if err := wire.DecodeBody(env, &req); err != nil {
			return nil, err
		}
		return nil, s.gw.QuitSession(req.SessionID, requester)

	default:
		return nil, fmt.Errorf("gateway: unknown op %q", env.Op)
	}
}

// bindClient creates or updates the Client connection entity.
func (s *Server) bindClient(hello wire.ConnectRequest, connID string) {
	_, err := entitystore.Update(s.store, clientKey(hello.ClientInstanceID),
		func(c *Client, ok bool) (*Client, error) {
			if !ok {
				c = &Client{
					ClientInstanceID: hello.ClientInstanceID,
					ClientID:         hello.ClientID,
					Status:           ClientCreated,
				}
			}
			next := c.clone()
			if !next.hasConnection(connID) {
				next.ConnectionIDs = append(next.ConnectionIDs, connID)
			}
			next.Status = ClientConnected
			return next, nil
		}, nil)
	if err != nil {
		s.logf("bind client %s: %v", hello.ClientInstanceID, err)
	}
}

// unbindClient removes a dropped connection; the last one flips the status
// to Disconnected.
func (s *Server) unbindClient(instanceID, connID string) {
	_, err := entitystore.Update(s.store, clientKey(instanceID),
		func(c *Client, ok bool) (*Client, error) {
			if !ok {
				return nil, nil
			}
			next := c.clone()
			kept := next.ConnectionIDs[:0]
			for _, id := range next.ConnectionIDs {
				if id != connID {
					kept = append(kept, id)
				}
			}
			next.ConnectionIDs = kept
			if len(next.ConnectionIDs) == 0 {
				next.Status = ClientDisconnected
			}
			return next, nil
		}, nil)
	if err != nil {
		s.logf("unbind client %s: %v", instanceID, err)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("server: "+format, args...)
	}
}

// Package relayws provides JSON-framed WebSocket communication with the
// relay server, with optional keep-alive and automatic reconnection.
package relayws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gwillem/peersync-go/internal/wire"
)

// Conn wraps a WebSocket connection with envelope framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("relayws: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Accept upgrades an incoming HTTP request to a framed connection.
// Used by the server side of the relay.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("relayws: accept: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadEnvelope reads and unmarshals the next envelope from the connection.
func (c *Conn) ReadEnvelope(ctx context.Context) (*wire.Envelope, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("relayws: read: %w", err)
	}
	env := new(wire.Envelope)
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("relayws: unmarshal: %w", err)
	}
	return env, nil
}

// WriteEnvelope marshals and sends an envelope.
func (c *Conn) WriteEnvelope(ctx context.Context, env *wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relayws: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relayws: write: %w", err)
	}
	return nil
}

// WriteRaw sends pre-marshaled envelope bytes. Used by the server's push
// fan-out, which marshals once per broadcast.
func (c *Conn) WriteRaw(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relayws: write: %w", err)
	}
	return nil
}

// SendResponse sends a response envelope for the given request id.
func (c *Conn) SendResponse(ctx context.Context, id uint64, status int, body any) error {
	env, err := wire.NewResponse(id, status, body)
	if err != nil {
		return err
	}
	return c.WriteEnvelope(ctx, env)
}

// SendError sends a failure response with a message.
func (c *Conn) SendError(ctx context.Context, id uint64, status int, message string) error {
	env := &wire.Envelope{Type: wire.TypeResponse, ID: id, Status: status, Message: message}
	return c.WriteEnvelope(ctx, env)
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}

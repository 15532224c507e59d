package relayws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/gwillem/peersync-go/internal/wire"
)

// wsURL converts an httptest server URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRequestResponseRoundTrip(t *testing.T) {
	// Server reads one request and answers it.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()

		env, err := conn.ReadEnvelope(r.Context())
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		if env.Type != wire.TypeRequest {
			t.Errorf("type: got %q, want %q", env.Type, wire.TypeRequest)
		}
		if env.Op != wire.OpConnect {
			t.Errorf("op: got %q, want %q", env.Op, wire.OpConnect)
		}
		var req wire.ConnectRequest
		if err := wire.DecodeBody(env, &req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if req.ClientInstanceID != "inst-1" {
			t.Errorf("instance id: got %q, want %q", req.ClientInstanceID, "inst-1")
		}

		if err := conn.SendResponse(r.Context(), env.ID, http.StatusOK, wire.ConnectResponse{
			ConnectionID: "conn-1",
		}); err != nil {
			t.Errorf("respond: %v", err)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, err := Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req, err := wire.NewRequest(7, wire.OpConnect, wire.ConnectRequest{ClientInstanceID: "inst-1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteEnvelope(ctx, req); err != nil {
		t.Fatal(err)
	}

	resp, err := conn.ReadEnvelope(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Type != wire.TypeResponse || resp.ID != 7 {
		t.Fatalf("response: got type %q id %d, want %q 7", resp.Type, resp.ID, wire.TypeResponse)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status: got %d, want %d", resp.Status, http.StatusOK)
	}
	var cr wire.ConnectResponse
	if err := wire.DecodeBody(resp, &cr); err != nil {
		t.Fatal(err)
	}
	if cr.ConnectionID != "conn-1" {
		t.Fatalf("connection id: got %q, want %q", cr.ConnectionID, "conn-1")
	}
}

func TestSendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		env, err := conn.ReadEnvelope(r.Context())
		if err != nil {
			return
		}
		_ = conn.SendError(r.Context(), env.ID, http.StatusBadRequest, "nope")
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, err := Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req, _ := wire.NewRequest(1, "bogus", struct{}{})
	if err := conn.WriteEnvelope(ctx, req); err != nil {
		t.Fatal(err)
	}
	resp, err := conn.ReadEnvelope(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusBadRequest || resp.Message != "nope" {
		t.Fatalf("error response: got %d %q", resp.Status, resp.Message)
	}
}

func TestWriteRawMatchesEnvelope(t *testing.T) {
	received := make(chan *wire.Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()
		conn := &Conn{ws: ws}
		env, err := conn.ReadEnvelope(r.Context())
		if err != nil {
			return
		}
		received <- env
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, err := Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	push, _ := wire.NewPush("testPush", map[string]string{"k": "v"})
	data := []byte(`{"type":"push","op":"testPush","body":{"k":"v"}}`)
	if err := conn.WriteRaw(ctx, data); err != nil {
		t.Fatal(err)
	}

	env := <-received
	if env.Op != push.Op || env.Type != wire.TypePush {
		t.Fatalf("raw write decoded as %+v", env)
	}
}

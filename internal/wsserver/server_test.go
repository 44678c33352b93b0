package wsserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-othello/internal/conn"
	"github.com/park285/cheese-othello/pkg/othellodto"
)

// echoHandler answers every frame with a status frame naming the inbound type.
type echoHandler struct {
	gone chan string
}

func (h *echoHandler) Handle(_ context.Context, c conn.Transport, msg othellodto.Inbound) {
	c.Send(othellodto.Outbound{Type: othellodto.TypeStatus, Status: &othellodto.Status{Event: msg.Type}})
}

func (h *echoHandler) Disconnected(c conn.Transport) {
	h.gone <- c.ID()
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func read(t *testing.T, c *websocket.Conn) othellodto.Outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg othellodto.Outbound
	if err := wsjson.Read(ctx, c, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestFramesRoundTripAndDisconnect(t *testing.T) {
	h := &echoHandler{gone: make(chan string, 1)}
	s := New(h, Options{})
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := dial(t, srv)
	ctx := context.Background()
	if err := wsjson.Write(ctx, c, othellodto.Inbound{Type: othellodto.TypeHeartbeat}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := read(t, c); got.Type != othellodto.TypeStatus || got.Status.Event != othellodto.TypeHeartbeat {
		t.Fatalf("echo = %+v", got)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := read(t, c); got.Error == nil || got.Error.Code != othellodto.CodeBadRequest {
		t.Fatalf("malformed frame reply = %+v", got)
	}
	if s.Count() != 1 {
		t.Fatalf("count = %d", s.Count())
	}

	_ = c.Close(websocket.StatusNormalClosure, "bye")
	select {
	case id := <-h.gone:
		if !strings.HasPrefix(id, "ws-") {
			t.Fatalf("conn id = %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Disconnected was not called")
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	h := &echoHandler{gone: make(chan string, 1)}
	s := New(h, Options{})
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := dial(t, srv)
	// make sure the server side is registered before shutting down
	if err := wsjson.Write(context.Background(), c, othellodto.Inbound{Type: othellodto.TypeHeartbeat}); err != nil {
		t.Fatalf("write: %v", err)
	}
	read(t, c)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var msg othellodto.Outbound
		for wsjson.Read(ctx, c, &msg) == nil {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Count() != 0 {
		t.Fatalf("count after shutdown = %d", s.Count())
	}
	select {
	case <-h.gone:
	default:
		t.Fatalf("Disconnected was not called before Shutdown returned")
	}
}

func TestSendOverflowClosesConnection(t *testing.T) {
	c := newConn("ws-test", nil, 2)
	for i := 0; i < 2; i++ {
		if !c.Send(othellodto.Outbound{Type: othellodto.TypeDelta}) {
			t.Fatalf("send %d dropped", i)
		}
	}
	if c.Send(othellodto.Outbound{Type: othellodto.TypeDelta}) {
		t.Fatalf("send past capacity must report a drop")
	}
	if c.Reason() != reasonOverflow {
		t.Fatalf("reason = %q", c.Reason())
	}
	if c.Send(othellodto.Outbound{Type: othellodto.TypeDelta}) {
		t.Fatalf("send after close must fail")
	}
	c.Close("later")
	if c.Reason() != reasonOverflow {
		t.Fatalf("first close reason must stick, got %q", c.Reason())
	}
}

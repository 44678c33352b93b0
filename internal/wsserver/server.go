// Package wsserver is the server side of the WebSocket transport. Each accepted
// connection gets a read loop feeding a Handler and a writer goroutine draining a
// bounded outbound buffer.
package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-othello/internal/conn"
	"github.com/park285/cheese-othello/internal/obslog"
	"github.com/park285/cheese-othello/pkg/othellodto"
)

// Handler consumes inbound frames. Disconnected is called exactly once per connection.
type Handler interface {
	Handle(ctx context.Context, c conn.Transport, msg othellodto.Inbound)
	Disconnected(c conn.Transport)
}

type Options struct {
	SendBuffer     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	OriginPatterns []string
}

type Server struct {
	h    Handler
	opts Options

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

func New(h Handler, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 8 << 10
	}
	return &Server{h: h, opts: opts, conns: make(map[string]*Conn)}
}

// ServeHTTP upgrades the request and blocks until the connection is gone.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.opts.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	c := newConn("ws-"+uuid.NewString(), ws, s.opts.SendBuffer)
	if !s.track(c) {
		_ = ws.Close(websocket.StatusGoingAway, "shutdown")
		return
	}
	defer s.untrack(c)
	obslog.L().Info("ws_connect", zap.String("conn_id", c.id), zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		defer cancel()
		c.writeLoop(s.opts.WriteTimeout)
	}()
	go func() {
		defer loops.Done()
		c.pingLoop(ctx, s.opts.PingInterval)
	}()

	s.readLoop(ctx, c)
	c.Close("read_closed")
	s.h.Disconnected(c)
	loops.Wait()
	obslog.L().Info("ws_disconnect", zap.String("conn_id", c.id), zap.String("reason", c.Reason()))
}

func (s *Server) readLoop(ctx context.Context, c *Conn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if st := websocket.CloseStatus(err); st == -1 && ctx.Err() == nil {
				obslog.L().Debug("ws_read_failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			c.Send(badFrame("binary frames are not supported"))
			continue
		}
		var msg othellodto.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(badFrame("frame is not valid JSON"))
			continue
		}
		s.h.Handle(ctx, c, msg)
	}
}

func badFrame(detail string) othellodto.Outbound {
	return othellodto.Outbound{
		Type:  othellodto.TypeError,
		Error: &othellodto.DomainError{Code: othellodto.CodeBadRequest, Message: "Malformed request: " + detail},
	}
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every connection and waits for their handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	open := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.Close("shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

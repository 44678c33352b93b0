package wsserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-othello/internal/obslog"
	"github.com/park285/cheese-othello/pkg/othellodto"
)

const reasonOverflow = "overflow"

// Conn is one accepted WebSocket. It implements conn.Transport.
type Conn struct {
	id string
	ws *websocket.Conn

	out  chan othellodto.Outbound
	done chan struct{}

	mu     sync.Mutex
	closed bool
	reason string
}

func newConn(id string, ws *websocket.Conn, buffer int) *Conn {
	return &Conn{
		id:   id,
		ws:   ws,
		out:  make(chan othellodto.Outbound, buffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues msg for the writer. A full buffer closes the connection.
func (c *Conn) Send(msg othellodto.Outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- msg:
		return true
	default:
	}
	obslog.L().Warn("ws_send_overflow", zap.String("conn_id", c.id), zap.Int("buffered", len(c.out)))
	c.closeLocked(reasonOverflow)
	return false
}

// Close stops the connection. The first reason wins.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(reason)
}

func (c *Conn) closeLocked(reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	close(c.done)
}

// Reason returns why the connection was closed, or "" while it is open.
func (c *Conn) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Conn) writeLoop(timeout time.Duration) {
	for {
		select {
		case msg := <-c.out:
			if err := c.write(msg, timeout); err != nil {
				c.Close("write_failed")
				c.shutdown(timeout)
				return
			}
		case <-c.done:
			c.shutdown(timeout)
			return
		}
	}
}

// shutdown flushes what is still buffered, unless the peer was too slow, and sends the close frame.
func (c *Conn) shutdown(timeout time.Duration) {
	reason := c.Reason()
	status := websocket.StatusNormalClosure
	switch reason {
	case reasonOverflow:
		status = websocket.StatusPolicyViolation
	case "shutdown":
		status = websocket.StatusGoingAway
	default:
	flush:
		for {
			select {
			case msg := <-c.out:
				if c.write(msg, timeout) != nil {
					break flush
				}
			default:
				break flush
			}
		}
	}
	_ = c.ws.Close(status, reason)
}

func (c *Conn) write(msg othellodto.Outbound, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, msg)
}

// pingLoop closes the connection after two consecutive failed pings.
func (c *Conn) pingLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := c.ws.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				obslog.L().Info("ws_ping_timeout", zap.String("conn_id", c.id))
				c.Close("ping_timeout")
				return
			}
		}
	}
}

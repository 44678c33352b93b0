// Package othelloclient is a reconnecting WebSocket client for the Othello server.
// After a reconnect it re-joins the last session so the server answers with a
// fresh snapshot.
package othelloclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-othello/internal/obslog"
	"github.com/park285/cheese-othello/pkg/othellodto"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

type MessageCallback func(msg othellodto.Outbound)

type StateCallback func(state State)

var ErrNotConnected = errors.New("othello client is not connected")

type callbackEntry struct {
	id       int
	callback MessageCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

type Client struct {
	url    string
	header http.Header

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	// resume info, learned from create/join and the snapshots that answer them
	sessionID string
	playerID  string
	token     string

	msgCbs   []callbackEntry
	stateCbs []stateCallbackEntry
	nextCbID int
	cbM      sync.RWMutex

	maxReconnectAttempts int
	backoff              func(attempt int) time.Duration
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type Option func(*Client)

// WithReconnect sets how many redials follow a dropped connection. Zero disables reconnects.
func WithReconnect(maxAttempts int) Option {
	return func(c *Client) { c.maxReconnectAttempts = maxAttempts }
}

func WithBackoff(f func(attempt int) time.Duration) Option {
	return func(c *Client) { c.backoff = f }
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

func WithHeader(key, value string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" && strings.TrimSpace(value) != "" {
			c.header.Set(key, value)
		}
	}
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:                  url,
		header:               http.Header{},
		state:                StateDisconnected,
		maxReconnectAttempts: 5,
		backoff:              backoffDuration,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	return c
}

// Connect dials once. A failed dial schedules reconnects when they are enabled.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	ws, err := c.dial(ctx)
	if err != nil {
		c.setState(StateFailed)
		c.scheduleReconnect()
		return err
	}
	c.attach(ws)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.header.Clone(),
	})
	return ws, err
}

func (c *Client) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.listen(ws)
	go c.pingLoop(ws)
}

func (c *Client) listen(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		var msg othellodto.Outbound
		if err := wsjson.Read(c.rootCtx, ws, &msg); err != nil {
			if c.isStopping() || !c.release(ws) {
				return
			}
			obslog.L().Info("client_connection_lost", zap.String("session_id", c.SessionID()), zap.Error(err))
			_ = ws.Close(websocket.StatusGoingAway, "reconnect")
			c.setState(StateDisconnected)
			c.scheduleReconnect()
			return
		}
		c.remember(msg)

		c.cbM.RLock()
		callbacks := make([]callbackEntry, len(c.msgCbs))
		copy(callbacks, c.msgCbs)
		c.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(msg)
			}
		}
	}
}

// release clears ws as the current connection. It reports false when another
// goroutine already did.
func (c *Client) release(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != ws {
		return false
	}
	c.conn = nil
	return true
}

func (c *Client) pingLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.mu.Lock()
			current := c.conn == ws
			c.mu.Unlock()
			if !current {
				return
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := ws.Ping(ctx)
			cancel()
			if err == nil {
				consecutivePingFailures = 0
				continue
			}
			consecutivePingFailures++
			if consecutivePingFailures >= 2 {
				// the read loop notices the close and reconnects
				_ = ws.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (c *Client) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 || c.isStopping() {
		return
	}
	c.setState(StateReconnecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.backoff(attempt)):
			}
			ws, err := c.dial(c.rootCtx)
			if err != nil {
				obslog.L().Debug("client_redial_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			if c.isStopping() {
				_ = ws.Close(websocket.StatusNormalClosure, "close")
				return
			}
			c.attach(ws)
			c.resume()
			return
		}
		c.setState(StateFailed)
	}()
}

// resume re-sends join for the remembered session.
func (c *Client) resume() {
	c.mu.Lock()
	msg := othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: c.sessionID, PlayerID: c.playerID, Token: c.token}
	c.mu.Unlock()
	if msg.SessionID == "" || msg.PlayerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(c.rootCtx, 5*time.Second)
	defer cancel()
	if err := c.Send(ctx, msg); err != nil {
		obslog.L().Warn("client_resume_failed", zap.String("session_id", msg.SessionID), zap.Error(err))
	}
}

func (c *Client) remember(msg othellodto.Outbound) {
	if msg.Type != othellodto.TypeSnapshot || msg.SessionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = msg.SessionID
	if msg.Token != "" {
		c.token = msg.Token
	}
}

// Send writes one frame. create and join frames update the resume info.
func (c *Client) Send(ctx context.Context, msg othellodto.Inbound) error {
	c.mu.Lock()
	ws := c.conn
	switch msg.Type {
	case othellodto.TypeCreate:
		c.playerID, c.sessionID, c.token = msg.PlayerID, "", ""
	case othellodto.TypeJoin:
		if msg.SessionID != c.sessionID {
			c.token = ""
		}
		c.playerID, c.sessionID = msg.PlayerID, msg.SessionID
		if msg.Token != "" {
			c.token = msg.Token
		}
	}
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, ws, msg)
}

func (c *Client) Create(ctx context.Context, playerID, daily string) error {
	return c.Send(ctx, othellodto.Inbound{Type: othellodto.TypeCreate, PlayerID: playerID, Daily: daily})
}

func (c *Client) Join(ctx context.Context, sessionID, playerID string) error {
	return c.Send(ctx, othellodto.Inbound{Type: othellodto.TypeJoin, SessionID: sessionID, PlayerID: playerID})
}

func (c *Client) Move(ctx context.Context, cell int) error {
	return c.Send(ctx, othellodto.Inbound{Type: othellodto.TypeMove, Cell: othellodto.IntPtr(cell)})
}

func (c *Client) Forfeit(ctx context.Context) error {
	return c.Send(ctx, othellodto.Inbound{Type: othellodto.TypeForfeit})
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.Send(ctx, othellodto.Inbound{Type: othellodto.TypeHeartbeat})
}

// SessionID returns the session the client last created or joined.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) OnMessage(cb MessageCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.msgCbs = append(c.msgCbs, callbackEntry{id: c.nextCbID, callback: cb})
	return c.nextCbID
}

func (c *Client) RemoveMessageCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, cb := range c.msgCbs {
		if cb.id == id {
			c.msgCbs = append(c.msgCbs[:i], c.msgCbs[i+1:]...)
			break
		}
	}
}

func (c *Client) OnStateChange(cb StateCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.stateCbs = append(c.stateCbs, stateCallbackEntry{id: c.nextCbID, callback: cb})
	return c.nextCbID
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

// Close stops reconnecting, closes the connection and waits for the loops to exit.
func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	ws := c.conn
	c.conn = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "close")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		c.rootCancel()
		return ctx.Err()
	case <-done:
		c.rootCancel()
		c.setState(StateDisconnected)
		return nil
	}
}

func (c *Client) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
}

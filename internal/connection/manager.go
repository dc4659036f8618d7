// Package connection implements the ConnectionManager from SPEC_FULL.md
// §4.5: WebSocket client lifecycle, connection caps, per-connection rate
// limiting, idle housekeeping, and broadcast.
package connection

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/johnlindquist/lootbox/internal/logger"
)

const (
	maxConnections   = 100
	maxFrameBytes    = 1 << 20 // 1 MiB
	rateLimitWindow  = 1 * time.Second
	rateLimitBurst   = 50
	idlePingInterval = 30 * time.Second
	idleCloseAfter   = 60 * time.Second
)

// errorFrame builds a server-initiated, id-less error frame per
// SPEC_FULL.md §6: {"type":"error","error":"<msg>"}.
func errorFrame(msg string) []byte {
	b, _ := json.Marshal(struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}{Type: "error", Error: msg})
	return b
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one accepted WebSocket client.
type Conn struct {
	ID        string
	ClientCWD string
	ws        *websocket.Conn
	mgr       *Manager
	wmu       sync.Mutex
	recv      chan []byte

	mu             sync.Mutex
	lastActivity   time.Time
	bucket         int
	bucketReset    time.Time
	closed         bool
	firstFrameSeen bool
}

// ConsumeFirstFrame reports whether this call is for the first inbound frame
// seen on c, marking one as seen either way. MessageRouter uses this to
// decide whether an id/method-less frame should get a welcome reply
// (SPEC_FULL.md §4.5/§6: welcome fires on the first non-call frame, not on
// connect).
func (c *Conn) ConsumeFirstFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasFirst := !c.firstFrameSeen
	c.firstFrameSeen = true
	return wasFirst
}

// Manager accepts incoming WebSocket upgrades and tracks every live Conn, per
// SPEC_FULL.md §4.5 (100 connection cap, 1 MiB frames, 50 msgs/s per
// connection, idle ping/cleanup).
type Manager struct {
	logger logger.Logger

	mu    sync.Mutex
	conns map[string]*Conn

	onConnect     func(c *Conn)
	onMessage     func(c *Conn, msg []byte)
	onClose       func(c *Conn)
	onRateLimited func(c *Conn)

	stopped chan struct{}
}

func NewManager(l logger.Logger) *Manager {
	m := &Manager{
		logger:  l,
		conns:   map[string]*Conn{},
		stopped: make(chan struct{}),
	}
	go m.idleLoop()
	return m
}

// OnMessage registers the callback invoked for every inbound text/binary
// frame (normally MessageRouter.HandleMessage).
func (m *Manager) OnMessage(fn func(c *Conn, msg []byte)) { m.onMessage = fn }

// OnConnect registers the callback invoked once a connection is accepted and
// registered, before its readLoop starts.
func (m *Manager) OnConnect(fn func(c *Conn)) { m.onConnect = fn }

// OnClose registers the callback invoked once a connection is fully torn
// down, so the orchestrator can release any resources keyed by connection.
func (m *Manager) OnClose(fn func(c *Conn)) { m.onClose = fn }

// OnRateLimited registers the callback invoked whenever a connection sends
// faster than the per-connection rate limit allows, for metrics bookkeeping.
func (m *Manager) OnRateLimited(fn func(c *Conn)) { m.onRateLimited = fn }

// ServeHTTP upgrades an incoming request to a WebSocket connection, rejecting
// it outright if the server is already at the connection cap.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("[ConnectionManager] upgrade failed: %v", err)
		return
	}

	m.mu.Lock()
	atCap := len(m.conns) >= maxConnections
	m.mu.Unlock()
	if atCap {
		// Resource error (SPEC_FULL.md §7): single error frame, then close.
		_ = ws.WriteMessage(websocket.TextMessage, errorFrame("Server at connection limit"))
		_ = ws.Close()
		return
	}

	c := &Conn{
		ID:           uuid.NewString(),
		ClientCWD:    r.URL.Query().Get("cwd"),
		ws:           ws,
		mgr:          m,
		recv:         make(chan []byte, 32),
		lastActivity: time.Now(),
		bucketReset:  time.Now().Add(rateLimitWindow),
	}

	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()

	m.logger.Debug("[ConnectionManager] accepted connection %s (%d/%d)", c.ID, len(m.conns), maxConnections)

	if m.onConnect != nil {
		m.onConnect(c)
	}

	go c.readLoop()
}

// Broadcast sends msg to every currently open connection, best-effort.
func (m *Manager) Broadcast(msg []byte) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Send(msg)
	}
}

// Count returns the number of currently open connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	_, existed := m.conns[c.ID]
	delete(m.conns, c.ID)
	m.mu.Unlock()

	if existed && m.onClose != nil {
		m.onClose(c)
	}
}

func (m *Manager) idleLoop() {
	ticker := time.NewTicker(idlePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stopped:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		idleFor := time.Since(c.lastActivity)
		c.mu.Unlock()

		if idleFor >= idleCloseAfter {
			m.logger.Debug("[ConnectionManager] closing idle connection %s", c.ID)
			c.Close()
			continue
		}
		_ = c.writeControl(websocket.PingMessage)
	}
}

// Stop halts the idle-sweep loop and closes every connection.
func (m *Manager) Stop() {
	close(m.stopped)
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (c *Conn) readLoop() {
	defer func() {
		c.Close()
		c.mgr.remove(c)
	}()

	c.ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		allowed := c.takeToken()
		c.mu.Unlock()

		// Protocol error (SPEC_FULL.md §7): oversize frame gets an error
		// frame, not a torn-down socket, so no SetReadLimit on the upgrade.
		if len(data) > maxFrameBytes {
			_ = c.Send(errorFrame("Message too large"))
			continue
		}

		if !allowed {
			_ = c.Send(errorFrame("Rate limit exceeded"))
			if c.mgr.onRateLimited != nil {
				c.mgr.onRateLimited(c)
			}
			continue
		}

		if c.mgr.onMessage != nil {
			c.mgr.onMessage(c, data)
		}
	}
}

// takeToken enforces the 50 messages/second cap; caller holds c.mu.
func (c *Conn) takeToken() bool {
	now := time.Now()
	if now.After(c.bucketReset) {
		c.bucket = 0
		c.bucketReset = now.Add(rateLimitWindow)
	}
	if c.bucket >= rateLimitBurst {
		return false
	}
	c.bucket++
	return true
}

// Send writes msg as a single text frame.
func (c *Conn) Send(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Conn) writeControl(messageType int) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	return c.ws.WriteControl(messageType, nil, time.Now().Add(5*time.Second))
}

// Close tears down the underlying socket exactly once.
func (c *Conn) Close() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.Close()
}

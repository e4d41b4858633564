package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrClosed           = errors.New("connection closed")
	ErrQueueFull        = errors.New("outgoing queue full")
	ErrDisconnected     = errors.New("disconnected from server")
)

// frameConn is one established transport to the relay
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// link is a single dial of the transport. Reconnecting replaces it.
type link struct {
	conn frameConn
	done chan struct{}
	once sync.Once
}

// close reports whether this call was the one that closed the link
func (l *link) close() bool {
	first := false
	l.once.Do(func() {
		first = true
		close(l.done)
		l.conn.Close()
	})
	return first
}

// Connection is a client connection to a chat relay. It answers liveness
// pings itself and, after a successful login, resumes the session with a
// reconnect request whenever the transport is re-established.
type Connection struct {
	addr    string
	dial    func() (frameConn, error)
	warning string

	mu           sync.RWMutex
	current      *link
	closed       bool
	reconnecting bool
	pendingLogin *protocol.Login
	credentials  *protocol.Login

	// Channels for communication
	incoming    chan Frame
	outgoing    chan protocol.Request
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Auto-reconnect settings
	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	// Traffic counters (frame payload bytes)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	pingsAnswered atomic.Uint64

	logger *log.Logger

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a client for addr (host[:port], ws://, wss:// or ssh://)
func NewConnection(addr string) (*Connection, error) {
	cfg, err := parseServerAddress(addr, protocol.MaxPushFrameSize)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:              cfg.display,
		dial:              cfg.dial,
		warning:           cfg.warning,
		incoming:          make(chan Frame, 100),
		outgoing:          make(chan protocol.Request, 100),
		errors:            make(chan error, 10),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		autoReconnect:     true,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		shutdown:          make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// DisableAutoReconnect disables automatic reconnection on connection loss
func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = false
}

// SetReconnectDelay sets the initial and maximum reconnect backoff
func (c *Connection) SetReconnectDelay(initial, max time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectDelay = initial
	c.maxReconnectDelay = max
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect establishes the transport
func (c *Connection) Connect() error {
	c.mu.RLock()
	if c.current != nil {
		c.mu.RUnlock()
		return ErrAlreadyConnected
	}
	c.mu.RUnlock()

	c.logf("Connecting to %s...", c.addr)
	conn, err := c.dial()
	if err != nil {
		c.logf("Connection failed: %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	l := &link{conn: conn, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if c.current != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	c.current = l
	c.wg.Add(2)
	c.mu.Unlock()

	c.logf("Connected successfully to %s", c.addr)
	if c.warning != "" {
		c.logf("WARNING: %s", c.warning)
	}

	go c.readLoop(l)
	go c.writeLoop(l)
	return nil
}

// Disconnect drops the transport without reconnecting
func (c *Connection) Disconnect() {
	c.mu.Lock()
	l := c.current
	c.current = nil
	c.mu.Unlock()

	if l != nil {
		c.logf("Disconnecting from %s", c.addr)
		l.close()
	}
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.shutdown)
		c.Disconnect()
		c.wg.Wait()
		close(c.incoming)
		close(c.errors)
		close(c.stateChange)
	})
}

// Send queues a request for the server
func (c *Connection) Send(req protocol.Request) error {
	switch r := req.(type) {
	case protocol.Login:
		c.rememberLogin(r)
	case protocol.Reconnect:
		c.rememberLogin(protocol.Login(r))
	}

	select {
	case <-c.shutdown:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- req:
		return nil
	case <-c.shutdown:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

func (c *Connection) rememberLogin(login protocol.Login) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingLogin = &login
}

// Incoming returns the channel of frames pushed by the server. Pings are
// answered internally and never appear here.
func (c *Connection) Incoming() <-chan Frame {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// IsConnected returns whether a transport is established
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current != nil
}

// Username returns the user of the last successful login, if any
func (c *Connection) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.credentials == nil {
		return ""
	}
	return c.credentials.Username
}

// GetAddress returns the normalized server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetBytesSent returns the total frame bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total frame bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// GetPingsAnswered returns how many liveness probes were answered
func (c *Connection) GetPingsAnswered() uint64 {
	return c.pingsAnswered.Load()
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

func (c *Connection) notifyState(update ConnectionStateUpdate) {
	select {
	case c.stateChange <- update:
	default:
	}
}

// readLoop reads frames from one link
func (c *Connection) readLoop(l *link) {
	defer c.wg.Done()

	for {
		data, err := l.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logf("Connection closed by server (EOF)")
			} else {
				select {
				case <-l.done:
				default:
					c.logf("Read error: %v", err)
					c.reportError(fmt.Errorf("read error: %w", err))
				}
			}
			c.handleDisconnect(l)
			return
		}
		c.bytesReceived.Add(uint64(len(data)))

		frame, err := DecodeFrame(data)
		if err != nil {
			c.logf("Dropping undecodable frame: %v", err)
			c.reportError(err)
			continue
		}

		if frame.Type == protocol.TypePing && !frame.IsResponse() {
			c.pingsAnswered.Add(1)
			if err := c.Send(protocol.Pong{}); err != nil {
				c.logf("Could not answer ping: %v", err)
			}
			continue
		}

		if frame.IsResponse() {
			c.trackLogin(frame)
		}

		c.logf("← RECV: type=%q action=%q", frame.Type, frame.Action)

		select {
		case c.incoming <- frame:
		case <-c.shutdown:
			return
		}
	}
}

// trackLogin keeps the credentials of the last accepted login so a dropped
// transport can resume the session
func (c *Connection) trackLogin(frame Frame) {
	if frame.Action != protocol.ActionLogin && frame.Action != protocol.ActionReconnect {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if frame.Succeeded() && c.pendingLogin != nil {
		c.credentials = c.pendingLogin
	}
	c.pendingLogin = nil
}

// writeLoop sends queued requests on one link
func (c *Connection) writeLoop(l *link) {
	defer c.wg.Done()

	for {
		select {
		case req := <-c.outgoing:
			data, err := protocol.EncodeRequest(req)
			if err != nil {
				c.logf("Encode error: %v", err)
				c.reportError(fmt.Errorf("encode error: %w", err))
				continue
			}

			if err := l.conn.WriteFrame(data); err != nil {
				c.logf("Write error: %v", err)
				c.reportError(fmt.Errorf("write error: %w", err))
				c.handleDisconnect(l)
				return
			}
			c.bytesSent.Add(uint64(len(data)))
			c.logf("→ SEND: %s (%d bytes)", req.Kind(), len(data))

		case <-l.done:
			return
		case <-c.shutdown:
			return
		}
	}
}

// handleDisconnect handles an unexpected loss of l
func (c *Connection) handleDisconnect(l *link) {
	if !l.close() {
		return
	}

	c.mu.Lock()
	if c.current != l || c.closed {
		c.mu.Unlock()
		return
	}
	c.current = nil
	startReconnect := c.autoReconnect && !c.reconnecting
	if startReconnect {
		c.reconnecting = true
		c.wg.Add(1)
	}
	c.mu.Unlock()

	c.logf("Disconnected from server")
	c.reportError(ErrDisconnected)
	c.notifyState(ConnectionStateUpdate{State: StateTypeDisconnected, Err: ErrDisconnected})

	if startReconnect {
		c.logf("Auto-reconnect enabled, starting reconnect loop")
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect with exponential backoff
func (c *Connection) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	c.mu.RLock()
	delay := c.reconnectDelay
	maxDelay := c.maxReconnectDelay
	c.mu.RUnlock()

	for attempt := 1; ; attempt++ {
		select {
		case <-c.shutdown:
			c.logf("Reconnect loop cancelled (shutdown)")
			return
		case <-time.After(delay):
		}

		c.logf("Reconnect attempt %d to %s", attempt, c.addr)
		c.notifyState(ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt})

		if err := c.Connect(); err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, ErrAlreadyConnected) {
				return
			}
			c.logf("Reconnect attempt %d failed: %v", attempt, err)
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		c.logf("Reconnected successfully after %d attempts", attempt)
		c.notifyState(ConnectionStateUpdate{State: StateTypeConnected})

		c.mu.RLock()
		creds := c.credentials
		c.mu.RUnlock()
		if creds != nil {
			if err := c.Send(protocol.Reconnect{Username: creds.Username, Password: creds.Password}); err != nil {
				c.reportError(fmt.Errorf("resume session: %w", err))
			}
		}
		return
	}
}

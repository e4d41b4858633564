package server

import (
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

// transport moves whole JSON frames over one client connection.
// ReadFrame is only called from the read goroutine and WriteFrame only from
// the write goroutine.
type transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() string
	Kind() string
}

// Conn is one client connection. The outbound queue and close signal are
// safe for concurrent use; username and isAdmin belong to the event loop.
type Conn struct {
	id          string
	transport   transport
	server      *Server
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time

	// Event loop state
	username string
	isAdmin  bool
}

func newConn(s *Server, t transport) *Conn {
	return &Conn{
		id:          uuid.NewString(),
		transport:   t,
		server:      s,
		send:        make(chan []byte, s.config.SendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// Close tears the connection down. Safe to call more than once and from
// any goroutine; the read goroutine reports the close to the event loop.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(); err != nil && !isExpectedCloseError(err) {
			debugLog.Printf("Conn %s: close error: %v", c.id, err)
		}
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send queues a frame for the writer. A full queue means the client can't
// keep up, so the connection is closed rather than blocking the loop.
func (c *Conn) Send(frame protocol.Outbound) bool {
	if c.closed() {
		return false
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		errorLog.Printf("Conn %s: failed to encode %s: %v", c.id, frame.FrameType(), err)
		return false
	}

	select {
	case c.send <- data:
		c.server.metrics.RecordFrameSent(frame.FrameType())
		return true
	default:
		log.Printf("Conn %s (%s): send buffer full, closing slow consumer", c.id, c.transport.RemoteAddr())
		c.Close()
		return false
	}
}

// readPump decodes inbound frames and hands them to the event loop until
// the transport fails
func (c *Conn) readPump() {
	defer func() {
		c.Close()
		c.server.post(func() { c.server.connClosed(c) })
	}()

	for {
		data, err := c.transport.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || isExpectedCloseError(err) || c.closed() {
				debugLog.Printf("Conn %s disconnected", c.id)
			} else {
				log.Printf("Conn %s read error: %v", c.id, err)
			}
			return
		}

		req, err := protocol.DecodeRequest(data)
		if err != nil {
			c.server.metrics.RecordFrameReceived("malformed")
			log.Printf("Conn %s: dropping malformed frame: %v", c.id, err)
			continue
		}

		debugLog.Printf("Conn %s ← RECV: %s (%d bytes)", c.id, req.Kind(), len(data))
		work := c.server.preparePasswords(req)
		if !c.server.post(func() { c.server.dispatch(c, req, work) }) {
			return
		}
	}
}

// writePump drains the outbound queue and sends liveness probes
func (c *Conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	ping, _ := protocol.Encode(protocol.NewPing())

	for {
		select {
		case data := <-c.send:
			if err := c.transport.WriteFrame(data); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Conn %s write error: %v", c.id, err)
				}
				return
			}
		case <-ticker.C:
			if err := c.transport.WriteFrame(ping); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Conn %s ping error: %v", c.id, err)
				}
				return
			}
			c.server.metrics.RecordFrameSent(protocol.TypePing)
		case <-c.done:
			return
		}
	}
}

// isExpectedCloseError checks if an error is expected during connection closure
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/chatrelay/pkg/database"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging sends debug output to w
func EnableDebugLogging(w io.Writer) {
	debugLog = log.New(w, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Server is the chat relay. All relay state is owned by a single event
// loop goroutine; connection goroutines hand it work through post.
type Server struct {
	config      ServerConfig
	configPath  string
	store       database.Store
	writeBuffer *database.WriteBuffer
	state       *State
	hasher      Hasher
	metrics     *Metrics

	httpServer  *http.Server
	upgrader    *websocket.Upgrader
	listener    net.Listener
	sshListener net.Listener

	// Event loop
	events   chan func()
	stopLoop chan struct{}
	loopDone chan struct{}
	conns    map[*Conn]struct{} // open connections, loop-owned
	closing  bool               // loop-owned; set once shutdown begins

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup // accept loops and per-connection goroutines
	startTime time.Time
	now       func() time.Time
}

// NewServer loads relay state from store and starts the event loop and
// write buffer. Listeners are opened by Start.
func NewServer(config ServerConfig, store database.Store) (*Server, error) {
	config = config.withDefaults()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	state, err := LoadState(ctx, store, AdminCredentials{
		Username: config.DefaultAdminUsername,
		Password: config.DefaultAdminPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	s := &Server{
		config:    config,
		store:     store,
		state:     state,
		hasher:    NewHasher(config.HashPasswords, config.BcryptCost),
		metrics:   NewMetrics(),
		upgrader:  newUpgrader(config.AllowedOrigins),
		events:    make(chan func(), 1024),
		stopLoop:  make(chan struct{}),
		loopDone:  make(chan struct{}),
		conns:     make(map[*Conn]struct{}),
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
		now:       time.Now,
	}

	s.writeBuffer = database.NewWriteBuffer(store, config.FlushInterval, s.onWriteResult)
	s.writeBuffer.RetryFailed = config.RetryFailedWrites

	s.metrics.SetAccounts(state.AccountCount())

	go s.runLoop()

	admin := state.Admin()
	if admin.Username == config.DefaultAdminUsername && admin.Password == config.DefaultAdminPassword {
		log.Printf("Default admin account: %s / %s (change it with admin-change-password)", admin.Username, admin.Password)
	} else {
		log.Printf("Admin account: %s", admin.Username)
	}
	log.Printf("Loaded %d account(s), %d queued offline message(s)", state.AccountCount(), state.QueuedTotal())

	return s, nil
}

// SetConfigPath records where the config was loaded from, for error messages
func (s *Server) SetConfigPath(path string) {
	s.configPath = path
}

// Metrics returns the server's metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start opens the HTTP/WebSocket listener and, if configured, the SSH listener
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))

	// Use ListenConfig to enable SO_REUSEADDR
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	if err := s.startSSHServer(); err != nil {
		s.httpServer.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	go s.monitorListenOverflows()

	return nil
}

// Addr returns the HTTP listener address once started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SSHAddr returns the SSH listener address, or nil if SSH is disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// Stop stops accepting, closes every connection, stops the event loop,
// flushes pending writes and closes the store
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
				errorLog.Printf("HTTP shutdown error: %v", shutdownErr)
			}
			cancel()
		}
		if s.sshListener != nil {
			s.sshListener.Close()
		}

		s.call(func() {
			s.closing = true
			for c := range s.conns {
				c.Close()
			}
		})

		// Connection goroutines post their close events to the loop, so it
		// has to keep running until they are gone
		s.wg.Wait()

		close(s.stopLoop)
		<-s.loopDone

		s.writeBuffer.Close()
		err = s.store.Close()
		log.Printf("Server stopped")
	})
	return err
}

// runLoop executes posted work one item at a time
func (s *Server) runLoop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.stopLoop:
			// Drain anything posted before the stop
			for {
				select {
				case fn := <-s.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post queues fn for the event loop. It returns false once the loop has
// stopped.
func (s *Server) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.loopDone:
		return false
	}
}

// call runs fn on the event loop and waits for it
func (s *Server) call(fn func()) bool {
	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-s.loopDone:
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// serveConn runs a connection until it closes
func (s *Server) serveConn(t transport) {
	c := newConn(s, t)

	// Registering on the loop orders wg.Add before Stop's wg.Wait
	accepted := false
	s.call(func() {
		if s.closing {
			return
		}
		s.wg.Add(1)
		s.conns[c] = struct{}{}
		accepted = true
		s.metrics.SetOpenConnections(len(s.conns))
	})
	if !accepted {
		c.Close()
		return
	}
	defer s.wg.Done()

	debugLog.Printf("New %s connection from %s (conn %s)", t.Kind(), t.RemoteAddr(), c.id)

	go c.writePump(s.config.PingInterval)
	c.readPump()
}

// connClosed forgets a closed connection and releases any session bound to
// it. Runs on the event loop.
func (s *Server) connClosed(c *Conn) {
	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	s.metrics.SetOpenConnections(len(s.conns))

	removed := s.state.registry.RemoveConn(c)
	if len(removed) > 0 {
		log.Printf("User %q went offline (conn %s)", removed[0], c.id)
		s.metrics.SetOnlineSessions(s.state.registry.Len())
		s.broadcastOnlineUsers()
	}
}

// onWriteResult is the write buffer's completion callback
func (s *Server) onWriteResult(res database.WriteResult) {
	if res.Err != nil {
		errorLog.Printf("Persistence failure: %v", res.Err)
		s.metrics.RecordPersistenceFailure(res.Key)
		return
	}
	debugLog.Printf("Persisted %s in %v", res.Key, res.Duration)
}

// Snapshot is a point-in-time view of relay counters
type Snapshot struct {
	OpenConnections int
	OnlineUsers     int
	Accounts        int
	QueuedMessages  int
}

// Snapshot reads counters from the event loop
func (s *Server) Snapshot() Snapshot {
	var snap Snapshot
	s.call(func() {
		snap = Snapshot{
			OpenConnections: len(s.conns),
			OnlineUsers:     s.state.registry.Len(),
			Accounts:        s.state.AccountCount(),
			QueuedMessages:  s.state.QueuedTotal(),
		}
	})
	return snap
}

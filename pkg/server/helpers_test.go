package server

import (
	"encoding/json"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

const frameTimeout = 2 * time.Second

// initTestLoggers discards all log output during tests
func initTestLoggers(t *testing.T) {
	t.Helper()
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)
}

// testServer creates a server over a MemStore. Listeners are not started;
// clients attach through fake transports.
func testServer(t *testing.T, configure func(*ServerConfig)) (*Server, *database.MemStore) {
	t.Helper()
	initTestLoggers(t)

	store := database.NewMemStore()
	return testServerWithStore(t, store, configure), store
}

func testServerWithStore(t *testing.T, store database.Store, configure func(*ServerConfig)) *Server {
	t.Helper()
	initTestLoggers(t)

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.PingInterval = time.Hour
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.SSHHostKeyPath = t.TempDir() + "/ssh_host_key"
	if configure != nil {
		configure(&cfg)
	}

	srv, err := NewServer(cfg, store)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// fakeTransport is an in-memory transport driven by the test
type fakeTransport struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(outBuffer int) *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, outBuffer),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteFrame(frame []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	select {
	case f.out <- frame:
		return nil
	case <-f.closed:
		return net.ErrClosed
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "fake:0" }
func (f *fakeTransport) Kind() string       { return "fake" }

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// testFrame is the union of every server frame
type testFrame struct {
	Type      string             `json:"type"`
	Success   *bool              `json:"success"`
	Message   string             `json:"message"`
	Action    string             `json:"action"`
	Users     []string           `json:"users"`
	Count     int                `json:"count"`
	Messages  []protocol.Message `json:"messages"`
	Sender    string             `json:"sender"`
	Content   string             `json:"content"`
	Timestamp int64              `json:"timestamp"`
}

type testClient struct {
	t  *testing.T
	ft *fakeTransport
}

// connect attaches a new client and waits until the server has registered it
func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()
	return connectWithBuffer(t, srv, 256)
}

func connectWithBuffer(t *testing.T, srv *Server, outBuffer int) *testClient {
	t.Helper()

	before := srv.Snapshot().OpenConnections
	ft := newFakeTransport(outBuffer)
	go srv.serveConn(ft)

	require.Eventually(t, func() bool {
		return srv.Snapshot().OpenConnections > before
	}, frameTimeout, time.Millisecond)

	t.Cleanup(func() { ft.Close() })
	return &testClient{t: t, ft: ft}
}

func (c *testClient) send(req protocol.Request) {
	c.t.Helper()
	data, err := protocol.EncodeRequest(req)
	require.NoError(c.t, err)
	c.ft.in <- data
}

func (c *testClient) sendRaw(data string) {
	c.ft.in <- []byte(data)
}

func (c *testClient) next() testFrame {
	c.t.Helper()
	select {
	case data := <-c.ft.out:
		var f testFrame
		require.NoError(c.t, json.Unmarshal(data, &f), "frame: %s", data)
		return f
	case <-time.After(frameTimeout):
		c.t.Fatal("timed out waiting for frame")
		return testFrame{}
	}
}

// expectResponse reads the next frame and checks it answers action
func (c *testClient) expectResponse(action string, success bool) testFrame {
	c.t.Helper()
	f := c.next()
	require.NotNil(c.t, f.Success, "expected a response to %s, got %+v", action, f)
	require.Equal(c.t, action, f.Action)
	require.Equal(c.t, success, *f.Success, "message: %s", f.Message)
	return f
}

// expectType reads the next frame and checks its type
func (c *testClient) expectType(frameType string) testFrame {
	c.t.Helper()
	f := c.next()
	require.Equal(c.t, frameType, f.Type, "frame: %+v", f)
	return f
}

// expectNothing asserts no frame arrives within d
func (c *testClient) expectNothing(d time.Duration) {
	c.t.Helper()
	select {
	case data := <-c.ft.out:
		c.t.Fatalf("unexpected frame: %s", data)
	case <-time.After(d):
	}
}

func (c *testClient) waitClosed() {
	c.t.Helper()
	select {
	case <-c.ft.closed:
	case <-time.After(frameTimeout):
		c.t.Fatal("connection was not closed")
	}
}

// register creates an account and consumes the reply
func (c *testClient) register(username, password string) {
	c.t.Helper()
	c.send(protocol.Register{Username: username, Password: password})
	c.expectResponse(protocol.ActionRegister, true)
}

// login logs in and consumes the reply; there must be nothing queued
func (c *testClient) login(username, password string) {
	c.t.Helper()
	c.send(protocol.Login{Username: username, Password: password})
	c.expectResponse(protocol.ActionLogin, true)
}

// adminLogin elevates the client and consumes the reply and both lists
func (c *testClient) adminLogin(srv *Server) {
	c.t.Helper()
	c.send(protocol.AdminLogin{Username: srv.config.DefaultAdminUsername, Password: srv.config.DefaultAdminPassword})
	c.expectResponse(protocol.ActionAdminLogin, true)
	c.expectType(protocol.TypeOnlineUsersList)
	c.expectType(protocol.TypeAllUsersList)
}

// onLoop runs fn on the server's event loop
func onLoop(t *testing.T, srv *Server, fn func()) {
	t.Helper()
	require.True(t, srv.call(fn), "event loop stopped")
}

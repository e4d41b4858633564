package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// Integration test helpers

// startTestServer starts a real server on a random port and returns the server and address
func startTestServer(t *testing.T, configure func(*ServerConfig)) (*Server, string) {
	t.Helper()

	srv := testServerWithStore(t, database.NewMemStore(), configure)
	require.NoError(t, srv.Start())

	return srv, srv.Addr().String()
}

// dialWS opens a WebSocket client connection to path
func dialWS(t *testing.T, addr, path string, header http.Header) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+path, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func wsSend(t *testing.T, ws *websocket.Conn, req protocol.Request) {
	t.Helper()
	data, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

// wsRead reads the next frame, skipping pings unless wantPing is set
func wsRead(t *testing.T, ws *websocket.Conn, wantPing bool) testFrame {
	t.Helper()
	for {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(frameTimeout)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)

		var f testFrame
		require.NoError(t, json.Unmarshal(data, &f), "frame: %s", data)
		if f.Type == protocol.TypePing && !wantPing {
			continue
		}
		return f
	}
}

func TestWebSocketChatFlow(t *testing.T) {
	srv, addr := startTestServer(t, nil)

	alice := dialWS(t, addr, "/ws", nil)
	bob := dialWS(t, addr, "/", nil)
	require.Eventually(t, func() bool {
		return srv.Snapshot().OpenConnections == 2
	}, frameTimeout, 5*time.Millisecond)

	wsSend(t, alice, protocol.Register{Username: "alice", Password: "pw1"})
	resp := wsRead(t, alice, false)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)

	wsSend(t, alice, protocol.Login{Username: "alice", Password: "pw1"})
	resp = wsRead(t, alice, false)
	assert.Equal(t, protocol.ActionLogin, resp.Action)
	assert.True(t, *resp.Success)

	wsSend(t, alice, protocol.Chat{Content: "hello over websocket"})
	msg := wsRead(t, bob, false)
	assert.Equal(t, protocol.TypeMessage, msg.Type)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "hello over websocket", msg.Content)
	assert.NotZero(t, msg.Timestamp)
}

func TestWebSocketDisconnectReleasesSession(t *testing.T) {
	srv, addr := startTestServer(t, nil)

	first := dialWS(t, addr, "/ws", nil)
	wsSend(t, first, protocol.Register{Username: "alice", Password: "pw1"})
	wsRead(t, first, false)
	wsSend(t, first, protocol.Login{Username: "alice", Password: "pw1"})
	wsRead(t, first, false)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return srv.Snapshot().OnlineUsers == 0
	}, frameTimeout, 5*time.Millisecond)

	second := dialWS(t, addr, "/ws", nil)
	wsSend(t, second, protocol.Login{Username: "alice", Password: "pw1"})
	resp := wsRead(t, second, false)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)
}

func TestWebSocketPing(t *testing.T) {
	_, addr := startTestServer(t, func(cfg *ServerConfig) {
		cfg.PingInterval = 20 * time.Millisecond
	})

	ws := dialWS(t, addr, "/ws", nil)
	f := wsRead(t, ws, true)
	assert.Equal(t, protocol.TypePing, f.Type)

	// Answering keeps the connection open
	wsSend(t, ws, protocol.Pong{})
	f = wsRead(t, ws, true)
	assert.Equal(t, protocol.TypePing, f.Type)
}

func TestWebSocketOversizedFrameClosesConnection(t *testing.T) {
	srv, addr := startTestServer(t, func(cfg *ServerConfig) {
		cfg.MaxFrameBytes = 128
	})

	ws := dialWS(t, addr, "/ws", nil)
	big := `{"type":"message","content":"` + strings.Repeat("x", 512) + `"}`
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(big)))

	require.Eventually(t, func() bool {
		return srv.Snapshot().OpenConnections == 0
	}, frameTimeout, 5*time.Millisecond)
}

func TestWebSocketOriginCheck(t *testing.T) {
	_, addr := startTestServer(t, func(cfg *ServerConfig) {
		cfg.AllowedOrigins = []string{"https://Chat.Example.com"}
	})

	allowed := http.Header{"Origin": []string{"https://chat.example.com"}}
	dialWS(t, addr, "/ws", allowed)

	// Clients that send no Origin are not browsers
	dialWS(t, addr, "/ws", nil)

	denied := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", denied)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	_, addr := startTestServer(t, nil)

	ws := dialWS(t, addr, "/ws", nil)
	wsSend(t, ws, protocol.Register{Username: "alice", Password: "pw1"})
	wsRead(t, ws, false)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(1), health["open_connections"])
	assert.Equal(t, float64(1), health["accounts"])
	assert.Equal(t, float64(0), health["online_users"])
}

func TestRootWithoutUpgrade(t *testing.T) {
	_, addr := startTestServer(t, nil)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "running")

	resp2, err := http.Get("http://" + addr + "/nope")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, addr := startTestServer(t, nil)

	ws := dialWS(t, addr, "/ws", nil)
	wsSend(t, ws, protocol.Register{Username: "alice", Password: "pw1"})
	wsRead(t, ws, false)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "chatrelay_open_connections 1")
	assert.Contains(t, text, "chatrelay_accounts 1")
	assert.Contains(t, text, `chatrelay_frames_received_total{kind="register"} 1`)
	assert.Contains(t, text, `chatrelay_frames_sent_total{type="response"} 1`)
}

// freePort finds a port that is free right now
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// openSSHSession starts a shell session on the relay's SSH listener and
// returns helpers to write requests and read pushed frames
func openSSHSession(t *testing.T, port int) (func(protocol.Request), func() testFrame) {
	t.Helper()

	client, err := ssh.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), &ssh.ClientConfig{
		User:            "anyone",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         frameTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	session, err := client.NewSession()
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	stdin, err := session.StdinPipe()
	require.NoError(t, err)
	stdout, err := session.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, session.Shell())

	frames := protocol.NewFrameReader(stdout, protocol.MaxPushFrameSize)
	readFrame := func() testFrame {
		t.Helper()
		type result struct {
			data []byte
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			data, err := frames.ReadFrame()
			ch <- result{data, err}
		}()
		select {
		case r := <-ch:
			require.NoError(t, r.err)
			var f testFrame
			require.NoError(t, json.Unmarshal(r.data, &f))
			return f
		case <-time.After(frameTimeout):
			t.Fatal("timed out waiting for SSH frame")
			return testFrame{}
		}
	}
	sendFrame := func(req protocol.Request) {
		t.Helper()
		data, err := protocol.EncodeRequest(req)
		require.NoError(t, err)
		require.NoError(t, protocol.WriteFrame(stdin, data))
	}

	return sendFrame, readFrame
}

func TestSSHTransport(t *testing.T) {
	port := freePort(t)
	srv, addr := startTestServer(t, func(cfg *ServerConfig) {
		cfg.SSHPort = port
	})
	require.NotNil(t, srv.SSHAddr())

	sendFrame, readFrame := openSSHSession(t, port)

	sendFrame(protocol.Register{Username: "sshuser", Password: "pw"})
	resp := readFrame()
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)

	sendFrame(protocol.Login{Username: "sshuser", Password: "pw"})
	resp = readFrame()
	assert.Equal(t, protocol.ActionLogin, resp.Action)
	assert.True(t, *resp.Success)

	// SSH and WebSocket clients share one relay
	ws := dialWS(t, addr, "/ws", nil)
	require.Eventually(t, func() bool {
		return srv.Snapshot().OpenConnections == 2
	}, frameTimeout, 5*time.Millisecond)

	sendFrame(protocol.Chat{Content: "from ssh"})
	msg := wsRead(t, ws, false)
	assert.Equal(t, "sshuser", msg.Sender)
	assert.Equal(t, "from ssh", msg.Content)
}

func TestLoadOrGenerateHostKey(t *testing.T) {
	srv, _ := testServer(t, func(cfg *ServerConfig) {
		cfg.SSHHostKeyPath = t.TempDir() + "/keys/host_key"
	})

	first, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)

	second, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey().Marshal(), second.PublicKey().Marshal())
}

func TestEmptyHostKeyPath(t *testing.T) {
	srv, _ := testServer(t, func(cfg *ServerConfig) {
		cfg.SSHHostKeyPath = "  "
	})
	srv.SetConfigPath("/etc/chatrelay.toml")

	_, err := srv.loadOrGenerateHostKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/etc/chatrelay.toml")
}

func TestSSHLargeOfflineBacklogDelivered(t *testing.T) {
	port := freePort(t)
	srv, _ := startTestServer(t, func(cfg *ServerConfig) {
		cfg.SSHPort = port
	})

	const backlog = 1200
	at := time.UnixMilli(1700000000000)
	content := strings.Repeat("x", 1000)
	onLoop(t, srv, func() {
		srv.state.PutAccount("bob", "pw")
		for i := 0; i < backlog; i++ {
			srv.state.Enqueue("bob", protocol.NewMessage("alice", content, at.Add(time.Duration(i)*time.Millisecond)))
		}
	})

	sendFrame, readFrame := openSSHSession(t, port)
	sendFrame(protocol.Login{Username: "bob", Password: "pw"})

	offline := readFrame()
	require.Equal(t, protocol.TypeOfflineMessages, offline.Type)
	require.Len(t, offline.Messages, backlog)
	assert.Equal(t, content, offline.Messages[backlog-1].Content)

	resp := readFrame()
	assert.Equal(t, protocol.ActionLogin, resp.Action)
	require.NotNil(t, resp.Success)
	assert.True(t, *resp.Success)

	onLoop(t, srv, func() {
		assert.Empty(t, srv.state.Queue("bob"))
	})
}

package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

const sshHandshakeTimeout = 10 * time.Second

// startSSHServer starts the SSH transport on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		debugLog.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	// Relay auth happens in-band with login/register frames
	config := &ssh.ServerConfig{
		NoClientAuth: true,
	}
	config.ServerVersion = "SSH-2.0-ChatRelay"
	config.AddHostKey(hostKey)

	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.SSHPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.sshListener = listener

	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("SSH accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection performs the handshake and serves each session channel
// as a relay connection
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	// Connections that never open a channel still have to go away on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			conn.Close()
		case <-done:
		}
	}()

	conn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	// Discard global out-of-band requests
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("Could not accept channel: %v", err)
			continue
		}

		go handleSSHChannelRequests(requests)

		t := newSSHTransport(channel, sshConn, s.config.MaxFrameBytes)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(t)
		}()
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshTransport carries newline-delimited JSON frames over a session channel
type sshTransport struct {
	channel ssh.Channel
	conn    *ssh.ServerConn
	reader  *protocol.FrameReader
}

func newSSHTransport(channel ssh.Channel, conn *ssh.ServerConn, maxFrameBytes int) *sshTransport {
	return &sshTransport{
		channel: channel,
		conn:    conn,
		reader:  protocol.NewFrameReader(channel, maxFrameBytes),
	}
}

func (t *sshTransport) ReadFrame() ([]byte, error) {
	return t.reader.ReadFrame()
}

func (t *sshTransport) WriteFrame(frame []byte) error {
	return protocol.WriteFrame(t.channel, frame)
}

// Close closes the channel and the SSH connection under it, so the
// connection goroutine's channel loop ends too
func (t *sshTransport) Close() error {
	err := t.channel.Close()
	t.conn.Close()
	return err
}

func (t *sshTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *sshTransport) Kind() string {
	return "ssh"
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := expandPath(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(keyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	if err := pem.Encode(keyFile, privateKeyPEM); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.ParsePrivateKey(pem.EncodeToMemory(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}

	log.Printf("Generated and saved new SSH host key")
	return key, nil
}

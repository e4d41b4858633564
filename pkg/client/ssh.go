package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/aeolun/chatrelay/pkg/protocol"
)

const relaySSHVersionPrefix = "SSH-2.0-ChatRelay"

// hostKeyVerifier checks relay host keys against known_hosts. Unknown hosts
// are trusted on first use and appended once the handshake succeeds; a key
// that contradicts an existing entry is always rejected.
type hostKeyVerifier struct {
	host      string
	port      string
	paths     []string
	callbacks []ssh.HostKeyCallback
	accepted  map[string]ssh.PublicKey
	warning   string
}

func newHostKeyVerifier(host, port string) *hostKeyVerifier {
	paths := knownHostPaths()
	var callbacks []ssh.HostKeyCallback
	for _, path := range paths {
		if cb, err := knownhosts.New(path); err == nil {
			callbacks = append(callbacks, cb)
		}
	}

	warning := ""
	if len(callbacks) == 0 {
		warning = "no known_hosts file found; the relay host key will be trusted on first use"
	}

	return &hostKeyVerifier{
		host:      host,
		port:      port,
		paths:     paths,
		callbacks: callbacks,
		accepted:  make(map[string]ssh.PublicKey),
		warning:   warning,
	}
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if len(v.callbacks) == 0 {
		v.accepted[hostname] = key
		return nil
	}

	var lastErr error
	for _, cb := range v.callbacks {
		if err := cb(hostname, remote, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(lastErr, &keyErr) {
		if len(keyErr.Want) == 0 {
			v.accepted[hostname] = key
			return nil
		}
		expected := ssh.FingerprintSHA256(keyErr.Want[0].Key)
		return fmt.Errorf("ssh host key verification failed for %s: the server presented key %s but %s expects %s. Update or remove the known_hosts entry before retrying",
			hostname, ssh.FingerprintSHA256(key), keyErr.Want[0].Filename, expected)
	}

	return lastErr
}

// persistAccepted appends keys trusted during this handshake
func (v *hostKeyVerifier) persistAccepted(serverVersion string) error {
	if len(v.accepted) == 0 || len(v.paths) == 0 {
		return nil
	}
	for host, key := range v.accepted {
		if err := appendKnownHost(v.paths[0], host, serverVersion, key); err != nil {
			return fmt.Errorf("persist host key for %s: %w", host, err)
		}
	}
	v.accepted = make(map[string]ssh.PublicKey)
	return nil
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			p = strings.TrimSpace(p)
			if p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

func appendKnownHost(path, hostname, serverVersion string, key ssh.PublicKey) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{hostname}, key)
	comment := fmt.Sprintf("chat relay banner=%s added=%s", serverVersion, time.Now().Format(time.RFC3339))
	_, err = fmt.Fprintf(f, "%s %s\n", line, comment)
	return err
}

// dialSSH opens a session channel on a relay's SSH transport. The relay
// does not authenticate at the SSH layer; users log in with frames.
func dialSSH(user, host, port string, verifier *hostKeyVerifier, maxFrameBytes int) (*sshFrameConn, error) {
	address := net.JoinHostPort(host, port)
	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: verifier.callback,
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", address, config)
	if err != nil {
		return nil, err
	}

	banner := string(client.ServerVersion())
	if !strings.HasPrefix(banner, relaySSHVersionPrefix) {
		client.Close()
		return nil, fmt.Errorf("ssh handshake completed but remote server advertised %q; expected a chat relay (banner prefix %q)", banner, relaySSHVersionPrefix)
	}
	if err := verifier.persistAccepted(banner); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	if _, err := channel.SendRequest("shell", true, nil); err != nil {
		channel.Close()
		client.Close()
		return nil, fmt.Errorf("request shell: %w", err)
	}

	return &sshFrameConn{
		channel: channel,
		client:  client,
		frames:  protocol.NewFrameReader(channel, maxFrameBytes),
	}, nil
}

// sshFrameConn carries newline-delimited frames over an SSH session channel
type sshFrameConn struct {
	channel ssh.Channel
	client  *ssh.Client
	frames  *protocol.FrameReader
	writeMu sync.Mutex
	once    sync.Once
}

func (c *sshFrameConn) ReadFrame() ([]byte, error) {
	return c.frames.ReadFrame()
}

func (c *sshFrameConn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.channel, data)
}

func (c *sshFrameConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

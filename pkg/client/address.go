package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

const (
	defaultWSPort  = "8081"
	defaultSSHPort = "2222"
	defaultWSPath  = "/ws"
)

type dialConfig struct {
	display string
	dial    func() (frameConn, error)
	warning string
}

// parseServerAddress accepts host[:port], ws://, wss:// and ssh:// addresses.
// A bare address is a plain WebSocket relay.
func parseServerAddress(raw string, maxFrameBytes int) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "ws://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
	}

	switch scheme := strings.ToLower(u.Scheme); scheme {
	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(u.Host, defaultWSPort)
		if err != nil {
			return nil, err
		}
		path := u.Path
		if path == "" {
			path = defaultWSPath
		}
		target := &url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: path}

		return &dialConfig{
			display: target.String(),
			dial: func() (frameConn, error) {
				return dialWebSocket(target)
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(u.Host, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		user := ""
		if u.User != nil {
			user = u.User.Username()
		}
		if user == "" {
			user = defaultSSHUser()
		}

		verifier := newHostKeyVerifier(host, port)
		return &dialConfig{
			display: fmt.Sprintf("ssh://%s@%s", user, net.JoinHostPort(host, port)),
			dial: func() (frameConn, error) {
				return dialSSH(user, host, port, verifier, maxFrameBytes)
			},
			warning: verifier.warning,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}

	return "", "", err
}

func defaultSSHUser() string {
	for _, env := range []string{"CHATRELAY_SSH_USER", "USER", "USERNAME"} {
		if user := os.Getenv(env); user != "" {
			return user
		}
	}
	return "anonymous"
}

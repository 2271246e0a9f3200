package api

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-connections/nat"
)

const (
	ProtoUnix = "unix"
	ProtoTCP  = "tcp"

	socketName = "procreap.sock"
)

// DefaultAddr is the control socket used when none is configured.
func DefaultAddr() string {
	return ProtoUnix + "://" + filepath.Join(os.TempDir(), socketName)
}

// ParseAddr splits a control address into protocol and address. Accepted
// forms are unix:///path/to.sock, tcp://host:port and bare host:port.
func ParseAddr(addr string) (string, string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = DefaultAddr()
	}

	proto, rest, ok := strings.Cut(addr, "://")
	if !ok {
		proto, rest = ProtoTCP, addr
	}

	switch proto {
	case ProtoUnix:
		if rest == "" || !filepath.IsAbs(rest) {
			return "", "", fmt.Errorf("%w: unix socket path must be absolute: %q", ErrInvalidAddr, addr)
		}
		return ProtoUnix, filepath.Clean(rest), nil
	case ProtoTCP:
		host, port, err := net.SplitHostPort(rest)
		if err != nil {
			return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidAddr, addr, err)
		}
		if _, err := nat.ParsePort(port); err != nil || port == "" {
			return "", "", fmt.Errorf("%w: invalid port in %q", ErrInvalidAddr, addr)
		}
		if host == "" {
			host = "127.0.0.1"
		}
		return ProtoTCP, net.JoinHostPort(host, port), nil
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddr, proto)
	}
}

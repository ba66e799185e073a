package remote

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/stagehand/stagehand/pkg/engine"
)

// Scheme prefixes remote host resource IDs.
const Scheme = "ssh"

// Target is a parsed "ssh:host[:port]" resource ID.
type Target struct {
	Host string
	Port int
}

// ParseTarget parses a remote host resource ID. Port 0 means the configured default.
func ParseTarget(resourceID string) (Target, error) {
	rest, ok := strings.CutPrefix(resourceID, Scheme+":")
	if !ok || rest == "" {
		return Target{}, engine.NewValidationError(fmt.Sprintf("resource %q is not an ssh:host[:port] target", resourceID))
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		// No port given.
		if strings.Contains(rest, "/") || strings.Count(rest, ":") == 1 {
			return Target{}, engine.NewValidationError(fmt.Sprintf("resource %q has a malformed host", resourceID))
		}
		return Target{Host: strings.Trim(rest, "[]")}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Target{}, engine.NewValidationError(fmt.Sprintf("resource %q has an invalid port", resourceID))
	}
	if host == "" {
		return Target{}, engine.NewValidationError(fmt.Sprintf("resource %q has an empty host", resourceID))
	}
	return Target{Host: host, Port: port}, nil
}

// String returns the canonical resource ID.
func (t Target) String() string {
	if t.Port == 0 {
		return Scheme + ":" + t.Host
	}
	return Scheme + ":" + net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

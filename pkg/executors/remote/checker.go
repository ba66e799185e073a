package remote

import (
	"context"
	"errors"
	"net"
)

// Checker reports whether a remote host resolves and accepts SSH
// connections. It implements engine.ResourceChecker.
type Checker struct {
	dialer Dialer
}

// NewChecker creates a host checker.
func NewChecker(dialer Dialer) *Checker {
	return &Checker{dialer: dialer}
}

// Exists implements engine.ResourceChecker. An unresolvable host does not
// exist; any other connection failure is an error so the engine can retry.
func (c *Checker) Exists(ctx context.Context, resourceID string) (bool, error) {
	t, err := ParseTarget(resourceID)
	if err != nil {
		return false, err
	}
	client, err := c.dialer.Dial(ctx, t)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return false, nil
		}
		return false, classify(err, "exists", resourceID)
	}
	_ = client.Close()
	return true, nil
}

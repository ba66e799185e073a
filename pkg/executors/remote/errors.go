package remote

import (
	"context"
	"errors"
	"net"

	"github.com/stagehand/stagehand/pkg/engine"
)

// TransportError represents an error from the SSH transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "write")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool

	// ExitStatus is the remote exit code when a command ran and failed
	ExitStatus int
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// classify maps transport failures onto engine error classes. Auth failures
// and failed commands are permanent; connection problems are transient.
func classify(err error, op, resourceID string) error {
	if err == nil {
		return nil
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	var out *engine.EngineError
	var te *TransportError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		out = engine.NewPermanentError("host not found", err).WithCode(engine.ErrCodeNotFound)
	case errors.As(err, &te) && te.IsAuthError:
		out = engine.NewPermanentError("ssh authentication failed", err).WithCode(engine.ErrCodeConfiguration)
	case errors.As(err, &te) && te.ExitStatus != 0:
		out = engine.NewPermanentError("remote command failed", err).WithCode(engine.ErrCodeApplyFailed)
	case errors.Is(err, context.DeadlineExceeded):
		out = engine.NewTransientError("remote operation timed out", err).WithCode(engine.ErrCodeTimeout)
	case errors.As(err, &te) && !te.IsTemporary:
		out = engine.NewPermanentError("remote operation failed", err)
	default:
		out = engine.NewTransientError("remote operation failed", err)
	}
	return out.WithResource(resourceID).WithOperation(op)
}

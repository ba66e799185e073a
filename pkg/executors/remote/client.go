package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client runs commands and transfers files on one remote host.
type Client interface {
	// Run executes cmd and returns its trimmed output. A non-zero exit
	// status is a *TransportError with ExitStatus set.
	Run(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// ReadFile returns a file's content and mode. Missing files return an
	// error matching os.ErrNotExist.
	ReadFile(ctx context.Context, path string) ([]byte, os.FileMode, error)

	// WriteFile replaces a file, creating parent directories as needed.
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error

	// Remove deletes a file. Removing a missing file is not an error.
	Remove(ctx context.Context, path string) error

	// Close releases the connection.
	Close() error
}

// Dialer opens clients to remote hosts.
type Dialer interface {
	Dial(ctx context.Context, t Target) (Client, error)
}

// SSHDialer opens SSH connections with an SFTP channel for file transfer.
type SSHDialer struct {
	config *Config
	logger zerolog.Logger
}

// NewSSHDialer validates cfg and returns a dialer.
func NewSSHDialer(cfg *Config, logger zerolog.Logger) (*SSHDialer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHDialer{config: cfg, logger: logger}, nil
}

// Dial implements Dialer.
func (d *SSHDialer) Dial(ctx context.Context, t Target) (Client, error) {
	clientConfig, err := d.config.clientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := d.config.address(t)
	d.logger.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: d.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{
			Op:          "handshake",
			Err:         err,
			IsTemporary: !isAuthFailure(err),
			IsAuthError: isAuthFailure(err),
		}
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(ncc, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	d.logger.Debug().Str("address", address).Msg("SSH connection established")
	return &sshClient{
		client: client,
		sftp:   sftpClient,
		config: d.config,
		logger: d.logger.With().Str("host", t.Host).Logger(),
	}, nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "knownhosts:") ||
		strings.Contains(err.Error(), "host key")
}

// sshClient implements Client over one SSH connection.
type sshClient struct {
	client *ssh.Client
	sftp   *sftp.Client
	config *Config
	logger zerolog.Logger
}

func (c *sshClient) Run(ctx context.Context, cmd string) (string, string, error) {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	session, err := c.client.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "exec",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd := cmd
	if c.config.UseSudo {
		finalCmd = "sudo -n " + cmd
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			return stdout, stderr, &TransportError{
				Op:         "exec",
				Err:        fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
				ExitStatus: exitErr.ExitStatus(),
			}
		}
		return stdout, stderr, &TransportError{Op: "exec", Err: execErr, IsTemporary: true}
	}
	return stdout, stderr, nil
}

func (c *sshClient) ReadFile(ctx context.Context, name string) ([]byte, os.FileMode, error) {
	info, err := c.sftp.Stat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%s: %w", name, os.ErrNotExist)
		}
		return nil, 0, &TransportError{Op: "stat", Err: err, IsTemporary: true}
	}

	f, err := c.sftp.Open(name)
	if err != nil {
		return nil, 0, &TransportError{Op: "read", Err: fmt.Errorf("failed to open remote file: %w", err), IsTemporary: true}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, 0, &TransportError{Op: "read", Err: fmt.Errorf("failed to read remote file: %w", err), IsTemporary: true}
	}
	return buf.Bytes(), info.Mode().Perm(), nil
}

func (c *sshClient) WriteFile(ctx context.Context, name string, data []byte, mode os.FileMode) error {
	target := name
	if c.config.UseSudo {
		// Upload beside the user's home and move it into place as root.
		target = path.Join("/tmp", fmt.Sprintf(".stagehand-%d-%s", time.Now().UnixNano(), path.Base(name)))
	} else if err := c.sftp.MkdirAll(path.Dir(name)); err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	f, err := c.sftp.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	n, err := copyWithContext(ctx, f, bytes.NewReader(data))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to write remote file: %w", err), IsTemporary: true}
	}

	if c.config.UseSudo {
		cmd := fmt.Sprintf("install -D -m %04o %s %s && rm -f %s", mode.Perm(), shellQuote(target), shellQuote(name), shellQuote(target))
		if _, _, err := c.Run(ctx, cmd); err != nil {
			return err
		}
	} else if mode != 0 {
		if err := c.sftp.Chmod(name, mode.Perm()); err != nil {
			c.logger.Warn().Err(err).Str("path", name).Msg("failed to set file permissions")
		}
	}

	c.logger.Debug().Str("path", name).Int64("bytes", n).Msg("file written")
	return nil
}

func (c *sshClient) Remove(ctx context.Context, name string) error {
	if c.config.UseSudo {
		_, _, err := c.Run(ctx, "rm -f "+shellQuote(name))
		return err
	}
	if err := c.sftp.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &TransportError{Op: "remove", Err: err, IsTemporary: true}
	}
	return nil
}

func (c *sshClient) Close() error {
	serr := c.sftp.Close()
	if err := c.client.Close(); err != nil {
		return err
	}
	return serr
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

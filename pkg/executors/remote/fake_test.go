package remote

import (
	"context"
	"fmt"
	"os"
	"sync"
)

type fakeFile struct {
	data []byte
	mode os.FileMode
}

// fakeClient is an in-memory host.
type fakeClient struct {
	mu       sync.Mutex
	files    map[string]fakeFile
	commands []string
	failures map[string]int // command -> exit status
	writes   int
	closed   bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{files: map[string]fakeFile{}, failures: map[string]int{}}
}

func (c *fakeClient) Run(ctx context.Context, cmd string) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	if status, ok := c.failures[cmd]; ok {
		return "", "syntax error", &TransportError{Op: "exec", Err: fmt.Errorf("command exited with code %d", status), ExitStatus: status}
	}
	return "ok", "", nil
}

func (c *fakeClient) ReadFile(ctx context.Context, name string) ([]byte, os.FileMode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[name]
	if !ok {
		return nil, 0, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return append([]byte(nil), f.data...), f.mode, nil
}

func (c *fakeClient) WriteFile(ctx context.Context, name string, data []byte, mode os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	c.files[name] = fakeFile{data: append([]byte(nil), data...), mode: mode}
	return nil
}

func (c *fakeClient) Remove(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, name)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) content(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[name]
	return string(f.data), ok
}

// fakeDialer hands out one client per host.
type fakeDialer struct {
	hosts map[string]*fakeClient
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, t Target) (Client, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	c, ok := d.hosts[t.Host]
	if !ok {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("dial tcp %s: connection refused", t.Host), IsTemporary: true}
	}
	return c, nil
}

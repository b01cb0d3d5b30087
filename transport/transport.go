// Package transport owns the steering server's network endpoints: one
// listening socket and at most one accepted client connection. Only the
// coordinating process ever touches this package; workers see session state
// relayed through the synchronization layer.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Listener is the steering server's listening endpoint.
type Listener struct {
	ln *net.TCPListener

	closeOnce sync.Once
	closeErr  error
}

// Listen binds a listening socket on the given TCP port. Port 0 asks the OS
// for an ephemeral port; Port() reports the one actually bound. Bind or
// listen failures are setup-fatal and propagate to the caller.
func Listen(port int) (*Listener, error) {
	addr := &net.TCPAddr{Port: port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on port %d: %w", port, err)
	}
	return &Listener{ln: ln}, nil
}

// Port returns the bound port number.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// pollGrace is the minimum deadline for zero-timeout polls. A deadline
// already in the past short-circuits the operation before the poller looks
// at the socket, which would make a ready client invisible.
const pollGrace = time.Millisecond

// Accept waits up to timeout for an incoming connection and accepts it.
// A zero timeout polls. Returns (nil, nil) when no client arrived in time.
func (l *Listener) Accept(timeout time.Duration) (*Conn, error) {
	if timeout < pollGrace {
		timeout = pollGrace
	}
	if err := l.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	c, err := l.ln.AcceptTCP()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return newConn(c), nil
}

// Close shuts the listening socket down. Idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.ln.Close() })
	return l.closeErr
}

// Conn is an accepted client connection. Reads go through a buffered reader
// so HasInput can peek without consuming.
type Conn struct {
	c net.Conn
	r *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

func newConn(c net.Conn) *Conn {
	return &Conn{c: c, r: bufio.NewReader(c)}
}

// HasInput reports whether at least one byte is ready to be read within
// timeout. A zero timeout is a non-blocking poll. Connection errors other
// than an expired deadline are returned to the caller.
func (c *Conn) HasInput(timeout time.Duration) (bool, error) {
	if c.r.Buffered() > 0 {
		return true, nil
	}
	if timeout < pollGrace {
		timeout = pollGrace
	}
	if err := c.c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, err
	}
	_, err := c.r.Peek(1)
	// Restore blocking reads for the message body.
	_ = c.c.SetReadDeadline(time.Time{})
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Read implements io.Reader over the buffered connection.
func (c *Conn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Write implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) { return c.c.Write(p) }

// RemoteAddr returns the client's address for diagnostics.
func (c *Conn) RemoteAddr() string { return c.c.RemoteAddr().String() }

// Close shuts the connection down. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.c.Close() })
	return c.closeErr
}

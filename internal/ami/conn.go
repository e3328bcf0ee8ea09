package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned when writing to a connection that has been closed.
var ErrClosed = errors.New("ami: connection closed")

// Conn is a manager-interface session. One goroutine drives Next; any
// goroutine may Send actions and Await their responses.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	parser *Parser

	wmu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan Event
	closed  bool
}

// Dial connects to the AMI TCP endpoint.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial AMI: %w", err)
	}
	return NewConn(nc), nil
}

// NewConn wraps an established stream.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	r := bufio.NewReader(rwc)
	return &Conn{
		rwc:     rwc,
		reader:  r,
		parser:  NewParser(r),
		waiters: make(map[string]chan Event),
	}
}

// ReadBanner consumes the greeting line sent on connect.
func (c *Conn) ReadBanner() (string, error) {
	banner, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading AMI banner: %w", err)
	}
	return strings.TrimSpace(banner), nil
}

// Login authenticates and waits for the server's verdict.
func (c *Conn) Login(username, secret string) error {
	if err := c.Send(Login(username, secret)); err != nil {
		return fmt.Errorf("sending login: %w", err)
	}
	for {
		evt, ok := c.parser.Next()
		if !ok {
			return fmt.Errorf("waiting for login response: %w", io.ErrUnexpectedEOF)
		}
		if !evt.IsResponse() {
			continue
		}
		if evt.IsError() {
			return fmt.Errorf("login rejected: %s", evt.Get("Message"))
		}
		return nil
	}
}

// Send writes an action. Writes are serialised.
func (c *Conn) Send(a Action) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(a.Bytes()); err != nil {
		return fmt.Errorf("writing %s action: %w", a.Name(), err)
	}
	return nil
}

// Await registers interest in the response tagged actionID. The returned
// cancel func must be called on every exit path; it is idempotent.
func (c *Conn) Await(actionID string) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	c.mu.Lock()
	c.waiters[actionID] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if cur, ok := c.waiters[actionID]; ok && cur == ch {
			delete(c.waiters, actionID)
		}
		c.mu.Unlock()
	}
}

// Pending returns the number of registered response waiters.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Next returns the next block that nobody is awaiting. Responses matching a
// registered ActionID are handed to their waiter instead.
func (c *Conn) Next() (Event, bool) {
	for {
		evt, ok := c.parser.Next()
		if !ok {
			return Event{}, false
		}
		if evt.IsResponse() && c.deliver(evt) {
			continue
		}
		return evt, true
	}
}

// Err reports why Next stopped, nil on clean EOF.
func (c *Conn) Err() error {
	return c.parser.Err()
}

func (c *Conn) deliver(evt Event) bool {
	id := evt.ActionID()
	if id == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- evt
	return true
}

// Close shuts the underlying stream. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.rwc.Close()
}

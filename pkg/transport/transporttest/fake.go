// Package transporttest provides an in-memory transport.Dialer/Conn pair
// for exercising pkg/engine and pkg/pubsub without a real socket, the way
// net/http/httptest stands in for a real listener. Tests drive the fake
// connection's events directly (PushOpen, PushRead, PushPeerClose,
// PushError) and inspect what the engine wrote via Written.
package transporttest

import (
	"bytes"
	"context"
	"sync"

	"github.com/jhofstee/siwi2way/pkg/transport"
)

// Dialer hands out Conns and records every dial so a test can inspect
// connection attempts (e.g. to assert a retry actually opened a second
// socket).
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	// OnDial, if set, is called synchronously from Dial before the Conn
	// is returned — tests use it to fail a specific dial attempt.
	OnDial func(host string, port int, c *Conn)
}

// NewDialer returns an empty Dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(_ context.Context, host string, port int) transport.Conn {
	c := newConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	if d.OnDial != nil {
		d.OnDial(host, port, c)
	}
	return c
}

// Conns returns every Conn handed out so far, in dial order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Last returns the most recently dialed Conn, or nil if none yet.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conn is a fake transport.Conn: writes are captured in-memory and events
// are pushed explicitly by the test rather than produced by real I/O.
type Conn struct {
	mu      sync.Mutex
	written bytes.Buffer
	events  chan transport.Event
	closed  bool

	// WriteErr, if non-nil, is returned by the next Write call instead of
	// accepting bytes.
	WriteErr error
}

func newConn() *Conn {
	return &Conn{events: make(chan transport.Event, 64)}
}

// Write implements transport.Conn.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		err := c.WriteErr
		c.WriteErr = nil
		return 0, err
	}
	c.written.Write(p)
	return len(p), nil
}

// Written returns every byte accepted by Write so far.
func (c *Conn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.written.Len())
	copy(out, c.written.Bytes())
	return out
}

// Events implements transport.Conn.
func (c *Conn) Events() <-chan transport.Event { return c.events }

// Shutdown implements transport.Conn; it is a no-op on the fake.
func (c *Conn) Shutdown() {}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string { return "fake" }

// PushOpen delivers an EventOpen.
func (c *Conn) PushOpen() { c.push(transport.Event{Kind: transport.EventOpen}) }

// PushRead delivers an EventRead carrying data.
func (c *Conn) PushRead(data []byte) {
	c.push(transport.Event{Kind: transport.EventRead, Data: data})
}

// PushPeerClose delivers an EventPeerClose.
func (c *Conn) PushPeerClose() { c.push(transport.Event{Kind: transport.EventPeerClose}) }

// PushError delivers an EventError carrying err.
func (c *Conn) PushError(err error) {
	c.push(transport.Event{Kind: transport.EventError, Err: err})
}

func (c *Conn) push(ev transport.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.events <- ev
}

// Package engine implements the HTTP client engine: one socket to one
// host, a FIFO of pending requests, the incremental response parser,
// and the connect/retry/send/receive state machine that ties them
// together.
//
// All state lives behind a single dispatch goroutine per Client that
// reads from a channel of {enqueue, transport event, timer fire,
// close} actions, so no locking is needed inside the state machine
// itself; reentrancy from callbacks is the only hazard, and the
// completion path is ordered so that reentrant enqueues are safe.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jhofstee/siwi2way/pkg/httpcode"
	"github.com/jhofstee/siwi2way/pkg/httpparse"
	"github.com/jhofstee/siwi2way/pkg/timer"
	"github.com/jhofstee/siwi2way/pkg/transport"
	"github.com/jhofstee/siwi2way/pkg/wire"
)

// State names one node of the connection state machine.
type State int

const (
	Idle State = iota
	RetrySocketOpen
	SocketOpening
	SendingRequest
	ParsingReply
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RetrySocketOpen:
		return "retry_socket_open"
	case SocketOpening:
		return "socket_opening"
	case SendingRequest:
		return "sending_request"
	case ParsingReply:
		return "parsing_reply"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event names one callback invocation kind.
type Event int

const (
	ReqBeingSend Event = iota
	ReqBeingSendAgain
	ReqData
	ReqDone
	ReqTCPError
	ReqTCPPeerClose
	ReqParseError
)

// RetryFunc is handed to the callback on ReqTCPError, ReqTCPPeerClose
// and ReqParseError; calling it transitions the Client from Error back
// to RetrySocketOpen after the given backoff. A negative value selects
// the default backoff. Calling it at any other time, or more than once
// per Error episode, is a no-op.
type RetryFunc func(seconds int)

// Callback is invoked for every lifecycle event of a Request. A
// non-nil error returned from a ReqData callback aborts the response.
type Callback func(r *Request, ev Event, data []byte, retry RetryFunc) error

const (
	// shouldNotOccurGuard is the extremely long guard timer armed
	// during SocketOpening, never expected to fire in normal operation.
	shouldNotOccurGuard = 10 * time.Minute
	// defaultRetryBackoff applies when a retry is requested without an
	// explicit delay.
	defaultRetryBackoff = 30 * time.Second
	// defaultReadTimeout guards ParsingReply when a Request never
	// called Keepalive to set its own read_timeout.
	defaultReadTimeout = shouldNotOccurGuard
)

// ErrAlreadyQueued is returned by Enqueue when the Request is still
// linked into a Client's FIFO. A Request becomes enqueueable again the
// moment its ReqDone callback starts (it is unlinked first), which is
// what lets the subscribe loop reuse one Request object indefinitely.
var ErrAlreadyQueued = errors.New("engine: request is already queued")

// Request is one queued HTTP/1.1 request, owned by exactly one Client
// and linked into its intrusive FIFO via next.
type Request struct {
	client      *Client
	buf         *wire.Builder
	cb          Callback
	readTimeout time.Duration
	txPos       int
	next        *Request
	queued      atomic.Bool
}

// NewRequest returns an empty Request bound to c, ready for Set/Add.
func (c *Client) NewRequest(cb Callback) *Request {
	return &Request{client: c, buf: wire.New(256), cb: cb, readTimeout: defaultReadTimeout}
}

// Set initializes the buffer with line + CRLF and the Host header.
func (r *Request) Set(line string) *Request {
	r.buf.Reset()
	r.buf.Add(line).AddCRLF()
	r.buf.Add("Host: ").Add(r.client.host).AddCRLF()
	return r
}

// Add appends header + CRLF. An empty header closes the header block.
func (r *Request) Add(header string) *Request {
	r.buf.Add(header).AddCRLF()
	return r
}

// Host explicitly appends a Host header. Set already adds one; Host is
// for builders that start from a bare request line some other way.
func (r *Request) Host() *Request {
	r.buf.Add("Host: ").Add(r.client.host).AddCRLF()
	return r
}

// Keepalive appends a Keep-Alive header and sets the read timeout to
// seconds+margin, so the server's keep-alive window always elapses
// before the local guard does.
func (r *Request) Keepalive(seconds, margin int) *Request {
	r.buf.Addf("Keep-Alive: timeout=%d", seconds).AddCRLF()
	r.readTimeout = time.Duration(seconds+margin) * time.Second
	return r
}

// SetReadTimeout overrides the read timeout guarding ParsingReply for
// this request, without emitting a Keep-Alive header the way Keepalive
// does.
func (r *Request) SetReadTimeout(d time.Duration) *Request {
	r.readTimeout = d
	return r
}

// Err reports a sticky build error latched by the underlying Builder.
func (r *Request) Err() error { return r.buf.Err() }

// Client owns one socket to one (host, port), a FIFO of Requests, the
// response Parser, and the connection state machine.
type Client struct {
	host   string
	port   int
	dialer transport.Dialer
	sched  *timer.Scheduler
	tmr    *timer.Handle

	conn   transport.Conn
	parser *httpparse.Parser

	head, tail *Request

	state        State
	err          error
	pendingRetry bool

	stats Stats

	enqueueCh chan *Request
	timerCh   chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Stats are simple running counters surfaced to the embedding
// application for diagnostics.
type Stats struct {
	Connects     uint64
	Retries      uint64
	BytesRead    uint64
	RequestsSent uint64
}

// New returns a Client bound to host:port, idle until the first
// Enqueue. dialer and sched are injected collaborators rather than
// package globals, so tests can substitute in-memory doubles.
func New(host string, port int, dialer transport.Dialer, sched *timer.Scheduler) *Client {
	c := &Client{
		host:      host,
		port:      port,
		dialer:    dialer,
		sched:     sched,
		parser:    httpparse.New(),
		// Buffered so a ReqDone callback running on the dispatch
		// goroutine itself can re-enqueue without deadlocking — the
		// subscribe loop relies on exactly that.
		enqueueCh: make(chan *Request, 64),
		timerCh:   make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
	c.tmr = sched.NewHandle()
	c.wg.Add(1)
	go c.run()
	return c
}

// Enqueue appends r to the FIFO, kicking off a connect/send if the
// Client was Idle. It hands r to the Client's run loop over a buffered
// channel and returns as soon as r is in that buffer; it blocks only
// while the buffer is full, and fails if the Client is closed.
func (c *Client) Enqueue(r *Request) error {
	if err := r.Err(); err != nil {
		return err
	}
	if !r.queued.CompareAndSwap(false, true) {
		return ErrAlreadyQueued
	}
	select {
	case c.enqueueCh <- r:
		return nil
	case <-c.closeCh:
		r.queued.Store(false)
		return httpcode.New(httpcode.ClientClosed, "enqueue", "client is closed", nil)
	}
}

// State returns the Client's current connection state.
func (c *Client) State() State { return c.state }

// LastError returns the error that drove the most recent transition
// into Error, or nil.
func (c *Client) LastError() error { return c.err }

// Stats returns a snapshot of the Client's running counters.
func (c *Client) Stats() Stats { return c.stats }

// Close tears the socket down (if any), cancels the timer, and stops
// the run loop. Queued Requests never receive a terminal callback;
// the caller is responsible for having disposed of them beforehand if
// that matters.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
	c.wg.Wait()
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		var events <-chan transport.Event
		if c.conn != nil {
			events = c.conn.Events()
		}
		select {
		case r := <-c.enqueueCh:
			c.onEnqueue(r)
		case ev, ok := <-events:
			if !ok {
				// The event stream ended without a terminal event; the
				// conn is dead either way.
				c.conn = nil
				continue
			}
			c.onTransportEvent(ev)
		case <-c.timerCh:
			c.onTimerFire()
		case <-c.closeCh:
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
			c.tmr.Cancel()
			return
		}
	}
}

func (c *Client) fireTimer() {
	select {
	case c.timerCh <- struct{}{}:
	default:
	}
}

func (c *Client) invoke(r *Request, ev Event, data []byte) error {
	return r.cb(r, ev, data, c.retry)
}

// retry is handed to Request callbacks as the RetryFunc. It only has
// effect while the Client is in Error, and is the only way out of it.
func (c *Client) retry(seconds int) {
	if c.state != Error {
		return
	}
	c.stats.Retries++
	c.pendingRetry = true
	c.state = RetrySocketOpen
	d := time.Duration(seconds) * time.Second
	if seconds < 0 {
		d = defaultRetryBackoff
	}
	c.tmr.Arm(d, c.fireTimer)
}

func (c *Client) onEnqueue(r *Request) {
	r.next = nil
	if c.head == nil {
		c.head = r
		c.tail = r
	} else {
		c.tail.next = r
		c.tail = r
	}
	if c.state != Idle {
		return
	}
	if c.conn == nil {
		c.openSocket()
	} else {
		c.startSend(false)
	}
}

func (c *Client) openSocket() {
	c.state = SocketOpening
	c.conn = c.dialer.Dial(context.Background(), c.host, c.port)
	c.stats.Connects++
	c.tmr.Arm(shouldNotOccurGuard, c.fireTimer)
}

func (c *Client) startSend(isRetry bool) {
	c.state = SendingRequest
	r := c.head
	r.txPos = 0
	ev := ReqBeingSend
	if isRetry {
		ev = ReqBeingSendAgain
	}
	if err := c.invoke(r, ev, nil); err != nil {
		c.failParse(err)
		return
	}
	c.stats.RequestsSent++
	c.pumpWrite()
}

func (c *Client) pumpWrite() {
	r := c.head
	buf := r.buf.Bytes()
	for r.txPos < len(buf) {
		n, err := c.conn.Write(buf[r.txPos:])
		if err != nil {
			c.failTransport(httpcode.New(httpcode.WriteError, "write", "transport write failed", err))
			return
		}
		if n <= 0 {
			// Our transport.Conn always returns a full write or an
			// error; a zero-progress write with no error would mean
			// waiting for a future write-ready event, which this
			// transport never emits.
			return
		}
		r.txPos += n
	}
	c.state = ParsingReply
	c.parser.Reset()
	c.armReadTimeout(r)
}

func (c *Client) armReadTimeout(r *Request) {
	d := r.readTimeout
	if d <= 0 {
		d = defaultReadTimeout
	}
	c.tmr.Arm(d, c.fireTimer)
}

func (c *Client) onTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventOpen:
		if c.state != SocketOpening {
			return
		}
		isRetry := c.pendingRetry
		c.pendingRetry = false
		c.startSend(isRetry)
	case transport.EventWrite:
		if c.state == SendingRequest {
			c.pumpWrite()
		}
	case transport.EventRead:
		c.onRead(ev.Data)
	case transport.EventPeerClose:
		c.onPeerClose()
	case transport.EventError:
		c.failTransport(httpcode.New(httpcode.WriteError, "transport", "transport reported an error", ev.Err))
	}
}

func (c *Client) onRead(data []byte) {
	if c.state != ParsingReply {
		return
	}
	r := c.head
	if r == nil {
		c.state = Error
		c.err = httpcode.New(httpcode.ResponseTooLong, "read", "parser invoked with an empty request queue", nil)
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.tmr.Cancel()
		return
	}
	c.stats.BytesRead += uint64(len(data))
	_, err := c.parser.Parse(data, func(b []byte) error {
		return c.invoke(r, ReqData, b)
	})
	if err != nil {
		c.failParse(err)
		return
	}
	if c.parser.Done() {
		c.completeHead()
	}
}

func (c *Client) onPeerClose() {
	// A close-delimited body (no Content-Length, not chunked) treats
	// peer close as successful completion, not an error.
	if c.state == ParsingReply && c.parser.CloseNotify() {
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.completeHead()
		return
	}
	// A keep-alive server dropping a quiet connection is routine, not
	// an error: drop the socket and stay Idle so the next enqueue
	// opens a fresh one.
	if c.state == Idle {
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		return
	}
	c.err = httpcode.New(httpcode.WriteError, "peer-close", "peer closed the connection mid-response", nil)
	c.state = Error
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.tmr.Cancel()
	if c.head != nil {
		c.invoke(c.head, ReqTCPPeerClose, nil)
	}
}

// completeHead unlinks the head Request before invoking its ReqDone
// callback, so the callback may enqueue another request — or the same
// one — without corrupting the queue.
func (c *Client) completeHead() {
	r := c.head
	c.head = r.next
	if c.head == nil {
		c.tail = nil
	}
	r.next = nil
	r.queued.Store(false)
	c.invoke(r, ReqDone, nil)
	if c.head == nil {
		c.state = Idle
		c.tmr.Cancel()
		return
	}
	if c.conn != nil {
		c.startSend(false)
	} else {
		c.openSocket()
	}
}

// failTransport transitions to Error on a transport-layer fault and
// delivers REQ_TCP_ERROR to the head request, if any.
func (c *Client) failTransport(err error) {
	c.fail(ReqTCPError, err)
}

// failParse transitions to Error on a parser- or body-level fault and
// delivers REQ_PARSE_ERROR to the head request, if any.
func (c *Client) failParse(err error) {
	c.fail(ReqParseError, err)
}

func (c *Client) fail(ev Event, err error) {
	c.err = err
	c.state = Error
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.tmr.Cancel()
	if c.head != nil {
		c.invoke(c.head, ev, nil)
	}
}

func (c *Client) onTimerFire() {
	switch c.state {
	case RetrySocketOpen:
		c.openSocket()
	case SocketOpening:
		c.failTransport(httpcode.New(httpcode.Timeout, "socket-opening", "should-not-occur guard fired", nil))
	case ParsingReply:
		// A read timeout is reported through the error-class
		// ReqTCPError event, not a distinct one.
		c.failTransport(httpcode.New(httpcode.Timeout, "read-timeout", "response read timed out", nil))
	default:
		// Idle / SendingRequest / Error: no timer should be armed;
		// ignore a spurious fire.
	}
}

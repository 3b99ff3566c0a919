package engine

import (
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jhofstee/siwi2way/pkg/httpcode"
	"github.com/jhofstee/siwi2way/pkg/timer"
	"github.com/jhofstee/siwi2way/pkg/transport/transporttest"
)

// recorder collects every callback invocation in order, synchronizing the
// test goroutine with the Client's single dispatch goroutine the same way
// a REQ_DATA-consuming application would.
type recorder struct {
	mu    sync.Mutex
	items []recorded
	ch    chan struct{}
}

type recorded struct {
	ev   Event
	data string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 256)}
}

func (r *recorder) cb(_ *Request, ev Event, data []byte, _ RetryFunc) error {
	r.mu.Lock()
	r.items = append(r.items, recorded{ev: ev, data: string(data)})
	r.mu.Unlock()
	r.ch <- struct{}{}
	return nil
}

// next blocks until the (n+1)th event has been recorded, or fails the test
// after timeout.
func (r *recorder) next(t *testing.T, n int) recorded {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		have := len(r.items)
		r.mu.Unlock()
		if have > n {
			r.mu.Lock()
			item := r.items[n]
			r.mu.Unlock()
			return item
		}
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for event %d", n)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestClient(t *testing.T) (*Client, *transporttest.Dialer, *timer.Scheduler) {
	t.Helper()
	dialer := transporttest.NewDialer()
	sched := timer.NewScheduler()
	c := New("example.com", 80, dialer, sched)
	t.Cleanup(func() {
		c.Close()
		sched.Close()
	})
	return c, dialer, sched
}

func TestSimpleContentLengthRoundTrip(t *testing.T) {
	c, dialer, _ := newTestClient(t)
	rec := newRecorder()

	req := c.NewRequest(rec.cb)
	req.Set("GET /publish/demo/demo/0/chat/0/%22Hello%22 HTTP/1.1").Add("")
	if err := c.Enqueue(req); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, "a dial", func() bool { return dialer.Last() != nil })
	conn := dialer.Last()
	conn.PushOpen()

	if got := rec.next(t, 0); got.ev != ReqBeingSend {
		t.Fatalf("event 0 = %v, want ReqBeingSend", got.ev)
	}

	wantReq := "GET /publish/demo/demo/0/chat/0/%22Hello%22 HTTP/1.1\r\nHost: example.com\r\n\r\n"
	waitFor(t, "request bytes written", func() bool { return string(conn.Written()) == wantReq })

	body := `[1,"Sent","13900000000000000"]`
	resp := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	conn.PushRead([]byte(resp))

	data := rec.next(t, 1)
	if data.ev != ReqData || data.data != body {
		t.Fatalf("event 1 = %+v, want ReqData(%q)", data, body)
	}
	done := rec.next(t, 2)
	if done.ev != ReqDone {
		t.Fatalf("event 2 = %+v, want ReqDone", done)
	}

	waitFor(t, "idle", func() bool { return c.State() == Idle })
}

func TestZeroContentLengthYieldsNoDataCallback(t *testing.T) {
	c, dialer, _ := newTestClient(t)
	rec := newRecorder()

	req := c.NewRequest(rec.cb)
	req.Set("GET / HTTP/1.1").Add("")
	if err := c.Enqueue(req); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, "a dial", func() bool { return dialer.Last() != nil })
	conn := dialer.Last()
	conn.PushOpen()
	rec.next(t, 0) // ReqBeingSend

	conn.PushRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))

	done := rec.next(t, 1)
	if done.ev != ReqDone {
		t.Fatalf("event 1 = %+v, want ReqDone directly (no ReqData)", done)
	}
}

func TestChunkedResponseAcrossEngine(t *testing.T) {
	c, dialer, _ := newTestClient(t)
	rec := newRecorder()

	req := c.NewRequest(rec.cb)
	req.Set("GET /subscribe/demo/chat/0/0 HTTP/1.1").Add("")
	if err := c.Enqueue(req); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, "a dial", func() bool { return dialer.Last() != nil })
	conn := dialer.Last()
	conn.PushOpen()
	rec.next(t, 0)

	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nfoo\r\n3\r\nbar\r\n0\r\n\r\n"
	// Deliver in two separate reads to exercise resumability across
	// engine Read events, not just within one Parse call.
	conn.PushRead([]byte(raw[:30]))
	conn.PushRead([]byte(raw[30:]))

	var gotBody string
	for i := 1; ; i++ {
		item := rec.next(t, i)
		if item.ev == ReqDone {
			break
		}
		if item.ev != ReqData {
			t.Fatalf("event %d = %+v, want ReqData or ReqDone", i, item)
		}
		gotBody += item.data
	}
	if gotBody != "foobar" {
		t.Fatalf("assembled body = %q, want %q", gotBody, "foobar")
	}
}

func TestPeerCloseTriggersRetryAndResend(t *testing.T) {
	c, dialer, _ := newTestClient(t)

	var events []Event
	var mu sync.Mutex
	ch := make(chan struct{}, 64)
	cb := func(_ *Request, ev Event, _ []byte, retry RetryFunc) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev == ReqTCPPeerClose {
			retry(0) // instant resend for test speed; real pubsub uses retry(1)
		}
		ch <- struct{}{}
		return nil
	}

	req := c.NewRequest(cb)
	req.Set("GET / HTTP/1.1").Add("")
	if err := c.Enqueue(req); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, "first dial", func() bool { return len(dialer.Conns()) == 1 })
	conn1 := dialer.Conns()[0]
	conn1.PushOpen()
	<-ch // ReqBeingSend

	waitFor(t, "request bytes on first conn", func() bool { return len(conn1.Written()) > 0 })
	conn1.PushPeerClose()
	<-ch // ReqTCPPeerClose

	waitFor(t, "a second dial after retry", func() bool { return len(dialer.Conns()) == 2 })
	conn2 := dialer.Conns()[1]
	conn2.PushOpen()
	<-ch // ReqBeingSendAgain

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 3 || events[2] != ReqBeingSendAgain {
		t.Fatalf("events = %v, want [..., ReqTCPPeerClose, ReqBeingSendAgain]", events)
	}
}

func TestMalformedStatusLineYieldsParseError(t *testing.T) {
	c, dialer, _ := newTestClient(t)
	rec := newRecorder()

	req := c.NewRequest(rec.cb)
	req.Set("GET / HTTP/1.1").Add("")
	if err := c.Enqueue(req); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, "a dial", func() bool { return dialer.Last() != nil })
	conn := dialer.Last()
	conn.PushOpen()
	rec.next(t, 0)

	conn.PushRead([]byte("HXTP/1.1 200 OK\r\n\r\n"))

	errEv := rec.next(t, 1)
	if errEv.ev != ReqParseError {
		t.Fatalf("event 1 = %+v, want ReqParseError", errEv)
	}
	waitFor(t, "client in Error state", func() bool { return c.State() == Error })
	if httpcode.CodeOf(c.LastError()) != httpcode.Malformed {
		t.Fatalf("LastError() code = %v, want Malformed", httpcode.CodeOf(c.LastError()))
	}
}

func TestFIFOQueueingMultipleRequests(t *testing.T) {
	c, dialer, _ := newTestClient(t)

	var mu sync.Mutex
	var order []string
	ch := make(chan struct{}, 64)
	makeCb := func(name string) Callback {
		return func(_ *Request, ev Event, _ []byte, _ RetryFunc) error {
			if ev == ReqDone {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}
			ch <- struct{}{}
			return nil
		}
	}

	req1 := c.NewRequest(makeCb("first"))
	req1.Set("GET /one HTTP/1.1").Add("")
	req2 := c.NewRequest(makeCb("second"))
	req2.Set("GET /two HTTP/1.1").Add("")

	if err := c.Enqueue(req1); err != nil {
		t.Fatal(err)
	}
	if err := c.Enqueue(req2); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "a dial", func() bool { return dialer.Last() != nil })
	conn := dialer.Last()
	conn.PushOpen()
	<-ch // req1 ReqBeingSend

	conn.PushRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	<-ch // req1 ReqDone
	<-ch // req2 ReqBeingSend (same connection, reused)

	conn.PushRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	<-ch // req2 ReqDone

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[first second]" {
		t.Fatalf("completion order = %v, want [first second]", order)
	}
}

// TestReadTimeoutReportsTCPError covers the read-timeout path: the
// server goes silent after its headers, the per-request timer fires,
// and the callback sees the error-class ReqTCPError from which retry
// transitions the Client to RetrySocketOpen.
func TestReadTimeoutReportsTCPError(t *testing.T) {
	c, dialer, _ := newTestClient(t)

	var mu sync.Mutex
	var events []Event
	ch := make(chan struct{}, 16)
	cb := func(_ *Request, ev Event, _ []byte, retry RetryFunc) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		if ev == ReqTCPError {
			retry(15)
		}
		ch <- struct{}{}
		return nil
	}

	req := c.NewRequest(cb)
	req.Set("GET / HTTP/1.1").Add("").SetReadTimeout(30 * time.Millisecond)
	if err := c.Enqueue(req); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "a dial", func() bool { return dialer.Last() != nil })
	dialer.Last().PushOpen()
	<-ch // ReqBeingSend

	// Headers only; the body never arrives.
	dialer.Last().PushRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"))

	<-ch // ReqTCPError once the read timeout fires
	mu.Lock()
	got := append([]Event(nil), events...)
	mu.Unlock()
	if len(got) != 2 || got[1] != ReqTCPError {
		t.Fatalf("events = %v, want [ReqBeingSend ReqTCPError]", got)
	}
	waitFor(t, "retry scheduled", func() bool { return c.State() == RetrySocketOpen })
	if httpcode.CodeOf(c.LastError()) != httpcode.Timeout {
		t.Fatalf("LastError() code = %v, want Timeout", httpcode.CodeOf(c.LastError()))
	}
}

func TestEnqueueSameRequestTwiceIsRejected(t *testing.T) {
	c, _, _ := newTestClient(t)

	req := c.NewRequest(func(_ *Request, _ Event, _ []byte, _ RetryFunc) error { return nil })
	req.Set("GET / HTTP/1.1").Add("")
	if err := c.Enqueue(req); err != nil {
		t.Fatal(err)
	}
	if err := c.Enqueue(req); err != ErrAlreadyQueued {
		t.Fatalf("second Enqueue() error = %v, want ErrAlreadyQueued", err)
	}
}

// A server dropping a kept-alive connection while the Client sits idle
// between requests is routine: the Client must stay Idle, and the next
// enqueue must open a fresh socket and complete normally.
func TestPeerCloseWhileIdleStaysIdleAndReconnects(t *testing.T) {
	c, dialer, _ := newTestClient(t)
	rec := newRecorder()

	req := c.NewRequest(rec.cb)
	req.Set("GET / HTTP/1.1").Add("")
	if err := c.Enqueue(req); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, "first dial", func() bool { return len(dialer.Conns()) == 1 })
	conn1 := dialer.Conns()[0]
	conn1.PushOpen()
	rec.next(t, 0) // ReqBeingSend

	conn1.PushRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	if done := rec.next(t, 1); done.ev != ReqDone {
		t.Fatalf("event 1 = %+v, want ReqDone", done)
	}
	waitFor(t, "idle with the connection kept alive", func() bool { return c.State() == Idle })

	// The server times out the quiet keep-alive connection.
	conn1.PushPeerClose()
	waitFor(t, "idle conn dropped", func() bool { return conn1.Closed() })
	if c.State() != Idle {
		t.Fatalf("State() after idle peer close = %v, want Idle", c.State())
	}

	// The same Request object goes around again on a fresh socket.
	if err := c.Enqueue(req); err != nil {
		t.Fatalf("Enqueue() after idle peer close error = %v", err)
	}
	waitFor(t, "second dial", func() bool { return len(dialer.Conns()) == 2 })
	conn2 := dialer.Conns()[1]
	conn2.PushOpen()
	if ev := rec.next(t, 2); ev.ev != ReqBeingSend {
		t.Fatalf("event 2 = %+v, want ReqBeingSend", ev)
	}
	conn2.PushRead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	if done := rec.next(t, 3); done.ev != ReqDone {
		t.Fatalf("event 3 = %+v, want ReqDone", done)
	}
}

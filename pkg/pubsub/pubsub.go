// Package pubsub implements a PubNub-style publish/subscribe layer on
// top of pkg/engine: it builds the publish and long-poll subscribe
// requests, streams each response body through an event-based JSON
// parser to pick out message payloads and the rolling time token, and
// keeps the subscribe loop alive by re-issuing the long-poll whenever
// the previous one completes.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jhofstee/siwi2way/pkg/engine"
	"github.com/jhofstee/siwi2way/pkg/httpcode"
	"github.com/jhofstee/siwi2way/pkg/jsonstream"
	"github.com/jhofstee/siwi2way/pkg/timer"
	"github.com/jhofstee/siwi2way/pkg/transport"
	"github.com/jhofstee/siwi2way/pkg/wire"
)

// maxTimeToken caps the rolling time token. PubNub tokens are
// 17-digit timestamps; anything longer is rejected as corrupt.
const maxTimeToken = 19

// A subscribe long-poll asks the server to hold the connection for
// three minutes; the read timeout gets an extra margin on top so the
// server always wins the race to close a quiet poll.
const (
	subscribeKeepaliveSeconds = 180
	subscribeMargin           = 30
)

// Event names one outbound callback kind.
type Event int

const (
	NubData Event = iota
	NubError
	NubDone
)

// Callback receives pub/sub-level events for one Request. Unlike
// engine.Callback there is no retry parameter: this layer retries
// transport and parse faults itself, and a NubError delivered while
// Request.Retrying reports true is informational. A NubError for a
// body that arrived whole but failed to parse is final: no retry
// follows it.
type Callback func(r *Request, ev Event, data []byte)

// Request wraps one engine.Request together with the streaming JSON
// parser and array-depth counter that interpret its body.
type Request struct {
	client   *Client
	cb       Callback
	engReq   *engine.Request
	parser   *jsonstream.Parser
	depth    int
	tokenErr error
	retrying bool
}

// Retrying reports whether the layer has scheduled an engine-level
// retry for this request — i.e. a NubError delivered to the callback is
// informational and the same request will be retransmitted, so the
// caller must not issue a replacement. Cleared once the retransmission
// actually begins.
func (pr *Request) Retrying() bool { return pr.retrying }

// Client owns one engine.Client plus the long-lived pub/sub
// credentials and the rolling time token.
type Client struct {
	http *engine.Client

	channel   string
	pubKey    string
	subKey    string
	secretKey string // accepted and stored; publishes are sent unsigned

	mu        sync.Mutex
	timeToken string
}

// New returns a Client bound to one (host, port) PubNub-style origin.
// dialer and sched are injected collaborators, not package globals.
func New(host string, port int, channel, pubKey, subKey, secretKey string, dialer transport.Dialer, sched *timer.Scheduler) *Client {
	return &Client{
		http:      engine.New(host, port, dialer, sched),
		channel:   channel,
		pubKey:    pubKey,
		subKey:    subKey,
		secretKey: secretKey,
		timeToken: "0",
	}
}

// TimeToken returns the current rolling time token.
func (c *Client) TimeToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeToken
}

// Close tears down the underlying engine.Client.
func (c *Client) Close() { c.http.Close() }

func (c *Client) setTimeToken(s string) {
	c.mu.Lock()
	c.timeToken = s
	c.mu.Unlock()
}

// buildPublishLine and buildSubscribeLine URL-encode each dynamic path
// segment independently while leaving the structural slashes and "0"
// placeholders literal. The encoder's whitelist passes '#' and '/'
// through, which is only safe for path segments — these URLs carry no
// query strings.
func buildPublishLine(pubKey, subKey, channel, jsonMsg string) (string, error) {
	b := wire.New(160)
	b.Add("GET /publish/")
	b.AddURLEncoded(pubKey)
	b.Add("/")
	b.AddURLEncoded(subKey)
	b.Add("/0/")
	b.AddURLEncoded(channel)
	b.Add("/0/")
	b.AddURLEncoded(jsonMsg)
	b.Add(" HTTP/1.1")
	if err := b.Err(); err != nil {
		return "", err
	}
	return string(b.Bytes()), nil
}

func buildSubscribeLine(subKey, channel, token string) (string, error) {
	b := wire.New(160)
	b.Add("GET /subscribe/")
	b.AddURLEncoded(subKey)
	b.Add("/")
	b.AddURLEncoded(channel)
	b.Add("/0/")
	b.AddURLEncoded(token)
	b.Add(" HTTP/1.1")
	if err := b.Err(); err != nil {
		return "", err
	}
	return string(b.Bytes()), nil
}

// newRequest allocates a Request and its engine.Request, wiring the
// streaming JSON parser's callbacks to the array-depth dispatch rule.
func (c *Client) newRequest(cb Callback) *Request {
	pr := &Request{client: c, cb: cb}
	pr.engReq = c.http.NewRequest(pr.onEngineEvent)
	pr.attachParser()
	return pr
}

// attachParser (re)installs a fresh jsonstream.Parser. Called at
// construction and again on REQ_BEING_SEND_AGAIN: a retransmitted
// request gets a brand new response from the server, so any partially
// accumulated body state from the failed attempt must not carry over.
func (pr *Request) attachParser() {
	pr.depth = 0
	pr.tokenErr = nil
	p := jsonstream.New()
	p.OnStartArray = func() { pr.depth++ }
	p.OnEndArray = func() { pr.depth-- }
	p.OnString = func(s string) {
		if pr.depth > 1 {
			if pr.cb != nil {
				pr.cb(pr, NubData, []byte(s))
			}
			return
		}
		if pr.depth == 1 {
			if len(s) > maxTimeToken {
				pr.tokenErr = httpcode.New(httpcode.DataParseError, "time-token", "time token exceeds 19 bytes", nil)
				return
			}
			// Every depth-1 string is a time-token write, publish or
			// subscribe alike. A publish response's ack text ("Sent")
			// lands here first and is overwritten a moment later by
			// the real token in the same array.
			pr.client.setTimeToken(s)
		}
	}
	pr.parser = p
}

func (pr *Request) onEngineEvent(_ *engine.Request, ev engine.Event, data []byte, retry engine.RetryFunc) error {
	switch ev {
	case engine.ReqBeingSend, engine.ReqBeingSendAgain:
		pr.retrying = false
		pr.attachParser()
		return nil
	case engine.ReqData:
		if err := pr.parser.Parse(data); err != nil {
			return httpcode.New(httpcode.DataParseError, "json", "invalid pub/sub body", err)
		}
		if pr.tokenErr != nil {
			return pr.tokenErr
		}
		return nil
	case engine.ReqDone:
		if err := pr.parser.Complete(); err != nil {
			if pr.cb != nil {
				pr.cb(pr, NubError, nil)
			}
			return nil
		}
		if pr.cb != nil {
			pr.cb(pr, NubDone, nil)
		}
		return nil
	case engine.ReqTCPPeerClose:
		pr.retrying = true
		if pr.cb != nil {
			pr.cb(pr, NubError, nil)
		}
		retry(1)
		return nil
	case engine.ReqTCPError:
		pr.retrying = true
		if pr.cb != nil {
			pr.cb(pr, NubError, nil)
		}
		retry(15)
		return nil
	case engine.ReqParseError:
		// A parse failure is recoverable here; retry like a TCP error.
		pr.retrying = true
		if pr.cb != nil {
			pr.cb(pr, NubError, nil)
		}
		retry(15)
		return nil
	}
	return nil
}

// Publish sends message (wrapped as a JSON string document, then
// URL-encoded) to the channel. The response's two depth-1 strings
// ("Sent" and the fresh time token) are both consumed internally as
// rolling-token writes — only the second sticks — and cb receives a
// single terminal NubDone once the body fully parses. PublishSync
// inspects the resulting TimeToken for callers that want a synchronous
// result.
func (c *Client) Publish(message string, cb Callback) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub: encode message: %w", err)
	}
	line, err := buildPublishLine(c.pubKey, c.subKey, c.channel, string(encoded))
	if err != nil {
		return err
	}
	pr := c.newRequest(cb)
	pr.engReq.Set(line).Add("")
	if err := pr.engReq.Err(); err != nil {
		return err
	}
	return c.http.Enqueue(pr.engReq)
}

// Subscribe issues one long-poll GET with the current rolling time
// token. On completion cb receives NubData for each message payload
// (array depth ≥ 2), then NubDone once the body fully parses; the
// token is already updated by then. There is always at most one
// subscribe in flight per Client.
func (c *Client) Subscribe(cb Callback) error {
	line, err := buildSubscribeLine(c.subKey, c.channel, c.TimeToken())
	if err != nil {
		return err
	}
	pr := c.newRequest(cb)
	pr.engReq.Set(line).Keepalive(subscribeKeepaliveSeconds, subscribeMargin).Add("")
	if err := pr.engReq.Err(); err != nil {
		return err
	}
	return c.http.Enqueue(pr.engReq)
}

// SubscribeLoop issues Subscribe, then automatically re-issues it with
// the advanced token every time one round trip completes, until ctx is
// cancelled — the long-poll equivalent of a blocking receive loop.
func (c *Client) SubscribeLoop(ctx context.Context, cb Callback) error {
	var loop func(r *Request, ev Event, data []byte)
	loop = func(r *Request, ev Event, data []byte) {
		cb(r, ev, data)
		switch ev {
		case NubDone:
		case NubError:
			// An engine-level retry keeps the same request in flight;
			// issuing a replacement here would put two subscribes on
			// the wire.
			if r.Retrying() {
				return
			}
		default:
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = c.Subscribe(loop)
	}
	return c.Subscribe(loop)
}

// PublishResult is a convenience summary of a Publish round trip, for
// callers that just want a synchronous yes/no plus the token PubNub
// handed back. Sent reports whether the round trip reached NubDone:
// the wire protocol never surfaces PubNub's "Sent" ack text as a
// distinct event (it is consumed as a rolling-token write, like every
// other depth-1 string — see Publish's doc comment), so NubDone
// reaching the callback at all is the only success signal.
type PublishResult struct {
	Sent  bool
	Token string
}

// PublishSync blocks until the publish completes, fails, or ctx is
// done.
func (c *Client) PublishSync(ctx context.Context, message string) (PublishResult, error) {
	type outcome struct {
		res PublishResult
		err error
	}
	done := make(chan outcome, 1)
	err := c.Publish(message, func(r *Request, ev Event, data []byte) {
		switch ev {
		case NubDone:
			select {
			case done <- outcome{res: PublishResult{Sent: true, Token: c.TimeToken()}}:
			default:
			}
		case NubError:
			select {
			case done <- outcome{err: fmt.Errorf("pubsub: publish failed")}:
			default:
			}
		}
	})
	if err != nil {
		return PublishResult{}, err
	}
	select {
	case <-ctx.Done():
		return PublishResult{}, ctx.Err()
	case o := <-done:
		return o.res, o.err
	}
}

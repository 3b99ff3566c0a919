// Package siwi2way provides a long-lived, reconnecting HTTP/1.1
// pub/sub client for embedded-style network clients talking to a
// PubNub-compatible real-time channel API. It is the public facade
// over pkg/engine, pkg/httpparse, and pkg/pubsub, re-exporting the
// types most callers need so they rarely have to import the
// sub-packages directly.
package siwi2way

import (
	"github.com/jhofstee/siwi2way/pkg/engine"
	"github.com/jhofstee/siwi2way/pkg/httpcode"
	"github.com/jhofstee/siwi2way/pkg/httpparse"
	"github.com/jhofstee/siwi2way/pkg/pubsub"
	"github.com/jhofstee/siwi2way/pkg/timer"
	"github.com/jhofstee/siwi2way/pkg/transport"
)

// Version is the current version of this module.
const Version = "1.0.0"

// Re-export key types for easier usage.
type (
	// Client is the HTTP/1.1 connection/request engine: one socket to
	// one host, a FIFO of pending requests, and the connect/retry/
	// send/receive state machine.
	Client = engine.Client

	// Request is one queued HTTP/1.1 request owned by a Client.
	Request = engine.Request

	// State names one node of a Client's connection state machine.
	State = engine.State

	// Event names one callback invocation kind delivered to a
	// Request's callback.
	Event = engine.Event

	// Error is the structured, sticky error shared by every layer.
	Error = httpcode.Error

	// Code identifies the category of an Error.
	Code = httpcode.Code

	// Parser is the incremental HTTP/1.1 response parser embedded in
	// a Client.
	Parser = httpparse.Parser

	// Scheduler is the injected one-shot timer service a Client needs.
	Scheduler = timer.Scheduler

	// Dialer opens the transport Conns a Client drives.
	Dialer = transport.Dialer

	// PubSub is the PubNub-style publish/subscribe layer built on top
	// of a Client.
	PubSub = pubsub.Client

	// PubSubRequest is one PubSub-layer request (engine Request plus
	// streaming JSON state).
	PubSubRequest = pubsub.Request

	// PubSubEvent names one pub/sub-level callback event.
	PubSubEvent = pubsub.Event

	// PublishResult summarizes a completed Publish round trip.
	PublishResult = pubsub.PublishResult
)

// Re-export the error taxonomy for convenience.
const (
	CodeChunkNoSpace    = httpcode.ChunkNoSpace
	CodeHeaderTooLong   = httpcode.HeaderTooLong
	CodeWriteError      = httpcode.WriteError
	CodeNoMem           = httpcode.NoMem
	CodeMalformed       = httpcode.Malformed
	CodeResponseTooLong = httpcode.ResponseTooLong
	CodeNotImplemented  = httpcode.NotImplemented
	CodeTimeout         = httpcode.Timeout
	CodeDataParseError  = httpcode.DataParseError
	CodeClientClosed    = httpcode.ClientClosed
)

// Re-export the connection state machine's states.
const (
	StateIdle            = engine.Idle
	StateRetrySocketOpen = engine.RetrySocketOpen
	StateSocketOpening   = engine.SocketOpening
	StateSendingRequest  = engine.SendingRequest
	StateParsingReply    = engine.ParsingReply
	StateError           = engine.Error
)

// Re-export the per-request callback events.
const (
	EventBeingSend      = engine.ReqBeingSend
	EventBeingSendAgain = engine.ReqBeingSendAgain
	EventData           = engine.ReqData
	EventDone           = engine.ReqDone
	EventTCPError       = engine.ReqTCPError
	EventTCPPeerClose   = engine.ReqTCPPeerClose
	EventParseError     = engine.ReqParseError
)

// Re-export the pub/sub outbound events.
const (
	NubData  = pubsub.NubData
	NubError = pubsub.NubError
	NubDone  = pubsub.NubDone
)

// NewClient returns an HTTP Client Engine bound to host:port, using
// dialer to open sockets and sched to schedule its one-shot timer.
func NewClient(host string, port int, dialer Dialer, sched *Scheduler) *Client {
	return engine.New(host, port, dialer, sched)
}

// NewPubSub returns a PubSub layer bound to one (host, port) origin
// and a set of PubNub-style keys.
func NewPubSub(host string, port int, channel, pubKey, subKey, secretKey string, dialer Dialer, sched *Scheduler) *PubSub {
	return pubsub.New(host, port, channel, pubKey, subKey, secretKey, dialer, sched)
}

// NewScheduler starts a new injected timer scheduler.
func NewScheduler() *Scheduler {
	return timer.NewScheduler()
}

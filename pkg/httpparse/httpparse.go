// Package httpparse implements the byte-stream incremental HTTP/1.1
// response parser: a pure state machine that advances as bytes arrive
// from a non-blocking transport, never buffering a full response. It
// supports Content-Length, chunked, and close-delimited bodies, and is
// resumable at any byte boundary.
package httpparse

import (
	"strconv"
	"strings"

	"github.com/jhofstee/siwi2way/pkg/httpcode"
)

// State names one node of the parser's state machine.
type State int

const (
	StateHTTP State = iota
	StateVersionMajor
	StateVersionDot
	StateVersionMinor
	StateSpaces1
	StateStatus
	StateSpaces2
	StateReason
	StateStatusLineCRLF
	StateHeaderName
	StateHeaderColon
	StateHeaderValue
	StateHeaderCRLF
	StateHeadEnd
	StateChunkLength
	StateChunkExtension
	StateContent
	StateChunkCRLF
	StateDone
	stateError
)

func (s State) String() string {
	switch s {
	case StateHTTP:
		return "http"
	case StateVersionMajor:
		return "version_major"
	case StateVersionDot:
		return "version_dot"
	case StateVersionMinor:
		return "version_minor"
	case StateSpaces1:
		return "spaces1"
	case StateStatus:
		return "status"
	case StateSpaces2:
		return "spaces2"
	case StateReason:
		return "reason"
	case StateStatusLineCRLF:
		return "status_line_crlf"
	case StateHeaderName:
		return "header_name"
	case StateHeaderColon:
		return "header_colon"
	case StateHeaderValue:
		return "header_value"
	case StateHeaderCRLF:
		return "header_crlf"
	case StateHeadEnd:
		return "head_end"
	case StateChunkLength:
		return "chunk_length"
	case StateChunkExtension:
		return "chunk_extension"
	case StateContent:
		return "content"
	case StateChunkCRLF:
		return "chunk_crlf"
	case StateDone:
		return "done"
	default:
		return "error"
	}
}

const (
	maxNumberDigits = 100 // decimal scratch cap
	maxHexDigits    = 8   // hex digits allowed in a chunk length
	maxTextScratch  = 128 // reason phrase / header name scratch
	maxHeaderValue  = 128 // header value scratch; overflow collapses to ""
)

const httpLiteral = "HTTP/"

// BodyFunc receives a sub-slice of body bytes as they are parsed. It
// must not retain buf beyond the call. A non-nil error aborts parsing
// and is returned from Parse.
type BodyFunc func(buf []byte) error

// Parser is the incremental response parser embedded in an engine
// Client. It owns only its own parse cursor and small scratch buffers —
// it never performs I/O and never buffers a full response.
type Parser struct {
	state State

	litPos int // progress matching "HTTP/"

	numBuf [maxNumberDigits]byte
	numPos int

	eaten bool // at least one char consumed in an "eat chars" state

	textBuf [maxTextScratch]byte
	textPos int

	valueBuf       [maxHeaderValue]byte
	valuePos       int
	valueOverflow  bool
	pendingHeader  string // finished header name, lowercased, set at HeaderColon entry

	hexBuf [maxHexDigits]byte
	hexPos int

	VersionMajor  uint32
	VersionMinor  uint32
	Status        int
	ContentLength int64 // -1 means unknown (read until peer close)
	IsChunked     bool

	remaining    int64 // bytes left in the current Content run
	lastChunkLen int64 // most recent chunk length (to detect terminal 0 chunk)
}

// New returns a Parser ready to parse one response from its start.
func New() *Parser {
	p := &Parser{}
	p.Reset()
	return p
}

// Reset rearms the parser for a new response, e.g. before resending a
// request whose previous response never completed.
func (p *Parser) Reset() {
	*p = Parser{
		state:         StateHTTP,
		ContentLength: -1,
	}
}

// State returns the parser's current state.
func (p *Parser) State() State { return p.state }

// Done reports whether the response has been fully parsed.
func (p *Parser) Done() bool { return p.state == StateDone }

// Parse consumes as much of buf as the current response needs and
// invokes onBody for any content bytes it reaches. It returns the
// number of bytes consumed. Calling Parse with an empty buf is a
// no-op. A call that returns after consuming k < len(buf) bytes means
// the remaining bytes must be re-presented on the next call — the
// parser never drops bytes.
//
// Once Parse returns a non-nil error the parser is in a sticky failed
// state and must not be called again; the owning Client is responsible
// for enforcing this.
func (p *Parser) Parse(buf []byte, onBody BodyFunc) (int, error) {
	total := 0
	for total < len(buf) && p.state != StateDone {
		n, err := p.step(buf[total:], onBody)
		total += n
		if err != nil {
			p.state = stateError
			return total, err
		}
	}
	return total, nil
}

func (p *Parser) step(buf []byte, onBody BodyFunc) (int, error) {
	switch p.state {
	case StateHTTP:
		return p.parseLiteral(buf)
	case StateVersionMajor:
		return p.parseNumber(buf, &p.VersionMajor, StateVersionDot)
	case StateVersionDot:
		return p.eatChars(buf, ".", StateVersionMinor)
	case StateVersionMinor:
		return p.parseNumber(buf, &p.VersionMinor, StateSpaces1)
	case StateSpaces1:
		return p.eatChars(buf, " ", StateStatus)
	case StateStatus:
		var status uint32
		n, err := p.parseNumber(buf, &status, StateSpaces2)
		if err == nil && p.state == StateSpaces2 {
			p.Status = int(status)
		}
		return n, err
	case StateSpaces2:
		return p.eatChars(buf, " ", StateReason)
	case StateReason:
		return p.parseTextTill(buf, "\r\n", StateStatusLineCRLF, &p.textBuf, &p.textPos, false)
	case StateStatusLineCRLF:
		return p.eatLine(buf)
	case StateHeaderName:
		return p.parseHeaderName(buf)
	case StateHeaderColon:
		return p.eatChars(buf, ": \t", StateHeaderValue)
	case StateHeaderValue:
		return p.parseHeaderValue(buf)
	case StateHeaderCRLF:
		return p.eatLine(buf)
	case StateHeadEnd:
		return p.eatLine(buf)
	case StateChunkLength:
		return p.parseHexNumber(buf)
	case StateChunkExtension:
		return p.eatLine(buf)
	case StateContent:
		return p.parseContent(buf, onBody)
	case StateChunkCRLF:
		return p.eatLine(buf)
	default:
		return 0, httpcode.New(httpcode.Malformed, "parse", "parse called after terminal state", nil)
	}
}

func (p *Parser) parseLiteral(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		c := buf[n]
		n++
		if c != httpLiteral[p.litPos] {
			return n, httpcode.New(httpcode.Malformed, "status-line", "missing HTTP/ prefix", nil)
		}
		p.litPos++
		if p.litPos == len(httpLiteral) {
			p.litPos = 0
			p.state = StateVersionMajor
			return n, nil
		}
	}
	return n, nil
}

// eatChars consumes one or more bytes from set, requiring at least one
// on entry; on the first byte not in set it advances to next and
// returns without consuming that byte.
func (p *Parser) eatChars(buf []byte, set string, next State) (int, error) {
	n := 0
	for n < len(buf) {
		if strings.IndexByte(set, buf[n]) >= 0 {
			p.eaten = true
			n++
			continue
		}
		if !p.eaten {
			return n, httpcode.New(httpcode.Malformed, "eat-chars", "expected one of "+set, nil)
		}
		p.eaten = false
		p.state = next
		return n, nil
	}
	return n, nil
}

func (p *Parser) eatLine(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		c := buf[n]
		n++
		if c != '\n' {
			continue
		}
		switch p.state {
		case StateChunkCRLF:
			if p.lastChunkLen == 0 {
				p.state = StateDone
			} else {
				p.state = StateChunkLength
			}
		case StateHeadEnd:
			if p.IsChunked {
				p.state = StateChunkLength
			} else if p.ContentLength == 0 {
				// Content-Length: 0 has no body at all; there may never
				// be another byte on the wire to advance past Content.
				p.state = StateDone
			} else {
				p.state = StateContent
				p.remaining = p.ContentLength
			}
		case StateStatusLineCRLF, StateHeaderCRLF:
			p.state = StateHeaderName
		case StateChunkExtension:
			p.state = StateContent
		default:
			return n, httpcode.New(httpcode.Malformed, "eat-line", "eatLine called from unexpected state", nil)
		}
		return n, nil
	}
	return n, nil
}

func (p *Parser) parseNumber(buf []byte, dst *uint32, next State) (int, error) {
	n := 0
	for n < len(buf) {
		c := buf[n]
		if c >= '0' && c <= '9' {
			if p.numPos < maxNumberDigits {
				p.numBuf[p.numPos] = c
				p.numPos++
			}
			n++
			continue
		}
		if p.numPos == 0 {
			return n, httpcode.New(httpcode.Malformed, "number", "expected a digit", nil)
		}
		val, err := strconv.ParseUint(string(p.numBuf[:p.numPos]), 10, 32)
		if err != nil {
			return n, httpcode.New(httpcode.Malformed, "number", "value out of range", err)
		}
		*dst = uint32(val)
		p.numPos = 0
		p.state = next
		return n, nil
	}
	return n, nil
}

// parseTextTill accumulates into scratch until a byte in delims is
// seen (left untouched, not consumed as part of this run unless
// consumeDelim is set). CR/LF inside the run is malformed unless it is
// itself the delimiter being matched.
func (p *Parser) parseTextTill(buf []byte, delims string, next State, scratch *[maxTextScratch]byte, pos *int, consumeDelim bool) (int, error) {
	n := 0
	for n < len(buf) {
		c := buf[n]
		if strings.IndexByte(delims, c) >= 0 {
			if consumeDelim {
				n++
			}
			p.state = next
			*pos = 0
			return n, nil
		}
		if c == '\r' || c == '\n' {
			return n, httpcode.New(httpcode.Malformed, "text", "unexpected CR/LF", nil)
		}
		if *pos < maxTextScratch {
			scratch[*pos] = c
			*pos++
		}
		n++
	}
	return n, nil
}

func (p *Parser) parseHeaderName(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		c := buf[n]

		// A blank line (CR/LF as the very first byte of the name)
		// terminates the header block.
		if p.textPos == 0 && (c == '\r' || c == '\n') {
			p.state = StateHeadEnd
			return n, nil
		}

		// Header-value continuation lines (RFC 7230 §3.2.4) start with a
		// space or tab; route straight back into HeaderValue.
		if p.textPos == 0 && (c == ' ' || c == '\t') {
			p.state = StateHeaderValue
			return n + 1, nil
		}

		if c == ':' {
			p.pendingHeader = strings.ToLower(string(p.textBuf[:p.textPos]))
			p.textPos = 0
			p.state = StateHeaderColon
			return n, nil
		}
		// A header line with no colon ends the header block rather
		// than failing the response; its CRLF doubles as the blank
		// line.
		if c == '\r' || c == '\n' {
			p.textPos = 0
			p.state = StateHeadEnd
			return n, nil
		}
		if p.textPos < maxTextScratch {
			p.textBuf[p.textPos] = c
			p.textPos++
		}
		n++
	}
	return n, nil
}

func (p *Parser) parseHeaderValue(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		c := buf[n]
		if c == '\r' || c == '\n' {
			value := ""
			if !p.valueOverflow {
				value = string(p.valueBuf[:p.valuePos])
			}
			p.valuePos = 0
			p.valueOverflow = false
			if err := p.recognizeHeader(p.pendingHeader, value); err != nil {
				return n, err
			}
			p.state = StateHeaderCRLF
			return n, nil
		}
		if p.valuePos < maxHeaderValue {
			p.valueBuf[p.valuePos] = c
			p.valuePos++
		} else {
			// An over-long header value truncates to empty rather than
			// failing the response.
			p.valueOverflow = true
		}
		n++
	}
	return n, nil
}

func (p *Parser) recognizeHeader(name, value string) error {
	switch name {
	case "content-length":
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			return httpcode.New(httpcode.Malformed, "header", "invalid Content-Length", err)
		}
		p.ContentLength = n
	case "transfer-encoding":
		p.IsChunked = strings.EqualFold(strings.TrimSpace(value), "chunked")
	}
	return nil
}

func (p *Parser) parseHexNumber(buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		c := buf[n]
		if isHexDigit(c) {
			if p.hexPos >= maxHexDigits {
				return n, httpcode.New(httpcode.ChunkNoSpace, "chunk-length", "chunk length exceeds 8 hex digits", nil)
			}
			p.hexBuf[p.hexPos] = c
			p.hexPos++
			n++
			continue
		}
		if p.hexPos == 0 {
			return n, httpcode.New(httpcode.Malformed, "chunk-length", "expected a hex digit", nil)
		}
		val, err := strconv.ParseInt(string(p.hexBuf[:p.hexPos]), 16, 64)
		if err != nil {
			return n, httpcode.New(httpcode.Malformed, "chunk-length", "invalid hex value", err)
		}
		p.hexPos = 0
		p.lastChunkLen = val
		p.ContentLength = val
		p.remaining = val
		p.state = StateChunkExtension
		return n, nil
	}
	return n, nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func (p *Parser) parseContent(buf []byte, onBody BodyFunc) (int, error) {
	n := len(buf)
	if p.remaining >= 0 && int64(n) > p.remaining {
		n = int(p.remaining)
	}

	if n > 0 && onBody != nil {
		if err := onBody(buf[:n]); err != nil {
			return n, err
		}
	}

	if p.remaining >= 0 {
		p.remaining -= int64(n)
		if p.remaining == 0 {
			if p.IsChunked {
				p.state = StateChunkCRLF
			} else {
				p.state = StateDone
			}
		}
	}
	return n, nil
}

// CloseNotify tells the parser the peer closed the connection, which is
// the terminal condition for a close-delimited (no Content-Length, not
// chunked) body.
func (p *Parser) CloseNotify() bool {
	if p.state == StateContent && p.remaining < 0 {
		p.state = StateDone
		return true
	}
	return false
}
